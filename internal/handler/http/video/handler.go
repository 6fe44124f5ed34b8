package video

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/middleware"
	"telecare-backend/internal/service/video"
	"telecare-backend/pkg/response"
)

// StatusReader reads persisted call membership
type StatusReader interface {
	GetCallStatus(ctx context.Context, callID string) (*video.CallStatus, error)
}

// Handler handles call status HTTP requests
type Handler struct {
	videoService StatusReader
}

// NewHandler creates a new video handler
func NewHandler(videoService StatusReader) *Handler {
	return &Handler{
		videoService: videoService,
	}
}

// GetCallStatus returns a call and its membership. Only members may read it.
// GET /v1/calls/:id
func (h *Handler) GetCallStatus(c *gin.Context) {
	callID := c.Param("id")
	if _, ok := domain.AppointmentIDFromCallID(callID); !ok {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	userIDVal, exists := c.Get(middleware.ContextUserID)
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return
	}

	status, err := h.videoService.GetCallStatus(c.Request.Context(), callID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	member := false
	for _, m := range status.Members {
		if m.UserID == userID {
			member = true
			break
		}
	}
	if !member {
		response.Error(c, http.StatusForbidden, "FORBIDDEN", "Not a member of this call")
		return
	}

	response.Success(c, http.StatusOK, status)
}
