package token

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/middleware"
	"telecare-backend/internal/service/token"
	"telecare-backend/pkg/response"
)

// Issuer signs call-scoped stream tokens
type Issuer interface {
	IssueToken(ctx context.Context, userID uuid.UUID, appointmentID string, purpose domain.CallPurpose) (*domain.SessionDescriptor, error)
}

// Handler handles session token HTTP requests
type Handler struct {
	issuer Issuer
}

// NewHandler creates a new token handler
func NewHandler(issuer Issuer) *Handler {
	return &Handler{
		issuer: issuer,
	}
}

// IssueToken returns signaling credentials for the caller on an appointment's call
// POST /v1/stream/token
func (h *Handler) IssueToken(c *gin.Context) {
	var req token.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
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

	desc, err := h.issuer.IssueToken(c.Request.Context(), userID, req.AppointmentID, domain.CallPurpose(req.Purpose))
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, token.TokenResponse{
		UserID:     desc.UserID,
		CallID:     desc.CallID,
		VideoToken: desc.VideoToken,
		APIKey:     desc.APIKey,
		ExpiresAt:  desc.ExpiresAt,
	})
}
