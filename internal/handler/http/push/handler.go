package push

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/middleware"
	"telecare-backend/pkg/push"
	"telecare-backend/pkg/response"
)

// Registrar stores the devices that hear about an appointment's calls
type Registrar interface {
	RegisterToken(ctx context.Context, token *push.Token) error
	UnregisterToken(ctx context.Context, appointmentID, token string) error
}

// RegisterRequest registers a device for one appointment
type RegisterRequest struct {
	AppointmentID string `json:"appointment_id" binding:"required"`
	Token         string `json:"token" binding:"required"`
	Type          string `json:"type" binding:"required,oneof=fcm apns"`
	Platform      string `json:"platform,omitempty"`
}

// UnregisterRequest removes a device from one appointment
type UnregisterRequest struct {
	AppointmentID string `json:"appointment_id" binding:"required"`
	Token         string `json:"token" binding:"required"`
}

// Handler handles push token HTTP requests
type Handler struct {
	registrar Registrar
}

// NewHandler creates a new push handler
func NewHandler(registrar Registrar) *Handler {
	return &Handler{
		registrar: registrar,
	}
}

// RegisterToken registers the caller's device for an appointment
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if err := domain.ValidateAppointmentID(req.AppointmentID); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := callerID(c)
	if !ok {
		return
	}

	err := h.registrar.RegisterToken(c.Request.Context(), &push.Token{
		Token:         req.Token,
		UserID:        userID,
		AppointmentID: req.AppointmentID,
		Type:          push.TokenType(req.Type),
		Platform:      req.Platform,
	})
	if err != nil {
		response.InternalError(c, "Failed to register push token")
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"registered": true})
}

// UnregisterToken removes a device from an appointment
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	var req UnregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if _, ok := callerID(c); !ok {
		return
	}

	if err := h.registrar.UnregisterToken(c.Request.Context(), req.AppointmentID, req.Token); err != nil {
		response.InternalError(c, "Failed to unregister push token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"registered": false})
}

func callerID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get(middleware.ContextUserID)
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
