// Package token is the session token broker: it issues call-scoped
// signaling credentials per appointment, and fetches them on the agent side.
package token

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"telecare-backend/internal/domain"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/jwt"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
)

// TokenRequest is the body of POST /v1/stream/token
type TokenRequest struct {
	AppointmentID string `json:"appointmentId" binding:"required"`
	Purpose       string `json:"purpose"`
}

// TokenResponse is the data of a successful token request
type TokenResponse struct {
	UserID     string    `json:"userId"`
	CallID     string    `json:"callId"`
	VideoToken string    `json:"videoToken"`
	APIKey     string    `json:"apiKey"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// CallStore is the persistence the broker needs
type CallStore interface {
	EnsureCall(ctx context.Context, call *domain.CallSession) (*domain.CallSession, error)
}

// Service issues stream tokens
type Service struct {
	calls   CallStore
	jwt     *jwt.JWTManager
	apiKey  string
	metrics *metrics.Metrics
}

// NewService creates a broker. m may be nil.
func NewService(calls CallStore, jwtManager *jwt.JWTManager, apiKey string, m *metrics.Metrics) *Service {
	return &Service{
		calls:   calls,
		jwt:     jwtManager,
		apiKey:  apiKey,
		metrics: m,
	}
}

// IssueToken ensures the appointment's call exists and signs a stream token
// for userID on it
func (s *Service) IssueToken(ctx context.Context, userID uuid.UUID, appointmentID string, purpose domain.CallPurpose) (*domain.SessionDescriptor, error) {
	if purpose == "" {
		purpose = domain.PurposeVideo
	}
	if err := domain.ValidateAppointmentID(appointmentID); err != nil {
		s.record(purpose, "rejected")
		return nil, apperrors.ValidationError(err.Error())
	}
	if !purpose.Valid() {
		s.record(purpose, "rejected")
		return nil, apperrors.ValidationError("purpose must be video or chat")
	}

	callID := domain.CallIDForAppointment(appointmentID)
	if _, err := s.calls.EnsureCall(ctx, &domain.CallSession{
		CallID:        callID,
		AppointmentID: appointmentID,
		Purpose:       purpose,
		CreatedAt:     time.Now(),
	}); err != nil {
		s.record(purpose, "error")
		logger.Error("Failed to ensure call session",
			zap.String("call_id", callID),
			zap.Error(err))
		return nil, apperrors.DatabaseError(err)
	}

	videoToken, expiresAt, err := s.jwt.GenerateStreamToken(userID, callID)
	if err != nil {
		s.record(purpose, "error")
		logger.Error("Failed to sign stream token", zap.String("call_id", callID), zap.Error(err))
		return nil, apperrors.InternalError("Failed to issue stream token")
	}

	s.record(purpose, "ok")
	logger.Info("Stream token issued",
		zap.String("call_id", callID),
		zap.String("user_id", userID.String()),
		zap.String("purpose", string(purpose)))

	return &domain.SessionDescriptor{
		UserID:        userID.String(),
		CallID:        callID,
		VideoToken:    videoToken,
		APIKey:        s.apiKey,
		AppointmentID: appointmentID,
		IssuedAt:      time.Now(),
		ExpiresAt:     expiresAt,
	}, nil
}

func (s *Service) record(purpose domain.CallPurpose, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordTokenIssued(string(purpose), outcome)
	}
}
