// Package push notifies the other party of an appointment when its call
// starts, through FCM, APNs or a logging mock.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"telecare-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"
	TokenTypeAPNs TokenType = "apns"
)

// Token is a device that wants to hear about calls of one appointment
type Token struct {
	Token         string    `json:"token"`
	UserID        uuid.UUID `json:"user_id"`
	AppointmentID string    `json:"appointment_id"`
	Type          TokenType `json:"type"`
	Platform      string    `json:"platform,omitempty"` // ios, android, web
	UpdatedAt     int64     `json:"updated_at"`
}

// TokenRepository stores device tokens per appointment
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	ListByAppointment(ctx context.Context, appointmentID string) ([]*Token, error)
	Delete(ctx context.Context, appointmentID, token string) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken stores or refreshes a device token
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	if token.Token == "" {
		return errors.New("push token is empty")
	}
	if token.Type != TokenTypeFCM && token.Type != TokenTypeAPNs {
		return fmt.Errorf("unsupported push token type %q", token.Type)
	}
	token.UpdatedAt = time.Now().Unix()
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a device token
func (s *Service) UnregisterToken(ctx context.Context, appointmentID, token string) error {
	return s.repo.Delete(ctx, appointmentID, token)
}

// NotifyCallStarted tells every device of the appointment not owned by
// callerID that callerID is waiting in the call
func (s *Service) NotifyCallStarted(ctx context.Context, callID, appointmentID string, callerID uuid.UUID) error {
	tokens, err := s.repo.ListByAppointment(ctx, appointmentID)
	if err != nil {
		return fmt.Errorf("failed to list push tokens: %w", err)
	}

	var targets []string
	for _, t := range tokens {
		if t.UserID != callerID {
			targets = append(targets, t.Token)
		}
	}
	if len(targets) == 0 {
		logger.Info("No push tokens for the other party",
			zap.String("appointment_id", appointmentID))
		return nil
	}

	notification := &Notification{
		Title:    "Consultation started",
		Body:     "The other party is waiting in your consultation",
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":           "call",
			"call_id":        callID,
			"appointment_id": appointmentID,
			"caller_id":      callerID.String(),
		},
	}

	result, err := s.provider.Send(ctx, notification, targets)
	if err != nil {
		logger.Error("Failed to send call notification",
			zap.String("call_id", callID),
			zap.Int("token_count", len(targets)),
			zap.Error(err))
		return fmt.Errorf("failed to send call notification: %w", err)
	}

	logger.Info("Call notification sent",
		zap.String("call_id", callID),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	for _, tok := range result.InvalidTokens {
		if err := s.repo.Delete(ctx, appointmentID, tok); err != nil {
			logger.Warn("Failed to drop invalid push token",
				zap.String("appointment_id", appointmentID),
				zap.Error(err))
		}
	}
	return nil
}

// MockProvider logs notifications instead of sending them
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
}

// Send implements Provider interface
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Sent returns the notifications handed to the provider so far
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}
