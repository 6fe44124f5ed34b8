package memory

import (
	"context"
	"sync"

	"telecare-backend/pkg/push"
)

// PushTokenRepository keeps push tokens per appointment in process memory
type PushTokenRepository struct {
	mu     sync.Mutex
	tokens map[string]map[string]push.Token
}

// NewPushTokenRepository creates a new in-memory PushTokenRepository
func NewPushTokenRepository() *PushTokenRepository {
	return &PushTokenRepository{tokens: make(map[string]map[string]push.Token)}
}

// Store stores or replaces a push token
func (r *PushTokenRepository) Store(_ context.Context, token *push.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := r.tokens[token.AppointmentID]
	if devices == nil {
		devices = make(map[string]push.Token)
		r.tokens[token.AppointmentID] = devices
	}
	devices[token.Token] = *token
	return nil
}

// ListByAppointment returns every token registered for an appointment
func (r *PushTokenRepository) ListByAppointment(_ context.Context, appointmentID string) ([]*push.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*push.Token, 0, len(r.tokens[appointmentID]))
	for _, tok := range r.tokens[appointmentID] {
		tok := tok
		out = append(out, &tok)
	}
	return out, nil
}

// Delete removes one token of an appointment
func (r *PushTokenRepository) Delete(_ context.Context, appointmentID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tokens[appointmentID], token)
	if len(r.tokens[appointmentID]) == 0 {
		delete(r.tokens, appointmentID)
	}
	return nil
}
