package domain

import "time"

// SessionDescriptor is what the token broker hands out for one user on one call
type SessionDescriptor struct {
	UserID        string    `json:"user_id"`
	CallID        string    `json:"call_id"`
	VideoToken    string    `json:"video_token"`
	APIKey        string    `json:"api_key"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	IssuedAt      time.Time `json:"issued_at,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

// Matches reports whether the descriptor belongs to the appointment's call
func (d *SessionDescriptor) Matches(appointmentID string) bool {
	return d != nil && d.CallID == CallIDForAppointment(appointmentID)
}

// Expired reports whether the descriptor's token is past its expiry at now.
// A zero ExpiresAt never expires.
func (d *SessionDescriptor) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}
