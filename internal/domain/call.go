package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"telecare-backend/pkg/constants"
)

// CallPurpose is what a consultation call carries
type CallPurpose string

const (
	PurposeVideo CallPurpose = "video"
	PurposeChat  CallPurpose = "chat"
)

// Valid reports whether p is a known purpose
func (p CallPurpose) Valid() bool {
	return p == PurposeVideo || p == PurposeChat
}

// Call session statuses
const (
	CallStatusActive = "active"
	CallStatusEnded  = "ended"
)

// CallSession is one logical consultation call. It is owned by both parties;
// it ends only when no member remains.
type CallSession struct {
	CallID        string      `json:"call_id"`
	AppointmentID string      `json:"appointment_id"`
	Purpose       CallPurpose `json:"purpose"`
	Status        string      `json:"status"` // active, ended
	CreatedAt     time.Time   `json:"created_at"`
	EndedAt       *time.Time  `json:"ended_at,omitempty"`
}

// CallMember is a persisted membership row of a call
type CallMember struct {
	CallID   string     `json:"call_id"`
	UserID   uuid.UUID  `json:"user_id"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// CallIDForAppointment derives the call id of an appointment's consultation
func CallIDForAppointment(appointmentID string) string {
	return constants.CallIDPrefix + appointmentID
}

// AppointmentIDFromCallID is the inverse of CallIDForAppointment
func AppointmentIDFromCallID(callID string) (string, bool) {
	id, ok := strings.CutPrefix(callID, constants.CallIDPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// ValidateAppointmentID checks an appointment id is usable inside a call id
func ValidateAppointmentID(id string) error {
	if id == "" {
		return fmt.Errorf("appointment id is required")
	}
	if len(id) > constants.MaxAppointmentIDLength {
		return fmt.Errorf("appointment id exceeds %d characters", constants.MaxAppointmentIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("appointment id contains invalid character %q", r)
		}
	}
	return nil
}
