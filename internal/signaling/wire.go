package signaling

import (
	"time"

	"telecare-backend/internal/domain"
	"telecare-backend/pkg/protocol"
)

// ToDomain converts wire records once, at ingestion. A record is local when
// its session is this connection's session. Missing or unparseable join
// times become the zero time, which orders as oldest.
func ToDomain(records []protocol.WireParticipant, localSessionID string) []domain.ParticipantRecord {
	out := make([]domain.ParticipantRecord, 0, len(records))
	for _, r := range records {
		out = append(out, domain.ParticipantRecord{
			UserID:    r.UserID,
			SessionID: r.SessionID,
			IsLocal:   localSessionID != "" && r.SessionID == localSessionID,
			JoinedAt:  parseJoinedAt(r.JoinedAt),
			Media: domain.MediaState{
				CameraEnabled:     r.Camera,
				MicrophoneEnabled: r.Microphone,
				ScreenShare:       r.Screen,
			},
		})
	}
	return out
}

// ToWire renders a stored record for the wire
func ToWire(r domain.ParticipantRecord) protocol.WireParticipant {
	return protocol.WireParticipant{
		UserID:     r.UserID,
		SessionID:  r.SessionID,
		JoinedAt:   protocol.FormatTime(r.JoinedAt),
		Camera:     r.Media.CameraEnabled,
		Microphone: r.Media.MicrophoneEnabled,
		Screen:     r.Media.ScreenShare,
	}
}

func parseJoinedAt(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
