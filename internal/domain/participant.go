package domain

import (
	"sort"
	"time"
)

// MediaState holds the logical device flags of one participant
type MediaState struct {
	CameraEnabled     bool `json:"camera_enabled"`
	MicrophoneEnabled bool `json:"microphone_enabled"`
	ScreenShare       bool `json:"screen_share"`
}

// ParticipantRecord is a raw session entry reported by the signaling layer.
// Several records may share a UserID. A zero JoinedAt means the timestamp was
// missing or unparseable.
type ParticipantRecord struct {
	UserID    string     `json:"user_id"`
	SessionID string     `json:"session_id"`
	IsLocal   bool       `json:"is_local"`
	JoinedAt  time.Time  `json:"joined_at"`
	Media     MediaState `json:"media"`
}

// CanonicalParticipant is the single record chosen for a user.
// GhostSessions counts the records of that user that were discarded.
type CanonicalParticipant struct {
	ParticipantRecord
	GhostSessions int `json:"ghost_sessions"`
}

// SortRecords orders records by join time, then session id
func SortRecords(records []ParticipantRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].JoinedAt.Equal(records[j].JoinedAt) {
			return records[i].JoinedAt.Before(records[j].JoinedAt)
		}
		return records[i].SessionID < records[j].SessionID
	})
}
