// Package participant folds raw signaling session records into one
// canonical entry per logical user.
package participant

import "telecare-backend/internal/domain"

// Summary describes one reconciliation pass
type Summary struct {
	Users   int `json:"users"`
	Records int `json:"records"`
	Ghosts  int `json:"ghosts"`
}

// Reconcile returns one CanonicalParticipant per distinct UserID, in the
// order each user was first seen. Within a user's records a local record
// always wins; otherwise the latest JoinedAt wins, a zero JoinedAt is the
// oldest possible value, and ties keep the record seen first.
//
// Records without a UserID cannot be attributed to a user and are dropped.
// Reconcile keeps no state and never mutates records.
func Reconcile(records []domain.ParticipantRecord) []domain.CanonicalParticipant {
	if len(records) == 0 {
		return []domain.CanonicalParticipant{}
	}

	index := make(map[string]int, len(records))
	out := make([]domain.CanonicalParticipant, 0, len(records))

	for _, rec := range records {
		if rec.UserID == "" {
			continue
		}

		i, seen := index[rec.UserID]
		if !seen {
			index[rec.UserID] = len(out)
			out = append(out, domain.CanonicalParticipant{ParticipantRecord: rec})
			continue
		}

		cur := &out[i]
		cur.GhostSessions++
		if prefer(rec, cur.ParticipantRecord) {
			cur.ParticipantRecord = rec
		}
	}

	return out
}

// prefer reports whether candidate should replace current
func prefer(candidate, current domain.ParticipantRecord) bool {
	if current.IsLocal {
		return false
	}
	if candidate.IsLocal {
		return true
	}
	return candidate.JoinedAt.After(current.JoinedAt)
}

// Summarize counts what a reconciliation pass collapsed. Unattributed
// records count as ghosts.
func Summarize(records []domain.ParticipantRecord, canonical []domain.CanonicalParticipant) Summary {
	return Summary{
		Users:   len(canonical),
		Records: len(records),
		Ghosts:  len(records) - len(canonical),
	}
}
