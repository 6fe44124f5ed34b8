// Package memory holds single-instance stand-ins for the Redis repositories.
// The video service falls back to them outside production when Redis is
// unreachable; they do not fan out across instances.
package memory

import (
	"context"
	"sync"
	"time"

	"telecare-backend/internal/domain"
)

type entry struct {
	record    domain.ParticipantRecord
	expiresAt time.Time
}

// ParticipantRepository keeps session records in process memory with the same
// TTL semantics as the Redis repository
type ParticipantRepository struct {
	mu    sync.Mutex
	calls map[string]map[string]*entry
	ttl   time.Duration
	now   func() time.Time
}

// NewParticipantRepository creates a new in-memory ParticipantRepository
func NewParticipantRepository(ttl time.Duration) *ParticipantRepository {
	return &ParticipantRepository{
		calls: make(map[string]map[string]*entry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Put stores or replaces a session record
func (r *ParticipantRepository) Put(_ context.Context, callID string, rec domain.ParticipantRecord) error {
	rec.IsLocal = false

	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.calls[callID]
	if sessions == nil {
		sessions = make(map[string]*entry)
		r.calls[callID] = sessions
	}
	sessions[rec.SessionID] = &entry{record: rec, expiresAt: r.now().Add(r.ttl)}
	return nil
}

// Refresh extends a live session's TTL. It reports false if the record
// already expired.
func (r *ParticipantRepository) Refresh(_ context.Context, callID, sessionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.calls[callID][sessionID]
	if !ok || !r.now().Before(e.expiresAt) {
		return false, nil
	}
	e.expiresAt = r.now().Add(r.ttl)
	return true, nil
}

// Remove deletes a session record
func (r *ParticipantRepository) Remove(_ context.Context, callID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessions, ok := r.calls[callID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.calls, callID)
		}
	}
	return nil
}

// List returns every unexpired record of a call, oldest first
func (r *ParticipantRepository) List(_ context.Context, callID string) ([]domain.ParticipantRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	records := make([]domain.ParticipantRecord, 0, len(r.calls[callID]))
	for id, e := range r.calls[callID] {
		if !now.Before(e.expiresAt) {
			delete(r.calls[callID], id)
			continue
		}
		records = append(records, e.record)
	}

	domain.SortRecords(records)
	return records, nil
}
