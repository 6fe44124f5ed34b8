package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telecare-backend/internal/domain"
	"telecare-backend/pkg/metrics"
)

// ErrCallNotFound is returned when no call row exists
var ErrCallNotFound = errors.New("call not found")

// CallRepository persists consultation calls and their membership.
//
//	calls(call_id PK, appointment_id, purpose, status, created_at, ended_at)
//	call_participants(call_id, user_id, joined_at, left_at, PK(call_id, user_id))
type CallRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewCallRepository creates a new call repository. m may be nil.
func NewCallRepository(pool *pgxpool.Pool, m *metrics.Metrics) *CallRepository {
	return &CallRepository{pool: pool, metrics: m}
}

// EnsureCall creates the call row if absent and reopens it if it had ended.
// It returns the stored row.
func (r *CallRepository) EnsureCall(ctx context.Context, call *domain.CallSession) (*domain.CallSession, error) {
	query := `
		INSERT INTO calls (call_id, appointment_id, purpose, status, created_at)
		VALUES ($1, $2, $3, 'active', $4)
		ON CONFLICT (call_id) DO UPDATE
		SET status = 'active', ended_at = NULL
		RETURNING call_id, appointment_id, purpose, status, created_at, ended_at
	`

	start := time.Now()
	stored := &domain.CallSession{}
	err := r.pool.QueryRow(ctx, query,
		call.CallID,
		call.AppointmentID,
		string(call.Purpose),
		call.CreatedAt,
	).Scan(
		&stored.CallID,
		&stored.AppointmentID,
		&stored.Purpose,
		&stored.Status,
		&stored.CreatedAt,
		&stored.EndedAt,
	)
	r.record("ensure", "calls", start, err)

	if err != nil {
		return nil, fmt.Errorf("failed to ensure call: %w", err)
	}

	return stored, nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID string) (*domain.CallSession, error) {
	query := `
		SELECT call_id, appointment_id, purpose, status, created_at, ended_at
		FROM calls
		WHERE call_id = $1
	`

	start := time.Now()
	call := &domain.CallSession{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&call.CallID,
		&call.AppointmentID,
		&call.Purpose,
		&call.Status,
		&call.CreatedAt,
		&call.EndedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		r.record("select", "calls", start, nil)
		return nil, ErrCallNotFound
	}
	r.record("select", "calls", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// EndCall marks a call as ended. Ending an ended call is a no-op.
func (r *CallRepository) EndCall(ctx context.Context, callID string) error {
	query := `
		UPDATE calls
		SET status = 'ended', ended_at = NOW()
		WHERE call_id = $1 AND status <> 'ended'
	`

	start := time.Now()
	_, err := r.pool.Exec(ctx, query, callID)
	r.record("update", "calls", start, err)
	if err != nil {
		return fmt.Errorf("failed to end call: %w", err)
	}

	return nil
}

// AddParticipant records userID as a member. Rejoining clears left_at.
func (r *CallRepository) AddParticipant(ctx context.Context, callID string, userID uuid.UUID) error {
	query := `
		INSERT INTO call_participants (call_id, user_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (call_id, user_id) DO UPDATE
		SET joined_at = excluded.joined_at, left_at = NULL
	`

	start := time.Now()
	_, err := r.pool.Exec(ctx, query, callID, userID, time.Now())
	r.record("upsert", "call_participants", start, err)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}

	return nil
}

// RemoveParticipant marks userID as left
func (r *CallRepository) RemoveParticipant(ctx context.Context, callID string, userID uuid.UUID) error {
	query := `
		UPDATE call_participants
		SET left_at = $3
		WHERE call_id = $1 AND user_id = $2 AND left_at IS NULL
	`

	start := time.Now()
	_, err := r.pool.Exec(ctx, query, callID, userID, time.Now())
	r.record("update", "call_participants", start, err)
	if err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}

	return nil
}

// GetParticipants retrieves all membership rows of a call
func (r *CallRepository) GetParticipants(ctx context.Context, callID string) ([]*domain.CallMember, error) {
	query := `
		SELECT call_id, user_id, joined_at, left_at
		FROM call_participants
		WHERE call_id = $1
		ORDER BY joined_at ASC
	`

	start := time.Now()
	rows, err := r.pool.Query(ctx, query, callID)
	r.record("select", "call_participants", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var members []*domain.CallMember
	for rows.Next() {
		m := &domain.CallMember{}
		if err := rows.Scan(&m.CallID, &m.UserID, &m.JoinedAt, &m.LeftAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read participants: %w", err)
	}

	return members, nil
}

// ActiveParticipantCount counts members that have not left
func (r *CallRepository) ActiveParticipantCount(ctx context.Context, callID string) (int, error) {
	query := `
		SELECT count(*)
		FROM call_participants
		WHERE call_id = $1 AND left_at IS NULL
	`

	start := time.Now()
	var n int
	err := r.pool.QueryRow(ctx, query, callID).Scan(&n)
	r.record("count", "call_participants", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to count participants: %w", err)
	}

	return n, nil
}

func (r *CallRepository) record(op, table string, start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.RecordDBQuery(op, table, time.Since(start), err)
	}
}
