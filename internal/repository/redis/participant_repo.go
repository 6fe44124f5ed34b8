package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"telecare-backend/internal/domain"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
)

// callIndexTTL bounds how long an abandoned call index survives
const callIndexTTL = 24 * time.Hour

// ParticipantRepository stores the raw session records of each call.
// A record lives under its own key with a TTL that live connections refresh;
// records of crashed connections expire and are pruned on the next List.
type ParticipantRepository struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewParticipantRepository creates a new ParticipantRepository. m may be nil.
func NewParticipantRepository(client *redis.Client, ttl time.Duration, m *metrics.Metrics) *ParticipantRepository {
	return &ParticipantRepository{client: client, ttl: ttl, metrics: m}
}

func participantKey(callID, sessionID string) string {
	return fmt.Sprintf("participant:%s:%s", callID, sessionID)
}

func callIndexKey(callID string) string {
	return fmt.Sprintf("call:participants:%s", callID)
}

// Put stores or replaces a session record
func (r *ParticipantRepository) Put(ctx context.Context, callID string, rec domain.ParticipantRecord) error {
	rec.IsLocal = false
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, participantKey(callID, rec.SessionID), data, r.ttl)
		pipe.SAdd(ctx, callIndexKey(callID), rec.SessionID)
		pipe.Expire(ctx, callIndexKey(callID), callIndexTTL)
		return nil
	})
	r.record("put", err)
	if err != nil {
		return fmt.Errorf("failed to store participant: %w", err)
	}

	return nil
}

// Refresh extends a live session's TTL. It reports false if the record
// already expired.
func (r *ParticipantRepository) Refresh(ctx context.Context, callID, sessionID string) (bool, error) {
	ok, err := r.client.Expire(ctx, participantKey(callID, sessionID), r.ttl).Result()
	r.record("expire", err)
	if err != nil {
		return false, fmt.Errorf("failed to refresh participant: %w", err)
	}
	return ok, nil
}

// Remove deletes a session record
func (r *ParticipantRepository) Remove(ctx context.Context, callID, sessionID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, participantKey(callID, sessionID))
		pipe.SRem(ctx, callIndexKey(callID), sessionID)
		return nil
	})
	r.record("remove", err)
	if err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	return nil
}

// List returns every unexpired record of a call, oldest first
func (r *ParticipantRepository) List(ctx context.Context, callID string) ([]domain.ParticipantRecord, error) {
	sessionIDs, err := r.client.SMembers(ctx, callIndexKey(callID)).Result()
	r.record("smembers", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	if len(sessionIDs) == 0 {
		return []domain.ParticipantRecord{}, nil
	}

	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = participantKey(callID, id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	r.record("mget", err)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}

	records, expired := decodeRecords(sessionIDs, values)
	if len(expired) > 0 {
		members := make([]interface{}, len(expired))
		for i, id := range expired {
			members[i] = id
		}
		if err := r.client.SRem(ctx, callIndexKey(callID), members...).Err(); err != nil {
			logger.Warn("Failed to prune expired participants",
				zap.String("call_id", callID),
				zap.Error(err))
		}
	}

	return records, nil
}

// decodeRecords pairs MGET values with their session ids. Missing values are
// expired sessions; undecodable values are dropped and pruned too.
func decodeRecords(sessionIDs []string, values []interface{}) ([]domain.ParticipantRecord, []string) {
	records := make([]domain.ParticipantRecord, 0, len(values))
	var expired []string

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, sessionIDs[i])
			continue
		}
		var rec domain.ParticipantRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			logger.Warn("Dropping undecodable participant record",
				zap.String("session_id", sessionIDs[i]),
				zap.Error(err))
			expired = append(expired, sessionIDs[i])
			continue
		}
		records = append(records, rec)
	}

	domain.SortRecords(records)
	return records, expired
}

func (r *ParticipantRepository) record(command string, err error) {
	if r.metrics != nil {
		r.metrics.RecordRedisCommand(command, err)
	}
}
