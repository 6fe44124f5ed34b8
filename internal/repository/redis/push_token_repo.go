package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"telecare-backend/pkg/constants"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
	"telecare-backend/pkg/push"
)

// PushTokenRepository keeps the devices of each appointment in one hash,
// field per token
type PushTokenRepository struct {
	client  *redis.Client
	metrics *metrics.Metrics
}

// NewPushTokenRepository creates a new push token repository. m may be nil.
func NewPushTokenRepository(client *redis.Client, m *metrics.Metrics) *PushTokenRepository {
	return &PushTokenRepository{client: client, metrics: m}
}

func pushTokensKey(appointmentID string) string {
	return fmt.Sprintf("push:appointment:%s", appointmentID)
}

// Store stores or replaces a push token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	key := pushTokensKey(token.AppointmentID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, token.Token, data)
		pipe.Expire(ctx, key, constants.PushTokenExpiry)
		return nil
	})
	r.record("hset", err)
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	logger.Debug("Push token stored",
		zap.String("appointment_id", token.AppointmentID),
		zap.String("user_id", token.UserID.String()),
		zap.String("token_type", string(token.Type)))
	return nil
}

// ListByAppointment returns every token registered for an appointment
func (r *PushTokenRepository) ListByAppointment(ctx context.Context, appointmentID string) ([]*push.Token, error) {
	values, err := r.client.HGetAll(ctx, pushTokensKey(appointmentID)).Result()
	r.record("hgetall", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return decodeTokens(values), nil
}

// Delete removes one token of an appointment
func (r *PushTokenRepository) Delete(ctx context.Context, appointmentID, token string) error {
	err := r.client.HDel(ctx, pushTokensKey(appointmentID), token).Err()
	r.record("hdel", err)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func decodeTokens(values map[string]string) []*push.Token {
	tokens := make([]*push.Token, 0, len(values))
	for field, raw := range values {
		var tok push.Token
		if err := json.Unmarshal([]byte(raw), &tok); err != nil {
			logger.Warn("Dropping undecodable push token", zap.String("token", field), zap.Error(err))
			continue
		}
		tokens = append(tokens, &tok)
	}
	return tokens
}

func (r *PushTokenRepository) record(command string, err error) {
	if r.metrics != nil {
		r.metrics.RecordRedisCommand(command, err)
	}
}
