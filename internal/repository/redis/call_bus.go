package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"telecare-backend/pkg/logger"
)

// CallBus fans "participants changed" notifications out to every video
// service instance over Redis Pub/Sub
type CallBus struct {
	client *redis.Client
}

// NewCallBus creates a new CallBus
func NewCallBus(client *redis.Client) *CallBus {
	return &CallBus{client: client}
}

func callChannel(callID string) string {
	return fmt.Sprintf("call:%s", callID)
}

// Publish notifies every subscriber of callID
func (b *CallBus) Publish(ctx context.Context, callID string) error {
	if err := b.client.Publish(ctx, callChannel(callID), callID).Err(); err != nil {
		return fmt.Errorf("failed to publish call update: %w", err)
	}
	return nil
}

// Subscribe delivers a signal per notification until cancel is called.
// Bursts coalesce into one pending signal.
func (b *CallBus) Subscribe(ctx context.Context, callID string) (<-chan struct{}, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.client.Subscribe(ctx, callChannel(callID))

	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to call channel: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logger.Warn("Call channel closed", zap.String("call_id", callID))
					return
				}
				if msg == nil {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, cancel, nil
}
