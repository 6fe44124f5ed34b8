package memory

import (
	"context"
	"sync"
)

// CallBus is an in-process notification bus
type CallBus struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan struct{}
	nextID int
}

// NewCallBus creates a new in-memory CallBus
func NewCallBus() *CallBus {
	return &CallBus{subs: make(map[string]map[int]chan struct{})}
}

// Publish notifies every subscriber of callID
func (b *CallBus) Publish(_ context.Context, callID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[callID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe delivers a signal per notification until cancel is called or
// ctx is done. Bursts coalesce into one pending signal.
func (b *CallBus) Subscribe(ctx context.Context, callID string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[callID] == nil {
		b.subs[callID] = make(map[int]chan struct{})
	}
	b.subs[callID][id] = ch
	b.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[callID], id)
			if len(b.subs[callID]) == 0 {
				delete(b.subs, callID)
			}
			close(ch)
			close(stop)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()

	return ch, cancel, nil
}
