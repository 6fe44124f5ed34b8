package call

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/service/device"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
)

// JoinOptions are the media constraints of a join
type JoinOptions struct {
	Create bool
	Video  bool
	Audio  bool
	// Token authorizes the join for the target call
	Token string
}

// Client is the signaling connection of the local user
type Client interface {
	device.Publisher
	Join(ctx context.Context, callID string, opts JoinOptions) error
	Leave(ctx context.Context) error
	Disconnect() error
	// Subscribe streams raw participant snapshots until cancel is called
	Subscribe() (<-chan []domain.ParticipantRecord, func())
	SessionID() string
}

// ClientFactory connects a new Client for the descriptor's user
type ClientFactory func(ctx context.Context, desc domain.SessionDescriptor) (Client, error)

type registryEntry struct {
	client Client
	holder string
}

// Registry is the process-wide set of signaling clients, one per local user.
// Clients survive transient unmounts; Destroy is the only teardown path.
type Registry struct {
	mu      sync.Mutex
	factory ClientFactory
	clients map[string]*registryEntry
	group   singleflight.Group
	metrics *metrics.Metrics
	created int
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(factory ClientFactory, m *metrics.Metrics) *Registry {
	return &Registry{
		factory: factory,
		clients: make(map[string]*registryEntry),
		metrics: m,
	}
}

// Acquire returns the client of desc.UserID, connecting one if absent.
// Concurrent callers for the same user share a single connection attempt.
func (r *Registry) Acquire(ctx context.Context, desc domain.SessionDescriptor) (Client, error) {
	if desc.UserID == "" {
		return nil, fmt.Errorf("descriptor has no user id")
	}

	if c, ok := r.live(desc.UserID); ok {
		return c, nil
	}

	v, err, _ := r.group.Do(desc.UserID, func() (interface{}, error) {
		if c, ok := r.live(desc.UserID); ok {
			return c, nil
		}

		c, err := r.factory(ctx, desc)
		if err != nil {
			return nil, fmt.Errorf("failed to connect signaling client: %w", err)
		}

		r.mu.Lock()
		r.clients[desc.UserID] = &registryEntry{client: c}
		r.created++
		n := len(r.clients)
		r.mu.Unlock()

		if r.metrics != nil {
			r.metrics.SetActiveClients(n)
		}
		logger.Info("Signaling client created",
			zap.String("user_id", desc.UserID),
			zap.String("session_id", c.SessionID()))
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

// Get returns the live client of userID
func (r *Registry) Get(userID string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[userID]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// live returns userID's client unless its connection dropped while nobody
// held it, in which case the entry is forgotten so a new one is dialed
func (r *Registry) live(userID string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[userID]
	if !ok {
		return nil, false
	}
	if d, isCloser := e.client.(interface{ Closed() bool }); isCloser && d.Closed() && e.holder == "" {
		delete(r.clients, userID)
		logger.Info("Dropping disconnected signaling client", zap.String("user_id", userID))
		return nil, false
	}
	return e.client, true
}

// Claim gives holder the right to join with userID's client. Only one holder
// may join at a time; claiming again as the same holder is allowed.
func (r *Registry) Claim(userID, holder string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[userID]
	if !ok {
		return fmt.Errorf("no client for user %s", userID)
	}
	if e.holder != "" && e.holder != holder {
		return apperrors.ClientBusyError()
	}
	e.holder = holder
	return nil
}

// Release drops holder's claim. It is a no-op for anyone else.
func (r *Registry) Release(userID, holder string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.clients[userID]; ok && e.holder == holder {
		e.holder = ""
	}
}

// Destroy disconnects and forgets userID's client. A client claimed by
// another holder is left alone.
func (r *Registry) Destroy(userID, holder string) error {
	r.mu.Lock()
	e, ok := r.clients[userID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if e.holder != "" && e.holder != holder {
		r.mu.Unlock()
		return apperrors.ClientBusyError()
	}
	delete(r.clients, userID)
	n := len(r.clients)
	r.mu.Unlock()

	r.group.Forget(userID)
	if r.metrics != nil {
		r.metrics.SetActiveClients(n)
	}

	if err := e.client.Disconnect(); err != nil {
		logger.Warn("Signaling client disconnect failed", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to disconnect client: %w", err)
	}
	logger.Info("Signaling client destroyed", zap.String("user_id", userID))
	return nil
}

// Shutdown disconnects every client regardless of claims
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*registryEntry)
	r.mu.Unlock()

	var err error
	for userID, e := range clients {
		r.group.Forget(userID)
		err = multierr.Append(err, e.client.Disconnect())
	}
	if r.metrics != nil {
		r.metrics.SetActiveClients(0)
	}
	return err
}

// Len returns the number of live clients
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Created returns how many clients were ever connected
func (r *Registry) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}
