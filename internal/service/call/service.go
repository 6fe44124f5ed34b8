package call

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"telecare-backend/pkg/logger"
)

// Service holds one Controller per appointment call view
type Service struct {
	cfg         Config
	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewService creates a service over shared collaborators
func NewService(cfg Config) *Service {
	return &Service{
		cfg:         cfg,
		controllers: make(map[string]*Controller),
	}
}

// Controller returns the controller of appointmentID, creating it on first use
func (s *Service) Controller(appointmentID string) (*Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.controllers[appointmentID]; ok {
		return c, nil
	}
	c, err := NewController(appointmentID, s.cfg)
	if err != nil {
		return nil, err
	}
	s.controllers[appointmentID] = c
	return c, nil
}

// Lookup returns an existing controller
func (s *Service) Lookup(appointmentID string) (*Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controllers[appointmentID]
	return c, ok
}

// Shutdown leaves every call, releasing devices, and only then disconnects
// the shared clients
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	controllers := make([]*Controller, 0, len(s.controllers))
	for _, c := range s.controllers {
		controllers = append(controllers, c)
	}
	s.mu.Unlock()

	var err error
	for _, c := range controllers {
		err = multierr.Append(err, c.Deactivate(ctx))
	}
	if s.cfg.Registry != nil {
		err = multierr.Append(err, s.cfg.Registry.Shutdown())
	}
	if err != nil {
		logger.Warn("Call service shutdown finished with errors", zap.Error(err))
	}
	return err
}
