package device

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"telecare-backend/internal/domain"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
)

// Manager is the only owner of raw hardware tracks. Disabling a device both
// disables it logically on the Publisher and stops every hardware track.
type Manager struct {
	// op serializes acquisition and release; mu guards the fields below source
	op        sync.Mutex
	mu        sync.Mutex
	source    Source
	publisher Publisher
	metrics   *metrics.Metrics
	handles   map[Kind][]Track
}

// NewManager creates a device manager. publisher and m may be nil.
func NewManager(source Source, publisher Publisher, m *metrics.Metrics) *Manager {
	return &Manager{
		source:    source,
		publisher: publisher,
		metrics:   m,
		handles:   make(map[Kind][]Track),
	}
}

// SetPublisher rebinds the logical toggle target, e.g. after the signaling
// client is acquired
func (m *Manager) SetPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

func (m *Manager) EnableCamera(ctx context.Context) error      { return m.Enable(ctx, Camera) }
func (m *Manager) DisableCamera(ctx context.Context) error     { return m.Disable(ctx, Camera) }
func (m *Manager) EnableMicrophone(ctx context.Context) error  { return m.Enable(ctx, Microphone) }
func (m *Manager) DisableMicrophone(ctx context.Context) error { return m.Disable(ctx, Microphone) }
func (m *Manager) EnableScreenShare(ctx context.Context) error { return m.Enable(ctx, Screen) }
func (m *Manager) DisableScreenShare(ctx context.Context) error {
	return m.Disable(ctx, Screen)
}

// Enable acquires kind. Enabling an active device is a no-op.
// Acquisition failures are returned as *AcquireError.
func (m *Manager) Enable(ctx context.Context, kind Kind) error {
	m.op.Lock()
	defer m.op.Unlock()

	if m.Active(kind) {
		return nil
	}

	tracks, err := m.source.Open(ctx, kind)
	if err != nil {
		acq := toAcquireError(kind, err)
		if m.metrics != nil {
			m.metrics.RecordDeviceFailure(string(kind), acq.Name)
		}
		logger.Warn("Device acquisition failed",
			zap.String("kind", string(kind)),
			zap.String("name", acq.Name),
			zap.Error(err))
		return acq
	}
	if len(tracks) == 0 {
		return &AcquireError{Kind: kind, Name: "NotFoundError", Message: "no tracks returned"}
	}

	if pub := m.currentPublisher(); pub != nil {
		if err := pub.SetEnabled(ctx, kind, true); err != nil {
			stopErr := stopTracks(tracks)
			return multierr.Append(fmt.Errorf("failed to enable %s: %w", kind, err), stopErr)
		}
	}

	m.mu.Lock()
	m.handles[kind] = tracks
	m.mu.Unlock()
	logger.Debug("Device enabled", zap.String("kind", string(kind)), zap.Int("tracks", len(tracks)))
	return nil
}

// Disable releases kind. Disabling an inactive device is a no-op. The handle
// is forgotten even when a step fails; the returned error is for logging.
func (m *Manager) Disable(ctx context.Context, kind Kind) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.release(ctx, kind)
}

// ReleaseAll releases every active device. Each device is attempted
// regardless of failures on the others. Calling it with nothing active does
// nothing.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	var err error
	for _, kind := range Kinds {
		err = multierr.Append(err, m.release(ctx, kind))
	}
	return err
}

// Active reports whether kind currently holds hardware
func (m *Manager) Active(kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles[kind]) > 0
}

// State reports the local media flags
func (m *Manager) State() domain.MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.MediaState{
		CameraEnabled:     len(m.handles[Camera]) > 0,
		MicrophoneEnabled: len(m.handles[Microphone]) > 0,
		ScreenShare:       len(m.handles[Screen]) > 0,
	}
}

func (m *Manager) currentPublisher() Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publisher
}

// release runs with op held
func (m *Manager) release(ctx context.Context, kind Kind) (err error) {
	m.mu.Lock()
	tracks := m.handles[kind]
	delete(m.handles, kind)
	pub := m.publisher
	m.mu.Unlock()

	if len(tracks) == 0 {
		return nil
	}

	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			logger.Warn("Device release failed",
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
		if m.metrics != nil {
			m.metrics.RecordDeviceRelease(string(kind), status)
		}
	}()

	if pub != nil {
		err = multierr.Append(err, safeSetEnabled(ctx, pub, kind))
	}
	// Stop the hardware even when the logical disable succeeded.
	err = multierr.Append(err, stopTracks(tracks))
	return err
}

func safeSetEnabled(ctx context.Context, p Publisher, kind Kind) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("disable %s panicked: %v", kind, r)
		}
	}()
	if err := p.SetEnabled(ctx, kind, false); err != nil {
		return fmt.Errorf("failed to disable %s: %w", kind, err)
	}
	return nil
}

func stopTracks(tracks []Track) error {
	var err error
	for _, t := range tracks {
		err = multierr.Append(err, stopTrack(t))
	}
	return err
}

func stopTrack(t Track) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stop track %s panicked: %v", t.ID(), r)
		}
	}()
	if err := t.Stop(); err != nil {
		return fmt.Errorf("failed to stop track %s: %w", t.ID(), err)
	}
	return nil
}
