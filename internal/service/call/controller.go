// Package call drives one consultation call view through token fetch, join,
// active call and teardown, and owns the process-wide signaling clients.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/service/device"
	"telecare-backend/internal/service/participant"
	"telecare-backend/internal/service/permission"
	"telecare-backend/pkg/cache"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
)

// Lifecycle states
const (
	StateIdle             = "idle"
	StateTokenFetching    = "token_fetching"
	StateJoining          = "joining"
	StateActive           = "active"
	StateLeaving          = "leaving"
	StatePermissionDenied = "permission_denied"
)

const (
	eventFetchToken       = "fetch_token"
	eventReuseToken       = "reuse_token"
	eventTokenOK          = "token_ok"
	eventTokenFailed      = "token_failed"
	eventJoined           = "joined"
	eventPermissionFailed = "permission_failed"
	eventJoinFailed       = "join_failed"
	eventAbort            = "abort"
	eventLeave            = "leave"
	eventLeft             = "left"
	eventReset            = "reset"
)

// Broker issues signaling credentials per appointment
type Broker interface {
	FetchToken(ctx context.Context, appointmentID string, purpose domain.CallPurpose) (*domain.SessionDescriptor, error)
}

// Config carries the collaborators shared by every controller of a process
type Config struct {
	Broker        Broker
	Registry      *Registry
	Source        device.Source
	Descriptors   *cache.MemoryCache[domain.SessionDescriptor]
	Metrics       *metrics.Metrics
	Purpose       domain.CallPurpose
	DescriptorTTL time.Duration
}

// ErrorView is the user-facing error of the call view. Recoverable marks the
// permission-recovery view, which offers a device self-test and a reload.
type ErrorView struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Kind        string `json:"kind,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// Snapshot is what the call view renders
type Snapshot struct {
	AppointmentID string                        `json:"appointment_id"`
	CallID        string                        `json:"call_id"`
	State         string                        `json:"state"`
	Mounted       bool                          `json:"mounted"`
	Connected     bool                          `json:"connected"`
	SessionID     string                        `json:"session_id,omitempty"`
	Media         domain.MediaState             `json:"media"`
	Participants  []domain.CanonicalParticipant `json:"participants"`
	Error         *ErrorView                    `json:"error,omitempty"`
}

// Controller is the lifecycle of one call view. Lifecycle operations are
// serialized; Deactivate never waits for an in-flight join, whose result is
// discarded and undone if the view is gone when it settles.
type Controller struct {
	id            string
	appointmentID string
	callID        string
	cfg           Config
	devices       *device.Manager
	fsm           *fsm.FSM

	opMu sync.Mutex

	mu           sync.Mutex
	mounted      bool
	attempting   bool
	userID       string
	client       Client
	lastErr      *apperrors.AppError
	lastKind     permission.Kind
	participants []domain.CanonicalParticipant
	stopWatch    func()
	watchGen     uint64
	joinedAt     time.Time
}

// NewController creates the controller of an appointment's call view
func NewController(appointmentID string, cfg Config) (*Controller, error) {
	if err := domain.ValidateAppointmentID(appointmentID); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}
	if cfg.Purpose == "" {
		cfg.Purpose = domain.PurposeVideo
	}
	if cfg.Descriptors == nil {
		cfg.Descriptors = cache.NewMemoryCache[domain.SessionDescriptor](cfg.DescriptorTTL, 0)
	}

	c := &Controller{
		id:            uuid.NewString(),
		appointmentID: appointmentID,
		callID:        domain.CallIDForAppointment(appointmentID),
		cfg:           cfg,
		devices:       device.NewManager(cfg.Source, nil, cfg.Metrics),
	}

	c.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventFetchToken, Src: []string{StateIdle}, Dst: StateTokenFetching},
			{Name: eventReuseToken, Src: []string{StateIdle}, Dst: StateJoining},
			{Name: eventTokenOK, Src: []string{StateTokenFetching}, Dst: StateJoining},
			{Name: eventTokenFailed, Src: []string{StateTokenFetching}, Dst: StateIdle},
			{Name: eventJoined, Src: []string{StateJoining}, Dst: StateActive},
			{Name: eventPermissionFailed, Src: []string{StateJoining}, Dst: StatePermissionDenied},
			{Name: eventJoinFailed, Src: []string{StateJoining}, Dst: StateIdle},
			{Name: eventAbort, Src: []string{StateTokenFetching, StateJoining}, Dst: StateIdle},
			{Name: eventLeave, Src: []string{StateActive}, Dst: StateLeaving},
			{Name: eventLeft, Src: []string{StateLeaving}, Dst: StateIdle},
			{Name: eventReset, Src: []string{StatePermissionDenied}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				logger.Debug("Call state changed",
					zap.String("call_id", c.callID),
					zap.String("event", e.Event),
					zap.String("from", e.Src),
					zap.String("to", e.Dst))
			},
		},
	)

	return c, nil
}

// AppointmentID returns the appointment the view is bound to
func (c *Controller) AppointmentID() string { return c.appointmentID }

// CallID returns the derived call id
func (c *Controller) CallID() string { return c.callID }

// State returns the lifecycle state
func (c *Controller) State() string {
	return c.fsm.Current()
}

// Activate mounts the call view and joins the call. It is a no-op while a
// join is in flight or the call is active. In permission_denied it returns
// the classified error until Retry.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	c.mounted = true
	if c.attempting {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.State() {
	case StateIdle:
	case StatePermissionDenied:
		return c.currentError()
	default:
		return nil
	}

	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return nil
	}
	c.attempting = true
	c.lastErr = nil
	c.lastKind = ""
	c.mu.Unlock()

	err := c.attempt(ctx)

	c.mu.Lock()
	c.attempting = false
	gone := !c.mounted
	c.mu.Unlock()

	// Unmounted after the last check but before the attempt was marked done.
	if gone {
		c.leave(ctx)
	}
	return err
}

func (c *Controller) attempt(ctx context.Context) error {
	desc, err := c.descriptor(ctx)
	if err != nil || desc == nil {
		return err
	}
	return c.join(ctx, *desc)
}

// Deactivate unmounts the view. An active call is left; the shared client
// stays connected for the next mount.
func (c *Controller) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	c.mounted = false
	inFlight := c.attempting
	c.mu.Unlock()

	if inFlight {
		return nil
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.leave(ctx)
	return nil
}

// Leave is the user-initiated leave. The view stays mounted.
func (c *Controller) Leave(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.leave(ctx)
	return nil
}

// EndCall leaves, then disconnects and forgets the shared client. It is the
// only operation that disconnects.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	c.mounted = false
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.leave(ctx)
	if c.State() == StatePermissionDenied {
		c.fire(eventReset)
	}
	c.releaseDevices(ctx)
	c.cfg.Descriptors.Delete(c.appointmentID)

	c.mu.Lock()
	userID := c.userID
	c.userID = ""
	c.client = nil
	c.lastErr = nil
	c.lastKind = ""
	c.mu.Unlock()

	if userID == "" {
		return nil
	}
	if err := c.cfg.Registry.Destroy(userID, c.id); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeClientBusy) {
			return err
		}
		logger.Warn("Disconnect after end call failed", zap.String("call_id", c.callID), zap.Error(err))
	}
	logger.Info("Consultation call ended", zap.String("call_id", c.callID))
	return nil
}

// Retry is the reload action of the permission-recovery view: it forces a
// clean idle state and, if the view is mounted, joins again.
func (c *Controller) Retry(ctx context.Context) error {
	c.opMu.Lock()
	state := c.State()
	if state != StateIdle && state != StatePermissionDenied {
		c.opMu.Unlock()
		return apperrors.InvalidStateError(state)
	}

	c.releaseDevices(ctx)
	if state == StatePermissionDenied {
		c.fire(eventReset)
	}

	c.mu.Lock()
	c.lastErr = nil
	c.lastKind = ""
	mounted := c.mounted
	c.mu.Unlock()
	c.opMu.Unlock()

	if !mounted {
		return nil
	}
	return c.Activate(ctx)
}

func (c *Controller) ToggleCamera(ctx context.Context) (domain.MediaState, error) {
	return c.toggle(ctx, device.Camera)
}

func (c *Controller) ToggleMicrophone(ctx context.Context) (domain.MediaState, error) {
	return c.toggle(ctx, device.Microphone)
}

func (c *Controller) ToggleScreenShare(ctx context.Context) (domain.MediaState, error) {
	return c.toggle(ctx, device.Screen)
}

// Participants returns the reconciled participants of the active call
func (c *Controller) Participants() []domain.CanonicalParticipant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.CanonicalParticipant(nil), c.participants...)
}

// Snapshot returns the renderable view state
func (c *Controller) Snapshot() Snapshot {
	media := c.devices.State()

	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	connected := c.connected(userID)

	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.fsm.Current()
	s := Snapshot{
		AppointmentID: c.appointmentID,
		CallID:        c.callID,
		State:         state,
		Mounted:       c.mounted,
		Connected:     connected,
		Media:         media,
		Participants:  append([]domain.CanonicalParticipant{}, c.participants...),
	}
	if state == StateActive && c.client != nil {
		s.SessionID = c.client.SessionID()
	}
	if c.lastErr != nil {
		s.Error = &ErrorView{
			Code:        string(c.lastErr.Code),
			Message:     c.lastErr.Message,
			Kind:        string(c.lastKind),
			Recoverable: state == StatePermissionDenied,
		}
	}
	return s
}

// connected reports whether userID still has an open signaling connection.
// It stays true across leave and unmount until the call is ended.
func (c *Controller) connected(userID string) bool {
	if userID == "" {
		return false
	}
	client, ok := c.cfg.Registry.Get(userID)
	if !ok {
		return false
	}
	if d, isCloser := client.(interface{ Closed() bool }); isCloser {
		return !d.Closed()
	}
	return true
}

// descriptor returns cached credentials for the call or fetches new ones.
// A nil descriptor with nil error means the view went away meanwhile.
func (c *Controller) descriptor(ctx context.Context) (*domain.SessionDescriptor, error) {
	if d, ok := c.cfg.Descriptors.Get(c.appointmentID); ok {
		if d.Matches(c.appointmentID) && !d.Expired(time.Now()) {
			c.fire(eventReuseToken)
			logger.Debug("Reusing cached session descriptor", zap.String("call_id", c.callID))
			return &d, nil
		}
		c.cfg.Descriptors.Delete(c.appointmentID)
		logger.Info("Evicted stale session descriptor",
			zap.String("call_id", c.callID),
			zap.String("cached_call_id", d.CallID))
	}

	c.fire(eventFetchToken)
	d, err := c.cfg.Broker.FetchToken(ctx, c.appointmentID, c.cfg.Purpose)
	if c.discarded("token") {
		c.fire(eventAbort)
		return nil, nil
	}
	if err == nil && d == nil {
		err = fmt.Errorf("broker returned no descriptor")
	}
	if err != nil {
		appErr := apperrors.GetAppError(err)
		if appErr.Code != apperrors.ErrCodeCredentialFetch {
			appErr = apperrors.CredentialFetchError(err)
		}
		c.fail(eventTokenFailed, appErr, "")
		c.recordJoin("credential_failed")
		logger.Warn("Credential fetch failed", zap.String("call_id", c.callID), zap.Error(err))
		return nil, appErr
	}
	if !d.Matches(c.appointmentID) {
		appErr := apperrors.InvalidCallError(fmt.Errorf("broker returned call %q for appointment %q", d.CallID, c.appointmentID))
		c.fail(eventTokenFailed, appErr, "")
		c.recordJoin("failed")
		return nil, appErr
	}

	if d.ExpiresAt.IsZero() {
		c.cfg.Descriptors.Set(c.appointmentID, *d, c.cfg.DescriptorTTL)
	} else {
		c.cfg.Descriptors.SetUntil(c.appointmentID, *d, d.ExpiresAt)
	}
	c.fire(eventTokenOK)
	return d, nil
}

// join runs in state joining: connect, claim, camera, microphone, join
func (c *Controller) join(ctx context.Context, desc domain.SessionDescriptor) error {
	client, err := c.cfg.Registry.Acquire(ctx, desc)
	if c.discarded("connect") {
		c.fire(eventAbort)
		return nil
	}
	if err != nil {
		return c.joinFailed(ctx, desc, err)
	}

	if err := c.cfg.Registry.Claim(desc.UserID, c.id); err != nil {
		appErr := apperrors.GetAppError(err)
		c.fail(eventJoinFailed, appErr, "")
		c.recordJoin("failed")
		return appErr
	}

	c.mu.Lock()
	c.userID = desc.UserID
	c.client = client
	c.mu.Unlock()
	c.devices.SetPublisher(client)

	updates, unsubscribe := client.Subscribe()

	steps := []struct {
		stage string
		run   func(context.Context) error
	}{
		{"camera", c.devices.EnableCamera},
		{"microphone", c.devices.EnableMicrophone},
		{"join", func(ctx context.Context) error {
			return client.Join(ctx, desc.CallID, JoinOptions{Create: true, Video: true, Audio: true, Token: desc.VideoToken})
		}},
	}
	for i, step := range steps {
		err := step.run(ctx)
		if c.discarded(step.stage) {
			unsubscribe()
			c.abandon(ctx, desc.UserID, client, err == nil && i == len(steps)-1)
			return nil
		}
		if err != nil {
			unsubscribe()
			return c.joinFailed(ctx, desc, err)
		}
	}

	c.mu.Lock()
	c.watchGen++
	gen := c.watchGen
	c.stopWatch = unsubscribe
	c.joinedAt = time.Now()
	c.participants = nil
	c.mu.Unlock()

	c.fire(eventJoined)
	go c.watch(updates, gen)

	c.recordJoin("joined")
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncrementActiveCalls()
	}
	logger.Info("Joined consultation call",
		zap.String("call_id", c.callID),
		zap.String("user_id", desc.UserID),
		zap.String("session_id", client.SessionID()))
	return nil
}

// joinFailed releases whatever was acquired and moves to permission_denied
// or idle. Nothing was joined, so nothing is disconnected.
func (c *Controller) joinFailed(ctx context.Context, desc domain.SessionDescriptor, err error) error {
	c.releaseDevices(ctx)
	c.cfg.Registry.Release(desc.UserID, c.id)

	if permission.IsDeviceFailure(err) {
		cls := permission.Classify(err)
		appErr := cls.AsAppError(err).WithDetails(map[string]interface{}{
			"kind":     cls.Kind,
			"recovery": []string{"selftest", "reload"},
		})
		c.fail(eventPermissionFailed, appErr, cls.Kind)
		c.recordJoin("permission_denied")
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordJoinFailure(string(cls.Kind))
		}
		logger.Warn("Join failed on devices",
			zap.String("call_id", c.callID),
			zap.String("kind", string(cls.Kind)),
			zap.Error(err))
		return appErr
	}

	appErr := apperrors.InvalidCallError(err)
	// The credentials may be what is wrong; the next attempt fetches new ones.
	c.cfg.Descriptors.Delete(c.appointmentID)
	c.fail(eventJoinFailed, appErr, "")
	c.recordJoin("failed")
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordJoinFailure("invalid_call")
	}
	logger.Warn("Join failed", zap.String("call_id", c.callID), zap.Error(err))
	return appErr
}

// abandon undoes a join attempt whose view is gone
func (c *Controller) abandon(ctx context.Context, userID string, client Client, joined bool) {
	c.releaseDevices(ctx)
	if joined {
		if err := client.Leave(ctx); err != nil {
			logger.Warn("Leaving abandoned call failed", zap.String("call_id", c.callID), zap.Error(err))
		}
	}
	c.cfg.Registry.Release(userID, c.id)
	c.fire(eventAbort)
	c.recordJoin("discarded")
}

// leave runs the active → leaving → idle sequence with opMu held.
// Devices are released before the signaling leave.
func (c *Controller) leave(ctx context.Context) {
	if c.State() != StateActive {
		return
	}
	c.fire(eventLeave)

	c.mu.Lock()
	stop := c.stopWatch
	c.stopWatch = nil
	c.watchGen++
	client := c.client
	userID := c.userID
	joinedAt := c.joinedAt
	c.participants = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}

	c.releaseDevices(ctx)
	if client != nil {
		if err := client.Leave(ctx); err != nil {
			logger.Warn("Signaling leave failed", zap.String("call_id", c.callID), zap.Error(err))
		}
	}
	c.cfg.Registry.Release(userID, c.id)

	c.fire(eventLeft)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.DecrementActiveCalls(time.Since(joinedAt))
	}
	logger.Info("Left consultation call", zap.String("call_id", c.callID))
}

func (c *Controller) toggle(ctx context.Context, kind device.Kind) (domain.MediaState, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if state := c.State(); state != StateActive {
		return c.devices.State(), apperrors.InvalidStateError(state)
	}

	if c.devices.Active(kind) {
		if err := c.devices.Disable(ctx, kind); err != nil {
			logger.Warn("Device disable failed",
				zap.String("call_id", c.callID),
				zap.Error(apperrors.ReleaseFailure(err)))
		}
		return c.devices.State(), nil
	}

	if err := c.devices.Enable(ctx, kind); err != nil {
		return c.devices.State(), permission.Classify(err).AsAppError(err)
	}
	return c.devices.State(), nil
}

// watch folds participant snapshots until unsubscribed or superseded
func (c *Controller) watch(updates <-chan []domain.ParticipantRecord, gen uint64) {
	for records := range updates {
		canonical := participant.Reconcile(records)
		summary := participant.Summarize(records, canonical)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordGhostSessions(summary.Ghosts)
		}

		c.mu.Lock()
		if c.watchGen != gen {
			c.mu.Unlock()
			return
		}
		c.participants = canonical
		c.mu.Unlock()

		if summary.Ghosts > 0 {
			logger.Debug("Collapsed ghost sessions",
				zap.String("call_id", c.callID),
				zap.Int("users", summary.Users),
				zap.Int("ghosts", summary.Ghosts))
		}
	}
}

func (c *Controller) releaseDevices(ctx context.Context) {
	if err := c.devices.ReleaseAll(ctx); err != nil {
		logger.Warn("Device release failed",
			zap.String("call_id", c.callID),
			zap.Error(apperrors.ReleaseFailure(err)))
	}
}

// discarded reports whether the view went away while awaiting stage
func (c *Controller) discarded(stage string) bool {
	c.mu.Lock()
	gone := !c.mounted
	c.mu.Unlock()

	if gone {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordLateResult(stage)
		}
		logger.Info("Discarding result for unmounted call view",
			zap.String("call_id", c.callID),
			zap.String("stage", stage))
	}
	return gone
}

func (c *Controller) fail(event string, appErr *apperrors.AppError, kind permission.Kind) {
	c.mu.Lock()
	c.lastErr = appErr
	c.lastKind = kind
	c.mu.Unlock()
	c.fire(event)
}

func (c *Controller) fire(event string) {
	if err := c.fsm.Event(context.Background(), event); err != nil {
		logger.Error("Invalid call state transition",
			zap.String("call_id", c.callID),
			zap.String("event", event),
			zap.String("state", c.fsm.Current()),
			zap.Error(err))
	}
}

func (c *Controller) currentError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		return nil
	}
	return c.lastErr
}

func (c *Controller) recordJoin(outcome string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordJoin(outcome)
	}
}
