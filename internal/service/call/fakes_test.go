package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/service/device"
	"telecare-backend/pkg/cache"
	"telecare-backend/pkg/metrics"
)

// eventLog records side effects in order across fakes
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(event string) int {
	for i, e := range l.all() {
		if e == event {
			return i
		}
	}
	return -1
}

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) FetchToken(ctx context.Context, appointmentID string, purpose domain.CallPurpose) (*domain.SessionDescriptor, error) {
	args := m.Called(ctx, appointmentID, purpose)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionDescriptor), args.Error(1)
}

type fakeTrack struct {
	id  string
	log *eventLog
}

func (t *fakeTrack) ID() string { return t.id }

func (t *fakeTrack) Stop() error {
	t.log.add("stop:%s", t.id)
	return nil
}

type fakeSource struct {
	log  *eventLog
	mu   sync.Mutex
	errs map[device.Kind]error
}

func (s *fakeSource) Open(_ context.Context, kind device.Kind) ([]device.Track, error) {
	s.mu.Lock()
	err := s.errs[kind]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.log.add("open:%s", kind)
	return []device.Track{&fakeTrack{id: string(kind), log: s.log}}, nil
}

func (s *fakeSource) fail(kind device.Kind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[kind] = err
}

type fakeClient struct {
	log     *eventLog
	session string

	mu          sync.Mutex
	joinErr     error
	joinBlock   chan struct{}
	joinStarted chan struct{}
	joins       int
	leaves      int
	disconnects int
	lastCall    string
	lastOpts    JoinOptions
	subs        map[int]chan []domain.ParticipantRecord
	nextSub     int
}

func newFakeClient(log *eventLog, session string) *fakeClient {
	return &fakeClient{log: log, session: session, subs: make(map[int]chan []domain.ParticipantRecord)}
}

func (c *fakeClient) Join(_ context.Context, callID string, opts JoinOptions) error {
	c.mu.Lock()
	c.joins++
	c.lastCall = callID
	c.lastOpts = opts
	err := c.joinErr
	block := c.joinBlock
	started := c.joinStarted
	c.joinStarted = nil
	c.mu.Unlock()

	c.log.add("join")
	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}
	return err
}

func (c *fakeClient) Leave(context.Context) error {
	c.mu.Lock()
	c.leaves++
	c.mu.Unlock()
	c.log.add("leave")
	return nil
}

func (c *fakeClient) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	c.log.add("disconnect")
	return nil
}

func (c *fakeClient) SetEnabled(_ context.Context, kind device.Kind, enabled bool) error {
	c.log.add("publish:%s:%t", kind, enabled)
	return nil
}

func (c *fakeClient) SessionID() string { return c.session }

func (c *fakeClient) Subscribe() (<-chan []domain.ParticipantRecord, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan []domain.ParticipantRecord, 8)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

func (c *fakeClient) push(records []domain.ParticipantRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- records:
		default:
		}
	}
}

func (c *fakeClient) counts() (joins, leaves, disconnects int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joins, c.leaves, c.disconnects
}

type harness struct {
	ctx       context.Context
	log       *eventLog
	broker    *MockBroker
	source    *fakeSource
	client    *fakeClient
	registry  *Registry
	cfg       Config
	factories atomic.Int32
	ctrl      *Controller
}

func testDescriptor(appointmentID string) *domain.SessionDescriptor {
	return &domain.SessionDescriptor{
		UserID:        "patient-1",
		CallID:        domain.CallIDForAppointment(appointmentID),
		VideoToken:    "stream-token-" + appointmentID,
		APIKey:        "api-key",
		AppointmentID: appointmentID,
		ExpiresAt:     time.Now().Add(time.Hour),
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{ctx: context.Background(), log: &eventLog{}, broker: new(MockBroker)}
	h.source = &fakeSource{log: h.log, errs: make(map[device.Kind]error)}
	h.client = newFakeClient(h.log, "session-1")
	h.registry = NewRegistry(func(context.Context, domain.SessionDescriptor) (Client, error) {
		h.factories.Add(1)
		h.log.add("connect")
		return h.client, nil
	}, nil)

	h.cfg = Config{
		Broker:        h.broker,
		Registry:      h.registry,
		Source:        h.source,
		Descriptors:   cache.NewMemoryCache[domain.SessionDescriptor](time.Hour, 0),
		Metrics:       metrics.NewMetrics("test"),
		Purpose:       domain.PurposeVideo,
		DescriptorTTL: time.Hour,
	}

	ctrl, err := NewController("appt-1", h.cfg)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *harness) expectToken(appointmentID string) {
	h.broker.On("FetchToken", mock.Anything, appointmentID, domain.PurposeVideo).
		Return(testDescriptor(appointmentID), nil)
}
