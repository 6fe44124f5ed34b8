package ws

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/service/call"
	"telecare-backend/internal/service/device"
	"telecare-backend/internal/signaling"
	"telecare-backend/pkg/cache"
	"telecare-backend/pkg/metrics"
)

// hubBroker issues real stream tokens from the hub's JWT manager
type hubBroker struct {
	h    *hubHarness
	user uuid.UUID
}

func (b *hubBroker) FetchToken(_ context.Context, appointmentID string, _ domain.CallPurpose) (*domain.SessionDescriptor, error) {
	callID := domain.CallIDForAppointment(appointmentID)
	return &domain.SessionDescriptor{
		UserID:        b.user.String(),
		CallID:        callID,
		VideoToken:    b.h.token(b.user, callID),
		APIKey:        testAPIKey,
		AppointmentID: appointmentID,
		ExpiresAt:     time.Now().Add(time.Hour),
	}, nil
}

type nopTrack struct{ id string }

func (t nopTrack) ID() string  { return t.id }
func (t nopTrack) Stop() error { return nil }

type nopSource struct{}

func (s *nopSource) Open(_ context.Context, kind device.Kind) ([]device.Track, error) {
	return []device.Track{nopTrack{id: string(kind) + "-" + uuid.NewString()}}, nil
}

// One local user moving from one appointment to the next keeps its single
// signaling connection; the second join is authorized by its own token.
func TestCallFlow_SecondAppointmentReusesConnection(t *testing.T) {
	h := newHubHarness(t, 10)
	user := uuid.New()
	h.membership.On("JoinCall", mock.Anything, mock.Anything, user, true).Return(nil)

	var dials atomic.Int32
	dial := signaling.NewClientFactory(h.url, nil)
	factory := func(ctx context.Context, desc domain.SessionDescriptor) (call.Client, error) {
		dials.Add(1)
		return dial(ctx, desc)
	}

	svc := call.NewService(call.Config{
		Broker:        &hubBroker{h: h, user: user},
		Registry:      call.NewRegistry(factory, nil),
		Source:        &nopSource{},
		Descriptors:   cache.NewMemoryCache[domain.SessionDescriptor](time.Hour, 0),
		Metrics:       metrics.NewMetrics("test"),
		Purpose:       domain.PurposeVideo,
		DescriptorTTL: time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	ctx := context.Background()

	first, err := svc.Controller("appt-1")
	require.NoError(t, err)
	require.NoError(t, first.Activate(ctx))
	require.Equal(t, call.StateActive, first.State())
	require.NoError(t, first.Deactivate(ctx))

	second, err := svc.Controller("appt-2")
	require.NoError(t, err)
	require.NoError(t, second.Activate(ctx))
	require.Equal(t, call.StateActive, second.State())

	assert.Equal(t, int32(1), dials.Load())
	h.membership.AssertCalled(t, "JoinCall", mock.Anything, "call_appt-1", user, true)
	h.membership.AssertCalled(t, "JoinCall", mock.Anything, "call_appt-2", user, true)

	assert.Eventually(t, func() bool {
		p := second.Participants()
		return len(p) == 1 && p[0].UserID == user.String()
	}, 2*time.Second, 10*time.Millisecond)

	records, err := h.store.List(ctx, "call_appt-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}
