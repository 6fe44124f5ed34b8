package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/service/device"
	"telecare-backend/internal/service/permission"
	apperrors "telecare-backend/pkg/errors"
)

func TestNewController_InvalidAppointment(t *testing.T) {
	_, err := NewController("bad id/..", Config{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestActivate_JoinsWithCameraAndMicrophone(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")

	require.NoError(t, h.ctrl.Activate(h.ctx))

	assert.Equal(t, StateActive, h.ctrl.State())
	assert.Equal(t, "call_appt-1", h.client.lastCall)
	assert.Equal(t, JoinOptions{Create: true, Video: true, Audio: true, Token: "stream-token-appt-1"}, h.client.lastOpts)

	snap := h.ctrl.Snapshot()
	assert.True(t, snap.Media.CameraEnabled)
	assert.True(t, snap.Media.MicrophoneEnabled)
	assert.Equal(t, "session-1", snap.SessionID)
	assert.Nil(t, snap.Error)
	h.broker.AssertExpectations(t)
}

func TestActivate_ReentrantIsNoop(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")

	require.NoError(t, h.ctrl.Activate(h.ctx))
	require.NoError(t, h.ctrl.Activate(h.ctx))

	joins, _, _ := h.client.counts()
	assert.Equal(t, 1, joins)
	h.broker.AssertNumberOfCalls(t, "FetchToken", 1)
}

func TestActivate_ReusesMatchingCachedDescriptor(t *testing.T) {
	h := newHarness(t)
	h.cfg.Descriptors.Set("appt-1", *testDescriptor("appt-1"), 0)

	require.NoError(t, h.ctrl.Activate(h.ctx))

	assert.Equal(t, StateActive, h.ctrl.State())
	h.broker.AssertNotCalled(t, "FetchToken", mock.Anything, mock.Anything, mock.Anything)
}

func TestActivate_RefetchesMismatchedCachedDescriptor(t *testing.T) {
	h := newHarness(t)
	stale := testDescriptor("appt-1")
	stale.CallID = "call_other-appointment"
	h.cfg.Descriptors.Set("appt-1", *stale, 0)
	h.expectToken("appt-1")

	require.NoError(t, h.ctrl.Activate(h.ctx))

	assert.Equal(t, "call_appt-1", h.client.lastCall)
	h.broker.AssertNumberOfCalls(t, "FetchToken", 1)
	cached, ok := h.cfg.Descriptors.Get("appt-1")
	require.True(t, ok)
	assert.Equal(t, "call_appt-1", cached.CallID)
}

func TestActivate_RefetchesExpiredCachedDescriptor(t *testing.T) {
	h := newHarness(t)
	expired := testDescriptor("appt-1")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	h.cfg.Descriptors.Set("appt-1", *expired, time.Hour)
	h.expectToken("appt-1")

	require.NoError(t, h.ctrl.Activate(h.ctx))

	h.broker.AssertNumberOfCalls(t, "FetchToken", 1)
}

func TestActivate_CredentialFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.broker.On("FetchToken", mock.Anything, "appt-1", domain.PurposeVideo).
		Return(nil, errors.New("broker unavailable"))

	err := h.ctrl.Activate(h.ctx)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCredentialFetch))
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Zero(t, h.factories.Load(), "no client is created without credentials")

	snap := h.ctrl.Snapshot()
	require.NotNil(t, snap.Error)
	assert.Equal(t, string(apperrors.ErrCodeCredentialFetch), snap.Error.Code)
	assert.False(t, snap.Error.Recoverable)
}

func TestActivate_BrokerCallIDMismatch(t *testing.T) {
	h := newHarness(t)
	wrong := testDescriptor("appt-1")
	wrong.CallID = "call_somebody-else"
	h.broker.On("FetchToken", mock.Anything, "appt-1", domain.PurposeVideo).Return(wrong, nil)

	err := h.ctrl.Activate(h.ctx)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidCall))
	assert.Equal(t, StateIdle, h.ctrl.State())
	_, cached := h.cfg.Descriptors.Get("appt-1")
	assert.False(t, cached)
}

func TestActivate_NotReadableErrorGoesToPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	h.client.joinErr = errors.New("NotReadableError: Could not start video source")

	err := h.ctrl.Activate(h.ctx)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeviceInUse))
	assert.Equal(t, StatePermissionDenied, h.ctrl.State())

	// Release was attempted for both devices, and nothing disconnected.
	assert.GreaterOrEqual(t, h.log.index("stop:camera"), 0)
	assert.GreaterOrEqual(t, h.log.index("stop:microphone"), 0)
	_, leaves, disconnects := h.client.counts()
	assert.Zero(t, leaves)
	assert.Zero(t, disconnects)
	assert.Equal(t, domain.MediaState{}, h.ctrl.Snapshot().Media)

	snap := h.ctrl.Snapshot()
	require.NotNil(t, snap.Error)
	assert.True(t, snap.Error.Recoverable)
	assert.Equal(t, string(permission.DeviceInUse), snap.Error.Kind)
	assert.Equal(t, permission.GuidanceDeviceInUse, snap.Error.Message)
}

func TestActivate_CameraAcquisitionFailure(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	h.source.fail(device.Camera, &device.AcquireError{
		Kind: device.Camera, Name: "NotAllowedError", Message: "Permission denied by system",
	})

	err := h.ctrl.Activate(h.ctx)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSystemBlocked))
	assert.Equal(t, StatePermissionDenied, h.ctrl.State())
	joins, _, disconnects := h.client.counts()
	assert.Zero(t, joins, "join is not attempted without devices")
	assert.Zero(t, disconnects)
}

func TestPermissionDenied_StaysUntilRetry(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	h.client.joinErr = errors.New("NotAllowedError: Permission denied")

	require.Error(t, h.ctrl.Activate(h.ctx))
	err := h.ctrl.Activate(h.ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBrowserDenied))
	assert.Equal(t, StatePermissionDenied, h.ctrl.State())

	h.client.mu.Lock()
	h.client.joinErr = nil
	h.client.mu.Unlock()

	require.NoError(t, h.ctrl.Retry(h.ctx))

	assert.Equal(t, StateActive, h.ctrl.State())
	assert.Nil(t, h.ctrl.Snapshot().Error)
	h.broker.AssertNumberOfCalls(t, "FetchToken", 1)
}

func TestRetry_WhenUnmountedOnlyResets(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	h.client.joinErr = errors.New("SecurityError")

	require.Error(t, h.ctrl.Activate(h.ctx))
	require.NoError(t, h.ctrl.Deactivate(h.ctx))
	require.NoError(t, h.ctrl.Retry(h.ctx))

	assert.Equal(t, StateIdle, h.ctrl.State())
}

func TestActivate_InvalidCallReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	h.client.joinErr = apperrors.NewWithStatus(apperrors.ErrCodeInvalidCall, "unknown call", 422)

	err := h.ctrl.Activate(h.ctx)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidCall))
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.GreaterOrEqual(t, h.log.index("stop:camera"), 0)
	_, _, disconnects := h.client.counts()
	assert.Zero(t, disconnects)

	_, cached := h.cfg.Descriptors.Get("appt-1")
	assert.False(t, cached, "a failed join drops the credentials")
}

func TestLeave_ReleasesDevicesBeforeSignalingLeave(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	require.NoError(t, h.ctrl.Activate(h.ctx))

	require.NoError(t, h.ctrl.Leave(h.ctx))

	assert.Equal(t, StateIdle, h.ctrl.State())
	leave := h.log.index("leave")
	require.GreaterOrEqual(t, leave, 0)
	assert.Less(t, h.log.index("stop:camera"), leave)
	assert.Less(t, h.log.index("stop:microphone"), leave)
	assert.Less(t, h.log.index("publish:camera:false"), leave)
	assert.Equal(t, -1, h.log.index("disconnect"), "leave never disconnects")
	assert.Equal(t, 1, h.registry.Len(), "client survives a leave")
}

func TestDeactivate_ActiveCallLeavesButKeepsClient(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	require.NoError(t, h.ctrl.Activate(h.ctx))

	require.NoError(t, h.ctrl.Deactivate(h.ctx))

	assert.Equal(t, StateIdle, h.ctrl.State())
	_, leaves, disconnects := h.client.counts()
	assert.Equal(t, 1, leaves)
	assert.Zero(t, disconnects)
	assert.False(t, h.ctrl.Snapshot().Mounted)
}

func TestSnapshot_ReportsSignalingConnection(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	assert.False(t, h.ctrl.Snapshot().Connected)

	require.NoError(t, h.ctrl.Activate(h.ctx))
	assert.True(t, h.ctrl.Snapshot().Connected)

	require.NoError(t, h.ctrl.Deactivate(h.ctx))
	assert.True(t, h.ctrl.Snapshot().Connected, "client survives unmount")

	require.NoError(t, h.ctrl.EndCall(h.ctx))
	assert.False(t, h.ctrl.Snapshot().Connected)
}

func TestMountUnmountMount_CreatesOneClient(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")

	for i := 0; i < 2; i++ {
		require.NoError(t, h.ctrl.Activate(h.ctx))
		require.NoError(t, h.ctrl.Deactivate(h.ctx))
	}
	require.NoError(t, h.ctrl.Activate(h.ctx))

	assert.Equal(t, int32(1), h.factories.Load())
	assert.Equal(t, 1, h.registry.Created())
	assert.Equal(t, StateActive, h.ctrl.State())
	_, _, disconnects := h.client.counts()
	assert.Zero(t, disconnects)
}

func TestDeactivate_DuringJoinDiscardsLateResult(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	h.client.joinBlock = make(chan struct{})
	started := make(chan struct{})
	h.client.joinStarted = started

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Activate(h.ctx) }()
	<-started

	require.NoError(t, h.ctrl.Deactivate(h.ctx))
	close(h.client.joinBlock)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Activate did not settle")
	}

	assert.Equal(t, StateIdle, h.ctrl.State())
	_, leaves, disconnects := h.client.counts()
	assert.Equal(t, 1, leaves, "a join that landed late is left")
	assert.Zero(t, disconnects)
	assert.Equal(t, domain.MediaState{}, h.ctrl.Snapshot().Media)
	assert.Nil(t, h.ctrl.Snapshot().Error)
}

func TestRemountDuringJoinAdoptsAttempt(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	h.client.joinBlock = make(chan struct{})
	started := make(chan struct{})
	h.client.joinStarted = started

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Activate(h.ctx) }()
	<-started

	require.NoError(t, h.ctrl.Deactivate(h.ctx))
	require.NoError(t, h.ctrl.Activate(h.ctx))
	close(h.client.joinBlock)
	require.NoError(t, <-done)

	assert.Equal(t, StateActive, h.ctrl.State())
	joins, leaves, _ := h.client.counts()
	assert.Equal(t, 1, joins)
	assert.Zero(t, leaves)
	assert.Equal(t, int32(1), h.factories.Load())
}

func TestEndCall_DisconnectsAfterRelease(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	require.NoError(t, h.ctrl.Activate(h.ctx))

	require.NoError(t, h.ctrl.EndCall(h.ctx))

	disconnect := h.log.index("disconnect")
	require.GreaterOrEqual(t, disconnect, 0)
	assert.Less(t, h.log.index("stop:camera"), disconnect)
	assert.Less(t, h.log.index("stop:microphone"), disconnect)
	assert.Less(t, h.log.index("leave"), disconnect)
	assert.Equal(t, 0, h.registry.Len())

	require.NoError(t, h.ctrl.EndCall(h.ctx))
	_, _, disconnects := h.client.counts()
	assert.Equal(t, 1, disconnects, "no double disconnect")
}

func TestEndCall_FromPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	h.client.joinErr = errors.New("TrackStartError")
	require.Error(t, h.ctrl.Activate(h.ctx))

	require.NoError(t, h.ctrl.EndCall(h.ctx))

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Nil(t, h.ctrl.Snapshot().Error)
	assert.Equal(t, 0, h.registry.Len())
}

func TestSecondViewCannotJoinWithBusyClient(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	h.expectToken("appt-2")
	require.NoError(t, h.ctrl.Activate(h.ctx))

	other, err := NewController("appt-2", h.cfg)
	require.NoError(t, err)

	err = other.Activate(h.ctx)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeClientBusy))
	assert.Equal(t, StateIdle, other.State())
	assert.Equal(t, 1, h.registry.Created())

	err = other.EndCall(h.ctx)
	assert.NoError(t, err, "a view that never claimed the client does not tear it down")
	assert.Equal(t, 1, h.registry.Len())
	assert.Equal(t, StateActive, h.ctrl.State())
}

func TestToggle(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")

	_, err := h.ctrl.ToggleCamera(h.ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))

	require.NoError(t, h.ctrl.Activate(h.ctx))

	media, err := h.ctrl.ToggleCamera(h.ctx)
	require.NoError(t, err)
	assert.False(t, media.CameraEnabled)
	assert.True(t, media.MicrophoneEnabled)

	media, err = h.ctrl.ToggleScreenShare(h.ctx)
	require.NoError(t, err)
	assert.True(t, media.ScreenShare)

	media, err = h.ctrl.ToggleCamera(h.ctx)
	require.NoError(t, err)
	assert.True(t, media.CameraEnabled)

	media, err = h.ctrl.ToggleMicrophone(h.ctx)
	require.NoError(t, err)
	assert.False(t, media.MicrophoneEnabled)

	require.NoError(t, h.ctrl.Leave(h.ctx))
	assert.Equal(t, domain.MediaState{}, h.ctrl.Snapshot().Media, "screen share is released on leave")
}

func TestToggle_AcquireFailureIsClassified(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	require.NoError(t, h.ctrl.Activate(h.ctx))

	h.source.fail(device.Screen, &device.AcquireError{Kind: device.Screen, Name: "NotAllowedError", Message: "denied"})
	_, err := h.ctrl.ToggleScreenShare(h.ctx)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBrowserDenied))
	assert.Equal(t, StateActive, h.ctrl.State(), "a toggle failure does not end the call")
}

func TestParticipantsAreReconciled(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	require.NoError(t, h.ctrl.Activate(h.ctx))

	now := time.Now()
	h.client.push([]domain.ParticipantRecord{
		{UserID: "patient-1", SessionID: "session-1", IsLocal: true, JoinedAt: now.Add(-time.Minute)},
		{UserID: "patient-1", SessionID: "ghost", JoinedAt: now},
		{UserID: "doctor-9", SessionID: "d-old", JoinedAt: now.Add(-time.Hour)},
		{UserID: "doctor-9", SessionID: "d-new", JoinedAt: now},
	})

	require.Eventually(t, func() bool { return len(h.ctrl.Participants()) == 2 }, time.Second, 5*time.Millisecond)

	got := h.ctrl.Participants()
	assert.Equal(t, "session-1", got[0].SessionID)
	assert.Equal(t, 1, got[0].GhostSessions)
	assert.Equal(t, "d-new", got[1].SessionID)

	require.NoError(t, h.ctrl.Leave(h.ctx))
	assert.Empty(t, h.ctrl.Participants())
}

func TestService_ControllerPerAppointment(t *testing.T) {
	h := newHarness(t)
	svc := NewService(h.cfg)

	a, err := svc.Controller("appt-7")
	require.NoError(t, err)
	b, err := svc.Controller("appt-7")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, ok := svc.Lookup("appt-8")
	assert.False(t, ok)

	_, err = svc.Controller("")
	assert.Error(t, err)
}

func TestService_ShutdownReleasesThenDisconnects(t *testing.T) {
	h := newHarness(t)
	h.expectToken("appt-1")
	svc := NewService(h.cfg)
	ctrl, err := svc.Controller("appt-1")
	require.NoError(t, err)
	require.NoError(t, ctrl.Activate(context.Background()))

	require.NoError(t, svc.Shutdown(context.Background()))

	disconnect := h.log.index("disconnect")
	require.GreaterOrEqual(t, disconnect, 0)
	assert.Less(t, h.log.index("stop:camera"), disconnect)
	assert.Equal(t, 0, h.registry.Len())
}
