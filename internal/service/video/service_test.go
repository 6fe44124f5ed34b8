package video

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/repository/cockroach"
	apperrors "telecare-backend/pkg/errors"
)

// MockCallRepository is a mock implementation of CallRepository
type MockCallRepository struct {
	mock.Mock
}

func (m *MockCallRepository) EnsureCall(ctx context.Context, call *domain.CallSession) (*domain.CallSession, error) {
	args := m.Called(ctx, call)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockCallRepository) GetByID(ctx context.Context, callID string) (*domain.CallSession, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockCallRepository) EndCall(ctx context.Context, callID string) error {
	args := m.Called(ctx, callID)
	return args.Error(0)
}

func (m *MockCallRepository) AddParticipant(ctx context.Context, callID string, userID uuid.UUID) error {
	args := m.Called(ctx, callID, userID)
	return args.Error(0)
}

func (m *MockCallRepository) RemoveParticipant(ctx context.Context, callID string, userID uuid.UUID) error {
	args := m.Called(ctx, callID, userID)
	return args.Error(0)
}

func (m *MockCallRepository) GetParticipants(ctx context.Context, callID string) ([]*domain.CallMember, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallMember), args.Error(1)
}

func (m *MockCallRepository) ActiveParticipantCount(ctx context.Context, callID string) (int, error) {
	args := m.Called(ctx, callID)
	return args.Int(0), args.Error(1)
}

func TestJoinCall_CreateEnsuresCall(t *testing.T) {
	repo := new(MockCallRepository)
	svc := NewService(repo, nil)
	userID := uuid.New()

	repo.On("EnsureCall", mock.Anything, mock.MatchedBy(func(c *domain.CallSession) bool {
		return c.CallID == "call_appt-1" && c.AppointmentID == "appt-1"
	})).Return(&domain.CallSession{CallID: "call_appt-1", Status: domain.CallStatusActive}, nil)
	repo.On("AddParticipant", mock.Anything, "call_appt-1", userID).Return(nil)

	err := svc.JoinCall(context.Background(), "call_appt-1", userID, true)

	assert.NoError(t, err)
	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyCallStarted(ctx context.Context, callID, appointmentID string, callerID uuid.UUID) error {
	return m.Called(ctx, callID, appointmentID, callerID).Error(0)
}

func TestJoinCall_NotifiesOtherPartyWhenCallOpens(t *testing.T) {
	userID := uuid.New()
	repo := new(MockCallRepository)
	notifier := new(MockNotifier)
	repo.On("EnsureCall", mock.Anything, mock.Anything).Return(&domain.CallSession{CallID: "call_appt-1", Status: domain.CallStatusActive}, nil)
	repo.On("AddParticipant", mock.Anything, "call_appt-1", userID).Return(nil)
	repo.On("ActiveParticipantCount", mock.Anything, "call_appt-1").Return(1, nil)
	notifier.On("NotifyCallStarted", mock.Anything, "call_appt-1", "appt-1", userID).Return(nil).Once()

	require.NoError(t, NewService(repo, notifier).JoinCall(context.Background(), "call_appt-1", userID, true))
	notifier.AssertExpectations(t)
}

func TestJoinCall_NoNotificationWhenOthersPresent(t *testing.T) {
	userID := uuid.New()
	repo := new(MockCallRepository)
	notifier := new(MockNotifier)
	repo.On("EnsureCall", mock.Anything, mock.Anything).Return(&domain.CallSession{CallID: "call_appt-1", Status: domain.CallStatusActive}, nil)
	repo.On("AddParticipant", mock.Anything, "call_appt-1", userID).Return(nil)
	repo.On("ActiveParticipantCount", mock.Anything, "call_appt-1").Return(2, nil)

	require.NoError(t, NewService(repo, notifier).JoinCall(context.Background(), "call_appt-1", userID, true))
	notifier.AssertNotCalled(t, "NotifyCallStarted", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestJoinCall_NotificationFailureDoesNotFailJoin(t *testing.T) {
	userID := uuid.New()
	repo := new(MockCallRepository)
	notifier := new(MockNotifier)
	repo.On("EnsureCall", mock.Anything, mock.Anything).Return(&domain.CallSession{CallID: "call_appt-1", Status: domain.CallStatusActive}, nil)
	repo.On("AddParticipant", mock.Anything, "call_appt-1", userID).Return(nil)
	repo.On("ActiveParticipantCount", mock.Anything, "call_appt-1").Return(1, nil)
	notifier.On("NotifyCallStarted", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("fcm down"))

	assert.NoError(t, NewService(repo, notifier).JoinCall(context.Background(), "call_appt-1", userID, true))
}

func TestJoinCall_WithoutCreate(t *testing.T) {
	userID := uuid.New()

	t.Run("active call", func(t *testing.T) {
		repo := new(MockCallRepository)
		repo.On("GetByID", mock.Anything, "call_appt-1").
			Return(&domain.CallSession{CallID: "call_appt-1", Status: domain.CallStatusActive}, nil)
		repo.On("AddParticipant", mock.Anything, "call_appt-1", userID).Return(nil)

		assert.NoError(t, NewService(repo, nil).JoinCall(context.Background(), "call_appt-1", userID, false))
	})

	t.Run("missing call", func(t *testing.T) {
		repo := new(MockCallRepository)
		repo.On("GetByID", mock.Anything, "call_appt-1").Return(nil, cockroach.ErrCallNotFound)

		err := NewService(repo, nil).JoinCall(context.Background(), "call_appt-1", userID, false)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidCall))
		repo.AssertNotCalled(t, "AddParticipant", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ended call", func(t *testing.T) {
		repo := new(MockCallRepository)
		repo.On("GetByID", mock.Anything, "call_appt-1").
			Return(&domain.CallSession{CallID: "call_appt-1", Status: domain.CallStatusEnded}, nil)

		err := NewService(repo, nil).JoinCall(context.Background(), "call_appt-1", userID, false)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidCall))
	})
}

func TestJoinCall_MalformedCallID(t *testing.T) {
	repo := new(MockCallRepository)

	for _, id := range []string{"", "appt-1", "call_", "call_bad id"} {
		err := NewService(repo, nil).JoinCall(context.Background(), id, uuid.New(), true)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidCall), id)
	}
	repo.AssertNotCalled(t, "EnsureCall", mock.Anything, mock.Anything)
}

func TestLeaveCall_EndsWhenLastMemberLeaves(t *testing.T) {
	repo := new(MockCallRepository)
	svc := NewService(repo, nil)
	userID := uuid.New()

	repo.On("RemoveParticipant", mock.Anything, "call_appt-1", userID).Return(nil)
	repo.On("ActiveParticipantCount", mock.Anything, "call_appt-1").Return(0, nil)
	repo.On("EndCall", mock.Anything, "call_appt-1").Return(nil)

	ended, err := svc.LeaveCall(context.Background(), "call_appt-1", userID)

	require.NoError(t, err)
	assert.True(t, ended)
	repo.AssertExpectations(t)
}

func TestLeaveCall_KeepsCallWhileOthersRemain(t *testing.T) {
	repo := new(MockCallRepository)
	svc := NewService(repo, nil)
	userID := uuid.New()

	repo.On("RemoveParticipant", mock.Anything, "call_appt-1", userID).Return(nil)
	repo.On("ActiveParticipantCount", mock.Anything, "call_appt-1").Return(1, nil)

	ended, err := svc.LeaveCall(context.Background(), "call_appt-1", userID)

	require.NoError(t, err)
	assert.False(t, ended)
	repo.AssertNotCalled(t, "EndCall", mock.Anything, mock.Anything)
}

func TestLeaveCall_RepositoryError(t *testing.T) {
	repo := new(MockCallRepository)
	repo.On("RemoveParticipant", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("boom"))

	_, err := NewService(repo, nil).LeaveCall(context.Background(), "call_appt-1", uuid.New())

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
}

func TestGetCallStatus(t *testing.T) {
	repo := new(MockCallRepository)
	svc := NewService(repo, nil)
	left := time.Now()

	repo.On("GetByID", mock.Anything, "call_appt-1").
		Return(&domain.CallSession{CallID: "call_appt-1", Status: domain.CallStatusActive}, nil)
	repo.On("GetParticipants", mock.Anything, "call_appt-1").Return([]*domain.CallMember{
		{CallID: "call_appt-1", UserID: uuid.New()},
		{CallID: "call_appt-1", UserID: uuid.New(), LeftAt: &left},
	}, nil)

	status, err := svc.GetCallStatus(context.Background(), "call_appt-1")

	require.NoError(t, err)
	assert.Equal(t, 1, status.Active)
	assert.Len(t, status.Members, 2)

	repo.On("GetByID", mock.Anything, "call_none").Return(nil, cockroach.ErrCallNotFound)
	_, err = svc.GetCallStatus(context.Background(), "call_none")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}
