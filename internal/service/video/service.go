package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/repository/cockroach"
	apperrors "telecare-backend/pkg/errors"
	"telecare-backend/pkg/logger"
)

// CallRepository is the call persistence used by the service
type CallRepository interface {
	EnsureCall(ctx context.Context, call *domain.CallSession) (*domain.CallSession, error)
	GetByID(ctx context.Context, callID string) (*domain.CallSession, error)
	EndCall(ctx context.Context, callID string) error
	AddParticipant(ctx context.Context, callID string, userID uuid.UUID) error
	RemoveParticipant(ctx context.Context, callID string, userID uuid.UUID) error
	GetParticipants(ctx context.Context, callID string) ([]*domain.CallMember, error)
	ActiveParticipantCount(ctx context.Context, callID string) (int, error)
}

// Notifier tells the rest of an appointment that a call has started
type Notifier interface {
	NotifyCallStarted(ctx context.Context, callID, appointmentID string, callerID uuid.UUID) error
}

// Service handles call membership on the signaling side
type Service struct {
	callRepo CallRepository
	notifier Notifier
}

// NewService creates a new video service. notifier may be nil.
func NewService(callRepo CallRepository, notifier Notifier) *Service {
	return &Service{
		callRepo: callRepo,
		notifier: notifier,
	}
}

// CallStatus is a call with its membership
type CallStatus struct {
	Call    *domain.CallSession  `json:"call"`
	Members []*domain.CallMember `json:"members"`
	Active  int                  `json:"active"`
}

// JoinCall adds userID to callID. With create, a missing or ended call is
// (re)opened; otherwise the call must exist and be active.
func (s *Service) JoinCall(ctx context.Context, callID string, userID uuid.UUID, create bool) error {
	appointmentID, ok := domain.AppointmentIDFromCallID(callID)
	if !ok || domain.ValidateAppointmentID(appointmentID) != nil {
		return apperrors.InvalidCallError(fmt.Errorf("malformed call id %q", callID))
	}

	if create {
		if _, err := s.callRepo.EnsureCall(ctx, &domain.CallSession{
			CallID:        callID,
			AppointmentID: appointmentID,
			Purpose:       domain.PurposeVideo,
			CreatedAt:     time.Now(),
		}); err != nil {
			return apperrors.DatabaseError(err)
		}
	} else {
		call, err := s.callRepo.GetByID(ctx, callID)
		if errors.Is(err, cockroach.ErrCallNotFound) {
			return apperrors.InvalidCallError(err)
		}
		if err != nil {
			return apperrors.DatabaseError(err)
		}
		if call.Status == domain.CallStatusEnded {
			return apperrors.InvalidCallError(fmt.Errorf("call %s has ended", callID))
		}
	}

	if err := s.callRepo.AddParticipant(ctx, callID, userID); err != nil {
		return apperrors.DatabaseError(err)
	}

	logger.Info("User joined call",
		zap.String("call_id", callID),
		zap.String("user_id", userID.String()))

	if create {
		s.notifyIfAlone(ctx, callID, appointmentID, userID)
	}
	return nil
}

// notifyIfAlone pushes to the other party when userID is the only active
// member, i.e. the join opened or reopened the call. Failures do not fail
// the join.
func (s *Service) notifyIfAlone(ctx context.Context, callID, appointmentID string, userID uuid.UUID) {
	if s.notifier == nil {
		return
	}
	active, err := s.callRepo.ActiveParticipantCount(ctx, callID)
	if err != nil {
		logger.Warn("Failed to count members for call notification",
			zap.String("call_id", callID),
			zap.Error(err))
		return
	}
	if active != 1 {
		return
	}
	if err := s.notifier.NotifyCallStarted(ctx, callID, appointmentID, userID); err != nil {
		logger.Warn("Call notification failed",
			zap.String("call_id", callID),
			zap.Error(err))
	}
}

// LeaveCall removes userID's membership. The call ends when no member
// remains; it reports whether it did.
func (s *Service) LeaveCall(ctx context.Context, callID string, userID uuid.UUID) (bool, error) {
	if err := s.callRepo.RemoveParticipant(ctx, callID, userID); err != nil {
		return false, apperrors.DatabaseError(err)
	}

	active, err := s.callRepo.ActiveParticipantCount(ctx, callID)
	if err != nil {
		return false, apperrors.DatabaseError(err)
	}
	if active > 0 {
		return false, nil
	}

	if err := s.callRepo.EndCall(ctx, callID); err != nil {
		return false, apperrors.DatabaseError(err)
	}
	logger.Info("Call ended, no members left", zap.String("call_id", callID))
	return true, nil
}

// GetCallStatus retrieves a call and its membership
func (s *Service) GetCallStatus(ctx context.Context, callID string) (*CallStatus, error) {
	call, err := s.callRepo.GetByID(ctx, callID)
	if errors.Is(err, cockroach.ErrCallNotFound) {
		return nil, apperrors.CallNotFoundError()
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	members, err := s.callRepo.GetParticipants(ctx, callID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	active := 0
	for _, m := range members {
		if m.LeftAt == nil {
			active++
		}
	}

	return &CallStatus{Call: call, Members: members, Active: active}, nil
}
