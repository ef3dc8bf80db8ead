// Package schedule stores the publishing calendar.
package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/postcraft/model"
)

// Service validates and creates entries.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewService wraps store. logger may be nil.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Create adds a pending entry for userID. The timezone defaults to UTC.
func (s *Service) Create(ctx context.Context, userID string, e model.ScheduleEntry) (model.ScheduleEntry, error) {
	if e.Timezone == "" {
		e.Timezone = "UTC"
	}
	if err := e.Validate(); err != nil {
		return model.ScheduleEntry{}, err
	}
	now := s.now()
	e.ID = s.newID()
	e.UserID = userID
	e.Status = model.ScheduleStatusPending
	e.Error = ""
	e.CreatedAt = now
	e.UpdatedAt = now
	if err := s.store.Create(ctx, e); err != nil {
		return model.ScheduleEntry{}, s.storeErr("create", err)
	}
	return e, nil
}

// List returns userID's entries in chronological order.
func (s *Service) List(ctx context.Context, userID string) ([]model.ScheduleEntry, error) {
	out, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, s.storeErr("list", err)
	}
	return out, nil
}

// ListByContent returns the entries for one draft.
func (s *Service) ListByContent(ctx context.Context, userID, contentID string) ([]model.ScheduleEntry, error) {
	out, err := s.store.ListByContent(ctx, userID, contentID)
	if err != nil {
		return nil, s.storeErr("list", err)
	}
	return out, nil
}

// Cancel marks a pending entry cancelled. Cancelling a finished entry is a
// conflict.
func (s *Service) Cancel(ctx context.Context, userID, id string) (model.ScheduleEntry, error) {
	e, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return model.ScheduleEntry{}, s.storeErr("get", err)
	}
	switch e.Status {
	case model.ScheduleStatusCancelled:
		return e, nil
	case model.ScheduleStatusPending:
	default:
		return model.ScheduleEntry{}, model.NewConflictError("entry is already " + e.Status)
	}
	if err := s.store.UpdateStatus(ctx, id, model.ScheduleStatusCancelled, ""); err != nil {
		return model.ScheduleEntry{}, s.storeErr("cancel", err)
	}
	e.Status = model.ScheduleStatusCancelled
	e.UpdatedAt = s.now()
	return e, nil
}

func (s *Service) storeErr(op string, err error) error {
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	s.logger.Error("schedule: store failed", zap.String("operation", op), zap.Error(err))
	return model.NewPersistenceFailureError("could not " + op + " schedule").WithCause(err)
}
