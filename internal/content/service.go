// Package content manages LinkedIn post drafts.
package content

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/postcraft/model"
)

// Service validates drafts and stamps ids and times before they reach the
// store.
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

// Create stores a new draft for userID. Status defaults to draft.
func (s *Service) Create(ctx context.Context, userID string, c model.Content) (model.Content, error) {
	now := s.now()
	c.ID = s.newID()
	c.UserID = userID
	c.CreatedAt = now
	c.UpdatedAt = now
	c.LinkedInPostID = ""
	c.PublishedAt = nil
	if c.Status == "" {
		c.Status = model.ContentStatusDraft
	}
	if err := c.Validate(); err != nil {
		return model.Content{}, err
	}
	if err := s.store.Insert(ctx, c); err != nil {
		return model.Content{}, s.storeErr("create", err)
	}
	return c, nil
}

// Get returns one of userID's drafts.
func (s *Service) Get(ctx context.Context, userID, id string) (model.Content, error) {
	c, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return model.Content{}, s.storeErr("get", err)
	}
	return c, nil
}

// List returns userID's drafts matching f.
func (s *Service) List(ctx context.Context, userID string, f model.ContentFilters) ([]model.Content, error) {
	if f.Status != "" && !model.ValidContentStatus(f.Status) {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "status", Code: "INVALID", Message: "unknown status filter",
		}})
	}
	out, err := s.store.List(ctx, userID, f)
	if err != nil {
		return nil, s.storeErr("list", err)
	}
	return out, nil
}

// Update applies a partial update.
func (s *Service) Update(ctx context.Context, userID, id string, upd model.ContentUpdate) (model.Content, error) {
	return s.modify(ctx, userID, id, "update", func(c *model.Content) error {
		upd.Apply(c)
		return c.Validate()
	})
}

// Delete removes a draft.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if err := s.store.Delete(ctx, userID, id); err != nil {
		return s.storeErr("delete", err)
	}
	return nil
}

// MarkScheduled sets the draft's status to scheduled.
func (s *Service) MarkScheduled(ctx context.Context, userID, id string) (model.Content, error) {
	return s.modify(ctx, userID, id, "mark_scheduled", func(c *model.Content) error {
		c.Status = model.ContentStatusScheduled
		return nil
	})
}

// MarkPublished records the LinkedIn post id and publish time.
func (s *Service) MarkPublished(ctx context.Context, userID, id, postID string, at time.Time) (model.Content, error) {
	return s.modify(ctx, userID, id, "mark_published", func(c *model.Content) error {
		c.Status = model.ContentStatusPublished
		c.LinkedInPostID = postID
		t := at.UTC()
		c.PublishedAt = &t
		return nil
	})
}

func (s *Service) modify(ctx context.Context, userID, id, op string, fn func(*model.Content) error) (model.Content, error) {
	c, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return model.Content{}, s.storeErr(op, err)
	}
	if err := fn(&c); err != nil {
		return model.Content{}, err
	}
	c.UpdatedAt = s.now()
	if err := s.store.Put(ctx, c); err != nil {
		return model.Content{}, s.storeErr(op, err)
	}
	return c, nil
}

// storeErr passes envelopes through and wraps anything else as
// PERSISTENCE_FAILURE.
func (s *Service) storeErr(op string, err error) error {
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	s.logger.Error("content: store failed", zap.String("operation", op), zap.Error(err))
	return model.NewPersistenceFailureError("could not " + op + " content").WithCause(err)
}
