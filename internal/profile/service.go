// Package profile loads and updates the per-user settings row. Loading never
// fails: a slow or broken store yields a usable default.
package profile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/postcraft/model"
)

// Recorder counts fallback profiles served.
type Recorder interface {
	RecordProfileFallback()
}

type nopRecorder struct{}

func (nopRecorder) RecordProfileFallback() {}

// Service wraps a Store with the read timeout and fallback policy.
type Service struct {
	store   Store
	timeout time.Duration
	logger  *zap.Logger
	rec     Recorder
}

// NewService builds a service. A zero timeout means 3s. logger and rec may be nil.
func NewService(store Store, timeout time.Duration, logger *zap.Logger, rec Recorder) *Service {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Service{store: store, timeout: timeout, logger: logger, rec: rec}
}

// Load returns userID's profile, creating it on first access. On timeout or
// store failure it returns DefaultProfile.
func (s *Service) Load(ctx context.Context, userID string) model.Profile {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	p, err := s.store.Get(ctx, userID)
	if model.HasCode(err, model.ErrNotFound) {
		p, err = s.store.Create(ctx, userID)
		if err == nil {
			s.logger.Info("profile: created", zap.String("user_id", userID))
		}
	}
	if err != nil {
		s.rec.RecordProfileFallback()
		s.logger.Warn("profile: serving fallback",
			zap.String("user_id", userID),
			zap.Bool("timeout", ctx.Err() != nil),
			zap.Error(err),
		)
		return model.DefaultProfile(userID)
	}
	return p
}

// Update applies upd. Store failures are reported as PERSISTENCE_FAILURE.
func (s *Service) Update(ctx context.Context, userID string, upd model.ProfileUpdate) (model.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	p, err := s.store.Update(ctx, userID, upd)
	if model.HasCode(err, model.ErrNotFound) {
		if _, err = s.store.Create(ctx, userID); err == nil {
			p, err = s.store.Update(ctx, userID, upd)
		}
	}
	if err != nil {
		if _, ok := model.AsEnvelope(err); ok {
			return model.Profile{}, err
		}
		s.logger.Error("profile: update failed", zap.String("user_id", userID), zap.Error(err))
		return model.Profile{}, model.NewPersistenceFailureError("could not save profile").WithCause(err)
	}
	return p, nil
}
