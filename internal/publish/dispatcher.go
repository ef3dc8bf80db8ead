package publish

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/postcraft/model"
)

// DueEntries finds and settles schedule entries.
type DueEntries interface {
	Due(ctx context.Context, cutoff time.Time, limit int) ([]model.ScheduleEntry, error)
	UpdateStatus(ctx context.Context, id, status, errMsg string) error
}

const dispatchBatch = 50

// Dispatcher publishes schedule entries once their slot arrives.
type Dispatcher struct {
	entries DueEntries
	svc     *Service
	logger  *zap.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. logger may be nil.
func NewDispatcher(entries DueEntries, svc *Service, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		entries: entries,
		svc:     svc,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ProcessDue publishes every due entry and marks it published or failed. It
// returns how many entries were published.
func (d *Dispatcher) ProcessDue(ctx context.Context) (int, error) {
	due, err := d.entries.Due(ctx, d.now(), dispatchBatch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, e := range due {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		status, msg := model.ScheduleStatusPublished, ""
		if _, err := d.svc.publish(ctx, e.UserID, e.ContentID, model.VisibilityPublic, TriggerSchedule); err != nil {
			status, msg = model.ScheduleStatusFailed, err.Error()
			d.logger.Warn("publish: scheduled post failed",
				zap.String("schedule_id", e.ID),
				zap.String("content_id", e.ContentID),
				zap.Error(err),
			)
		} else {
			published++
		}
		if err := d.entries.UpdateStatus(ctx, e.ID, status, msg); err != nil {
			d.logger.Error("publish: could not settle schedule entry",
				zap.String("schedule_id", e.ID),
				zap.String("status", status),
				zap.Error(err),
			)
		}
	}
	return published, nil
}

// Run calls ProcessDue every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ProcessDue(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("publish: dispatch failed", zap.Error(err))
			}
		}
	}
}
