package ideation

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/postcraft/internal/backend"
	"github.com/pitabwire/postcraft/internal/config"
	"github.com/pitabwire/postcraft/internal/observability"
	"github.com/pitabwire/postcraft/model"
)

// Ideation outcome labels.
const (
	OutcomeImmediate = "immediate"
	OutcomeAnswered  = "answered"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Recorder receives ideation metrics.
type Recorder interface {
	RecordIdeationOutcome(outcome string)
	RecordIdeationPolls(attempts int)
	RecordIdeationTimeout()
}

type nopRecorder struct{}

func (nopRecorder) RecordIdeationOutcome(string) {}
func (nopRecorder) RecordIdeationPolls(int)      {}
func (nopRecorder) RecordIdeationTimeout()       {}

// Fetcher polls for a result once. *Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, sessionID string) (model.IdeationPoll, error)
}

// AwaiterOption configures an Awaiter.
type AwaiterOption func(*Awaiter)

// WithLogger sets the logger for transient poll failures.
func WithLogger(l *zap.Logger) AwaiterOption {
	return func(a *Awaiter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) AwaiterOption {
	return func(a *Awaiter) {
		if r != nil {
			a.rec = r
		}
	}
}

// Awaiter waits for the final answer of an acknowledged turn.
type Awaiter struct {
	fetcher     Fetcher
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
	rec         Recorder
}

// NewAwaiter builds an awaiter from the poll interval and attempt cap in cfg.
func NewAwaiter(f Fetcher, cfg config.IdeationConfig, opts ...AwaiterOption) *Awaiter {
	a := &Awaiter{
		fetcher:     f,
		interval:    cfg.PollInterval,
		maxAttempts: cfg.MaxAttempts,
		logger:      zap.NewNop(),
		rec:         nopRecorder{},
	}
	if a.interval <= 0 {
		a.interval = 2 * time.Second
	}
	if a.maxAttempts < 1 {
		a.maxAttempts = 30
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Await fetches once per tick until a final result arrives, the attempts
// run out (IDEATION_TIMEOUT) or ctx is done (ctx.Err()). Transient fetch
// failures are logged and polling continues.
func (a *Awaiter) Await(ctx context.Context, sessionID string) (poll model.IdeationPoll, err error) {
	ctx, span := observability.StartSpan(ctx, "ideation.await",
		observability.AttrSessionID.String(sessionID),
	)
	attempts := 0
	defer func() {
		span.SetAttributes(observability.AttrPollAttempt.Int(attempts))
		observability.EndSpanWithError(span, err)
		a.rec.RecordIdeationPolls(attempts)
	}()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	logger := a.logger.With(zap.String("session_id", sessionID))
	for attempts < a.maxAttempts {
		select {
		case <-ctx.Done():
			a.rec.RecordIdeationOutcome(OutcomeCancelled)
			return model.IdeationPoll{}, ctx.Err()
		case <-ticker.C:
		}
		attempts++

		p, err := a.fetcher.Fetch(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				a.rec.RecordIdeationOutcome(OutcomeCancelled)
				return model.IdeationPoll{}, ctx.Err()
			}
			if !transient(err) {
				a.rec.RecordIdeationOutcome(OutcomeError)
				return model.IdeationPoll{}, err
			}
			logger.Warn("ideation: poll failed, will retry",
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			continue
		}
		span.AddEvent("poll", trace.WithAttributes(
			observability.AttrPollAttempt.Int(attempts),
			attribute.String("postcraft.ideation.poll_type", p.Type),
		))
		if p.Final() {
			a.rec.RecordIdeationOutcome(OutcomeAnswered)
			return p, nil
		}
	}

	a.rec.RecordIdeationTimeout()
	a.rec.RecordIdeationOutcome(OutcomeTimeout)
	logger.Info("ideation: no final answer within attempt cap", zap.Int("attempts", attempts))
	return model.IdeationPoll{}, model.NewIdeationTimeoutError(attempts)
}

// transient reports whether a later poll may succeed.
func transient(err error) bool {
	switch {
	case model.HasCode(err, model.ErrNetworkTimeout),
		model.HasCode(err, model.ErrBackendUnavailable),
		model.HasCode(err, model.ErrRateLimited):
		return true
	case model.HasCode(err, model.ErrExternalServiceError):
		return backend.StatusCodeOf(err) >= http.StatusInternalServerError || backend.IsTransportError(err)
	}
	return false
}
