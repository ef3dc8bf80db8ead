package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionGauge is implemented by recorders that track open sessions.
type SessionGauge interface {
	SetWorkflowActiveSessions(n int)
}

// Sessions is the registry of open coordinators, one per user.
type Sessions struct {
	store   StateStore
	opts    Options
	idleTTL time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	open map[string]*Coordinator
}

// NewSessions creates a registry. An idleTTL of zero disables sweeping.
func NewSessions(store StateStore, idleTTL time.Duration, opts Options) *Sessions {
	opts = opts.withDefaults()
	return &Sessions{
		store:   store,
		opts:    opts,
		idleTTL: idleTTL,
		logger:  opts.Logger,
		open:    make(map[string]*Coordinator),
	}
}

// Open returns the coordinator for userID, creating it and resuming any
// persisted session on first use. Concurrent callers for the same user wait
// until that resume has finished.
func (s *Sessions) Open(ctx context.Context, userID string) *Coordinator {
	s.mu.Lock()
	if c, ok := s.open[userID]; ok {
		s.mu.Unlock()
		c.touch()
		c.waitResumed(ctx)
		return c
	}
	c := NewCoordinator(userID, s.store, s.opts)
	s.open[userID] = c
	n := len(s.open)
	s.mu.Unlock()

	s.setGauge(n)
	defer c.markResumed()
	c.ResumeOrNull(ctx)
	return c
}

// Get returns an already open coordinator.
func (s *Sessions) Get(userID string) (*Coordinator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.open[userID]
	return c, ok
}

// Close flushes and forgets the coordinator for userID. Closing a user with
// no open session is a no-op.
func (s *Sessions) Close(ctx context.Context, userID string) error {
	s.mu.Lock()
	c, ok := s.open[userID]
	delete(s.open, userID)
	n := len(s.open)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	s.setGauge(n)
	return c.Close(ctx)
}

// CloseAll closes every open coordinator.
func (s *Sessions) CloseAll(ctx context.Context) error {
	s.mu.Lock()
	all := s.open
	s.open = make(map[string]*Coordinator)
	s.mu.Unlock()

	var errs []error
	for _, c := range all {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.setGauge(0)
	return errors.Join(errs...)
}

// Len returns the number of open coordinators.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// Sweep closes coordinators idle for longer than the idle TTL and returns how
// many were closed.
func (s *Sessions) Sweep(ctx context.Context) int {
	if s.idleTTL <= 0 {
		return 0
	}
	cutoff := s.opts.Now().Add(-s.idleTTL)

	s.mu.Lock()
	var idle []*Coordinator
	for id, c := range s.open {
		if c.IdleSince().Before(cutoff) {
			idle = append(idle, c)
			delete(s.open, id)
		}
	}
	n := len(s.open)
	s.mu.Unlock()

	for _, c := range idle {
		if err := c.Close(ctx); err != nil {
			s.logger.Warn("workflow: closing idle session",
				zap.String("user_id", c.UserID()), zap.Error(err))
		}
	}
	if len(idle) > 0 {
		s.setGauge(n)
		s.logger.Info("workflow: swept idle sessions", zap.Int("closed", len(idle)))
	}
	return len(idle)
}

// RunSweeper sweeps on every tick until ctx is cancelled.
func (s *Sessions) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sessions) setGauge(n int) {
	if g, ok := s.opts.Recorder.(SessionGauge); ok {
		g.SetWorkflowActiveSessions(n)
	}
}
