// Package workflow tracks where a user is in the ideas → create → image →
// pipeline journey and persists that position on a best-effort basis.
package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/postcraft/model"
)

// Recorder receives workflow metrics.
type Recorder interface {
	RecordWorkflowTransition(from, to string)
	RecordWorkflowPersistFailure(operation string)
}

type nopRecorder struct{}

func (nopRecorder) RecordWorkflowTransition(string, string) {}
func (nopRecorder) RecordWorkflowPersistFailure(string)     {}

// Options configures a Coordinator.
type Options struct {
	PersistTimeout time.Duration
	Logger         *zap.Logger
	Recorder       Recorder

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Coordinator owns the workflow state of one user session. In-memory state
// is authoritative; every mutation queues a write that may fail without
// undoing the mutation.
type Coordinator struct {
	userID string
	store  StateStore
	opts   Options
	logger *zap.Logger
	w      *writer

	mu    sync.Mutex
	state *model.WorkflowState

	lastUsed atomic.Int64

	// resumed is closed once the first resume through Sessions completes.
	resumed    chan struct{}
	resumeOnce sync.Once
}

// NewCoordinator creates a coordinator for userID with no state. Call
// ResumeOrNull to pick up a persisted session.
func NewCoordinator(userID string, store StateStore, opts Options) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		userID:  userID,
		store:   store,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("user_id", userID)),
		resumed: make(chan struct{}),
	}
	c.w = newWriter(store, userID, opts.PersistTimeout, c.onPersistFailure)
	c.touch()
	return c
}

func (c *Coordinator) markResumed() {
	c.resumeOnce.Do(func() { close(c.resumed) })
}

// waitResumed blocks until markResumed has run or ctx is done.
func (c *Coordinator) waitResumed(ctx context.Context) {
	select {
	case <-c.resumed:
	case <-ctx.Done():
	}
}

// UserID returns the user this coordinator belongs to.
func (c *Coordinator) UserID() string {
	return c.userID
}

// State returns a snapshot of the current state, or nil when no session is
// in progress.
func (c *Coordinator) State() *model.WorkflowState {
	c.touch()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// StartIdeation begins a session at the ideas stage. When a session is
// already in progress it returns that state unchanged and queues nothing.
func (c *Coordinator) StartIdeation(initialTopic string) (*model.WorkflowState, *Pending) {
	c.touch()
	c.mu.Lock()

	if c.state != nil {
		snap := c.state.Clone()
		c.mu.Unlock()
		c.logger.Debug("workflow: start ignored, session in progress",
			zap.String("session_id", snap.SessionID),
			zap.String("stage", string(snap.CurrentStage)),
		)
		return snap, resolvedPending(nil)
	}

	c.state = c.newState(model.StageIdeas)
	if initialTopic != "" {
		c.state.IdeationData = &model.IdeationData{Topic: initialTopic}
	}
	snap, p := c.commitLocked()
	c.mu.Unlock()

	c.recordTransition("", model.StageIdeas, snap.SessionID)
	return snap, p
}

// MoveToCreate enters the create stage with the given creation mode. An
// invalid mode returns INVALID_MODE and changes nothing. A non-nil data is
// copied into the state.
func (c *Coordinator) MoveToCreate(mode string, data *model.IdeationData) (*Pending, error) {
	m, err := model.ParseCreationMode(mode)
	if err != nil {
		return nil, err
	}
	return c.transition(model.StageCreate, func(s *model.WorkflowState) {
		s.CreationMode = m
		if data != nil {
			s.IdeationData = data.Clone()
		}
	}), nil
}

// MoveToImageStage enters the image stage.
func (c *Coordinator) MoveToImageStage() *Pending {
	return c.transition(model.StageImage, nil)
}

// MoveToPipelineStage enters the pipeline stage.
func (c *Coordinator) MoveToPipelineStage() *Pending {
	return c.transition(model.StagePipeline, nil)
}

// ClearProgress drops the session and queues a delete of the persisted
// record. Clearing with no session is allowed.
func (c *Coordinator) ClearProgress() *Pending {
	c.touch()
	c.mu.Lock()
	prev := c.state
	c.state = nil
	p := c.w.enqueue(opDelete, nil)
	c.mu.Unlock()

	if prev != nil {
		c.recordTransition(prev.CurrentStage, "", prev.SessionID)
	}
	return p
}

// ResumeOrNull loads the persisted session for the user. It returns nil when
// there is no record, when the record is malformed, or when the read fails.
// A valid record replaces the in-memory state.
func (c *Coordinator) ResumeOrNull(ctx context.Context) *model.WorkflowState {
	c.touch()

	// A write still in flight would make the read stale.
	if err := c.w.flush(ctx); err != nil {
		c.logger.Debug("workflow: flush before resume", zap.Error(err))
	}

	data, err := c.store.Load(ctx, c.userID)
	if err != nil {
		if !model.HasCode(err, model.ErrNotFound) {
			c.logger.Warn("workflow: resume read failed", zap.Error(err))
		}
		return nil
	}

	s, err := decodeState(data)
	if err != nil {
		c.logger.Warn("workflow: discarding malformed session record", zap.Error(err))
		return nil
	}
	if s.UserID == "" {
		s.UserID = c.userID
	}

	c.mu.Lock()
	c.state = s
	snap := s.Clone()
	c.mu.Unlock()

	c.logger.Info("workflow: session resumed",
		zap.String("session_id", snap.SessionID),
		zap.String("stage", string(snap.CurrentStage)),
	)
	return snap
}

// Flush waits until every queued write has finished.
func (c *Coordinator) Flush(ctx context.Context) error {
	return c.w.flush(ctx)
}

// Close flushes pending writes and rejects further ones.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.w.close(ctx)
}

// IdleSince returns when the coordinator was last used.
func (c *Coordinator) IdleSince() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

func (c *Coordinator) touch() {
	c.lastUsed.Store(c.opts.Now().UnixNano())
}

// transition moves to stage to, starting a session first if there is none.
func (c *Coordinator) transition(to model.Stage, mutate func(*model.WorkflowState)) *Pending {
	c.touch()
	c.mu.Lock()

	var from model.Stage
	if c.state == nil {
		c.state = c.newState(to)
	} else {
		from = c.state.CurrentStage
	}
	c.state.CurrentStage = to
	if mutate != nil {
		mutate(c.state)
	}
	snap, p := c.commitLocked()
	c.mu.Unlock()

	c.recordTransition(from, to, snap.SessionID)
	return p
}

func (c *Coordinator) newState(stage model.Stage) *model.WorkflowState {
	now := c.opts.Now()
	return &model.WorkflowState{
		UserID:       c.userID,
		SessionID:    c.opts.NewID(),
		CurrentStage: stage,
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// commitLocked stamps the state and queues its snapshot. Queuing under c.mu
// keeps write order equal to mutation order.
func (c *Coordinator) commitLocked() (*model.WorkflowState, *Pending) {
	c.state.UpdatedAt = c.opts.Now()
	snap := c.state.Clone()

	data, err := encodeState(snap)
	if err != nil {
		c.onPersistFailure(opSave, err)
		return snap, resolvedPending(err)
	}
	return snap, c.w.enqueue(opSave, data)
}

func (c *Coordinator) recordTransition(from, to model.Stage, sessionID string) {
	c.opts.Recorder.RecordWorkflowTransition(string(from), string(to))
	c.logger.Info("workflow: transition",
		zap.String("session_id", sessionID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}

func (c *Coordinator) onPersistFailure(op writeOp, err error) {
	c.opts.Recorder.RecordWorkflowPersistFailure(string(op))
	c.logger.Warn("workflow: persist failed",
		zap.String("operation", string(op)),
		zap.Error(err),
	)
}
