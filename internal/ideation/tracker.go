package ideation

import (
	"context"
	"sync"
)

// Tracker holds the cancel func of each in-flight wait, keyed by session
// id, so closing the conversational view stops its wait.
type Tracker struct {
	mu    sync.Mutex
	seq   uint64
	waits map[string]trackedWait
}

type trackedWait struct {
	id     uint64
	cancel context.CancelFunc
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{waits: make(map[string]trackedWait)}
}

// Track derives a cancellable context for a wait on sessionID. A previous
// wait on the same session is cancelled. The returned release must be
// called when the wait ends.
func (t *Tracker) Track(parent context.Context, sessionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	t.mu.Lock()
	t.seq++
	id := t.seq
	prev, had := t.waits[sessionID]
	t.waits[sessionID] = trackedWait{id: id, cancel: cancel}
	t.mu.Unlock()

	if had {
		prev.cancel()
	}

	release := func() {
		t.mu.Lock()
		if w, ok := t.waits[sessionID]; ok && w.id == id {
			delete(t.waits, sessionID)
		}
		t.mu.Unlock()
		cancel()
	}
	return ctx, release
}

// Cancel stops the wait on sessionID. It reports whether one was running.
func (t *Tracker) Cancel(sessionID string) bool {
	t.mu.Lock()
	w, ok := t.waits[sessionID]
	delete(t.waits, sessionID)
	t.mu.Unlock()

	if ok {
		w.cancel()
	}
	return ok
}

// CancelAll stops every tracked wait.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	waits := t.waits
	t.waits = make(map[string]trackedWait)
	t.mu.Unlock()

	for _, w := range waits {
		w.cancel()
	}
}

// Len returns the number of in-flight waits.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waits)
}
