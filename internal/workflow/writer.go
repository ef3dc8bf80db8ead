package workflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

const defaultPersistTimeout = 5 * time.Second

// ErrSessionClosed is returned for writes queued after a coordinator closed.
var ErrSessionClosed = errors.New("workflow: session closed")

// Pending is the outcome of a queued persistence write. Callers may wait on
// it or drop it.
type Pending struct {
	done chan struct{}
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func resolvedPending(err error) *Pending {
	p := newPending()
	p.resolve(err)
	return p
}

func (p *Pending) resolve(err error) {
	p.err = err
	close(p.done)
}

// Done is closed once the write (or the write that superseded it) finished.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the write error once Done is closed, nil before.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the write finishes or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type writeOp string

const (
	opSave   writeOp = "save"
	opDelete writeOp = "delete"
)

type write struct {
	op      writeOp
	data    []byte
	waiters []*Pending
}

// writer serializes the persistence writes of one session. At most one write
// is in flight. A write queued while another runs replaces any write still
// waiting, and the replaced write's waiters get the newer write's result.
type writer struct {
	store   StateStore
	userID  string
	timeout time.Duration
	onFail  func(op writeOp, err error)

	mu      sync.Mutex
	queued  *write
	running bool
	closed  bool
	last    *Pending
}

func newWriter(store StateStore, userID string, timeout time.Duration, onFail func(writeOp, error)) *writer {
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	return &writer{
		store:   store,
		userID:  userID,
		timeout: timeout,
		onFail:  onFail,
	}
}

func (w *writer) enqueue(op writeOp, data []byte) *Pending {
	p := newPending()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		p.resolve(ErrSessionClosed)
		return p
	}

	next := &write{op: op, data: data, waiters: []*Pending{p}}
	if w.queued != nil {
		next.waiters = append(w.queued.waiters, p)
	}
	w.queued = next
	w.last = p

	if !w.running {
		w.running = true
		go w.drain()
	}
	return p
}

func (w *writer) drain() {
	for {
		w.mu.Lock()
		next := w.queued
		w.queued = nil
		if next == nil {
			w.running = false
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		err := w.apply(next)
		if err != nil && w.onFail != nil {
			w.onFail(next.op, err)
		}
		for _, p := range next.waiters {
			p.resolve(err)
		}
	}
}

func (w *writer) apply(wr *write) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if wr.op == opDelete {
		return w.store.Delete(ctx, w.userID)
	}
	return w.store.Save(ctx, w.userID, wr.data)
}

// flush waits for the most recently queued write. It returns that write's
// error, or ctx.Err() if ctx ends first.
func (w *writer) flush(ctx context.Context) error {
	w.mu.Lock()
	last := w.last
	w.mu.Unlock()

	if last == nil {
		return nil
	}
	return last.Wait(ctx)
}

func (w *writer) close(ctx context.Context) error {
	err := w.flush(ctx)

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	return err
}
