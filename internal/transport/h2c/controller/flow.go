package controller

import (
	"context"
	"errors"
	"sync"
)

// RFC 9113 6.9.1: values above 2^31-1 are a flow-control error.
const MaxWindow = 1<<31 - 1

var (
	ErrWindowOverflow = errors.New("h2: flow-control window update overflows 2^31-1")
	ErrWindowClosed   = errors.New("h2: flow-control window cancelled")
)

type flowWaiter struct {
	n     int64
	grant chan error
}

// Window is a send-direction flow-control account. Consumers block in
// strict FIFO order: a later, smaller request never jumps an earlier,
// larger one even when it would fit the current balance.
type Window struct {
	mu        sync.Mutex
	available int64
	waiters   []*flowWaiter
	cancelErr error
}

func NewWindow(n int64) *Window {
	return &Window{available: n}
}

func (w *Window) Available() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available
}

// Consume debits n once the balance covers it, queueing behind every
// earlier waiter. n <= 0 returns immediately.
func (w *Window) Consume(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	w.mu.Lock()
	if w.cancelErr != nil {
		w.mu.Unlock()
		return w.cancelErr
	}
	if len(w.waiters) == 0 && w.available >= n {
		w.available -= n
		w.mu.Unlock()
		return nil
	}
	waiter := &flowWaiter{n: n, grant: make(chan error, 1)}
	w.waiters = append(w.waiters, waiter)
	w.mu.Unlock()

	select {
	case err := <-waiter.grant:
		return err
	case <-ctx.Done():
		w.remove(waiter)
		select {
		case err := <-waiter.grant:
			// granted concurrently with cancellation; the debit stands
			return err
		default:
		}
		return context.Cause(ctx)
	}
}

func (w *Window) remove(waiter *flowWaiter) {
	w.mu.Lock()
	for i, q := range w.waiters {
		if q == waiter {
			w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
			break
		}
	}
	w.mu.Unlock()
}

// Update credits the window and drains waiters from the head while they
// fit. Crossing 2^31-1 is a hard error left to the caller to escalate.
func (w *Window) Update(inc int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelErr != nil {
		return nil
	}
	if w.available+inc > MaxWindow {
		return ErrWindowOverflow
	}
	w.available += inc
	w.drainLocked()
	return nil
}

// Reset shifts the balance when the peer changes its initial window
// size mid-connection. Waiters drain only on a positive delta.
func (w *Window) Reset(newInit, oldInit int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelErr != nil {
		return
	}
	delta := newInit - oldInit
	w.available += delta
	if delta > 0 {
		w.drainLocked()
	}
}

func (w *Window) drainLocked() {
	for len(w.waiters) > 0 {
		head := w.waiters[0]
		if w.available < head.n {
			return
		}
		w.available -= head.n
		w.waiters = w.waiters[1:]
		head.grant <- nil
	}
}

// Cancel is sticky: it rejects every queued waiter and all future
// consumers with reason.
func (w *Window) Cancel(reason error) {
	if reason == nil {
		reason = ErrWindowClosed
	}
	w.mu.Lock()
	if w.cancelErr != nil {
		w.mu.Unlock()
		return
	}
	w.cancelErr = reason
	waiters := w.waiters
	w.waiters = nil
	w.mu.Unlock()
	for _, q := range waiters {
		q.grant <- reason
	}
}
