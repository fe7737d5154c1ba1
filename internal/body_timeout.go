package internal

import (
	"io"
	"sync/atomic"
	"time"
)

// ErrBodyTimeout fires when the response body sits idle past the
// configured window.
var ErrBodyTimeout = &TimeoutError{"response body idle timeout exceeded"}

// idleBody enforces the body-idle window on pull streams that cannot
// watch a context themselves: the timer re-arms on every productive
// read and tears the transport down on expiry.
type idleBody struct {
	body    io.ReadCloser
	timer   *time.Timer
	d       time.Duration
	expired atomic.Bool
}

func newIdleBody(body io.ReadCloser, d time.Duration, onExpire func()) io.ReadCloser {
	b := &idleBody{body: body, d: d}
	b.timer = time.AfterFunc(d, func() {
		b.expired.Store(true)
		onExpire()
	})
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if b.expired.Load() {
		if n > 0 {
			return n, nil
		}
		return 0, ErrBodyTimeout
	}
	if err == nil && n > 0 {
		b.timer.Reset(b.d)
	}
	if err != nil {
		b.timer.Stop()
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	return b.body.Close()
}
