package h2c

import (
	"bytes"
	"io"
	"sync"
)

// bodyBuffer queues received DATA for the consumer. The advertised
// stream receive window bounds how far the peer can run ahead, so the
// buffer itself needs no cap.
type bodyBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
	err    error
}

func newBodyBuffer() *bodyBuffer {
	b := &bodyBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *bodyBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := b.buf.Write(p)
	b.cond.Broadcast()
	return n, nil
}

func (b *bodyBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.buf.Len() == 0 {
		if b.err != nil {
			return 0, b.err
		}
		if b.closed {
			return 0, io.EOF
		}
		b.cond.Wait()
	}
	return b.buf.Read(p)
}

// CloseWithError ends the stream. With nil, reads drain the buffered
// data and then see io.EOF; with a non-nil err, buffered data is
// discarded and the next read fails with err. First close wins.
func (b *bodyBuffer) CloseWithError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	if err != nil {
		// errors preempt whatever is still buffered
		b.buf.Reset()
	}
	b.cond.Broadcast()
}
