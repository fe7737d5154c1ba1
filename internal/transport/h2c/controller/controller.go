package controller

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/0XwX/stealth-fetch/internal/log"
)

// settingsExchangeTimeout bounds how long a fresh connection may sit
// without the peer's SETTINGS and the ack of ours.
const settingsExchangeTimeout = 5 * time.Second

func NewController(c net.Conn) *Controller {
	conn := &Controller{
		Conn:             c,
		done:             make(chan struct{}),
		peerSettingsSeen: make(chan struct{}),
		selfSettingsAck:  make(chan struct{}),
	}
	conn.settingsMixin = newSettingsMixin(conn)
	conn.hpackMixin.init(conn)
	conn.framerMixin.init(conn)
	conn.pingMixin.init(conn)
	conn.connWindow = NewWindow(initialConnWindow)

	conn.on[http2.FrameGoAway] = func(f http2.Frame) {
		frame := f.(*http2.GoAwayFrame)
		conn.doneOnce.Do(func() {
			debug := frame.DebugData()
			reason := &ReasonGoAway{
				code:   frame.ErrCode,
				debug:  append([]byte(nil), debug...),
				remote: true,
				last:   frame.LastStreamID,
			}
			conn.doneReason = reason
			close(conn.done)
			conn.connWindow.Cancel(reason)
			log.L().Debug("h2 remote GOAWAY",
				zap.String("code", frame.ErrCode.String()),
				zap.Uint32("last_stream", frame.LastStreamID))
			if conn.onRemoteGoAway != nil {
				conn.onRemoteGoAway(frame.LastStreamID, frame.ErrCode)
			}
		})
	}
	conn.on[http2.FrameWindowUpdate] = func(f http2.Frame) {
		frame := f.(*http2.WindowUpdateFrame)
		if frame.StreamID != 0 {
			if conn.OnStreamWindowUpdate != nil {
				conn.OnStreamWindowUpdate(frame.StreamID, frame.Increment)
			}
			return
		}
		if err := conn.connWindow.Update(int64(frame.Increment)); err != nil {
			conn.GoAway(0, http2.ErrCodeFlowControl)
		}
	}
	conn.on[http2.FramePushPromise] = func(f http2.Frame) {
		// push is disabled in our SETTINGS; receiving one is a protocol
		// violation
		conn.GoAway(0, http2.ErrCodeProtocol)
	}
	return conn
}

// Controller implements *connection level* concerns for one HTTP/2
// connection: the preface and settings exchange, frame dispatch,
// connection flow control, ping/pong, GOAWAY state, and write
// coalescing. Stream bookkeeping lives above it in [h2c.Connection].
type Controller struct {
	net.Conn

	// closing instructs the consumer to stop; read and written atomically
	closing uint32

	done       chan struct{}
	doneOnce   sync.Once
	doneReason error

	peerSettingsSeen chan struct{}
	peerSeenOnce     sync.Once
	selfSettingsAck  chan struct{}
	selfAckOnce      sync.Once

	framerMixin
	hpackMixin
	pingMixin
	settingsMixin

	connWindow *Window

	muConsumed   sync.Mutex
	connConsumed int64

	on [20]func(http2.Frame) // frame types

	onRemoteGoAway       func(lastStreamID uint32, errCode http2.ErrCode)
	OnStreamWindowUpdate func(streamID, incr uint32)
}

// ConnWindow is the connection-level send window (stream id 0).
func (c *Controller) ConnWindow() *Window { return c.connWindow }

func (c *Controller) markPeerSettingsSeen() {
	c.peerSeenOnce.Do(func() { close(c.peerSettingsSeen) })
}

func (c *Controller) markSelfSettingsAcked() {
	c.selfAckOnce.Do(func() { close(c.selfSettingsAck) })
}

// Handshake writes the connection preface, our SETTINGS and the
// connection WINDOW_UPDATE as one network write, then waits until the
// peer's SETTINGS arrived and ours were acknowledged.
func (c *Controller) Handshake(ctx context.Context) error {
	c.muWrite.Lock()
	_, err := io.WriteString(c.wbuf, http2.ClientPreface)
	if err == nil {
		err = c.framer.WriteSettings(c.advertiseSelfSettings()...)
	}
	if err == nil {
		err = c.framer.WriteWindowUpdate(0, ConnReceiveWindow-initialConnWindow)
	}
	if err == nil {
		err = c.wbuf.Flush()
	}
	c.muWrite.Unlock()
	if err != nil {
		c.fail(err)
		return err
	}

	go c.consumer()

	timer := time.NewTimer(settingsExchangeTimeout)
	defer timer.Stop()
	for _, ready := range []chan struct{}{c.peerSettingsSeen, c.selfSettingsAck} {
		select {
		case <-ready:
		case <-timer.C:
			c.GoAway(0, http2.ErrCodeNo)
			c.fail(ErrSettingsTimeout)
			return ErrSettingsTimeout
		case <-ctx.Done():
			c.GoAway(0, http2.ErrCodeNo)
			return context.Cause(ctx)
		case <-c.done:
			return c.doneReason
		}
	}
	return nil
}

// GoAway actively sends GOAWAY to the remote peer and tears the
// connection down.
func (c *Controller) GoAway(lastStreamID uint32, code http2.ErrCode) (err error) {
	return c.GoAwayDebug(lastStreamID, code, nil)
}

func (c *Controller) GoAwayDebug(lastStreamID uint32, code http2.ErrCode, debug []byte) (err error) {
	err = ErrMultipleGoAway
	c.doneOnce.Do(func() {
		c.doneReason = &ReasonGoAway{code: code, debug: debug, remote: false, last: lastStreamID}
		close(c.done)
		err = c.WriteGoAway(lastStreamID, code, debug)
		c.connWindow.Cancel(c.doneReason)
		atomic.StoreUint32(&c.closing, 1)
		c.Conn.Close()
	})
	return
}

// fail records a terminal transport error without emitting GOAWAY.
func (c *Controller) fail(reason error) {
	c.doneOnce.Do(func() {
		c.doneReason = reason
		close(c.done)
		c.connWindow.Cancel(reason)
		atomic.StoreUint32(&c.closing, 1)
		c.Conn.Close()
	})
}

// Valid returns an error once the connection is no longer usable.
func (c *Controller) Valid() error {
	select {
	case <-c.done:
		if c.doneReason == nil {
			return ErrReasonNil
		}
		return c.doneReason
	default:
	}
	return nil
}

// Done closes when the connection dies; the reason is in Valid().
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) consumer() {
	for atomic.LoadUint32(&c.closing) == 0 {
		f, err := c.framer.ReadFrame()
		if err != nil {
			c.dispatchReadError(err)
			if atomic.LoadUint32(&c.closing) == 1 {
				return
			}
			if _, recoverable := err.(http2.StreamError); !recoverable {
				return
			}
			continue
		}
		if on := c.on[f.Header().Type]; on != nil {
			on(f)
		}
		// unknown or unhandled frame types are discarded
	}
}

// dispatchReadError maps parse failures to their wire reaction: stream
// errors reset the one stream, connection errors end everything with
// the matching GOAWAY code. Oversized header blocks are the one case
// that gets ENHANCE_YOUR_CALM, they are the classic flood shape.
func (c *Controller) dispatchReadError(err error) {
	switch e := err.(type) {
	case http2.StreamError:
		_ = c.WriteRSTStream(e.StreamID, e.Code)
	case http2.ConnectionError:
		code := http2.ErrCode(e)
		if code == http2.ErrCodeCompression {
			// HPACK state is unrecoverable once decode fails
			c.GoAway(0, http2.ErrCodeCompression)
		} else {
			c.GoAway(0, code)
		}
	default:
		if err == http2.ErrFrameTooLarge {
			c.GoAway(0, http2.ErrCodeFrameSize)
			return
		}
		c.fail(err)
	}
}

// noteDataReceived implements the half-window update strategy for the
// connection account: once the consumed counter crosses half the
// receive window, return the whole consumed amount to the peer at once.
func (c *Controller) noteDataReceived(n int) {
	if n == 0 {
		return
	}
	c.muConsumed.Lock()
	c.connConsumed += int64(n)
	if c.connConsumed < ConnReceiveWindow/2 {
		c.muConsumed.Unlock()
		return
	}
	upd := c.connConsumed
	c.connConsumed = 0
	c.muConsumed.Unlock()
	_ = c.WriteWindowUpdate(0, uint32(upd))
}

func (c *Controller) OnStreamReset(cb func(*http2.RSTStreamFrame)) {
	c.on[http2.FrameRSTStream] = func(f http2.Frame) {
		cb(f.(*http2.RSTStreamFrame))
	}
}

func (c *Controller) OnData(cb func(*http2.DataFrame)) {
	c.on[http2.FrameData] = func(f http2.Frame) {
		frame := f.(*http2.DataFrame)
		c.noteDataReceived(len(frame.Data()))
		cb(frame)
	}
}

func (c *Controller) OnHeader(cb func(*http2.MetaHeadersFrame)) {
	c.on[http2.FrameHeaders] = func(f http2.Frame) {
		mh, ok := f.(*http2.MetaHeadersFrame)
		if !ok {
			panic("unexpected frame, framer should return meta headers frame")
		}
		if mh.Truncated {
			// the aggregate header block outgrew our advertised bound;
			// treat the continuation flood as abuse and walk away
			c.GoAway(0, http2.ErrCodeEnhanceYourCalm)
			return
		}
		cb(mh)
	}
}

func (c *Controller) OnRemoteGoAway(cb func(lastStreamID uint32, errCode http2.ErrCode)) {
	c.onRemoteGoAway = cb
}
