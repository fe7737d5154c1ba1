package h2c

import (
	"context"
	"errors"
	"net"
	"sync"

	"golang.org/x/net/http2"

	"github.com/0XwX/stealth-fetch/internal/transport/h2c/controller"
	errs "github.com/0XwX/stealth-fetch/internal/transport/h2c/errors"
)

// Client-initiated stream ids are odd; crossing 2^31-1 exhausts the id
// space and retires the connection.
const maxStreamID = 1<<31 - 1

var (
	ErrStreamIDExhausted = errors.New("h2: stream id space exhausted")
	ErrDraining          = errors.New("h2: connection is draining after GOAWAY")
	ErrNoStreamCapacity  = errors.New("h2: MAX_CONCURRENT_STREAMS reached")
)

func NewConn(c net.Conn) *Connection {
	ctrl := controller.NewController(c)
	conn := &Connection{
		Conn:              c,
		ctrl:              ctrl,
		activeStreams:     make(map[uint32]*Stream),
		lastStreamID:      ^uint32(0), // step up by 2 lands on 1
		peerInitialWindow: 65535,
	}
	ctrl.OnHeader(func(frame *http2.MetaHeadersFrame) {
		conn.withStream(frame.Header().StreamID, func(active *Stream) {
			active.deliverHeaders(frame)
		})
	})
	ctrl.OnData(func(frame *http2.DataFrame) {
		conn.withStream(frame.Header().StreamID, func(active *Stream) {
			active.deliverData(frame)
		})
	})
	ctrl.OnStreamReset(func(frame *http2.RSTStreamFrame) {
		conn.withStream(frame.Header().StreamID, func(active *Stream) {
			active.Reset(frame.ErrCode, true)
		})
	})
	ctrl.OnStreamWindowUpdate = func(streamID, incr uint32) {
		if incr == 0 {
			_ = ctrl.WriteRSTStream(streamID, http2.ErrCodeProtocol)
			return
		}
		conn.withStream(streamID, func(active *Stream) {
			if err := active.sendWindow.Update(int64(incr)); err != nil {
				active.Reset(http2.ErrCodeFlowControl, false)
			}
		})
	}
	ctrl.OnRemoteGoAway(func(last uint32, code http2.ErrCode) {
		conn.muActive.Lock()
		conn.draining = true
		refused := make([]*Stream, 0)
		for id, stream := range conn.activeStreams {
			if id > last {
				refused = append(refused, stream)
			}
		}
		conn.muActive.Unlock()
		for _, stream := range refused {
			stream.Refuse()
		}
		conn.muActive.Lock()
		listeners := append([]func(uint32, http2.ErrCode){}, conn.goAwayListeners...)
		conn.muActive.Unlock()
		for _, cb := range listeners {
			cb(last, code)
		}
	})
	ctrl.OnPeerSetting(http2.SettingInitialWindowSize, func(value uint32) {
		conn.muActive.Lock()
		old := conn.peerInitialWindow
		conn.peerInitialWindow = int64(value)
		for _, stream := range conn.activeStreams {
			stream.sendWindow.Reset(int64(value), old)
		}
		conn.muActive.Unlock()
	})
	return conn
}

// Connection multiplexes client streams over one HTTP/2 connection.
// Frame-level state lives in the controller; this layer owns stream
// id assignment, routing, and lifecycle.
type Connection struct {
	net.Conn
	ctrl *controller.Controller

	muActive          sync.Mutex
	activeStreams     map[uint32]*Stream
	lastStreamID      uint32
	draining          bool
	exhausted         bool
	peerInitialWindow int64

	goAwayListeners []func(lastStreamID uint32, code http2.ErrCode)
}

// Handshake performs the preface and settings exchange. The connection
// is usable once it returns.
func (c *Connection) Handshake(ctx context.Context) error {
	return c.ctrl.Handshake(ctx)
}

// withStream routes a frame-loop event. Frames for unknown streams get
// RST_STREAM(STREAM_CLOSED) per the late-frame rule.
func (c *Connection) withStream(streamID uint32, f func(*Stream)) {
	c.muActive.Lock()
	active := c.activeStreams[streamID]
	c.muActive.Unlock()

	if !active.Valid() {
		_ = c.ctrl.WriteRSTStream(streamID, http2.ErrCodeStreamClosed)
		return
	}
	f(active)
}

// Stream opens a new client stream. Callers check the error rather
// than block: a full connection is a pool miss, not a queue.
func (c *Connection) Stream() (*Stream, error) {
	if err := c.ctrl.Valid(); err != nil {
		return nil, err
	}
	c.muActive.Lock()
	defer c.muActive.Unlock()
	if c.draining {
		return nil, ErrDraining
	}
	if c.exhausted || c.lastStreamID+2 > maxStreamID {
		c.exhausted = true
		return nil, ErrStreamIDExhausted
	}
	if len(c.activeStreams) >= int(c.ctrl.GetPeerSetting(http2.SettingMaxConcurrentStreams)) {
		return nil, ErrNoStreamCapacity
	}
	c.lastStreamID += 2
	s := &Stream{
		Connection: c,
		streamID:   c.lastStreamID,
		sendWindow: controller.NewWindow(c.peerInitialWindow),
		respCh:     make(chan *metaHead, 1),
		body:       newBodyBuffer(),
		done:       make(chan struct{}),
	}
	c.activeStreams[s.streamID] = s
	return s, nil
}

func (c *Connection) releaseStream(s *Stream) {
	c.muActive.Lock()
	delete(c.activeStreams, s.streamID)
	c.muActive.Unlock()
}

// HasCapacity reports whether another stream could start now: the
// connection is alive, not draining, below MAX_CONCURRENT_STREAMS,
// and has stream ids left. Advisory; a racing GOAWAY can still win.
func (c *Connection) HasCapacity() bool {
	if c.ctrl.Valid() != nil {
		return false
	}
	c.muActive.Lock()
	defer c.muActive.Unlock()
	return !c.draining && !c.exhausted &&
		c.lastStreamID+2 <= maxStreamID &&
		len(c.activeStreams) < int(c.ctrl.GetPeerSetting(http2.SettingMaxConcurrentStreams))
}

// Valid returns an error once the connection is unusable for new work.
func (c *Connection) Valid() error {
	if err := c.ctrl.Valid(); err != nil {
		return err
	}
	c.muActive.Lock()
	defer c.muActive.Unlock()
	if c.draining {
		return ErrDraining
	}
	return nil
}

// OnGoAway registers a listener for the remote GOAWAY event. The pool
// registers exactly one per connection.
func (c *Connection) OnGoAway(cb func(lastStreamID uint32, code http2.ErrCode)) {
	c.muActive.Lock()
	c.goAwayListeners = append(c.goAwayListeners, cb)
	c.muActive.Unlock()
}

// Ping round-trips a liveness probe.
func (c *Connection) Ping(ctx context.Context) error {
	return c.ctrl.Ping(ctx)
}

// Close shuts the connection down gracefully: GOAWAY(NO_ERROR) with
// the highest initiated stream id, then every open stream fails with
// CANCEL and the socket closes.
func (c *Connection) Close() error {
	c.muActive.Lock()
	last := c.lastStreamID
	if last == ^uint32(0) {
		last = 0
	}
	streams := make([]*Stream, 0, len(c.activeStreams))
	for _, s := range c.activeStreams {
		streams = append(streams, s)
	}
	c.draining = true
	c.muActive.Unlock()

	err := c.ctrl.GoAway(last, http2.ErrCodeNo)
	for _, s := range streams {
		reason := errs.ErrStreamResetLocal(s.streamID, http2.ErrCodeCancel)
		s.sendWindow.Cancel(reason)
		s.body.CloseWithError(reason)
		s.CloseWithError(reason)
	}
	if err == controller.ErrMultipleGoAway {
		// a remote GOAWAY ended the connection without closing the socket
		_ = c.Conn.Close()
		return nil
	}
	return err
}

// Done closes when the underlying connection dies.
func (c *Connection) Done() <-chan struct{} { return c.ctrl.Done() }
