package h2c

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/0XwX/stealth-fetch/internal/transport/h2c/controller"
	errs "github.com/0XwX/stealth-fetch/internal/transport/h2c/errors"
)

type streamState int32

const (
	stateIdle streamState = iota
	stateOpen
	stateHalfClosedLocal
	stateHalfClosedRemote
	stateClosed
)

// Stream is one client-initiated HTTP/2 exchange. It owns its send
// window and a response-headers future; received DATA queues into the
// body buffer for pull-style consumption.
type Stream struct {
	Connection *Connection
	streamID   uint32

	sendWindow *controller.Window

	muState sync.Mutex
	state   streamState

	respCh      chan *metaHead
	respSettled bool

	body *bodyBuffer

	// receive-window accounting for the half-window update strategy
	recvConsumed int64

	bodyTimeout time.Duration
	muTimer     sync.Mutex
	idleTimer   *time.Timer

	rstOnce    sync.Once
	doneOnce   sync.Once
	doneReason error
	done       chan struct{} // either us or them ended the stream
}

func (s *Stream) ID() uint32 { return s.streamID }

// Read and Write exist so a Stream travels as an io.ReadWriteCloser
// between the dialer and the transport; the transport drives frames
// through the typed API instead.
func (s *Stream) Read(b []byte) (int, error)  { return 0, errors.ErrUnsupported }
func (s *Stream) Write(b []byte) (int, error) { return 0, errors.ErrUnsupported }

// Close releases the stream. An exchange cut short resets with CANCEL;
// a stream that never went on the wire just evaporates.
func (s *Stream) Close() error {
	s.muState.Lock()
	state := s.state
	s.muState.Unlock()
	switch state {
	case stateIdle:
		s.stopIdleTimer()
		s.CloseWithError(nil)
	case stateClosed:
		s.CloseWithError(nil)
	default:
		s.Reset(http2.ErrCodeCancel, false)
	}
	return nil
}

func (s *Stream) Valid() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// SetBodyTimeout arms the idle timer policy: it starts once response
// headers arrive and re-arms on every DATA frame.
func (s *Stream) SetBodyTimeout(d time.Duration) {
	s.bodyTimeout = d
}

func (s *Stream) setState(to streamState) {
	s.muState.Lock()
	s.state = to
	s.muState.Unlock()
}

func (s *Stream) localClosed() {
	s.muState.Lock()
	switch s.state {
	case stateOpen:
		s.state = stateHalfClosedLocal
	case stateHalfClosedRemote:
		s.state = stateClosed
	}
	s.muState.Unlock()
}

func (s *Stream) remoteClosed() {
	s.muState.Lock()
	switch s.state {
	case stateOpen:
		s.state = stateHalfClosedRemote
	case stateHalfClosedLocal:
		s.state = stateClosed
	}
	s.muState.Unlock()
}

// WriteRequestHeaders encodes and writes the HEADERS frame with its
// CONTINUATION chain as one atomic sequence.
func (s *Stream) WriteRequestHeaders(ctx context.Context, enumHeaders func(func(k, v string)), last bool) error {
	if err := ctx.Err(); err != nil {
		return errs.ErrStreamCancelled(s.streamID).Wrap(context.Cause(ctx))
	}
	ctrl := s.Connection.ctrl
	block, err := ctrl.EncodeHeaders(enumHeaders)
	if err != nil {
		return err
	}
	s.setState(stateOpen)
	maxFrag := int(ctrl.GetPeerSetting(http2.SettingMaxFrameSize))
	if err := ctrl.WriteHeaderBlock(s.streamID, block, last, maxFrag); err != nil {
		return errs.ErrFramerWrite(s.streamID).Wrap(err)
	}
	if last {
		s.localClosed()
	}
	return nil
}

// WriteRequestBody streams the request body as DATA frames under both
// the stream and the connection send windows, ending the stream with
// the final frame.
func (s *Stream) WriteRequestBody(ctx context.Context, data io.Reader, size int64, last bool) error {
	ctrl := s.Connection.ctrl
	maxFrame := int(ctrl.GetPeerSetting(http2.SettingMaxFrameSize))
	bufSz := maxFrame
	if size >= 0 && size < int64(bufSz) {
		bufSz = int(size)
	}
	if bufSz == 0 {
		bufSz = 1
	}
	chunk := make([]byte, bufSz)
	var read int64
	for {
		select {
		case <-ctx.Done():
			return errs.ErrStreamCancelled(s.streamID).Wrap(context.Cause(ctx))
		case <-s.done:
			return s.doneReason
		default:
		}
		n, rdErr := data.Read(chunk)
		read += int64(n)
		if size >= 0 && read > size {
			return errs.ErrReqBodyTooLong(s.streamID)
		}
		sawEOF := rdErr == io.EOF
		if rdErr != nil && !sawEOF {
			return errs.ErrReqBodyRead(s.streamID).Wrap(rdErr)
		}
		if n > 0 {
			if err := s.sendWindow.Consume(ctx, int64(n)); err != nil {
				return errs.ErrStreamCancelled(s.streamID).Wrap(err)
			}
			if err := ctrl.ConnWindow().Consume(ctx, int64(n)); err != nil {
				return errs.ErrStreamCancelled(s.streamID).Wrap(err)
			}
		}
		endStream := last && sawEOF
		if n > 0 || endStream {
			if err := ctrl.WriteData(s.streamID, endStream, chunk[:n]); err != nil {
				return errs.ErrFramerWrite(s.streamID).Wrap(err)
			}
		}
		if sawEOF {
			if size >= 0 && read < size {
				return errs.ErrReqBodyRead(s.streamID).Wrap(io.ErrUnexpectedEOF)
			}
			if endStream {
				s.localClosed()
			}
			return nil
		}
	}
}

// WaitResponseHeaders blocks until the response head arrives. Interim
// (1xx) heads are consumed internally and never settle the future.
func (s *Stream) WaitResponseHeaders(ctx context.Context) (status int, fields []Field, err error) {
	select {
	case <-ctx.Done():
		s.Reset(http2.ErrCodeCancel, false)
		return 0, nil, errs.ErrStreamCancelled(s.streamID).Wrap(context.Cause(ctx))
	case <-s.done:
		// the head may have settled in the same instant the stream
		// finished (HEADERS with END_STREAM)
		select {
		case headers := <-s.respCh:
			return headers.status, headers.fields, nil
		default:
		}
		return 0, nil, s.doneReason
	case headers := <-s.respCh:
		return headers.status, headers.fields, nil
	}
}

// ResponseBody returns the pull stream for received DATA. Closing it
// before end of stream resets the stream with CANCEL.
func (s *Stream) ResponseBody() io.ReadCloser {
	return &streamBody{s}
}

type streamBody struct{ s *Stream }

func (b *streamBody) Read(p []byte) (int, error) {
	return b.s.body.Read(p)
}

func (b *streamBody) Close() error {
	b.s.muState.Lock()
	finished := b.s.state == stateClosed
	b.s.muState.Unlock()
	if !finished {
		b.s.Reset(http2.ErrCodeCancel, false)
	}
	b.s.CloseWithError(nil)
	return nil
}

// deliverHeaders runs on the connection's frame loop.
func (s *Stream) deliverHeaders(frame *http2.MetaHeadersFrame) {
	status := -1
	fields := make([]Field, 0, len(frame.Fields))
	for _, f := range frame.Fields {
		if f.Name == ":status" {
			if v, err := strconv.Atoi(f.Value); err == nil {
				status = v
			}
			continue
		}
		fields = append(fields, Field{f.Name, f.Value})
	}
	if status < 100 || status > 599 {
		s.Reset(http2.ErrCodeProtocol, false)
		s.failResponse(errs.ErrInvalidStatus(s.streamID))
		return
	}
	if status < 200 {
		// interim response; the real head follows on the same stream
		return
	}
	if !s.respSettled {
		s.respSettled = true
		s.respCh <- &metaHead{status, fields}
		s.armIdleTimer()
	}
	if frame.StreamEnded() {
		s.remoteClosed()
		s.stopIdleTimer()
		s.body.CloseWithError(nil)
		s.CloseWithError(nil)
	}
}

// deliverData runs on the connection's frame loop.
func (s *Stream) deliverData(frame *http2.DataFrame) {
	data := frame.Data()
	if len(data) > 0 {
		s.body.Write(data)
		s.resetIdleTimer()
	}
	ended := frame.StreamEnded()
	s.noteDataReceived(len(data), ended)
	if ended {
		s.remoteClosed()
		s.stopIdleTimer()
		s.body.CloseWithError(nil)
		s.CloseWithError(nil)
	}
}

// noteDataReceived mirrors the connection-level half-window strategy
// at stream scope. The final frame of a stream never triggers an
// update, the window dies with the stream anyway.
func (s *Stream) noteDataReceived(n int, endStream bool) {
	s.recvConsumed += int64(n)
	if endStream || s.recvConsumed < controller.SelfInitialWindowSize/2 {
		return
	}
	upd := s.recvConsumed
	s.recvConsumed = 0
	_ = s.Connection.ctrl.WriteWindowUpdate(s.streamID, uint32(upd))
}

func (s *Stream) armIdleTimer() {
	if s.bodyTimeout <= 0 {
		return
	}
	s.muTimer.Lock()
	s.idleTimer = time.AfterFunc(s.bodyTimeout, s.idleTimeout)
	s.muTimer.Unlock()
}

func (s *Stream) resetIdleTimer() {
	if s.bodyTimeout <= 0 {
		return
	}
	s.muTimer.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.bodyTimeout)
	}
	s.muTimer.Unlock()
}

func (s *Stream) stopIdleTimer() {
	s.muTimer.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.muTimer.Unlock()
}

func (s *Stream) idleTimeout() {
	reason := errs.ErrBodyIdleTimeout(s.streamID)
	s.rstOnce.Do(func() {
		_ = s.Connection.ctrl.WriteRSTStream(s.streamID, http2.ErrCodeCancel)
	})
	s.body.CloseWithError(reason)
	s.CloseWithError(reason)
}

func (s *Stream) failResponse(reason error) {
	s.body.CloseWithError(reason)
	s.CloseWithError(reason)
}

// Reset ends the stream with code. isReceived distinguishes a peer
// RST_STREAM from a locally decided one, which must go on the wire.
func (s *Stream) Reset(code http2.ErrCode, isReceived bool) (err error) {
	s.rstOnce.Do(func() {
		s.setState(stateClosed)
		s.stopIdleTimer()
		if !isReceived {
			err = s.Connection.ctrl.WriteRSTStream(s.streamID, code)
			reason := errs.ErrStreamResetLocal(s.streamID, code)
			s.sendWindow.Cancel(reason)
			s.body.CloseWithError(reason)
			s.CloseWithError(reason)
		} else {
			reason := errs.ErrStreamResetRemote(s.streamID, code)
			s.sendWindow.Cancel(reason)
			s.body.CloseWithError(reason)
			s.CloseWithError(reason)
		}
	})
	return err
}

// Refuse marks the stream dead without an RST on the wire, for ids the
// peer's GOAWAY promised never to process.
func (s *Stream) Refuse() {
	s.rstOnce.Do(func() {
		s.setState(stateClosed)
		s.stopIdleTimer()
		reason := errs.ErrStreamRefused(s.streamID)
		s.sendWindow.Cancel(reason)
		s.body.CloseWithError(reason)
		s.CloseWithError(reason)
	})
}

func (s *Stream) CloseWithError(err error) error {
	s.doneOnce.Do(func() {
		s.doneReason = err
		if err == nil {
			s.doneReason = errs.ErrConnClosed(s.streamID)
		}
		s.setState(stateClosed)
		close(s.done)
		s.Connection.releaseStream(s)
	})
	return nil
}

// metaHead is the settled response future payload.
type metaHead struct {
	status int
	fields []Field
}

// Field is one decoded response header line, pseudo-headers excluded.
type Field struct {
	Name, Value string
}
