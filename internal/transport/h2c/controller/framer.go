package controller

import (
	"bufio"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// framerMixin serializes frame writes and coalesces them: each write
// lands in the buffered writer and pokes the flusher, so frames
// submitted close together leave in one network write. Multi-frame
// sequences that must not interleave (HEADERS + CONTINUATION) are
// written and flushed under one mutex hold.
type framerMixin struct {
	muWrite sync.Mutex
	wbuf    *bufio.Writer
	framer  *http2.Framer

	flushCh chan struct{}
}

func (f *framerMixin) init(c *Controller) {
	f.wbuf = bufio.NewWriterSize(c.Conn, 32<<10)
	framer := http2.NewFramer(f.wbuf, c.Conn)
	framer.SetMaxReadFrameSize(SelfMaxFrameSize)
	framer.ReadMetaHeaders = hpack.NewDecoder(SelfHeaderTableSize, nil)
	framer.MaxHeaderListSize = SelfMaxHeaderListSize
	f.framer = framer
	f.flushCh = make(chan struct{}, 1)
	go f.flusher(c)
}

func (f *framerMixin) flusher(c *Controller) {
	for {
		select {
		case <-f.flushCh:
			f.muWrite.Lock()
			err := f.wbuf.Flush()
			f.muWrite.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (f *framerMixin) scheduleFlush() {
	select {
	case f.flushCh <- struct{}{}:
	default:
	}
}

// Flush forces out anything buffered, synchronously.
func (f *framerMixin) Flush() error {
	f.muWrite.Lock()
	err := f.wbuf.Flush()
	f.muWrite.Unlock()
	return err
}

func (f *framerMixin) WriteSettings(settings ...http2.Setting) error {
	f.muWrite.Lock()
	err := f.framer.WriteSettings(settings...)
	f.muWrite.Unlock()
	f.scheduleFlush()
	return err
}

func (f *framerMixin) WriteSettingsAck() error {
	f.muWrite.Lock()
	err := f.framer.WriteSettingsAck()
	f.muWrite.Unlock()
	f.scheduleFlush()
	return err
}

// WriteHeaderBlock writes HEADERS and its CONTINUATION chain as one
// atomic sequence in a single network write. No frame from any other
// stream can interleave.
func (f *framerMixin) WriteHeaderBlock(streamID uint32, block []byte, endStream bool, maxFrag int) error {
	f.muWrite.Lock()
	defer f.muWrite.Unlock()
	first := true
	for first || len(block) > 0 {
		frag := block
		if len(frag) > maxFrag {
			frag = frag[:maxFrag]
		}
		block = block[len(frag):]
		end := len(block) == 0
		var err error
		if first {
			err = f.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: frag,
				EndStream:     endStream,
				EndHeaders:    end,
			})
			first = false
		} else {
			err = f.framer.WriteContinuation(streamID, end, frag)
		}
		if err != nil {
			return err
		}
	}
	return f.wbuf.Flush()
}

func (f *framerMixin) WriteData(streamID uint32, endStream bool, data []byte) error {
	f.muWrite.Lock()
	err := f.framer.WriteData(streamID, endStream, data)
	f.muWrite.Unlock()
	f.scheduleFlush()
	return err
}

func (f *framerMixin) WritePing(ack bool, data [8]byte) error {
	f.muWrite.Lock()
	err := f.framer.WritePing(ack, data)
	f.muWrite.Unlock()
	f.scheduleFlush()
	return err
}

func (f *framerMixin) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	f.muWrite.Lock()
	err := f.framer.WriteRSTStream(streamID, code)
	f.muWrite.Unlock()
	f.scheduleFlush()
	return err
}

func (f *framerMixin) WriteGoAway(maxStreamID uint32, code http2.ErrCode, debugData []byte) error {
	f.muWrite.Lock()
	err := f.framer.WriteGoAway(maxStreamID, code, debugData)
	if ferr := f.wbuf.Flush(); err == nil {
		err = ferr
	}
	f.muWrite.Unlock()
	return err
}

func (f *framerMixin) WriteWindowUpdate(streamID, incr uint32) error {
	f.muWrite.Lock()
	err := f.framer.WriteWindowUpdate(streamID, incr)
	f.muWrite.Unlock()
	f.scheduleFlush()
	return err
}
