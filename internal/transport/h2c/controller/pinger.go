package controller

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"

	"golang.org/x/net/http2"
)

type pingMixin struct {
	pingFut map[uint64]chan struct{}
	muPing  sync.RWMutex
}

func (p *pingMixin) init(c *Controller) {
	p.pingFut = map[uint64]chan struct{}{}
	c.on[http2.FramePing] = func(frame http2.Frame) {
		pingFrame := frame.(*http2.PingFrame)
		if pingFrame.IsAck() {
			p.muPing.RLock()
			if v, ok := p.pingFut[binary.BigEndian.Uint64(pingFrame.Data[:])]; ok {
				select {
				case v <- struct{}{}:
				default:
				}
			}
			// else: the server acked an unknown ping packet
			p.muPing.RUnlock()
			return
		}
		if pingFrame.StreamID != 0 {
			c.GoAway(0, http2.ErrCodeProtocol)
			return
		}
		_ = c.WritePing(true, pingFrame.Data)
	}
}

// Ping round-trips an opaque probe. Try not to make connection state
// decisions based on the result; it exists for keepalive and prewarm
// verification.
func (c *Controller) Ping(ctx context.Context) error {
	data := rand.Uint64()
	var bdata [8]byte
	binary.BigEndian.PutUint64(bdata[:], data)
	res := make(chan struct{}, 1)
	c.muPing.Lock()
	c.pingFut[data] = res
	c.muPing.Unlock()
	defer func() {
		c.muPing.Lock()
		delete(c.pingFut, data)
		c.muPing.Unlock()
	}()

	if err := c.WritePing(false, bdata); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-c.done:
		if c.doneReason != nil {
			return c.doneReason
		}
		return errors.New("h2: connection closed during ping")
	case <-res:
		return nil
	}
}
