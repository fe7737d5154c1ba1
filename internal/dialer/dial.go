package dialer

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/0XwX/stealth-fetch/internal/http"
	"github.com/0XwX/stealth-fetch/internal/transport/h2c"
)

// alpnNegotiationGuard bounds the dual-protocol handshake used when no
// memo entry exists for the origin yet.
const alpnNegotiationGuard = 2 * time.Second

// Dial returns either a TLS/TCP byte stream (HTTP/1.1) or an
// [*h2c.Stream] (HTTP/2); the transport layer picks its codec by type.
func (d *CoreDialer) Dial(ctx context.Context, r *http.PreparedRequest) (io.ReadWriteCloser, error) {
	if r.U.Scheme == "http" {
		return DialTCP(ctx, r.Address())
	}
	if r.Opt != nil && r.Opt.Strategy == http.StrategyFastH1 {
		return d.dialFastH1(ctx, r)
	}
	return d.dialCompat(ctx, r)
}

func preferredALPN(r *http.PreparedRequest) string {
	if r.Opt == nil {
		return ""
	}
	switch r.Opt.Protocol {
	case http.ProtocolH2:
		return alpnH2
	case http.ProtocolHTTP1:
		return alpnHTTP1
	}
	return ""
}

func (d *CoreDialer) dialCompat(ctx context.Context, r *http.PreparedRequest) (io.ReadWriteCloser, error) {
	e := d.engine()
	host, port := r.HeaderHost, r.Port()
	key := poolKey{host, port, r.ConnectHost}

	if r.TLSMode == http.TLSPlatform {
		return d.dialPlatformH1(ctx, r)
	}

	proto := preferredALPN(r)
	if proto == "" && r.TLSMode != http.TLSOwned {
		if m, ok := e.memo.Get(host, port); ok {
			proto = m
		}
	}

	switch proto {
	case alpnH2:
		if s := d.pooledStream(key); s != nil {
			return s, nil
		}
		return d.dialOwned(ctx, r, key, []string{alpnH2})
	case alpnHTTP1:
		if r.ConnectHost != "" {
			// translated targets stay on the owned handshake; the
			// platform stack would resolve the literal its own way
			return d.dialOwned(ctx, r, key, []string{alpnHTTP1})
		}
		return d.dialPlatformH1(ctx, r)
	default:
		if s := d.pooledStream(key); s != nil {
			return s, nil
		}
		return d.dialOwnedGuarded(ctx, r, key, []string{alpnH2, alpnHTTP1})
	}
}

// dialFastH1 never negotiates h2: platform TLS for ordinary targets,
// the owned handshake for translated literals or when the dispatcher
// asks for it after a platform failure.
func (d *CoreDialer) dialFastH1(ctx context.Context, r *http.PreparedRequest) (io.ReadWriteCloser, error) {
	if r.ConnectHost != "" || r.TLSMode == http.TLSOwned {
		key := poolKey{r.HeaderHost, r.Port(), r.ConnectHost}
		return d.dialOwned(ctx, r, key, []string{alpnHTTP1})
	}
	return d.dialPlatformH1(ctx, r)
}

// pooledStream is advisory: a racing GOAWAY between the capacity check
// and stream creation turns into a pool miss, and the caller dials
// fresh exactly once.
func (d *CoreDialer) pooledStream(key poolKey) io.ReadWriteCloser {
	conn := d.engine().pool.Get(key)
	if conn == nil {
		return nil
	}
	s, err := conn.Stream()
	if err != nil {
		d.engine().pool.Remove(key, conn)
		return nil
	}
	return s
}

// dialOwnedGuarded applies the negotiation guard to the handshake
// only; TCP establishment keeps its own budget.
func (d *CoreDialer) dialOwnedGuarded(ctx context.Context, r *http.PreparedRequest, key poolKey, alpn []string) (io.ReadWriteCloser, error) {
	raw, err := DialTCP(ctx, r.Address())
	if err != nil {
		return nil, err
	}
	hctx, cancel := context.WithTimeout(ctx, alpnNegotiationGuard)
	defer cancel()
	return d.finishOwned(hctx, ctx, raw, r, key, alpn)
}

func (d *CoreDialer) dialOwned(ctx context.Context, r *http.PreparedRequest, key poolKey, alpn []string) (io.ReadWriteCloser, error) {
	raw, err := DialTCP(ctx, r.Address())
	if err != nil {
		return nil, err
	}
	return d.finishOwned(ctx, ctx, raw, r, key, alpn)
}

// finishOwned completes the owned handshake on hctx, then routes by
// the negotiated protocol; h2 setup continues under the caller's ctx.
func (d *CoreDialer) finishOwned(hctx, ctx context.Context, raw net.Conn, r *http.PreparedRequest, key poolKey, alpn []string) (io.ReadWriteCloser, error) {
	conn, negotiated, err := d.handshakeOwned(hctx, raw, r.HeaderHost, alpn)
	if err != nil {
		return nil, err
	}
	e := d.engine()
	if negotiated == "" {
		negotiated = alpnHTTP1
	}
	e.memo.Set(r.HeaderHost, r.Port(), negotiated)
	if negotiated != alpnH2 {
		return conn, nil
	}
	hc := h2c.NewConn(conn)
	if err := hc.Handshake(ctx); err != nil {
		return nil, err
	}
	e.pool.Put(key, hc)
	s, err := hc.Stream()
	if err != nil {
		e.pool.Remove(key, hc)
		hc.Close()
		return nil, err
	}
	return s, nil
}

func (d *CoreDialer) dialPlatformH1(ctx context.Context, r *http.PreparedRequest) (io.ReadWriteCloser, error) {
	raw, err := DialTCP(ctx, r.Address())
	if err != nil {
		return nil, err
	}
	return d.handshakePlatform(ctx, raw, r.HeaderHost)
}
