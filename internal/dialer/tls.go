package dialer

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	utls "github.com/refraction-networking/utls"
)

// ErrNegotiationTimeout marks an ALPN handshake that hit its guard
// before the peer finished. The dispatcher may fall back to a plain
// HTTP/1.1 attempt when the body permits a resend.
var ErrNegotiationTimeout = errors.New("tls: ALPN negotiation timed out")

var (
	ownedSessionCache    = utls.NewLRUClientSessionCache(256)
	platformSessionCache = tls.NewLRUClientSessionCache(256)
)

// handshakeOwned runs the handshake we fully control: our ClientHello
// shape, our ALPN list, SNI pinned to the logical hostname no matter
// what literal the socket was dialed to.
func (d *CoreDialer) handshakeOwned(ctx context.Context, conn net.Conn, serverName string, alpn []string) (net.Conn, string, error) {
	cfg := &utls.Config{
		ServerName:         serverName,
		NextProtos:         alpn,
		ClientSessionCache: ownedSessionCache,
	}
	if d.TLSConfig != nil {
		cfg.RootCAs = d.TLSConfig.RootCAs
		cfg.InsecureSkipVerify = d.TLSConfig.InsecureSkipVerify
	}
	helloID := d.HelloID
	if helloID.Client == "" {
		helloID = utls.HelloChrome_Auto
	}
	uc := utls.UClient(conn, cfg, helloID)
	if err := uc.HandshakeContext(ctx); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, "", errors.Join(ErrNegotiationTimeout, err)
		}
		return nil, "", err
	}
	return uc, uc.ConnectionState().NegotiatedProtocol, nil
}

// handshakePlatform is the stock TLS stack, HTTP/1.1 only. Used where
// the negotiated protocol is already known to be http/1.1 and on the
// fast-h1 path for unblocked hosts.
func (d *CoreDialer) handshakePlatform(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	cfg := d.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg.ServerName = serverName
	cfg.NextProtos = []string{alpnHTTP1}
	if cfg.ClientSessionCache == nil {
		cfg.ClientSessionCache = platformSessionCache
	}
	c := tls.Client(conn, cfg)
	if err := c.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}
