// Package fetch is a client-side HTTPS engine for sandboxed hosts that
// expose only a raw TCP connect primitive. It speaks HTTP/1.1 and
// HTTP/2 over its own protocol stack, owns the TLS handshake end to
// end (so the host cannot rewrite headers or steer ALPN), and reaches
// targets the sandbox refuses to connect to by rewriting the connect
// address through public NAT64 translation gateways.
package fetch

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/0XwX/stealth-fetch/internal"
	idialer "github.com/0XwX/stealth-fetch/internal/dialer"
	ihttp "github.com/0XwX/stealth-fetch/internal/http"
	ilog "github.com/0XwX/stealth-fetch/internal/log"
)

type Header = http.Header

type Client = internal.Client
type Middleware = internal.Middleware
type Handler = internal.Handler

type Request = ihttp.Request
type PreparedRequest = ihttp.PreparedRequest
type Response = ihttp.Response
type Options = ihttp.Options
type RetryOptions = ihttp.RetryOptions

const (
	RedirectFollow = ihttp.RedirectFollow
	RedirectManual = ihttp.RedirectManual

	ProtocolAuto  = ihttp.ProtocolAuto
	ProtocolH2    = ihttp.ProtocolH2
	ProtocolHTTP1 = ihttp.ProtocolHTTP1

	StrategyCompat = ihttp.StrategyCompat
	StrategyFastH1 = ihttp.StrategyFastH1
)

var defaultClient = &Client{}

// Do issues a request through the shared default client.
func Do(ctx context.Context, req *Request) (*Response, error) {
	return defaultClient.CtxDo(ctx, req)
}

// Get is shorthand for a bodyless GET.
func Get(ctx context.Context, url string, opts *Options) (*Response, error) {
	return Do(ctx, &Request{Method: "GET", URL: url, Options: opts})
}

// Prewarm dials an origin ahead of use so the first real request skips
// DNS classification, the TCP+TLS round trips and, for h2 origins, the
// settings exchange.
func Prewarm(ctx context.Context, url string) error {
	return defaultClient.Prewarm(ctx, url)
}

// SetLogger installs a diagnostics logger engine-wide. Nil restores
// silence.
func SetLogger(l *zap.Logger) {
	ilog.Set(l)
}

// ClearPool drops every pooled connection on the default engine.
func ClearPool() {
	idialer.DefaultEngine.ClearPool()
}

// ClearDNSCache forgets every DNS classification entry.
func ClearDNSCache() {
	idialer.DefaultEngine.ClearDNSCache()
}

// ClearNat64PrefixStats resets gateway health to the untried state.
func ClearNat64PrefixStats() {
	idialer.DefaultEngine.ClearNat64PrefixStats()
}
