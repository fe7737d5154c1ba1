package dialer

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/0XwX/stealth-fetch/internal/http"
)

// connectGuard bounds TCP establishment regardless of the caller's
// deadline.
const connectGuard = 30 * time.Second

// DialTCP is the host connect primitive: one raw duplex byte stream
// per call. Swappable for tests and for embedders whose platform hands
// out sockets differently.
var DialTCP = func(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{Timeout: connectGuard}
	return d.DialContext(ctx, "tcp", address)
}

// Engine bundles the process-wide caches: DNS classification, the
// negotiated-protocol memo, the connection pool and NAT64 gateway
// health. Tests construct isolated instances; everything else shares
// DefaultEngine.
type Engine struct {
	dns         *dnsDetector
	memo        *protocolMemo
	pool        *connPool
	nat64       *prefixHealth
	prefixes    []string
	dohFailures atomic.Uint64
}

func NewEngine(resolverURL string) *Engine {
	if resolverURL == "" {
		resolverURL = DefaultResolverURL
	}
	return &Engine{
		dns:      newDNSDetector(resolverURL),
		memo:     newProtocolMemo(),
		pool:     newConnPool(),
		nat64:    newPrefixHealth(),
		prefixes: DefaultNAT64Prefixes,
	}
}

var DefaultEngine = NewEngine(DefaultResolverURL)

// Detect resolves host and classifies it against the blocked ranges.
func (e *Engine) Detect(ctx context.Context, host string) (*DNSEntry, error) {
	return e.dns.Detect(ctx, e, host)
}

// Nat64Candidate pairs a gateway prefix with the literal synthesized
// through it for one target address.
type Nat64Candidate struct {
	Prefix  string
	Literal string
}

// Nat64Candidates takes the top k prefixes after health re-ranking and
// synthesizes one connect literal per prefix.
func (e *Engine) Nat64Candidates(ip net.IP, k int) []Nat64Candidate {
	ranked := e.nat64.Rank(e.prefixes)
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]Nat64Candidate, 0, len(ranked))
	for _, p := range ranked {
		literal, err := SynthesizeNAT64(ip, p)
		if err != nil {
			continue
		}
		out = append(out, Nat64Candidate{Prefix: p, Literal: literal})
	}
	return out
}

// RecordNat64 feeds an attempt outcome into the health tracker.
func (e *Engine) RecordNat64(prefix string, ok bool, elapsed time.Duration) {
	e.nat64.Record(prefix, ok, float64(elapsed.Milliseconds()))
}

// DoHFailures counts resolver failures absorbed into negative cache
// entries.
func (e *Engine) DoHFailures() uint64 { return e.dohFailures.Load() }

func (e *Engine) ClearPool()             { e.pool.Clear() }
func (e *Engine) ClearDNSCache()         { e.dns.cache.Purge() }
func (e *Engine) ClearProtocolMemo()     { e.memo.Clear() }
func (e *Engine) ClearNat64PrefixStats() { e.nat64.Clear() }

// CoreDialer owns connection establishment: strategy-aware TLS with a
// controlled ALPN exchange, the multiplexed-connection pool, and the
// host TCP primitive underneath.
type CoreDialer struct {
	// TLSConfig seeds both TLS stacks; ServerName is always overridden
	// with the logical hostname.
	TLSConfig *tls.Config

	// HelloID selects the owned-handshake fingerprint. Zero value
	// parrots the latest Chrome.
	HelloID utls.ClientHelloID

	// Engine defaults to DefaultEngine.
	Engine *Engine
}

func (d *CoreDialer) Clone() *CoreDialer {
	return &CoreDialer{
		TLSConfig: d.TLSConfig.Clone(),
		HelloID:   d.HelloID,
		Engine:    d.Engine,
	}
}

func (d *CoreDialer) Unwrap() http.Dialer {
	return nil
}

func (d *CoreDialer) engine() *Engine {
	if d.Engine != nil {
		return d.Engine
	}
	return DefaultEngine
}
