package fetch

import (
	"github.com/0XwX/stealth-fetch/internal/dialer"
	ihttp "github.com/0XwX/stealth-fetch/internal/http"
)

// Dialers are responsible for creating underlying streams that http
// requests could be written to and responses could be read from: a raw
// TCP connection for plain HTTP, a TLS session, or a multiplexed
// HTTP/2 stream.
//
// A Dialer MUST NOT hold active connection state of its own, so it can
// be swapped out from a [Client] without pain; shared state (the pool,
// the DNS cache, gateway health) lives on the [Engine].
type Dialer = ihttp.Dialer

// CoreDialer is the default implementation of the [Dialer] interface.
// It would be used by a zero value [Client].
type CoreDialer = dialer.CoreDialer

// Engine bundles the process-wide caches. Construct one per test for
// isolation; production code shares [dialer.DefaultEngine].
type Engine = dialer.Engine

// NewEngine builds an isolated cache set against the given DoH
// resolver; empty string selects the default resolver.
var NewEngine = dialer.NewEngine
