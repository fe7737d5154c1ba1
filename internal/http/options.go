package http

import "time"

type RedirectPolicy int

const (
	RedirectFollow RedirectPolicy = iota
	RedirectManual
)

type Protocol int

const (
	ProtocolAuto Protocol = iota
	ProtocolH2
	ProtocolHTTP1
)

// TLSMode overrides which TLS stack a single attempt uses.
type TLSMode int

const (
	TLSAuto TLSMode = iota
	TLSPlatform
	TLSOwned
)

type Strategy int

const (
	// StrategyCompat negotiates h2/http1 per host and remembers the
	// outcome. The default.
	StrategyCompat Strategy = iota
	// StrategyFastH1 skips negotiation entirely and speaks HTTP/1.1,
	// using the platform TLS stack for non-CDN hosts.
	StrategyFastH1
)

type Options struct {
	// Timeout bounds the whole call, entry to response headers, across
	// every retry and redirect. Zero means unbounded.
	Timeout time.Duration
	// HeadersTimeout bounds a single attempt from request written to
	// response head received.
	HeadersTimeout time.Duration
	// BodyTimeout is an idle timer on the response body: it resets on
	// each received chunk and fails the body on expiry.
	BodyTimeout time.Duration

	Redirect     RedirectPolicy
	MaxRedirects int // 0 means the default of 5

	// Retry is nil for no retries.
	Retry *RetryOptions

	// DisableDecompress turns off transparent gzip/deflate decoding and
	// stops the engine from sending accept-encoding.
	DisableDecompress bool
	// CompressBody gzips replayable bodies larger than 1 KiB.
	CompressBody bool

	Protocol Protocol
	Strategy Strategy
}

type RetryOptions struct {
	Limit     int
	Methods   []string // defaults to GET, HEAD, OPTIONS, PUT, DELETE
	Statuses  []int    // defaults to 408, 413, 429, 500, 502, 503, 504
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

const (
	DefaultMaxRedirects   = 5
	DefaultRetryBaseDelay = 250 * time.Millisecond
	DefaultRetryMaxDelay  = 10 * time.Second
)

var DefaultRetryMethods = []string{"GET", "HEAD", "OPTIONS", "PUT", "DELETE"}
var DefaultRetryStatuses = []int{408, 413, 429, 500, 502, 503, 504}

func (o *Options) MaxRedirectCount() int {
	if o == nil || o.MaxRedirects == 0 {
		return DefaultMaxRedirects
	}
	return o.MaxRedirects
}

func (o *Options) Decompress() bool {
	return o == nil || !o.DisableDecompress
}

func (r *RetryOptions) RetryableMethod(method string) bool {
	methods := r.Methods
	if len(methods) == 0 {
		methods = DefaultRetryMethods
	}
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

func (r *RetryOptions) RetryableStatus(code int) bool {
	statuses := r.Statuses
	if len(statuses) == 0 {
		statuses = DefaultRetryStatuses
	}
	for _, s := range statuses {
		if s == code {
			return true
		}
	}
	return false
}

func (r *RetryOptions) Delays() (base, max time.Duration) {
	base, max = r.BaseDelay, r.MaxDelay
	if base == 0 {
		base = DefaultRetryBaseDelay
	}
	if max == 0 {
		max = DefaultRetryMaxDelay
	}
	return
}
