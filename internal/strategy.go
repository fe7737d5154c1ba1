package internal

import (
	"context"
	"errors"
	nethttp "net/http"
	"time"

	"go.uber.org/zap"

	"github.com/0XwX/stealth-fetch/internal/dialer"
	"github.com/0XwX/stealth-fetch/internal/http"
	"github.com/0XwX/stealth-fetch/internal/log"
	"github.com/0XwX/stealth-fetch/internal/transport"
	"github.com/0XwX/stealth-fetch/internal/transport/h2c"
)

const (
	// hedgeDelay staggers the second NAT64 candidate behind the first.
	hedgeDelay = 200 * time.Millisecond
	// nat64ConnectGuard bounds each candidate's connection phase.
	nat64ConnectGuard = time.Second
	// nat64TopK candidates are considered per request.
	nat64TopK = 3
)

// attempt runs one request attempt with strategy-level routing: CDN
// targets go straight to NAT64, direct failures that look like the
// sandbox blocking the connect fall through to NAT64, and each
// strategy has its own TLS fallback.
func (c *Client) attempt(ctx context.Context, pr *PreparedRequest) (*http.Response, error) {
	if pr.U.Scheme != "https" {
		return c.attemptOnce(ctx, pr, 0)
	}
	engine := c.coreDialer().Engine
	if engine == nil {
		engine = dialer.DefaultEngine
	}
	entry, _ := engine.Detect(ctx, pr.HeaderHost)
	if entry != nil && entry.IsCDN && entry.IPv4 != nil {
		// the sandbox refuses these ranges outright; skip the doomed
		// direct connect
		return c.nat64Attempt(ctx, pr, engine, entry)
	}

	resp, err := c.attemptOnce(ctx, pr, 0)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	fastH1 := pr.Opt != nil && pr.Opt.Strategy == http.StrategyFastH1
	switch {
	case IsSandboxBlocked(err) && pr.Replayable && entry != nil && entry.IPv4 != nil:
		return c.nat64Attempt(ctx, pr, engine, entry)
	case fastH1 && isFastH1Recoverable(err) && pr.Replayable:
		log.L().Debug("fast-h1 falling back to owned TLS", zap.Error(err))
		return c.attemptWith(ctx, pr, http.TLSOwned, 0)
	case !fastH1 && errors.Is(err, dialer.ErrNegotiationTimeout) && pr.Replayable:
		log.L().Debug("ALPN negotiation hung, retrying on platform TLS", zap.Error(err))
		return c.attemptWith(ctx, pr, http.TLSPlatform, 0)
	}
	return nil, err
}

func (c *Client) attemptWith(ctx context.Context, pr *PreparedRequest, mode http.TLSMode, dialGuard time.Duration) (*http.Response, error) {
	shadow := *pr
	shadow.TLSMode = mode
	return c.attemptOnce(ctx, &shadow, dialGuard)
}

// attemptOnce is dial + round trip + response wrapping, no routing.
func (c *Client) attemptOnce(ctx context.Context, pr *PreparedRequest, dialGuard time.Duration) (*http.Response, error) {
	dialCtx := ctx
	if dialGuard > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, dialGuard)
		defer cancel()
	}
	conn, err := c.dial(dialCtx, pr)
	if err != nil {
		return nil, err
	}

	actx := ctx
	if pr.Opt != nil && pr.Opt.HeadersTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeoutCause(ctx, pr.Opt.HeadersTimeout, ErrHeadersTimeout)
		defer cancel()
	}
	// blocking reads inside the codecs cannot watch the context
	// themselves; tearing the conn down unblocks them
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-actx.Done():
			conn.Close()
		case <-watchdogDone:
		}
	}()

	var tr transport.Transport
	_, isStream := conn.(*h2c.Stream)
	if isStream {
		tr = transport.H2{}
	} else {
		tr = transport.HTTP1{}
	}

	resp := &http.Response{}
	err = tr.RoundTrip(actx, conn, pr, resp)
	close(watchdogDone)
	if err != nil {
		conn.Close()
		if errors.Is(err, nethttp.ErrBodyReadAfterClose) {
			return nil, ErrBodyAlreadyLocked
		}
		if actx.Err() != nil {
			return nil, context.Cause(actx)
		}
		return nil, err
	}

	if !isStream && pr.Opt != nil && pr.Opt.BodyTimeout > 0 {
		// the h2 stream carries its own idle timer; h1 gets one here
		resp.Body = newIdleBody(resp.Body, pr.Opt.BodyTimeout, func() { conn.Close() })
	}
	http.GuardBody(resp, func(error) {
		// h1: the socket dies with the body (connection: close).
		// h2: closing the stream leaves the multiplexed connection in
		// the pool; dead connections unpool via their GOAWAY listener.
		conn.Close()
	})
	if pr.Opt.Decompress() {
		if derr := resp.Decompress(); derr != nil {
			resp.Body.Close()
			return nil, derr
		}
	}
	return resp, nil
}

// nat64Attempt reaches a blocked target through translation gateways:
// health-ranked candidates, a single attempt for one-shot bodies, serial
// for unsafe methods, hedged with a 200ms stagger otherwise.
func (c *Client) nat64Attempt(ctx context.Context, pr *PreparedRequest, engine *dialer.Engine, entry *dialer.DNSEntry) (*http.Response, error) {
	candidates := engine.Nat64Candidates(entry.IPv4, nat64TopK)
	if len(candidates) == 0 {
		return nil, &Nat64ExhaustedError{Candidates: 0, Last: errors.New("no usable prefixes")}
	}
	if !pr.Replayable || len(candidates) == 1 {
		resp, err := c.nat64Single(ctx, pr, engine, candidates[0])
		if err != nil {
			return nil, &Nat64ExhaustedError{Candidates: 1, Last: err}
		}
		return resp, nil
	}
	if !idempotent(pr.Method) {
		return c.nat64Serial(ctx, pr, engine, candidates)
	}
	return c.nat64Hedged(ctx, pr, engine, candidates)
}

func idempotent(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "PUT", "DELETE", "TRACE":
		return true
	}
	return false
}

// nat64Single runs one candidate attempt and feeds the health tracker,
// unless the attempt lost a hedge race, which says nothing about the
// gateway.
func (c *Client) nat64Single(ctx context.Context, pr *PreparedRequest, engine *dialer.Engine, cand dialer.Nat64Candidate) (*http.Response, error) {
	shadow := *pr
	shadow.ConnectHost = cand.Literal
	started := time.Now()
	resp, err := c.attemptOnce(ctx, &shadow, nat64ConnectGuard)
	elapsed := time.Since(started)
	if err != nil && errors.Is(context.Cause(ctx), errHedgeLoser) {
		return nil, err
	}
	engine.RecordNat64(cand.Prefix, err == nil, elapsed)
	return resp, err
}

func (c *Client) nat64Serial(ctx context.Context, pr *PreparedRequest, engine *dialer.Engine, candidates []dialer.Nat64Candidate) (*http.Response, error) {
	var lastErr error
	for _, cand := range candidates {
		resp, err := c.nat64Single(ctx, pr, engine, cand)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, &Nat64ExhaustedError{Candidates: len(candidates), Last: lastErr}
}

// nat64Hedged races the two best candidates with a stagger: start the
// first, launch the second after hedgeDelay, take whichever responds
// and cancel the other. Remaining candidates run serially only if both
// racers fail.
func (c *Client) nat64Hedged(ctx context.Context, pr *PreparedRequest, engine *dialer.Engine, candidates []dialer.Nat64Candidate) (*http.Response, error) {
	hctx, cancel := context.WithCancelCause(ctx)
	results := make(chan hedgeOutcome, 2)
	launch := func(cand dialer.Nat64Candidate) {
		go func() {
			resp, err := c.nat64Single(hctx, pr, engine, cand)
			results <- hedgeOutcome{resp, err}
		}()
	}

	launch(candidates[0])
	launched := 1
	finished := 0
	var lastErr error
	stagger := time.NewTimer(hedgeDelay)
	defer stagger.Stop()

	for finished < 2 {
		select {
		case <-stagger.C:
			if launched < 2 {
				launch(candidates[1])
				launched++
			}
		case res := <-results:
			finished++
			if res.err == nil {
				cancel(errHedgeLoser)
				go discardLoser(results, launched-finished)
				return res.resp, nil
			}
			lastErr = res.err
			if ctx.Err() != nil {
				cancel(nil)
				return nil, lastErr
			}
			if launched < 2 {
				// the first racer failed before the stagger fired;
				// bring the second in immediately
				launch(candidates[1])
				launched++
			}
		}
	}
	cancel(nil)

	if resp, err := c.nat64SerialTail(ctx, pr, engine, candidates[2:]); err == nil {
		return resp, nil
	} else if !errors.Is(err, errNoTailCandidates) {
		lastErr = err
	}
	return nil, &Nat64ExhaustedError{Candidates: len(candidates), Last: lastErr}
}

var errNoTailCandidates = errors.New("no remaining candidates")

func (c *Client) nat64SerialTail(ctx context.Context, pr *PreparedRequest, engine *dialer.Engine, candidates []dialer.Nat64Candidate) (*http.Response, error) {
	if len(candidates) == 0 {
		return nil, errNoTailCandidates
	}
	return c.nat64Serial(ctx, pr, engine, candidates)
}

type hedgeOutcome struct {
	resp *http.Response
	err  error
}

// discardLoser consumes outcomes still in flight after a hedge win and
// cancels any body they produced.
func discardLoser(results <-chan hedgeOutcome, pending int) {
	for i := 0; i < pending; i++ {
		res := <-results
		if res.resp != nil && res.resp.Body != nil {
			res.resp.Body.Close()
		}
	}
}
