package internal

import (
	"context"
	"io"

	"github.com/0XwX/stealth-fetch/internal/dialer"
	"github.com/0XwX/stealth-fetch/internal/http"
)

type PreparedRequest = http.PreparedRequest

type Handler = func(ctx context.Context, req *PreparedRequest) (*http.Response, error)
type Middleware func(next Handler) Handler

type Client struct {
	middlewares []Middleware
	dialer      http.Dialer
}

// Use appends mw to the end of the chain. The first "Use"d mw is the
// outermost and sees the request first; the last one wraps dispatch.
func (c *Client) Use(mws ...Middleware) {
	c.middlewares = append(c.middlewares, mws...)
}

// UseDialer swaps the connection layer, wrapping whatever was there.
func (c *Client) UseDialer(wrap func(http.Dialer) http.Dialer) {
	if c.dialer == nil {
		c.dialer = defaultCoreDialer()
	}
	c.dialer = wrap(c.dialer)
}

// UseCoreDialer configures a fresh CoreDialer and installs whatever
// the callback returns on top of it.
func (c *Client) UseCoreDialer(wrap func(*dialer.CoreDialer) http.Dialer) {
	c.dialer = wrap(defaultCoreDialer())
}

func defaultCoreDialer() *dialer.CoreDialer {
	return &dialer.CoreDialer{}
}

func (c *Client) dial(ctx context.Context, req *PreparedRequest) (io.ReadWriteCloser, error) {
	if c.dialer != nil {
		return c.dialer.Dial(ctx, req)
	}
	return defaultCoreDialer().Dial(ctx, req)
}

func (c *Client) coreDialer() *dialer.CoreDialer {
	d := c.dialer
	for d != nil {
		if cd, ok := d.(*dialer.CoreDialer); ok {
			return cd
		}
		d = d.Unwrap()
	}
	return defaultCoreDialer()
}

// CtxDo issues one request: validation, deadline composition, retry
// and redirect handling, strategy selection, response wrapping.
func (c *Client) CtxDo(ctx context.Context, req *http.Request) (*http.Response, error) {
	pr, err := req.Prepare()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	if pr.Opt != nil && pr.Opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, pr.Opt.Timeout, ErrTimeout)
		defer cancel()
	}

	next := c.dispatch
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		next = c.middlewares[i](next)
	}
	resp, err := next(ctx, pr)
	if err != nil && ctx.Err() != nil {
		// surface the composed deadline's cause (distinct timeout vs
		// the caller's own reason)
		return nil, context.Cause(ctx)
	}
	return resp, err
}
