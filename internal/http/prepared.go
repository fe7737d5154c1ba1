package http

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/idna"
)

type PreparedRequest struct {
	*Request

	U       *url.URL
	GetBody func() (io.ReadCloser, error)
	Header  http.Header // normalized: lowercase names, engine headers stripped

	// HeaderHost is the authority used for Host / :authority and TLS SNI.
	HeaderHost string

	// ConnectHost, when set, is the address literal dialed instead of the
	// logical hostname. It never participates in SNI or name validation.
	ConnectHost string

	// TLSMode is a per-attempt dial hint set by the dispatcher when it
	// overrides the strategy's default engine choice.
	TLSMode TLSMode

	ContentLength int64

	// Replayable reports whether GetBody can be called more than once.
	// Stream bodies are one-shot and gate retries, redirects and hedging.
	Replayable bool

	Opt *Options
}

func (r *Request) Prepare() (*PreparedRequest, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ValidationError{"unsupported scheme", u.Scheme}
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if !validToken(r.Method) {
		return nil, &ValidationError{"invalid method", r.Method}
	}
	if !ValidRequestPath(u.RequestURI()) {
		return nil, &ValidationError{"invalid request path", u.RequestURI()}
	}

	host := u.Hostname()
	if net.ParseIP(host) == nil {
		host, err = idna.Lookup.ToASCII(host)
		if err != nil {
			return nil, &ValidationError{"invalid host", u.Hostname()}
		}
	}
	if host == "" {
		return nil, url.InvalidHostError("empty host")
	}

	headers, err := NormalizeHeaders(r.Header)
	if err != nil {
		return nil, err
	}

	pr := &PreparedRequest{
		Request:       r,
		U:             u,
		Header:        headers,
		HeaderHost:    host,
		ContentLength: -1,
		Opt:           r.Options,
	}
	if err := pr.updateBody(); err != nil {
		return nil, err
	}
	if _, isStr := r.Body.(string); isStr && GetHeader(headers, "content-type") == "" {
		headers["content-type"] = []string{"text/plain;charset=UTF-8"}
	}
	if pr.Opt.Decompress() {
		headers["accept-encoding"] = []string{"gzip, deflate"}
	}
	if pr.Opt != nil && pr.Opt.CompressBody {
		if err := pr.compressBody(); err != nil {
			return nil, err
		}
	}
	return pr, nil
}

// Address is the dial target: the translated literal when one is set,
// else the logical host, with the effective port.
func (r *PreparedRequest) Address() string {
	if r.ConnectHost != "" {
		return r.ConnectHost + ":" + r.Port()
	}
	return net.JoinHostPort(r.HeaderHost, r.Port())
}

// Port returns the effective port, defaulting 80/443 by scheme.
func (r *PreparedRequest) Port() string {
	if p := r.U.Port(); p != "" {
		return p
	}
	if r.U.Scheme == "http" {
		return "80"
	}
	return "443"
}

// should only be called once at [Prepare]
func (r *PreparedRequest) updateBody() (err error) {
	if r.Request.Body == nil {
		r.Replayable = true
		r.ContentLength = 0
		r.GetBody = func() (io.ReadCloser, error) {
			return http.NoBody, nil
		}
		return nil
	}
	switch b := r.Request.Body.(type) {
	case string:
		r.setBufferBody([]byte(b))
	case []byte:
		r.setBufferBody(b)
	case *bytes.Buffer:
		r.setBufferBody(b.Bytes())
	case *bytes.Reader:
		r.Replayable = true
		r.ContentLength = int64(b.Len())
		snapshot := *b
		r.GetBody = func() (io.ReadCloser, error) {
			rd := snapshot
			return io.NopCloser(&rd), nil
		}
	case *strings.Reader:
		r.Replayable = true
		r.ContentLength = int64(b.Len())
		snapshot := *b
		r.GetBody = func() (io.ReadCloser, error) {
			rd := snapshot
			return io.NopCloser(&rd), nil
		}
	case io.Reader:
		if sizer, ok := b.(interface{ Size() int64 }); ok {
			r.ContentLength = sizer.Size()
		}
		cb, ok := b.(io.ReadCloser)
		if !ok {
			cb = io.NopCloser(b)
		}
		var once atomic.Bool
		r.GetBody = func() (io.ReadCloser, error) {
			if once.CompareAndSwap(false, true) {
				return cb, nil
			}
			return nil, http.ErrBodyReadAfterClose
		}
	default:
		return fmt.Errorf("unsupported body type: %T", r.Request.Body)
	}
	return nil
}

func (r *PreparedRequest) setBufferBody(buf []byte) {
	r.Replayable = true
	r.ContentLength = int64(len(buf))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
}

// compressBody gzips finite bodies above 1 KiB unless the caller already
// applied a content coding.
const compressThreshold = 1024

func (r *PreparedRequest) compressBody() error {
	if !r.Replayable || r.ContentLength <= compressThreshold {
		return nil
	}
	if GetHeader(r.Header, "content-encoding") != "" {
		return nil
	}
	body, err := r.GetBody()
	if err != nil {
		return err
	}
	defer body.Close()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.Copy(zw, body); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	r.Header["content-encoding"] = []string{"gzip"}
	r.setBufferBody(buf.Bytes())
	return nil
}
