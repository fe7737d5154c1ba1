package http

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrBodyConsumed = errors.New("response body already consumed")

// AddRawHeader records one received header line, name lowercased and
// value as received, and merges it into the lowercase header map.
func (r *Response) AddRawHeader(name, value string) {
	lower := strings.ToLower(name)
	r.RawHeaders = append(r.RawHeaders, HeaderField{lower, value})
	if r.Header == nil {
		r.Header = make(map[string][]string)
	}
	r.Header[lower] = append(r.Header[lower], value)
}

// GetSetCookie returns each set-cookie line as its own string, never
// comma-joined.
func (r *Response) GetSetCookie() []string {
	var out []string
	for _, f := range r.RawHeaders {
		if f.Name == "set-cookie" {
			out = append(out, f.Value)
		}
	}
	return out
}

// Bytes drains the body. The body may be consumed once, through exactly
// one of Bytes, Text, JSON or direct reads.
func (r *Response) Bytes() ([]byte, error) {
	if r.consumed {
		return nil, ErrBodyConsumed
	}
	r.consumed = true
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func (r *Response) Text() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

func (r *Response) JSON(v interface{}) error {
	b, err := r.Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Decompress replaces the body with a decoding reader when the response
// carries a gzip or deflate content coding.
func (r *Response) Decompress() error {
	if r.Body == nil {
		return nil
	}
	switch strings.ToLower(r.GetHeader("content-encoding")) {
	case "gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return err
		}
		r.Body = &decodedBody{zr, r.Body}
	case "deflate":
		r.Body = &decodedBody{flate.NewReader(r.Body), r.Body}
	default:
		return nil
	}
	delete(r.Header, "content-encoding")
	delete(r.Header, "content-length")
	r.ContentLength = -1
	return nil
}

type decodedBody struct {
	io.Reader
	raw io.ReadCloser
}

func (d *decodedBody) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		c.Close()
	}
	return d.raw.Close()
}

// GuardBody wraps the body so release runs exactly once, on end of
// stream, on close, or on a read error. Ownership of the underlying
// connection follows the body: nothing is reused or torn down until one
// of those happens.
func GuardBody(r *Response, release func(err error)) {
	if r.Body == nil {
		release(nil)
		return
	}
	r.Body = &guardedBody{body: r.Body, release: release}
}

type guardedBody struct {
	body    io.ReadCloser
	once    sync.Once
	release func(err error)
}

func (g *guardedBody) Read(p []byte) (int, error) {
	n, err := g.body.Read(p)
	if err == io.EOF {
		g.once.Do(func() { g.release(nil) })
	} else if err != nil {
		g.once.Do(func() { g.release(err) })
	}
	return n, err
}

func (g *guardedBody) Close() error {
	err := g.body.Close()
	g.once.Do(func() { g.release(err) })
	return err
}
