package transport

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/0XwX/stealth-fetch/internal/http"
	"github.com/0XwX/stealth-fetch/internal/transport/h2c"
)

type H2 struct{}

func (t H2) RoundTrip(ctx context.Context, conn io.ReadWriteCloser, req *http.PreparedRequest, resp *http.Response) error {
	s, ok := conn.(*h2c.Stream)
	if !ok {
		return errors.New("h2: can only round trip on an h2 stream")
	}
	if req.Opt != nil {
		// armed before any response frame can race in
		s.SetBodyTimeout(req.Opt.BodyTimeout)
	}
	if err := t.WriteRequest(ctx, s, req); err != nil {
		return err
	}
	return t.ReadResponse(ctx, s, req, resp)
}

func (t H2) WriteRequest(ctx context.Context, s *h2c.Stream, req *http.PreparedRequest) error {
	body, err := req.GetBody()
	if err != nil {
		return err
	}
	defer body.Close()
	hasBody := body != http.NoBody && req.ContentLength != 0

	err = s.WriteRequestHeaders(ctx, func(f func(k, v string)) {
		f(":method", req.Method)
		f(":authority", req.HeaderHost)
		f(":scheme", req.U.Scheme)
		f(":path", req.U.RequestURI())
		for k, vs := range req.Header {
			for _, v := range vs {
				f(k, v)
			}
		}
		if hasBody && req.ContentLength > 0 {
			f("content-length", strconv.FormatInt(req.ContentLength, 10))
		}
	}, !hasBody)
	if err != nil {
		return err
	}
	if hasBody {
		return s.WriteRequestBody(ctx, body, req.ContentLength, true)
	}
	return nil
}

func (t H2) ReadResponse(ctx context.Context, s *h2c.Stream, req *http.PreparedRequest, resp *http.Response) error {
	status, fields, err := s.WaitResponseHeaders(ctx)
	if err != nil {
		return err
	}
	resp.Proto = http.ProtoH2
	resp.StatusCode = status
	resp.Status = "" // h2 carries no status text
	resp.ContentLength = -1
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			continue
		}
		resp.AddRawHeader(f.Name, f.Value)
	}
	if cl := resp.GetHeader("content-length"); cl != "" {
		if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil && n >= 0 {
			resp.ContentLength = n
		}
	}
	resp.Body = s.ResponseBody()
	return nil
}
