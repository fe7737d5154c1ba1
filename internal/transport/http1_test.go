package transport

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0XwX/stealth-fetch/internal/http"
)

func prepare(t *testing.T, req *http.Request) *http.PreparedRequest {
	t.Helper()
	pr, err := req.Prepare()
	require.NoError(t, err)
	return pr
}

func TestRequestSerialize(t *testing.T) {
	cases := map[string]struct {
		req  *http.Request
		want []string // each must appear in the wire bytes
	}{
		"BasicRequest": {
			req:  &http.Request{Method: "GET", URL: "http://www.example.com"},
			want: []string{"GET / HTTP/1.1\r\n", "host: www.example.com\r\n", "connection: close\r\n"},
		},
		"QueryNonStandard": {
			req:  &http.Request{Method: "GET", URL: "http://www.example.com/test?1=33=1"},
			want: []string{"GET /test?1=33=1 HTTP/1.1\r\n"},
		},
		"HeaderNotCanonicalized": {
			req: &http.Request{
				Method: "GET", URL: "http://www.example.com/",
				Header: map[string][]string{"X-123-VV": {"1"}},
			},
			want: []string{"x-123-vv: 1\r\n"},
		},
		"URIFragmentNotIncluded": {
			req:  &http.Request{Method: "GET", URL: "http://www.example.com/?test=1#frag"},
			want: []string{"GET /?test=1 HTTP/1.1\r\n"},
		},
		"FiniteBodyContentLength": {
			req:  &http.Request{Method: "POST", URL: "http://www.example.com/", Body: "12345"},
			want: []string{"content-length: 5\r\n", "\r\n12345"},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var wire bytes.Buffer
			require.NoError(t, HTTP1{}.Write(context.Background(), &wire, prepare(t, tc.req)))
			for _, want := range tc.want {
				assert.Contains(t, wire.String(), want)
			}
		})
	}
}

func TestRequestSerializeStreamBodyChunked(t *testing.T) {
	pr := prepare(t, &http.Request{
		Method: "POST", URL: "http://e.com/",
		Body: struct{ io.Reader }{strings.NewReader("streaming")},
	})
	var wire bytes.Buffer
	require.NoError(t, HTTP1{}.Write(context.Background(), &wire, pr))
	s := wire.String()
	assert.Contains(t, s, "transfer-encoding: chunked\r\n")
	assert.NotContains(t, s, "content-length")
	assert.Contains(t, s, "9\r\nstreaming\r\n0\r\n\r\n")
}

func readResponse(t *testing.T, wire string, req *http.Request) *http.Response {
	t.Helper()
	resp := &http.Response{}
	pr := prepare(t, req)
	require.NoError(t, HTTP1{}.Read(context.Background(), strings.NewReader(wire), pr, resp))
	return resp
}

func get() *http.Request { return &http.Request{Method: "GET", URL: "http://e.com/"} }

func TestResponseContentLength(t *testing.T) {
	resp := readResponse(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nOKextra", get())
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "OK", resp.Status)
	assert.Equal(t, http.ProtoHTTP1, resp.Proto)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	// excess bytes are truncated at the declared boundary
	assert.Equal(t, "OK", string(b))
}

func TestResponseChunked(t *testing.T) {
	resp := readResponse(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n", get())
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestResponseCloseDelimited(t *testing.T) {
	resp := readResponse(t, "HTTP/1.1 200 OK\r\n\r\nuntil eof", get())
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "until eof", string(b))
	assert.EqualValues(t, -1, resp.ContentLength)
}

func TestResponseTruncatedContentLength(t *testing.T) {
	resp := readResponse(t, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nshort", get())
	_, err := io.ReadAll(resp.Body)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestResponse100ContinueStripped(t *testing.T) {
	wire := "HTTP/1.1 100 Continue\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\ndone"
	resp := readResponse(t, wire, get())
	assert.Equal(t, 200, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "done", string(b))
}

func TestResponseSetCookiePreserved(t *testing.T) {
	wire := "HTTP/1.1 200 OK\r\nSet-Cookie: a=1\r\nSet-Cookie: b=2\r\nContent-Length: 0\r\n\r\n"
	resp := readResponse(t, wire, get())
	assert.Equal(t, []string{"a=1", "b=2"}, resp.GetSetCookie())
}

func TestResponseConflictingContentLength(t *testing.T) {
	wire := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nContent-Length: 3\r\n\r\nab"
	resp := &http.Response{}
	err := HTTP1{}.Read(context.Background(), strings.NewReader(wire), prepare(t, get()), resp)
	assert.Error(t, err)
}

func TestResponseHeaderBudget(t *testing.T) {
	var wire strings.Builder
	wire.WriteString("HTTP/1.1 200 OK\r\n")
	for i := 0; wire.Len() < MaxHeaderBytes+1024; i++ {
		wire.WriteString("x-filler: ")
		wire.WriteString(strings.Repeat("v", 1000))
		wire.WriteString("\r\n")
	}
	wire.WriteString("\r\n")
	resp := &http.Response{}
	err := HTTP1{}.Read(context.Background(), strings.NewReader(wire.String()), prepare(t, get()), resp)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestResponseMalformedStatus(t *testing.T) {
	for _, wire := range []string{
		"HTTP/1.1 XX OK\r\n\r\n",
		"garbage\r\n\r\n",
		"HTTP/1.1 99 low\r\n\r\n",
	} {
		resp := &http.Response{}
		err := HTTP1{}.Read(context.Background(), strings.NewReader(wire), prepare(t, get()), resp)
		assert.Error(t, err, wire)
	}
}

func TestResponseNoBodyForHead(t *testing.T) {
	resp := readResponse(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n",
		&http.Request{Method: "HEAD", URL: "http://e.com/"})
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, b)
}
