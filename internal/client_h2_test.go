package internal_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0XwX/stealth-fetch/internal"
	"github.com/0XwX/stealth-fetch/internal/dialer"
	"github.com/0XwX/stealth-fetch/internal/http"
)

func newH2Server(t *testing.T, handler nethttp.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewUnstartedServer(handler)
	server.EnableHTTP2 = true
	server.StartTLS()
	t.Cleanup(server.Close)
	return server
}

func newH2Client(t *testing.T, server *httptest.Server) *internal.Client {
	t.Helper()
	client := &internal.Client{}
	client.UseCoreDialer(func(cd *dialer.CoreDialer) http.Dialer {
		pool := x509.NewCertPool()
		pool.AddCert(server.Certificate())
		cd.TLSConfig = &tls.Config{RootCAs: pool}
		cd.Engine = dialer.NewEngine("")
		return cd
	})
	return client
}

func TestClientHTTP2Get(t *testing.T) {
	server := newH2Server(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		assert.Equal(t, "HTTP/2.0", r.Proto)
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "OK")
	})
	client := newH2Client(t, server)

	resp, err := client.CtxDo(context.Background(), &http.Request{
		Method: "GET", URL: server.URL,
		Options: &http.Options{Protocol: http.ProtocolH2},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, http.ProtoH2, resp.Proto)
	assert.Empty(t, resp.Status)
	for _, f := range resp.RawHeaders {
		assert.False(t, strings.HasPrefix(f.Name, ":"), "pseudo-header leaked: %s", f.Name)
	}
	assert.Empty(t, resp.GetSetCookie())
	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "OK", text)
}

func TestClientHTTP2PostEcho(t *testing.T) {
	server := newH2Server(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		w.Write(b)
	})
	client := newH2Client(t, server)

	resp, err := client.CtxDo(context.Background(), &http.Request{
		Method: "POST", URL: server.URL,
		Header: map[string][]string{"Content-Type": {"application/json"}},
		Body:   `{"k":1}`,
		Options: &http.Options{
			Protocol: http.ProtocolH2,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, http.ProtoH2, resp.Proto)
	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, `{"k":1}`, text)
}

func TestClientHTTP2SequentialRequestsReuseConnection(t *testing.T) {
	server := newH2Server(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		io.WriteString(w, r.URL.Path)
	})
	client := newH2Client(t, server)

	for _, path := range []string{"/a", "/b", "/c"} {
		resp, err := client.CtxDo(context.Background(), &http.Request{
			Method: "GET", URL: server.URL + path,
			Options: &http.Options{Protocol: http.ProtocolH2},
		})
		require.NoError(t, err)
		text, err := resp.Text()
		require.NoError(t, err)
		assert.Equal(t, path, text)
	}
}

func TestClientHTTP2LargeBody(t *testing.T) {
	payload := strings.Repeat("0123456789abcdef", 1<<14) // 256 KiB spans many DATA frames
	server := newH2Server(t, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		io.WriteString(w, payload)
	})
	client := newH2Client(t, server)

	resp, err := client.CtxDo(context.Background(), &http.Request{
		Method: "GET", URL: server.URL,
		Options: &http.Options{Protocol: http.ProtocolH2},
	})
	require.NoError(t, err)
	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, len(payload), len(text))
}

func TestClientHTTP1OverTLS(t *testing.T) {
	server := httptest.NewTLSServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		io.WriteString(w, "h1 over tls")
	}))
	defer server.Close()

	client := &internal.Client{}
	client.UseCoreDialer(func(cd *dialer.CoreDialer) http.Dialer {
		pool := x509.NewCertPool()
		pool.AddCert(server.Certificate())
		cd.TLSConfig = &tls.Config{RootCAs: pool}
		cd.Engine = dialer.NewEngine("")
		return cd
	})
	resp, err := client.CtxDo(context.Background(), &http.Request{
		Method: "GET", URL: server.URL,
		Options: &http.Options{Protocol: http.ProtocolHTTP1},
	})
	require.NoError(t, err)
	assert.Equal(t, http.ProtoHTTP1, resp.Proto)
	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "h1 over tls", text)
}
