package dialer

import (
	"context"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dohServer(t *testing.T, queries *atomic.Int64, answer string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		queries.Add(1)
		assert.Equal(t, "application/dns-json", r.Header.Get("Accept"))
		assert.Equal(t, "A", r.URL.Query().Get("type"))
		if answer == "" {
			w.WriteHeader(500)
			return
		}
		fmt.Fprintf(w, `{"Status":0,"Answer":[{"name":"%s","type":1,"TTL":300,"data":"%s"}]}`,
			r.URL.Query().Get("name"), answer)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDetectClassifiesAndCaches(t *testing.T) {
	var queries atomic.Int64
	server := dohServer(t, &queries, "104.16.0.1")
	e := NewEngine(server.URL)

	entry, err := e.Detect(context.Background(), "cdn.example")
	require.NoError(t, err)
	assert.True(t, entry.IsCDN)
	assert.Equal(t, "104.16.0.1", entry.IPv4.String())

	// second hit is served from cache
	_, err = e.Detect(context.Background(), "CDN.example")
	require.NoError(t, err)
	assert.EqualValues(t, 1, queries.Load())
}

func TestDetectSingleFlight(t *testing.T) {
	var queries atomic.Int64
	server := dohServer(t, &queries, "93.184.216.34")
	e := NewEngine(server.URL)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := e.Detect(context.Background(), "origin.example")
			assert.NoError(t, err)
			assert.False(t, entry.IsCDN)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, queries.Load())
}

func TestDetectNegativeCache(t *testing.T) {
	var queries atomic.Int64
	server := dohServer(t, &queries, "")
	e := NewEngine(server.URL)

	entry, err := e.Detect(context.Background(), "broken.example")
	require.NoError(t, err)
	assert.Nil(t, entry.IPv4)
	assert.False(t, entry.IsCDN)
	assert.EqualValues(t, 1, e.DoHFailures())

	// the failure is cached; no immediate re-query
	_, err = e.Detect(context.Background(), "broken.example")
	require.NoError(t, err)
	assert.EqualValues(t, 1, queries.Load())
}

func TestDetectIPLiteral(t *testing.T) {
	e := NewEngine("http://127.0.0.1:1") // must never be contacted
	entry, err := e.Detect(context.Background(), "104.20.1.2")
	require.NoError(t, err)
	assert.True(t, entry.IsCDN)

	entry, err = e.Detect(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.False(t, entry.IsCDN)
}
