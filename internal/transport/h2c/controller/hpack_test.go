package controller

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return NewController(client)
}

func enumerate(pairs [][2]string) func(func(k, v string)) {
	return func(f func(k, v string)) {
		for _, p := range pairs {
			f(p[0], p[1])
		}
	}
}

func TestEncodeHeadersRoundTrip(t *testing.T) {
	c := newTestController(t)
	pairs := [][2]string{
		{":method", "GET"},
		{":path", "/search?q=x"},
		{"x-custom", "value"},
		{"cookie", "sid=secret"},
		{"authorization", "Bearer token"},
	}
	block, err := c.EncodeHeaders(enumerate(pairs))
	require.NoError(t, err)

	dec := hpack.NewDecoder(SelfHeaderTableSize, nil)
	fields, err := dec.DecodeFull(block)
	require.NoError(t, err)
	require.Len(t, fields, len(pairs))
	for i, f := range fields {
		assert.Equal(t, pairs[i][0], f.Name)
		assert.Equal(t, pairs[i][1], f.Value)
	}
}

func TestEncodeHeadersSensitiveNeverIndexed(t *testing.T) {
	c := newTestController(t)
	block, err := c.EncodeHeaders(enumerate([][2]string{
		{"x-custom", "indexable"},
		{"cookie", "sid=secret"},
		{"authorization", "Bearer token"},
		{"etag", "abc123"},
	}))
	require.NoError(t, err)

	dec := hpack.NewDecoder(SelfHeaderTableSize, nil)
	fields, err := dec.DecodeFull(block)
	require.NoError(t, err)

	wireSensitive := map[string]bool{}
	for _, f := range fields {
		wireSensitive[f.Name] = f.Sensitive
	}
	// only credential-bearing names carry the never-indexed marker;
	// high-cardinality names like etag are plain unindexed literals
	assert.True(t, wireSensitive["cookie"])
	assert.True(t, wireSensitive["authorization"])
	assert.False(t, wireSensitive["etag"])
	assert.False(t, wireSensitive["x-custom"])
}

func TestEncodeHeadersNeverIndexSkipsDynamicTable(t *testing.T) {
	c := newTestController(t)
	dec := hpack.NewDecoder(SelfHeaderTableSize, nil)
	encode := func(pairs [][2]string) []byte {
		t.Helper()
		block, err := c.EncodeHeaders(enumerate(pairs))
		require.NoError(t, err)
		fields, err := dec.DecodeFull(block)
		require.NoError(t, err)
		require.Len(t, fields, len(pairs))
		return block
	}

	// an indexable name shrinks to a table reference on re-encode
	first := encode([][2]string{{"x-custom", "indexable"}})
	second := encode([][2]string{{"x-custom", "indexable"}})
	assert.Less(t, len(second), len(first))

	// a high-cardinality name never enters the table, so re-encoding
	// the identical field saves nothing
	first = encode([][2]string{{"etag", "abc123"}})
	second = encode([][2]string{{"etag", "abc123"}})
	assert.Equal(t, len(first), len(second))
}

func TestEncodeHeadersListSizeLimit(t *testing.T) {
	c := newTestController(t)
	huge := make([]byte, 128<<10)
	for i := range huge {
		huge[i] = 'a'
	}
	c.hpackMixin.maxWriteHeaderListSize = 1 << 10
	_, err := c.EncodeHeaders(enumerate([][2]string{{"x-big", string(huge)}}))
	assert.Error(t, err)
}
