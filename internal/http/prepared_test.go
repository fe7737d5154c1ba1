package http

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareDefaults(t *testing.T) {
	pr, err := (&Request{Method: "GET", URL: "https://example.com"}).Prepare()
	require.NoError(t, err)
	assert.Equal(t, "/", pr.U.Path)
	assert.Equal(t, "443", pr.Port())
	assert.Equal(t, "example.com:443", pr.Address())
	assert.Equal(t, "example.com", pr.HeaderHost)
	assert.True(t, pr.Replayable)
	assert.EqualValues(t, 0, pr.ContentLength)
	assert.Equal(t, "gzip, deflate", GetHeader(pr.Header, "accept-encoding"))
}

func TestPrepareRejectsInvalid(t *testing.T) {
	for name, req := range map[string]*Request{
		"bad scheme": {Method: "GET", URL: "ftp://example.com/"},
		"bad method": {Method: "GE T", URL: "http://example.com/"},
		"empty host": {Method: "GET", URL: "http:///path"},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := req.Prepare(); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestPrepareStringBody(t *testing.T) {
	pr, err := (&Request{Method: "POST", URL: "http://example.com/", Body: "hello"}).Prepare()
	require.NoError(t, err)
	assert.EqualValues(t, 5, pr.ContentLength)
	assert.True(t, pr.Replayable)
	assert.Equal(t, "text/plain;charset=UTF-8", GetHeader(pr.Header, "content-type"))

	// replayable: two reads both see the full body
	for i := 0; i < 2; i++ {
		body, err := pr.GetBody()
		require.NoError(t, err)
		b, _ := io.ReadAll(body)
		assert.Equal(t, "hello", string(b))
	}
}

func TestPrepareStreamBodyOneShot(t *testing.T) {
	pr, err := (&Request{Method: "POST", URL: "http://example.com/", Body: readerOnly{&bytes.Buffer{}}}).Prepare()
	require.NoError(t, err)
	assert.False(t, pr.Replayable)
	_, err = pr.GetBody()
	require.NoError(t, err)
	_, err = pr.GetBody()
	assert.ErrorIs(t, err, ErrBodyReadAfterClose)
}

type readerOnly struct{ io.Reader }

func TestPrepareStreamBodyDetection(t *testing.T) {
	pr, err := (&Request{Method: "POST", URL: "http://e.com/", Body: readerOnly{strings.NewReader("x")}}).Prepare()
	require.NoError(t, err)
	assert.False(t, pr.Replayable)
	assert.EqualValues(t, -1, pr.ContentLength)
}

func TestCompressBody(t *testing.T) {
	payload := strings.Repeat("abcdefgh", 512) // 4 KiB, compresses well
	pr, err := (&Request{
		Method:  "POST",
		URL:     "https://example.com/up",
		Body:    payload,
		Options: &Options{CompressBody: true},
	}).Prepare()
	require.NoError(t, err)
	assert.Equal(t, "gzip", GetHeader(pr.Header, "content-encoding"))
	assert.Less(t, pr.ContentLength, int64(len(payload)))

	body, err := pr.GetBody()
	require.NoError(t, err)
	zr, err := gzip.NewReader(body)
	require.NoError(t, err)
	round, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, payload, string(round))
}

func TestCompressBodySkipsSmallAndEncoded(t *testing.T) {
	pr, err := (&Request{
		Method: "POST", URL: "https://example.com/", Body: "tiny",
		Options: &Options{CompressBody: true},
	}).Prepare()
	require.NoError(t, err)
	assert.Empty(t, GetHeader(pr.Header, "content-encoding"))
	assert.EqualValues(t, 4, pr.ContentLength)

	pr, err = (&Request{
		Method: "POST", URL: "https://example.com/",
		Body:   strings.Repeat("x", 4096),
		Header: map[string][]string{"Content-Encoding": {"br"}},
		Options: &Options{
			CompressBody: true,
		},
	}).Prepare()
	require.NoError(t, err)
	assert.Equal(t, "br", GetHeader(pr.Header, "content-encoding"))
	assert.EqualValues(t, 4096, pr.ContentLength)
}
