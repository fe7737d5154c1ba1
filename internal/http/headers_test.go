package http

import (
	nethttp "net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHeadersLowercasesAndStrips(t *testing.T) {
	in := nethttp.Header{
		"X-Custom":          {"1"},
		"CF-Connecting-IP":  {"1.2.3.4"},
		"X-Forwarded-For":   {"5.6.7.8"},
		"X-Real-IP":         {"9.9.9.9"},
		"True-Client-IP":    {"9.9.9.9"},
		"CDN-Loop":          {"cloudflare"},
		"Host":              {"evil.example"},
		"Connection":        {"keep-alive"},
		"Transfer-Encoding": {"chunked"},
		"Accept-Encoding":   {"br"},
		"Content-Length":    {"42"},
		"Authorization":     {"Bearer t"},
	}
	out, err := NormalizeHeaders(in)
	require.NoError(t, err)
	assert.Equal(t, nethttp.Header{
		"x-custom":      {"1"},
		"authorization": {"Bearer t"},
	}, out)
}

func TestNormalizeHeadersIdempotent(t *testing.T) {
	in := nethttp.Header{"X-A": {"1"}, "Cookie": {"k=v"}}
	once, err := NormalizeHeaders(in)
	require.NoError(t, err)
	twice, err := NormalizeHeaders(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestNormalizeHeadersRejectsBadInput(t *testing.T) {
	for name, h := range map[string]nethttp.Header{
		"name with space": {"bad name": {"v"}},
		"empty name":      {"": {"v"}},
		"value with CR":   {"x-a": {"a\rb"}},
		"value with LF":   {"x-a": {"a\nb"}},
		"value with NUL":  {"x-a": {"a\x00b"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NormalizeHeaders(h)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestValidRequestPath(t *testing.T) {
	assert.True(t, ValidRequestPath("/a/b?c=d"))
	assert.False(t, ValidRequestPath("/a b"))
	assert.False(t, ValidRequestPath("/a\rb"))
	assert.False(t, ValidRequestPath("/a\nb"))
	assert.False(t, ValidRequestPath(""))
}
