package dialer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtocolMemo(t *testing.T) {
	m := newProtocolMemo()

	_, ok := m.Get("example.com", "443")
	assert.False(t, ok)

	m.Set("example.com", "443", alpnH2)
	got, ok := m.Get("example.com", "443")
	assert.True(t, ok)
	assert.Equal(t, alpnH2, got)

	// same host, different port is a different origin
	_, ok = m.Get("example.com", "8443")
	assert.False(t, ok)

	// only real ALPN outcomes are remembered
	m.Set("other.com", "443", "spdy/3")
	_, ok = m.Get("other.com", "443")
	assert.False(t, ok)

	m.Clear()
	_, ok = m.Get("example.com", "443")
	assert.False(t, ok)
}
