package controller

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

func newDrainedController(t *testing.T) *Controller {
	t.Helper()
	client, server := net.Pipe()
	go io.Copy(io.Discard, server)
	t.Cleanup(func() { client.Close(); server.Close() })
	return NewController(client)
}

func TestFrameTooLargeEndsConnection(t *testing.T) {
	c := newDrainedController(t)
	c.dispatchReadError(http2.ErrFrameTooLarge)

	err := c.Valid()
	require.Error(t, err)
	reason, ok := err.(*ReasonGoAway)
	require.True(t, ok, "got %T", err)
	assert.Equal(t, http2.ErrCodeFrameSize, reason.Code())
	assert.False(t, reason.Remote())
}

func TestCompressionErrorIsConnectionFatal(t *testing.T) {
	c := newDrainedController(t)
	c.dispatchReadError(http2.ConnectionError(http2.ErrCodeCompression))

	err := c.Valid()
	require.Error(t, err)
	reason, ok := err.(*ReasonGoAway)
	require.True(t, ok)
	assert.Equal(t, http2.ErrCodeCompression, reason.Code())
}

func TestGoAwayOnlyOnce(t *testing.T) {
	c := newDrainedController(t)
	require.NoError(t, c.GoAway(0, http2.ErrCodeNo))
	assert.ErrorIs(t, c.GoAway(0, http2.ErrCodeProtocol), ErrMultipleGoAway)
}

func TestConnWindowCancelledOnClose(t *testing.T) {
	c := newDrainedController(t)
	c.GoAway(0, http2.ErrCodeNo)
	err := c.ConnWindow().Consume(context.Background(), 1)
	assert.Error(t, err)
}

// dynamic-table-size updates are only legal at the start of a header
// block; a late one must fail the decode, which the connection treats
// as fatal HPACK desync.
func TestHpackSizeUpdateAfterFieldRejected(t *testing.T) {
	var block []byte
	// literal with incremental indexing: name "a", value "b"
	block = append(block, 0x40, 0x01, 'a', 0x01, 'b')
	// dynamic table size update to 0, after a non-update field
	block = append(block, 0x20)

	dec := hpack.NewDecoder(SelfHeaderTableSize, nil)
	_, err := dec.DecodeFull(block)
	assert.Error(t, err)
}
