package controller

import (
	"bytes"
	"errors"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// neverIndex lists names kept out of the dynamic table: they change on
// nearly every request, so indexing them would churn the table for no
// compression win. They go on the wire as plain literals without
// indexing.
var neverIndex = map[string]bool{
	":path":             true,
	"content-length":    true,
	"content-range":     true,
	"date":              true,
	"last-modified":     true,
	"etag":              true,
	"age":               true,
	"expires":           true,
	"location":          true,
	"if-modified-since": true,
	"if-none-match":     true,
}

// sensitive lists credential-bearing names that additionally must
// cross intermediaries in the never-indexed literal form, so nothing
// on the path caches or compresses them. Maps to hpack's Sensitive
// flag.
var sensitive = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
}

type hpackMixin struct {
	hpEnc *hpack.Encoder

	wBuf *bytes.Buffer

	muWbuf                 sync.Mutex
	maxWriteHeaderListSize uint32
}

func (m *hpackMixin) init(c *Controller) {
	m.wBuf = &bytes.Buffer{}
	m.hpEnc = hpack.NewEncoder(m.wBuf)
	m.maxWriteHeaderListSize = c.peerSettings.GetSetting(http2.SettingMaxHeaderListSize)

	c.peerSettings.On(http2.SettingHeaderTableSize, func(value uint32) {
		m.muWbuf.Lock()
		m.hpEnc.SetMaxDynamicTableSize(value)
		m.muWbuf.Unlock()
	})
	c.peerSettings.On(http2.SettingMaxHeaderListSize, func(value uint32) {
		m.muWbuf.Lock()
		m.maxWriteHeaderListSize = value // this value is protected by lock, settings is not
		m.muWbuf.Unlock()
	})
}

// EncodeHeaders encodes a HEADERS frame block fragment.
func (h *hpackMixin) EncodeHeaders(enumHeaders func(func(k, v string))) ([]byte, error) {
	h.muWbuf.Lock()
	defer h.muWbuf.Unlock()
	h.wBuf.Reset()

	total := uint32(0)
	enumHeaders(func(name, value string) {
		total += hpack.HeaderField{Name: name, Value: value}.Size()
	})
	if total > h.maxWriteHeaderListSize {
		return nil, errors.New("h2: request header list larger than peer's advertised limit")
	}
	enumHeaders(func(name, value string) {
		switch {
		case sensitive[name]:
			h.hpEnc.WriteField(hpack.HeaderField{Name: name, Value: value, Sensitive: true})
		case neverIndex[name]:
			// plain literal without indexing: skips the dynamic table
			// but carries no never-indexed marker on the wire. The
			// encoder never learns these fields, so its table state
			// stays in sync with what the block describes.
			h.wBuf.Write(appendLiteralWithoutIndexing(nil, name, value))
		default:
			h.hpEnc.WriteField(hpack.HeaderField{Name: name, Value: value})
		}
	})
	out := make([]byte, h.wBuf.Len())
	copy(out, h.wBuf.Bytes())
	return out, nil
}

// appendLiteralWithoutIndexing emits the 0000-prefixed literal form
// with a new name (RFC 7541 6.2.2), Huffman coding both strings when
// that is shorter.
func appendLiteralWithoutIndexing(dst []byte, name, value string) []byte {
	dst = append(dst, 0x00)
	dst = appendHpackString(dst, name)
	return appendHpackString(dst, value)
}

func appendHpackString(dst []byte, s string) []byte {
	if hl := hpack.HuffmanEncodeLength(s); hl < uint64(len(s)) {
		dst = appendVarInt(dst, 0x80, hl)
		return hpack.AppendHuffmanString(dst, s)
	}
	dst = appendVarInt(dst, 0, uint64(len(s)))
	return append(dst, s...)
}

// appendVarInt writes an HPACK integer with a 7-bit prefix (RFC 7541
// 5.1), or-ing firstByte into the prefix octet.
func appendVarInt(dst []byte, firstByte byte, i uint64) []byte {
	const max = 1<<7 - 1
	if i < max {
		return append(dst, firstByte|byte(i))
	}
	dst = append(dst, firstByte|max)
	i -= max
	for i >= 128 {
		dst = append(dst, byte(i&0x7f)|0x80)
		i >>= 7
	}
	return append(dst, byte(i))
}
