package dialer

import (
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// The protocol memo remembers the last negotiated ALPN per host:port
// so later requests skip the dual-protocol handshake dance.
const (
	memoCapacity = 200
	memoTTL      = 5 * time.Minute
)

const (
	alpnH2    = "h2"
	alpnHTTP1 = "http/1.1"
)

type protocolMemo struct {
	lru *expirable.LRU[string, string]
}

func newProtocolMemo() *protocolMemo {
	return &protocolMemo{
		lru: expirable.NewLRU[string, string](memoCapacity, nil, memoTTL),
	}
}

func (m *protocolMemo) Get(host, port string) (string, bool) {
	return m.lru.Get(net.JoinHostPort(host, port))
}

func (m *protocolMemo) Set(host, port, proto string) {
	if proto != alpnH2 && proto != alpnHTTP1 {
		return
	}
	m.lru.Add(net.JoinHostPort(host, port), proto)
}

func (m *protocolMemo) Clear() {
	m.lru.Purge()
}
