package dialer

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/0XwX/stealth-fetch/internal/log"
	"github.com/0XwX/stealth-fetch/internal/transport/h2c"
)

const (
	poolCapacity = 20
	poolTTL      = 60 * time.Second
)

// poolKey binds a reusable connection to its logical origin and, for
// translated targets, the literal it was dialed through. The same
// origin reached directly and through NAT64 never shares connections.
type poolKey struct {
	host, port, connectHost string
}

type poolEntry struct {
	conn     *h2c.Connection
	lastUsed time.Time
}

// connPool is a small LRU of live multiplexed connections.
type connPool struct {
	mu      sync.Mutex
	entries map[poolKey]*poolEntry
	// bound dedupes the GOAWAY listener across entry churn
	bound map[*h2c.Connection]bool
}

func newConnPool() *connPool {
	return &connPool{
		entries: map[poolKey]*poolEntry{},
		bound:   map[*h2c.Connection]bool{},
	}
}

// Get returns a pooled connection that still reports spare capacity,
// or nil. Stale and dead entries found on the way are dropped.
func (p *connPool) Get(key poolKey) *h2c.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[key]
	if !ok {
		return nil
	}
	if time.Since(entry.lastUsed) > poolTTL || !entry.conn.HasCapacity() {
		delete(p.entries, key)
		delete(p.bound, entry.conn)
		if entry.conn.Valid() != nil {
			return nil
		}
		go entry.conn.Close()
		return nil
	}
	entry.lastUsed = time.Now()
	return entry.conn
}

// Put inserts or refreshes a connection. The GOAWAY listener that
// unpools it is registered at most once per connection, however many
// times the entry churns.
func (p *connPool) Put(key poolKey, conn *h2c.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[key]; ok && entry.conn == conn {
		entry.lastUsed = time.Now()
		return
	}
	if len(p.entries) >= poolCapacity {
		p.evictOldestLocked()
	}
	p.entries[key] = &poolEntry{conn: conn, lastUsed: time.Now()}
	if !p.bound[conn] {
		p.bound[conn] = true
		conn.OnGoAway(func(last uint32, code http2.ErrCode) {
			p.Remove(key, conn)
			log.L().Debug("pooled connection drained by GOAWAY",
				zap.String("host", key.host), zap.String("code", code.String()))
		})
	}
}

func (p *connPool) evictOldestLocked() {
	var oldestKey poolKey
	var oldest *poolEntry
	for k, e := range p.entries {
		if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
			oldestKey, oldest = k, e
		}
	}
	if oldest != nil {
		delete(p.entries, oldestKey)
		delete(p.bound, oldest.conn)
		go oldest.conn.Close()
	}
}

// Remove drops the entry if it still holds this exact connection.
func (p *connPool) Remove(key poolKey, conn *h2c.Connection) {
	p.mu.Lock()
	if entry, ok := p.entries[key]; ok && entry.conn == conn {
		delete(p.entries, key)
	}
	delete(p.bound, conn)
	p.mu.Unlock()
}

func (p *connPool) Clear() {
	p.mu.Lock()
	entries := p.entries
	p.entries = map[poolKey]*poolEntry{}
	p.bound = map[*h2c.Connection]bool{}
	p.mu.Unlock()
	for _, e := range entries {
		go e.conn.Close()
	}
}
