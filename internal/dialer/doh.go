package dialer

import (
	"context"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/0XwX/stealth-fetch/internal/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultResolverURL answers dns-json queries for A records.
	DefaultResolverURL = "https://cloudflare-dns.com/dns-query"

	dohGuard       = 3 * time.Second
	dnsTTLMin      = 30 * time.Second
	dnsTTLMax      = 5 * time.Minute
	dnsNegativeTTL = 10 * time.Second
	dnsCacheSize   = 512
)

// DNSEntry is one classification result. A nil IPv4 with IsCDN false
// is the negative "unknown, try direct" entry cached after a resolver
// failure.
type DNSEntry struct {
	IPv4      net.IP
	IsCDN     bool
	ExpiresAt time.Time
	LastDoHMs int64
}

func (e *DNSEntry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

type dnsDetector struct {
	resolverURL string
	client      *nethttp.Client
	sf          singleflight.Group
	cache       *expirable.LRU[string, *DNSEntry]
}

func newDNSDetector(resolverURL string) *dnsDetector {
	return &dnsDetector{
		resolverURL: resolverURL,
		// the resolver is dialed through the host's plain client: the
		// engine cannot resolve its own resolver through itself
		client: &nethttp.Client{Timeout: dohGuard},
		cache:  expirable.NewLRU[string, *DNSEntry](dnsCacheSize, nil, dnsTTLMax),
	}
}

// Detect resolves and classifies a hostname, deduplicating concurrent
// lookups for the same name and caching by the record TTL.
func (d *dnsDetector) Detect(ctx context.Context, e *Engine, host string) (*DNSEntry, error) {
	if ip := net.ParseIP(host); ip != nil {
		// literals classify directly; no resolver round trip
		return &DNSEntry{
			IPv4:      ip.To4(),
			IsCDN:     IsCDNAddress(ip),
			ExpiresAt: time.Now().Add(dnsTTLMax),
		}, nil
	}
	key := strings.ToLower(host)
	if entry, ok := d.cache.Get(key); ok && !entry.expired(time.Now()) {
		return entry, nil
	}
	v, err, _ := d.sf.Do(key, func() (interface{}, error) {
		if entry, ok := d.cache.Get(key); ok && !entry.expired(time.Now()) {
			return entry, nil
		}
		entry := d.query(ctx, e, key)
		d.cache.Add(key, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DNSEntry), nil
}

type dohResponse struct {
	Answer []struct {
		Type int    `json:"type"`
		Data string `json:"data"`
		TTL  int    `json:"TTL"`
	} `json:"Answer"`
}

// query never fails outward: resolver trouble becomes a short-lived
// negative entry so the dial path tries a direct connect.
func (d *dnsDetector) query(ctx context.Context, e *Engine, host string) *DNSEntry {
	started := time.Now()
	entry, err := d.queryOnce(ctx, host)
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		e.dohFailures.Add(1)
		log.L().Warn("doh lookup failed, caching direct fallback",
			zap.String("host", host), zap.Error(err))
		return &DNSEntry{
			ExpiresAt: time.Now().Add(dnsNegativeTTL),
			LastDoHMs: elapsed,
		}
	}
	entry.LastDoHMs = elapsed
	return entry
}

func (d *dnsDetector) queryOnce(ctx context.Context, host string) (*DNSEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, dohGuard)
	defer cancel()
	u := d.resolverURL + "?name=" + url.QueryEscape(host) + "&type=A"
	req, err := nethttp.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("doh: resolver status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	var parsed dohResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	for _, ans := range parsed.Answer {
		if ans.Type != 1 {
			continue
		}
		ip := net.ParseIP(ans.Data)
		if ip == nil || ip.To4() == nil {
			continue
		}
		ttl := time.Duration(ans.TTL) * time.Second
		if ttl < dnsTTLMin {
			ttl = dnsTTLMin
		}
		if ttl > dnsTTLMax {
			ttl = dnsTTLMax
		}
		return &DNSEntry{
			IPv4:      ip.To4(),
			IsCDN:     IsCDNAddress(ip),
			ExpiresAt: time.Now().Add(ttl),
		}, nil
	}
	return nil, fmt.Errorf("doh: no A record for %s", host)
}
