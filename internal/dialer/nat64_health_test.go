package dialer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrefixHealthRanking(t *testing.T) {
	h := newPrefixHealth()
	prefixes := []string{"p0", "p1", "p2"}

	// p0 slow failures, p1 fast successes, p2 untried
	h.Record("p0", false, 900)
	h.Record("p0", false, 900)
	h.Record("p1", true, 110)
	h.Record("p1", true, 120)

	ranked := h.Rank(prefixes)
	assert.Equal(t, []string{"p2", "p1", "p0"}, ranked)
}

func TestPrefixHealthFailurePenalty(t *testing.T) {
	h := newPrefixHealth()
	// identical latency; failures must sink the prefix
	h.Record("flaky", true, 100)
	h.Record("flaky", false, 100)
	h.Record("steady", true, 100)
	h.Record("steady", true, 100)

	ranked := h.Rank([]string{"flaky", "steady"})
	assert.Equal(t, []string{"steady", "flaky"}, ranked)
}

func TestPrefixHealthStableOrderUntried(t *testing.T) {
	h := newPrefixHealth()
	ranked := h.Rank([]string{"a", "b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, ranked)
}

func TestPrefixHealthClear(t *testing.T) {
	h := newPrefixHealth()
	h.Record("p0", false, 500)
	h.Clear()
	ranked := h.Rank([]string{"p0", "p1"})
	assert.Equal(t, []string{"p0", "p1"}, ranked)
}

func TestPrefixHealthEWMA(t *testing.T) {
	h := newPrefixHealth()
	h.Record("p", true, 100)
	h.Record("p", true, 200)
	s := h.stats["p"]
	// 0.7*100 + 0.3*200
	assert.InDelta(t, 130, s.ewmaMs, 0.001)
}
