package dialer

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/0XwX/stealth-fetch/internal/log"
)

// ewmaAlpha weighs new round-trip samples against history.
const ewmaAlpha = 0.3

// failurePenaltyMs is added per unit of failure ratio when scoring a
// prefix; lower scores rank first.
const failurePenaltyMs = 250.0

type prefixStat struct {
	ewmaMs   float64
	attempts uint64
	failures uint64
}

func (s *prefixStat) score() float64 {
	if s.attempts == 0 {
		return 0
	}
	return s.ewmaMs + failurePenaltyMs*float64(s.failures)/float64(s.attempts)
}

// prefixHealth tracks per-gateway quality across the process lifetime.
type prefixHealth struct {
	mu    sync.Mutex
	stats map[string]*prefixStat
}

func newPrefixHealth() *prefixHealth {
	return &prefixHealth{stats: map[string]*prefixStat{}}
}

// Record feeds one attempt outcome. Failed attempts still contribute
// their elapsed time to the EWMA, a slow failure is worse than a fast
// one.
func (h *prefixHealth) Record(prefix string, ok bool, ms float64) {
	h.mu.Lock()
	s := h.stats[prefix]
	if s == nil {
		s = &prefixStat{}
		h.stats[prefix] = s
	}
	if s.attempts == 0 {
		s.ewmaMs = ms
	} else {
		s.ewmaMs = (1-ewmaAlpha)*s.ewmaMs + ewmaAlpha*ms
	}
	s.attempts++
	if !ok {
		s.failures++
	}
	h.mu.Unlock()
	log.L().Debug("nat64 attempt",
		zap.String("prefix", prefix), zap.Bool("ok", ok), zap.Float64("ms", ms))
}

// Rank orders prefixes by score, best first. Untried prefixes score
// zero and keep their given order ahead of anything with history.
func (h *prefixHealth) Rank(prefixes []string) []string {
	h.mu.Lock()
	scores := make(map[string]float64, len(prefixes))
	for _, p := range prefixes {
		if s := h.stats[p]; s != nil {
			scores[p] = s.score()
		}
	}
	h.mu.Unlock()

	ranked := append([]string(nil), prefixes...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i]] < scores[ranked[j]]
	})
	return ranked
}

func (h *prefixHealth) Clear() {
	h.mu.Lock()
	h.stats = map[string]*prefixStat{}
	h.mu.Unlock()
}
