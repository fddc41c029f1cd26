// Package scoring keeps rolling per-provider statistics used to rank providers
// during planning. Scores are advisory: concurrent updates may interleave and a
// slightly stale score never affects correctness.
package scoring

import (
	"sort"
	"sync"
	"time"

	"github.com/p-blackswan/stagecoord/internal/stage"
)

const (
	// DefaultWindow is the number of most recent outcomes kept per provider.
	DefaultWindow = 200

	neutralScore = 0.5

	reliabilityWeight = 0.6
	costWeight        = 0.4
)

type outcome struct {
	success   bool
	cost      float64
	latencyMs int64
}

// Stats is an aggregate over a provider's recent outcomes.
type Stats struct {
	Attempts       int     `json:"attempts"`
	Successes      int     `json:"successes"`
	TotalCost      float64 `json:"total_cost"`
	TotalLatencyMs int64   `json:"total_latency_ms"`
}

// ReliabilityScore is the success rate, or a neutral 0.5 with no history.
func (s Stats) ReliabilityScore() float64 {
	if s.Attempts == 0 {
		return neutralScore
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// AvgCostPerSuccess returns the mean cost of successful attempts.
func (s Stats) AvgCostPerSuccess() float64 {
	if s.Successes == 0 {
		return 0
	}
	return s.TotalCost / float64(s.Successes)
}

// CostEfficiency is 1/(1+avgCostPerSuccess), or a neutral 0.5 with no successes.
func (s Stats) CostEfficiency() float64 {
	if s.Successes == 0 {
		return neutralScore
	}
	return 1 / (1 + s.AvgCostPerSuccess())
}

// AvgLatency returns the mean latency across attempts.
func (s Stats) AvgLatency() time.Duration {
	if s.Attempts == 0 {
		return 0
	}
	return time.Duration(s.TotalLatencyMs/int64(s.Attempts)) * time.Millisecond
}

// Composite is the ranking score: 0.6*reliability + 0.4*costEfficiency.
func (s Stats) Composite() float64 {
	return reliabilityWeight*s.ReliabilityScore() + costWeight*s.CostEfficiency()
}

type ring struct {
	buf  []outcome
	next int
	full bool
}

func (r *ring) add(o outcome) {
	r.buf[r.next] = o
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) stats() Stats {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	var s Stats
	for _, o := range r.buf[:n] {
		s.Attempts++
		s.TotalLatencyMs += o.latencyMs
		if o.success {
			s.Successes++
			s.TotalCost += o.cost
		}
	}
	return s
}

// Scorer records provider outcomes in a fixed-size rolling window.
type Scorer struct {
	mu     sync.RWMutex
	window int
	rings  map[stage.Provider]*ring
}

// NewScorer creates a scorer keeping the last window outcomes per provider.
func NewScorer(window int) *Scorer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Scorer{window: window, rings: make(map[stage.Provider]*ring)}
}

// Record adds one attempt outcome for provider.
func (s *Scorer) Record(provider stage.Provider, success bool, cost float64, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[provider]
	if !ok {
		r = &ring{buf: make([]outcome, s.window)}
		s.rings[provider] = r
	}
	r.add(outcome{success: success, cost: cost, latencyMs: latency.Milliseconds()})
}

// Stats returns the aggregate for provider.
func (s *Scorer) Stats(provider stage.Provider) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rings[provider]; ok {
		return r.stats()
	}
	return Stats{}
}

// Score returns provider's composite score.
func (s *Scorer) Score(provider stage.Provider) float64 {
	return s.Stats(provider).Composite()
}

// All returns stats for every provider seen so far.
func (s *Scorer) All() map[stage.Provider]Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[stage.Provider]Stats, len(s.rings))
	for p, r := range s.rings {
		out[p] = r.stats()
	}
	return out
}

// Rank orders providers by descending composite score. Ties keep input order.
func (s *Scorer) Rank(providers []stage.Provider) []stage.Provider {
	scores := make(map[stage.Provider]float64, len(providers))
	for _, p := range providers {
		scores[p] = s.Score(p)
	}
	ranked := append([]stage.Provider(nil), providers...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i]] > scores[ranked[j]]
	})
	return ranked
}
