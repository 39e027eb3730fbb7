package pipeline

import (
	"sync"
	"time"

	"github.com/lodestone-ai/lodestone/internal/routing"
)

// DecisionRecord is one enrichment outcome kept for observability.
type DecisionRecord struct {
	At        time.Time        `json:"at"`
	SessionID string           `json:"sessionId"`
	Decision  routing.Decision `json:"decision"`
	LatencyMs int64            `json:"latencyMs"`
	Skipped   bool             `json:"skipped"`
	Degraded  bool             `json:"degraded"`
}

// StatsSnapshot is the observable pipeline state served by the stats
// endpoint.
type StatsSnapshot struct {
	Requests        int64            `json:"requests"`
	Skipped         int64            `json:"skipped"`
	Degraded        int64            `json:"degraded"`
	SkipRate        float64          `json:"skipRate"`
	AvgLatencyMs    float64          `json:"avgLatencyMs"`
	AvgStageMs      StageAverages    `json:"avgStageMs"`
	RouteCounts     map[string]int64 `json:"routeCounts"`
	RecentDecisions []DecisionRecord `json:"recentDecisions"`
}

// StageAverages are running means over non-skipped requests.
type StageAverages struct {
	Embed    float64 `json:"embed"`
	Search   float64 `json:"search"`
	Route    float64 `json:"route"`
	Assemble float64 `json:"assemble"`
}

// stats keeps a bounded ring of recent decisions plus running averages.
type stats struct {
	mu sync.Mutex

	ring []DecisionRecord
	next int
	full bool

	requests int64
	skipped  int64
	degraded int64
	enriched int64

	latencySum float64
	stageSums  StageAverages
	routes     map[string]int64
}

func newStats(ringSize int) *stats {
	if ringSize <= 0 {
		ringSize = 256
	}
	return &stats{
		ring:   make([]DecisionRecord, ringSize),
		routes: make(map[string]int64),
	}
}

func (s *stats) record(rec DecisionRecord, timings StageTimings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[s.next] = rec
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}

	s.requests++
	s.latencySum += float64(rec.LatencyMs)
	s.routes[string(rec.Decision.Route)]++
	if rec.Skipped {
		s.skipped++
		return
	}
	if rec.Degraded {
		s.degraded++
	}
	s.enriched++
	s.stageSums.Embed += float64(timings.Embed)
	s.stageSums.Search += float64(timings.Search)
	s.stageSums.Route += float64(timings.Route)
	s.stageSums.Assemble += float64(timings.Assemble)
}

func (s *stats) snapshot(recent int) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Requests:    s.requests,
		Skipped:     s.skipped,
		Degraded:    s.degraded,
		RouteCounts: make(map[string]int64, len(s.routes)),
	}
	for r, n := range s.routes {
		snap.RouteCounts[r] = n
	}
	if s.requests > 0 {
		snap.SkipRate = float64(s.skipped) / float64(s.requests)
		snap.AvgLatencyMs = s.latencySum / float64(s.requests)
	}
	if s.enriched > 0 {
		n := float64(s.enriched)
		snap.AvgStageMs = StageAverages{
			Embed:    s.stageSums.Embed / n,
			Search:   s.stageSums.Search / n,
			Route:    s.stageSums.Route / n,
			Assemble: s.stageSums.Assemble / n,
		}
	}

	size := s.next
	if s.full {
		size = len(s.ring)
	}
	if recent <= 0 || recent > size {
		recent = size
	}
	snap.RecentDecisions = make([]DecisionRecord, 0, recent)
	// Newest first.
	for i := 0; i < recent; i++ {
		idx := (s.next - 1 - i + len(s.ring)) % len(s.ring)
		snap.RecentDecisions = append(snap.RecentDecisions, s.ring[idx])
	}
	return snap
}
