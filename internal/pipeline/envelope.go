package pipeline

import (
	"time"

	"github.com/lodestone-ai/lodestone/internal/routing"
	"github.com/lodestone-ai/lodestone/internal/search"
	"github.com/lodestone-ai/lodestone/internal/session"
)

// StageTimings holds per-stage wall-clock milliseconds.
type StageTimings struct {
	Embed    int64 `json:"embed"`
	Search   int64 `json:"search"`
	Route    int64 `json:"route"`
	Assemble int64 `json:"assemble"`
}

// Metadata describes how an envelope was produced.
type Metadata struct {
	EnrichedAt      time.Time    `json:"enrichedAt"`
	LatencyMs       int64        `json:"latencyMs"`
	StageTimings    StageTimings `json:"stageTimings"`
	Skipped         bool         `json:"skipped"`
	CacheHit        bool         `json:"cacheHit"`
	Degraded        bool         `json:"degraded"`
	RagCount        int          `json:"ragCount"`
	IndexChunkCount int          `json:"indexChunkCount"`
}

// Envelope is the enrichment result returned to callers. Every request
// produces one; failures degrade its contents rather than replacing it
// with an error.
type Envelope struct {
	RagContext       []search.Hit      `json:"ragContext"`
	RouteDecision    routing.Decision  `json:"routeDecision"`
	ShortTermHistory []session.Message `json:"shortTermHistory"`
	SystemNotes      []string          `json:"systemNotes"`
	Metadata         Metadata          `json:"metadata"`
}
