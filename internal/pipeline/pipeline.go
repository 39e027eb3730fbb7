package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/routing"
	"github.com/lodestone-ai/lodestone/internal/search"
	"github.com/lodestone-ai/lodestone/internal/session"
	"github.com/lodestone-ai/lodestone/internal/tracing"
	"github.com/lodestone-ai/lodestone/internal/vectorindex"
)

// RAG is the slice of the unified search layer the pipeline needs.
type RAG interface {
	Search(ctx context.Context, query string, opts search.Options) (search.Result, error)
}

// Router classifies messages and optionally summarizes history.
type Router interface {
	Classify(ctx context.Context, message string, history []string) (routing.Decision, error)
	Summarize(ctx context.Context, lines []string) (string, error)
}

// IndexStats reports vector index state for envelope metadata.
type IndexStats interface {
	Stats() vectorindex.Stats
}

// compressionBudget is the history character total beyond which optional
// compression summarizes the older messages.
const compressionBudget = 2000

// Pipeline turns an incoming message into an enrichment envelope. Every
// call returns an envelope; upstream failures degrade its contents.
type Pipeline struct {
	rag      RAG
	router   Router
	sessions *session.Manager
	index    IndexStats
	stats    *stats
	logger   *zap.Logger

	mu  sync.RWMutex
	cfg config.Config
}

// New wires the pipeline.
func New(rag RAG, router Router, sessions *session.Manager, index IndexStats, cfg config.Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		rag:      rag,
		router:   router,
		sessions: sessions,
		index:    index,
		cfg:      cfg,
		stats:    newStats(cfg.DecisionRingSize),
		logger:   logger,
	}
}

// Stats returns the observable pipeline state.
func (p *Pipeline) Stats(recent int) StatsSnapshot {
	return p.stats.snapshot(recent)
}

// UpdateConfig swaps in a freshly reloaded snapshot. Requests already in
// flight keep the one they started with.
func (p *Pipeline) UpdateConfig(cfg config.Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Pipeline) config() config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Assemble produces the enrichment envelope for one message. It never
// returns an error: the envelope's metadata and systemNotes carry whatever
// went wrong.
func (p *Pipeline) Assemble(ctx context.Context, message, sessionID string) Envelope {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "pipeline.assemble")
	defer span.End()

	cfg := p.config()
	lastActivity := p.sessions.LastActivity(sessionID)
	history := p.sessions.Recent(sessionID, cfg.HistoryForAssembly)
	p.sessions.Append(sessionID, session.Message{Role: "user", Text: message, Timestamp: start})

	if cfg.Features.SkipLogic {
		if skip, reason := ShouldSkip(message, lastActivity, start); skip {
			return p.finishSkipped(sessionID, history, reason, start)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.EnrichmentDeadline())
	defer cancel()

	notes := []string{}
	if cfg.Features.HistoryCompression {
		history = p.compressHistory(ctx, history, &notes)
	}

	routeHistory := historyLines(history, cfg.HistoryForRouting)

	var (
		ragRes   search.Result
		ragErr   error
		searchMs int64

		decision routing.Decision
		routeErr error
		routeMs  int64
	)

	ragBranch := func() {
		t := time.Now()
		ragRes, ragErr = p.rag.Search(ctx, message, search.Options{TopK: cfg.TopK})
		searchMs = time.Since(t).Milliseconds()
	}
	routeBranch := func() {
		t := time.Now()
		decision, routeErr = p.router.Classify(ctx, message, routeHistory)
		routeMs = time.Since(t).Milliseconds()
	}

	if cfg.Features.ParallelExecution {
		done := make(chan struct{})
		go func() {
			defer close(done)
			ragBranch()
		}()
		routeBranch()
		<-done
	} else {
		ragBranch()
		routeBranch()
	}

	degraded := ragRes.Degraded
	if ragErr != nil {
		degraded = true
		ragRes.Hits = nil
		notes = append(notes, fmt.Sprintf("retrieval unavailable: %v", ragErr))
		p.logger.Warn("RAG branch failed", zap.String("sessionId", sessionID), zap.Error(ragErr))
	}
	if routeErr != nil {
		degraded = true
		decision = routing.SafeDefault("classifier unavailable")
		notes = append(notes, fmt.Sprintf("routing unavailable: %v", routeErr))
		p.logger.Warn("Routing branch failed", zap.String("sessionId", sessionID), zap.Error(routeErr))
	}
	if ragRes.Degraded {
		notes = append(notes, "vector index unavailable: results from linear scan")
	}

	hits := ragRes.Hits
	if cfg.Features.RouteAwareSources {
		hits = trimByRoute(hits, decision.Route, cfg)
	}
	if hits == nil {
		hits = []search.Hit{}
	}

	branchMs := searchMs
	if cfg.Features.ParallelExecution {
		if routeMs > branchMs {
			branchMs = routeMs
		}
	} else {
		branchMs += routeMs
	}
	assembleMs := time.Since(start).Milliseconds() - branchMs
	if assembleMs < 0 {
		assembleMs = 0
	}

	env := Envelope{
		RagContext:       hits,
		RouteDecision:    decision,
		ShortTermHistory: history,
		SystemNotes:      notes,
		Metadata: Metadata{
			EnrichedAt:      start,
			LatencyMs:       time.Since(start).Milliseconds(),
			StageTimings:    StageTimings{Embed: ragRes.EmbedMs, Search: searchMs, Route: routeMs, Assemble: assembleMs},
			Skipped:         false,
			CacheHit:        ragRes.CacheHit,
			Degraded:        degraded,
			RagCount:        len(hits),
			IndexChunkCount: p.index.Stats().Rows,
		},
	}
	p.finish(sessionID, env)
	return env
}

func (p *Pipeline) finishSkipped(sessionID string, history []session.Message, reason string, start time.Time) Envelope {
	env := Envelope{
		RagContext:       []search.Hit{},
		RouteDecision:    routing.SkipDefault(),
		ShortTermHistory: history,
		SystemNotes:      []string{"enrichment skipped: " + reason},
		Metadata: Metadata{
			EnrichedAt:      start,
			LatencyMs:       time.Since(start).Milliseconds(),
			Skipped:         true,
			IndexChunkCount: p.index.Stats().Rows,
		},
	}
	p.finish(sessionID, env)
	return env
}

// finish records the decision and updates metrics.
func (p *Pipeline) finish(sessionID string, env Envelope) {
	outcome := "ok"
	switch {
	case env.Metadata.Skipped:
		outcome = "skipped"
	case env.Metadata.Degraded:
		outcome = "degraded"
	}
	metrics.RecordEnrichment(outcome, float64(env.Metadata.LatencyMs)/1000)
	metrics.RouteDecisions.WithLabelValues(string(env.RouteDecision.Route), "pipeline").Inc()
	if !env.Metadata.Skipped {
		metrics.RecordStage("embed", float64(env.Metadata.StageTimings.Embed)/1000)
		metrics.RecordStage("search", float64(env.Metadata.StageTimings.Search)/1000)
		metrics.RecordStage("route", float64(env.Metadata.StageTimings.Route)/1000)
		metrics.RecordStage("assemble", float64(env.Metadata.StageTimings.Assemble)/1000)
	}
	if p.config().Features.TimingStats {
		p.stats.record(DecisionRecord{
			At:        env.Metadata.EnrichedAt,
			SessionID: sessionID,
			Decision:  env.RouteDecision,
			LatencyMs: env.Metadata.LatencyMs,
			Skipped:   env.Metadata.Skipped,
			Degraded:  env.Metadata.Degraded,
		}, env.Metadata.StageTimings)
	}
}

// compressHistory summarizes older history when it exceeds the budget. On
// any failure the original history is kept.
func (p *Pipeline) compressHistory(ctx context.Context, history []session.Message, notes *[]string) []session.Message {
	total := 0
	for _, m := range history {
		total += len(m.Text)
	}
	if total <= compressionBudget || len(history) <= 2 {
		return history
	}
	older := history[:len(history)-2]
	summary, err := p.router.Summarize(ctx, historyLines(older, len(older)))
	if err != nil || summary == "" {
		return history
	}
	*notes = append(*notes, "older history compressed")
	out := make([]session.Message, 0, 3)
	out = append(out, session.Message{Role: "assistant", Text: "Summary of earlier conversation: " + summary, Timestamp: older[len(older)-1].Timestamp})
	out = append(out, history[len(history)-2:]...)
	return out
}

// historyLines renders the last n messages as "role: text" lines.
func historyLines(history []session.Message, n int) []string {
	if n > len(history) {
		n = len(history)
	}
	out := make([]string, 0, n)
	for _, m := range history[len(history)-n:] {
		out = append(out, m.Role+": "+m.Text)
	}
	return out
}

// trimByRoute applies the route-aware context table to already-ranked hits.
func trimByRoute(hits []search.Hit, route routing.Route, cfg config.Config) []search.Hit {
	rule := routing.TrimRuleFor(route)
	allowed := make(map[string]bool, len(rule.Sources))
	for _, s := range rule.Sources {
		allowed[s] = true
	}
	out := make([]search.Hit, 0, rule.TopK)
	for _, h := range hits {
		if !allowed[h.Source] {
			continue
		}
		if h.Score < cfg.MinScoreFor(h.Source)+rule.MinScoreBoost {
			continue
		}
		out = append(out, h)
		if len(out) == rule.TopK {
			break
		}
	}
	return out
}
