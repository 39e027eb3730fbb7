package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/routing"
	"github.com/lodestone-ai/lodestone/internal/search"
	"github.com/lodestone-ai/lodestone/internal/session"
	"github.com/lodestone-ai/lodestone/internal/vectorindex"
)

type fakeRAG struct {
	res   search.Result
	err   error
	delay time.Duration
	calls atomic.Int64
}

func (f *fakeRAG) Search(ctx context.Context, query string, opts search.Options) (search.Result, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return search.Result{}, ctx.Err()
		}
	}
	return f.res, f.err
}

type fakeRouter struct {
	decision routing.Decision
	err      error
	summary  string
	delay    time.Duration
	calls    atomic.Int64
}

func (f *fakeRouter) Classify(ctx context.Context, message string, history []string) (routing.Decision, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return routing.Decision{}, ctx.Err()
		}
	}
	return f.decision, f.err
}

func (f *fakeRouter) Summarize(ctx context.Context, lines []string) (string, error) {
	return f.summary, nil
}

type fakeIndexStats struct {
	rows int
}

func (f *fakeIndexStats) Stats() vectorindex.Stats {
	return vectorindex.Stats{Loaded: true, Rows: f.rows}
}

func memHit(locator string, score float64) search.Hit {
	return search.Hit{Source: "memory", Locator: locator, Text: "note " + locator, Score: score}
}

type testBench struct {
	pipe     *Pipeline
	rag      *fakeRAG
	router   *fakeRouter
	sessions *session.Manager
	cfg      config.Config
}

func newBench(t *testing.T, mutate func(*config.Config)) *testBench {
	t.Helper()
	cfg := config.Defaults()
	if mutate != nil {
		mutate(&cfg)
	}
	rag := &fakeRAG{res: search.Result{
		Hits: []search.Hit{memHit("notes#0", 0.9)},
	}}
	router := &fakeRouter{decision: routing.Decision{
		Route:         routing.RouteSonnet,
		Reason:        "real work",
		Priority:      routing.PriorityMedium,
		Confidence:    routing.ConfidenceHigh,
		FallbackChain: routing.FallbackChain(routing.RouteSonnet),
	}}
	sessions := session.NewManager(cfg.ShortTermSize, zap.NewNop())
	t.Cleanup(sessions.Close)
	return &testBench{
		pipe:     New(rag, router, sessions, &fakeIndexStats{rows: 7}, cfg, zap.NewNop()),
		rag:      rag,
		router:   router,
		sessions: sessions,
		cfg:      cfg,
	}
}

const realQuestion = "how should we structure the fermentation logging pipeline?"

func TestAssembleProducesFullEnvelope(t *testing.T) {
	b := newBench(t, nil)

	env := b.pipe.Assemble(context.Background(), realQuestion, "s1")
	require.Len(t, env.RagContext, 1)
	assert.Equal(t, "notes#0", env.RagContext[0].Locator)
	assert.Equal(t, routing.RouteSonnet, env.RouteDecision.Route)
	assert.Empty(t, env.ShortTermHistory, "the incoming message is not its own history")
	assert.Empty(t, env.SystemNotes)
	assert.False(t, env.Metadata.Skipped)
	assert.False(t, env.Metadata.Degraded)
	assert.Equal(t, 1, env.Metadata.RagCount)
	assert.Equal(t, 7, env.Metadata.IndexChunkCount)
	assert.False(t, env.Metadata.EnrichedAt.IsZero())
}

func TestUpdateConfigSwapsKnobs(t *testing.T) {
	b := newBench(t, nil)

	env := b.pipe.Assemble(context.Background(), "thanks", "s1")
	assert.True(t, env.Metadata.Skipped)

	// A hot reload that disables skip logic applies to the next request.
	next := b.cfg
	next.Features.SkipLogic = false
	b.pipe.UpdateConfig(next)

	env = b.pipe.Assemble(context.Background(), "thanks", "s1")
	assert.False(t, env.Metadata.Skipped)
	assert.Equal(t, int64(1), b.rag.calls.Load())
}

func TestAssembleSkipsTrivialMessages(t *testing.T) {
	b := newBench(t, nil)

	env := b.pipe.Assemble(context.Background(), "thanks", "s1")
	assert.True(t, env.Metadata.Skipped)
	assert.Equal(t, routing.RouteHaiku, env.RouteDecision.Route)
	assert.Empty(t, env.RagContext)
	require.Len(t, env.SystemNotes, 1)
	assert.Contains(t, env.SystemNotes[0], "skipped")

	// Neither upstream was consulted.
	assert.Equal(t, int64(0), b.rag.calls.Load())
	assert.Equal(t, int64(0), b.router.calls.Load())
}

func TestAssembleSkipLogicDisabled(t *testing.T) {
	b := newBench(t, func(c *config.Config) { c.Features.SkipLogic = false })

	env := b.pipe.Assemble(context.Background(), "thanks", "s1")
	assert.False(t, env.Metadata.Skipped)
	assert.Equal(t, int64(1), b.rag.calls.Load())
}

func TestAssembleSkipsRapidFollowup(t *testing.T) {
	b := newBench(t, nil)

	first := b.pipe.Assemble(context.Background(), realQuestion, "s1")
	require.False(t, first.Metadata.Skipped)

	env := b.pipe.Assemble(context.Background(), "and what about the temperature sensors here?", "s1")
	assert.True(t, env.Metadata.Skipped)
	assert.Contains(t, env.SystemNotes[0], "rapid follow-up")
}

func TestAssembleDegradesOnSearchFailure(t *testing.T) {
	b := newBench(t, nil)
	b.rag.err = errors.New("embedding backend down")

	env := b.pipe.Assemble(context.Background(), realQuestion, "s1")
	assert.True(t, env.Metadata.Degraded)
	assert.Empty(t, env.RagContext)
	assert.Equal(t, routing.RouteSonnet, env.RouteDecision.Route, "routing still ran")

	found := false
	for _, n := range env.SystemNotes {
		if strings.Contains(n, "retrieval unavailable") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAssembleDegradesOnRoutingFailure(t *testing.T) {
	b := newBench(t, nil)
	b.router.err = errors.New("classifier down")

	env := b.pipe.Assemble(context.Background(), realQuestion, "s1")
	assert.True(t, env.Metadata.Degraded)
	assert.Equal(t, routing.RouteSonnet, env.RouteDecision.Route)
	assert.Equal(t, routing.ConfidenceLow, env.RouteDecision.Confidence)
	require.NotEmpty(t, env.RagContext, "retrieval still served")
}

func TestAssembleMarksDegradedIndexFallback(t *testing.T) {
	b := newBench(t, nil)
	b.rag.res.Degraded = true

	env := b.pipe.Assemble(context.Background(), realQuestion, "s1")
	assert.True(t, env.Metadata.Degraded)
	require.NotEmpty(t, env.RagContext, "linear-scan results are still context")

	found := false
	for _, n := range env.SystemNotes {
		if strings.Contains(n, "linear scan") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAssembleHonorsDeadline(t *testing.T) {
	b := newBench(t, func(c *config.Config) { c.EnrichmentDeadlineMs = 200 })
	b.rag.delay = 5 * time.Second

	start := time.Now()
	env := b.pipe.Assemble(context.Background(), realQuestion, "s1")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "a stuck branch cannot block the envelope")
	assert.True(t, env.Metadata.Degraded)
	assert.Empty(t, env.RagContext)
}

func TestAssembleRunsBranchesInParallel(t *testing.T) {
	b := newBench(t, nil)
	b.rag.delay = 200 * time.Millisecond
	b.router.delay = 200 * time.Millisecond

	start := time.Now()
	env := b.pipe.Assemble(context.Background(), realQuestion, "s1")
	elapsed := time.Since(start)

	assert.False(t, env.Metadata.Degraded)
	assert.Less(t, elapsed, 350*time.Millisecond, "branches overlap")
}

func TestAssembleSequentialWhenParallelDisabled(t *testing.T) {
	b := newBench(t, func(c *config.Config) { c.Features.ParallelExecution = false })
	b.rag.delay = 150 * time.Millisecond
	b.router.delay = 150 * time.Millisecond

	start := time.Now()
	env := b.pipe.Assemble(context.Background(), realQuestion, "s1")
	elapsed := time.Since(start)

	assert.False(t, env.Metadata.Degraded)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestAssembleTrimsContextForWeakRoutes(t *testing.T) {
	b := newBench(t, nil)
	b.rag.res.Hits = []search.Hit{
		memHit("notes#0", 0.9),
		memHit("notes#1", 0.8),
		{Source: "chat", Locator: "sess#0", Text: "chat", Score: 0.85},
		memHit("notes#2", 0.7),
		memHit("notes#3", 0.6),
		memHit("notes#4", 0.40), // below 0.35 + 0.1 boost
	}
	b.router.decision = routing.Decision{
		Route:      routing.RouteQwenLocal,
		Reason:     "casual",
		Priority:   routing.PriorityLow,
		Confidence: routing.ConfidenceHigh,
	}

	env := b.pipe.Assemble(context.Background(), realQuestion, "s1")
	require.Len(t, env.RagContext, 3, "qwen_local gets at most three chunks")
	for _, h := range env.RagContext {
		assert.Equal(t, "memory", h.Source)
		assert.GreaterOrEqual(t, h.Score, 0.45)
	}
}

func TestAssembleCarriesShortTermHistory(t *testing.T) {
	b := newBench(t, nil)
	b.sessions.Append("s1", session.Message{Role: "user", Text: "earlier question", Timestamp: time.Now().Add(-time.Minute)})
	b.sessions.Append("s1", session.Message{Role: "assistant", Text: "earlier answer", Timestamp: time.Now().Add(-time.Minute)})

	env := b.pipe.Assemble(context.Background(), realQuestion, "s1")
	require.Len(t, env.ShortTermHistory, 2)
	assert.Equal(t, "earlier question", env.ShortTermHistory[0].Text)
	assert.Equal(t, "earlier answer", env.ShortTermHistory[1].Text)
}

func TestAssembleCompressesLongHistory(t *testing.T) {
	b := newBench(t, func(c *config.Config) { c.Features.HistoryCompression = true })
	b.router.summary = "they discussed fermentation logging at length"

	long := strings.Repeat("a detailed message about brewing hardware ", 20)
	old := time.Now().Add(-10 * time.Minute)
	for i := 0; i < 4; i++ {
		b.sessions.Append("s1", session.Message{Role: "user", Text: long + string(rune('a'+i)), Timestamp: old})
	}

	env := b.pipe.Assemble(context.Background(), realQuestion, "s1")
	require.Len(t, env.ShortTermHistory, 3, "summary plus the last two messages")
	assert.Contains(t, env.ShortTermHistory[0].Text, "Summary of earlier conversation")
	assert.Contains(t, env.ShortTermHistory[0].Text, b.router.summary)

	found := false
	for _, n := range env.SystemNotes {
		if strings.Contains(n, "compressed") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestStatsAccumulateOutcomes(t *testing.T) {
	b := newBench(t, nil)

	b.pipe.Assemble(context.Background(), realQuestion, "s1")
	b.pipe.Assemble(context.Background(), "ok", "s2")
	b.rag.err = errors.New("down")
	b.pipe.Assemble(context.Background(), "another substantial question about storage", "s3")

	snap := b.pipe.Stats(10)
	assert.Equal(t, int64(3), snap.Requests)
	assert.Equal(t, int64(1), snap.Skipped)
	assert.Equal(t, int64(1), snap.Degraded)
	assert.InDelta(t, 1.0/3.0, snap.SkipRate, 1e-9)
	require.Len(t, snap.RecentDecisions, 3)
	assert.Equal(t, "s3", snap.RecentDecisions[0].SessionID, "newest first")
	assert.Equal(t, "s1", snap.RecentDecisions[2].SessionID)
	assert.Equal(t, int64(2), snap.RouteCounts[string(routing.RouteSonnet)])
	assert.Equal(t, int64(1), snap.RouteCounts[string(routing.RouteHaiku)])
}

func TestStatsRingWrapsAround(t *testing.T) {
	s := newStats(4)
	for i := 0; i < 10; i++ {
		s.record(DecisionRecord{SessionID: string(rune('a' + i)), LatencyMs: int64(i)}, StageTimings{})
	}
	snap := s.snapshot(0)
	assert.Equal(t, int64(10), snap.Requests)
	require.Len(t, snap.RecentDecisions, 4, "the ring keeps only the newest entries")
	assert.Equal(t, "j", snap.RecentDecisions[0].SessionID)
	assert.Equal(t, "g", snap.RecentDecisions[3].SessionID)
}

func TestStatsTimingDisabled(t *testing.T) {
	b := newBench(t, func(c *config.Config) { c.Features.TimingStats = false })
	b.pipe.Assemble(context.Background(), realQuestion, "s1")

	snap := b.pipe.Stats(10)
	assert.Equal(t, int64(0), snap.Requests)
	assert.Empty(t, snap.RecentDecisions)
}
