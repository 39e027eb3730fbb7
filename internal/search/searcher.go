package search

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/embeddings"
	"github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/routing"
	"github.com/lodestone-ai/lodestone/internal/store"
	"github.com/lodestone-ai/lodestone/internal/vectorindex"
)

// Embedder is the slice of the embedding client search needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Options selects what a search returns. Zero values fall back to config.
type Options struct {
	TopK      int
	Sources   []string
	MinScores map[string]float64
	RouteHint routing.Route // empty means no route-aware trimming
}

// Hit is one materialized search result.
type Hit struct {
	Source  string  `json:"source"`
	Locator string  `json:"locator"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

// Result carries hits plus how they were obtained.
type Result struct {
	Hits     []Hit `json:"results"`
	CacheHit bool  `json:"cacheHit"`
	Degraded bool  `json:"degraded"`
	EmbedMs  int64 `json:"-"` // time spent resolving the query vector
}

// Searcher is the unified search layer: query embedding (cached), vector
// search with overfetch, materialization, per-source score filtering,
// content-hash deduplication, and route-aware trimming.
type Searcher struct {
	embedder Embedder
	cache    embeddings.Cache // nil disables query-embedding caching
	cacheTTL time.Duration
	index    *vectorindex.Index
	store    *store.Store
	logger   *zap.Logger

	mu  sync.RWMutex
	cfg config.Config
}

// New creates a searcher. cache may be nil when the embedding cache is
// disabled.
func New(embedder Embedder, cache embeddings.Cache, cacheTTL time.Duration, index *vectorindex.Index, st *store.Store, cfg config.Config, logger *zap.Logger) *Searcher {
	return &Searcher{
		embedder: embedder,
		cache:    cache,
		cacheTTL: cacheTTL,
		index:    index,
		store:    st,
		cfg:      cfg,
		logger:   logger,
	}
}

// UpdateConfig swaps in a freshly reloaded snapshot. In-flight searches
// keep the one they started with.
func (s *Searcher) UpdateConfig(cfg config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Searcher) config() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Search runs the full query path. An embedding failure is returned to the
// caller; index failures degrade transparently (Result.Degraded).
func (s *Searcher) Search(ctx context.Context, query string, opts Options) (Result, error) {
	cfg := s.config()
	topK := opts.TopK
	if topK <= 0 {
		topK = cfg.TopK
	}
	sources := opts.Sources
	if len(sources) == 0 {
		sources = config.KnownSources
	}
	minScores := opts.MinScores
	if minScores == nil {
		minScores = cfg.MinScore
	}

	// Route-aware trimming narrows sources, shrinks topK, and raises the
	// score floor before the index is consulted.
	var boost float64
	if opts.RouteHint != "" {
		rule := routing.TrimRuleFor(opts.RouteHint)
		sources = intersect(sources, rule.Sources)
		if rule.TopK < topK {
			topK = rule.TopK
		}
		boost = rule.MinScoreBoost
	}
	if topK <= 0 || len(sources) == 0 {
		return Result{}, nil
	}

	embedStart := time.Now()
	vec, cacheHit, err := s.queryVector(ctx, query)
	if err != nil {
		return Result{}, err
	}
	embedMs := time.Since(embedStart).Milliseconds()

	floor := lowestScore(minScores, sources, boost)
	overfetch := topK * cfg.Overfetch

	var ids []int64
	scores := make(map[int64]float64)
	degraded := false
	if cfg.Features.VectorIndex {
		raw, deg, err := s.index.Search(ctx, vec, overfetch, floor, sources)
		if err != nil {
			return Result{CacheHit: cacheHit, Degraded: deg, EmbedMs: embedMs}, fmt.Errorf("vector search: %w", err)
		}
		degraded = deg
		for _, h := range raw {
			ids = append(ids, h.ID)
			scores[h.ID] = h.Score
		}
	} else {
		// Index disabled: the store's linear scan is the configured path,
		// not a degradation.
		raw, err := s.store.LinearScan(ctx, vec, overfetch, floor, sources)
		if err != nil {
			return Result{CacheHit: cacheHit, EmbedMs: embedMs}, fmt.Errorf("linear scan: %w", err)
		}
		for _, h := range raw {
			ids = append(ids, h.ID)
			scores[h.ID] = h.Score
		}
	}
	if len(ids) == 0 {
		return Result{Hits: []Hit{}, CacheHit: cacheHit, Degraded: degraded, EmbedMs: embedMs}, nil
	}
	chunks, err := s.store.ReadByIDs(ctx, ids)
	if err != nil {
		return Result{CacheHit: cacheHit, Degraded: degraded}, fmt.Errorf("materialize hits: %w", err)
	}

	// Per-source floors, then dedupe identical text keeping the higher score.
	bestByHash := make(map[string]int, len(chunks))
	hits := make([]Hit, 0, topK)
	for _, c := range chunks {
		score := scores[c.ID]
		min := minScores[c.Source] + boost
		if score < min {
			continue
		}
		if prev, ok := bestByHash[c.ContentHash]; ok {
			if score > hits[prev].Score {
				hits[prev] = Hit{Source: c.Source, Locator: c.Locator, Text: c.Text, Score: score}
			}
			continue
		}
		bestByHash[c.ContentHash] = len(hits)
		hits = append(hits, Hit{Source: c.Source, Locator: c.Locator, Text: c.Text, Score: score})
	}
	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return Result{Hits: hits, CacheHit: cacheHit, Degraded: degraded, EmbedMs: embedMs}, nil
}

// queryVector resolves the query's embedding through the cache.
func (s *Searcher) queryVector(ctx context.Context, query string) ([]float32, bool, error) {
	canonical := embeddings.CanonicalQuery(query)
	key := embeddings.MakeKey(s.embedder.Model(), canonical)
	if s.cache != nil {
		if vec, ok := s.cache.Get(ctx, key); ok {
			metrics.EmbeddingCacheHits.Inc()
			return vec, true, nil
		}
		metrics.EmbeddingCacheMisses.Inc()
	}
	vec, err := s.embedder.Embed(ctx, canonical)
	if err != nil {
		return nil, false, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, key, vec, s.cacheTTL)
	}
	return vec, false, nil
}

// lowestScore returns the most permissive floor across the requested
// sources; per-source floors are re-applied after materialization.
func lowestScore(minScores map[string]float64, sources []string, boost float64) float64 {
	low := 1.0
	for _, src := range sources {
		if v, ok := minScores[src]; ok && v < low {
			low = v
		}
	}
	if low == 1.0 {
		low = 0
	}
	return low + boost
}

func intersect(a, b []string) []string {
	allowed := make(map[string]bool, len(b))
	for _, s := range b {
		allowed[s] = true
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}

// sortHits orders by descending score; equal scores keep their index order
// (which is already id-ascending from the index).
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}
