package vectorindex

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/embeddings"
	"github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/store"
)

// Hit is a single search result.
type Hit struct {
	ID     int64
	Score  float64
	Source string
}

// Stats describes the current snapshot.
type Stats struct {
	Loaded          bool           `json:"loaded"`
	Rows            int            `json:"rows"`
	Bytes           int            `json:"bytes"`
	LoadedAt        time.Time      `json:"loadedAt"`
	PerSourceCounts map[string]int `json:"perSourceCounts"`
}

// sourceRange marks the contiguous rows belonging to one source.
type sourceRange struct {
	source     string
	start, end int // [start, end)
}

// snapshot is an immutable view of all chunk vectors: a row-major matrix of
// pre-normalized unit vectors plus a row-to-id map. Readers hold the
// snapshot they started with; a reload swaps the pointer atomically.
type snapshot struct {
	matrix   []float32 // rows * dim, unit rows
	ids      []int64
	ranges   []sourceRange
	dim      int
	loadedAt time.Time
}

func (s *snapshot) rows() int { return len(s.ids) }

// Index serves top-K cosine similarity over all chunk vectors. Loading is
// lazy: the first search after Invalidate (or after the staleness window)
// reloads from the store. If loading fails, searches transparently degrade
// to a linear scan over the store.
type Index struct {
	store     *store.Store
	dim       int
	staleness time.Duration
	logger    *zap.Logger

	loadMu sync.Mutex
	snap   atomic.Pointer[snapshot]
	stale  atomic.Bool
}

// New creates an index over the given store. No data is loaded until the
// first search.
func New(st *store.Store, dim int, staleness time.Duration, logger *zap.Logger) *Index {
	idx := &Index{
		store:     st,
		dim:       dim,
		staleness: staleness,
		logger:    logger,
	}
	idx.stale.Store(true)
	return idx
}

// Invalidate marks the snapshot stale. The next search reloads.
func (ix *Index) Invalidate() {
	ix.stale.Store(true)
}

// Stats reports the current snapshot without forcing a load.
func (ix *Index) Stats() Stats {
	snap := ix.snap.Load()
	if snap == nil {
		return Stats{PerSourceCounts: map[string]int{}}
	}
	counts := make(map[string]int, len(snap.ranges))
	for _, r := range snap.ranges {
		counts[r.source] = r.end - r.start
	}
	return Stats{
		Loaded:          true,
		Rows:            snap.rows(),
		Bytes:           len(snap.matrix) * 4,
		LoadedAt:        snap.loadedAt,
		PerSourceCounts: counts,
	}
}

// Search returns up to topK hits with score >= minScore across the given
// sources, ordered by descending score with ties broken by ascending chunk
// id. The second return value reports degraded mode (linear scan fallback).
func (ix *Index) Search(ctx context.Context, query []float32, topK int, minScore float64, sources []string) ([]Hit, bool, error) {
	if topK <= 0 {
		return nil, false, nil
	}
	if len(query) != ix.dim {
		return nil, false, fmt.Errorf("query dimension %d, index dimension %d", len(query), ix.dim)
	}

	start := time.Now()
	snap, err := ix.ensureLoaded(ctx)
	if err != nil {
		ix.logger.Warn("Vector index load failed, falling back to linear scan", zap.Error(err))
		hits, scanErr := ix.linearFallback(ctx, query, topK, minScore, sources)
		if scanErr != nil {
			metrics.RecordVectorSearch("error", time.Since(start).Seconds())
			return nil, true, scanErr
		}
		metrics.RecordVectorSearch("fallback", time.Since(start).Seconds())
		return hits, true, nil
	}

	qn := make([]float32, len(query))
	copy(qn, query)
	normalize(qn)

	want := make(map[string]bool, len(sources))
	for _, s := range sources {
		want[s] = true
	}

	top := newTopK(topK)
	for _, r := range snap.ranges {
		if !want[r.source] {
			continue
		}
		for row := r.start; row < r.end; row++ {
			score := dotRow(snap.matrix, row, snap.dim, qn)
			if score < minScore {
				continue
			}
			top.offer(Hit{ID: snap.ids[row], Score: score, Source: r.source})
		}
	}

	hits := top.drain()
	metrics.RecordVectorSearch("ok", time.Since(start).Seconds())
	return hits, false, nil
}

func (ix *Index) linearFallback(ctx context.Context, query []float32, topK int, minScore float64, sources []string) ([]Hit, error) {
	scan, err := ix.store.LinearScan(ctx, query, topK, minScore, sources)
	if err != nil {
		return nil, err
	}
	// LinearScan does not report sources; recover them on materialization.
	hits := make([]Hit, len(scan))
	for i, h := range scan {
		hits[i] = Hit{ID: h.ID, Score: h.Score}
	}
	return hits, nil
}

// ensureLoaded returns a usable snapshot, reloading when stale. If another
// goroutine is mid-load and a previous snapshot exists, searches proceed
// against it; partially loaded state is never visible.
func (ix *Index) ensureLoaded(ctx context.Context) (*snapshot, error) {
	snap := ix.snap.Load()
	fresh := snap != nil && !ix.stale.Load() && time.Since(snap.loadedAt) < ix.staleness
	if fresh {
		return snap, nil
	}

	if snap != nil && !ix.loadMu.TryLock() {
		// A reload is in flight; serve the previous snapshot.
		return snap, nil
	}
	if snap == nil {
		ix.loadMu.Lock()
	}
	defer ix.loadMu.Unlock()

	// Re-check under the lock: another loader may have finished.
	snap = ix.snap.Load()
	if snap != nil && !ix.stale.Load() && time.Since(snap.loadedAt) < ix.staleness {
		return snap, nil
	}

	newSnap, err := ix.load(ctx)
	if err != nil {
		metrics.IndexLoads.WithLabelValues("error").Inc()
		return nil, err
	}
	ix.snap.Store(newSnap)
	ix.stale.Store(false)
	metrics.IndexLoads.WithLabelValues("ok").Inc()
	metrics.IndexRows.Set(float64(newSnap.rows()))
	ix.logger.Info("Vector index loaded",
		zap.Int("rows", newSnap.rows()),
		zap.Int("bytes", len(newSnap.matrix)*4),
	)
	return newSnap, nil
}

// load builds a new snapshot from the store. Rows are normalized in place
// so cosine similarity reduces to a dot product at search time.
func (ix *Index) load(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{dim: ix.dim, loadedAt: time.Now()}
	for _, source := range config.KnownSources {
		start := len(snap.ids)
		err := ix.store.IterateEmbeddings(ctx, source, func(id int64, blob []byte) error {
			v, err := embeddings.DecodeVector(blob)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", id, err)
			}
			if len(v) != ix.dim {
				return fmt.Errorf("chunk %d: dimension %d, want %d", id, len(v), ix.dim)
			}
			normalize(v)
			snap.matrix = append(snap.matrix, v...)
			snap.ids = append(snap.ids, id)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", source, err)
		}
		if end := len(snap.ids); end > start {
			snap.ranges = append(snap.ranges, sourceRange{source: source, start: start, end: end})
		}
	}
	return snap, nil
}

func dotRow(matrix []float32, row, dim int, q []float32) float64 {
	base := row * dim
	var sum float64
	for i := 0; i < dim; i++ {
		sum += float64(matrix[base+i]) * float64(q[i])
	}
	return sum
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

// topK keeps the K best hits using a bounded min-heap, avoiding a full
// sort over all rows. Ordering: higher score wins; equal scores prefer the
// lower chunk id.
type topK struct {
	k    int
	hits hitHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, hits: make(hitHeap, 0, k)}
}

func (t *topK) offer(h Hit) {
	if len(t.hits) < t.k {
		heap.Push(&t.hits, h)
		return
	}
	if worse(t.hits[0], h) {
		t.hits[0] = h
		heap.Fix(&t.hits, 0)
	}
}

func (t *topK) drain() []Hit {
	out := make([]Hit, len(t.hits))
	copy(out, t.hits)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// worse reports whether a ranks strictly below b.
func worse(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ID > b.ID
}

type hitHeap []Hit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
