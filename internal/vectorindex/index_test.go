package vectorindex

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/embeddings"
	"github.com/lodestone-ai/lodestone/internal/store"
)

const testDim = 4

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := store.Open(path, testDim, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insert(t *testing.T, s *store.Store, source, locator, text string, v []float32) int64 {
	t.Helper()
	chunks := []store.Chunk{{
		Source:      source,
		Locator:     locator,
		Text:        text,
		Embedding:   embeddings.EncodeVector(v),
		ContentHash: "hash-" + text,
	}}
	require.NoError(t, s.UpsertBatch(context.Background(), chunks, nil))
	return chunks[0].ID
}

func newTestIndex(t *testing.T, s *store.Store) *Index {
	t.Helper()
	return New(s, testDim, time.Minute, zap.NewNop())
}

func TestSearchRanksByCosine(t *testing.T) {
	s := openTestStore(t)
	exact := insert(t, s, "memory", "a#0", "exact", []float32{1, 0, 0, 0})
	close_ := insert(t, s, "memory", "a#1", "close", []float32{0.9, 0.1, 0, 0})
	insert(t, s, "memory", "a#2", "orthogonal", []float32{0, 0, 1, 0})

	idx := newTestIndex(t, s)
	hits, degraded, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 10, 0.5, []string{"memory"})
	require.NoError(t, err)
	assert.False(t, degraded)
	require.Len(t, hits, 2)
	assert.Equal(t, exact, hits[0].ID)
	assert.Equal(t, close_, hits[1].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6, "identical direction scores 1 after normalization")
}

func TestSearchIsDeterministic(t *testing.T) {
	s := openTestStore(t)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		v := []float32{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}
		insert(t, s, "memory", fmt.Sprintf("m#%d", i), fmt.Sprintf("m%d", i), v)
	}
	idx := newTestIndex(t, s)
	query := []float32{0.3, 0.7, 0.1, 0.2}

	first, _, err := idx.Search(context.Background(), query, 10, 0, []string{"memory"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, _, err := idx.Search(context.Background(), query, 10, 0, []string{"memory"})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSearchMatchesLinearScan(t *testing.T) {
	s := openTestStore(t)
	rng := rand.New(rand.NewSource(7))
	sources := []string{"memory", "chat", "chat_export"}
	for i := 0; i < 120; i++ {
		v := []float32{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}
		src := sources[i%len(sources)]
		insert(t, s, src, fmt.Sprintf("x#%d", i), fmt.Sprintf("t%d", i), v)
	}
	idx := newTestIndex(t, s)
	query := []float32{0.5, 0.5, 0.5, 0.5}

	hits, degraded, err := idx.Search(context.Background(), query, 15, 0.2, sources)
	require.NoError(t, err)
	require.False(t, degraded)

	scan, err := s.LinearScan(context.Background(), query, 15, 0.2, sources)
	require.NoError(t, err)

	require.Len(t, hits, len(scan))
	for i := range hits {
		assert.Equal(t, scan[i].ID, hits[i].ID, "rank %d", i)
		assert.InDelta(t, scan[i].Score, hits[i].Score, 1e-6)
	}
}

func TestSearchTieBreaksByAscendingID(t *testing.T) {
	s := openTestStore(t)
	// Same direction, different magnitude: identical cosine scores.
	first := insert(t, s, "memory", "a#0", "tie-a", []float32{1, 0, 0, 0})
	second := insert(t, s, "memory", "a#1", "tie-b", []float32{2, 0, 0, 0})
	third := insert(t, s, "memory", "a#2", "tie-c", []float32{3, 0, 0, 0})

	idx := newTestIndex(t, s)
	hits, _, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 2, 0, []string{"memory"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, first, hits[0].ID)
	assert.Equal(t, second, hits[1].ID)
	_ = third
}

func TestSearchMasksSources(t *testing.T) {
	s := openTestStore(t)
	insert(t, s, "memory", "a#0", "mem", []float32{1, 0, 0, 0})
	chatID := insert(t, s, "chat", "s#0", "chat", []float32{1, 0, 0, 0})

	idx := newTestIndex(t, s)
	hits, _, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 10, 0, []string{"chat"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chatID, hits[0].ID)
	assert.Equal(t, "chat", hits[0].Source)
}

func TestInvalidateReloadsNewChunks(t *testing.T) {
	s := openTestStore(t)
	insert(t, s, "memory", "a#0", "old", []float32{1, 0, 0, 0})

	idx := newTestIndex(t, s)
	hits, _, err := idx.Search(context.Background(), []float32{0, 1, 0, 0}, 10, 0.9, []string{"memory"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	newID := insert(t, s, "memory", "a#1", "new", []float32{0, 1, 0, 0})
	idx.Invalidate()

	hits, _, err = idx.Search(context.Background(), []float32{0, 1, 0, 0}, 10, 0.9, []string{"memory"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, newID, hits[0].ID)
}

func TestSearchRejectsWrongDimension(t *testing.T) {
	s := openTestStore(t)
	idx := newTestIndex(t, s)
	_, _, err := idx.Search(context.Background(), []float32{1, 0}, 10, 0, []string{"memory"})
	require.Error(t, err)
}

func TestFallbackToLinearScanWhenLoadFails(t *testing.T) {
	s := openTestStore(t)
	id := insert(t, s, "memory", "a#0", "good", []float32{1, 0, 0, 0})
	// A row with the wrong dimension poisons the snapshot load; the linear
	// scan skips it instead.
	insert(t, s, "memory", "a#1", "poison", []float32{1, 0, 0, 0, 0, 0, 0, 0})

	idx := newTestIndex(t, s)
	hits, degraded, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 10, 0, []string{"memory"})
	require.NoError(t, err)
	assert.True(t, degraded)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].ID)
}

func TestStatsReportsSnapshot(t *testing.T) {
	s := openTestStore(t)
	insert(t, s, "memory", "a#0", "one", []float32{1, 0, 0, 0})
	insert(t, s, "chat", "s#0", "two", []float32{0, 1, 0, 0})

	idx := newTestIndex(t, s)
	assert.False(t, idx.Stats().Loaded, "nothing loads before the first search")

	_, _, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 5, 0, []string{"memory", "chat"})
	require.NoError(t, err)

	st := idx.Stats()
	assert.True(t, st.Loaded)
	assert.Equal(t, 2, st.Rows)
	assert.Equal(t, 2*testDim*4, st.Bytes)
	assert.Equal(t, map[string]int{"memory": 1, "chat": 1}, st.PerSourceCounts)
}
