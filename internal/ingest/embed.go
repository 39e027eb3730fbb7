package ingest

import (
	"context"
	"fmt"

	"github.com/lodestone-ai/lodestone/internal/embeddings"
	"github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/store"
)

// fillEmbeddings populates Embedding on every chunk, reusing stored blobs
// for known content hashes and batch-embedding the rest. Returns how many
// embeddings were reused.
func fillEmbeddings(ctx context.Context, st *store.Store, embedder Embedder, batchSize int, chunks []store.Chunk) (int, error) {
	var missing []int
	reused := 0
	for i := range chunks {
		blob, ok, err := st.EmbeddingByHash(ctx, chunks[i].ContentHash)
		if err != nil {
			return 0, fmt.Errorf("hash lookup: %w", err)
		}
		if ok {
			chunks[i].Embedding = blob
			reused++
			continue
		}
		missing = append(missing, i)
	}
	if reused > 0 {
		metrics.IngestEmbeddingsReused.Add(float64(reused))
	}

	if batchSize <= 0 {
		batchSize = 10
	}
	for start := 0; start < len(missing); start += batchSize {
		end := start + batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]
		texts := make([]string, len(batch))
		for j, idx := range batch {
			texts[j] = chunks[idx].Text
		}
		vecs, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embed batch: %w", err)
		}
		for j, idx := range batch {
			chunks[idx].Embedding = embeddings.EncodeVector(vecs[j])
		}
	}
	return reused, nil
}
