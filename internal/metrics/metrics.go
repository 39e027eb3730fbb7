package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Enrichment pipeline metrics
	EnrichRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_enrich_requests_total",
			Help: "Total number of enrichment requests",
		},
		[]string{"outcome"}, // enriched, skipped, degraded
	)

	EnrichLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lodestone_enrich_latency_seconds",
			Help:    "Total enrichment latency in seconds",
			Buckets: []float64{0.005, 0.05, 0.1, 0.25, 0.5, 1, 1.5, 2.5, 5},
		},
	)

	EnrichStageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lodestone_enrich_stage_latency_seconds",
			Help:    "Per-stage enrichment latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"}, // embed, search, route, assemble
	)

	RouteDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_route_decisions_total",
			Help: "Total route decisions by resolved route",
		},
		[]string{"route", "source"}, // source: classifier, default, fallback
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lodestone_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	EmbeddingCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodestone_embedding_cache_hits_total",
			Help: "Total number of query embedding cache hits",
		},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodestone_embedding_cache_misses_total",
			Help: "Total number of query embedding cache misses",
		},
	)

	// Vector index metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"status"}, // ok, fallback, error
	)

	VectorSearchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lodestone_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	IndexRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lodestone_index_rows",
			Help: "Number of chunk vectors currently loaded in the index",
		},
	)

	IndexLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_index_loads_total",
			Help: "Total number of vector index loads",
		},
		[]string{"status"},
	)

	// Ingest metrics
	IngestBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_ingest_batches_total",
			Help: "Total number of ingest batches committed",
		},
		[]string{"source", "status"},
	)

	IngestChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_ingest_chunks_total",
			Help: "Total number of chunks written by ingest",
		},
		[]string{"source"},
	)

	IngestEmbeddingsReused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodestone_ingest_embeddings_reused_total",
			Help: "Chunks whose embedding was reused via content hash",
		},
	)

	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lodestone_sessions_active",
			Help: "Number of sessions with a live short-term buffer",
		},
	)

	SessionEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodestone_session_evictions_total",
			Help: "Total number of idle session buffers evicted",
		},
	)
)

// RecordEnrichment records outcome and latency for a completed enrichment call.
func RecordEnrichment(outcome string, durationSeconds float64) {
	EnrichRequests.WithLabelValues(outcome).Inc()
	if durationSeconds > 0 {
		EnrichLatency.Observe(durationSeconds)
	}
}

// RecordStage records a single pipeline stage duration.
func RecordStage(stage string, durationSeconds float64) {
	if durationSeconds > 0 {
		EnrichStageLatency.WithLabelValues(stage).Observe(durationSeconds)
	}
}

// RecordEmbedding records embedding request metrics.
func RecordEmbedding(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordVectorSearch records vector search metrics.
func RecordVectorSearch(status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.Observe(durationSeconds)
	}
}

// RecordIngestBatch records an ingest batch commit or failure.
func RecordIngestBatch(source, status string, chunks int) {
	IngestBatches.WithLabelValues(source, status).Inc()
	if chunks > 0 {
		IngestChunks.WithLabelValues(source).Add(float64(chunks))
	}
}
