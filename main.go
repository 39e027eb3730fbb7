package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/embeddings"
	"github.com/lodestone-ai/lodestone/internal/health"
	"github.com/lodestone-ai/lodestone/internal/httpapi"
	"github.com/lodestone-ai/lodestone/internal/ingest"
	"github.com/lodestone-ai/lodestone/internal/pipeline"
	"github.com/lodestone-ai/lodestone/internal/routing"
	"github.com/lodestone-ai/lodestone/internal/search"
	"github.com/lodestone-ai/lodestone/internal/session"
	"github.com/lodestone-ai/lodestone/internal/store"
	"github.com/lodestone-ai/lodestone/internal/tracing"
	"github.com/lodestone-ai/lodestone/internal/vectorindex"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Printf("Failed to initialize logger: %v", err)
		return 1
	}
	defer logger.Sync()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Error("Configuration invalid", zap.Error(err))
		return 1
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  "lodestone",
		OTLPEndpoint: cfg.TracingEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	st, err := store.Open(cfg.DBPath, cfg.EmbeddingDimension, logger)
	if err != nil {
		logger.Error("Chunk store unavailable", zap.String("path", cfg.DBPath), zap.Error(err))
		return 1
	}
	defer st.Close()

	embedder := embeddings.NewClient(embeddings.Config{
		BaseURL:     cfg.EmbeddingBaseURL,
		Model:       cfg.EmbeddingModel,
		Dimension:   cfg.EmbeddingDimension,
		Timeout:     cfg.EmbeddingTimeout(),
		Concurrency: int64(cfg.EmbeddingConcurrency),
	}, logger)

	var cache embeddings.Cache
	if cfg.Features.EmbeddingCache {
		lru := embeddings.NewLocalLRU(cfg.EmbeddingCacheSize)
		if cfg.RedisAddr != "" {
			redis, err := embeddings.NewRedisCache(cfg.RedisAddr)
			if err != nil {
				logger.Warn("Redis cache unavailable, using local cache only",
					zap.String("addr", cfg.RedisAddr), zap.Error(err))
				cache = lru
			} else {
				defer redis.Close()
				cache = embeddings.NewTieredCache(lru, redis, cfg.EmbeddingCacheTTL())
			}
		} else {
			cache = lru
		}
	}

	index := vectorindex.New(st, cfg.EmbeddingDimension, cfg.IndexStaleness(), logger)
	searcher := search.New(embedder, cache, cfg.EmbeddingCacheTTL(), index, st, cfg, logger)
	classifier := routing.NewClassifier(routing.ClassifierConfig{
		BaseURL: cfg.RouterBaseURL,
		Model:   cfg.RouterModel,
		Timeout: cfg.RouterTimeout(),
	}, logger)
	sessions := session.NewManager(cfg.ShortTermSize, logger)
	defer sessions.Close()
	pipe := pipeline.New(searcher, classifier, sessions, index, cfg, logger)
	importer := ingest.NewImporter(st, embedder, index, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var memory *ingest.MemoryIndexer
	var chat *ingest.Watcher
	for source, dir := range cfg.WatchDirs {
		if dir == "" {
			continue
		}
		switch source {
		case config.SourceMemory:
			memory = ingest.NewMemoryIndexer(dir, st, embedder, index, cfg, logger)
			wg.Add(1)
			go func(m *ingest.MemoryIndexer) {
				defer wg.Done()
				m.Run(ctx)
			}(memory)
		case config.SourceChat:
			chat = ingest.NewWatcher(source, dir, st, embedder, index, cfg, logger)
			wg.Add(1)
			go func(w *ingest.Watcher) {
				defer wg.Done()
				w.Run(ctx)
			}(chat)
		default:
			// chat_export is ingested through POST /import, not a watcher.
			logger.Warn("No watcher for source, ignoring directory",
				zap.String("source", source), zap.String("dir", dir))
		}
	}

	if cw, err := config.NewWatcher(config.Path(), cfg, logger); err != nil {
		logger.Warn("Config hot reload unavailable", zap.Error(err))
	} else {
		cw.OnChange(func(next config.Config) {
			pipe.UpdateConfig(next)
			searcher.UpdateConfig(next)
		})
		cw.Start()
		defer cw.Stop()
	}

	hm := health.NewManager(logger)
	hm.Register(health.NewStoreChecker(st.DB()))
	hm.Register(health.NewUpstreamChecker("embedding_backend", cfg.EmbeddingBaseURL))
	hm.Register(health.NewUpstreamChecker("routing_classifier", cfg.RouterBaseURL))
	hm.Register(health.NewIndexChecker(index))
	hm.Start(ctx)
	defer hm.Stop()

	mux := http.NewServeMux()
	api := httpapi.New(pipe, searcher, importer, memory, chat, index, st, hm, cfg, logger)
	api.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.HTTPPort))
		serveErr <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			code = 2
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	cancel()
	wg.Wait()
	tracing.Shutdown(shutdownCtx)
	return code
}
