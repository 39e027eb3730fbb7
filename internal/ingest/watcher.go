package ingest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/store"
)

// Embedder is the slice of the embedding client ingest needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Invalidator marks the vector index stale after a committed batch.
type Invalidator interface {
	Invalidate()
}

// maxLineBytes bounds a single transcript record. Records beyond this are
// skipped rather than aborting the file.
const maxLineBytes = 4 * 1024 * 1024

// Watcher tails one transcript directory and keeps the chunk store current.
// Files are processed sequentially; watchers for different sources run
// concurrently, serialized at the store's writer lock.
type Watcher struct {
	source   string
	dir      string
	store    *store.Store
	embedder Embedder
	index    Invalidator
	chunker  *Chunker
	cfg      config.Config
	logger   *zap.Logger

	wake     chan struct{}
	limiters map[string]*rate.Limiter
}

// NewWatcher creates a watcher for one source directory.
func NewWatcher(source, dir string, st *store.Store, embedder Embedder, index Invalidator, cfg config.Config, logger *zap.Logger) *Watcher {
	return &Watcher{
		source:   source,
		dir:      dir,
		store:    st,
		embedder: embedder,
		index:    index,
		chunker:  NewChunker(cfg.ChunkSize, cfg.ChunkOverlap, 30*time.Second),
		cfg:      cfg,
		logger:   logger.With(zap.String("source", source), zap.String("dir", dir)),
		wake:     make(chan struct{}, 1),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Run supervises the watch loop until ctx is done. A panicking loop is
// restarted with backoff so one poisoned file cannot take the watcher down.
func (w *Watcher) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		if w.runOnce(ctx) {
			return
		}
		w.logger.Warn("Ingest watcher restarting", zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

// runOnce runs the watch loop, returning true on clean shutdown and false
// after a recovered panic.
func (w *Watcher) runOnce(ctx context.Context) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Ingest watcher panic", zap.Any("panic", r))
			clean = false
		}
	}()

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		defer fsw.Close()
		if addErr := fsw.Add(w.dir); addErr != nil {
			w.logger.Warn("Directory watch unavailable, polling only", zap.Error(addErr))
		}
	} else {
		w.logger.Warn("fsnotify unavailable, polling only", zap.Error(err))
	}

	poll := time.NewTicker(w.cfg.WatcherPoll())
	defer poll.Stop()
	rescan := time.NewTicker(w.cfg.WatcherNewFileScan())
	defer rescan.Stop()

	w.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return true
		case <-poll.C:
			w.sweep(ctx)
		case <-rescan.C:
			w.sweep(ctx)
		case <-w.wake:
			w.sweep(ctx)
		case ev, ok := <-eventsOf(fsw):
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Wake the next tick early; debounce still applies per file.
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-errorsOf(fsw):
			if ok && err != nil {
				w.logger.Debug("fsnotify error", zap.Error(err))
			}
		}
	}
}

func eventsOf(fsw *fsnotify.Watcher) chan fsnotify.Event {
	if fsw == nil {
		return nil
	}
	return fsw.Events
}

func errorsOf(fsw *fsnotify.Watcher) chan error {
	if fsw == nil {
		return nil
	}
	return fsw.Errors
}

// sweep lists the directory and processes every eligible file in order.
func (w *Watcher) sweep(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("Transcript directory unreadable", zap.Error(err))
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if err := w.ProcessFile(ctx, path); err != nil {
			if w.limiter(path).Allow() {
				w.logger.Warn("Ingest failed, will retry", zap.String("path", path), zap.Error(err))
			}
			metrics.RecordIngestBatch(w.source, "error", 0)
		}
	}
}

// Reindex drops this source's chunks and progress and re-reads every
// transcript from offset zero. Returns the resulting chunk count.
func (w *Watcher) Reindex(ctx context.Context) (int, error) {
	if _, err := w.store.DeleteBySource(ctx, w.source, ""); err != nil {
		return 0, fmt.Errorf("clear source: %w", err)
	}
	if err := w.store.ResetProgressByPrefix(ctx, w.dir); err != nil {
		return 0, fmt.Errorf("reset progress: %w", err)
	}
	w.sweep(ctx)
	counts, err := w.store.CountBySource(ctx)
	if err != nil {
		return 0, err
	}
	w.index.Invalidate()
	return counts[w.source], nil
}

// limiter returns the per-file failure log limiter.
func (w *Watcher) limiter(path string) *rate.Limiter {
	l, ok := w.limiters[path]
	if !ok {
		l = rate.NewLimiter(rate.Every(30*time.Second), 1)
		w.limiters[path] = l
	}
	return l
}

// ProcessFile ingests one transcript file's unread suffix. A failed batch
// leaves the stored offset untouched; the next sweep retries the same bytes.
func (w *Watcher) ProcessFile(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if time.Since(info.ModTime()) < w.cfg.WatcherDebounce() {
		// Mid-write; pick it up next sweep.
		return nil
	}

	progress, err := w.store.GetIngestOffset(ctx, path)
	if err != nil {
		return fmt.Errorf("read offset: %w", err)
	}
	if info.Size() < progress.LastOffset {
		// Truncated or rewritten: drop this file's chunks and start over.
		w.logger.Warn("Transcript shrank, reingesting from start",
			zap.String("path", path),
			zap.Int64("size", info.Size()),
			zap.Int64("offset", progress.LastOffset))
		if _, err := w.store.DeleteBySource(ctx, w.source, fileKey(path)+"#"); err != nil {
			return fmt.Errorf("reset chunks: %w", err)
		}
		if err := w.store.ResetProgressByPrefix(ctx, path); err != nil {
			return fmt.Errorf("reset progress: %w", err)
		}
		progress = store.Progress{Path: path}
	}
	if info.Size() == progress.LastOffset {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(progress.LastOffset, 0); err != nil {
		return fmt.Errorf("seek: %w", err)
	}

	var messages []NormalizedMessage
	consumed := int64(0)
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, rerr := reader.ReadBytes('\n')
		if rerr == io.EOF {
			// Partial trailing line (no newline yet); leave it for later.
			break
		}
		if rerr != nil {
			return fmt.Errorf("read: %w", rerr)
		}
		// The offset counts the raw bytes including the terminator, so
		// CRLF transcripts resume at the right position.
		consumed += int64(len(line))
		if len(line) > maxLineBytes {
			continue
		}
		if msg, ok := ParseRecord(bytes.TrimRight(line, "\r\n")); ok {
			messages = append(messages, msg)
		}
	}
	if consumed == 0 {
		return nil
	}

	drafts := w.chunker.Group(messages)
	newOffset := progress.LastOffset + consumed
	lastTS := ""
	if n := len(messages); n > 0 && !messages[n-1].Timestamp.IsZero() {
		lastTS = messages[n-1].Timestamp.UTC().Format(time.RFC3339)
	}

	chunks, err := w.embedDrafts(ctx, path, progress.ChunkCount, drafts)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		// Nothing chunkable in the new bytes; still advance the offset.
		return w.store.SetIngestOffset(ctx, store.Progress{
			Path: path, LastOffset: newOffset, LastTimestamp: lastTS,
		})
	}
	if err := w.store.UpsertBatch(ctx, chunks, &store.Progress{
		Path:          path,
		LastOffset:    newOffset,
		LastTimestamp: lastTS,
		ChunkCount:    int64(len(chunks)),
	}); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	w.index.Invalidate()

	metrics.RecordIngestBatch(w.source, "ok", len(chunks))
	w.logger.Info("Ingested transcript batch",
		zap.String("path", path),
		zap.Int("records", len(messages)),
		zap.Int("chunks", len(chunks)),
		zap.Int64("offset", newOffset))
	return nil
}

// embedDrafts turns drafts into store chunks, embedding only texts whose
// content hash is not already in the store.
func (w *Watcher) embedDrafts(ctx context.Context, path string, seqBase int64, drafts []Draft) ([]store.Chunk, error) {
	key := fileKey(path)
	chunks := make([]store.Chunk, len(drafts))
	for i, d := range drafts {
		chunks[i] = store.Chunk{
			Source:      w.source,
			Locator:     fmt.Sprintf("%s#%d", key, seqBase+int64(i)),
			Span:        spanOf(d),
			Text:        d.Text,
			ContentHash: HashText(d.Text),
		}
	}
	if _, err := fillEmbeddings(ctx, w.store, w.embedder, w.cfg.EmbeddingBatchSize, chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

// fileKey is the locator prefix for a transcript: its base name without the
// extension, which for agent transcripts is the session id.
func fileKey(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func spanOf(d Draft) string {
	if d.Start.IsZero() && d.End.IsZero() {
		return ""
	}
	return d.Start.UTC().Format(time.RFC3339) + ".." + d.End.UTC().Format(time.RFC3339)
}

// HashText is the chunk content hash: SHA-256 over the exact text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
