package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/store"
)

// MemoryIndexer keeps the memory corpus current. Memory notes are ordinary
// files edited in place, so the offset-resume model used for transcripts
// does not apply: a changed file is reindexed whole, embedding only chunks
// whose content hash is new.
type MemoryIndexer struct {
	dir      string
	store    *store.Store
	embedder Embedder
	index    Invalidator
	cfg      config.Config
	logger   *zap.Logger

	mu   sync.Mutex
	seen map[string]time.Time // path -> mtime at last successful index
	wake chan struct{}
}

// NewMemoryIndexer creates an indexer over a directory of note files.
func NewMemoryIndexer(dir string, st *store.Store, embedder Embedder, index Invalidator, cfg config.Config, logger *zap.Logger) *MemoryIndexer {
	return &MemoryIndexer{
		dir:      dir,
		store:    st,
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		logger:   logger.With(zap.String("source", config.SourceMemory), zap.String("dir", dir)),
		seen:     make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
	}
}

// Kick requests an out-of-band sweep (used by the reindex endpoint).
func (m *MemoryIndexer) Kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run sweeps for changed notes until ctx is done.
func (m *MemoryIndexer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.WatcherNewFileScan())
	defer ticker.Stop()
	m.sweepChanged(ctx, false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepChanged(ctx, false)
		case <-m.wake:
			m.sweepChanged(ctx, true)
		}
	}
}

// Reindex rebuilds the whole memory corpus and returns the chunk count.
func (m *MemoryIndexer) Reindex(ctx context.Context) (int, error) {
	return m.sweepChanged(ctx, true)
}

// sweepChanged indexes files whose mtime moved since the last successful
// pass; force reindexes everything.
func (m *MemoryIndexer) sweepChanged(ctx context.Context, force bool) (int, error) {
	paths, err := m.listNotes()
	if err != nil {
		m.logger.Warn("Memory directory unreadable", zap.Error(err))
		return 0, err
	}
	total := 0
	var firstErr error
	for _, path := range paths {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		m.mu.Lock()
		fresh := !force && m.seen[path].Equal(info.ModTime())
		m.mu.Unlock()
		if fresh {
			continue
		}
		n, err := m.indexFile(ctx, path)
		if err != nil {
			m.logger.Warn("Memory note index failed", zap.String("path", path), zap.Error(err))
			metrics.RecordIngestBatch(config.SourceMemory, "error", 0)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.mu.Lock()
		m.seen[path] = info.ModTime()
		m.mu.Unlock()
		total += n
	}
	return total, firstErr
}

func (m *MemoryIndexer) listNotes() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(m.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != m.dir {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".txt":
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}

// indexFile replaces a note's chunks wholesale. Unchanged chunks keep their
// embeddings through the content-hash lookup.
func (m *MemoryIndexer) indexFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	rel, err := filepath.Rel(m.dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}

	sections := splitLines(string(data), m.cfg.ChunkSize, m.cfg.ChunkOverlap)
	chunks := make([]store.Chunk, len(sections))
	for i, sec := range sections {
		chunks[i] = store.Chunk{
			Source:      config.SourceMemory,
			Locator:     fmt.Sprintf("%s#%d", rel, i),
			Span:        fmt.Sprintf("L%d-L%d", sec.startLine, sec.endLine),
			Text:        sec.text,
			ContentHash: HashText(sec.text),
		}
	}
	if _, err := fillEmbeddings(ctx, m.store, m.embedder, m.cfg.EmbeddingBatchSize, chunks); err != nil {
		return 0, err
	}

	// Stale chunks from a previous, longer version of the note go away in
	// the same transaction that writes the new ones.
	if err := m.store.ReplaceByPrefix(ctx, config.SourceMemory, rel+"#", chunks, nil); err != nil {
		return 0, fmt.Errorf("commit note: %w", err)
	}
	m.index.Invalidate()
	metrics.RecordIngestBatch(config.SourceMemory, "ok", len(chunks))
	m.logger.Info("Indexed memory note", zap.String("path", rel), zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}

// section is a line-aligned window of a note.
type section struct {
	text      string
	startLine int
	endLine   int
}

// splitLines groups whole lines into windows of at most size characters
// with roughly overlap characters carried between windows. Line numbers are
// 1-based.
func splitLines(text string, size, overlap int) []section {
	lines := strings.Split(text, "\n")
	var out []section
	var buf []string
	bufLen := 0
	start := 1
	flush := func(endLine int) {
		joined := strings.TrimSpace(strings.Join(buf, "\n"))
		if joined != "" {
			out = append(out, section{text: joined, startLine: start, endLine: endLine})
		}
	}
	for i, line := range lines {
		lineNo := i + 1
		if bufLen > 0 && bufLen+len(line)+1 > size {
			flush(lineNo - 1)
			// Carry trailing lines up to the overlap budget.
			kept := 0
			var tail []string
			for j := len(buf) - 1; j >= 0 && kept+len(buf[j]) < overlap; j-- {
				tail = append([]string{buf[j]}, tail...)
				kept += len(buf[j]) + 1
			}
			start = lineNo - len(tail)
			buf = tail
			bufLen = kept
		}
		if bufLen == 0 && len(buf) == 0 {
			start = lineNo
		}
		buf = append(buf, line)
		bufLen += len(line) + 1
	}
	flush(len(lines))
	return out
}
