package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/embeddings"
)

var (
	// ErrCorrupt is returned when the database fails schema or integrity
	// checks at startup. Callers must treat it as fatal.
	ErrCorrupt = errors.New("chunk store corrupt")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source       TEXT NOT NULL,
	locator      TEXT NOT NULL,
	span         TEXT NOT NULL DEFAULT '',
	text         TEXT NOT NULL,
	embedding    BLOB,
	content_hash TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_source_locator ON chunks(source, locator);
CREATE INDEX IF NOT EXISTS idx_chunks_content_hash ON chunks(content_hash);

CREATE TABLE IF NOT EXISTS ingest_progress (
	path           TEXT PRIMARY KEY,
	last_offset    INTEGER NOT NULL,
	last_timestamp TEXT NOT NULL DEFAULT '',
	chunk_count    INTEGER NOT NULL DEFAULT 0
);
`

// Chunk is the unit of retrievable text.
type Chunk struct {
	ID          int64     `db:"id" json:"id"`
	Source      string    `db:"source" json:"source"`
	Locator     string    `db:"locator" json:"locator"`
	Span        string    `db:"span" json:"span,omitempty"`
	Text        string    `db:"text" json:"text"`
	Embedding   []byte    `db:"embedding" json:"-"`
	ContentHash string    `db:"content_hash" json:"contentHash"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// Progress records how far ingest has read a transcript file.
type Progress struct {
	Path          string `db:"path"`
	LastOffset    int64  `db:"last_offset"`
	LastTimestamp string `db:"last_timestamp"`
	ChunkCount    int64  `db:"chunk_count"`
}

// Store is the durable chunk and ingest-progress store, backed by SQLite.
// Writes are serialized by a process-wide writer lock; readers see the
// prior consistent snapshot (WAL mode).
type Store struct {
	db        *sqlx.DB
	dimension int
	logger    *zap.Logger

	writeMu sync.Mutex
}

// Open opens (or creates) the database at path, applies pragmas and the
// schema, and runs an integrity check. A failing check returns ErrCorrupt;
// the caller should refuse to start.
func Open(path string, dimension int, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	// SQLite allows one writer; a second write connection would only queue
	// behind busy_timeout.
	db.SetMaxOpenConns(4)

	var integrity string
	if err := db.Get(&integrity, "PRAGMA integrity_check"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: integrity check failed: %v", ErrCorrupt, err)
	}
	if integrity != "ok" {
		db.Close()
		return nil, fmt.Errorf("%w: integrity check reported %q", ErrCorrupt, integrity)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", ErrCorrupt, err)
	}

	s := &Store{db: db, dimension: dimension, logger: logger}
	if err := s.validateEmbeddings(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// validateEmbeddings spot-checks stored blob lengths against the configured
// dimension. A single bad row means the corpus does not match the model.
func (s *Store) validateEmbeddings() error {
	var n int
	err := s.db.Get(&n,
		`SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL AND length(embedding) != ?`,
		s.dimension*4)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %d chunks have embeddings of the wrong dimension (want %d floats)",
			ErrCorrupt, n, s.dimension)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db.DB }

// Dimension returns the embedding dimension the store was opened with.
func (s *Store) Dimension() int { return s.dimension }

// EmbeddingByHash returns a stored embedding blob for the given content
// hash, if any chunk already carries one. Used to avoid re-embedding
// identical text on re-ingest.
func (s *Store) EmbeddingByHash(ctx context.Context, hash string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.GetContext(ctx, &blob,
		`SELECT embedding FROM chunks WHERE content_hash = ? AND embedding IS NOT NULL LIMIT 1`, hash)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

// UpsertBatch writes a batch of chunks and the ingest progress that
// produced them in a single transaction. A chunk whose (source, locator)
// already exists with the same content hash is left untouched; a different
// hash replaces the row.
func (s *Store) UpsertBatch(ctx context.Context, chunks []Chunk, progress *Progress) error {
	return s.writeBatch(ctx, "", "", chunks, progress)
}

// ReplaceByPrefix is UpsertBatch plus stale-row cleanup: chunks of source
// whose locator carries the prefix but is absent from the batch are deleted
// in the same transaction, so readers never observe a half-replaced file.
func (s *Store) ReplaceByPrefix(ctx context.Context, source, locatorPrefix string, chunks []Chunk, progress *Progress) error {
	return s.writeBatch(ctx, source, locatorPrefix, chunks, progress)
}

func (s *Store) writeBatch(ctx context.Context, staleSource, stalePrefix string, chunks []Chunk, progress *Progress) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingest batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i := range chunks {
		c := &chunks[i]
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		var existing struct {
			ID          int64  `db:"id"`
			ContentHash string `db:"content_hash"`
		}
		getErr := tx.GetContext(ctx, &existing,
			`SELECT id, content_hash FROM chunks WHERE source = ? AND locator = ?`,
			c.Source, c.Locator)
		switch {
		case getErr == sql.ErrNoRows:
			res, insErr := tx.ExecContext(ctx,
				`INSERT INTO chunks (source, locator, span, text, embedding, content_hash, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.Source, c.Locator, c.Span, c.Text, c.Embedding, c.ContentHash, c.CreatedAt)
			if insErr != nil {
				return fmt.Errorf("insert chunk %s/%s: %w", c.Source, c.Locator, insErr)
			}
			c.ID, _ = res.LastInsertId()
		case getErr != nil:
			return fmt.Errorf("lookup chunk %s/%s: %w", c.Source, c.Locator, getErr)
		case existing.ContentHash == c.ContentHash:
			c.ID = existing.ID
		default:
			if _, updErr := tx.ExecContext(ctx,
				`UPDATE chunks SET span = ?, text = ?, embedding = ?, content_hash = ?, created_at = ?
				 WHERE id = ?`,
				c.Span, c.Text, c.Embedding, c.ContentHash, c.CreatedAt, existing.ID); updErr != nil {
				return fmt.Errorf("replace chunk %s/%s: %w", c.Source, c.Locator, updErr)
			}
			c.ID = existing.ID
		}
	}

	if staleSource != "" {
		if err = deleteStale(ctx, tx, staleSource, stalePrefix, chunks); err != nil {
			return fmt.Errorf("drop stale chunks %s/%s*: %w", staleSource, stalePrefix, err)
		}
	}

	if progress != nil {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO ingest_progress (path, last_offset, last_timestamp, chunk_count)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET
			   last_offset = excluded.last_offset,
			   last_timestamp = excluded.last_timestamp,
			   chunk_count = ingest_progress.chunk_count + excluded.chunk_count`,
			progress.Path, progress.LastOffset, progress.LastTimestamp, progress.ChunkCount); err != nil {
			return fmt.Errorf("advance ingest progress %s: %w", progress.Path, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit ingest batch: %w", err)
	}
	return nil
}

// deleteStale removes prefix-matched rows not present in the batch.
func deleteStale(ctx context.Context, tx *sqlx.Tx, source, prefix string, chunks []Chunk) error {
	pattern := escapeLike(prefix) + "%"
	if len(chunks) == 0 {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE source = ? AND locator LIKE ? ESCAPE '\'`, source, pattern)
		return err
	}
	keep := make([]string, len(chunks))
	for i, c := range chunks {
		keep[i] = c.Locator
	}
	query, args, err := sqlx.In(
		`DELETE FROM chunks WHERE source = ? AND locator LIKE ? ESCAPE '\' AND locator NOT IN (?)`,
		source, pattern, keep)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
	return err
}

// DeleteBySource removes chunks of a source, optionally restricted to
// locators with the given prefix. Used for incremental reindex.
func (s *Store) DeleteBySource(ctx context.Context, source, locatorPrefix string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var res sql.Result
	var err error
	if locatorPrefix == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM chunks WHERE source = ?`, source)
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM chunks WHERE source = ? AND locator LIKE ? ESCAPE '\'`,
			source, escapeLike(locatorPrefix)+"%")
	}
	if err != nil {
		return 0, fmt.Errorf("delete chunks %s: %w", source, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetProgressByPrefix clears ingest progress rows whose path has the
// given prefix, so a reindex re-reads files from offset zero.
func (s *Store) ResetProgressByPrefix(ctx context.Context, pathPrefix string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ingest_progress WHERE path LIKE ? ESCAPE '\'`, escapeLike(pathPrefix)+"%")
	return err
}

// IterateEmbeddings streams (id, embedding) pairs for one source in
// ascending id order. Chunks without an embedding are skipped; they are
// invisible to search.
func (s *Store) IterateEmbeddings(ctx context.Context, source string, fn func(id int64, embedding []byte) error) error {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, embedding FROM chunks
		 WHERE source = ? AND embedding IS NOT NULL
		 ORDER BY id ASC`, source)
	if err != nil {
		return fmt.Errorf("iterate embeddings %s: %w", source, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		if err := fn(id, blob); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ReadByIDs materializes chunks by id. The result preserves the order of
// ids; missing ids are silently dropped.
func (s *Store) ReadByIDs(ctx context.Context, ids []int64) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, source, locator, span, text, embedding, content_hash, created_at
		 FROM chunks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []Chunk
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}
	byID := make(map[int64]Chunk, len(rows))
	for _, c := range rows {
		byID[c.ID] = c
	}
	out := make([]Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetIngestOffset returns the recorded progress for a transcript file.
// A file never seen before yields a zero Progress, not an error.
func (s *Store) GetIngestOffset(ctx context.Context, path string) (Progress, error) {
	var p Progress
	err := s.db.GetContext(ctx, &p,
		`SELECT path, last_offset, last_timestamp, chunk_count FROM ingest_progress WHERE path = ?`, path)
	if err == sql.ErrNoRows {
		return Progress{Path: path}, nil
	}
	if err != nil {
		return Progress{}, err
	}
	return p, nil
}

// SetIngestOffset advances progress for a file that produced no new chunks
// (all records were duplicates or skippable).
func (s *Store) SetIngestOffset(ctx context.Context, p Progress) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_progress (path, last_offset, last_timestamp, chunk_count)
		 VALUES (?, ?, ?, 0)
		 ON CONFLICT(path) DO UPDATE SET
		   last_offset = excluded.last_offset,
		   last_timestamp = excluded.last_timestamp`,
		p.Path, p.LastOffset, p.LastTimestamp)
	return err
}

// CountBySource returns per-source chunk counts for chunks visible to
// search (embedding present).
func (s *Store) CountBySource(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT source, COUNT(*) FROM chunks WHERE embedding IS NOT NULL GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, err
		}
		out[src] = n
	}
	return out, rows.Err()
}

// ScanHit is a (chunk id, similarity) pair from LinearScan.
type ScanHit struct {
	ID    int64
	Score float64
}

// LinearScan computes cosine similarity directly against stored blobs.
// It is the degraded path when the in-memory index cannot load, and the
// reference implementation the index is tested against. Result semantics
// match the index: descending score, ties broken by ascending id.
func (s *Store) LinearScan(ctx context.Context, query []float32, topK int, minScore float64, sources []string) ([]ScanHit, error) {
	if topK <= 0 {
		return nil, nil
	}
	qn := make([]float32, len(query))
	copy(qn, query)
	normalize(qn)

	srcSet := make(map[string]bool, len(sources))
	for _, s := range sources {
		srcSet[s] = true
	}

	var hits []ScanHit
	for src := range srcSet {
		err := s.IterateEmbeddings(ctx, src, func(id int64, blob []byte) error {
			v, err := embeddings.DecodeVector(blob)
			if err != nil || len(v) != len(qn) {
				return nil // malformed row: invisible rather than fatal mid-scan
			}
			normalize(v)
			score := dot(qn, v)
			if score >= minScore {
				hits = append(hits, ScanHit{ID: id, Score: score})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
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

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
