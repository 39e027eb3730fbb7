package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/store"
)

// Importer ingests a one-shot chat export: a JSON document listing whole
// conversations. Re-importing the same export is idempotent: locators are
// stable per conversation and unchanged text reuses its embedding.
type Importer struct {
	store    *store.Store
	embedder Embedder
	index    Invalidator
	chunker  *Chunker
	cfg      config.Config
	logger   *zap.Logger
}

// NewImporter creates a chat-export importer.
func NewImporter(st *store.Store, embedder Embedder, index Invalidator, cfg config.Config, logger *zap.Logger) *Importer {
	return &Importer{
		store:    st,
		embedder: embedder,
		index:    index,
		chunker:  NewChunker(cfg.ChunkSize, cfg.ChunkOverlap, 30*time.Second),
		cfg:      cfg,
		logger:   logger.With(zap.String("source", config.SourceChatExport)),
	}
}

// exportConversation tolerates the field names of the common export
// formats.
type exportConversation struct {
	UUID     string          `json:"uuid"`
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Title    string          `json:"title"`
	Messages []exportMessage `json:"chat_messages"`
	AltMsgs  []exportMessage `json:"messages"`
}

type exportMessage struct {
	Sender    string `json:"sender"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	Timestamp string `json:"timestamp"`
}

func (c exportConversation) id() string {
	if c.UUID != "" {
		return c.UUID
	}
	return c.ID
}

func (c exportConversation) messages() []exportMessage {
	if len(c.Messages) > 0 {
		return c.Messages
	}
	return c.AltMsgs
}

func (m exportMessage) normalize() (NormalizedMessage, bool) {
	role := m.Role
	if role == "" {
		role = m.Sender
	}
	switch role {
	case "human", "user":
		role = "user"
	case "assistant":
	default:
		return NormalizedMessage{}, false
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Content)
	}
	if text == "" {
		return NormalizedMessage{}, false
	}
	ts := m.Timestamp
	if ts == "" {
		ts = m.CreatedAt
	}
	return NormalizedMessage{Role: role, Text: text, Timestamp: parseTimestamp(ts)}, true
}

// ImportStats summarizes one import run.
type ImportStats struct {
	Conversations int `json:"conversations"`
	Chunks        int `json:"chunks"`
	Skipped       int `json:"skipped"`
}

// Import reads an export document and ingests every conversation in it.
func (im *Importer) Import(ctx context.Context, r io.Reader) (ImportStats, error) {
	var convs []exportConversation
	if err := json.NewDecoder(r).Decode(&convs); err != nil {
		return ImportStats{}, fmt.Errorf("parse export: %w", err)
	}

	var stats ImportStats
	for _, conv := range convs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		id := conv.id()
		if id == "" {
			stats.Skipped++
			continue
		}
		var msgs []NormalizedMessage
		for _, m := range conv.messages() {
			if nm, ok := m.normalize(); ok {
				msgs = append(msgs, nm)
			}
		}
		if len(msgs) == 0 {
			stats.Skipped++
			continue
		}
		n, err := im.importConversation(ctx, id, msgs)
		if err != nil {
			metrics.RecordIngestBatch(config.SourceChatExport, "error", 0)
			return stats, fmt.Errorf("conversation %s: %w", id, err)
		}
		stats.Conversations++
		stats.Chunks += n
	}
	if stats.Chunks > 0 {
		im.index.Invalidate()
	}
	im.logger.Info("Imported chat export",
		zap.Int("conversations", stats.Conversations),
		zap.Int("chunks", stats.Chunks),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

func (im *Importer) importConversation(ctx context.Context, id string, msgs []NormalizedMessage) (int, error) {
	drafts := im.chunker.Group(msgs)
	chunks := make([]store.Chunk, len(drafts))
	for i, d := range drafts {
		chunks[i] = store.Chunk{
			Source:      config.SourceChatExport,
			Locator:     fmt.Sprintf("%s#%d", id, i),
			Span:        spanOf(d),
			Text:        d.Text,
			ContentHash: HashText(d.Text),
		}
	}
	if _, err := fillEmbeddings(ctx, im.store, im.embedder, im.cfg.EmbeddingBatchSize, chunks); err != nil {
		return 0, err
	}

	// A shorter re-export must not leave stale tail chunks behind; the
	// swap happens in one transaction so a concurrent search never sees
	// the conversation missing.
	if err := im.store.ReplaceByPrefix(ctx, config.SourceChatExport, id+"#", chunks, nil); err != nil {
		return 0, fmt.Errorf("commit conversation: %w", err)
	}
	metrics.RecordIngestBatch(config.SourceChatExport, "ok", len(chunks))
	return len(chunks), nil
}
