package ingest

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgAt(role, text string, ts time.Time) NormalizedMessage {
	return NormalizedMessage{Role: role, Text: text, Timestamp: ts}
}

func TestGroupSingleDraft(t *testing.T) {
	c := NewChunker(1500, 300, 30*time.Second)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	drafts := c.Group([]NormalizedMessage{
		msgAt("user", "how do I tail a file", base),
		msgAt("assistant", "use tail -f", base.Add(2*time.Second)),
	})
	require.Len(t, drafts, 1)
	assert.Equal(t, "user: how do I tail a file\nassistant: use tail -f", drafts[0].Text)
	assert.Equal(t, base, drafts[0].Start)
	assert.Equal(t, base.Add(2*time.Second), drafts[0].End)
}

func TestGroupBreaksOnConversationalGap(t *testing.T) {
	c := NewChunker(1500, 0, 30*time.Second)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	drafts := c.Group([]NormalizedMessage{
		msgAt("user", "first topic", base),
		msgAt("assistant", "first answer", base.Add(5*time.Second)),
		msgAt("user", "second topic", base.Add(10*time.Minute)),
	})
	require.Len(t, drafts, 2)
	assert.Contains(t, drafts[0].Text, "first topic")
	assert.NotContains(t, drafts[0].Text, "second topic")
	assert.Contains(t, drafts[1].Text, "second topic")
}

func TestGroupNoGapBreakWithoutTimestamps(t *testing.T) {
	c := NewChunker(1500, 0, 30*time.Second)
	drafts := c.Group([]NormalizedMessage{
		msgAt("user", "one", time.Time{}),
		msgAt("assistant", "two", time.Time{}),
	})
	require.Len(t, drafts, 1, "zero timestamps carry no gap information")
}

func TestGroupBreaksOnSize(t *testing.T) {
	c := NewChunker(100, 0, 30*time.Second)
	long := strings.Repeat("a", 60)

	drafts := c.Group([]NormalizedMessage{
		msgAt("user", long, time.Time{}),
		msgAt("assistant", long, time.Time{}),
	})
	require.Len(t, drafts, 2)
	assert.LessOrEqual(t, len(drafts[0].Text), 100)
}

func TestGroupOverlapCarriesTail(t *testing.T) {
	c := NewChunker(100, 20, 30*time.Second)
	first := strings.Repeat("a", 80)
	second := strings.Repeat("b", 70)

	drafts := c.Group([]NormalizedMessage{
		msgAt("user", first, time.Time{}),
		msgAt("user", second, time.Time{}),
	})
	require.Len(t, drafts, 2)
	tail := drafts[0].Text[len(drafts[0].Text)-10:]
	assert.Contains(t, drafts[1].Text, tail, "the next draft repeats the previous tail")
}

func TestSplitOversizedText(t *testing.T) {
	c := NewChunker(100, 20, 30*time.Second)
	text := strings.Repeat("x", 350)

	drafts := c.split(text, time.Time{}, time.Time{})
	require.Greater(t, len(drafts), 1)
	for i, d := range drafts {
		assert.LessOrEqual(t, len(d.Text), 100, "window %d", i)
	}
	// Every byte of the input appears in some window.
	total := 0
	for _, d := range drafts {
		total += len(d.Text)
	}
	assert.GreaterOrEqual(t, total, len(text))
}

func TestSplitNeverCutsRunes(t *testing.T) {
	c := NewChunker(100, 20, 30*time.Second)
	text := strings.Repeat("héllo wörld ", 40)

	for _, d := range c.split(text, time.Time{}, time.Time{}) {
		assert.True(t, utf8.ValidString(d.Text))
	}
}

func TestGroupEmptyInput(t *testing.T) {
	c := NewChunker(1500, 300, 30*time.Second)
	assert.Empty(t, c.Group(nil))
}
