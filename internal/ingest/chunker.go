package ingest

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Draft is a chunk before hashing and embedding: grouped text plus the
// timestamp span it covers.
type Draft struct {
	Text  string
	Start time.Time
	End   time.Time
}

// Chunker groups normalized messages into drafts. Two boundaries apply
// together: a soft boundary on a conversational gap, and a hard boundary on
// accumulated size. Consecutive drafts overlap so a thought split across a
// boundary is still findable from either side.
type Chunker struct {
	size    int
	overlap int
	gap     time.Duration
}

// NewChunker creates a chunker. size is the hard character ceiling per
// draft, overlap the tail carried into the next draft.
func NewChunker(size, overlap int, gap time.Duration) *Chunker {
	if gap <= 0 {
		gap = 30 * time.Second
	}
	return &Chunker{size: size, overlap: overlap, gap: gap}
}

// Group converts messages into drafts in order.
func (c *Chunker) Group(messages []NormalizedMessage) []Draft {
	var drafts []Draft
	var cur strings.Builder
	var start, end time.Time
	var prev time.Time

	flush := func() {
		text := strings.TrimSpace(cur.String())
		if text == "" {
			return
		}
		drafts = append(drafts, c.split(text, start, end)...)
		tail := overlapTail(text, c.overlap)
		cur.Reset()
		if tail != "" {
			cur.WriteString(tail)
			cur.WriteByte('\n')
		}
		start = time.Time{}
	}

	for _, m := range messages {
		line := m.Role + ": " + m.Text

		gapBreak := !prev.IsZero() && !m.Timestamp.IsZero() && m.Timestamp.Sub(prev) >= c.gap
		sizeBreak := cur.Len() > 0 && cur.Len()+len(line) > c.size
		if gapBreak || sizeBreak {
			flush()
		}
		if start.IsZero() {
			start = m.Timestamp
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
		end = m.Timestamp
		if !m.Timestamp.IsZero() {
			prev = m.Timestamp
		}
	}
	flush()
	return drafts
}

// split breaks an oversized text into size-bounded windows stepping by
// size-overlap. Most drafts fit in one window.
func (c *Chunker) split(text string, start, end time.Time) []Draft {
	if len(text) <= c.size {
		return []Draft{{Text: text, Start: start, End: end}}
	}
	step := c.size - c.overlap
	if step <= 0 {
		step = c.size
	}
	var out []Draft
	for pos := 0; pos < len(text); pos += step {
		for pos < len(text) && !utf8.RuneStart(text[pos]) {
			pos++
		}
		limit := pos + c.size
		if limit >= len(text) {
			out = append(out, Draft{Text: text[pos:], Start: start, End: end})
			break
		}
		// Back off to a rune boundary so windows never cut a character.
		for limit > pos && !utf8.RuneStart(text[limit]) {
			limit--
		}
		out = append(out, Draft{Text: text[pos:limit], Start: start, End: end})
	}
	return out
}

// overlapTail returns the last n bytes of text rounded down to a rune
// boundary.
func overlapTail(text string, n int) string {
	if n <= 0 || len(text) <= n {
		return ""
	}
	pos := len(text) - n
	for pos < len(text) && !utf8.RuneStart(text[pos]) {
		pos++
	}
	return text[pos:]
}
