package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NormalizedMessage is one transcript record reduced to plain text with a
// role and timestamp, ready for chunk grouping.
type NormalizedMessage struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// record is the transcript line shape. Transcript files are written by
// several agent front-ends, so every field is optional and content may be
// either a plain string or an array of typed parts.
type record struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	Message   *recordMessage  `json:"message"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Text      string          `json:"text"`
}

type recordMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentPart is one element of a structured content array.
type contentPart struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
}

const (
	// toolArgLimit caps how much of a tool call's arguments survive
	// normalization; full arguments can run to many kilobytes of JSON.
	toolArgLimit = 200

	imagePlaceholder = "[image]"
)

// ParseRecord normalizes a single transcript line. It is total over inputs:
// any line is either (message, true) or (zero, false), never an error that
// should stop ingest. Records that carry no usable text (summaries, bare
// tool bookkeeping, malformed JSON) are dropped.
func ParseRecord(line []byte) (NormalizedMessage, bool) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return NormalizedMessage{}, false
	}

	switch rec.Type {
	case "user", "assistant", "message", "":
	default:
		// Summaries, file snapshots, and other bookkeeping record types.
		return NormalizedMessage{}, false
	}

	role := rec.Role
	content := rec.Content
	if rec.Message != nil {
		if rec.Message.Role != "" {
			role = rec.Message.Role
		}
		if len(rec.Message.Content) > 0 {
			content = rec.Message.Content
		}
	}
	if role == "" {
		role = rec.Type
	}
	switch role {
	case "user", "assistant":
	default:
		return NormalizedMessage{}, false
	}

	text := rec.Text
	if text == "" {
		text = flattenContent(content)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return NormalizedMessage{}, false
	}

	ts := parseTimestamp(rec.Timestamp)
	return NormalizedMessage{Role: role, Text: text, Timestamp: ts}, true
}

// flattenContent renders a content value to plain text. Content is either a
// JSON string or an array of typed parts.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		piece := renderPart(p)
		if piece == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(piece)
	}
	return b.String()
}

func renderPart(p contentPart) string {
	switch p.Type {
	case "text":
		return p.Text
	case "tool_use", "tool_call":
		args := compactJSON(p.Input)
		if len(args) > toolArgLimit {
			args = args[:toolArgLimit] + "…"
		}
		return fmt.Sprintf("[tool:%s] %s", p.Name, args)
	case "tool_result":
		inner := flattenContent(p.Content)
		if inner == "" {
			inner = p.Text
		}
		if inner == "" {
			return ""
		}
		return "[tool result] " + inner
	case "image":
		return imagePlaceholder
	default:
		return p.Text
	}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// parseTimestamp accepts RFC3339 with or without sub-second precision; a
// missing or bad timestamp yields the zero time, which the chunker treats
// as "no gap information".
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
