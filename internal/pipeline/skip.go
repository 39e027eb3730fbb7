package pipeline

import (
	"strings"
	"time"
	"unicode/utf8"
)

// minEnrichChars is the trimmed length below which a message is never
// worth enriching.
const minEnrichChars = 20

// rapidFollowup is the window after a session's previous message within
// which a new message is treated as a continuation and skipped.
const rapidFollowup = 5 * time.Second

// acknowledgments that carry no retrievable intent.
var ackSet = map[string]bool{
	"ok": true, "okay": true, "thanks": true, "thank you": true,
	"yes": true, "no": true, "got it": true, "done": true,
	"k": true, "ty": true, "yep": true, "nope": true, "sure": true,
}

var mediaPlaceholders = []string{"[image]", "[attachment]", "[media]", "[video]", "[audio]"}

// ShouldSkip decides whether enrichment is worth running for a message.
// lastActivity is the timestamp of the session's previous message (zero if
// none). The returned reason is human-readable and lands in systemNotes.
func ShouldSkip(message string, lastActivity time.Time, now time.Time) (bool, string) {
	trimmed := strings.TrimSpace(message)
	if utf8.RuneCountInString(trimmed) < minEnrichChars {
		if ackSet[strings.ToLower(trimmed)] {
			return true, "acknowledgment"
		}
		return true, "short message"
	}
	if strings.HasPrefix(trimmed, "System:") {
		return true, "system-originated message"
	}
	if isMediaOnly(trimmed) {
		return true, "media attachment placeholder"
	}
	if !lastActivity.IsZero() && now.Sub(lastActivity) < rapidFollowup {
		return true, "rapid follow-up"
	}
	return false, ""
}

// isMediaOnly reports whether the message is nothing but attachment
// placeholders.
func isMediaOnly(s string) bool {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		known := false
		for _, p := range mediaPlaceholders {
			if strings.EqualFold(f, p) {
				known = true
				break
			}
		}
		if !known {
			return false
		}
	}
	return true
}
