package session

import (
	"errors"
	"time"
)

// ErrInvalidSession is returned when a session id fails validation.
var ErrInvalidSession = errors.New("invalid session id")

// Message is one entry in a session's short-term buffer.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}
