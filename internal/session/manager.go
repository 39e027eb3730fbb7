package session

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/metrics"
)

// buffer is one session's short-term history: a fixed-size ring of the
// most recent messages. Guarded by its own mutex so sessions never
// contend with each other.
type buffer struct {
	mu       sync.Mutex
	ring     []Message
	next     int
	filled   bool
	lastSeen time.Time
}

func (b *buffer) append(msg Message) {
	b.ring[b.next] = msg
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.filled = true
	}
	b.lastSeen = time.Now()
}

// recent returns up to n messages in chronological order.
func (b *buffer) recent(n int) []Message {
	size := b.next
	if b.filled {
		size = len(b.ring)
	}
	if n > size {
		n = size
	}
	out := make([]Message, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if b.filled {
			idx = (b.next + i) % len(b.ring)
		}
		out = append(out, b.ring[idx])
	}
	return out
}

// Manager holds per-session short-term buffers. Buffers live for the
// process lifetime only; there is deliberately no persistence.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*buffer
	size     int
	logger   *zap.Logger

	idleTTL time.Duration
	stopCh  chan struct{}
	once    sync.Once
}

// NewManager creates a session manager with ring buffers of the given size.
func NewManager(size int, logger *zap.Logger) *Manager {
	if size <= 0 {
		size = 20
	}
	m := &Manager{
		sessions: make(map[string]*buffer),
		size:     size,
		logger:   logger,
		idleTTL:  2 * time.Hour,
		stopCh:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Close stops the background sweeper.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.stopCh) })
}

// ValidateID rejects empty or oversized session ids.
func ValidateID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > 128 {
		return ErrInvalidSession
	}
	return nil
}

func (m *Manager) get(sessionID string) *buffer {
	m.mu.RLock()
	b := m.sessions[sessionID]
	m.mu.RUnlock()
	if b != nil {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b = m.sessions[sessionID]; b != nil {
		return b
	}
	b = &buffer{ring: make([]Message, m.size), lastSeen: time.Now()}
	m.sessions[sessionID] = b
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	return b
}

// Append records a message in the session's buffer. Consecutive messages
// with identical role and text are collapsed.
func (m *Manager) Append(sessionID string, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b := m.get(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if last, ok := b.lastMessage(); ok && last.Role == msg.Role && last.Text == msg.Text {
		b.lastSeen = time.Now()
		return
	}
	b.append(msg)
}

func (b *buffer) lastMessage() (Message, bool) {
	if b.next == 0 && !b.filled {
		return Message{}, false
	}
	idx := (b.next - 1 + len(b.ring)) % len(b.ring)
	return b.ring[idx], true
}

// Recent returns up to n messages for the session in chronological order.
// An unknown session yields an empty slice.
func (m *Manager) Recent(sessionID string, n int) []Message {
	m.mu.RLock()
	b := m.sessions[sessionID]
	m.mu.RUnlock()
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recent(n)
}

// LastActivity returns the timestamp of the newest message in the
// session's buffer, or zero time for an unknown session.
func (m *Manager) LastActivity(sessionID string) time.Time {
	m.mu.RLock()
	b := m.sessions[sessionID]
	m.mu.RUnlock()
	if b == nil {
		return time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if last, ok := b.lastMessage(); ok {
		return last.Timestamp
	}
	return time.Time{}
}

// Count returns the number of live session buffers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// sweepLoop evicts buffers idle longer than idleTTL. A chat that resumes
// later simply starts a fresh buffer.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(time.Now().Add(-m.idleTTL))
		}
	}
}

func (m *Manager) sweep(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, b := range m.sessions {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(m.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.SessionsActive.Set(float64(len(m.sessions)))
		metrics.SessionEvictions.Add(float64(evicted))
		m.logger.Debug("Evicted idle session buffers", zap.Int("count", evicted))
	}
}
