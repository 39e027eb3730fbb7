package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status of one component.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// IsCritical marks checks whose failure makes the whole service
	// unhealthy rather than degraded.
	IsCritical() bool
}

// Overall is the aggregate served by the health endpoint.
type Overall struct {
	OK         bool                   `json:"ok"`
	Status     Status                 `json:"status"`
	Components map[string]CheckResult `json:"components"`
	CheckedAt  time.Time              `json:"checkedAt"`
}

// Manager runs registered checks on an interval and caches the results so
// the health endpoint never blocks on a slow component.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	results  map[string]CheckResult

	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	once     sync.Once
}

// NewManager creates a health manager; Start begins the check loop.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		checkers: make(map[string]Checker),
		results:  make(map[string]CheckResult),
		interval: 15 * time.Second,
		timeout:  5 * time.Second,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Register adds a checker. Later registrations with the same name replace
// earlier ones.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
}

// Start launches the periodic check loop.
func (m *Manager) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop halts the check loop.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

func (m *Manager) loop(ctx context.Context) {
	m.runChecks(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

func (m *Manager) runChecks(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	for _, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		res := c.Check(cctx)
		cancel()
		res.Component = c.Name()
		res.Duration = time.Since(start)
		res.Timestamp = time.Now()
		res.Critical = c.IsCritical()

		m.mu.Lock()
		prev, had := m.results[c.Name()]
		m.results[c.Name()] = res
		m.mu.Unlock()

		if had && prev.Status != res.Status {
			m.logger.Info("Component health changed",
				zap.String("component", c.Name()),
				zap.String("from", prev.Status.String()),
				zap.String("to", res.Status.String()),
				zap.String("message", res.Message))
		}
	}
}

// Overall aggregates the latest cached results. Critical failures make the
// service unhealthy; anything else non-healthy degrades it.
func (m *Manager) Overall() Overall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := Overall{
		OK:         true,
		Status:     StatusHealthy,
		Components: make(map[string]CheckResult, len(m.results)),
		CheckedAt:  time.Now(),
	}
	for name, res := range m.results {
		out.Components[name] = res
		switch {
		case res.Status == StatusUnhealthy && res.Critical:
			out.OK = false
			out.Status = StatusUnhealthy
		case res.Status != StatusHealthy && out.Status == StatusHealthy:
			out.Status = StatusDegraded
		}
	}
	return out
}
