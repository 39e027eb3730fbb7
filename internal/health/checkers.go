package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/lodestone-ai/lodestone/internal/vectorindex"
)

// StoreChecker pings the chunk store database. Critical: without the store
// nothing can be served.
type StoreChecker struct {
	db *sql.DB
}

func NewStoreChecker(db *sql.DB) *StoreChecker { return &StoreChecker{db: db} }

func (c *StoreChecker) Name() string     { return "store" }
func (c *StoreChecker) IsCritical() bool { return true }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	if err := c.db.PingContext(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "database reachable"}
}

// UpstreamChecker probes an HTTP upstream (embedding backend or routing
// classifier). Non-critical: the pipeline degrades without them.
type UpstreamChecker struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewUpstreamChecker(name, baseURL string) *UpstreamChecker {
	return &UpstreamChecker{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

func (c *UpstreamChecker) Name() string     { return c.name }
func (c *UpstreamChecker) IsCritical() bool { return false }

func (c *UpstreamChecker) Check(ctx context.Context) CheckResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return CheckResult{Status: StatusUnknown, Error: err.Error()}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("http status %d", resp.StatusCode)}
	}
	return CheckResult{Status: StatusHealthy, Message: "upstream reachable"}
}

// IndexStats is the slice of the vector index the checker needs.
type IndexStats interface {
	Stats() vectorindex.Stats
}

// IndexChecker reports vector index state. An unloaded index is degraded,
// not unhealthy: searches fall back to linear scans.
type IndexChecker struct {
	index IndexStats
}

func NewIndexChecker(index IndexStats) *IndexChecker { return &IndexChecker{index: index} }

func (c *IndexChecker) Name() string     { return "vector_index" }
func (c *IndexChecker) IsCritical() bool { return false }

func (c *IndexChecker) Check(_ context.Context) CheckResult {
	st := c.index.Stats()
	if !st.Loaded {
		return CheckResult{Status: StatusDegraded, Message: "index not loaded, linear scan fallback active"}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d rows, %d bytes", st.Rows, st.Bytes),
	}
}
