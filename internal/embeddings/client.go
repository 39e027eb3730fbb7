package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lodestone-ai/lodestone/internal/circuitbreaker"
	"github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/tracing"
)

var (
	// ErrUpstreamUnavailable means the embedding backend did not answer
	// within its deadline or refused the connection.
	ErrUpstreamUnavailable = errors.New("embedding backend unavailable")

	// ErrMalformedResponse means the backend answered with something that
	// does not parse or has the wrong dimension.
	ErrMalformedResponse = errors.New("embedding backend returned malformed response")
)

// Config holds embedding client configuration.
type Config struct {
	BaseURL     string        // e.g. http://127.0.0.1:11434; loopback IPv4 avoids dual-stack resolution stalls
	Model       string
	Dimension   int
	Timeout     time.Duration
	MaxChars    int   // texts are clipped to this many characters before submission
	Concurrency int64 // semaphore size gating concurrent backend calls
}

// Client converts texts into fixed-dimension vectors via a local
// JSON-over-HTTP embedding service.
type Client struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// NewClient creates an embedding client with connection pooling and a
// conservative request timeout.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 4 * time.Second
	}
	if cfg.MaxChars == 0 {
		cfg.MaxChars = 1500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        8,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &Client{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(httpClient, "embedding-backend", logger),
		sem:    semaphore.NewWeighted(cfg.Concurrency),
		logger: logger,
	}
}

// Dimension returns the configured vector dimension.
func (c *Client) Dimension() int { return c.cfg.Dimension }

// Model returns the configured embedding model name.
func (c *Client) Model() string { return c.cfg.Model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns vectors for multiple texts in one request. Each text
// is truncated to MaxChars before submission; the backend has a token
// window we must not exceed.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = Truncate(t, c.cfg.MaxChars)
	}

	// The backend is the scarcest resource; admission control happens here.
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer c.sem.Release(1)

	start := time.Now()
	vecs, err := c.post(ctx, input)
	if err != nil && errors.Is(err, ErrUpstreamUnavailable) && ctx.Err() == nil {
		// One retry on transport error; persistent outages are the
		// breaker's job.
		vecs, err = c.post(ctx, input)
	}
	if err != nil {
		status := "error"
		if errors.Is(err, ErrMalformedResponse) {
			status = "malformed"
		}
		metrics.RecordEmbedding(c.cfg.Model, status, time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordEmbedding(c.cfg.Model, "ok", time.Since(start).Seconds())
	return vecs, nil
}

func (c *Client) post(ctx context.Context, input []string) ([][]float32, error) {
	url := c.cfg.BaseURL + "/api/embed"
	payload, _ := json.Marshal(embedRequest{Model: c.cfg.Model, Input: input})

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(er.Embeddings) != len(input) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs",
			ErrMalformedResponse, len(er.Embeddings), len(input))
	}

	out := make([][]float32, len(er.Embeddings))
	for i, emb := range er.Embeddings {
		if c.cfg.Dimension > 0 && len(emb) != c.cfg.Dimension {
			return nil, fmt.Errorf("%w: dimension %d, want %d",
				ErrMalformedResponse, len(emb), c.cfg.Dimension)
		}
		v := make([]float32, len(emb))
		for j, f := range emb {
			v[j] = float32(f)
		}
		out[i] = v
	}
	return out, nil
}

// Truncate clips s to at most max characters.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		// Fewer bytes than max means fewer runes than max too.
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
