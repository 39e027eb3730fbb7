package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/circuitbreaker"
	"github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/tracing"
)

var (
	// ErrClassifierUnavailable means the routing model did not answer in
	// time; callers fall back to the safe default.
	ErrClassifierUnavailable = errors.New("routing classifier unavailable")

	// ErrClassifierMalformed means the reply carried no parsable decision.
	ErrClassifierMalformed = errors.New("routing classifier returned malformed response")
)

// ClassifierConfig holds routing classifier configuration.
type ClassifierConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Classifier asks a small local language model which tier should handle a
// message. Its output is untyped JSON embedded in free text and is parsed
// leniently.
type Classifier struct {
	cfg    ClassifierConfig
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewClassifier creates a classifier client.
func NewClassifier(cfg ClassifierConfig, logger *zap.Logger) *Classifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 4 * time.Second
	}
	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        4,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &Classifier{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(httpClient, "routing-classifier", logger),
		logger: logger,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

const routerInstruction = `You route user messages to a model tier. Reply with a single JSON object:
{"route": "...", "reason": "...", "priority": "low|medium|high", "confidence": "low|medium|high"}

Routes:
- opus: deep multi-step reasoning, architecture, novel hard problems
- sonnet: substantial coding or analysis, the default for real work
- haiku: quick factual answers, small edits, formatting
- qwen_local: casual chat, acknowledgments, anything private and simple
- reasoning_local: math or logic puzzles that should stay on this machine

Examples:
"rewrite this function to stream results" -> {"route": "sonnet", "reason": "focused coding task", "priority": "medium", "confidence": "high"}
"what year did unix time start" -> {"route": "haiku", "reason": "single fact", "priority": "low", "confidence": "high"}
"design a migration plan for our sharded database" -> {"route": "opus", "reason": "multi-step architecture", "priority": "high", "confidence": "high"}
`

// Classify routes message given recent history. The returned decision has
// already passed Validate; errors mean the caller should use SafeDefault.
func (c *Classifier) Classify(ctx context.Context, message string, history []string) (Decision, error) {
	prompt := c.buildPrompt(message, history)
	url := c.cfg.BaseURL + "/api/generate"
	payload, _ := json.Marshal(generateRequest{Model: c.cfg.Model, Prompt: prompt, Stream: false})

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("%w: http status %d", ErrClassifierUnavailable, resp.StatusCode)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrClassifierMalformed, err)
	}

	decision, err := ParseDecision(gr.Response)
	if err != nil {
		return Decision{}, err
	}
	decision = Validate(decision, message)
	metrics.RouteDecisions.WithLabelValues(string(decision.Route), "classifier").Inc()
	return decision, nil
}

// Summarize condenses conversation history into a short paragraph using
// the same local model. Used by optional history compression.
func (c *Classifier) Summarize(ctx context.Context, lines []string) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize this conversation in at most three sentences, keeping concrete names and decisions:\n")
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	url := c.cfg.BaseURL + "/api/generate"
	payload, _ := json.Marshal(generateRequest{Model: c.cfg.Model, Prompt: b.String(), Stream: false})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: http status %d", ErrClassifierUnavailable, resp.StatusCode)
	}
	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrClassifierMalformed, err)
	}
	return strings.TrimSpace(gr.Response), nil
}

func (c *Classifier) buildPrompt(message string, history []string) string {
	var b strings.Builder
	b.WriteString(routerInstruction)
	if len(history) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, h := range history {
			b.WriteString(h)
			b.WriteByte('\n')
		}
	}
	b.WriteString("\nMessage: ")
	b.WriteString(message)
	b.WriteString("\nJSON:")
	return b.String()
}

// rawDecision tolerates the model's loose output shapes.
type rawDecision struct {
	Route      string `json:"route"`
	Reason     string `json:"reason"`
	Priority   string `json:"priority"`
	Confidence string `json:"confidence"`
}

// ParseDecision extracts the first JSON object from free text and reads a
// decision out of it. The classifier occasionally prefixes its reply with
// commentary, so parsing is deliberately permissive: route is validated
// against the closed set later, reason is preserved verbatim, and
// priority/confidence fall back to defaults when absent.
func ParseDecision(text string) (Decision, error) {
	obj, ok := firstJSONObject(text)
	if !ok {
		return Decision{}, fmt.Errorf("%w: no JSON object in reply", ErrClassifierMalformed)
	}
	var raw rawDecision
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrClassifierMalformed, err)
	}
	return Decision{
		Route:      Route(strings.ToLower(strings.TrimSpace(raw.Route))),
		Reason:     raw.Reason,
		Priority:   ParsePriority(raw.Priority),
		Confidence: ParseConfidence(raw.Confidence),
	}, nil
}

// firstJSONObject returns the first balanced {...} substring, respecting
// string literals and escapes.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
