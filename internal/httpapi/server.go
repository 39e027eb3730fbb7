package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/health"
	"github.com/lodestone-ai/lodestone/internal/ingest"
	"github.com/lodestone-ai/lodestone/internal/pipeline"
	"github.com/lodestone-ai/lodestone/internal/routing"
	"github.com/lodestone-ai/lodestone/internal/search"
	"github.com/lodestone-ai/lodestone/internal/session"
	"github.com/lodestone-ai/lodestone/internal/store"
	"github.com/lodestone-ai/lodestone/internal/vectorindex"
)

// maxBodyBytes caps request bodies; chat exports are the largest accepted
// payload.
const maxBodyBytes = 64 << 20

// Server exposes the enrichment core over HTTP.
type Server struct {
	pipeline *pipeline.Pipeline
	searcher *search.Searcher
	importer *ingest.Importer
	memory   *ingest.MemoryIndexer
	chat     *ingest.Watcher
	index    *vectorindex.Index
	store    *store.Store
	health   *health.Manager
	cfg      config.Config
	logger   *zap.Logger
}

// New creates the HTTP server wiring. memory and chat may be nil when the
// corresponding directory is not configured.
func New(p *pipeline.Pipeline, s *search.Searcher, imp *ingest.Importer, mem *ingest.MemoryIndexer, chat *ingest.Watcher, idx *vectorindex.Index, st *store.Store, hm *health.Manager, cfg config.Config, logger *zap.Logger) *Server {
	return &Server{
		pipeline: p,
		searcher: s,
		importer: imp,
		memory:   mem,
		chat:     chat,
		index:    idx,
		store:    st,
		health:   hm,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterRoutes attaches all handlers to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/enrich", s.handleEnrich)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/reindex", s.handleReindex)
	mux.HandleFunc("/import", s.handleImport)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: code})
}

type enrichRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// handleEnrich is the hot path: every envelope comes back with HTTP 200,
// including degraded ones. Only an unusable request earns a 4xx.
func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req enrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	if req.SessionID == "" {
		// Callers without session continuity get a fresh one per request.
		req.SessionID = uuid.NewString()
	} else if err := session.ValidateID(req.SessionID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session", "sessionId is malformed")
		return
	}

	env := s.pipeline.Assemble(r.Context(), req.Message, req.SessionID)
	w.Header().Set("X-Session-Id", req.SessionID)
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "q is required")
		return
	}

	opts := search.Options{}
	if v := q.Get("topK"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "topK must be a positive integer")
			return
		}
		opts.TopK = n
	}
	if v := q.Get("sources"); v != "" {
		for _, src := range strings.Split(v, ",") {
			src = strings.TrimSpace(src)
			if !config.IsKnownSource(src) {
				writeError(w, http.StatusBadRequest, "invalid_request", "unknown source "+strconv.Quote(src))
				return
			}
			opts.Sources = append(opts.Sources, src)
		}
	}
	if v := q.Get("route"); v != "" {
		route, ok := routing.ParseRoute(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown route "+strconv.Quote(v))
			return
		}
		opts.RouteHint = route
	}

	res, err := s.searcher.Search(r.Context(), query, opts)
	if err != nil {
		s.logger.Warn("Search failed", zap.String("query", query), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "search_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reindexRequest struct {
	Source string `json:"source"`
}

// handleReindex rebuilds one source's corpus and forces an index reload.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req reindexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be JSON with a source field")
		return
	}
	if !config.IsKnownSource(req.Source) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown source "+strconv.Quote(req.Source))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	chunks := 0
	switch req.Source {
	case config.SourceMemory:
		if s.memory != nil {
			n, err := s.memory.Reindex(ctx)
			if err != nil {
				s.logger.Warn("Memory reindex finished with errors", zap.Error(err))
			}
			chunks = n
		}
	case config.SourceChat:
		if s.chat != nil {
			n, err := s.chat.Reindex(ctx)
			if err != nil {
				s.logger.Warn("Transcript reindex finished with errors", zap.Error(err))
			}
			chunks = n
		}
	case config.SourceChatExport:
		// Exports have no files on disk to rescan; a fresh POST /import
		// rebuilds them.
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"chunks":      0,
			"invalidated": false,
			"message":     "chat_export is rebuilt by POST /import",
		})
		return
	}
	s.index.Invalidate()
	writeJSON(w, http.StatusOK, map[string]interface{}{"chunks": chunks, "invalidated": true})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()
	stats, err := s.importer.Import(ctx, r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_export", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	counts, err := s.store.CountBySource(r.Context())
	if err != nil {
		s.logger.Warn("Store counts unavailable", zap.Error(err))
		counts = map[string]int{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pipeline": s.pipeline.Stats(20),
		"index":    s.index.Stats(),
		"corpus":   counts,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := s.health.Overall()
	status := http.StatusOK
	if !overall.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, overall)
}
