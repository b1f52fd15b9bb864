package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	ExecutePath      = "/v1/tools/execute"
	defaultCacheSize = 1024
	maxRequestBytes  = 8 << 20
)

// trackedTools report the files they changed, since their effects cannot be
// known from their arguments.
var trackedTools = map[string]bool{"run_command": true}

// ServerConfig configures the workspace endpoint.
type ServerConfig struct {
	Workspace   *Local
	WorkspaceID string
	Host        string
	Port        int
	// CacheSize bounds the idempotency cache (default 1024 responses).
	CacheSize int
}

// Server is the HTTP endpoint that executes remote tools in a workspace.
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	ws          *Local
	workspaceID string

	mu        sync.Mutex
	cache     map[string]*ExecuteResponse
	order     []string
	cacheSize int
}

// NewServer creates a new workspace server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}

	s := &Server{
		ws:          cfg.Workspace,
		workspaceID: cfg.WorkspaceID,
		cache:       make(map[string]*ExecuteResponse),
		cacheSize:   cfg.CacheSize,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/tools", s.handleTools)
	r.Post(ExecutePath, s.handleExecute)

	s.handler = r
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("workspace endpoint listening", "addr", ln.Addr().String(), "workspace_id", s.workspaceID)
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "workspace_id": s.workspaceID})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	names := ToolNames()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string][]string{"tools": names})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(invalid("decode request: %v", err), start))
		return
	}
	if s.workspaceID != "" && req.WorkspaceID != s.workspaceID {
		writeJSON(w, http.StatusOK, errorResponse(invalid("unknown workspace %q", req.WorkspaceID), start))
		return
	}

	if req.IdempotencyKey != "" {
		if cached := s.cached(req.IdempotencyKey); cached != nil {
			slog.Debug("tool call replayed from idempotency cache", "tool", req.Tool, "key", req.IdempotencyKey)
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	fn, ok := builtinTools[req.Tool]
	if !ok {
		writeJSON(w, http.StatusOK, errorResponse(invalid("unknown tool %q", req.Tool), start))
		return
	}

	var before map[string]fileState
	if trackedTools[req.Tool] {
		snap, err := s.ws.snapshot()
		if err != nil {
			slog.Warn("workspace snapshot failed, changes will not be reported", "tool", req.Tool, "error", err)
		}
		before = snap
	}

	result, terr := fn(r.Context(), s.ws, req.Arguments)
	var resp *ExecuteResponse
	if terr != nil {
		slog.Warn("remote tool failed", "tool", req.Tool, "kind", terr.kind, "error", terr.msg)
		resp = errorResponse(terr, start)
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse(&toolError{kind: ErrKindToolExecution, msg: err.Error()}, start))
			return
		}
		resp = &ExecuteResponse{Success: true, Result: data, DurationMs: time.Since(start).Milliseconds()}
	}
	if before != nil {
		after, err := s.ws.snapshot()
		if err != nil {
			slog.Warn("workspace snapshot failed, changes will not be reported", "tool", req.Tool, "error", err)
		} else {
			resp.Changes = diffSnapshots(before, after)
		}
	}

	if req.IdempotencyKey != "" {
		s.remember(req.IdempotencyKey, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cached(key string) *ExecuteResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache[key]
}

func (s *Server) remember(key string, resp *ExecuteResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[key]; ok {
		return
	}
	s.cache[key] = resp
	s.order = append(s.order, key)
	for len(s.order) > s.cacheSize {
		delete(s.cache, s.order[0])
		s.order = s.order[1:]
	}
}

func errorResponse(terr *toolError, start time.Time) *ExecuteResponse {
	return &ExecuteResponse{
		Success:    false,
		Error:      &ErrorBody{Kind: terr.kind, Message: terr.msg},
		DurationMs: time.Since(start).Milliseconds(),
		Partial:    terr.partial,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
