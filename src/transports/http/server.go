// Package http is the HTTP front door: envelope RPC, chain runs, catalog,
// status and health, with websocket and MCP handlers mounted alongside.
package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/orchestrator"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

const (
	CallerHeader = "X-Caller-Id"

	maxBodyBytes = 1 << 20
)

// Backend is the orchestrator surface served over HTTP.
type Backend interface {
	Handle(ctx context.Context, req protocol.Request) protocol.Response
	Tools(ctx context.Context) []tools.Tool
	SearchTools(ctx context.Context, query string, limit int) ([]tools.Tool, error)
	Status(ctx context.Context) orchestrator.Summary
	Health(ctx context.Context) orchestrator.Health
}

// Config holds the server settings.
type Config struct {
	Addr  string
	Token string
	// RateLimit is requests per second across all clients; zero disables limiting.
	RateLimit       float64
	Burst           int
	ShutdownTimeout time.Duration
	// CallerDefaults maps a caller id to argument defaults. The "*" entry applies
	// to every caller.
	CallerDefaults map[string]map[string]any
}

// Server contains the configured router and backend.
type Server struct {
	cfg     Config
	backend Backend
	router  *chi.Mux
	limiter *rate.Limiter
	mounts  map[string]http.Handler
	logger  *slog.Logger
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMount serves h at pattern behind the same middleware as the built-in routes.
func WithMount(pattern string, h http.Handler) Option {
	return func(s *Server) { s.mounts[pattern] = h }
}

// New constructs a Server with middleware and routes configured.
func New(cfg Config, backend Backend, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		router:  chi.NewRouter(),
		mounts:  make(map[string]http.Handler),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.audit)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Use(s.rateLimit)
		r.Use(callerIdentity)

		r.Get("/status", s.handleStatus)
		r.Get("/tools", s.handleTools)
		r.Post("/rpc", s.handleRPC)
		r.Post("/chain", s.handleChain)
		for pattern, h := range s.mounts {
			r.Handle(pattern, h)
		}
	})
	return s
}

// Router exposes the root HTTP handler for the server.
func (s *Server) Router() http.Handler { return s.router }

// ListenAndServe serves on cfg.Addr until ctx is cancelled, then shuts down
// gracefully within cfg.ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("shutdown", "error", err)
		}
		close(done)
	}()

	s.logger.Info("http server listening", "addr", addr)
	err := server.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(CallerHeader); id != "" {
			r = r.WithContext(protocol.WithCallerID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// audit writes one log line per request.
func (s *Server) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
				"caller", r.Header.Get(CallerHeader),
				"remote", r.RemoteAddr,
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.backend.Health(r.Context())
	status := http.StatusOK
	if h.OverallStatus != orchestrator.HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h.Map())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status(r.Context()).Map())
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		list := s.backend.Tools(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"tools": list, "count": len(list)})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, protocol.InvalidParams("limit", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	list, err := s.backend.SearchTools(r.Context(), q, limit)
	if err != nil {
		writeError(w, protocol.From(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": list, "count": len(list), "query": q})
}

// handleRPC answers every well-formed POST with 200 and an envelope; errors are
// carried inside it.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, protocol.Failure(nil, protocol.BadRequest("request body too large")))
		return
	}
	req, perr := protocol.ParseRequest(data)
	if perr != nil {
		writeJSON(w, http.StatusOK, protocol.Failure(req.ID, perr))
		return
	}
	req.Params = s.withCallerDefaults(r.Context(), req.Params)
	writeJSON(w, http.StatusOK, s.backend.Handle(r.Context(), req))
}

// handleChain takes a chain request body and returns the chain trail.
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&params); err != nil {
		writeError(w, protocol.BadRequest("Invalid chain request: %v", err))
		return
	}
	req := protocol.NewRequest(uuid.NewString(), orchestrator.MethodChain, s.withCallerDefaults(r.Context(), params))
	resp := s.backend.Handle(r.Context(), req)
	if resp.Error != nil {
		writeError(w, resp.Error)
		return
	}
	writeJSON(w, http.StatusOK, resp.Result)
}

// withCallerDefaults folds configured defaults for the calling identity into
// caller_context. Values already in the request win.
func (s *Server) withCallerDefaults(ctx context.Context, params map[string]any) map[string]any {
	if len(s.cfg.CallerDefaults) == 0 {
		return params
	}
	merged := map[string]any{}
	for _, key := range []string{"*", protocol.CallerID(ctx)} {
		for k, v := range s.cfg.CallerDefaults[key] {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return params
	}

	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	cc, _ := params["caller_context"].(map[string]any)
	combined := make(map[string]any, len(cc)+len(merged))
	for k, v := range merged {
		combined[k] = v
	}
	// the legacy top-level merchant_id belongs to the request, not to the defaults
	if mid, ok := params["merchant_id"]; ok && mid != nil {
		combined["merchant_id"] = mid
	}
	for k, v := range cc {
		combined[k] = v
	}
	out["caller_context"] = combined
	return out
}

func statusFor(code protocol.Code) int {
	switch code {
	case protocol.CodeBadRequest, protocol.CodeValidationFailed:
		return http.StatusBadRequest
	case protocol.CodeUnknownMethod, protocol.CodeToolNotFound:
		return http.StatusNotFound
	case protocol.CodeExecutionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, e *protocol.Error) {
	writeJSON(w, statusFor(e.Code), map[string]any{"error": e})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
