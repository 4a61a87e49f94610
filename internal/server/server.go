package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/tsunagi/internal/auth"
	"github.com/ashita-ai/tsunagi/internal/breaker"
	"github.com/ashita-ai/tsunagi/internal/engine"
	"github.com/ashita-ai/tsunagi/internal/executor"
	"github.com/ashita-ai/tsunagi/internal/ratelimit"
	"github.com/ashita-ai/tsunagi/internal/session"
)

// Server is the Tsunagi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Executor *executor.Executor
	Sessions *session.Store
	Breaker  *breaker.Breaker
	Engine   engine.Engine
	Verifier *auth.Verifier
	Limiter  ratelimit.Limiter
	Logger   *slog.Logger

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	MaxPromptBytes      int
	TrustProxy          bool

	// Optional embedded assets.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	metrics := NewMetrics()
	h := NewHandlers(HandlersDeps{
		Executor:       cfg.Executor,
		Sessions:       cfg.Sessions,
		Breaker:        cfg.Breaker,
		Engine:         cfg.Engine,
		Limiter:        cfg.Limiter,
		Metrics:        metrics,
		Logger:         cfg.Logger,
		Version:        cfg.Version,
		MaxBodyBytes:   cfg.MaxRequestBodyBytes,
		MaxPromptBytes: cfg.MaxPromptBytes,
		OpenAPISpec:    cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, metrics.Instrument(pattern, fn))
	}

	// Query endpoints.
	route("POST /v1/query", h.HandleQuery)
	route("POST /v1/query/stream", h.HandleQueryStream)

	// Session inspection.
	route("GET /v1/sessions", h.HandleListSessions)
	route("GET /v1/sessions/{session_id}", h.HandleGetSession)
	route("DELETE /v1/sessions/{session_id}", h.HandleDeleteSession)

	// OpenAPI spec.
	route("GET /v1/openapi.yaml", h.HandleOpenAPISpec)

	// Probes and counters (no auth, no rate limit).
	route("GET /health", h.HandleHealth)
	route("GET /health/ready", h.HandleReady)
	route("GET /metrics", h.HandleMetrics)

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → rate limit → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Verifier, handler)
	handler = ratelimit.Middleware(cfg.Limiter, ratelimit.APIKeyOrIPKeyFunc(cfg.TrustProxy), reqIDFunc,
		"/health", "/health/ready", "/metrics")(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
