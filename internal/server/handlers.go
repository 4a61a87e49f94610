package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/tsunagi/internal/breaker"
	"github.com/ashita-ai/tsunagi/internal/engine"
	"github.com/ashita-ai/tsunagi/internal/executor"
	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/ratelimit"
	"github.com/ashita-ai/tsunagi/internal/session"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	executor *executor.Executor
	sessions *session.Store
	breaker  *breaker.Breaker
	engine   engine.Engine
	limiter  ratelimit.Limiter
	metrics  *Metrics
	logger   *slog.Logger

	version        string
	maxBodyBytes   int64
	maxPromptBytes int
	openapiSpec    []byte
	startedAt      time.Time
}

// HandlersDeps holds everything needed to construct Handlers.
type HandlersDeps struct {
	Executor *executor.Executor
	Sessions *session.Store
	Breaker  *breaker.Breaker
	Engine   engine.Engine
	Limiter  ratelimit.Limiter
	Metrics  *Metrics
	Logger   *slog.Logger

	Version        string
	MaxBodyBytes   int64
	MaxPromptBytes int
	OpenAPISpec    []byte
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		executor:       deps.Executor,
		sessions:       deps.Sessions,
		breaker:        deps.Breaker,
		engine:         deps.Engine,
		limiter:        deps.Limiter,
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		version:        deps.Version,
		maxBodyBytes:   deps.MaxBodyBytes,
		maxPromptBytes: deps.MaxPromptBytes,
		openapiSpec:    deps.OpenAPISpec,
		startedAt:      time.Now(),
	}
}

// decodeQueryRequest reads and validates the request body shared by the
// blocking and streaming query endpoints. It writes the error response
// itself and reports success.
func (h *Handlers) decodeQueryRequest(w http.ResponseWriter, r *http.Request) (model.QueryRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req model.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
				"request body exceeds maximum size")
			return req, false
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return req, false
	}
	if err := req.Validate(h.maxPromptBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return req, false
	}
	return req, true
}

func executorRequest(req model.QueryRequest) executor.Request {
	return executor.Request{
		Prompt:           req.Prompt,
		SessionID:        req.SessionID,
		Model:            req.Model,
		SystemPrompt:     req.SystemPrompt,
		WorkingDirectory: req.WorkingDirectory,
		PermissionMode:   string(req.PermissionMode),
		AllowedTools:     req.AllowedTools,
		DisallowedTools:  req.DisallowedTools,
		MaxTurns:         req.MaxTurns,
		Timeout:          time.Duration(req.TimeoutSeconds) * time.Second,
	}
}

// HandleQuery handles POST /v1/query (blocking execution).
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeQueryRequest(w, r)
	if !ok {
		return
	}

	res, err := h.executor.Execute(r.Context(), executorRequest(req))
	if err != nil {
		h.writeExecutorError(w, r, err)
		return
	}

	h.recordSession(req, res)
	writeJSON(w, r, http.StatusOK, queryResponse(res))
}

// queryResponse converts an orchestrator result to the wire schema.
func queryResponse(res *executor.Result) model.QueryResponse {
	toolCalls := make([]model.ToolCall, 0, len(res.ToolCalls))
	for _, tc := range res.ToolCalls {
		toolCalls = append(toolCalls, model.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
	}
	return model.QueryResponse{
		SessionID: res.SessionID,
		Result:    res.Text,
		Thinking:  res.Thinking,
		ToolCalls: toolCalls,
		Usage: model.Usage{
			InputTokens:      res.Usage.InputTokens,
			OutputTokens:     res.Usage.OutputTokens,
			CacheReadTokens:  res.Usage.CacheReadTokens,
			CacheWriteTokens: res.Usage.CacheWriteTokens,
		},
		Model:        res.Model,
		NumTurns:     res.NumTurns,
		DurationMs:   res.DurationMs,
		TotalCostUSD: res.TotalCostUSD,
		Truncated:    res.Truncated,
		IsError:      res.IsError,
	}
}

// recordSession updates the session cache after a successful execution:
// existing sessions get their activity bumped, new ones are inserted.
func (h *Handlers) recordSession(req model.QueryRequest, res *executor.Result) {
	if res.SessionID == "" {
		return
	}
	if h.sessions.UpdateActivity(res.SessionID, res.TotalCostUSD) {
		return
	}
	now := time.Now()
	h.sessions.Save(session.Record{
		SessionID:        res.SessionID,
		CreatedAt:        now,
		LastActivity:     now,
		WorkingDirectory: req.WorkingDirectory,
		Model:            res.Model,
		PromptCount:      1,
		TotalCostUSD:     res.TotalCostUSD,
	})
}

// writeExecutorError maps the orchestrator taxonomy onto HTTP. Internal
// error chains are logged, never serialized.
func (h *Handlers) writeExecutorError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		// Client disconnected; nothing useful to write.
		return
	}

	var ee *executor.Error
	if !errors.As(err, &ee) {
		h.logger.Error("unclassified execution failure",
			"request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	status, code, message := executorErrorStatus(ee)
	if ee.Category == executor.CategoryAdmissionDenied && ee.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(ee.RetryAfter.Seconds())))
	}
	if status >= 500 {
		h.logger.Error("execution failed",
			"request_id", RequestIDFromContext(r.Context()),
			"category", string(ee.Category),
			"error", err,
		)
	}
	writeError(w, r, status, code, message)
}

func executorErrorStatus(ee *executor.Error) (status int, code, message string) {
	switch ee.Category {
	case executor.CategoryAdmissionDenied:
		return http.StatusServiceUnavailable, model.ErrCodeCircuitOpen, ee.Message
	case executor.CategorySecurity:
		msg := ee.Message
		if ee.Err != nil {
			msg = ee.Err.Error()
		}
		return http.StatusBadRequest, model.ErrCodeInvalidInput, msg
	case executor.CategoryTimeout:
		return http.StatusGatewayTimeout, model.ErrCodeTimeout, ee.Message
	case executor.CategoryEngine, executor.CategoryRetriesExhausted:
		return http.StatusBadGateway, model.ErrCodeEngineError, "engine request failed"
	}
	return http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error"
}

// HandleListSessions handles GET /v1/sessions.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	records := h.sessions.List()
	infos := make([]model.SessionInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, sessionInfo(rec))
	}
	writeJSON(w, r, http.StatusOK, model.SessionListResponse{Sessions: infos, Count: len(infos)})
}

// HandleGetSession handles GET /v1/sessions/{session_id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	rec, ok := h.sessions.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}
	writeJSON(w, r, http.StatusOK, sessionInfo(rec))
}

// HandleDeleteSession handles DELETE /v1/sessions/{session_id}.
func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	if !h.sessions.Delete(id) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"deleted": id})
}

func sessionInfo(rec session.Record) model.SessionInfo {
	return model.SessionInfo{
		SessionID:        rec.SessionID,
		CreatedAt:        rec.CreatedAt,
		LastActivity:     rec.LastActivity,
		WorkingDirectory: rec.WorkingDirectory,
		Model:            rec.Model,
		PromptCount:      rec.PromptCount,
		TotalCostUSD:     rec.TotalCostUSD,
	}
}

// HandleHealth handles GET /health (liveness).
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	engineStatus := "configured"
	status := "healthy"
	if !h.engine.Configured() {
		engineStatus = "unconfigured"
		status = "degraded"
	}
	state := h.breaker.State()
	if state == breaker.Open {
		status = "degraded"
	}

	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Engine:   engineStatus,
		Breaker:  state.String(),
		Sessions: h.sessions.Len(),
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleReady handles GET /health/ready (readiness). Not ready while the
// breaker is open or the engine has no credentials.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	if !h.engine.Configured() {
		writeJSON(w, r, http.StatusServiceUnavailable, model.ReadyResponse{
			Ready: false, Reason: "engine not configured",
		})
		return
	}
	if h.breaker.State() == breaker.Open {
		writeJSON(w, r, http.StatusServiceUnavailable, model.ReadyResponse{
			Ready: false, Reason: "circuit breaker open",
		})
		return
	}
	writeJSON(w, r, http.StatusOK, model.ReadyResponse{Ready: true})
}

// metricsResponse is the GET /metrics payload.
type metricsResponse struct {
	UptimeSeconds int64           `json:"uptime_seconds"`
	Requests      RequestStats    `json:"requests"`
	Endpoints     []EndpointStats `json:"endpoints"`
	Breaker       breakerMetrics  `json:"breaker"`
	RateLimit     limiterMetrics  `json:"ratelimit"`
	Sessions      sessionMetrics  `json:"sessions"`
}

type breakerMetrics struct {
	State     string         `json:"state"`
	Failures  int            `json:"failures"`
	Weighted  float64        `json:"weighted_score"`
	Histogram map[string]int `json:"histogram,omitempty"`
}

type limiterMetrics struct {
	TrackedKeys int `json:"tracked_keys"`
}

type sessionMetrics struct {
	Count int `json:"count"`
}

// HandleMetrics handles GET /metrics: a JSON counter snapshot independent of
// OTLP export.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	agg, endpoints := h.metrics.Snapshot()

	failures, weighted, histogram := h.breaker.Snapshot()
	hist := make(map[string]int, len(histogram))
	for class, count := range histogram {
		hist[string(class)] = count
	}

	trackedKeys := 0
	if counter, ok := h.limiter.(interface{ Len() int }); ok {
		trackedKeys = counter.Len()
	}

	writeJSON(w, r, http.StatusOK, metricsResponse{
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Requests:      agg,
		Endpoints:     endpoints,
		Breaker: breakerMetrics{
			State:     h.breaker.State().String(),
			Failures:  failures,
			Weighted:  weighted,
			Histogram: hist,
		},
		RateLimit: limiterMetrics{TrackedKeys: trackedKeys},
		Sessions:  sessionMetrics{Count: h.sessions.Len()},
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
