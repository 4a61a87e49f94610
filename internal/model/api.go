package model

import (
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeCircuitOpen   = "CIRCUIT_OPEN"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeEngineError   = "ENGINE_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"` // "healthy", "degraded", "unhealthy"
	Version  string `json:"version"`
	Engine   string `json:"engine"`  // "configured" or "unconfigured"
	Breaker  string `json:"breaker"` // "closed", "open", "half_open"
	Sessions int    `json:"sessions"`
	Uptime   int64  `json:"uptime_seconds"`
}

// ReadyResponse is the response for GET /health/ready.
type ReadyResponse struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// SessionListResponse is the response for GET /v1/sessions.
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Count    int           `json:"count"`
}

// SessionInfo is the wire representation of one cached session.
type SessionInfo struct {
	SessionID        string    `json:"session_id"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	Model            string    `json:"model,omitempty"`
	PromptCount      int       `json:"prompt_count"`
	TotalCostUSD     float64   `json:"total_cost_usd"`
}
