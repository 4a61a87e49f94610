package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PermissionMode controls how the engine handles tool permission prompts.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

// ValidPermissionMode reports whether m is one of the accepted modes.
// The empty string is valid and means "engine default".
func ValidPermissionMode(m PermissionMode) bool {
	switch m {
	case "", PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypass:
		return true
	}
	return false
}

// QueryRequest is the request body for POST /v1/query and /v1/query/stream.
type QueryRequest struct {
	Prompt           string         `json:"prompt"`
	SessionID        string         `json:"session_id,omitempty"`
	Model            string         `json:"model,omitempty"`
	SystemPrompt     string         `json:"system_prompt,omitempty"`
	WorkingDirectory string         `json:"working_directory,omitempty"`
	PermissionMode   PermissionMode `json:"permission_mode,omitempty"`
	AllowedTools     []string       `json:"allowed_tools,omitempty"`
	DisallowedTools  []string       `json:"disallowed_tools,omitempty"`
	MaxTurns         int            `json:"max_turns,omitempty"`
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty"`
}

// Validate checks schema-level constraints that do not depend on runtime
// configuration beyond the prompt byte cap. Directory allow-list checks are
// enforced separately (see ValidateWorkingDirectory) so that every execution
// path revalidates them, not just the HTTP handler.
func (q QueryRequest) Validate(maxPromptBytes int) error {
	if strings.TrimSpace(q.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if maxPromptBytes > 0 && len(q.Prompt) > maxPromptBytes {
		return fmt.Errorf("prompt exceeds maximum length of %d bytes", maxPromptBytes)
	}
	if !ValidPermissionMode(q.PermissionMode) {
		return fmt.Errorf("invalid permission_mode %q", q.PermissionMode)
	}
	if q.MaxTurns < 0 {
		return fmt.Errorf("max_turns must not be negative")
	}
	if q.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}
	return nil
}

// ValidateWorkingDirectory checks that dir resolves to a path inside one of
// the allowed roots. Relative paths, "..", and prefix tricks ("/workspace-evil"
// vs "/workspace") are rejected by cleaning first and then requiring either
// equality with a root or a separator-bounded prefix. An empty dir is allowed
// and means "engine default".
func ValidateWorkingDirectory(dir string, allowed []string) error {
	if dir == "" {
		return nil
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("working_directory must be an absolute path")
	}
	clean := filepath.Clean(dir)
	for _, root := range allowed {
		root = filepath.Clean(root)
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("working_directory %q is outside the allowed directories", dir)
}

// ToolCall is one tool invocation observed during an execution.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Usage holds token accounting for one execution.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// QueryResponse is the response body for POST /v1/query.
type QueryResponse struct {
	SessionID    string     `json:"session_id"`
	Result       string     `json:"result"`
	Thinking     []string   `json:"thinking,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	Model        string     `json:"model,omitempty"`
	NumTurns     int        `json:"num_turns"`
	DurationMs   int64      `json:"duration_ms"`
	TotalCostUSD float64    `json:"total_cost_usd"`
	Truncated    bool       `json:"truncated,omitempty"`
	IsError      bool       `json:"is_error,omitempty"`
}

// StreamEventType names the SSE event types emitted by /v1/query/stream.
type StreamEventType string

const (
	StreamInit       StreamEventType = "init"
	StreamSystem     StreamEventType = "system"
	StreamText       StreamEventType = "text"
	StreamThinking   StreamEventType = "thinking"
	StreamToolUse    StreamEventType = "tool_use"
	StreamToolResult StreamEventType = "tool_result"
	StreamTruncated  StreamEventType = "truncated"
	StreamResult     StreamEventType = "result"
	StreamError      StreamEventType = "error"
)
