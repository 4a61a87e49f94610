package executor

import (
	"github.com/ashita-ai/tsunagi/internal/engine"
	"github.com/ashita-ai/tsunagi/internal/model"
)

// ToolCall is one tool invocation observed during an execution.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is the outcome of one tool invocation, forwarded in streaming
// mode only.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Result is the accumulated outcome of one blocking execution; streaming
// mode delivers the same value in the terminal result event.
type Result struct {
	SessionID    string
	Text         string
	Thinking     []string
	ToolCalls    []ToolCall
	Usage        engine.Usage
	Model        string
	NumTurns     int
	DurationMs   int64
	TotalCostUSD float64
	Truncated    bool
	IsError      bool
}

// Event is one element of a streamed execution. Exactly one payload field is
// set, matching Type.
type Event struct {
	Type       model.StreamEventType
	SessionID  string      // init
	Model      string      // init
	System     string      // system
	Text       string      // text, thinking
	ToolCall   *ToolCall   // tool_use
	ToolResult *ToolResult // tool_result
	Result     *Result     // result
	Err        *Error      // error
}
