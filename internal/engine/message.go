package engine

// Message is one element of an engine stream. The set of implementations is
// closed: adapters translate vendor events into exactly these variants, so
// nothing above the boundary ever inspects foreign types.
type Message interface {
	isMessage()
}

// InitMessage opens every stream and carries the engine-assigned session id.
type InitMessage struct {
	SessionID string
	Model     string
}

// SystemMessage is non-content engine chatter (tool registration, notices).
type SystemMessage struct {
	Subtype string
	Detail  string
}

// TextMessage is one chunk of assistant-visible result text.
type TextMessage struct {
	Text string
}

// ThinkingMessage is one chunk of the model's reasoning trace.
type ThinkingMessage struct {
	Text string
}

// ToolUseMessage reports a tool invocation requested by the model.
type ToolUseMessage struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultMessage reports the outcome of a tool invocation.
type ToolResultMessage struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Usage holds the token accounting reported by the engine.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// ResultMessage is the terminal summary; it is always the last message of a
// healthy stream.
type ResultMessage struct {
	SessionID    string
	Model        string
	NumTurns     int
	DurationMs   int64
	TotalCostUSD float64
	Usage        Usage
	IsError      bool
	ErrorDetail  string
}

func (InitMessage) isMessage()       {}
func (SystemMessage) isMessage()     {}
func (TextMessage) isMessage()       {}
func (ThinkingMessage) isMessage()   {}
func (ToolUseMessage) isMessage()    {}
func (ToolResultMessage) isMessage() {}
func (ResultMessage) isMessage()     {}
