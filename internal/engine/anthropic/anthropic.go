// Package anthropic adapts the Anthropic Messages API to the engine
// boundary. The vendor's streaming event union is translated into the closed
// engine message set as events arrive; nothing above this package imports
// the SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/ashita-ai/tsunagi/internal/engine"
)

const defaultMaxTokens = 8192

// Engine is the Anthropic-backed implementation of engine.Engine.
type Engine struct {
	client     sdk.Client
	configured bool
	model      string // default when the request does not name one
}

// New creates an Engine. An empty apiKey still yields a usable value (for
// health reporting); calls will fail with ClassUnavailable.
func New(apiKey, defaultModel string) *Engine {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Engine{
		client:     sdk.NewClient(opts...),
		configured: apiKey != "",
		model:      defaultModel,
	}
}

// Configured reports whether API credentials are present.
func (e *Engine) Configured() bool { return e.configured }

// Stream starts one execution against the Messages API.
func (e *Engine) Stream(ctx context.Context, req engine.Request) (engine.Stream, error) {
	if !e.configured {
		return nil, engine.NewError(engine.ClassUnavailable, "anthropic.stream",
			errors.New("no API key configured"))
	}

	model := req.Model
	if model == "" {
		model = e.model
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		// The Messages API is stateless; the id exists so callers can
		// correlate turns, and is opaque to everything above here.
		sessionID = uuid.New().String()
	}

	return &stream{
		inner:     e.client.Messages.NewStreaming(ctx, params),
		sessionID: sessionID,
		model:     model,
		started:   time.Now(),
	}, nil
}

// stream translates the SDK event stream into engine messages. Recv is a
// small state machine: an init message first, then content messages as
// deltas arrive, then the terminal result.
type stream struct {
	inner     *ssestream.Stream[sdk.MessageStreamEventUnion]
	sessionID string
	model     string
	started   time.Time

	mu     sync.Mutex
	closed bool

	sentInit   bool
	sentResult bool
	usage      engine.Usage
	stopReason string

	// In-flight tool_use block: the id and name arrive in the block start,
	// the input JSON accumulates across deltas until the block stops.
	toolID    string
	toolName  string
	toolInput []byte
}

func (s *stream) Recv() (engine.Message, error) {
	if !s.sentInit {
		s.sentInit = true
		return engine.InitMessage{SessionID: s.sessionID, Model: s.model}, nil
	}
	if s.sentResult {
		return nil, io.EOF
	}

	for s.inner.Next() {
		event := s.inner.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			s.usage.InputTokens = ev.Message.Usage.InputTokens
			s.usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
			s.usage.CacheWriteTokens = ev.Message.Usage.CacheCreationInputTokens
			if m := string(ev.Message.Model); m != "" {
				s.model = m
			}

		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				s.toolID = tu.ID
				s.toolName = tu.Name
				s.toolInput = s.toolInput[:0]
			}

		case sdk.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if d.Text != "" {
					return engine.TextMessage{Text: d.Text}, nil
				}
			case sdk.ThinkingDelta:
				if d.Thinking != "" {
					return engine.ThinkingMessage{Text: d.Thinking}, nil
				}
			case sdk.InputJSONDelta:
				s.toolInput = append(s.toolInput, d.PartialJSON...)
			}

		case sdk.ContentBlockStopEvent:
			if s.toolID != "" {
				msg := engine.ToolUseMessage{
					ID:    s.toolID,
					Name:  s.toolName,
					Input: parseToolInput(s.toolInput),
				}
				s.toolID, s.toolName, s.toolInput = "", "", nil
				return msg, nil
			}

		case sdk.MessageDeltaEvent:
			s.usage.OutputTokens += ev.Usage.OutputTokens
			if r := string(ev.Delta.StopReason); r != "" {
				s.stopReason = r
			}

		case sdk.MessageStopEvent:
			s.sentResult = true
			return engine.ResultMessage{
				SessionID:    s.sessionID,
				Model:        s.model,
				NumTurns:     1,
				DurationMs:   time.Since(s.started).Milliseconds(),
				TotalCostUSD: CostUSD(s.model, s.usage),
				Usage:        s.usage,
				IsError:      false,
			}, nil
		}
	}

	if err := s.inner.Err(); err != nil {
		return nil, classify("anthropic.stream", err)
	}
	// Stream ended without a message_stop: the response is incomplete.
	return nil, engine.NewError(engine.ClassProtocol, "anthropic.stream",
		errors.New("stream ended before message_stop"))
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.inner.Close()
}

func parseToolInput(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		// Preserve what arrived rather than dropping it silently.
		return map[string]any{"_raw": string(raw)}
	}
	return input
}

// classify maps SDK and transport failures onto the engine error taxonomy.
// 429 and 5xx are connection-class (the service is reachable but unhealthy,
// retry may help); 408 is an engine-side timeout; other 4xx are protocol
// failures the caller must fix.
func classify(op string, err error) *engine.Error {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return ee
	}

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 408:
			return engine.NewError(engine.ClassTimeout, op, err)
		case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return engine.NewError(engine.ClassConnection, op, err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return engine.NewError(engine.ClassUnavailable, op, err)
		default:
			return engine.NewError(engine.ClassProtocol, op,
				fmt.Errorf("unexpected status %d: %w", apiErr.StatusCode, err))
		}
	}

	if class := engine.ClassOf(err); class != engine.ClassUnknown {
		return engine.NewError(class, op, err)
	}
	return engine.NewError(engine.ClassUnknown, op, err)
}
