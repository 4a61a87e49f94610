package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashita-ai/tsunagi/internal/executor"
	"github.com/ashita-ai/tsunagi/internal/model"
)

const keepaliveInterval = 15 * time.Second

// HandleQueryStream handles POST /v1/query/stream (SSE). Validation failures
// are plain JSON errors; once the stream is open every outcome, including
// admission denials and execution failures, arrives as a typed event.
func (h *Handlers) HandleQueryStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeQueryRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, executions outlasting WriteTimeout are killed mid-stream.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	events := h.executor.ExecuteStream(r.Context(), executorRequest(req))

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.Type == model.StreamResult && ev.Result != nil {
				h.recordSession(req, ev.Result)
			}
			frame, err := encodeSSE(ev)
			if err != nil {
				h.logger.Error("encode stream event failed",
					"request_id", RequestIDFromContext(ctx), "type", string(ev.Type), "error", err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// encodeSSE renders one executor event as an SSE frame:
// "event: <type>\ndata: <json>\n\n".
func encodeSSE(ev executor.Event) ([]byte, error) {
	payload, err := json.Marshal(streamPayload(ev))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + 32)
	buf.WriteString("event: ")
	buf.WriteString(string(ev.Type))
	buf.WriteString("\ndata: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// streamPayload maps an event to its wire body.
func streamPayload(ev executor.Event) any {
	switch ev.Type {
	case model.StreamInit:
		return struct {
			SessionID string `json:"session_id"`
			Model     string `json:"model,omitempty"`
		}{ev.SessionID, ev.Model}

	case model.StreamSystem:
		return struct {
			Message string `json:"message"`
		}{ev.System}

	case model.StreamText, model.StreamThinking:
		return struct {
			Text string `json:"text"`
		}{ev.Text}

	case model.StreamToolUse:
		return model.ToolCall{ID: ev.ToolCall.ID, Name: ev.ToolCall.Name, Input: ev.ToolCall.Input}

	case model.StreamToolResult:
		return struct {
			ToolUseID string `json:"tool_use_id"`
			Content   string `json:"content,omitempty"`
			IsError   bool   `json:"is_error,omitempty"`
		}{ev.ToolResult.ToolUseID, ev.ToolResult.Content, ev.ToolResult.IsError}

	case model.StreamResult:
		return queryResponse(ev.Result)

	case model.StreamError:
		_, code, message := executorErrorStatus(ev.Err)
		body := struct {
			Code              string `json:"code"`
			Message           string `json:"message"`
			RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
		}{Code: code, Message: message}
		if ev.Err.RetryAfter > 0 {
			body.RetryAfterSeconds = int(ev.Err.RetryAfter.Seconds())
		}
		return body
	}
	// truncated and any future marker events carry an empty body.
	return struct{}{}
}
