// Package executor drives one logical request to completion against the
// external engine: breaker admission, retry with jittered backoff, a
// wall-clock deadline, response truncation, stall detection and guaranteed
// stream cleanup. The blocking and streaming modes share the same core; the
// only difference is whether accumulated fragments are also emitted as
// typed events along the way.
package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsunagi/internal/breaker"
	"github.com/ashita-ai/tsunagi/internal/engine"
	"github.com/ashita-ai/tsunagi/internal/model"
)

// errDeadline tags the orchestrator's own deadline so it can be told apart
// from caller cancellation (client disconnect) via context.Cause.
var errDeadline = errors.New("executor: execution deadline elapsed")

// Config holds the orchestration policy.
type Config struct {
	AllowedDirectories []string
	DefaultModel       string
	DefaultMaxTurns    int
	DefaultTimeout     time.Duration
	MaxTimeout         time.Duration
	MaxResponseBytes   int64
	StallWarning       time.Duration
	CleanupTimeout     time.Duration

	RetryMaxAttempts int
	RetryMinWait     time.Duration
	RetryMaxWait     time.Duration
	RetryMultiplier  float64
	RetryJitterMax   time.Duration

	// BreakerRetryAfter is the retry-after hint attached to breaker
	// denials; wire it to the breaker's cool-down.
	BreakerRetryAfter time.Duration
}

// Request is one caller-level execution request, already schema-validated.
// The working directory allow-list is revalidated here so every execution
// path enforces it, not just the HTTP handler.
type Request struct {
	Prompt           string
	SessionID        string
	Model            string
	SystemPrompt     string
	WorkingDirectory string
	PermissionMode   string
	AllowedTools     []string
	DisallowedTools  []string
	MaxTurns         int
	Timeout          time.Duration // 0: default
}

// Executor orchestrates engine calls. Safe for concurrent use.
type Executor struct {
	engine  engine.Engine
	breaker *breaker.Breaker
	cfg     Config
	logger  *slog.Logger

	// sleep is the backoff wait, injectable so retry tests don't block.
	sleep func(ctx context.Context, d time.Duration) error

	attempts otelmetric.Int64Counter
	duration otelmetric.Float64Histogram
	stalls   otelmetric.Int64Counter
}

// New creates an Executor.
func New(eng engine.Engine, brk *breaker.Breaker, cfg Config, logger *slog.Logger) *Executor {
	x := &Executor{
		engine:  eng,
		breaker: brk,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepCtx,
	}
	meter := otel.GetMeterProvider().Meter("tsunagi/executor")
	if c, err := meter.Int64Counter("executor.attempts"); err == nil {
		x.attempts = c
	}
	if h, err := meter.Float64Histogram("executor.duration", otelmetric.WithUnit("ms")); err == nil {
		x.duration = h
	}
	if c, err := meter.Int64Counter("executor.stall_warnings"); err == nil {
		x.stalls = c
	}
	return x
}

// Execute runs one blocking execution and returns the accumulated result.
func (x *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	return x.execute(ctx, req, nil)
}

// ExecuteStream runs one streaming execution. The returned channel carries
// typed events and is closed when the execution ends; a breaker denial or
// terminal failure is delivered as a single error event. Nothing further is
// sent once ctx is cancelled (client disconnect).
func (x *Executor) ExecuteStream(ctx context.Context, req Request) <-chan Event {
	ch := make(chan Event, 32)
	go func() {
		defer close(ch)
		emit := func(ev Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}

		res, err := x.execute(ctx, req, emit)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return // client gone, nobody is listening
			}
			var ee *Error
			if !errors.As(err, &ee) {
				ee = &Error{Category: CategoryEngine, Message: "execution failed", Err: err}
			}
			emit(Event{Type: model.StreamError, Err: ee})
			return
		}
		emit(Event{Type: model.StreamResult, Result: res})
	}()
	return ch
}

// execute is the shared core. emit is nil in blocking mode.
func (x *Executor) execute(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	if err := model.ValidateWorkingDirectory(req.WorkingDirectory, x.cfg.AllowedDirectories); err != nil {
		return nil, securityError(err)
	}

	if !x.breaker.Acquire() {
		return nil, admissionDenied("engine circuit breaker is open", x.cfg.BreakerRetryAfter)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = x.cfg.DefaultTimeout
	}
	if timeout > x.cfg.MaxTimeout {
		timeout = x.cfg.MaxTimeout
	}
	cctx, cancel := context.WithTimeoutCause(ctx, timeout, errDeadline)
	defer cancel()

	engReq := engine.Request{
		Prompt:           req.Prompt,
		SessionID:        req.SessionID,
		Model:            req.Model,
		SystemPrompt:     req.SystemPrompt,
		WorkingDirectory: req.WorkingDirectory,
		PermissionMode:   req.PermissionMode,
		AllowedTools:     req.AllowedTools,
		DisallowedTools:  req.DisallowedTools,
		MaxTurns:         req.MaxTurns,
	}
	if engReq.Model == "" {
		engReq.Model = x.cfg.DefaultModel
	}
	if engReq.MaxTurns <= 0 {
		engReq.MaxTurns = x.cfg.DefaultMaxTurns
	}

	start := time.Now()
	emitted := false
	var wrapped func(Event)
	if emit != nil {
		wrapped = func(ev Event) {
			emitted = true
			emit(ev)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= x.cfg.RetryMaxAttempts; attempt++ {
		if x.attempts != nil {
			x.attempts.Add(ctx, 1)
		}

		res, err := x.attempt(cctx, engReq, wrapped)
		if err == nil {
			x.breaker.RecordSuccess()
			res.DurationMs = time.Since(start).Milliseconds()
			x.recordDuration(ctx, start, "success")
			return res, nil
		}
		lastErr = err

		// Our deadline beats any other classification.
		if cause := context.Cause(cctx); cause == errDeadline {
			x.breaker.RecordFailure(breaker.ClassTimeout)
			x.recordDuration(ctx, start, "timeout")
			return nil, timeoutError(time.Since(start))
		}
		// Caller cancellation (client disconnect): not the engine's
		// fault, so no breaker report, no taxonomy mapping.
		if cctx.Err() != nil {
			x.recordDuration(ctx, start, "canceled")
			return nil, context.Cause(cctx)
		}

		class := engine.ClassOf(err)
		if !class.Retryable() {
			x.breaker.RecordFailure(breaker.ErrorClass(class))
			x.recordDuration(ctx, start, "error")
			return nil, engineError(err)
		}

		// A streaming attempt that already produced client-visible
		// output cannot be retried without duplicating it.
		if emitted {
			x.breaker.RecordFailure(breaker.ErrorClass(class))
			x.recordDuration(ctx, start, "error")
			return nil, engineError(err)
		}

		if attempt == x.cfg.RetryMaxAttempts {
			break
		}

		wait := x.backoff(attempt)
		x.logger.Warn("transient engine failure, retrying",
			"attempt", attempt,
			"max_attempts", x.cfg.RetryMaxAttempts,
			"class", string(class),
			"wait", wait,
			"error", err,
		)
		if serr := x.sleep(cctx, wait); serr != nil {
			if cause := context.Cause(cctx); cause == errDeadline {
				x.breaker.RecordFailure(breaker.ClassTimeout)
				x.recordDuration(ctx, start, "timeout")
				return nil, timeoutError(time.Since(start))
			}
			x.recordDuration(ctx, start, "canceled")
			return nil, context.Cause(cctx)
		}
	}

	x.breaker.RecordFailure(breaker.ErrorClass(engine.ClassOf(lastErr)))
	x.recordDuration(ctx, start, "exhausted")
	return nil, retriesExhausted(x.cfg.RetryMaxAttempts, lastErr)
}

// attempt runs one engine call to completion. Accumulation state is created
// fresh here and never carried across retries.
func (x *Executor) attempt(ctx context.Context, req engine.Request, emit func(Event)) (*Result, error) {
	st, err := x.engine.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer x.closeStream(st)

	col := newCollector(x.cfg.MaxResponseBytes, emit)

	// Recv has no context; a reader goroutine bridges it into the select
	// below. On cancellation the deferred Close unblocks Recv and the
	// goroutine exits through the buffered error channel.
	msgCh := make(chan engine.Message)
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, rerr := st.Recv()
			if rerr != nil {
				errCh <- rerr
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	var stallC <-chan time.Time
	if x.cfg.StallWarning > 0 {
		ticker := time.NewTicker(x.cfg.StallWarning)
		defer ticker.Stop()
		stallC = ticker.C
	}
	lastMsg := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)

		case <-stallC:
			// Warn-only: the deadline remains the sole hard cutoff. A
			// stalled stream might still complete.
			if since := time.Since(lastMsg); since > x.cfg.StallWarning {
				x.logger.Warn("engine stream stalled",
					"since_last_message", since.Round(time.Second),
					"session_id", req.SessionID,
				)
				if x.stalls != nil {
					x.stalls.Add(ctx, 1)
				}
			}

		case rerr := <-errCh:
			if errors.Is(rerr, io.EOF) {
				res := col.finalize()
				if res == nil {
					return nil, engine.NewError(engine.ClassProtocol, "executor.attempt",
						errors.New("stream ended without a terminal result"))
				}
				return res, nil
			}
			return nil, rerr

		case msg := <-msgCh:
			lastMsg = time.Now()
			col.handle(msg)
		}
	}
}

// closeStream releases the engine call's resources under a bounded timeout.
// A hung cleanup is abandoned and logged; it never blocks the caller and
// never masks the primary outcome.
func (x *Executor) closeStream(st engine.Stream) {
	done := make(chan error, 1)
	go func() { done <- st.Close() }()

	select {
	case err := <-done:
		if err != nil {
			x.logger.Warn("engine stream close failed", "error", err)
		}
	case <-time.After(x.cfg.CleanupTimeout):
		x.logger.Warn("engine stream cleanup timed out, abandoning",
			"timeout", x.cfg.CleanupTimeout)
	}
}

// backoff returns the exponential wait for the given attempt with random
// jitter, bounded by the configured min/max.
func (x *Executor) backoff(attempt int) time.Duration {
	wait := time.Duration(float64(x.cfg.RetryMinWait) * math.Pow(x.cfg.RetryMultiplier, float64(attempt-1)))
	if wait > x.cfg.RetryMaxWait {
		wait = x.cfg.RetryMaxWait
	}
	if x.cfg.RetryJitterMax > 0 {
		wait += rand.N(x.cfg.RetryJitterMax) //nolint:gosec // jitter needs no crypto strength
	}
	return wait
}

func (x *Executor) recordDuration(ctx context.Context, start time.Time, outcome string) {
	if x.duration == nil {
		return
	}
	x.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// collector accumulates one attempt's stream. When emit is non-nil each
// fragment is also forwarded as a typed event; after the byte cap is hit a
// single truncated event is emitted, further text is dropped, and non-text
// events keep flowing.
type collector struct {
	maxBytes int64
	emit     func(Event)

	sessionID string
	model     string
	text      bytes.Buffer
	thinking  []string
	toolCalls []ToolCall
	truncated bool
	dropText  bool
	result    *engine.ResultMessage
}

func newCollector(maxBytes int64, emit func(Event)) *collector {
	return &collector{maxBytes: maxBytes, emit: emit}
}

func (c *collector) send(ev Event) {
	if c.emit != nil {
		c.emit(ev)
	}
}

func (c *collector) handle(msg engine.Message) {
	switch m := msg.(type) {
	case engine.InitMessage:
		c.sessionID = m.SessionID
		c.model = m.Model
		c.send(Event{Type: model.StreamInit, SessionID: m.SessionID, Model: m.Model})

	case engine.SystemMessage:
		c.send(Event{Type: model.StreamSystem, System: m.Detail})

	case engine.TextMessage:
		if c.dropText {
			return
		}
		chunk := m.Text
		remaining := c.maxBytes - int64(c.text.Len())
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
			c.truncated = true
			c.dropText = true
		}
		c.text.WriteString(chunk)
		if chunk != "" {
			c.send(Event{Type: model.StreamText, Text: chunk})
		}
		if c.truncated {
			c.send(Event{Type: model.StreamTruncated})
		}

	case engine.ThinkingMessage:
		c.thinking = append(c.thinking, m.Text)
		c.send(Event{Type: model.StreamThinking, Text: m.Text})

	case engine.ToolUseMessage:
		tc := ToolCall{ID: m.ID, Name: m.Name, Input: m.Input}
		c.toolCalls = append(c.toolCalls, tc)
		c.send(Event{Type: model.StreamToolUse, ToolCall: &tc})

	case engine.ToolResultMessage:
		c.send(Event{Type: model.StreamToolResult, ToolResult: &ToolResult{
			ToolUseID: m.ToolUseID,
			Content:   m.Content,
			IsError:   m.IsError,
		}})

	case engine.ResultMessage:
		c.result = &m
	}
}

// finalize builds the Result from the terminal message; nil when the stream
// never delivered one.
func (c *collector) finalize() *Result {
	if c.result == nil {
		return nil
	}
	sessionID := c.result.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}
	mdl := c.result.Model
	if mdl == "" {
		mdl = c.model
	}
	return &Result{
		SessionID:    sessionID,
		Text:         c.text.String(),
		Thinking:     c.thinking,
		ToolCalls:    c.toolCalls,
		Usage:        c.result.Usage,
		Model:        mdl,
		NumTurns:     c.result.NumTurns,
		DurationMs:   c.result.DurationMs,
		TotalCostUSD: c.result.TotalCostUSD,
		Truncated:    c.truncated,
		IsError:      c.result.IsError,
	}
}
