// Package alerting delivers best-effort operational notifications. Alerts
// are deduplicated per type under a minimum interval, queued with
// drop-on-full semantics, and shipped by a single worker goroutine so that
// callers (breaker hooks, handlers) never block on delivery.
package alerting

import (
	"context"
	"log/slog"
	"time"
)

// Severity of an alert. Maps to the log level of the log sink and is
// forwarded verbatim to webhook receivers.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one outbound notification.
type Alert struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	AlertType string         `json:"alertType"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Service   string         `json:"service"`
	Context   map[string]any `json:"context,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
}

// Sink delivers a single alert. Implementations must honor ctx.
type Sink interface {
	Deliver(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the structured log. It is the default sink when
// no webhook URL is configured and never fails.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Deliver(_ context.Context, a Alert) error {
	level := slog.LevelInfo
	switch a.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	attrs := []any{
		"alert_id", a.ID,
		"alert_type", a.AlertType,
		"title", a.Title,
		"message", a.Message,
	}
	if len(a.Context) > 0 {
		attrs = append(attrs, "context", a.Context)
	}
	if len(a.Errors) > 0 {
		attrs = append(attrs, "errors", a.Errors)
	}
	s.Logger.Log(context.Background(), level, "alert", attrs...)
	return nil
}

// errorChain flattens an error and its wrapped causes into strings for the
// alert payload.
func errorChain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return chain
}
