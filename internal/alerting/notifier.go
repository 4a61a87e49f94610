package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsunagi/internal/breaker"
)

const (
	// maxLastSent bounds the dedup table; entries older than
	// lastSentStaleFactor times the minimum interval are pruned first.
	maxLastSent         = 256
	lastSentStaleFactor = 10

	// Backoff between consecutive delivery failures.
	deliveryBackoffMin = time.Second
	deliveryBackoffMax = 30 * time.Second
)

// Config for a Notifier.
type Config struct {
	// Service tags every alert (the "service" payload field).
	Service string
	// MinInterval suppresses repeat alerts of the same type.
	MinInterval time.Duration
	// QueueSize bounds the delivery queue; overflow is dropped.
	QueueSize int
	// DeliveryTimeout bounds each individual sink delivery.
	DeliveryTimeout time.Duration
}

// Notifier queues alerts for asynchronous delivery. Enqueueing never blocks
// and delivery failures are logged, never propagated.
type Notifier struct {
	sink   Sink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	closed   bool

	queue chan Alert
	wg    sync.WaitGroup

	sent       otelmetric.Int64Counter
	dropped    otelmetric.Int64Counter
	suppressed otelmetric.Int64Counter
	failures   otelmetric.Int64Counter
}

// New creates a Notifier and starts its delivery worker.
func New(sink Sink, cfg Config, logger *slog.Logger) *Notifier {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	n := &Notifier{
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
		queue:    make(chan Alert, cfg.QueueSize),
	}

	meter := otel.GetMeterProvider().Meter("tsunagi/alerting")
	if c, err := meter.Int64Counter("alerts.sent"); err == nil {
		n.sent = c
	}
	if c, err := meter.Int64Counter("alerts.dropped"); err == nil {
		n.dropped = c
	}
	if c, err := meter.Int64Counter("alerts.suppressed"); err == nil {
		n.suppressed = c
	}
	if c, err := meter.Int64Counter("alerts.delivery_failures"); err == nil {
		n.failures = c
	}

	n.wg.Add(1)
	go n.deliverLoop()
	return n
}

// Notify enqueues an alert unless one of the same type was sent within the
// minimum interval.
func (n *Notifier) Notify(a Alert) {
	n.enqueue(a, false)
}

// Force enqueues an alert bypassing interval suppression. Used for
// transitions that must always be visible, like the breaker opening.
func (n *Notifier) Force(a Alert) {
	n.enqueue(a, true)
}

func (n *Notifier) enqueue(a Alert, force bool) {
	now := n.now()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if !force {
		if last, ok := n.lastSent[a.AlertType]; ok && now.Sub(last) < n.cfg.MinInterval {
			n.mu.Unlock()
			if n.suppressed != nil {
				n.suppressed.Add(context.Background(), 1)
			}
			return
		}
	}
	n.lastSent[a.AlertType] = now
	n.pruneLocked(now)
	n.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	if a.Service == "" {
		a.Service = n.cfg.Service
	}
	if a.Severity == "" {
		a.Severity = SeverityInfo
	}

	select {
	case n.queue <- a:
	default:
		// Queue full: drop rather than block the caller.
		if n.dropped != nil {
			n.dropped.Add(context.Background(), 1)
		}
		n.logger.Warn("alert queue full, dropping",
			"alert_type", a.AlertType, "title", a.Title)
	}
}

// pruneLocked keeps the dedup table bounded. Stale entries go first; if the
// table is still over the cap, the oldest entries go too.
func (n *Notifier) pruneLocked(now time.Time) {
	if len(n.lastSent) <= maxLastSent {
		return
	}
	stale := now.Add(-lastSentStaleFactor * n.cfg.MinInterval)
	for typ, at := range n.lastSent {
		if at.Before(stale) {
			delete(n.lastSent, typ)
		}
	}
	for len(n.lastSent) > maxLastSent {
		var oldestType string
		var oldestAt time.Time
		for typ, at := range n.lastSent {
			if oldestType == "" || at.Before(oldestAt) {
				oldestType, oldestAt = typ, at
			}
		}
		delete(n.lastSent, oldestType)
	}
}

// deliverLoop ships queued alerts one at a time, backing off between
// consecutive failures so a dead webhook doesn't spin.
func (n *Notifier) deliverLoop() {
	defer n.wg.Done()
	backoff := deliveryBackoffMin

	for a := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DeliveryTimeout)
		err := n.sink.Deliver(ctx, a)
		cancel()

		if err != nil {
			if n.failures != nil {
				n.failures.Add(context.Background(), 1)
			}
			n.logger.Warn("alert delivery failed",
				"alert_type", a.AlertType,
				"alert_id", a.ID,
				"backoff", backoff,
				"error", err,
			)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > deliveryBackoffMax {
				backoff = deliveryBackoffMax
			}
			continue
		}

		if n.sent != nil {
			n.sent.Add(context.Background(), 1)
		}
		backoff = deliveryBackoffMin
	}
}

// Close stops accepting alerts and waits for the queue to drain, bounded by
// ctx. Safe to call once.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	close(n.queue)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BreakerHook returns a breaker transition hook that raises alerts: opening
// is critical and bypasses suppression, recovery and probing are
// informational.
func (n *Notifier) BreakerHook() breaker.Hook {
	return func(_ context.Context, t breaker.Transition) {
		a := Alert{
			AlertType: "breaker_" + t.To.String(),
			Context: map[string]any{
				"from":           t.From.String(),
				"to":             t.To.String(),
				"failure_count":  t.FailureCount,
				"weighted_score": t.Weighted,
			},
		}
		for class, count := range t.Histogram {
			a.Context["failures_"+string(class)] = count
		}

		switch t.To {
		case breaker.Open:
			a.Severity = SeverityCritical
			a.Title = "Engine circuit breaker opened"
			a.Message = "Requests are being rejected until the engine recovers."
			n.Force(a)
		case breaker.HalfOpen:
			a.Severity = SeverityInfo
			a.Title = "Engine circuit breaker probing"
			a.Message = "Cool-down elapsed; probe requests are being admitted."
			n.Notify(a)
		case breaker.Closed:
			a.Severity = SeverityInfo
			a.Title = "Engine circuit breaker recovered"
			a.Message = "Probes succeeded; normal admission resumed."
			n.Force(a)
		}
	}
}

// NotifyError is a convenience for critical failure paths: it flattens the
// error chain into the alert payload.
func (n *Notifier) NotifyError(alertType, title string, err error, fields map[string]any) {
	n.Notify(Alert{
		AlertType: alertType,
		Title:     title,
		Message:   err.Error(),
		Severity:  SeverityWarning,
		Context:   fields,
		Errors:    errorChain(err),
	})
}
