// Package breaker implements a severity-weighted circuit breaker gating
// calls to the external engine.
//
// The breaker is CLOSED until the weighted failure count crosses the
// configured threshold, OPEN until the cool-down elapses, then HALF_OPEN
// while a bounded number of probe calls test recovery. Failures are not all
// equal: a timeout weighs less than a connection refusal, which weighs less
// than a process-level failure, so a burst of slow responses does not trip
// the breaker as fast as a crashed engine does.
package breaker

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// State is the breaker's availability state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the lowercase wire name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrorClass categorizes a failure for weighting and the histogram.
type ErrorClass string

const (
	ClassTimeout    ErrorClass = "timeout"
	ClassConnection ErrorClass = "connection"
	ClassProcess    ErrorClass = "process"
	ClassUnknown    ErrorClass = "unknown"
)

// Transition describes one state change, delivered to the notification hook.
type Transition struct {
	From         State
	To           State
	FailureCount int
	Weighted     float64
	Histogram    map[ErrorClass]int
	At           time.Time
}

// Hook receives state transitions. Hooks run on their own goroutine after
// the breaker's mutex is released; a slow or panicking hook never blocks or
// fails an engine call.
type Hook func(ctx context.Context, t Transition)

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the weighted failure count that opens the breaker.
	FailureThreshold float64
	// SuccessThreshold is how many HALF_OPEN probe successes close it.
	SuccessThreshold int
	// Timeout is the OPEN cool-down before probing begins.
	Timeout time.Duration
	// MaxProbes bounds concurrent HALF_OPEN probe calls.
	MaxProbes int
	// Weights maps error classes to failure weight. Classes absent from the
	// map weigh 1.0.
	Weights map[ErrorClass]float64
}

// Breaker is a severity-weighted circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg    Config
	logger *slog.Logger
	hook   Hook
	now    func() time.Time // injectable for tests

	mu          sync.Mutex
	state       State
	failures    int
	weighted    float64
	successes   int
	probes      int
	lastFailure time.Time
	histogram   map[ErrorClass]int

	stateGauge otelmetric.Int64Gauge
	transCount otelmetric.Int64Counter
}

// New creates a Breaker in the CLOSED state. hook may be nil.
func New(cfg Config, logger *slog.Logger, hook Hook) *Breaker {
	b := &Breaker{
		cfg:       cfg,
		logger:    logger,
		hook:      hook,
		now:       time.Now,
		state:     Closed,
		histogram: make(map[ErrorClass]int),
	}
	meter := otel.GetMeterProvider().Meter("tsunagi/breaker")
	if g, err := meter.Int64Gauge("breaker.state"); err == nil {
		b.stateGauge = g
	}
	if c, err := meter.Int64Counter("breaker.transitions"); err == nil {
		b.transCount = c
	}
	return b
}

// Acquire reports whether a call to the engine may proceed. In OPEN it
// atomically promotes to HALF_OPEN once the cool-down has elapsed; in
// HALF_OPEN it admits at most MaxProbes concurrent probes. This is the only
// method that gates real traffic.
func (b *Breaker) Acquire() bool {
	b.mu.Lock()

	switch b.state {
	case Closed:
		b.mu.Unlock()
		return true

	case Open:
		if b.now().Sub(b.lastFailure) < b.cfg.Timeout {
			b.mu.Unlock()
			return false
		}
		t := b.transitionLocked(HalfOpen)
		b.probes = 1
		b.mu.Unlock()
		b.notify(t)
		return true

	case HalfOpen:
		if b.probes >= b.cfg.MaxProbes {
			b.mu.Unlock()
			return false
		}
		b.probes++
		b.mu.Unlock()
		return true
	}

	b.mu.Unlock()
	return false
}

// RecordSuccess reports a successful engine call. In HALF_OPEN, reaching the
// success threshold closes the breaker and resets all counters; in CLOSED it
// grants full recovery credit by clearing the failure accounting.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	switch b.state {
	case HalfOpen:
		b.successes++
		if b.probes > 0 {
			b.probes--
		}
		if b.successes >= b.cfg.SuccessThreshold {
			t := b.transitionLocked(Closed)
			b.resetCountersLocked()
			b.mu.Unlock()
			b.notify(t)
			return
		}

	case Closed:
		b.failures = 0
		b.weighted = 0
	}

	b.mu.Unlock()
}

// RecordFailure reports a failed engine call of the given class. Any failure
// in HALF_OPEN reverts to OPEN immediately; in CLOSED, crossing the weighted
// threshold opens the breaker.
func (b *Breaker) RecordFailure(class ErrorClass) {
	b.mu.Lock()

	weight, ok := b.cfg.Weights[class]
	if !ok {
		weight = 1.0
	}
	b.failures++
	b.weighted += weight
	b.histogram[class]++
	b.lastFailure = b.now()

	var t *Transition
	switch b.state {
	case HalfOpen:
		tt := b.transitionLocked(Open)
		b.successes = 0
		b.probes = 0
		t = &tt

	case Closed:
		if b.weighted >= b.cfg.FailureThreshold {
			tt := b.transitionLocked(Open)
			t = &tt
		}
	}

	b.mu.Unlock()
	if t != nil {
		b.notify(*t)
	}
}

// Available reports whether a call would currently be admitted. Read-only
// and intentionally racy; suitable for health reporting only, never for
// gating traffic — that is Acquire's job.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		return b.now().Sub(b.lastFailure) >= b.cfg.Timeout
	case HalfOpen:
		return b.probes < b.cfg.MaxProbes
	}
	return false
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the raw failure count, weighted count, and a copy of the
// error histogram, for health and alerting payloads.
func (b *Breaker) Snapshot() (failures int, weighted float64, histogram map[ErrorClass]int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.weighted, maps.Clone(b.histogram)
}

// Reset returns the breaker to its initial CLOSED state. Test isolation
// only; never called on a serving path.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.resetCountersLocked()
	b.lastFailure = time.Time{}
}

// transitionLocked mutates state and returns the Transition to deliver after
// the caller releases b.mu. Caller holds b.mu.
func (b *Breaker) transitionLocked(to State) Transition {
	from := b.state
	b.state = to
	t := Transition{
		From:         from,
		To:           to,
		FailureCount: b.failures,
		Weighted:     b.weighted,
		Histogram:    maps.Clone(b.histogram),
		At:           b.now(),
	}
	if b.stateGauge != nil {
		b.stateGauge.Record(context.Background(), int64(to))
	}
	if b.transCount != nil {
		b.transCount.Add(context.Background(), 1)
	}
	return t
}

func (b *Breaker) resetCountersLocked() {
	b.failures = 0
	b.weighted = 0
	b.successes = 0
	b.probes = 0
	b.histogram = make(map[ErrorClass]int)
}

// notify delivers a transition to the hook on its own goroutine. Hook panics
// are logged and swallowed.
func (b *Breaker) notify(t Transition) {
	b.logger.Info("breaker state change",
		"from", t.From.String(),
		"to", t.To.String(),
		"failures", t.FailureCount,
		"weighted", t.Weighted,
	)
	if b.hook == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("breaker hook panicked", "panic", r)
			}
		}()
		b.hook(context.Background(), t)
	}()
}
