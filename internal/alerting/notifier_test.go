package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/breaker"
	"github.com/ashita-ai/tsunagi/internal/testutil"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
	gate   chan struct{} // non-nil: Deliver blocks until closed
}

func (s *captureSink) Deliver(_ context.Context, a Alert) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) all() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

func newTestNotifier(sink Sink, minInterval time.Duration) *Notifier {
	return New(sink, Config{
		Service:     "tsunagi-test",
		MinInterval: minInterval,
		QueueSize:   16,
	}, testutil.TestLogger())
}

func drain(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.Close(ctx))
}

func TestNotifierSuppressesRepeatType(t *testing.T) {
	sink := &captureSink{}
	n := newTestNotifier(sink, time.Minute)
	base := time.Now()
	n.now = func() time.Time { return base }

	n.Notify(Alert{AlertType: "engine_down", Title: "first"})
	n.Notify(Alert{AlertType: "engine_down", Title: "suppressed"})
	n.Notify(Alert{AlertType: "other", Title: "independent"})
	drain(t, n)

	alerts := sink.all()
	require.Len(t, alerts, 2)
	assert.Equal(t, "first", alerts[0].Title)
	assert.Equal(t, "independent", alerts[1].Title)
}

func TestNotifierAllowsAfterInterval(t *testing.T) {
	sink := &captureSink{}
	n := newTestNotifier(sink, time.Minute)
	base := time.Now()
	n.now = func() time.Time { return base }

	n.Notify(Alert{AlertType: "engine_down", Title: "first"})
	base = base.Add(61 * time.Second)
	n.Notify(Alert{AlertType: "engine_down", Title: "second"})
	drain(t, n)

	require.Len(t, sink.all(), 2)
}

func TestNotifierForceBypassesSuppression(t *testing.T) {
	sink := &captureSink{}
	n := newTestNotifier(sink, time.Minute)
	base := time.Now()
	n.now = func() time.Time { return base }

	n.Notify(Alert{AlertType: "breaker_open", Title: "first"})
	n.Force(Alert{AlertType: "breaker_open", Title: "forced"})
	drain(t, n)

	alerts := sink.all()
	require.Len(t, alerts, 2)
	assert.Equal(t, "forced", alerts[1].Title)
}

func TestNotifierFillsDefaults(t *testing.T) {
	sink := &captureSink{}
	n := newTestNotifier(sink, time.Minute)

	n.Notify(Alert{AlertType: "x", Title: "t"})
	drain(t, n)

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.NotEmpty(t, alerts[0].ID)
	assert.False(t, alerts[0].Timestamp.IsZero())
	assert.Equal(t, "tsunagi-test", alerts[0].Service)
	assert.Equal(t, SeverityInfo, alerts[0].Severity)
}

func TestNotifierDropsOnFullQueueWithoutBlocking(t *testing.T) {
	gate := make(chan struct{})
	sink := &captureSink{gate: gate}
	n := New(sink, Config{
		Service:     "tsunagi-test",
		MinInterval: time.Minute,
		QueueSize:   2,
	}, testutil.TestLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Worker is gated; one alert in flight plus two queued, the
		// rest must be dropped without blocking.
		for i := 0; i < 10; i++ {
			n.Notify(Alert{AlertType: fmt.Sprintf("type-%d", i), Title: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	close(gate)
	drain(t, n)
	assert.LessOrEqual(t, len(sink.all()), 3)
	assert.NotEmpty(t, sink.all())
}

func TestNotifierCloseDrainsQueue(t *testing.T) {
	sink := &captureSink{}
	n := newTestNotifier(sink, time.Minute)

	for i := 0; i < 5; i++ {
		n.Notify(Alert{AlertType: fmt.Sprintf("type-%d", i), Title: "x"})
	}
	drain(t, n)
	assert.Len(t, sink.all(), 5)

	// After close, further alerts are silently discarded.
	n.Notify(Alert{AlertType: "late", Title: "x"})
	assert.Len(t, sink.all(), 5)
}

func TestPruneLockedBoundsTable(t *testing.T) {
	sink := &captureSink{}
	n := newTestNotifier(sink, time.Minute)
	defer drain(t, n)

	now := time.Now()
	for i := 0; i < maxLastSent+50; i++ {
		n.lastSent[fmt.Sprintf("type-%d", i)] = now.Add(-time.Duration(i) * time.Second)
	}
	n.mu.Lock()
	n.pruneLocked(now)
	n.mu.Unlock()

	assert.LessOrEqual(t, len(n.lastSent), maxLastSent)
	// The most recent entry always survives.
	_, ok := n.lastSent["type-0"]
	assert.True(t, ok)
}

func TestBreakerHookRaisesAlerts(t *testing.T) {
	sink := &captureSink{}
	n := newTestNotifier(sink, time.Minute)
	hook := n.BreakerHook()

	hook(context.Background(), breaker.Transition{
		From:         breaker.Closed,
		To:           breaker.Open,
		FailureCount: 7,
		Weighted:     5.5,
		Histogram:    map[breaker.ErrorClass]int{breaker.ClassTimeout: 7},
	})
	hook(context.Background(), breaker.Transition{From: breaker.Open, To: breaker.HalfOpen})
	hook(context.Background(), breaker.Transition{From: breaker.HalfOpen, To: breaker.Closed})
	drain(t, n)

	alerts := sink.all()
	require.Len(t, alerts, 3)
	assert.Equal(t, "breaker_open", alerts[0].AlertType)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Equal(t, 7, alerts[0].Context["failure_count"])
	assert.Equal(t, 7, alerts[0].Context["failures_timeout"])
	assert.Equal(t, "breaker_half_open", alerts[1].AlertType)
	assert.Equal(t, "breaker_closed", alerts[2].AlertType)
}

func TestWebhookSinkDelivers(t *testing.T) {
	var got Alert
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, srv.Client(), time.Second)
	err := sink.Deliver(context.Background(), Alert{
		ID:        "a-1",
		AlertType: "breaker_open",
		Title:     "Breaker opened",
		Severity:  SeverityCritical,
		Service:   "tsunagi",
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "breaker_open", got.AlertType)
	assert.Equal(t, SeverityCritical, got.Severity)
}

func TestWebhookSinkNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, srv.Client(), time.Second)
	err := sink.Deliver(context.Background(), Alert{AlertType: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestErrorChain(t *testing.T) {
	inner := errors.New("root cause")
	wrapped := fmt.Errorf("outer: %w", inner)
	chain := errorChain(wrapped)
	assert.Equal(t, []string{"outer: root cause", "root cause"}, chain)
	assert.Nil(t, errorChain(nil))
}
