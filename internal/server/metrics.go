package server

import (
	"net/http"
	"sort"
	"sync"
	"time"
)

// Metrics is an in-process counter registry backing GET /metrics. It is
// deliberately separate from OTLP export: a plain JSON snapshot that works
// with zero collector infrastructure.
type Metrics struct {
	mu      sync.Mutex
	total   routeStats
	perPath map[string]*routeStats
}

type routeStats struct {
	Count     int64
	Errors    int64
	LatencyMs int64
}

// NewMetrics creates an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{perPath: make(map[string]*routeStats)}
}

// Instrument wraps next so every request on the given route pattern is
// counted. Status >= 400 counts as an error.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		m.record(route, wrapped.statusCode, time.Since(start))
	})
}

func (m *Metrics) record(route string, status int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.perPath[route]
	if !ok {
		rs = &routeStats{}
		m.perPath[route] = rs
	}
	for _, s := range []*routeStats{&m.total, rs} {
		s.Count++
		s.LatencyMs += d.Milliseconds()
		if status >= 400 {
			s.Errors++
		}
	}
}

// EndpointStats is the per-route slice of the metrics snapshot.
type EndpointStats struct {
	Route        string  `json:"route"`
	Count        int64   `json:"count"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// RequestStats is the aggregate slice of the metrics snapshot.
type RequestStats struct {
	Total        int64   `json:"total"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Snapshot returns the aggregate and per-route counters, routes sorted for
// stable output.
func (m *Metrics) Snapshot() (RequestStats, []EndpointStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg := RequestStats{
		Total:        m.total.Count,
		Errors:       m.total.Errors,
		AvgLatencyMs: avgLatency(&m.total),
	}
	endpoints := make([]EndpointStats, 0, len(m.perPath))
	for route, rs := range m.perPath {
		endpoints = append(endpoints, EndpointStats{
			Route:        route,
			Count:        rs.Count,
			Errors:       rs.Errors,
			AvgLatencyMs: avgLatency(rs),
		})
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Route < endpoints[j].Route })
	return agg, endpoints
}

func avgLatency(rs *routeStats) float64 {
	if rs.Count == 0 {
		return 0
	}
	return float64(rs.LatencyMs) / float64(rs.Count)
}
