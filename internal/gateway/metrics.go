package gateway

import (
	"bufio"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics tracks gateway-level counters using atomic operations for lock-free concurrency.
type Metrics struct {
	requests     atomic.Int64
	serverErrors atomic.Int64
	unauthorized atomic.Int64
	streams      atomic.Int64
	totalLatency atomic.Int64 // nanoseconds
}

// RecordRequest records a served request.
func (m *Metrics) RecordRequest(status int, latency time.Duration) {
	m.requests.Add(1)
	m.totalLatency.Add(int64(latency))
	switch {
	case status >= http.StatusInternalServerError:
		m.serverErrors.Add(1)
	case status == http.StatusUnauthorized:
		m.unauthorized.Add(1)
	}
}

// StreamOpened records a new websocket subscriber.
func (m *Metrics) StreamOpened() { m.streams.Add(1) }

// StreamClosed records a websocket subscriber going away.
func (m *Metrics) StreamClosed() { m.streams.Add(-1) }

// Snapshot returns a consistent point-in-time view of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	requests := m.requests.Load()
	snap := MetricsSnapshot{
		Requests:      requests,
		ServerErrors:  m.serverErrors.Load(),
		Unauthorized:  m.unauthorized.Load(),
		ActiveStreams: m.streams.Load(),
	}
	if requests > 0 {
		snap.AvgLatency = time.Duration(m.totalLatency.Load() / requests)
	}
	return snap
}

// MetricsSnapshot is a serializable point-in-time metrics view.
type MetricsSnapshot struct {
	Requests      int64         `json:"requests"`
	ServerErrors  int64         `json:"server_errors"`
	Unauthorized  int64         `json:"unauthorized"`
	ActiveStreams int64         `json:"active_streams"`
	AvgLatency    time.Duration `json:"avg_latency_ns"`
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection over to the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, brw, err
}

// Unwrap lets http.ResponseController and the websocket upgrade reach
// the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument counts every request passing through the router.
func (m *Metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.RecordRequest(rec.status, time.Since(start))
	})
}
