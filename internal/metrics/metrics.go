// Package metrics records broker operation latencies for the status endpoint
// and the prometheus scrape handler.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/grovetools/tabrelay/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RingSize is the number of recent operations kept for the summary.
const RingSize = 256

// Operation is one completed request.
type Operation struct {
	Op       string        `json:"op"`
	Duration time.Duration `json:"duration"`
	Code     string        `json:"code,omitempty"`
	At       time.Time     `json:"at"`
}

// Summary aggregates the recent-operation ring.
type Summary struct {
	Count     int       `json:"count"`
	Errors    int       `json:"errors"`
	MeanMs    float64   `json:"meanMs"`
	MaxMs     float64   `json:"maxMs"`
	LastError string    `json:"lastError,omitempty"`
	LastAt    time.Time `json:"lastAt,omitempty"`
}

// Recorder owns a private prometheus registry and the recent-operation ring.
type Recorder struct {
	registry *prometheus.Registry
	latency  *prometheus.HistogramVec
	failures *prometheus.CounterVec
	conns    *prometheus.GaugeVec
	pending  prometheus.Gauge

	mu   sync.Mutex
	ring [RingSize]Operation
	next int
	size int
	now  func() time.Time
}

// New creates a Recorder with its collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tabrelay",
			Name:      "request_duration_seconds",
			Help:      "Time from dispatch to settlement of terminal requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"op"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabrelay",
			Name:      "request_errors_total",
			Help:      "Terminal requests that settled with an error, by code.",
		}, []string{"op", "code"}),
		conns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tabrelay",
			Name:      "connections",
			Help:      "Live connections by role.",
		}, []string{"role"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tabrelay",
			Name:      "pending_requests",
			Help:      "Requests awaiting a terminal response.",
		}),
		now: time.Now,
	}
	r.registry.MustRegister(
		r.latency, r.failures, r.conns, r.pending,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe records one settled request. It matches the registry's Observer
// signature.
func (r *Recorder) Observe(op string, took time.Duration, err error) {
	code := ""
	if err != nil {
		code = string(errors.CodeOrInternal(err))
		r.failures.WithLabelValues(op, code).Inc()
	}
	r.latency.WithLabelValues(op).Observe(took.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = Operation{Op: op, Duration: took, Code: code, At: r.now()}
	r.next = (r.next + 1) % RingSize
	if r.size < RingSize {
		r.size++
	}
}

// SetConnections updates the per-role connection gauges.
func (r *Recorder) SetConnections(terminal, caller, relay, pending int) {
	r.conns.WithLabelValues("terminal").Set(float64(terminal))
	r.conns.WithLabelValues("caller").Set(float64(caller))
	r.conns.WithLabelValues("relay").Set(float64(relay))
	r.pending.Set(float64(pending))
}

// Recent returns the ring contents, oldest first.
func (r *Recorder) Recent() []Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Operation, 0, r.size)
	start := (r.next - r.size + RingSize) % RingSize
	for i := 0; i < r.size; i++ {
		out = append(out, r.ring[(start+i)%RingSize])
	}
	return out
}

// Summary aggregates the ring.
func (r *Recorder) Summary() Summary {
	ops := r.Recent()
	var s Summary
	var total time.Duration
	for _, op := range ops {
		s.Count++
		total += op.Duration
		if ms := float64(op.Duration) / float64(time.Millisecond); ms > s.MaxMs {
			s.MaxMs = ms
		}
		if op.Code != "" {
			s.Errors++
			s.LastError = op.Code
		}
		s.LastAt = op.At
	}
	if s.Count > 0 {
		s.MeanMs = float64(total) / float64(s.Count) / float64(time.Millisecond)
	}
	return s
}

// Handler serves the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
