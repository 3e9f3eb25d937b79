// Package metrics keeps the job counters on a Prometheus registry and serves them
// next to pprof.
package metrics

import (
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace     = "listing_sync"
	defaultWindow = 256
)

type Metrics struct {
	reg *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpThrottled prometheus.Counter
	httpLatency   prometheus.Histogram
	items         *prometheus.CounterVec
	warnings      *prometheus.CounterVec
	errors        *prometheus.CounterVec
	outcomes      *prometheus.CounterVec

	// last win latency samples, for the p50/p95 in job summaries
	mu           sync.Mutex
	latSamplesMs []float64
	latIdx       int
	latCount     int

	start time.Time
}

// New builds a Metrics on its own registry and keeps the last win latency samples
// for quantiles (minimum 64).
func New(win int) *Metrics {
	if win <= 0 {
		win = defaultWindow
	}
	if win < 64 {
		win = 64
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total upstream requests by status code (0 = transport error).",
		}, []string{"code"}),
		httpThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_throttled_total",
			Help:      "429 responses.",
		}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_latency_ms",
			Help:      "Upstream request latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 25000},
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Normalized items per source.",
		}, []string{"source"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_fetch_warnings_total",
			Help:      "Per-record fetch stages that failed without failing the source.",
		}, []string{"source"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Source failures by class.",
		}, []string{"class"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Reconcile decisions by action.",
		}, []string{"action"}),
		latSamplesMs: make([]float64, win),
		start:        time.Now(),
	}
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime.",
	}, func() float64 { return time.Since(m.start).Seconds() })

	m.reg.MustRegister(
		m.httpRequests,
		m.httpThrottled,
		m.httpLatency,
		m.items,
		m.warnings,
		m.errors,
		m.outcomes,
		uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is the registry every metric of m lives on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RecordRequest takes one HTTP attempt; code 0 is a transport error.
func (m *Metrics) RecordRequest(code int, ms float64) {
	m.httpRequests.WithLabelValues(strconv.Itoa(code)).Inc()
	if code == http.StatusTooManyRequests {
		m.httpThrottled.Inc()
	}
	m.httpLatency.Observe(ms)

	m.mu.Lock()
	m.latSamplesMs[m.latIdx] = ms
	m.latIdx = (m.latIdx + 1) % len(m.latSamplesMs)
	if m.latCount < len(m.latSamplesMs) {
		m.latCount++
	}
	m.mu.Unlock()
}

func (m *Metrics) RecordSource(source string, items int, errClass string) {
	m.items.WithLabelValues(source).Add(float64(items))
	if errClass != "" {
		m.errors.WithLabelValues(errClass).Inc()
	}
}

// RecordWarnings counts partial-fetch warnings of a source that otherwise succeeded.
func (m *Metrics) RecordWarnings(source string, n int) {
	if n <= 0 {
		return
	}
	m.warnings.WithLabelValues(source).Add(float64(n))
}

// RecordOutcome counts one reconcile decision (create, update, unchanged, skip, failed).
func (m *Metrics) RecordOutcome(action string) {
	m.outcomes.WithLabelValues(action).Inc()
}

func (m *Metrics) Latencies() (p50, p95 float64) {
	m.mu.Lock()
	n := m.latCount
	if n == 0 {
		m.mu.Unlock()
		return 0, 0
	}
	buf := make([]float64, n)
	copy(buf, m.latSamplesMs[:n])
	m.mu.Unlock()

	sort.Float64s(buf)
	return quantile(buf, 0.50), quantile(buf, 0.95)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := q * float64(len(sorted)-1)
	i := int(idx)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(i)
	return sorted[i]*(1-frac) + sorted[i+1]*frac
}

// Handler exposes /metrics and /debug/pprof/*.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg}))

	// pprof
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Serve listens on addr in the background. Empty addr is a no-op. The returned
// func shuts the listener down.
func (m *Metrics) Serve(addr string) (stop func(), err error) {
	if addr == "" {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return func() { _ = srv.Close() }, nil
}
