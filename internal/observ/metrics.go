package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	counters = map[string]*prometheus.CounterVec{
		"engine_ticks_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_ticks_total", Help: "Scheduler ticks started.",
		}, nil),
		"engine_dispatch_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_dispatch_total", Help: "Pipeline runs by outcome.",
		}, []string{"result"}),
		"engine_dispatch_skipped_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_dispatch_skipped_total", Help: "Scripts not dispatched on a tick.",
		}, []string{"reason"}),
		"orders_submitted_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_submitted_total", Help: "Order submissions by side and ack result.",
		}, []string{"side", "result"}),
		"order_duplicates_suppressed_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_duplicates_suppressed_total", Help: "Submissions suppressed by the idempotency guard.",
		}, []string{"reason"}),
		"affordability_declines_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "affordability_declines_total", Help: "Buy decisions declined for insufficient balance.",
		}, nil),
		"script_transitions_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "script_transitions_total", Help: "Script status transitions.",
		}, []string{"from", "to"}),
		"markers_reconciled_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "markers_reconciled_total", Help: "Idempotency marker reconciliations by outcome.",
		}, []string{"outcome"}),
		"scripts_archived_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scripts_archived_total", Help: "Scripts moved out of the active set.",
		}, nil),
		"publish_dropped_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_dropped_total", Help: "Events dropped for slow subscribers.",
		}, []string{"event"}),
		"gateway_requests_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total", Help: "Brokerage gateway calls by operation and result.",
		}, []string{"op", "result"}),
		"alerts_sent_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_sent_total", Help: "Slack alerts delivered by result.",
		}, []string{"result"}),
		"http_errors_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total", Help: "API requests answered with an error status.",
		}, []string{"code"}),
		"slack_commands_total": prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slack_commands_total", Help: "Slack slash commands by command and result.",
		}, []string{"command", "result"}),
	}

	gauges = map[string]*prometheus.GaugeVec{
		"balance_available": prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "balance_available", Help: "Available balance after the last reserve or reconcile.",
		}, nil),
		"publish_subscribers": prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "publish_subscribers", Help: "Connected UI sessions by transport.",
		}, []string{"transport"}),
		"feed_connection_state": prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feed_connection_state", Help: "Order feed connection state (0 down, 1 connecting, 2 up).",
		}, nil),
	}

	histograms = map[string]*prometheus.HistogramVec{
		"engine_pipeline_seconds": prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "engine_pipeline_seconds", Help: "Duration of one script pipeline run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		"gateway_request_seconds": prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "gateway_request_seconds", Help: "Brokerage gateway call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
)

func init() {
	for _, c := range counters {
		prometheus.MustRegister(c)
	}
	for _, g := range gauges {
		prometheus.MustRegister(g)
	}
	for _, h := range histograms {
		prometheus.MustRegister(h)
	}
}

// IncCounter increments a registered counter. Unknown names are ignored.
func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	c, ok := counters[name]
	if !ok {
		return
	}
	m, err := c.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	m.Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	g, ok := gauges[name]
	if !ok {
		return
	}
	m, err := g.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	m.Set(value)
}

func AddGauge(name string, delta float64, labels map[string]string) {
	g, ok := gauges[name]
	if !ok {
		return
	}
	m, err := g.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	m.Add(delta)
}

// RecordDuration observes a duration in seconds on a registered histogram.
func RecordDuration(name string, d time.Duration, labels map[string]string) {
	h, ok := histograms[name]
	if !ok {
		return
	}
	m, err := h.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	m.Observe(d.Seconds())
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HealthStatus represents overall engine health
type HealthStatus struct {
	Status     string                     `json:"status"` // "healthy", "degraded"
	Timestamp  string                     `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Version    string                     `json:"version"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth is the last reported state of one engine component
type ComponentHealth struct {
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags

	healthMu   sync.RWMutex
	components = map[string]ComponentHealth{}
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// SetComponentHealth records the health of a named component (scheduler, feed, broker...).
func SetComponentHealth(name string, ok bool, detail string) {
	healthMu.Lock()
	defer healthMu.Unlock()
	components[name] = ComponentHealth{
		OK:        ok,
		Detail:    detail,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// Health returns a snapshot of the current health status.
func Health() HealthStatus {
	healthMu.RLock()
	defer healthMu.RUnlock()

	status := "healthy"
	snap := make(map[string]ComponentHealth, len(components))
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := components[name]
		snap[name] = c
		if !c.OK {
			status = "degraded"
		}
	}
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Uptime:     time.Since(startTime).String(),
		Version:    version,
		Components: snap,
	}
}

// HealthHandler returns the health endpoint. Degraded components yield 503.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := Health()
		statusCode := http.StatusOK
		if health.Status != "healthy" {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}
