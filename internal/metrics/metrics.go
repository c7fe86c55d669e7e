package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry keeps the string-keyed IncCounter/ObserveHistogram surface used
// across the service while storing series in prometheus vectors. Unknown
// names and label sets that do not match the registration are ignored.
type Registry struct {
	mu         sync.RWMutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("linkgate_job_runs_total", "Total background job runs by job and status.", "job", "status")
	r.RegisterHistogram("linkgate_job_duration_ms", "Background job duration in milliseconds by job.", []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}, "job")
	r.RegisterCounter("linkgate_session_transitions_total", "Session state transitions by previous and new status.", "from", "to")
	r.RegisterCounter("linkgate_reconnects_scheduled_total", "Reconnect attempts scheduled after a non-terminal close.")
	r.RegisterCounter("linkgate_reconnects_exhausted_total", "Instances moved to ERROR after exhausting reconnect attempts.")
	r.RegisterCounter("linkgate_pairing_codes_total", "Pairing codes seen by outcome.", "outcome")
	r.RegisterCounter("linkgate_session_events_dropped_total", "Protocol events dropped because they belonged to an ended session.")
	r.RegisterCounter("linkgate_messages_total", "Messages observed by direction.", "direction")
	r.RegisterGauge("linkgate_live_sessions", "Sessions with an open protocol handle.")
	r.RegisterCounter("linkgate_webhook_deliveries_total", "Webhook delivery attempts by status.", "status")
	r.RegisterHistogram("linkgate_webhook_delivery_latency_ms", "Webhook delivery latency in milliseconds by status.", []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}, "status")
	r.RegisterCounter("linkgate_webhook_dropped_total", "Webhook deliveries dropped by reason.", "reason")
	r.RegisterCounter("linkgate_quota_rejections_total", "Gated actions rejected by quota scope.", "scope")
	r.RegisterCounter("linkgate_status_notifications_dropped_total", "Status notifications dropped for slow subscribers.")
	r.RegisterCounter("linkgate_s3_retries_total", "S3 credential store retries by operation and error code.", "op", "reason")
}

func (r *Registry) RegisterCounter(name, help string, labelNames ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.counters[name]; ok {
		r.reg.Unregister(prev)
	}
	r.reg.MustRegister(vec)
	r.counters[name] = vec
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labelNames ...string) {
	cp := append([]float64(nil), buckets...)
	sort.Float64s(cp)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: cp}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.histograms[name]; ok {
		r.reg.Unregister(prev)
	}
	r.reg.MustRegister(vec)
	r.histograms[name] = vec
}

func (r *Registry) RegisterGauge(name, help string, labelNames ...string) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.gauges[name]; ok {
		r.reg.Unregister(prev)
	}
	r.reg.MustRegister(vec)
	r.gauges[name] = vec
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.RLock()
	vec, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Inc()
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	h.Observe(value)
}

func (r *Registry) AddGauge(name string, delta float64, labels map[string]string) {
	r.mu.RLock()
	vec, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	g.Add(delta)
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
