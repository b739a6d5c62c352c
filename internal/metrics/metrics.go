package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry keeps the name+labels call style used across the broker while
// storing series in a dedicated prometheus registry. Unknown names and label
// sets that do not match the registered label names are dropped silently.
type Registry struct {
	mu         sync.RWMutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("aegis_relay_requests_total", "Relay node requests by operation and result.", "op", "result")
	r.RegisterCounter("aegis_status_cache_lookups_total", "Key-state cache lookups by result.", "result")
	r.RegisterCounter("aegis_status_transitions_total", "Persisted automatic key status transitions by target status.", "status")
	r.RegisterCounter("aegis_traffic_flush_keys_total", "Keys processed by traffic flushes by status.", "status")
	r.RegisterGauge("aegis_traffic_pending_keys", "Keys with unflushed traffic in the accounting buffer.")
	r.RegisterCounter("aegis_lease_reaped_ports_total", "Lease ports reclaimed by the zombie reaper.")
	r.RegisterGauge("aegis_lease_live_ports", "Live lease ports across all keys after the last reap.")
	r.RegisterCounter("aegis_lease_rejections_total", "Rejected lease registrations by reason.", "reason")
	r.RegisterCounter("aegis_job_runs_total", "Total background job runs by job and status.", "job", "status")
	r.RegisterHistogram("aegis_job_duration_ms", "Background job duration in milliseconds by job.", []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}, "job")
	r.RegisterGauge("aegis_relay_nodes_authorized", "Relay nodes in the current allow-list.")
	r.RegisterCounter("aegis_aws_retries_total", "Total AWS retries by operation, region, and error code.", "op", "region", "reason")
	r.RegisterCounter("aegis_aws_retry_exhausted_total", "Total AWS operations that exhausted retry attempts by operation and region.", "op", "region")
	r.RegisterCounter("aegis_aws_operations_total", "Total AWS operation attempts by operation, region, and status.", "op", "region", "status")
	r.RegisterHistogram("aegis_aws_operation_latency_ms", "AWS operation latency in milliseconds by operation, region, and status.", []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}, "op", "region", "status")
}

func (r *Registry) RegisterCounter(name, help string, labelNames ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.counters[name]; exists {
		return
	}
	r.reg.MustRegister(vec)
	r.counters[name] = vec
}

func (r *Registry) RegisterGauge(name, help string, labelNames ...string) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.gauges[name]; exists {
		return
	}
	r.reg.MustRegister(vec)
	r.gauges[name] = vec
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labelNames ...string) {
	cp := append([]float64(nil), buckets...)
	sort.Float64s(cp)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: cp}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.histograms[name]; exists {
		return
	}
	r.reg.MustRegister(vec)
	r.histograms[name] = vec
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.AddCounter(name, 1, labels)
}

func (r *Registry) AddCounter(name string, delta float64, labels map[string]string) {
	r.mu.RLock()
	vec := r.counters[name]
	r.mu.RUnlock()
	if vec == nil || delta < 0 {
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Add(delta)
}

func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec := r.gauges[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	g.Set(value)
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec := r.histograms[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	h.Observe(value)
}

// Counter exposes the underlying vector, mostly for testutil assertions.
func (r *Registry) Counter(name string) *prometheus.CounterVec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

func (r *Registry) Gauge(name string) *prometheus.GaugeVec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
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
