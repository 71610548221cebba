package durable

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/subscriptions/effects"
	"github.com/GoCodeAlone/subscriptions/scale"
)

// MetricsConfig holds configuration for the runtime metrics.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	Path      string `yaml:"path" env:"PATH"`
}

// DefaultMetricsConfig returns the default configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Namespace: "subscriptions", Path: "/metrics"}
}

// Metrics wraps the Prometheus collectors of the runtime. A nil *Metrics
// records nothing.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	InstancesStarted   prometheus.Counter
	InstancesRecovered prometheus.Counter
	InstancesClosed    *prometheus.CounterVec
	LiveInstances      prometheus.Gauge
	Transitions        *prometheus.CounterVec
	AppendRetries      *prometheus.CounterVec
	Signals            *prometheus.CounterVec
	EffectAttempts     *prometheus.CounterVec
	EffectDuration     *prometheus.HistogramVec
}

// NewMetrics creates the runtime collectors on their own registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	reg := prometheus.NewRegistry()
	ns := cfg.Namespace

	m := &Metrics{
		registry:  reg,
		namespace: ns,
		InstancesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "instances_started_total",
			Help:      "Total number of subscription instances started",
		}),
		InstancesRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "instances_recovered_total",
			Help:      "Total number of open instances resumed from history",
		}),
		InstancesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "instances_closed_total",
			Help:      "Total number of instances that reached a terminal state",
		}, []string{"outcome"}),
		LiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "live_instances",
			Help:      "Number of instances driven by this process",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "transitions_total",
			Help:      "Total number of history events persisted and applied",
		}, []string{"event"}),
		AppendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "history_append_retries_total",
			Help:      "Total number of history appends retried after a store error",
		}, []string{"event"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "signals_total",
			Help:      "Total number of signals delivered",
		}, []string{"signal", "status"}),
		EffectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "effect_attempts_total",
			Help:      "Total number of effect attempts",
		}, []string{"effect", "result"}),
		EffectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "effect_attempt_duration_seconds",
			Help:      "Duration of effect attempts in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"effect"}),
	}

	reg.MustRegister(
		m.InstancesStarted,
		m.InstancesRecovered,
		m.InstancesClosed,
		m.LiveInstances,
		m.Transitions,
		m.AppendRetries,
		m.Signals,
		m.EffectAttempts,
		m.EffectDuration,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler that serves the runtime metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterPool exports the worker pool statistics as gauges.
func (m *Metrics) RegisterPool(pool *scale.WorkerPool) {
	if m == nil || pool == nil {
		return
	}
	gauge := func(name, help string, read func(scale.WorkerPoolStats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: "effect_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(pool.Stats())) })
	}
	m.registry.MustRegister(
		gauge("workers", "Number of effect workers", func(s scale.WorkerPoolStats) int { return s.ActiveWorkers }),
		gauge("busy_workers", "Number of effect workers running a task", func(s scale.WorkerPoolStats) int { return s.BusyWorkers }),
		gauge("pending_tasks", "Number of queued effect tasks", func(s scale.WorkerPoolStats) int { return s.PendingTasks }),
	)
}

func (m *Metrics) recordStarted() {
	if m != nil {
		m.InstancesStarted.Inc()
	}
}

func (m *Metrics) recordRecovered() {
	if m != nil {
		m.InstancesRecovered.Inc()
	}
}

func (m *Metrics) recordClosed(outcome string) {
	if m != nil {
		m.InstancesClosed.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) addLive(delta float64) {
	if m != nil {
		m.LiveInstances.Add(delta)
	}
}

func (m *Metrics) recordTransition(event string) {
	if m != nil {
		m.Transitions.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) recordCommitRetry(event string) {
	if m != nil {
		m.AppendRetries.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) recordSignal(signal string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Signals.WithLabelValues(signal, status).Inc()
}

// ObserveAttempt records one effect attempt. It is an effects.Observer.
func (m *Metrics) ObserveAttempt(a effects.Attempt) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case a.Err == nil:
	case errors.Is(a.Err, effects.ErrEffectTimeout):
		result = "timeout"
	default:
		result = "error"
	}
	effect := string(a.Request.Effect)
	m.EffectAttempts.WithLabelValues(effect, result).Inc()
	m.EffectDuration.WithLabelValues(effect).Observe(a.Duration.Seconds())
}
