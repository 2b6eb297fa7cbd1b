package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for provisioning runs. A nil or
// disabled Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Transition metrics
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	activeTransitions  prometheus.Gauge

	// Remote command metrics
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	// Discovery metrics
	defaultsApplied *prometheus.CounterVec
	relocations     prometheus.Counter

	// Access-control review
	accessFindings *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of state machine transitions by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		transitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Duration of state machine transitions in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		activeTransitions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_transitions",
				Help:      "Current number of transitions in progress",
			},
		),

		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_commands_total",
				Help:      "Total number of remote commands by outcome (ok, nonzero, tolerated, transport)",
			},
			[]string{"outcome"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_command_duration_seconds",
				Help:      "Duration of remote commands in seconds",
				Buckets:   buckets,
			},
			[]string{"escalated"},
		),

		defaultsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "os_defaults_applied_total",
				Help:      "Total number of missing OS facts replaced by defaults",
			},
			[]string{"field"},
		),
		relocations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "install_relocations_total",
				Help:      "Total number of install trees moved to the alternate root",
			},
		),

		accessFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "access_control_findings_total",
				Help:      "Total number of access-control review findings by severity",
			},
			[]string{"severity"},
		),
	}

	registry.MustRegister(
		m.transitions,
		m.transitionDuration,
		m.activeTransitions,
		m.commands,
		m.commandDuration,
		m.defaultsApplied,
		m.relocations,
		m.accessFindings,
	)

	return m, nil
}

// RecordTransitionStarted marks a transition as in progress.
func (m *Metrics) RecordTransitionStarted() {
	if m == nil || m.activeTransitions == nil {
		return
	}
	m.activeTransitions.Inc()
}

// RecordTransition records a finished transition with its outcome and duration.
func (m *Metrics) RecordTransition(operation, outcome string, duration time.Duration) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
	m.transitionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.activeTransitions.Dec()
}

// RecordCommand records one remote command.
func (m *Metrics) RecordCommand(outcome string, escalated bool, duration time.Duration) {
	if m == nil || m.commands == nil {
		return
	}
	esc := "false"
	if escalated {
		esc = "true"
	}
	m.commands.WithLabelValues(outcome).Inc()
	m.commandDuration.WithLabelValues(esc).Observe(duration.Seconds())
}

// RecordDefaultApplied records a missing OS fact replaced by its default.
func (m *Metrics) RecordDefaultApplied(field string) {
	if m == nil || m.defaultsApplied == nil {
		return
	}
	m.defaultsApplied.WithLabelValues(field).Inc()
}

// RecordRelocation records an install tree relocation.
func (m *Metrics) RecordRelocation() {
	if m == nil || m.relocations == nil {
		return
	}
	m.relocations.Inc()
}

// RecordAccessFinding records an access-control review finding.
func (m *Metrics) RecordAccessFinding(severity string) {
	if m == nil || m.accessFindings == nil {
		return
	}
	m.accessFindings.WithLabelValues(severity).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. The returned
// server is nil when metrics are disabled or no listen address is set.
func (m *Metrics) StartMetricsServer() *http.Server {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return server
}
