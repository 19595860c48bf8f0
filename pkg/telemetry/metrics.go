package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for dokkusync.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Command metrics
	commandsRun     *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	// Family metrics
	objectsExported *prometheus.GaugeVec
	stepsPlanned    *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of export and apply runs completed",
			},
			[]string{"operation", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of export and apply runs in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		commandsRun: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of commands run on the managed host",
			},
			[]string{"program", "status"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of commands run on the managed host in seconds",
				Buckets:   buckets,
			},
			[]string{"program"},
		),

		objectsExported: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "objects_exported",
				Help:      "Number of objects in the last export per family",
			},
			[]string{"family"},
		),
		stepsPlanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "apply_steps_total",
				Help:      "Total number of apply steps per family and mode",
			},
			[]string{"family", "mode"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.commandsRun,
		m.commandDuration,
		m.objectsExported,
		m.stepsPlanned,
		m.errorsByClass,
	)

	return m, nil
}

// RecordRunCompleted records a finished export or apply run.
func (m *Metrics) RecordRunCompleted(operation string, err error, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(operation, statusOf(err)).Inc()
	m.runDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCommand records one command run on the managed host.
func (m *Metrics) RecordCommand(program string, exitCode int, duration time.Duration) {
	if m == nil || m.commandsRun == nil {
		return
	}
	status := "success"
	if exitCode != 0 {
		status = "failure"
	}
	m.commandsRun.WithLabelValues(program, status).Inc()
	m.commandDuration.WithLabelValues(program).Observe(duration.Seconds())
}

// SetObjectsExported records the number of objects a family exported.
func (m *Metrics) SetObjectsExported(family string, count int) {
	if m == nil || m.objectsExported == nil {
		return
	}
	m.objectsExported.WithLabelValues(family).Set(float64(count))
}

// RecordStep records one apply step.
func (m *Metrics) RecordStep(family, mode string) {
	if m == nil || m.stepsPlanned == nil {
		return
	}
	m.stepsPlanned.WithLabelValues(family, mode).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Registry returns the Prometheus registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes all metrics in the node_exporter textfile format.
// It is a no-op when metrics are disabled or no path is configured.
func (m *Metrics) WriteTextfile() error {
	if m == nil || m.registry == nil || m.config.TextfilePath == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(m.config.TextfilePath, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

func statusOf(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
