package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestration engine.
type Metrics struct {
	config MetricsConfig

	// Task metrics
	tasksSubmitted *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	// Operation metrics
	operationInvocations *prometheus.CounterVec
	operationDuration    *prometheus.HistogramVec
	operationRetries     *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	queuedTasks  prometheus.Gauge
	runningTasks prometheus.Gauge
	busyAgents   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance.
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

		tasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_submitted_total",
				Help:      "Total number of tasks accepted by the dispatcher",
			},
			[]string{"task_type", "priority"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks reaching a terminal state",
			},
			[]string{"task_type", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Wall time from task start to terminal state",
				Buckets:   buckets,
			},
			[]string{"task_type", "status"},
		),

		operationInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_invocations_total",
				Help:      "Total number of operation runner invocations",
			},
			[]string{"task_type", "step", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of individual operation invocations",
				Buckets:   buckets,
			},
			[]string{"task_type", "step"},
		),
		operationRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_retries_total",
				Help:      "Total number of retried operation invocations",
			},
			[]string{"task_type", "step"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		queuedTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_tasks",
				Help:      "Current number of tasks waiting in the pending queue",
			},
		),
		runningTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_tasks",
				Help:      "Current number of tasks being executed",
			},
		),
		busyAgents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "busy_agents",
				Help:      "Current number of agents executing a task",
			},
		),
	}

	registry.MustRegister(
		m.tasksSubmitted,
		m.tasksCompleted,
		m.taskDuration,
		m.operationInvocations,
		m.operationDuration,
		m.operationRetries,
		m.errorsByClass,
		m.errorsByCode,
		m.queuedTasks,
		m.runningTasks,
		m.busyAgents,
	)

	return m, nil
}

// RecordTaskSubmitted increments the counter for accepted tasks.
func (m *Metrics) RecordTaskSubmitted(taskType, priority string) {
	if m == nil || m.tasksSubmitted == nil {
		return
	}
	m.tasksSubmitted.WithLabelValues(taskType, priority).Inc()
}

// RecordTaskCompleted records a task reaching a terminal state.
func (m *Metrics) RecordTaskCompleted(taskType, status string, duration time.Duration) {
	if m == nil || m.tasksCompleted == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(taskType, status).Inc()
	m.taskDuration.WithLabelValues(taskType, status).Observe(duration.Seconds())
}

// RecordOperation records one operation runner invocation.
func (m *Metrics) RecordOperation(taskType, step, outcome string, duration time.Duration) {
	if m == nil || m.operationInvocations == nil {
		return
	}
	m.operationInvocations.WithLabelValues(taskType, step, outcome).Inc()
	m.operationDuration.WithLabelValues(taskType, step).Observe(duration.Seconds())
}

// RecordRetry records a retried operation invocation.
func (m *Metrics) RecordRetry(taskType, step string) {
	if m == nil || m.operationRetries == nil {
		return
	}
	m.operationRetries.WithLabelValues(taskType, step).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// SetQueuedTasks sets the current pending queue depth.
func (m *Metrics) SetQueuedTasks(count float64) {
	if m == nil || m.queuedTasks == nil {
		return
	}
	m.queuedTasks.Set(count)
}

// SetRunningTasks sets the current number of running tasks.
func (m *Metrics) SetRunningTasks(count float64) {
	if m == nil || m.runningTasks == nil {
		return
	}
	m.runningTasks.Set(count)
}

// SetBusyAgents sets the current number of busy agents.
func (m *Metrics) SetBusyAgents(count float64) {
	if m == nil || m.busyAgents == nil {
		return
	}
	m.busyAgents.Set(count)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
