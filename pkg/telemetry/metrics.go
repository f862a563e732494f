package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Stratus.
type Metrics struct {
	config MetricsConfig

	// Order metrics
	ordersAdmitted   *prometheus.CounterVec
	ordersFinalized  *prometheus.CounterVec
	orderDuration    *prometheus.HistogramVec
	callbacks        *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec
	staleOrders      prometheus.Gauge

	// Gateway metrics
	submissions *prometheus.CounterVec

	// Workflow metrics
	workflowsStarted   *prometheus.CounterVec
	workflowsFinalized *prometheus.CounterVec
	phaseRetries       *prometheus.CounterVec

	// Service state metrics
	stateTasks *prometheus.CounterVec

	// Plugin metrics
	pluginCalls    *prometheus.CounterVec
	pluginDuration *prometheus.HistogramVec
	pluginErrors   *prometheus.CounterVec

	// Registry metrics
	registryReloads *prometheus.CounterVec

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
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		ordersAdmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_admitted_total",
				Help:      "Total number of orders admitted",
			},
			[]string{"type"},
		),
		ordersFinalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_finalized_total",
				Help:      "Total number of orders that reached a terminal status",
			},
			[]string{"type", "status"},
		),
		orderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "order_duration_seconds",
				Help:      "Time from order creation to finalization in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "status"},
		),
		callbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callbacks_total",
				Help:      "Total number of deployer callbacks by result (applied, discarded)",
			},
			[]string{"result"},
		),
		dispatchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_failures_total",
				Help:      "Total number of orders that could not be handed to a deployer",
			},
			[]string{"deployer"},
		),
		staleOrders: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stale_orders",
				Help:      "Current number of in-progress orders past the callback horizon",
			},
		),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_submissions_total",
				Help:      "Total number of gateway submissions by executor and result (started, deduplicated)",
			},
			[]string{"executor", "result"},
		),
		workflowsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_started_total",
				Help:      "Total number of compound workflows started",
			},
			[]string{"kind"},
		),
		workflowsFinalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_finalized_total",
				Help:      "Total number of compound workflows finalized",
			},
			[]string{"kind", "status", "resolution"},
		),
		phaseRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_phase_retries_total",
				Help:      "Total number of workflow phase retries",
			},
			[]string{"kind", "phase"},
		),
		stateTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_state_tasks_total",
				Help:      "Total number of service state tasks by type and final status",
			},
			[]string{"type", "status"},
		),
		pluginCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_calls_total",
				Help:      "Total number of provider plugin calls",
			},
			[]string{"provider", "operation"},
		),
		pluginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_call_duration_seconds",
				Help:      "Duration of provider plugin calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		pluginErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_errors_total",
				Help:      "Total number of provider plugin errors",
			},
			[]string{"provider", "operation"},
		),
		registryReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_reloads_total",
				Help:      "Total number of plugin registry reloads by result",
			},
			[]string{"result"},
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
		m.ordersAdmitted,
		m.ordersFinalized,
		m.orderDuration,
		m.callbacks,
		m.dispatchFailures,
		m.staleOrders,
		m.submissions,
		m.workflowsStarted,
		m.workflowsFinalized,
		m.phaseRetries,
		m.stateTasks,
		m.pluginCalls,
		m.pluginDuration,
		m.pluginErrors,
		m.registryReloads,
		m.errorsByClass,
	)

	return m, nil
}

// NewNopMetrics returns a metrics instance that records nothing.
func NewNopMetrics() *Metrics {
	return &Metrics{}
}

// Order Metrics

// RecordOrderAdmitted increments the counter for admitted orders.
func (m *Metrics) RecordOrderAdmitted(orderType string) {
	if m.ordersAdmitted == nil {
		return
	}
	m.ordersAdmitted.WithLabelValues(orderType).Inc()
}

// RecordOrderFinalized records a finalized order with its status and age.
func (m *Metrics) RecordOrderFinalized(orderType, status string, age time.Duration) {
	if m.ordersFinalized == nil {
		return
	}
	m.ordersFinalized.WithLabelValues(orderType, status).Inc()
	m.orderDuration.WithLabelValues(orderType, status).Observe(age.Seconds())
}

// RecordCallback records a deployer callback as applied or discarded.
func (m *Metrics) RecordCallback(applied bool) {
	if m.callbacks == nil {
		return
	}
	result := "discarded"
	if applied {
		result = "applied"
	}
	m.callbacks.WithLabelValues(result).Inc()
}

// RecordDispatchFailure records an order that could not be submitted.
func (m *Metrics) RecordDispatchFailure(deployer string) {
	if m.dispatchFailures == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(deployer).Inc()
}

// SetStaleOrders sets the current number of stale in-progress orders.
func (m *Metrics) SetStaleOrders(count int) {
	if m.staleOrders == nil {
		return
	}
	m.staleOrders.Set(float64(count))
}

// Gateway Metrics

// RecordSubmission records a gateway submission.
func (m *Metrics) RecordSubmission(executor string, deduplicated bool) {
	if m.submissions == nil {
		return
	}
	result := "started"
	if deduplicated {
		result = "deduplicated"
	}
	m.submissions.WithLabelValues(executor, result).Inc()
}

// Workflow Metrics

// RecordWorkflowStarted increments the counter for started workflows.
func (m *Metrics) RecordWorkflowStarted(kind string) {
	if m.workflowsStarted == nil {
		return
	}
	m.workflowsStarted.WithLabelValues(kind).Inc()
}

// RecordWorkflowFinalized records a finalized workflow.
func (m *Metrics) RecordWorkflowFinalized(kind, status, resolution string) {
	if m.workflowsFinalized == nil {
		return
	}
	m.workflowsFinalized.WithLabelValues(kind, status, resolution).Inc()
}

// RecordPhaseRetry records a retried workflow phase.
func (m *Metrics) RecordPhaseRetry(kind, phase string) {
	if m.phaseRetries == nil {
		return
	}
	m.phaseRetries.WithLabelValues(kind, phase).Inc()
}

// RecordStateTask records a finished service state task.
func (m *Metrics) RecordStateTask(taskType, status string) {
	if m.stateTasks == nil {
		return
	}
	m.stateTasks.WithLabelValues(taskType, status).Inc()
}

// Plugin Metrics

// RecordPluginCall records a plugin call with its duration.
func (m *Metrics) RecordPluginCall(provider, operation string, duration time.Duration) {
	if m.pluginCalls == nil {
		return
	}
	m.pluginCalls.WithLabelValues(provider, operation).Inc()
	m.pluginDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordPluginError records a plugin error.
func (m *Metrics) RecordPluginError(provider, operation string) {
	if m.pluginErrors == nil {
		return
	}
	m.pluginErrors.WithLabelValues(provider, operation).Inc()
}

// RecordRegistryReload records a plugin registry reload attempt.
func (m *Metrics) RecordRegistryReload(ok bool) {
	if m.registryReloads == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.registryReloads.WithLabelValues(result).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil || errorClass == "" {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
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

// Registry returns the underlying Prometheus registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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
