package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Circuit breaker state values exported on the state gauge.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Metrics holds the runner's Prometheus collectors. A nil *Metrics, or one built with
// Enabled=false, accepts every Record call and does nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Recovery metrics
	RecoveryOperations *prometheus.CounterVec
	RecoveryAttempts   *prometheus.CounterVec
	RecoveryDuration   *prometheus.HistogramVec
	RetryDelay         *prometheus.HistogramVec
	FallbacksTotal     *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec
	CircuitBreakerRejections  *prometheus.CounterVec

	// Bounded execution metrics
	BoundedExecutions        *prometheus.CounterVec
	BoundedAttempts          *prometheus.CounterVec
	BoundedExecutionDuration *prometheus.HistogramVec
	ContainerSetupDuration   *prometheus.HistogramVec

	// Alerting metrics
	AlertsTotal  *prometheus.CounterVec
	ActiveAlerts *prometheus.GaugeVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Resource metrics
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig enables metrics under the "clarity" namespace
func DefaultConfig() *Config {
	return &Config{Namespace: "clarity", Enabled: true}
}

// builder creates collectors under one namespace and registers them on
// a private registry
type builder struct {
	ns, sub  string
	registry *prometheus.Registry
}

func (b builder) counter(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: b.ns, Subsystem: b.sub, Name: name, Help: help}, labels)
	b.registry.MustRegister(c)
	return c
}

func (b builder) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: b.ns, Subsystem: b.sub, Name: name, Help: help}, labels)
	b.registry.MustRegister(g)
	return g
}

func (b builder) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: b.ns, Subsystem: b.sub, Name: name, Help: help, Buckets: buckets}, labels)
	b.registry.MustRegister(h)
	return h
}

// NewMetrics creates all metrics on a private registry, together with the
// Go runtime and process collectors.
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return &Metrics{}
	}

	b := builder{ns: config.Namespace, sub: config.Subsystem, registry: prometheus.NewRegistry()}
	b.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	goroutines := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: b.ns,
		Subsystem: b.sub,
		Name:      "goroutines",
		Help:      "Number of goroutines",
	})
	b.registry.MustRegister(goroutines)

	return &Metrics{
		registry: b.registry,

		HTTPRequestsTotal:    b.counter("http_requests_total", "Total number of HTTP requests", "method", "path", "status_code"),
		HTTPRequestDuration:  b.histogram("http_request_duration_seconds", "HTTP request duration in seconds", prometheus.DefBuckets, "method", "path", "status_code"),
		HTTPRequestsInFlight: b.gauge("http_requests_in_flight", "Number of HTTP requests currently being processed", "method", "path"),

		RecoveryOperations: b.counter("recovery_operations_total", "Operations run through the recovery orchestrator by outcome", "operation", "outcome"),
		RecoveryAttempts:   b.counter("recovery_attempts_total", "Individual attempts made by the recovery orchestrator", "operation", "result"),
		RecoveryDuration: b.histogram("recovery_duration_seconds", "Wall time of a recovery call including backoff",
			[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120}, "operation", "outcome"),
		RetryDelay: b.histogram("retry_delay_seconds", "Backoff delay slept between attempts",
			[]float64{0, 0.1, 0.5, 1, 2, 4, 8, 16, 32, 60}, "operation"),
		FallbacksTotal: b.counter("fallbacks_total", "Fallback values served by strategy", "operation", "strategy"),

		CircuitBreakerState:       b.gauge("circuit_breaker_state", "Circuit breaker state (0 closed, 1 open, 2 half-open)", "name"),
		CircuitBreakerTransitions: b.counter("circuit_breaker_transitions_total", "Circuit breaker state transitions", "name", "from", "to"),
		CircuitBreakerRejections:  b.counter("circuit_breaker_rejections_total", "Calls rejected because the circuit was open", "name"),

		BoundedExecutions: b.counter("bounded_executions_total", "Bounded container executions by final status", "operation", "status"),
		BoundedAttempts:   b.counter("bounded_attempts_total", "Attempts made by bounded container executions", "operation", "result"),
		BoundedExecutionDuration: b.histogram("bounded_execution_duration_seconds", "Total wall time of a bounded container execution",
			[]float64{1, 5, 10, 20, 30, 45, 60, 90, 120}, "operation"),
		ContainerSetupDuration: b.histogram("container_setup_duration_seconds", "Time to start or reuse a project container",
			[]float64{0.1, 0.5, 1, 2, 5, 10, 20, 30}, "status"),

		AlertsTotal:  b.counter("alerts_total", "Performance alerts raised", "metric", "severity"),
		ActiveAlerts: b.gauge("active_alerts", "Currently active performance alerts", "severity"),

		ErrorsTotal: b.counter("errors_total", "Errors by component and kind", "component", "error_type"),

		MemoryUsage: b.gauge("memory_usage_bytes", "Memory usage in bytes", "type"),
		Goroutines:  goroutines,
	}
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}
	status := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordRecovery records the outcome of one orchestrated call
func (m *Metrics) RecordRecovery(operation, outcome string, duration time.Duration) {
	if m == nil || m.RecoveryOperations == nil {
		return
	}
	m.RecoveryOperations.WithLabelValues(operation, outcome).Inc()
	m.RecoveryDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// RecordAttempt records a single attempt result (success, failure, rejected)
func (m *Metrics) RecordAttempt(operation, result string) {
	if m == nil || m.RecoveryAttempts == nil {
		return
	}
	m.RecoveryAttempts.WithLabelValues(operation, result).Inc()
}

// RecordRetryDelay records a backoff sleep
func (m *Metrics) RecordRetryDelay(operation string, delay time.Duration) {
	if m == nil || m.RetryDelay == nil {
		return
	}
	m.RetryDelay.WithLabelValues(operation).Observe(delay.Seconds())
}

// RecordFallback records a served fallback value
func (m *Metrics) RecordFallback(operation, strategy string) {
	if m == nil || m.FallbacksTotal == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(operation, strategy).Inc()
}

// RecordBreakerTransition updates the state gauge and transition counter
func (m *Metrics) RecordBreakerTransition(name, from, to string, state int) {
	if m == nil || m.CircuitBreakerState == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	m.CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
}

// RecordBreakerRejection counts a call short-circuited by an open breaker
func (m *Metrics) RecordBreakerRejection(name string) {
	if m == nil || m.CircuitBreakerRejections == nil {
		return
	}
	m.CircuitBreakerRejections.WithLabelValues(name).Inc()
}

// RecordBoundedExecution records a finished bounded execution
func (m *Metrics) RecordBoundedExecution(operation, status string, duration time.Duration) {
	if m == nil || m.BoundedExecutions == nil {
		return
	}
	m.BoundedExecutions.WithLabelValues(operation, status).Inc()
	m.BoundedExecutionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBoundedAttempt records one attempt inside a bounded execution
func (m *Metrics) RecordBoundedAttempt(operation, result string) {
	if m == nil || m.BoundedAttempts == nil {
		return
	}
	m.BoundedAttempts.WithLabelValues(operation, result).Inc()
}

// RecordContainerSetup records container acquisition time
func (m *Metrics) RecordContainerSetup(status string, duration time.Duration) {
	if m == nil || m.ContainerSetupDuration == nil {
		return
	}
	m.ContainerSetupDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordAlert counts a raised alert
func (m *Metrics) RecordAlert(metric, severity string) {
	if m == nil || m.AlertsTotal == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(metric, severity).Inc()
}

// SetActiveAlerts sets the active alert gauge for a severity
func (m *Metrics) SetActiveAlerts(severity string, count int) {
	if m == nil || m.ActiveAlerts == nil {
		return
	}
	m.ActiveAlerts.WithLabelValues(severity).Set(float64(count))
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil || m.ErrorsTotal == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// UpdateRuntime updates memory and goroutine gauges
func (m *Metrics) UpdateRuntime(heapAlloc, sys uint64, goroutines int) {
	if m == nil || m.MemoryUsage == nil {
		return
	}
	m.MemoryUsage.WithLabelValues("heap_alloc").Set(float64(heapAlloc))
	m.MemoryUsage.WithLabelValues("sys").Set(float64(sys))
	m.Goroutines.Set(float64(goroutines))
}

// PrometheusMiddleware records request counts, latency and in-flight
// requests per route
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		method, route := c.Request.Method, c.FullPath()
		if m != nil && m.HTTPRequestsInFlight != nil {
			inFlight := m.HTTPRequestsInFlight.WithLabelValues(method, route)
			inFlight.Inc()
			defer inFlight.Dec()
		}

		start := time.Now()
		c.Next()
		m.RecordHTTPRequest(method, route, c.Writer.Status(), time.Since(start))
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
