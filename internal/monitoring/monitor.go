// Package monitoring keeps sliding windows of performance samples, checks
// them against thresholds and raises deduplicated alerts.
package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/config"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/metrics"
)

// Clock supplies sample timestamps
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config holds monitor configuration
type Config struct {
	WindowDuration time.Duration `json:"window_duration"`
	MaxSamples     int           `json:"max_samples"`
	HistoryLimit   int           `json:"history_limit"`
}

// DefaultConfig returns a 300s window capped at 1000 samples
func DefaultConfig() Config {
	return Config{
		WindowDuration: 300 * time.Second,
		MaxSamples:     1000,
		HistoryLimit:   1000,
	}
}

// ConfigFrom converts the application configuration
func ConfigFrom(cfg config.MonitoringConfig) Config {
	return Config{
		WindowDuration: cfg.WindowDuration,
		MaxSamples:     cfg.MaxSamples,
		HistoryLimit:   cfg.HistoryLimit,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.WindowDuration <= 0 {
		c.WindowDuration = def.WindowDuration
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = def.MaxSamples
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	return c
}

// Alert is raised when a threshold is breached
type Alert struct {
	ID             string            `json:"id"`
	MetricName     string            `json:"metric_name"`
	CurrentValue   float64           `json:"current_value"`
	ThresholdValue float64           `json:"threshold_value"`
	Severity       Severity          `json:"severity"`
	Message        string            `json:"message"`
	Timestamp      time.Time         `json:"timestamp"`
	Resolved       bool              `json:"resolved"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	ExecutionID    string            `json:"execution_id,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

func alertKey(metric string, severity Severity) string {
	return metric + ":" + string(severity)
}

type timer struct {
	name          string
	correlationID string
	start         time.Time
}

// Summary is a point-in-time overview of the monitor
type Summary struct {
	Metrics          map[string]Stats `json:"metrics"`
	ActiveAlerts     int              `json:"active_alerts"`
	AlertsBySeverity map[Severity]int `json:"alerts_by_severity"`
	ResolvedAlerts   int              `json:"resolved_alerts"`
	ActiveTimers     int              `json:"active_timers"`
	Thresholds       int              `json:"thresholds"`
	Timestamp        time.Time        `json:"timestamp"`
}

// Monitor records performance samples and manages alerts. It is safe for
// concurrent use; each window serializes its own appends and evictions.
type Monitor struct {
	config Config

	mu         sync.RWMutex
	windows    map[string]*Window
	thresholds map[string][]Threshold
	active     map[string]*Alert
	history    []Alert
	timers     map[string]timer

	clock      Clock
	logger     *logging.Logger
	metrics    *metrics.Metrics
	dispatcher *Dispatcher
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock sets the clock. Useful for testing.
func WithClock(c Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics exports alert counts to prometheus
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithDispatcher routes alerts to handlers
func WithDispatcher(d *Dispatcher) Option {
	return func(m *Monitor) { m.dispatcher = d }
}

// NewMonitor creates a monitor with the default thresholds registered
func NewMonitor(config Config, opts ...Option) *Monitor {
	m := &Monitor{
		config:     config.normalized(),
		windows:    make(map[string]*Window),
		thresholds: make(map[string][]Threshold),
		active:     make(map[string]*Alert),
		timers:     make(map[string]timer),
		clock:      realClock{},
		logger:     logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.GetLogger()
	}
	m.logger = m.logger.Named("performance_monitor")

	for _, t := range DefaultThresholds() {
		m.thresholds[t.MetricName] = append(m.thresholds[t.MetricName], t)
	}
	return m
}

// RecordMetric appends a sample and evaluates the metric's thresholds
func (m *Monitor) RecordMetric(name string, value float64, metricType MetricType, tags map[string]string, correlationID, executionID string) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = MetricTypeGauge
	}
	now := m.clock.Now()

	w := m.window(name)
	w.add(Sample{
		Name:          name,
		Value:         value,
		Type:          metricType,
		Timestamp:     now,
		Tags:          tags,
		CorrelationID: correlationID,
		ExecutionID:   executionID,
	})

	m.mu.RLock()
	thresholds := append([]Threshold(nil), m.thresholds[name]...)
	m.mu.RUnlock()
	if len(thresholds) == 0 {
		return
	}

	stats := w.stats(now)
	for _, t := range thresholds {
		if !t.Enabled {
			continue
		}
		minSamples := t.MinSamples
		if minSamples == 0 {
			minSamples = DefaultMinSamples
		}
		if stats.Count < minSamples {
			continue
		}
		if t.Breached(value, stats) {
			m.raise(t, value, now, tags, correlationID, executionID)
		} else {
			m.resolve(alertKey(name, t.Severity), now)
		}
	}
}

// Observe records a sample handed over by the recovery manager
func (m *Monitor) Observe(name string, value float64, tags map[string]string, correlationID, executionID string) {
	metricType := MetricTypeGauge
	if strings.HasSuffix(name, "_latency") || strings.HasSuffix(name, "_duration") {
		metricType = MetricTypeTimer
	}
	m.RecordMetric(name, value, metricType, tags, correlationID, executionID)
}

func (m *Monitor) window(name string) *Window {
	m.mu.RLock()
	w, ok := m.windows[name]
	m.mu.RUnlock()
	if ok {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[name]; ok {
		return w
	}
	w = newWindow(name, m.config.WindowDuration, m.config.MaxSamples)
	m.windows[name] = w
	return w
}

// GetMetricStatistics returns stats over the live window. The bool is
// false only when the metric has never been recorded.
func (m *Monitor) GetMetricStatistics(name string) (*Stats, bool) {
	m.mu.RLock()
	w, ok := m.windows[name]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	stats := w.stats(m.clock.Now())
	return &stats, true
}

func (m *Monitor) raise(t Threshold, value float64, now time.Time, tags map[string]string, correlationID, executionID string) {
	key := alertKey(t.MetricName, t.Severity)

	m.mu.Lock()
	if existing, ok := m.active[key]; ok {
		existing.CurrentValue = value
		existing.Timestamp = now
		existing.Message = t.describe(value)
		m.mu.Unlock()
		return
	}

	alert := &Alert{
		ID:             uuid.NewString(),
		MetricName:     t.MetricName,
		CurrentValue:   value,
		ThresholdValue: t.Value,
		Severity:       t.Severity,
		Message:        t.describe(value),
		Timestamp:      now,
		CorrelationID:  correlationID,
		ExecutionID:    executionID,
		Tags:           tags,
	}
	m.active[key] = alert
	snapshot := *alert
	count := m.countActive(t.Severity)
	m.mu.Unlock()

	m.metrics.RecordAlert(t.MetricName, string(t.Severity))
	m.metrics.SetActiveAlerts(string(t.Severity), count)
	m.logger.Emit(logrus.WarnLevel, "Performance alert triggered", logging.Event{
		CorrelationID: correlationID,
		ExecutionID:   executionID,
		Node:          t.MetricName,
		Status:        logging.StatusDegraded,
		Fields: map[string]interface{}{
			"alert_id":        snapshot.ID,
			"severity":        string(snapshot.Severity),
			"current_value":   value,
			"threshold_value": t.Value,
		},
	})
	m.dispatch(snapshot)
}

// resolve archives the active alert under key, if any
func (m *Monitor) resolve(key string, now time.Time) (Alert, bool) {
	m.mu.Lock()
	alert, ok := m.active[key]
	if !ok {
		m.mu.Unlock()
		return Alert{}, false
	}
	delete(m.active, key)
	alert.Resolved = true
	resolvedAt := now
	alert.ResolvedAt = &resolvedAt
	m.history = append(m.history, *alert)
	if over := len(m.history) - m.config.HistoryLimit; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	snapshot := *alert
	count := m.countActive(alert.Severity)
	m.mu.Unlock()

	m.metrics.SetActiveAlerts(string(snapshot.Severity), count)
	m.logger.Emit(logrus.InfoLevel, "Performance alert resolved", logging.Event{
		CorrelationID: snapshot.CorrelationID,
		ExecutionID:   snapshot.ExecutionID,
		Node:          snapshot.MetricName,
		Status:        logging.StatusRecovered,
		Fields: map[string]interface{}{
			"alert_id":    snapshot.ID,
			"severity":    string(snapshot.Severity),
			"duration_ms": now.Sub(snapshot.Timestamp).Milliseconds(),
		},
	})
	m.dispatch(snapshot)
	return snapshot, true
}

// countActive must be called with the mutex held
func (m *Monitor) countActive(severity Severity) int {
	n := 0
	for _, a := range m.active {
		if a.Severity == severity {
			n++
		}
	}
	return n
}

func (m *Monitor) dispatch(alert Alert) {
	if m.dispatcher == nil {
		return
	}
	m.dispatcher.Enqueue(alert)
}

// ResolveAlert resolves an active alert by id
func (m *Monitor) ResolveAlert(id string) error {
	m.mu.RLock()
	key := ""
	for k, a := range m.active {
		if a.ID == id {
			key = k
			break
		}
	}
	m.mu.RUnlock()

	if key == "" {
		return errors.NewNotFoundError("alert " + id)
	}
	if _, ok := m.resolve(key, m.clock.Now()); !ok {
		return errors.NewNotFoundError("alert " + id)
	}
	return nil
}

// ActiveAlerts returns copies of the active alerts, oldest first
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	alerts := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		alerts = append(alerts, *a)
	}
	m.mu.RUnlock()

	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})
	return alerts
}

// AlertHistory returns up to limit resolved alerts, most recent last. A
// limit of zero or less returns all of them.
func (m *Monitor) AlertHistory(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if limit > 0 && len(m.history) > limit {
		start = len(m.history) - limit
	}
	return append([]Alert(nil), m.history[start:]...)
}

// AddThreshold registers an additional threshold
func (m *Monitor) AddThreshold(t Threshold) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.MinSamples == 0 {
		t.MinSamples = DefaultMinSamples
	}

	m.mu.Lock()
	m.thresholds[t.MetricName] = append(m.thresholds[t.MetricName], t)
	m.mu.Unlock()
	return nil
}

// RemoveThresholds drops every threshold for a metric and returns how many
// were removed. Active alerts for the metric stay until resolved.
func (m *Monitor) RemoveThresholds(metric string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.thresholds[metric])
	delete(m.thresholds, metric)
	return n
}

// Thresholds returns the thresholds registered for a metric
func (m *Monitor) Thresholds(metric string) []Threshold {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Threshold(nil), m.thresholds[metric]...)
}

// StartOperationTimer starts timing an operation and returns its key
func (m *Monitor) StartOperationTimer(name, correlationID string) string {
	key := fmt.Sprintf("%s_%s", name, uuid.NewString())

	m.mu.Lock()
	m.timers[key] = timer{name: name, correlationID: correlationID, start: m.clock.Now()}
	m.mu.Unlock()
	return key
}

// EndOperationTimer stops a timer, records {name}_latency and returns the
// elapsed milliseconds. An unknown key logs a warning and returns 0.
func (m *Monitor) EndOperationTimer(key string, tags map[string]string, executionID string) float64 {
	m.mu.Lock()
	t, ok := m.timers[key]
	delete(m.timers, key)
	m.mu.Unlock()

	if !ok {
		m.logger.WithFields(logrus.Fields{"timer_key": key}).Warn("Unknown operation timer")
		return 0
	}

	elapsed := float64(m.clock.Now().Sub(t.start)) / float64(time.Millisecond)
	m.RecordMetric(t.name+"_latency", elapsed, MetricTypeTimer, tags, t.correlationID, executionID)
	return elapsed
}

// TimeOperation runs fn between a start and end timer
func TimeOperation(m *Monitor, name, correlationID string, fn func() error) error {
	key := m.StartOperationTimer(name, correlationID)
	err := fn()
	tags := map[string]string{"success": fmt.Sprintf("%t", err == nil)}
	m.EndOperationTimer(key, tags, "")
	return err
}

// Summary returns stats for every metric and alert counts
func (m *Monitor) Summary() Summary {
	now := m.clock.Now()

	m.mu.RLock()
	windows := make(map[string]*Window, len(m.windows))
	for name, w := range m.windows {
		windows[name] = w
	}
	bySeverity := make(map[Severity]int)
	for _, a := range m.active {
		bySeverity[a.Severity]++
	}
	thresholds := 0
	for _, ts := range m.thresholds {
		thresholds += len(ts)
	}
	summary := Summary{
		ActiveAlerts:     len(m.active),
		AlertsBySeverity: bySeverity,
		ResolvedAlerts:   len(m.history),
		ActiveTimers:     len(m.timers),
		Thresholds:       thresholds,
		Timestamp:        now,
	}
	m.mu.RUnlock()

	summary.Metrics = make(map[string]Stats, len(windows))
	for name, w := range windows {
		summary.Metrics[name] = w.stats(now)
	}
	return summary
}

// Latest returns the most recent sample for a metric
func (m *Monitor) Latest(name string) (Sample, bool) {
	m.mu.RLock()
	w, ok := m.windows[name]
	m.mu.RUnlock()
	if !ok {
		return Sample{}, false
	}
	return w.latest()
}
