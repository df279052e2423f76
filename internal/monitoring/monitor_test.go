package monitoring

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor(t *testing.T, opts ...Option) (*Monitor, *fakeClock, *bytes.Buffer) {
	t.Helper()
	clock := newFakeClock()
	logs := &bytes.Buffer{}
	opts = append([]Option{WithClock(clock), WithLogger(logging.NewTestLogger(logs))}, opts...)
	return NewMonitor(DefaultConfig(), opts...), clock, logs
}

func TestMonitor_StatisticsUnknownMetric(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	stats, ok := m.GetMetricStatistics("nothing")
	assert.False(t, ok)
	assert.Nil(t, stats)
}

func TestMonitor_EvictedWindowReportsZero(t *testing.T) {
	m, clock, _ := newTestMonitor(t)

	m.RecordMetric("api_response_time", 120, MetricTypeTimer, nil, "", "")
	stats, ok := m.GetMetricStatistics("api_response_time")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Count)

	clock.Advance(301 * time.Second)
	stats, ok = m.GetMetricStatistics("api_response_time")
	require.True(t, ok)
	assert.Equal(t, Stats{}, *stats)
}

func TestMonitor_AlertLifecycle(t *testing.T) {
	mt := metrics.NewMetrics(nil)
	m, _, logs := newTestMonitor(t, WithMetrics(mt))

	for i := 0; i < DefaultMinSamples-1; i++ {
		m.RecordMetric("error_rate", 50, MetricTypeGauge, nil, "corr-1", "")
	}
	assert.Empty(t, m.ActiveAlerts(), "no alert before min samples")

	m.RecordMetric("error_rate", 50, MetricTypeGauge, nil, "corr-1", "exec-1")
	m.RecordMetric("error_rate", 60, MetricTypeGauge, nil, "corr-1", "exec-1")
	m.RecordMetric("error_rate", 70, MetricTypeGauge, nil, "corr-1", "exec-1")

	active := m.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, SeverityHigh, active[0].Severity)
	assert.Equal(t, 70.0, active[0].CurrentValue)
	assert.Equal(t, 5.0, active[0].ThresholdValue)
	assert.Equal(t, "corr-1", active[0].CorrelationID)
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.AlertsTotal.WithLabelValues("error_rate", "HIGH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.ActiveAlerts.WithLabelValues("HIGH")))

	m.RecordMetric("error_rate", 1, MetricTypeGauge, nil, "", "")

	assert.Empty(t, m.ActiveAlerts())
	history := m.AlertHistory(10)
	require.Len(t, history, 1)
	assert.True(t, history[0].Resolved)
	assert.NotNil(t, history[0].ResolvedAt)
	assert.Equal(t, active[0].ID, history[0].ID)
	assert.Equal(t, 0.0, testutil.ToFloat64(mt.ActiveAlerts.WithLabelValues("HIGH")))

	assert.Contains(t, logs.String(), "Performance alert triggered")
	assert.Contains(t, logs.String(), "Performance alert resolved")
}

func TestMonitor_PercentageChange(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	require.NoError(t, m.AddThreshold(Threshold{
		MetricName: "queue_depth",
		Comparison: PercentageChange,
		Value:      50,
		Severity:   SeverityMedium,
		MinSamples: 3,
		Enabled:    true,
	}))

	for i := 0; i < 3; i++ {
		m.RecordMetric("queue_depth", 100, MetricTypeGauge, nil, "", "")
	}
	assert.Empty(t, m.ActiveAlerts())

	// mean becomes 150, current is 100% above it
	m.RecordMetric("queue_depth", 300, MetricTypeGauge, nil, "", "")
	active := m.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, SeverityMedium, active[0].Severity)
}

func TestMonitor_PercentageChangeZeroMean(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	require.NoError(t, m.AddThreshold(Threshold{
		MetricName: "drift",
		Comparison: PercentageChange,
		Value:      10,
		Severity:   SeverityLow,
		MinSamples: 1,
		Enabled:    true,
	}))

	m.RecordMetric("drift", 0, MetricTypeGauge, nil, "", "")
	m.RecordMetric("drift", 0, MetricTypeGauge, nil, "", "")
	assert.Empty(t, m.ActiveAlerts())
}

func TestMonitor_LessThanAndDisabled(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	require.NoError(t, m.AddThreshold(Threshold{MetricName: "throughput", Comparison: LessThan, Value: 10, Severity: SeverityLow, MinSamples: 1, Enabled: true}))
	require.NoError(t, m.AddThreshold(Threshold{MetricName: "throughput", Comparison: LessThan, Value: 100, Severity: SeverityCritical, MinSamples: 1}))

	m.RecordMetric("throughput", 5, MetricTypeGauge, nil, "", "")

	active := m.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, SeverityLow, active[0].Severity)
}

func TestMonitor_ManualResolve(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	for i := 0; i < DefaultMinSamples; i++ {
		m.RecordMetric("memory_usage", 95, MetricTypeGauge, nil, "", "")
	}
	active := m.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, SeverityCritical, active[0].Severity)

	require.NoError(t, m.ResolveAlert(active[0].ID))
	assert.Empty(t, m.ActiveAlerts())
	assert.Len(t, m.AlertHistory(0), 1)

	err := m.ResolveAlert("missing")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestMonitor_HistoryLimit(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(Config{HistoryLimit: 2}, WithClock(clock), WithLogger(logging.NewTestLogger(&bytes.Buffer{})))
	require.NoError(t, m.AddThreshold(Threshold{MetricName: "flap", Comparison: GreaterThan, Value: 1, Severity: SeverityLow, MinSamples: 1, Enabled: true}))

	for i := 0; i < 3; i++ {
		m.RecordMetric("flap", 2, MetricTypeGauge, nil, "", "")
		m.RecordMetric("flap", 0, MetricTypeGauge, nil, "", "")
	}

	assert.Len(t, m.AlertHistory(0), 2)
	assert.Len(t, m.AlertHistory(1), 1)
}

func TestMonitor_AddThresholdValidates(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	err := m.AddThreshold(Threshold{MetricName: "x", Comparison: "sideways", Severity: SeverityLow})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	err = m.AddThreshold(Threshold{Comparison: GreaterThan, Severity: SeverityLow})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	assert.Equal(t, 1, m.RemoveThresholds("error_rate"))
	assert.Empty(t, m.Thresholds("error_rate"))
}

func TestMonitor_DefaultThresholds(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	expected := map[string]struct {
		value    float64
		severity Severity
	}{
		"transformation_latency":     {2000, SeverityHigh},
		"api_response_time":          {200, SeverityMedium},
		"error_rate":                 {5, SeverityHigh},
		"memory_usage":               {85, SeverityCritical},
		"cpu_usage":                  {90, SeverityHigh},
		"queue_latency":              {5000, SeverityHigh},
		"verification_duration":      {30000, SeverityHigh},
		"container_setup_duration":   {10000, SeverityHigh},
		"bounded_execution_duration": {60000, SeverityHigh},
	}
	for metric, want := range expected {
		ts := m.Thresholds(metric)
		require.Len(t, ts, 1, metric)
		assert.Equal(t, GreaterThan, ts[0].Comparison, metric)
		assert.Equal(t, want.value, ts[0].Value, metric)
		assert.Equal(t, want.severity, ts[0].Severity, metric)
		assert.True(t, ts[0].Enabled, metric)
	}
}

func TestMonitor_OperationTimer(t *testing.T) {
	m, clock, logs := newTestMonitor(t)

	key := m.StartOperationTimer("verification", "corr-5")
	clock.Advance(250 * time.Millisecond)
	elapsed := m.EndOperationTimer(key, nil, "exec-5")

	assert.Equal(t, 250.0, elapsed)
	stats, ok := m.GetMetricStatistics("verification_latency")
	require.True(t, ok)
	assert.Equal(t, 250.0, stats.Mean)

	latest, ok := m.Latest("verification_latency")
	require.True(t, ok)
	assert.Equal(t, "corr-5", latest.CorrelationID)
	assert.Equal(t, MetricTypeTimer, latest.Type)

	assert.Equal(t, 0.0, m.EndOperationTimer(key, nil, ""))
	assert.Contains(t, logs.String(), "Unknown operation timer")
}

func TestTimeOperation(t *testing.T) {
	m, clock, _ := newTestMonitor(t)
	errBuild := errors.New("build failed")

	err := TimeOperation(m, "build", "corr", func() error {
		clock.Advance(time.Second)
		return errBuild
	})

	assert.ErrorIs(t, err, errBuild)
	latest, ok := m.Latest("build_latency")
	require.True(t, ok)
	assert.Equal(t, 1000.0, latest.Value)
	assert.Equal(t, "false", latest.Tags["success"])
}

func TestMonitor_ObserveAndSummary(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	m.Observe("recovery_latency", 12, map[string]string{"operation": "npm_ci"}, "corr", "exec")
	m.Observe("error_rate", 0, nil, "", "")
	m.StartOperationTimer("pending", "")

	latest, ok := m.Latest("recovery_latency")
	require.True(t, ok)
	assert.Equal(t, MetricTypeTimer, latest.Type)

	summary := m.Summary()
	assert.Len(t, summary.Metrics, 2)
	assert.Equal(t, 1, summary.Metrics["recovery_latency"].Count)
	assert.Equal(t, 1, summary.ActiveTimers)
	assert.Equal(t, len(DefaultThresholds()), summary.Thresholds)
	assert.Zero(t, summary.ActiveAlerts)
}

func TestMonitor_ConcurrentRecording(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.RecordMetric("error_rate", 10, MetricTypeGauge, nil, "", "")
			}
		}()
	}
	wg.Wait()

	stats, ok := m.GetMetricStatistics("error_rate")
	require.True(t, ok)
	assert.Equal(t, 1000, stats.Count)
	assert.Len(t, m.ActiveAlerts(), 1)
}
