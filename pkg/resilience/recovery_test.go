package resilience

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	apperrors "github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/metrics"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/tracing"
)

type sample struct {
	name  string
	value float64
	tags  map[string]string
}

type recordingObserver struct {
	mu      sync.Mutex
	samples []sample
}

func (o *recordingObserver) Observe(name string, value float64, tags map[string]string, _, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples = append(o.samples, sample{name: name, value: value, tags: tags})
}

func (o *recordingObserver) named(name string) []sample {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []sample
	for _, s := range o.samples {
		if s.name == name {
			out = append(out, s)
		}
	}
	return out
}

// stalledClock never fires After, so only ctx can end a backoff sleep
type stalledClock struct{ now time.Time }

func (c stalledClock) Now() time.Time                       { return c.now }
func (c stalledClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

type harness struct {
	manager  *Manager
	clock    *ManualClock
	metrics  *metrics.Metrics
	observer *recordingObserver
	spans    *tracetest.SpanRecorder
	logs     *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		metrics:  metrics.NewMetrics(nil),
		observer: &recordingObserver{},
		spans:    tracetest.NewSpanRecorder(),
		logs:     &bytes.Buffer{},
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	h.manager = NewManager(
		WithLogger(logging.NewTestLogger(h.logs)),
		WithMetrics(h.metrics),
		WithTracer(tracing.NewWithProvider(provider, "recovery-test")),
		WithObserver(h.observer),
		WithClock(h.clock),
		// 0.5 cancels the jitter term exactly
		WithRandom(func() float64 { return 0.5 }),
	)
	return h
}

func breakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Minute, SuccessThreshold: 1}
}

func TestExecuteWithRecovery_FirstAttemptSucceeds(t *testing.T) {
	h := newHarness(t)
	calls := 0

	result, err := h.manager.ExecuteWithRecovery(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		return "ok", nil
	}, Options{OperationName: "fetch", CorrelationID: "corr-1", CircuitBreaker: breakerConfig()})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
	assert.Empty(t, h.clock.Sleeps())

	snap := h.manager.CircuitBreaker("fetch", *breakerConfig()).Snapshot()
	assert.Equal(t, "closed", snap.State)
	assert.Equal(t, 0, snap.FailureCount)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RecoveryOperations.WithLabelValues("fetch", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RecoveryAttempts.WithLabelValues("fetch", "success")))
}

func TestExecuteWithRecovery_SucceedsAfterOneRetry(t *testing.T) {
	h := newHarness(t)
	calls := 0

	result, err := h.manager.ExecuteWithRecovery(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, apperrors.NewTimeoutError("fetch")
		}
		return 42, nil
	}, Options{OperationName: "fetch"})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Second}, h.clock.Sleeps())

	stats := h.manager.Stats().Operations["fetch"]
	assert.Equal(t, int64(1), stats.Calls)
	assert.Equal(t, int64(1), stats.Retries)
	assert.Contains(t, h.logs.String(), `"status":"recovered"`)
}

func TestExecuteWithRecovery_ExhaustedServesFallback(t *testing.T) {
	h := newHarness(t)
	calls := 0

	result, err := h.manager.ExecuteWithRecovery(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		return nil, apperrors.NewExternalError("registry", "unavailable")
	}, Options{
		OperationName:  "lookup",
		CircuitBreaker: breakerConfig(),
		Fallback:       &FallbackConfig{Strategy: FallbackDefaultValue, DefaultValue: "X"},
	})

	require.NoError(t, err)
	assert.Equal(t, "X", result)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.clock.Sleeps())

	snap := h.manager.CircuitBreaker("lookup", *breakerConfig()).Snapshot()
	assert.Equal(t, 3, snap.FailureCount)
	assert.Equal(t, "closed", snap.State)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FallbacksTotal.WithLabelValues("lookup", "default_value")))
	assert.Equal(t, int64(1), h.manager.Stats().Operations["lookup"].Fallbacks)
}

func TestExecuteWithRecovery_FallbackConfigIsPerCall(t *testing.T) {
	h := newHarness(t)
	failing := func(context.Context) (interface{}, error) {
		return nil, apperrors.NewValidationError("bad input")
	}

	var inner interface{}
	outer, err := h.manager.ExecuteWithRecovery(context.Background(), func(ctx context.Context) (interface{}, error) {
		// a second caller on the same operation finishes while this one is in flight
		var innerErr error
		inner, innerErr = h.manager.ExecuteWithRecovery(ctx, failing, Options{
			OperationName: "resolve",
			Fallback:      &FallbackConfig{DefaultValue: "inner"},
		})
		require.NoError(t, innerErr)
		return failing(ctx)
	}, Options{
		OperationName: "resolve",
		Fallback:      &FallbackConfig{DefaultValue: "outer"},
	})

	require.NoError(t, err)
	assert.Equal(t, "outer", outer)
	assert.Equal(t, "inner", inner)
	assert.Equal(t, "outer", h.manager.FallbackProvider("resolve", FallbackConfig{DefaultValue: "later"}).Config().DefaultValue)
}

func TestExecuteWithRecovery_NonRetryableReturnsImmediately(t *testing.T) {
	h := newHarness(t)
	calls := 0

	_, err := h.manager.ExecuteWithRecovery(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		return nil, apperrors.NewValidationError("bad input")
	}, Options{OperationName: "validate", CorrelationID: "corr-7", ExecutionID: "exec-7"})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, h.clock.Sleeps())
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	var appErr *apperrors.AppError
	require.True(t, apperrors.As(err, &appErr))
	assert.Equal(t, "corr-7", appErr.Detail(apperrors.DetailCorrelationID))
	assert.Equal(t, "exec-7", appErr.Detail(apperrors.DetailExecutionID))
}

func TestExecuteWithRecovery_NonRetryableBeatsRetryableList(t *testing.T) {
	h := newHarness(t)
	calls := 0
	retry := DefaultRetryConfig()
	retry.RetryableKinds = []apperrors.ErrorType{apperrors.ErrorTypeValidation}

	_, err := h.manager.ExecuteWithRecovery(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		return nil, apperrors.NewValidationError("bad input")
	}, Options{OperationName: "validate", Retry: &retry})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRecovery_ExhaustedWithoutFallback(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.ExecuteWithRecovery(context.Background(), func(context.Context) (interface{}, error) {
		return nil, errTest
	}, Options{OperationName: "build", CorrelationID: "corr-2"})

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExhausted))
	assert.ErrorIs(t, err, errTest)

	var appErr *apperrors.AppError
	require.True(t, apperrors.As(err, &appErr))
	assert.Equal(t, "3", appErr.Detail("attempts"))
	assert.Equal(t, "corr-2", appErr.Detail(apperrors.DetailCorrelationID))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RecoveryOperations.WithLabelValues("build", "failure")))
	assert.Contains(t, h.logs.String(), `"status":"failed"`)
}

func TestExecuteWithRecovery_OpenCircuitSkipsOperation(t *testing.T) {
	h := newHarness(t)
	cfg := CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1}
	h.manager.CircuitBreaker("deps", cfg).RecordFailure()
	calls := 0

	_, err := h.manager.ExecuteWithRecovery(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		return "unreachable", nil
	}, Options{OperationName: "install", BreakerName: "deps", CircuitBreaker: &cfg})

	require.Error(t, err)
	assert.Zero(t, calls)
	assert.Contains(t, err.Error(), `circuit breaker "deps" is open`)
	assert.Equal(t, 1, h.manager.CircuitBreaker("deps", cfg).Snapshot().FailureCount)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.RecoveryAttempts.WithLabelValues("install", "rejected")))
}

func TestExecuteWithRecovery_CancelDuringBackoff(t *testing.T) {
	m := NewManager(
		WithLogger(logging.NewTestLogger(&bytes.Buffer{})),
		WithClock(stalledClock{now: time.Now()}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	_, err := m.ExecuteWithRecovery(ctx, func(context.Context) (interface{}, error) {
		calls++
		cancel()
		return nil, errTest
	}, Options{
		OperationName: "slow",
		CorrelationID: "corr-3",
		Fallback:      &FallbackConfig{DefaultValue: "ignored"},
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeCanceled))
}

func TestExecuteWithRecovery_PanicRecordsBreakerFailure(t *testing.T) {
	h := newHarness(t)

	assert.Panics(t, func() {
		_, _ = h.manager.ExecuteWithRecovery(context.Background(), func(context.Context) (interface{}, error) {
			panic("boom")
		}, Options{OperationName: "explode", CircuitBreaker: breakerConfig()})
	})

	assert.Equal(t, 1, h.manager.CircuitBreaker("explode", *breakerConfig()).Snapshot().FailureCount)
}

func TestExecuteWithRecovery_RejectsInvalidOptions(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.ExecuteWithRecovery(context.Background(), nil, Options{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	bad := RetryConfig{MaxAttempts: 0}
	_, err = h.manager.ExecuteWithRecovery(context.Background(), nil, Options{OperationName: "x", Retry: &bad})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestExecuteWithRecovery_CachedFallbackUsesLastSuccess(t *testing.T) {
	h := newHarness(t)
	opts := Options{
		OperationName: "list_files",
		ExecutionID:   "exec-1",
		Retry:         &RetryConfig{MaxAttempts: 1, Strategy: StrategyImmediate},
		Fallback:      &FallbackConfig{Strategy: FallbackCachedValue, CacheTTL: time.Minute},
	}

	_, err := h.manager.ExecuteWithRecovery(context.Background(), func(context.Context) (interface{}, error) {
		return []string{"a.go", "b.go"}, nil
	}, opts)
	require.NoError(t, err)

	result, err := h.manager.ExecuteWithRecovery(context.Background(), func(context.Context) (interface{}, error) {
		return nil, errTest
	}, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "b.go"}, result)
}

func TestExecuteWithRecovery_FeedsObserverAndSpans(t *testing.T) {
	h := newHarness(t)
	ops := []error{nil, errTest}
	retry := RetryConfig{MaxAttempts: 1}

	for _, opErr := range ops {
		opErr := opErr
		_, _ = h.manager.ExecuteWithRecovery(context.Background(), func(context.Context) (interface{}, error) {
			return "v", opErr
		}, Options{OperationName: "probe", Retry: &retry})
	}

	rates := h.observer.named("error_rate")
	require.Len(t, rates, 2)
	assert.Equal(t, 0.0, rates[0].value)
	assert.Equal(t, 50.0, rates[1].value)
	assert.Equal(t, "probe", rates[1].tags["operation"])
	assert.Len(t, h.observer.named("recovery_latency"), 2)

	spans := h.spans.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "recovery.probe", spans[0].Name())
}

func TestRun_Typed(t *testing.T) {
	h := newHarness(t)

	n, err := Run(context.Background(), h.manager, Options{OperationName: "count"}, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = Run(context.Background(), h.manager, Options{
		OperationName: "count",
		Retry:         &RetryConfig{MaxAttempts: 1},
		Fallback:      &FallbackConfig{DefaultValue: "not an int"},
	}, func(context.Context) (int, error) {
		return 0, errTest
	})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternal))
}

func TestWrap(t *testing.T) {
	h := newHarness(t)
	calls := 0
	wrapped := h.manager.Wrap(Options{OperationName: "wrapped"}, func(context.Context) (interface{}, error) {
		calls++
		if calls < 2 {
			return nil, errTest
		}
		return "done", nil
	})

	result, err := wrapped(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, 2, calls)
}

func TestManager_ResetCircuitBreaker(t *testing.T) {
	h := newHarness(t)
	cfg := CircuitBreakerConfig{FailureThreshold: 1}
	h.manager.CircuitBreaker("svc", cfg).RecordFailure()

	stats := h.manager.Stats()
	require.Len(t, stats.CircuitBreakers, 1)
	assert.Equal(t, "open", stats.CircuitBreakers[0].State)
	assert.Equal(t, "CRITICAL", stats.Degradation)

	require.NoError(t, h.manager.ResetCircuitBreaker("svc"))
	assert.Equal(t, StateClosed, h.manager.CircuitBreaker("svc", cfg).State())

	err := h.manager.ResetCircuitBreaker("missing")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestManager_DefaultRetry(t *testing.T) {
	clock := NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(
		WithLogger(logging.NewTestLogger(&bytes.Buffer{})),
		WithClock(clock),
		WithDefaultRetry(RetryConfig{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond, Strategy: StrategyFixed}),
	)
	calls := 0

	_, err := m.ExecuteWithRecovery(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		return nil, errTest
	}, Options{OperationName: "configured"})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, clock.Sleeps())
}
