package resilience

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/tracing"
)

// Operation is any unit of work the orchestrator can retry
type Operation func(ctx context.Context) (interface{}, error)

// Options selects the policies applied to one ExecuteWithRecovery call.
// A nil CircuitBreaker or Fallback disables that policy; a nil Retry uses
// the manager's default retry policy.
type Options struct {
	OperationName string
	CorrelationID string
	ExecutionID   string

	Retry          *RetryConfig
	CircuitBreaker *CircuitBreakerConfig
	// BreakerName selects the shared breaker; defaults to OperationName
	BreakerName string
	Fallback    *FallbackConfig
}

// RecoveryContext tracks one ExecuteWithRecovery call
type RecoveryContext struct {
	OperationName string
	CorrelationID string
	ExecutionID   string
	StartTime     time.Time
	AttemptCount  int
	LastError     error
}

// Elapsed returns the time since the call started
func (rc RecoveryContext) Elapsed(now time.Time) time.Duration {
	return now.Sub(rc.StartTime)
}

func (rc RecoveryContext) event(status logging.Status) logging.Event {
	return logging.Event{
		CorrelationID: rc.CorrelationID,
		ExecutionID:   rc.ExecutionID,
		Node:          rc.OperationName,
		Status:        status,
		Fields: map[string]interface{}{
			"operation": rc.OperationName,
			"attempt":   rc.AttemptCount,
		},
	}
}

// ExecuteWithRecovery runs op under the circuit breaker, retry and
// fallback policies in opts. Attempts run sequentially on the calling
// goroutine; backoff sleeps end early if ctx is cancelled.
//
// The result is the operation's value, a fallback value (with a nil
// error), or an error carrying the correlation and execution ids.
func (m *Manager) ExecuteWithRecovery(ctx context.Context, op Operation, opts Options) (interface{}, error) {
	if opts.OperationName == "" {
		return nil, errors.NewValidationError("operation name is required")
	}

	retryCfg := m.defaultRetry
	if opts.Retry != nil {
		if err := opts.Retry.Validate(); err != nil {
			return nil, errors.WithTrace(err, opts.CorrelationID, opts.ExecutionID)
		}
		retryCfg = *opts.Retry
	}
	retryCfg = retryCfg.normalized()

	var breaker *CircuitBreaker
	if opts.CircuitBreaker != nil {
		name := opts.BreakerName
		if name == "" {
			name = opts.OperationName
		}
		breaker = m.CircuitBreaker(name, *opts.CircuitBreaker)
	}

	var fallback *FallbackProvider
	var fallbackCfg FallbackConfig
	if opts.Fallback != nil {
		fallbackCfg = normalizeFallback(*opts.Fallback)
		fallback = m.FallbackProvider(opts.OperationName, fallbackCfg)
	}

	rc := &RecoveryContext{
		OperationName: opts.OperationName,
		CorrelationID: opts.CorrelationID,
		ExecutionID:   opts.ExecutionID,
		StartTime:     m.clock.Now(),
	}

	ctx, span := m.tracer.StartRecoverySpan(ctx, rc.OperationName, rc.CorrelationID, rc.ExecutionID)
	defer span.End()

	m.logger.Emit(logrus.DebugLevel, "Starting operation with recovery", rc.event(logging.StatusStarted).
		With("max_attempts", retryCfg.MaxAttempts).
		With("strategy", string(retryCfg.Strategy)))

	retryable := false
	retries := 0
	for attempt := 0; attempt < retryCfg.MaxAttempts; attempt++ {
		rc.AttemptCount = attempt + 1
		span.AddEvent("attempt", oteltrace.WithAttributes(tracing.AttrAttempt.Int(rc.AttemptCount)))

		result, err := m.runAttempt(ctx, op, breaker, rc)
		if err == nil {
			if fallback != nil {
				fallback.cacheValue(ctx, fallbackCfg, CacheKey(rc.OperationName, rc.ExecutionID), result)
			}
			m.finish(rc, span, callOutcome{success: true, retries: retries})
			return result, nil
		}

		rc.LastError = err
		retryable = retryCfg.IsRetryable(err)
		if !retryable || attempt == retryCfg.MaxAttempts-1 {
			break
		}

		delay := retryCfg.CalculateDelay(attempt, m.jitter)
		m.logger.Emit(logrus.WarnLevel, "Operation failed, retrying", rc.event(logging.StatusRetrying).
			With("error", err.Error()).
			With("error_type", string(errors.GetType(err))).
			With("delay_ms", delay.Milliseconds()).
			With("max_attempts", retryCfg.MaxAttempts))

		m.metrics.RecordRetryDelay(rc.OperationName, delay)
		if err := m.sleep(ctx, delay); err != nil {
			rc.LastError = err
			traced := errors.WithTrace(err, rc.CorrelationID, rc.ExecutionID)
			m.logger.LogError(ctx, traced, "Operation cancelled during backoff", logrus.Fields{
				logging.FieldCorrelationID: rc.CorrelationID,
				logging.FieldExecutionID:   rc.ExecutionID,
				"operation":                rc.OperationName,
				"attempt":                  rc.AttemptCount,
			})
			m.finish(rc, span, callOutcome{retries: retries, err: traced})
			return nil, traced
		}
		retries++
	}

	if fallback != nil {
		value := fallback.GetFallbackWith(ctx, fallbackCfg, *rc, rc.LastError)
		m.metrics.RecordFallback(rc.OperationName, string(fallbackCfg.Strategy))
		m.logger.Emit(logrus.WarnLevel, "Operation failed, serving fallback", rc.event(logging.StatusDegraded).
			With("error", rc.LastError.Error()).
			With("error_type", string(errors.GetType(rc.LastError))).
			With("fallback_strategy", string(fallbackCfg.Strategy)))
		m.finish(rc, span, callOutcome{fallback: true, retries: retries, err: rc.LastError})
		return value, nil
	}

	var final error
	if retryable {
		final = errors.NewExhaustedError(rc.OperationName, rc.AttemptCount, rc.LastError)
	} else {
		final = rc.LastError
	}
	final = errors.WithTrace(final, rc.CorrelationID, rc.ExecutionID)

	m.logger.LogError(ctx, final, "Operation failed", logrus.Fields{
		logging.FieldCorrelationID: rc.CorrelationID,
		logging.FieldExecutionID:   rc.ExecutionID,
		logging.FieldNode:          rc.OperationName,
		logging.FieldStatus:        string(logging.StatusFailed),
		"operation":                rc.OperationName,
		"attempts":                 rc.AttemptCount,
	})
	m.finish(rc, span, callOutcome{retries: retries, err: final})
	return nil, final
}

// runAttempt gates one attempt on the breaker and records its outcome
func (m *Manager) runAttempt(ctx context.Context, op Operation, breaker *CircuitBreaker, rc *RecoveryContext) (result interface{}, err error) {
	if breaker != nil {
		if !breaker.CanExecute() {
			m.metrics.RecordAttempt(rc.OperationName, "rejected")
			return nil, errors.NewCircuitOpenError(breaker.Name())
		}
		if timeout := breaker.Config().Timeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		defer func() {
			if r := recover(); r != nil {
				breaker.RecordFailure()
				panic(r)
			}
		}()
	}

	result, err = op(ctx)
	if err != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		m.metrics.RecordAttempt(rc.OperationName, "failure")
		return nil, err
	}

	if breaker != nil {
		breaker.RecordSuccess()
	}
	m.metrics.RecordAttempt(rc.OperationName, "success")
	return result, nil
}

// sleep waits for d unless ctx ends first
func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(d):
		return nil
	}
}

func (m *Manager) finish(rc *RecoveryContext, span oteltrace.Span, outcome callOutcome) {
	duration := rc.Elapsed(m.clock.Now())

	label := "failure"
	switch {
	case outcome.success:
		label = "success"
	case outcome.fallback:
		label = "fallback"
	}

	m.metrics.RecordRecovery(rc.OperationName, label, duration)
	errorRate := m.recordOutcome(rc.OperationName, outcome)

	if m.observer != nil {
		tags := map[string]string{"operation": rc.OperationName, "outcome": label}
		m.observer.Observe("recovery_latency", float64(duration.Milliseconds()), tags, rc.CorrelationID, rc.ExecutionID)
		m.observer.Observe("error_rate", errorRate, tags, rc.CorrelationID, rc.ExecutionID)
	}

	span.SetAttributes(
		attribute.Int("recovery.attempts", rc.AttemptCount),
		attribute.String("recovery.outcome", label),
	)
	if outcome.err != nil && !outcome.fallback {
		span.RecordError(outcome.err)
		span.SetStatus(codes.Error, outcome.err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if outcome.success {
		status := logging.StatusCompleted
		message := "Operation completed"
		if rc.AttemptCount > 1 {
			status = logging.StatusRecovered
			message = "Operation succeeded after retry"
		}
		m.logger.Emit(logrus.InfoLevel, message, rc.event(status).
			With("duration_ms", duration.Milliseconds()))
	}
}

// Wrap returns an Operation that runs op with recovery using opts
func (m *Manager) Wrap(opts Options, op Operation) Operation {
	return func(ctx context.Context) (interface{}, error) {
		return m.ExecuteWithRecovery(ctx, op, opts)
	}
}

// Run is the typed form of ExecuteWithRecovery. A fallback value that is
// not a T yields T's zero value and an internal error.
func Run[T any](ctx context.Context, m *Manager, opts Options, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	result, err := m.ExecuteWithRecovery(ctx, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	}, opts)
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, errors.WithTrace(
			errors.NewInternalError("fallback value does not match operation result type").
				WithDetail(errors.DetailOperation, opts.OperationName),
			opts.CorrelationID, opts.ExecutionID)
	}
	return typed, nil
}
