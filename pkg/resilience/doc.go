// Package resilience provides the retry, circuit breaker and fallback
// machinery used to run containerized verification steps.
//
// This package implements the following patterns:
//
// # Circuit Breaker
//
// A breaker guards a named resource and moves between closed, open and
// half-open. CanExecute is the only gate; once the recovery timeout has
// elapsed it admits a probe by switching to half-open.
//
//	cb := resilience.NewCircuitBreaker("docker", resilience.CircuitBreakerConfig{
//		FailureThreshold: 3,
//		RecoveryTimeout:  30 * time.Second,
//		SuccessThreshold: 2,
//	})
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return provider.Exec(ctx, containerID, cmd)
//	})
//
// # Retry with Backoff
//
// RetryConfig chooses an exponential, linear, fixed or immediate delay
// curve, capped by MaxDelay, with optional ±10% jitter. Errors are
// classified by kind; kinds listed as non-retryable are never retried.
//
// # Fallbacks
//
// When every attempt fails, a FallbackProvider can serve a default value,
// the last cached success, a degraded placeholder, an empty response or a
// retry_later advisory. Cached values live in a MemoryStore or RedisStore.
//
// # Combined Usage
//
// Manager ties the three together and owns the breaker and fallback
// registries. Build one at startup and pass it to callers:
//
//	mgr := resilience.NewManager(resilience.WithLogger(logger), resilience.WithMetrics(m))
//
//	retry := resilience.APIRetryConfig()
//	breaker := resilience.DefaultCircuitBreakerConfig()
//	result, err := mgr.ExecuteWithRecovery(ctx, op, resilience.Options{
//		OperationName:  "fetch_status",
//		CorrelationID:  correlationID,
//		Retry:          &retry,
//		CircuitBreaker: &breaker,
//		Fallback:       &resilience.FallbackConfig{Strategy: resilience.FallbackRetryLater},
//	})
//
// Run is the generic form and Wrap turns an operation into one that always
// runs with recovery.
//
// The package is safe for concurrent use.
package resilience
