package resilience

import (
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/config"
)

// RetryConfigFrom builds the default retry policy from configuration
func RetryConfigFrom(cfg config.RecoveryConfig) RetryConfig {
	rc := DefaultRetryConfig()
	rc.MaxAttempts = cfg.MaxAttempts
	rc.BaseDelay = cfg.BaseDelay
	rc.MaxDelay = cfg.MaxDelay
	rc.Multiplier = cfg.Multiplier
	rc.Jitter = cfg.Jitter
	rc.Strategy = Strategy(cfg.Strategy)
	return rc.normalized()
}

// BreakerConfigFrom builds the default circuit breaker policy from configuration
func BreakerConfigFrom(cfg config.RecoveryConfig) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		SuccessThreshold: cfg.SuccessThreshold,
		Timeout:          cfg.CallTimeout,
	}.normalized()
}

// FallbackConfigFrom builds a fallback policy for strategy using the
// configured cache TTL
func FallbackConfigFrom(cfg config.RecoveryConfig, strategy FallbackStrategy) FallbackConfig {
	fc := DefaultFallbackConfig()
	fc.Strategy = strategy
	if cfg.FallbackCacheTTL > 0 {
		fc.CacheTTL = cfg.FallbackCacheTTL
	}
	return normalizeFallback(fc)
}
