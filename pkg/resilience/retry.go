package resilience

import (
	"fmt"
	"math"
	"time"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
)

// Strategy selects how the delay grows between attempts
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
	StrategyImmediate   Strategy = "immediate"
)

// ParseStrategy converts a configuration string to a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyExponential, StrategyLinear, StrategyFixed, StrategyImmediate:
		return Strategy(s), nil
	}
	return "", errors.NewValidationError(fmt.Sprintf("unknown retry strategy %q", s))
}

// jitterFraction is the maximum relative noise added to a delay
const jitterFraction = 0.1

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int `json:"max_attempts"`
	// BaseDelay is the delay unit each strategy scales
	BaseDelay time.Duration `json:"base_delay"`
	// MaxDelay caps every computed delay
	MaxDelay time.Duration `json:"max_delay"`
	// Multiplier is the exponential backoff base
	Multiplier float64 `json:"multiplier"`
	// Jitter adds up to ±10% noise to non-zero delays
	Jitter bool `json:"jitter"`
	// Strategy selects the delay curve
	Strategy Strategy `json:"strategy"`
	// RetryableKinds lists the error kinds worth retrying. Empty means every
	// kind not listed in NonRetryableKinds.
	RetryableKinds []errors.ErrorType `json:"retryable_kinds,omitempty"`
	// NonRetryableKinds always wins over RetryableKinds
	NonRetryableKinds []errors.ErrorType `json:"non_retryable_kinds,omitempty"`
}

// defaultNonRetryable are kinds no amount of waiting will fix
var defaultNonRetryable = []errors.ErrorType{
	errors.ErrorTypeValidation,
	errors.ErrorTypeAuthentication,
	errors.ErrorTypeAuthorization,
	errors.ErrorTypeNotFound,
	errors.ErrorTypeConflict,
	errors.ErrorTypeCanceled,
	errors.ErrorTypeExhausted,
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		Multiplier:        2.0,
		Jitter:            true,
		Strategy:          StrategyExponential,
		NonRetryableKinds: defaultNonRetryable,
	}
}

// DatabaseRetryConfig is tuned for short-lived persistence hiccups
func DatabaseRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		Strategy:    StrategyExponential,
		RetryableKinds: []errors.ErrorType{
			errors.ErrorTypeTimeout,
			errors.ErrorTypeExternal,
			errors.ErrorTypeInternal,
		},
		NonRetryableKinds: defaultNonRetryable,
	}
}

// APIRetryConfig is tuned for remote HTTP services
func APIRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		Strategy:    StrategyExponential,
		RetryableKinds: []errors.ErrorType{
			errors.ErrorTypeTimeout,
			errors.ErrorTypeExternal,
			errors.ErrorTypeRateLimit,
			errors.ErrorTypeCircuitOpen,
		},
		NonRetryableKinds: defaultNonRetryable,
	}
}

// ContainerRetryConfig is tuned for container runtime calls
func ContainerRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   2 * time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  1.0,
		Jitter:      false,
		Strategy:    StrategyLinear,
		RetryableKinds: []errors.ErrorType{
			errors.ErrorTypeContainer,
			errors.ErrorTypeTimeout,
			errors.ErrorTypeCommandFailed,
			errors.ErrorTypeCircuitOpen,
			errors.ErrorTypeExternal,
		},
		NonRetryableKinds: defaultNonRetryable,
	}
}

// Validate checks the configuration for values that cannot be run
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.NewValidationError("max_attempts must be at least 1")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return errors.NewValidationError("delays must not be negative")
	}
	if c.Strategy != "" {
		if _, err := ParseStrategy(string(c.Strategy)); err != nil {
			return err
		}
	}
	return nil
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.Strategy == "" {
		c.Strategy = StrategyExponential
	}
	return c
}

// ErrorClass is the outcome of classifying an error against a RetryConfig
type ErrorClass int

const (
	ClassNonRetryable ErrorClass = iota
	ClassRetryable
)

func (c ErrorClass) String() string {
	if c == ClassRetryable {
		return "retryable"
	}
	return "non_retryable"
}

// Classify maps an error to retryable or non-retryable by its kind. The
// non-retryable list is consulted first.
func (c RetryConfig) Classify(err error) ErrorClass {
	if err == nil {
		return ClassNonRetryable
	}
	kind := errors.GetType(err)

	for _, k := range c.NonRetryableKinds {
		if k == kind {
			return ClassNonRetryable
		}
	}
	if len(c.RetryableKinds) == 0 {
		return ClassRetryable
	}
	for _, k := range c.RetryableKinds {
		if k == kind {
			return ClassRetryable
		}
	}
	return ClassNonRetryable
}

// IsRetryable reports whether err should be retried
func (c RetryConfig) IsRetryable(err error) bool {
	return c.Classify(err) == ClassRetryable
}

// CalculateDelay returns the sleep before the attempt after the given
// zero-based attempt. random must return values in [0, 1); it is only
// consulted when jitter is enabled.
func (c RetryConfig) CalculateDelay(attempt int, random func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(c.BaseDelay)

	var delay float64
	switch c.Strategy {
	case StrategyImmediate:
		return 0
	case StrategyFixed:
		delay = base
	case StrategyLinear:
		delay = base * float64(attempt+1)
	default:
		delay = base * math.Pow(c.Multiplier, float64(attempt))
	}

	if ceiling := float64(c.MaxDelay); c.MaxDelay > 0 && delay > ceiling {
		delay = ceiling
	}

	if c.Jitter && delay > 0 && random != nil {
		delay += delay * jitterFraction * (2*random() - 1)
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}
