package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
)

func TestCalculateDelay_ExponentialClampsToMax(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Strategy:   StrategyExponential,
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for attempt, expected := range want {
		assert.Equal(t, expected, cfg.CalculateDelay(attempt, nil), "attempt %d", attempt)
	}
}

func TestCalculateDelay_Strategies(t *testing.T) {
	base := RetryConfig{BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 3}

	tests := []struct {
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{StrategyLinear, 0, 500 * time.Millisecond},
		{StrategyLinear, 2, 1500 * time.Millisecond},
		{StrategyLinear, 9, 2 * time.Second},
		{StrategyFixed, 0, 500 * time.Millisecond},
		{StrategyFixed, 7, 500 * time.Millisecond},
		{StrategyImmediate, 3, 0},
		{StrategyExponential, 1, 1500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.strategy, tt.attempt), func(t *testing.T) {
			cfg := base
			cfg.Strategy = tt.strategy
			assert.Equal(t, tt.want, cfg.CalculateDelay(tt.attempt, nil))
		})
	}
}

func TestCalculateDelay_JitterBounds(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2.0,
		Strategy:   StrategyExponential,
		Jitter:     true,
	}

	for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999999} {
		random := func() float64 { return r }
		for attempt := 0; attempt < 5; attempt++ {
			nominal := float64(time.Second) * float64(int(1)<<attempt)
			got := float64(cfg.CalculateDelay(attempt, random))
			assert.GreaterOrEqual(t, got, 0.9*nominal-1, "r=%v attempt=%d", r, attempt)
			assert.LessOrEqual(t, got, 1.1*nominal+1, "r=%v attempt=%d", r, attempt)
		}
	}
}

func TestCalculateDelay_JitterSkipsZeroDelay(t *testing.T) {
	cfg := RetryConfig{Strategy: StrategyImmediate, Jitter: true}
	assert.Zero(t, cfg.CalculateDelay(0, func() float64 { return 0 }))
}

func TestClassify(t *testing.T) {
	timeout := apperrors.NewTimeoutError("exec")
	validation := apperrors.NewValidationError("bad")

	t.Run("empty retryable list retries everything not excluded", func(t *testing.T) {
		cfg := DefaultRetryConfig()
		assert.Equal(t, ClassRetryable, cfg.Classify(timeout))
		assert.Equal(t, ClassRetryable, cfg.Classify(fmt.Errorf("plain")))
		assert.Equal(t, ClassRetryable, cfg.Classify(apperrors.NewCircuitOpenError("x")))
		assert.Equal(t, ClassNonRetryable, cfg.Classify(validation))
		assert.Equal(t, ClassNonRetryable, cfg.Classify(context.Canceled))
	})

	t.Run("non-retryable wins on overlap", func(t *testing.T) {
		cfg := RetryConfig{
			RetryableKinds:    []apperrors.ErrorType{apperrors.ErrorTypeTimeout, apperrors.ErrorTypeContainer},
			NonRetryableKinds: []apperrors.ErrorType{apperrors.ErrorTypeTimeout},
		}
		assert.Equal(t, ClassNonRetryable, cfg.Classify(timeout))
		assert.True(t, cfg.IsRetryable(apperrors.NewContainerError("c", "gone")))
	})

	t.Run("explicit list excludes unknown kinds", func(t *testing.T) {
		cfg := ContainerRetryConfig()
		assert.False(t, cfg.IsRetryable(apperrors.NewRateLimitError("slow down")))
		assert.True(t, cfg.IsRetryable(apperrors.NewCommandFailedError("npm ci", 1)))
	})

	t.Run("nil is not retryable", func(t *testing.T) {
		assert.Equal(t, ClassNonRetryable, DefaultRetryConfig().Classify(nil))
	})
}

func TestRetryConfigValidate(t *testing.T) {
	require.NoError(t, DefaultRetryConfig().Validate())
	require.NoError(t, APIRetryConfig().Validate())
	require.NoError(t, DatabaseRetryConfig().Validate())

	assert.Error(t, RetryConfig{MaxAttempts: 0}.Validate())
	assert.Error(t, RetryConfig{MaxAttempts: 1, BaseDelay: -time.Second}.Validate())
	assert.Error(t, RetryConfig{MaxAttempts: 1, Strategy: "random"}.Validate())
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("linear")
	require.NoError(t, err)
	assert.Equal(t, StrategyLinear, s)

	_, err = ParseStrategy("sometimes")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}
