package resilience

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	apperrors "github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/metrics"
)

var errTest = errors.New("test error")

type CircuitBreakerSuite struct {
	suite.Suite
	clock  *ManualClock
	logs   *bytes.Buffer
	logger *logging.Logger
}

func TestCircuitBreakerSuite(t *testing.T) {
	suite.Run(t, new(CircuitBreakerSuite))
}

func (s *CircuitBreakerSuite) SetupTest() {
	s.clock = NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.logs = &bytes.Buffer{}
	s.logger = logging.NewTestLogger(s.logs)
}

func (s *CircuitBreakerSuite) newBreaker(opts ...BreakerOption) *CircuitBreaker {
	opts = append([]BreakerOption{WithBreakerClock(s.clock), WithBreakerLogger(s.logger)}, opts...)
	return NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 2,
	}, opts...)
}

func (s *CircuitBreakerSuite) TestFullCycle() {
	cb := s.newBreaker()
	s.Equal(StateClosed, cb.State())

	cb.RecordFailure()
	cb.RecordFailure()
	s.Equal(StateClosed, cb.State())
	cb.RecordFailure()
	s.Equal(StateOpen, cb.State())

	s.False(cb.CanExecute())
	s.clock.Advance(999 * time.Millisecond)
	s.False(cb.CanExecute())
	s.Equal(StateOpen, cb.State())

	s.clock.Advance(time.Millisecond)
	s.True(cb.CanExecute())
	s.Equal(StateHalfOpen, cb.State())

	cb.RecordSuccess()
	s.Equal(StateHalfOpen, cb.State())
	cb.RecordSuccess()
	s.Equal(StateClosed, cb.State())

	snap := cb.Snapshot()
	s.Zero(snap.FailureCount)
	s.Zero(snap.SuccessCount)
	s.Nil(snap.LastFailureTime)
	s.Nil(snap.NextAttemptTime)
}

func (s *CircuitBreakerSuite) TestHalfOpenFailureReopens() {
	cb := s.newBreaker()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	s.clock.Advance(time.Second)
	s.True(cb.CanExecute())

	cb.RecordSuccess()
	cb.RecordFailure()
	s.Equal(StateOpen, cb.State())
	s.False(cb.CanExecute())

	snap := cb.Snapshot()
	s.Require().NotNil(snap.NextAttemptTime)
	s.Equal(s.clock.Now().Add(time.Second), *snap.NextAttemptTime)
}

func (s *CircuitBreakerSuite) TestClosedSuccessForgivesFailures() {
	cb := s.newBreaker()
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	s.Equal(StateClosed, cb.State())
	s.Equal(2, cb.Snapshot().FailureCount)
}

func (s *CircuitBreakerSuite) TestExecuteRejectsWhenOpen() {
	cb := s.newBreaker()
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errTest
		})
		s.ErrorIs(err, errTest)
	}

	called := false
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		called = true
		return "ok", nil
	})
	s.False(called)
	s.True(apperrors.IsType(err, apperrors.ErrorTypeCircuitOpen))
}

func (s *CircuitBreakerSuite) TestExecuteAppliesTimeout() {
	cb := NewCircuitBreaker("slow", CircuitBreakerConfig{FailureThreshold: 1, Timeout: 10 * time.Millisecond},
		WithBreakerLogger(s.logger))

	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s.True(apperrors.IsType(err, apperrors.ErrorTypeTimeout))
	s.Equal(StateOpen, cb.State())
}

func (s *CircuitBreakerSuite) TestTransitionsAreLoggedAndExported() {
	m := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true})
	cb := s.newBreaker(WithBreakerMetrics(m))

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	s.False(cb.CanExecute())

	s.Contains(s.logs.String(), `"status":"circuit_open"`)
	s.Contains(s.logs.String(), `"node":"test"`)
	s.Equal(float64(metrics.BreakerOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("test")))
	s.Equal(float64(1), testutil.ToFloat64(m.CircuitBreakerRejections.WithLabelValues("test")))

	cb.Reset()
	s.Equal(StateClosed, cb.State())
	s.Contains(s.logs.String(), `"status":"circuit_closed"`)
}

func (s *CircuitBreakerSuite) TestConcurrentFailuresOpenExactlyOnce() {
	m := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true})
	cb := NewCircuitBreaker("shared", CircuitBreakerConfig{FailureThreshold: 10, RecoveryTimeout: time.Minute},
		WithBreakerClock(s.clock), WithBreakerLogger(s.logger), WithBreakerMetrics(m))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.RecordFailure()
		}()
	}
	wg.Wait()

	s.Equal(StateOpen, cb.State())
	s.Equal(float64(1), testutil.ToFloat64(m.CircuitBreakerTransitions.WithLabelValues("shared", "closed", "open")))
}

func (s *CircuitBreakerSuite) TestRegistryReusesBreakers() {
	reg := NewBreakerRegistry(WithBreakerClock(s.clock), WithBreakerLogger(s.logger))

	a := reg.Get("docker", CircuitBreakerConfig{FailureThreshold: 1})
	b := reg.Get("docker", CircuitBreakerConfig{FailureThreshold: 9})
	s.Same(a, b)
	s.Equal(1, b.Config().FailureThreshold)

	reg.Get("api", DefaultCircuitBreakerConfig())
	snaps := reg.Snapshots()
	s.Require().Len(snaps, 2)
	s.Equal("api", snaps[0].Name)
	s.Equal("docker", snaps[1].Name)
}

func (s *CircuitBreakerSuite) TestZeroConfigUsesDefaults() {
	cb := NewCircuitBreaker("defaults", CircuitBreakerConfig{}, WithBreakerLogger(s.logger))
	s.Equal(DefaultCircuitBreakerConfig().FailureThreshold, cb.Config().FailureThreshold)
	s.Equal(DefaultCircuitBreakerConfig().RecoveryTimeout, cb.Config().RecoveryTimeout)
}
