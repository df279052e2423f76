package resilience

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/metrics"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/tracing"
)

// recentWindow is how many recent outcomes feed the per-operation error rate
const recentWindow = 20

// Observer receives numeric samples produced while orchestrating calls.
// The performance monitor implements it.
type Observer interface {
	Observe(name string, value float64, tags map[string]string, correlationID, executionID string)
}

// OperationStats aggregates outcomes for one operation name
type OperationStats struct {
	Calls     int64     `json:"calls"`
	Successes int64     `json:"successes"`
	Failures  int64     `json:"failures"`
	Fallbacks int64     `json:"fallbacks"`
	Retries   int64     `json:"retries"`
	LastError string    `json:"last_error,omitempty"`
	LastCall  time.Time `json:"last_call"`

	recent []bool
}

// ErrorRate returns the failure percentage over recent calls
func (s OperationStats) ErrorRate() float64 {
	if len(s.recent) == 0 {
		return 0
	}
	failed := 0
	for _, ok := range s.recent {
		if !ok {
			failed++
		}
	}
	return 100 * float64(failed) / float64(len(s.recent))
}

// Stats is a point-in-time view of the manager
type Stats struct {
	Operations        map[string]OperationStats `json:"operations"`
	CircuitBreakers   []CircuitBreakerSnapshot  `json:"circuit_breakers"`
	FallbackProviders []string                  `json:"fallback_providers"`
	Degradation       string                    `json:"degradation"`
}

// Manager owns the circuit breaker and fallback registries and runs
// operations with recovery. It is built once by the composition root and
// passed to every caller.
type Manager struct {
	breakers     *BreakerRegistry
	defaultRetry RetryConfig

	fallbackMu sync.RWMutex
	fallbacks  map[string]*FallbackProvider
	store      Store

	statsMu sync.Mutex
	stats   map[string]*OperationStats

	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.TracingService
	observer Observer
	clock    Clock

	randMu sync.Mutex
	random func() float64
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the prometheus metrics
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithTracer sets the tracing service
func WithTracer(t *tracing.TracingService) ManagerOption {
	return func(m *Manager) { m.tracer = t }
}

// WithObserver sets the sink for latency and error-rate samples
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithClock sets the clock. Useful for testing.
func WithClock(c Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithFallbackStore sets the store used by cached_value fallbacks
func WithFallbackStore(s Store) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithDefaultRetry sets the retry policy used when Options.Retry is nil
func WithDefaultRetry(c RetryConfig) ManagerOption {
	return func(m *Manager) { m.defaultRetry = c }
}

// WithRandom sets the jitter source. f must return values in [0, 1).
func WithRandom(f func() float64) ManagerOption {
	return func(m *Manager) { m.random = f }
}

// NewManager creates a manager with empty registries
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		defaultRetry: DefaultRetryConfig(),
		fallbacks:    make(map[string]*FallbackProvider),
		stats:        make(map[string]*OperationStats),
		logger:       logging.GetLogger(),
		clock:        realClock{},
		random:       rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.GetLogger()
	}
	m.logger = m.logger.Named("recovery")
	if m.store == nil {
		m.store = NewMemoryStore(m.clock)
	}
	m.breakers = NewBreakerRegistry(
		WithBreakerClock(m.clock),
		WithBreakerLogger(m.logger),
		WithBreakerMetrics(m.metrics),
	)
	return m
}

// CircuitBreaker returns the named breaker, creating it on first use
func (m *Manager) CircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return m.breakers.Get(name, config)
}

// CircuitBreakers returns snapshots of every breaker
func (m *Manager) CircuitBreakers() []CircuitBreakerSnapshot {
	return m.breakers.Snapshots()
}

// ResetCircuitBreaker forces a breaker closed
func (m *Manager) ResetCircuitBreaker(name string) error {
	cb, ok := m.breakers.Lookup(name)
	if !ok {
		return errors.NewNotFoundError("circuit breaker " + name)
	}
	cb.Reset()
	return nil
}

// FallbackProvider returns the provider for an operation, creating it on
// first use. The first config wins; later configs are ignored here and
// ExecuteWithRecovery applies each call's own config.
func (m *Manager) FallbackProvider(operation string, config FallbackConfig) *FallbackProvider {
	m.fallbackMu.RLock()
	p, ok := m.fallbacks[operation]
	m.fallbackMu.RUnlock()
	if ok {
		return p
	}

	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()
	if p, ok := m.fallbacks[operation]; ok {
		return p
	}
	p = NewFallbackProvider(operation, config, m.store, m.clock, m.logger)
	m.fallbacks[operation] = p
	return p
}

// Stats returns a copy of per-operation counters and breaker states
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	ops := make(map[string]OperationStats, len(m.stats))
	for name, s := range m.stats {
		cp := *s
		cp.recent = append([]bool(nil), s.recent...)
		ops[name] = cp
	}
	m.statsMu.Unlock()

	m.fallbackMu.RLock()
	names := make([]string, 0, len(m.fallbacks))
	for name := range m.fallbacks {
		names = append(names, name)
	}
	m.fallbackMu.RUnlock()
	sort.Strings(names)

	breakers := m.breakers.Snapshots()
	return Stats{
		Operations:        ops,
		CircuitBreakers:   breakers,
		FallbackProviders: names,
		Degradation:       DegradationFor(breakers).String(),
	}
}

func (m *Manager) jitter() float64 {
	m.randMu.Lock()
	defer m.randMu.Unlock()
	return m.random()
}

type callOutcome struct {
	success  bool
	fallback bool
	retries  int
	err      error
}

// recordOutcome updates counters and returns the recent error rate
func (m *Manager) recordOutcome(operation string, outcome callOutcome) float64 {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	s, ok := m.stats[operation]
	if !ok {
		s = &OperationStats{}
		m.stats[operation] = s
	}
	s.Calls++
	s.Retries += int64(outcome.retries)
	s.LastCall = m.clock.Now()
	if outcome.success {
		s.Successes++
	} else {
		s.Failures++
		if outcome.err != nil {
			s.LastError = outcome.err.Error()
		}
	}
	if outcome.fallback {
		s.Fallbacks++
	}
	s.recent = append(s.recent, outcome.success)
	if len(s.recent) > recentWindow {
		s.recent = s.recent[len(s.recent)-recentWindow:]
	}
	return s.ErrorRate()
}
