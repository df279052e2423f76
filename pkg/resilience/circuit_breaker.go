package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/metrics"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, probe requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s CircuitState) gaugeValue() int {
	switch s {
	case StateOpen:
		return metrics.BreakerOpen
	case StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures that opens a closed circuit
	FailureThreshold int `json:"failure_threshold"`
	// RecoveryTimeout is how long an open circuit waits before probing
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
	// SuccessThreshold is the number of half-open successes that close it
	SuccessThreshold int `json:"success_threshold"`
	// Timeout bounds a single call made through Execute or the orchestrator.
	// Zero means no per-call timeout.
	Timeout time.Duration `json:"timeout"`
}

// DefaultCircuitBreakerConfig returns the default breaker policy
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
	}
}

func (c CircuitBreakerConfig) normalized() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	return c
}

// CircuitBreakerSnapshot is a point-in-time copy of a breaker's state
type CircuitBreakerSnapshot struct {
	Name            string               `json:"name"`
	State           string               `json:"state"`
	FailureCount    int                  `json:"failure_count"`
	SuccessCount    int                  `json:"success_count"`
	LastFailureTime *time.Time           `json:"last_failure_time,omitempty"`
	NextAttemptTime *time.Time           `json:"next_attempt_time,omitempty"`
	Config          CircuitBreakerConfig `json:"config"`
}

// CircuitBreaker guards a named resource. Every state read and transition
// happens under the mutex, so concurrent callers observe a single
// linearizable sequence of transitions.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mutex           sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time

	clock   Clock
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// BreakerOption configures a CircuitBreaker
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock sets the clock. Useful for testing.
func WithBreakerClock(clock Clock) BreakerOption {
	return func(cb *CircuitBreaker) { cb.clock = clock }
}

// WithBreakerLogger sets the logger used for transition events
func WithBreakerLogger(logger *logging.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.logger = logger }
}

// WithBreakerMetrics sets the metrics sink for transitions and rejections
func WithBreakerMetrics(m *metrics.Metrics) BreakerOption {
	return func(cb *CircuitBreaker) { cb.metrics = m }
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		config: config.normalized(),
		state:  StateClosed,
		clock:  realClock{},
		logger: logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	if cb.logger == nil {
		cb.logger = logging.GetLogger()
	}
	cb.logger = cb.logger.Named("circuit_breaker")
	return cb
}

// Name returns the protected resource name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Config returns the breaker configuration
func (cb *CircuitBreaker) Config() CircuitBreakerConfig {
	return cb.config
}

// State returns the current state without triggering transitions
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// CanExecute is the gate callers check before an attempt. An open circuit
// whose recovery timeout has elapsed moves to half-open and admits the
// caller as the probe.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mutex.Lock()
	var from CircuitState
	allowed := true
	changed := false

	switch cb.state {
	case StateOpen:
		if cb.clock.Now().Before(cb.nextAttemptTime) {
			allowed = false
		} else {
			from = cb.state
			cb.state = StateHalfOpen
			cb.successCount = 0
			changed = true
		}
	}
	cb.mutex.Unlock()

	if changed {
		cb.reportTransition(from, StateHalfOpen)
	}
	if !allowed {
		cb.metrics.RecordBreakerRejection(cb.name)
	}
	return allowed
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	from := cb.state
	changed := false

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.lastFailureTime = time.Time{}
			cb.nextAttemptTime = time.Time{}
			changed = true
		}
	}
	cb.mutex.Unlock()

	if changed {
		cb.reportTransition(from, StateClosed)
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	now := cb.clock.Now()
	from := cb.state
	changed := false

	cb.failureCount++
	cb.lastFailureTime = now

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.open(now)
			changed = true
		}
	case StateHalfOpen:
		cb.open(now)
		changed = true
	}
	cb.mutex.Unlock()

	if changed {
		cb.reportTransition(from, StateOpen)
	}
}

// open must be called with the mutex held
func (cb *CircuitBreaker) open(now time.Time) {
	cb.state = StateOpen
	cb.successCount = 0
	cb.nextAttemptTime = now.Add(cb.config.RecoveryTimeout)
}

// Reset forces the breaker back to closed with cleared counters
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastFailureTime = time.Time{}
	cb.nextAttemptTime = time.Time{}
	cb.mutex.Unlock()

	if from != StateClosed {
		cb.reportTransition(from, StateClosed)
	}
}

// Snapshot returns a copy of the breaker's counters
func (cb *CircuitBreaker) Snapshot() CircuitBreakerSnapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	snap := CircuitBreakerSnapshot{
		Name:         cb.name,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
		Config:       cb.config,
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		snap.LastFailureTime = &t
	}
	if !cb.nextAttemptTime.IsZero() {
		t := cb.nextAttemptTime
		snap.NextAttemptTime = &t
	}
	return snap
}

// Execute runs req if the breaker admits it and records the outcome. The
// configured Timeout bounds the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	if !cb.CanExecute() {
		return nil, errors.NewCircuitOpenError(cb.name)
	}

	if cb.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			cb.RecordFailure()
			panic(r)
		}
	}()

	result, err := req(ctx)
	if err != nil {
		cb.RecordFailure()
		return result, err
	}
	cb.RecordSuccess()
	return result, nil
}

func (cb *CircuitBreaker) reportTransition(from, to CircuitState) {
	cb.metrics.RecordBreakerTransition(cb.name, from.String(), to.String(), to.gaugeValue())

	snap := cb.Snapshot()
	event := logging.Event{
		Node: cb.name,
		Fields: map[string]interface{}{
			"circuit_breaker": cb.name,
			"from_state":      from.String(),
			"to_state":        to.String(),
			"failure_count":   snap.FailureCount,
		},
	}

	switch to {
	case StateOpen:
		event.Status = logging.StatusCircuitOpen
		if snap.NextAttemptTime != nil {
			event.Fields["next_attempt_time"] = snap.NextAttemptTime.UTC().Format(logging.TimestampFormat)
		}
		cb.logger.Emit(logrus.WarnLevel, "Circuit breaker opened", event)
	case StateClosed:
		event.Status = logging.StatusCircuitClosed
		cb.logger.Emit(logrus.InfoLevel, "Circuit breaker closed", event)
	case StateHalfOpen:
		event.Status = logging.StatusInProgress
		cb.logger.Emit(logrus.InfoLevel, "Circuit breaker half-open, admitting probe", event)
	}
}

// BreakerRegistry lazily creates one breaker per resource name and keeps
// it for the life of the registry.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	opts     []BreakerOption
}

// NewBreakerRegistry creates an empty registry. The options are applied to
// every breaker it creates.
func NewBreakerRegistry(opts ...BreakerOption) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		opts:     opts,
	}
}

// Get returns the breaker for name, creating it with config on first use.
// Later calls with a different config keep the original breaker.
func (r *BreakerRegistry) Get(name string, config CircuitBreakerConfig) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, config, r.opts...)
	r.breakers[name] = cb
	return cb
}

// Lookup returns an existing breaker
func (r *BreakerRegistry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Snapshots returns every breaker's state sorted by name
func (r *BreakerRegistry) Snapshots() []CircuitBreakerSnapshot {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	snaps := make([]CircuitBreakerSnapshot, 0, len(breakers))
	for _, cb := range breakers {
		snaps = append(snaps, cb.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}
