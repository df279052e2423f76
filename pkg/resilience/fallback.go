package resilience

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
)

// FallbackStrategy selects how a substitute value is produced
type FallbackStrategy string

const (
	FallbackDefaultValue    FallbackStrategy = "default_value"
	FallbackCachedValue     FallbackStrategy = "cached_value"
	FallbackDegradedService FallbackStrategy = "degraded_service"
	FallbackEmptyResponse   FallbackStrategy = "empty_response"
	FallbackRetryLater      FallbackStrategy = "retry_later"
)

// DefaultRetryAfter is advertised in retry_later payloads
const DefaultRetryAfter = 60 * time.Second

// FallbackConfig holds configuration for a fallback provider
type FallbackConfig struct {
	Strategy           FallbackStrategy `json:"strategy"`
	DefaultValue       interface{}      `json:"default_value"`
	CacheTTL           time.Duration    `json:"cache_ttl"`
	EnableDegradedMode bool             `json:"enable_degraded_mode"`
	// RetryAfter overrides DefaultRetryAfter for retry_later payloads
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// DefaultFallbackConfig returns a default_value config with a 5 minute cache
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		Strategy:           FallbackDefaultValue,
		CacheTTL:           5 * time.Minute,
		EnableDegradedMode: true,
	}
}

// Store keeps successful results for the cached_value strategy
type Store interface {
	Get(ctx context.Context, key string) (interface{}, bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type memoryEntry struct {
	value     interface{}
	expiresAt time.Time
}

// MemoryStore is an in-process TTL store. Expired entries are swept on
// every Set and ignored on Get.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   Clock
}

// NewMemoryStore creates an empty store. A nil clock uses wall time.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = realClock{}
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   clock,
	}
}

// Get returns a live entry
func (s *MemoryStore) Get(_ context.Context, key string) (interface{}, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || !s.clock.Now().Before(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores value until ttl elapses and sweeps expired entries
func (s *MemoryStore) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for k, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

// Len returns the number of stored entries, expired or not
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CacheKey builds the fallback cache key for an operation
func CacheKey(operation, executionID string) string {
	if executionID == "" {
		executionID = "default"
	}
	return operation + ":" + executionID
}

// FallbackProvider produces substitute results for one operation name
type FallbackProvider struct {
	operation string

	mu     sync.RWMutex
	config FallbackConfig

	store  Store
	clock  Clock
	logger *logging.Logger
}

// NewFallbackProvider creates a provider. store and logger may be nil.
func NewFallbackProvider(operation string, config FallbackConfig, store Store, clock Clock, logger *logging.Logger) *FallbackProvider {
	if clock == nil {
		clock = realClock{}
	}
	if store == nil {
		store = NewMemoryStore(clock)
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &FallbackProvider{
		operation: operation,
		config:    normalizeFallback(config),
		store:     store,
		clock:     clock,
		logger:    logger.Named("fallback"),
	}
}

func normalizeFallback(config FallbackConfig) FallbackConfig {
	if config.Strategy == "" {
		config.Strategy = FallbackDefaultValue
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.RetryAfter <= 0 {
		config.RetryAfter = DefaultRetryAfter
	}
	return config
}

// Config returns the active configuration
func (p *FallbackProvider) Config() FallbackConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// CacheValue stores a successful result for later cached_value fallbacks
func (p *FallbackProvider) CacheValue(ctx context.Context, key string, value interface{}) {
	p.cacheValue(ctx, p.Config(), key, value)
}

func (p *FallbackProvider) cacheValue(ctx context.Context, config FallbackConfig, key string, value interface{}) {
	ttl := normalizeFallback(config).CacheTTL
	if err := p.store.Set(ctx, key, value, ttl); err != nil {
		p.logger.WithContext(ctx).WithFields(logrus.Fields{
			"operation": p.operation,
			"cache_key": key,
			"error":     err.Error(),
		}).Warn("Failed to cache fallback value")
	}
}

// GetFallback returns the substitute value for a failed operation. It
// never fails: store errors degrade to the configured default.
func (p *FallbackProvider) GetFallback(ctx context.Context, rc RecoveryContext, cause error) interface{} {
	return p.GetFallbackWith(ctx, p.Config(), rc, cause)
}

// GetFallbackWith is GetFallback under the given config instead of the
// provider's own. The provider still supplies the store and clock.
func (p *FallbackProvider) GetFallbackWith(ctx context.Context, config FallbackConfig, rc RecoveryContext, cause error) interface{} {
	config = normalizeFallback(config)

	switch config.Strategy {
	case FallbackCachedValue:
		key := CacheKey(rc.OperationName, rc.ExecutionID)
		value, ok, err := p.store.Get(ctx, key)
		if err != nil {
			p.logger.WithContext(ctx).WithFields(logrus.Fields{
				logging.FieldCorrelationID: rc.CorrelationID,
				"operation":                rc.OperationName,
				"error":                    err.Error(),
			}).Warn("Fallback cache lookup failed, using default value")
		}
		if ok {
			return value
		}
		return config.DefaultValue

	case FallbackDegradedService:
		if !config.EnableDegradedMode {
			return config.DefaultValue
		}
		return p.degradedResponse(rc)

	case FallbackEmptyResponse:
		switch shapeOf(rc.OperationName) {
		case shapeCollection:
			return []interface{}{}
		case shapeMapping:
			return map[string]interface{}{}
		default:
			return nil
		}

	case FallbackRetryLater:
		message := "operation temporarily unavailable"
		if cause != nil {
			message = cause.Error()
		}
		return map[string]interface{}{
			"status":         "retry_later",
			"message":        "Service temporarily unavailable, please retry later",
			"error":          message,
			"retry_after":    int(config.RetryAfter / time.Second),
			"correlation_id": rc.CorrelationID,
		}

	default:
		return config.DefaultValue
	}
}

func (p *FallbackProvider) degradedResponse(rc RecoveryContext) interface{} {
	timestamp := p.clock.Now().UTC().Format(logging.TimestampFormat)
	message := "Service running in degraded mode"

	switch shapeOf(rc.OperationName) {
	case shapeCollection:
		return []interface{}{}
	case shapeMapping:
		return map[string]interface{}{
			"status":    "degraded",
			"message":   message,
			"timestamp": timestamp,
		}
	default:
		return map[string]interface{}{
			"status":    "degraded",
			"message":   message,
			"operation": rc.OperationName,
			"data":      nil,
			"timestamp": timestamp,
		}
	}
}

type responseShape int

const (
	shapeUnknown responseShape = iota
	shapeCollection
	shapeMapping
)

var (
	collectionWords = []string{"list", "search", "find", "query", "all", "items", "files", "history", "many"}
	mappingWords    = []string{"status", "health", "info", "config", "details", "stats", "summary", "metadata", "state", "get"}
)

// shapeOf guesses the result shape from the words in an operation name
func shapeOf(operation string) responseShape {
	words := strings.FieldsFunc(strings.ToLower(operation), func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' ' || r == ':' || r == '/'
	})
	for _, w := range words {
		for _, c := range collectionWords {
			if w == c {
				return shapeCollection
			}
		}
	}
	for _, w := range words {
		for _, m := range mappingWords {
			if w == m {
				return shapeMapping
			}
		}
	}
	return shapeUnknown
}
