package resilience

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/config"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
)

// DefaultRedisPrefix namespaces fallback cache keys
const DefaultRedisPrefix = "clarity:fallback:"

// RedisStore keeps fallback values in Redis so they survive restarts and
// are shared between runner processes. Values are JSON encoded, so a
// round trip yields generic JSON types.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg *config.RedisConfig, prefix string) (*RedisStore, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewExternalError("redis", "failed to connect to Redis").WithCause(err)
	}

	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get returns a stored value
func (s *RedisStore) Get(ctx context.Context, key string) (interface{}, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, errors.NewExternalError("redis", "failed to read fallback value").WithCause(err)
	}

	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false, errors.NewInternalError("failed to decode fallback value").WithCause(err)
	}
	return value, true, nil
}

// Set stores a value with a TTL; Redis handles expiry
func (s *RedisStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.NewInternalError("failed to encode fallback value").WithCause(err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return errors.NewExternalError("redis", "failed to write fallback value").WithCause(err)
	}
	return nil
}

// Health checks the Redis connection
func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.NewExternalError("redis", "Redis health check failed").WithCause(err)
	}
	return nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
