package resilience

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/config"
	apperrors "github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
)

func TestNewRedisStore_RequiresConfig(t *testing.T) {
	_, err := NewRedisStore(nil, "")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestNewRedisStore_UnreachableServer(t *testing.T) {
	_, err := NewRedisStore(&config.RedisConfig{Host: "127.0.0.1", Port: 1, PoolSize: 1}, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeExternal))
}

func TestRedisStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	store := NewRedisStoreFromClient(client, "clarity:test:"+uuid.NewString()+":")
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Health(ctx))

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	value := map[string]interface{}{"status": "ok", "count": 3}
	require.NoError(t, store.Set(ctx, "op:exec", value, time.Minute))

	got, ok, err := store.Get(ctx, "op:exec")
	require.NoError(t, err)
	require.True(t, ok)
	// JSON round trip turns numbers into float64
	assert.Equal(t, map[string]interface{}{"status": "ok", "count": 3.0}, got)

	require.NoError(t, store.Set(ctx, "short", "v", 50*time.Millisecond))
	time.Sleep(150 * time.Millisecond)
	_, ok, err = store.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}
