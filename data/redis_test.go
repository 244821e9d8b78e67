package data

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/querygate/querygate/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisConnector(t *testing.T) (*RedisConnector, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)

	logger := zerolog.New(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &common.RedisConnectorConfig{URI: "redis://" + m.Addr()}
	require.NoError(t, cfg.SetDefaults())

	connector, err := NewRedisConnector(ctx, &logger, "test-connector", cfg)
	require.NoError(t, err)
	require.Eventually(t, connector.IsReady, 5*time.Second, 10*time.Millisecond)
	return connector, m
}

func TestRedisConnectorInitialization(t *testing.T) {
	t.Run("becomes ready with a reachable server", func(t *testing.T) {
		connector, _ := newTestRedisConnector(t)
		ctx := context.Background()

		require.NoError(t, connector.Set(ctx, "k", "hello", nil))
		val, err := connector.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "hello", val)
	})

	t.Run("returns a connector that is not ready when the server is unreachable", func(t *testing.T) {
		logger := zerolog.New(io.Discard)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		cfg := &common.RedisConnectorConfig{
			URI:         "redis://127.0.0.1:9876",
			InitTimeout: common.Duration(200 * time.Millisecond),
		}
		require.NoError(t, cfg.SetDefaults())

		connector, err := NewRedisConnector(ctx, &logger, "unreachable", cfg)
		require.NoError(t, err)
		assert.False(t, connector.IsReady())

		_, err = connector.Get(ctx, "k")
		require.Error(t, err)
		assert.True(t, common.HasErrorCode(err, common.ErrCodeConnectorNotReady))
	})

	t.Run("rejects an invalid uri", func(t *testing.T) {
		logger := zerolog.New(io.Discard)
		cfg := &common.RedisConnectorConfig{URI: "not-a-redis-url"}
		require.NoError(t, cfg.SetDefaults())
		_, err := NewRedisConnector(context.Background(), &logger, "bad", cfg)
		require.Error(t, err)
	})
}

func TestRedisConnector_GetSetDelete(t *testing.T) {
	connector, m := newTestRedisConnector(t)
	ctx := context.Background()

	t.Run("absent key reports record not found", func(t *testing.T) {
		_, err := connector.Get(ctx, "nope")
		require.Error(t, err)
		assert.True(t, common.HasErrorCode(err, common.ErrCodeRecordNotFound))
	})

	t.Run("ttl is applied", func(t *testing.T) {
		ttl := 30 * time.Second
		require.NoError(t, connector.Set(ctx, "expiring", "v", &ttl))
		assert.Equal(t, 30*time.Second, m.TTL("expiring"))

		m.FastForward(31 * time.Second)
		_, err := connector.Get(ctx, "expiring")
		assert.True(t, common.HasErrorCode(err, common.ErrCodeRecordNotFound))
	})

	t.Run("zero ttl stores without expiry", func(t *testing.T) {
		require.NoError(t, connector.Set(ctx, "chainId:Qm1", `{"chainId":"0x1"}`, NoExpiry()))
		assert.Equal(t, time.Duration(0), m.TTL("chainId:Qm1"))
	})

	t.Run("delete removes the key", func(t *testing.T) {
		require.NoError(t, connector.Set(ctx, "gone", "v", nil))
		require.NoError(t, connector.Delete(ctx, "gone"))
		assert.False(t, m.Exists("gone"))
	})
}

func TestRedisConnector_Lock(t *testing.T) {
	connector, _ := newTestRedisConnector(t)
	ctx := context.Background()

	lock, err := connector.Lock(ctx, "score-key", 5*time.Second)
	require.NoError(t, err)

	_, err = connector.Lock(ctx, "score-key", 5*time.Second)
	require.Error(t, err)
	assert.True(t, common.HasErrorCode(err, common.ErrCodeLockAlreadyHeld))

	require.NoError(t, lock.Unlock(ctx))

	again, err := connector.Lock(ctx, "score-key", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}
