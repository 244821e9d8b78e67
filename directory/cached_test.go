package directory

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/data"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDirectory struct {
	Directory
	indexerUrl   string
	deploymentId string
	urlCalls     atomic.Int32
	projectCalls atomic.Int32
}

func (d *countingDirectory) ResolveIndexerUrl(_ context.Context, _ string) (string, error) {
	d.urlCalls.Add(1)
	return d.indexerUrl, nil
}

func (d *countingDirectory) ResolveDeploymentId(_ context.Context, _ string) (string, error) {
	d.projectCalls.Add(1)
	return d.deploymentId, nil
}

func newTestCachedDirectory(t *testing.T, inner Directory) (*CachedDirectory, *data.Cache) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	memCfg := &common.MemoryConnectorConfig{}
	require.NoError(t, memCfg.SetDefaults())
	conn, err := data.NewMemoryConnector(ctx, &logger, "test", memCfg)
	require.NoError(t, err)
	cache := data.NewCache(&logger, conn, 0)

	cfg := &common.DirectoryConfig{}
	require.NoError(t, cfg.SetDefaults())
	return NewCachedDirectory(&logger, inner, cache, cfg), cache
}

func TestCachedDirectory_IndexerUrl(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves once then serves from cache under the checksum key", func(t *testing.T) {
		inner := &countingDirectory{indexerUrl: "https://indexer.example.com"}
		d, cache := newTestCachedDirectory(t, inner)

		for i := 0; i < 3; i++ {
			u, err := d.ResolveIndexerUrl(ctx, testIndexer)
			require.NoError(t, err)
			assert.Equal(t, "https://indexer.example.com", u)
		}
		assert.Equal(t, int32(1), inner.urlCalls.Load())

		raw, found, err := cache.Get(ctx, IndexerUrlCacheKey(testIndexer))
		require.NoError(t, err)
		require.True(t, found)
		assert.JSONEq(t, `{"url":"https://indexer.example.com"}`, raw)
	})

	t.Run("absent urls are not cached", func(t *testing.T) {
		inner := &countingDirectory{}
		d, _ := newTestCachedDirectory(t, inner)

		for i := 0; i < 2; i++ {
			u, err := d.ResolveIndexerUrl(ctx, testIndexer)
			require.NoError(t, err)
			assert.Empty(t, u)
		}
		assert.Equal(t, int32(2), inner.urlCalls.Load())
	})
}

func TestCachedDirectory_IndexerUrlTTL(t *testing.T) {
	d, _ := newTestCachedDirectory(t, &countingDirectory{})
	for i := 0; i < 200; i++ {
		ttl := d.indexerUrlTTL()
		assert.GreaterOrEqual(t, ttl, 25*time.Minute)
		assert.LessOrEqual(t, ttl, 35*time.Minute)
		assert.Zero(t, ttl%time.Minute)
	}
}

func TestCachedDirectory_DeploymentId(t *testing.T) {
	ctx := context.Background()
	inner := &countingDirectory{deploymentId: testDeployment}
	d, cache := newTestCachedDirectory(t, inner)

	id, err := d.ResolveDeploymentId(ctx, "0xABC")
	require.NoError(t, err)
	assert.Equal(t, testDeployment, id)

	id, err = d.ResolveDeploymentId(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, testDeployment, id)
	assert.Equal(t, int32(1), inner.projectCalls.Load())

	_, found, err := cache.Get(ctx, "deploymentId:0xabc")
	require.NoError(t, err)
	assert.True(t, found)
}
