package upstream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/alitto/pond/v2"
	"github.com/h2non/gock"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/util"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	util.ConfigureTestLogger()
}

const (
	testDeployment = "QmV6sbiPyTDUjcQNJs2eGcAQp2SMXL2BU6qdv5aKrRr7Hg"
	testIndexer    = "0x0000000000000000000000000000000000000abc"
	testIndexerUrl = "http://indexer.localhost"
)

type staticUrls struct {
	url   string
	err   error
	calls atomic.Int32
}

func (s *staticUrls) ResolveIndexerUrl(_ context.Context, _ string) (string, error) {
	s.calls.Add(1)
	return s.url, s.err
}

type staticHeights int64

func (h staticHeights) LatestBlockHeight(string) int64 { return int64(h) }

func newTestFetcher(urls IndexerUrlResolver) *MetadataFetcher {
	cfg := &common.IndexersConfig{}
	_ = cfg.SetDefaults()
	return NewMetadataFetcher(&log.Logger, cfg, urls)
}

func TestMetadataFetcher_GetMetadata(t *testing.T) {
	ctx := context.Background()

	t.Run("graphql envelope", func(t *testing.T) {
		defer gock.Off()
		gock.New(testIndexerUrl).
			Get("/metadata/" + testDeployment).
			Reply(200).
			JSON(map[string]interface{}{"data": map[string]interface{}{"_metadata": map[string]interface{}{
				"lastProcessedHeight": 990, "targetHeight": 1000, "indexerHealthy": true, "queryNodeVersion": "2.0.0",
			}}})

		f := newTestFetcher(&staticUrls{})
		md, ok := f.GetMetadata(ctx, testDeployment, testIndexer, testIndexerUrl, 1005)
		require.True(t, ok)
		assert.Equal(t, int64(990), md.EffectiveLastHeight())
		assert.Equal(t, int64(1000), md.TargetHeight)
		assert.Equal(t, int64(1005), md.LatestBlockHeight)
		assert.True(t, md.IndexerHealthy)
		assert.True(t, gock.IsDone())
	})

	t.Run("flat object is served from cache afterwards", func(t *testing.T) {
		defer gock.Off()
		gock.New(testIndexerUrl).
			Get("/metadata/" + testDeployment).
			Times(1).
			Reply(200).
			JSON(map[string]interface{}{"lastHeight": 1200, "lastProcessedHeight": 1100, "targetHeight": 1210})

		f := newTestFetcher(&staticUrls{})
		for i := 0; i < 3; i++ {
			md, ok := f.GetMetadata(ctx, testDeployment, testIndexer, testIndexerUrl, 0)
			require.True(t, ok)
			assert.Equal(t, int64(1200), md.EffectiveLastHeight())
		}
		assert.Equal(t, []string{MetadataCacheKey(testIndexer, testDeployment)}, f.Keys())
	})

	t.Run("indexer url path is replaced", func(t *testing.T) {
		defer gock.Off()
		gock.New(testIndexerUrl).
			Get("/metadata/" + testDeployment).
			Reply(200).
			JSON(map[string]interface{}{"lastHeight": 5, "targetHeight": 6})

		f := newTestFetcher(&staticUrls{})
		_, ok := f.GetMetadata(ctx, testDeployment, testIndexer, testIndexerUrl+"/some/path", 0)
		assert.True(t, ok)
	})

	t.Run("failure stores the sentinel and reports absent", func(t *testing.T) {
		defer gock.Off()
		gock.New(testIndexerUrl).Get("/metadata/" + testDeployment).Reply(500)

		f := newTestFetcher(&staticUrls{})
		md, ok := f.GetMetadata(ctx, testDeployment, testIndexer, testIndexerUrl, 0)
		assert.False(t, ok)
		assert.Nil(t, md)

		// the sentinel stays cached until the next refresh
		md, ok = f.GetMetadata(ctx, testDeployment, testIndexer, testIndexerUrl, 0)
		assert.False(t, ok)
		assert.Nil(t, md)
		assert.Len(t, f.Keys(), 1)
	})

	t.Run("failed refresh replaces healthy data", func(t *testing.T) {
		defer gock.Off()
		gock.New(testIndexerUrl).Get("/metadata/" + testDeployment).Reply(200).JSON(map[string]interface{}{"lastHeight": 5, "targetHeight": 6})
		gock.New(testIndexerUrl).Get("/metadata/" + testDeployment).Reply(502)

		f := newTestFetcher(&staticUrls{})
		_, ok := f.GetMetadata(ctx, testDeployment, testIndexer, testIndexerUrl, 0)
		require.True(t, ok)

		_, ok = f.UpdateMetadata(ctx, testDeployment, testIndexer, testIndexerUrl, 0)
		assert.False(t, ok)
		_, ok = f.GetMetadata(ctx, testDeployment, testIndexer, testIndexerUrl, 0)
		assert.False(t, ok)
	})

	t.Run("cancelled caller does not poison the cache", func(t *testing.T) {
		defer gock.Off()
		gock.New(testIndexerUrl).
			Get("/metadata/" + testDeployment).
			Times(1).
			Reply(200).
			JSON(map[string]interface{}{"lastHeight": 990, "targetHeight": 1000})

		f := newTestFetcher(&staticUrls{})
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		md, ok := f.GetMetadata(cancelled, testDeployment, testIndexer, testIndexerUrl, 0)
		require.True(t, ok)
		assert.Equal(t, int64(990), md.EffectiveLastHeight())

		md, ok = f.GetMetadata(context.Background(), testDeployment, testIndexer, testIndexerUrl, 0)
		require.True(t, ok)
		assert.Equal(t, int64(1000), md.TargetHeight)
		assert.True(t, gock.IsDone())
	})

	t.Run("cancelled refresh keeps healthy data", func(t *testing.T) {
		defer gock.Off()
		gock.New(testIndexerUrl).Get("/metadata/" + testDeployment).Reply(200).JSON(map[string]interface{}{"lastHeight": 990, "targetHeight": 1000})

		f := newTestFetcher(&staticUrls{})
		_, ok := f.GetMetadata(ctx, testDeployment, testIndexer, testIndexerUrl, 0)
		require.True(t, ok)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, ok = f.UpdateMetadata(cancelled, testDeployment, testIndexer, testIndexerUrl, 0)
		assert.False(t, ok)

		md, ok := f.GetMetadata(ctx, testDeployment, testIndexer, testIndexerUrl, 0)
		require.True(t, ok)
		assert.Equal(t, int64(990), md.EffectiveLastHeight())
	})
}

func TestMetadataFetcher_NewerVersionWins(t *testing.T) {
	f := newTestFetcher(&staticUrls{})
	key := MetadataCacheKey(testIndexer, testDeployment)

	newer := &metadataEntry{indexer: testIndexer, deploymentId: testDeployment, version: 2,
		metadata: common.IndexingMetadata{LastHeight: 200, TargetHeight: 210}}
	older := &metadataEntry{indexer: testIndexer, deploymentId: testDeployment, version: 1,
		metadata: common.IndexingMetadata{LastHeight: 100, TargetHeight: 110}}

	assert.True(t, f.store(key, newer))
	assert.False(t, f.store(key, older))

	md, ok := f.GetMetadata(context.Background(), testDeployment, testIndexer, testIndexerUrl, 0)
	require.True(t, ok)
	assert.Equal(t, int64(200), md.LastHeight)
}

func TestMetadataFetcher_Sweep(t *testing.T) {
	ctx := context.Background()
	pool := pond.NewPool(4)
	defer pool.StopAndWait()

	t.Run("refreshes every tracked pair with the current chain head", func(t *testing.T) {
		defer gock.Off()
		gock.New(testIndexerUrl).Get("/metadata/" + testDeployment).Reply(200).JSON(map[string]interface{}{"lastHeight": 5, "targetHeight": 6})
		gock.New(testIndexerUrl).Get("/metadata/" + testDeployment).Reply(200).JSON(map[string]interface{}{"lastHeight": 50, "targetHeight": 60})

		urls := &staticUrls{url: testIndexerUrl}
		f := newTestFetcher(urls)
		_, ok := f.GetMetadata(ctx, testDeployment, testIndexer, testIndexerUrl, 0)
		require.True(t, ok)

		f.Sweep(ctx, pool, staticHeights(77))

		md, ok := f.GetMetadata(ctx, testDeployment, testIndexer, testIndexerUrl, 0)
		require.True(t, ok)
		assert.Equal(t, int64(50), md.LastHeight)
		assert.Equal(t, int64(77), md.LatestBlockHeight)
		assert.Equal(t, int32(1), urls.calls.Load())
		assert.True(t, gock.IsDone())
	})

	t.Run("pairs whose url cannot be resolved are skipped", func(t *testing.T) {
		defer gock.Off()
		gock.New(testIndexerUrl).Get("/metadata/" + testDeployment).Reply(200).JSON(map[string]interface{}{"lastHeight": 5, "targetHeight": 6})

		f := newTestFetcher(&staticUrls{err: errors.New("network query unavailable")})
		_, ok := f.GetMetadata(ctx, testDeployment, testIndexer, testIndexerUrl, 0)
		require.True(t, ok)

		f.Sweep(ctx, pool, nil)

		md, ok := f.GetMetadata(ctx, testDeployment, testIndexer, testIndexerUrl, 0)
		require.True(t, ok)
		assert.Equal(t, int64(5), md.LastHeight)
	})
}

func TestParseIndexingMetadata(t *testing.T) {
	md, err := ParseIndexingMetadata([]byte(`{"data":{"_metadata":{"lastHeight":10,"targetHeight":12}}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(10), md.LastHeight)

	md, err = ParseIndexingMetadata([]byte(`{"lastProcessedHeight":7,"targetHeight":9}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), md.EffectiveLastHeight())

	_, err = ParseIndexingMetadata([]byte(`<html>`))
	assert.Error(t, err)
}
