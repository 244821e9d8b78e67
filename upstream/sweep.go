package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/querygate/querygate/util"
)

// HeightSource supplies the last observed chain head for a deployment, 0 when unknown.
type HeightSource interface {
	LatestBlockHeight(deploymentId string) int64
}

// Bootstrap schedules the periodic sweep. It stops when ctx is done.
func (f *MetadataFetcher) Bootstrap(ctx context.Context, heights HeightSource) error {
	pool := pond.NewPool(f.cfg.RefreshConcurrency, pond.WithQueueSize(f.cfg.RefreshConcurrency*64))
	scheduler := util.NewScheduler(f.logger)

	_, err := scheduler.AddFunc(f.cfg.MetadataRefreshCron, func() {
		f.Sweep(ctx, pool, heights)
	})
	if err != nil {
		pool.StopAndWait()
		return err
	}
	scheduler.Start()
	f.logger.Info().Str("schedule", f.cfg.MetadataRefreshCron).Msg("scheduled indexer metadata refresh")

	go func() {
		<-ctx.Done()
		<-scheduler.Stop().Done()
		pool.StopAndWait()
		f.logger.Debug().Msg("indexer metadata refresh stopped")
	}()
	return nil
}

// Sweep re-resolves the url of every tracked pair and fetches its metadata again.
// A failing pair is logged and skipped.
func (f *MetadataFetcher) Sweep(ctx context.Context, pool pond.Pool, heights HeightSource) {
	start := time.Now()
	keys := f.Keys()
	group := pool.NewGroupContext(ctx)

	for _, key := range keys {
		entry, ok := f.entries.Load(key)
		if !ok {
			continue
		}
		indexer, deploymentId := entry.indexer, entry.deploymentId
		group.Submit(func() {
			indexerUrl, err := f.urls.ResolveIndexerUrl(ctx, indexer)
			if err != nil {
				f.logger.Error().Err(err).Str("key", key).Msg("failed to resolve indexer url during metadata refresh")
				return
			}
			if indexerUrl == "" {
				return
			}
			var height int64
			if heights != nil {
				height = heights.LatestBlockHeight(deploymentId)
			}
			f.UpdateMetadata(ctx, deploymentId, indexer, indexerUrl, height)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		f.logger.Error().Err(err).Msg("indexer metadata refresh failed")
	}
	f.logger.Debug().Int("pairs", len(keys)).Dur("took", time.Since(start)).Msg("refreshed indexer metadata")
}
