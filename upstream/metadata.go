package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/telemetry"
	"github.com/querygate/querygate/util"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// IndexerUrlResolver maps an indexer address to its current public url. An empty url means unknown.
type IndexerUrlResolver interface {
	ResolveIndexerUrl(ctx context.Context, indexer string) (string, error)
}

type metadataEntry struct {
	indexer      string
	deploymentId string
	metadata     common.IndexingMetadata
	version      uint64
}

// MetadataFetcher keeps the last known sync status of every (indexer, deployment) pair it was asked about.
// Entries never expire; the sweep re-fetches all of them.
type MetadataFetcher struct {
	logger  *zerolog.Logger
	cfg     *common.IndexersConfig
	urls    IndexerUrlResolver
	client  *http.Client
	entries *xsync.Map[string, *metadataEntry]
	group   singleflight.Group
	version atomic.Uint64
}

func NewMetadataFetcher(logger *zerolog.Logger, cfg *common.IndexersConfig, urls IndexerUrlResolver) *MetadataFetcher {
	lg := logger.With().Str("component", "indexerMetadata").Logger()
	if cfg == nil {
		cfg = &common.IndexersConfig{}
		_ = cfg.SetDefaults()
	}
	return &MetadataFetcher{
		logger:  &lg,
		cfg:     cfg,
		urls:    urls,
		client:  &http.Client{},
		entries: xsync.NewMap[string, *metadataEntry](),
	}
}

func MetadataCacheKey(indexer, deploymentId string) string {
	return fmt.Sprintf("metadata_%s_%s", indexer, deploymentId)
}

// GetMetadata returns the cached snapshot, fetching it on a miss. A pair whose last fetch failed reports absent.
// The fetch is shared by every concurrent caller, so it runs detached from ctx and is bounded by the metadata
// timeout only.
func (f *MetadataFetcher) GetMetadata(ctx context.Context, deploymentId, indexer, indexerUrl string, latestHeight int64) (*common.IndexingMetadata, bool) {
	if entry, ok := f.entries.Load(MetadataCacheKey(indexer, deploymentId)); ok {
		md := entry.metadata
		if md.IsEmpty() {
			return nil, false
		}
		return &md, true
	}

	key := MetadataCacheKey(indexer, deploymentId)
	fetchCtx := context.WithoutCancel(ctx)
	v, _, _ := f.group.Do(key, func() (interface{}, error) {
		md, ok := f.UpdateMetadata(fetchCtx, deploymentId, indexer, indexerUrl, latestHeight)
		if !ok {
			return (*common.IndexingMetadata)(nil), nil
		}
		return md, nil
	})
	md := v.(*common.IndexingMetadata)
	return md, md != nil
}

// UpdateMetadata fetches a fresh snapshot and stores it. On failure the sentinel replaces whatever was cached,
// unless the failure came from ctx itself: a cancelled caller says nothing about the indexer.
func (f *MetadataFetcher) UpdateMetadata(ctx context.Context, deploymentId, indexer, indexerUrl string, latestHeight int64) (*common.IndexingMetadata, bool) {
	key := MetadataCacheKey(indexer, deploymentId)
	version := f.version.Add(1)
	lg := f.logger.With().Str("indexer", indexer).Str("deploymentId", deploymentId).Logger()

	md, err := f.fetch(ctx, deploymentId, indexer, indexerUrl)
	if err != nil {
		if ctx.Err() != nil {
			lg.Debug().Err(err).Msg("metadata fetch abandoned by caller, keeping cached entry")
			telemetry.MetricIndexerMetadataFetchTotal.WithLabelValues("cancelled").Inc()
			return nil, false
		}
		lg.Error().Err(err).Str("url", indexerUrl).Msg("failed to get metadata from indexer")
		telemetry.MetricIndexerMetadataFetchTotal.WithLabelValues("error").Inc()
		f.store(key, &metadataEntry{
			indexer:      indexer,
			deploymentId: deploymentId,
			metadata:     common.DefaultIndexingMetadata,
			version:      version,
		})
		return nil, false
	}

	md.LatestBlockHeight = latestHeight
	if !f.store(key, &metadataEntry{indexer: indexer, deploymentId: deploymentId, metadata: *md, version: version}) {
		lg.Debug().Uint64("version", version).Msg("discarding metadata superseded by a newer fetch")
	}
	telemetry.MetricIndexerMetadataFetchTotal.WithLabelValues("success").Inc()
	lg.Debug().Object("metadata", md).Msg("updated indexer metadata")
	return md, true
}

// store keeps the entry with the highest version, so a slow fetch never overwrites a newer one.
func (f *MetadataFetcher) store(key string, entry *metadataEntry) bool {
	written := false
	f.entries.Compute(key, func(old *metadataEntry, loaded bool) (*metadataEntry, xsync.ComputeOp) {
		if loaded && old.version > entry.version {
			return old, xsync.CancelOp
		}
		written = true
		return entry, xsync.UpdateOp
	})
	telemetry.MetricMetadataCacheSize.Set(float64(f.entries.Size()))
	return written
}

func (f *MetadataFetcher) fetch(ctx context.Context, deploymentId, indexer, indexerUrl string) (*common.IndexingMetadata, error) {
	url, err := util.ResolveUrl(indexerUrl, "/metadata/"+deploymentId)
	if err != nil {
		return nil, common.NewErrIndexerRequest(indexer, indexerUrl, 0, err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.MetadataTimeout.Duration())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, common.NewErrIndexerRequest(indexer, url, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, common.NewErrIndexerRequest(indexer, url, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.NewErrIndexerRequest(indexer, url, resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, common.NewErrIndexerRequest(indexer, url, resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	md, err := ParseIndexingMetadata(body)
	if err != nil {
		return nil, common.NewErrIndexerRequest(indexer, url, resp.StatusCode, err)
	}
	return md, nil
}

type metadataEnvelope struct {
	Data *struct {
		Metadata *common.IndexingMetadata `json:"_metadata"`
	} `json:"data"`
}

// ParseIndexingMetadata accepts both the graphql envelope ({"data":{"_metadata":{...}}}) and a flat object.
func ParseIndexingMetadata(body []byte) (*common.IndexingMetadata, error) {
	var env metadataEnvelope
	if err := common.SonicCfg.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed metadata response: %w", err)
	}
	if env.Data != nil && env.Data.Metadata != nil {
		return env.Data.Metadata, nil
	}

	var md common.IndexingMetadata
	if err := common.SonicCfg.Unmarshal(body, &md); err != nil {
		return nil, fmt.Errorf("malformed metadata response: %w", err)
	}
	return &md, nil
}

// Keys lists the tracked pairs, mostly for the sweep.
func (f *MetadataFetcher) Keys() []string {
	keys := make([]string, 0, f.entries.Size())
	f.entries.Range(func(key string, _ *metadataEntry) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}
