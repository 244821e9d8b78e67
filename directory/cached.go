package directory

import (
	"context"
	"math/rand"
	"strings"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/data"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var _ Directory = (*CachedDirectory)(nil)

type indexerUrlRecord struct {
	Url string `json:"url"`
}

type deploymentIdRecord struct {
	DeploymentId string `json:"deploymentId"`
}

// CachedDirectory memoizes indexer urls and project deployments in the shared cache.
// Absent results are never cached so a later registration is picked up on the next call.
type CachedDirectory struct {
	Directory

	logger *zerolog.Logger
	cache  *data.Cache
	cfg    *common.DirectoryConfig
	group  singleflight.Group
}

func NewCachedDirectory(logger *zerolog.Logger, inner Directory, cache *data.Cache, cfg *common.DirectoryConfig) *CachedDirectory {
	lg := logger.With().Str("component", "cachedDirectory").Logger()
	return &CachedDirectory{
		Directory: inner,
		logger:    &lg,
		cache:     cache,
		cfg:       cfg,
	}
}

func IndexerUrlCacheKey(indexer string) string {
	if gethcommon.IsHexAddress(indexer) {
		indexer = gethcommon.HexToAddress(indexer).Hex()
	}
	return "indexerUrl:" + indexer
}

func DeploymentIdCacheKey(projectId string) string {
	return "deploymentId:" + strings.ToLower(projectId)
}

func (d *CachedDirectory) ResolveIndexerUrl(ctx context.Context, indexer string) (string, error) {
	key := IndexerUrlCacheKey(indexer)

	var rec indexerUrlRecord
	if found, err := d.cache.GetJSON(ctx, key, &rec); err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("failed to read indexer url from cache")
	} else if found && rec.Url != "" {
		return rec.Url, nil
	}

	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		u, err := d.Directory.ResolveIndexerUrl(ctx, indexer)
		if err != nil || u == "" {
			return u, err
		}
		if err := d.cache.SetJSON(ctx, key, indexerUrlRecord{Url: u}, data.TTL(d.indexerUrlTTL())); err != nil {
			d.logger.Warn().Err(err).Str("key", key).Msg("failed to cache indexer url")
		}
		return u, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (d *CachedDirectory) ResolveDeploymentId(ctx context.Context, projectId string) (string, error) {
	key := DeploymentIdCacheKey(projectId)

	var rec deploymentIdRecord
	if found, err := d.cache.GetJSON(ctx, key, &rec); err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("failed to read deployment id from cache")
	} else if found && rec.DeploymentId != "" {
		return rec.DeploymentId, nil
	}

	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		id, err := d.Directory.ResolveDeploymentId(ctx, projectId)
		if err != nil || id == "" {
			return id, err
		}
		if err := d.cache.SetJSON(ctx, key, deploymentIdRecord{DeploymentId: id}, data.TTL(d.cfg.DeploymentIdTTL.Duration())); err != nil {
			d.logger.Warn().Err(err).Str("key", key).Msg("failed to cache deployment id")
		}
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// indexerUrlTTL spreads expiries across [ttl-jitter, ttl+jitter] in whole minutes so urls are not re-resolved in lockstep.
func (d *CachedDirectory) indexerUrlTTL() time.Duration {
	base := d.cfg.IndexerUrlTTL.Duration()
	jitterMinutes := int64(d.cfg.IndexerUrlTTLJitter.Duration() / time.Minute)
	if jitterMinutes <= 0 {
		return base
	}
	/* #nosec G404 */
	offset := rand.Int63n(2*jitterMinutes+1) - jitterMinutes
	return base + time.Duration(offset)*time.Minute
}
