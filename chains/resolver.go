package chains

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/data"
	"github.com/querygate/querygate/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ChainIdSource resolves the chain a deployment indexes, usually from its manifest.
type ChainIdSource interface {
	ResolveChainId(ctx context.Context, deploymentId string) (string, error)
}

type chainIdRecord struct {
	ChainId string `json:"chainId"`
}

type jsonRpcRequest struct {
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	JsonRpc string        `json:"jsonrpc"`
	Id      int           `json:"id"`
}

type jsonRpcResponse struct {
	Result interface{} `json:"result"`
}

// Resolver maps deployments to chain configs and tracks the latest head height observed per deployment.
type Resolver struct {
	logger  *zerolog.Logger
	cfg     *common.Config
	source  ChainIdSource
	cache   *data.Cache
	client  *http.Client
	timeout time.Duration
	heights *xsync.Map[string, int64]
	group   singleflight.Group
}

func NewResolver(logger *zerolog.Logger, cfg *common.Config, source ChainIdSource, cache *data.Cache) *Resolver {
	lg := logger.With().Str("component", "chains").Logger()
	timeout := common.DefaultDirectoryTimeout
	if cfg != nil && cfg.Directory != nil && cfg.Directory.RequestTimeout > 0 {
		timeout = cfg.Directory.RequestTimeout.Duration()
	}
	return &Resolver{
		logger:  &lg,
		cfg:     cfg,
		source:  source,
		cache:   cache,
		client:  &http.Client{},
		timeout: timeout,
		heights: xsync.NewMap[string, int64](),
	}
}

func chainIdCacheKey(deploymentId string) string {
	return "chainId:" + deploymentId
}

func blockHeightKey(deploymentId string) string {
	return "latestBlockHeight:" + deploymentId
}

// ResolveChainId returns the cached chain identifier of a deployment, resolving and caching it without expiry on a miss.
func (r *Resolver) ResolveChainId(ctx context.Context, deploymentId string) (string, error) {
	key := chainIdCacheKey(deploymentId)

	var rec chainIdRecord
	found, err := r.cache.GetJSON(ctx, key, &rec)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("failed to read chain id from cache")
	}
	if found && rec.ChainId != "" {
		return rec.ChainId, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		chainId, err := r.source.ResolveChainId(ctx, deploymentId)
		if err != nil {
			return "", err
		}
		r.logger.Info().Str("deploymentId", deploymentId).Str("chainId", chainId).Msg("resolved deployment chain id")
		if chainId == "" {
			return "", nil
		}
		if err := r.cache.SetJSON(ctx, key, chainIdRecord{ChainId: chainId}, data.NoExpiry()); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("failed to cache chain id")
		}
		return chainId, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ResolveChainConfig reports absent for unknown chains and for deployments whose chain cannot be resolved.
// Callers fall back to the default block gaps.
func (r *Resolver) ResolveChainConfig(ctx context.Context, deploymentId string) (*common.ChainConfig, bool) {
	chainId, err := r.ResolveChainId(ctx, deploymentId)
	if err != nil {
		r.logger.Warn().Err(err).Str("deploymentId", deploymentId).Msg("failed to resolve chain id")
		return nil, false
	}
	if chainId == "" {
		return nil, false
	}
	return r.cfg.ChainConfigFor(chainId)
}

// LatestBlockHeight returns the last head height observed for the deployment, 0 when never observed.
func (r *Resolver) LatestBlockHeight(deploymentId string) int64 {
	h, _ := r.heights.Load(blockHeightKey(deploymentId))
	return h
}

// RefreshBlockHeight queries the chain head through the deployment's rpc. Failures are logged and reported as 0.
func (r *Resolver) RefreshBlockHeight(ctx context.Context, deploymentId string) int64 {
	lg := r.logger.With().Str("deploymentId", deploymentId).Logger()

	cc, ok := r.ResolveChainConfig(ctx, deploymentId)
	if !ok || cc.Rpc == "" || cc.Method == "" {
		return 0
	}

	height, err := r.fetchHeight(ctx, cc)
	if err != nil {
		lg.Error().Err(err).Str("rpc", cc.Rpc).Msg("failed to get latest block height")
		telemetry.MetricChainHeightRefreshTotal.WithLabelValues("error").Inc()
		return 0
	}

	r.heights.Store(blockHeightKey(deploymentId), height)
	telemetry.MetricChainHeightRefreshTotal.WithLabelValues("success").Inc()
	lg.Debug().Int64("height", height).Msg("refreshed latest block height")
	return height
}

func (r *Resolver) fetchHeight(ctx context.Context, cc *common.ChainConfig) (int64, error) {
	body, err := common.SonicCfg.Marshal(jsonRpcRequest{Method: cc.Method, Params: []interface{}{}, JsonRpc: "2.0", Id: 1})
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cc.Rpc, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return 0, fmt.Errorf("rpc responded with status %d", resp.StatusCode)
	}

	var rpcResp jsonRpcResponse
	if err := common.SonicCfg.Unmarshal(raw, &rpcResp); err != nil {
		return 0, fmt.Errorf("malformed rpc response: %w", err)
	}
	return ParseBlockHeight(rpcResp.Result)
}

// ParseBlockHeight accepts a bare quantity or an object carrying a "number" field, hex or decimal.
func ParseBlockHeight(result interface{}) (int64, error) {
	switch v := result.(type) {
	case string:
		return parseQuantity(v)
	case float64:
		return int64(v), nil
	case map[string]interface{}:
		if n, ok := v["number"]; ok && n != nil {
			if _, nested := n.(map[string]interface{}); !nested {
				return ParseBlockHeight(n)
			}
		}
	}
	return 0, fmt.Errorf("unexpected block height result %v", result)
}

func parseQuantity(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseInt(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid block height %q: %w", s, err)
		}
		return n, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block height %q: %w", s, err)
	}
	return n, nil
}
