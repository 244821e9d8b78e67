package ratelimiter

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	pb "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"github.com/envoyproxy/ratelimit/src/config"
	"github.com/envoyproxy/ratelimit/src/limiter"
	envoyredis "github.com/envoyproxy/ratelimit/src/redis"
	"github.com/envoyproxy/ratelimit/src/settings"
	"github.com/envoyproxy/ratelimit/src/stats"
	"github.com/envoyproxy/ratelimit/src/utils"
	gostats "github.com/lyft/gostats"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/telemetry"
	"github.com/querygate/querygate/util"
)

const (
	nearLimitRatio     = 0.8
	redisRetryInterval = 5 * time.Second
)

func newStatsManager() stats.Manager {
	store := gostats.NewStore(gostats.NewNullSink(), false)
	return stats.NewStatManager(store, settings.NewSettings())
}

func (l *Limiter) connectRedis(ctx context.Context, cfg *common.RedisConnectorConfig, mgr stats.Manager) {
	cache, err := l.dialRedis(cfg, mgr)
	if err == nil {
		l.setCache(cache)
		return
	}
	l.logger.Warn().Err(err).Msg("failed to connect rate limiter to redis, admission control fails open until connected")

	go func() {
		ticker := time.NewTicker(redisRetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cache, err := l.dialRedis(cfg, mgr)
				if err != nil {
					l.logger.Debug().Err(err).Msg("rate limiter still cannot reach redis")
					continue
				}
				l.setCache(cache)
				return
			}
		}
	}()
}

// dialRedis recovers the panics the envoy redis client raises when it cannot connect.
func (l *Limiter) dialRedis(cfg *common.RedisConnectorConfig, mgr stats.Manager) (cache limiter.RateLimitCache, err error) {
	redisType, addr, auth, err := envoyRedisTarget(cfg)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			telemetry.MetricUnexpectedPanicTotal.WithLabelValues(
				"ratelimiter-redis-connect",
				util.RedactUrl(cfg.URI),
				fmt.Sprintf("%v", rec),
			).Inc()
			l.logger.Error().Interface("panic", rec).Str("stack", string(debug.Stack())).Msg("panic recovered while connecting rate limiter to redis")
			err = fmt.Errorf("panic during redis connection: %v", rec)
		}
	}()

	useTLS := cfg.TLS != nil && cfg.TLS.Enabled
	var tlsConfig *tls.Config
	if useTLS {
		if tlsConfig, err = common.CreateTLSConfig(cfg.TLS); err != nil {
			return nil, err
		}
	}

	store := gostats.NewStore(gostats.NewNullSink(), false)
	client := envoyredis.NewClientImpl(
		store.Scope("querygate_rl"),
		useTLS,
		auth,
		"tcp",
		redisType,
		addr,
		cfg.ConnPoolSize,
		5*time.Millisecond,
		32,
		tlsConfig,
		false,
		nil,
	)

	cache = envoyredis.NewFixedRateLimitCacheImpl(
		client,
		nil,
		l.timeSource,
		rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
		5,
		nil,
		nearLimitRatio,
		defaultCachePrefix,
		mgr,
		false,
	)
	l.logger.Info().Str("redis", redisType).Str("url", util.RedactUrl(cfg.URI)).Msg("rate limiter connected to redis")
	return cache, nil
}

// envoyRedisTarget translates the shared store settings into the envoy client's type, address and auth.
// Sentinel addresses take the form "name,host:port,host:port".
func envoyRedisTarget(cfg *common.RedisConnectorConfig) (string, string, string, error) {
	if len(cfg.Sentinels) > 0 {
		return "sentinel", strings.Join(append([]string{cfg.SentinelName}, cfg.Sentinels...), ","), "", nil
	}
	u, err := url.Parse(cfg.URI)
	if err != nil || u.Host == "" {
		return "", "", "", common.NewErrInvalidConfig("rate limiter needs a redis uri of the form redis://[user:password@]host:port")
	}
	auth := ""
	if u.User != nil {
		auth = u.User.Username()
		if password, ok := u.User.Password(); ok {
			if auth != "" {
				auth += ":" + password
			} else {
				auth = password
			}
		}
	}
	return "single", u.Host, auth, nil
}

type memoryWindow struct {
	hits      uint64
	expiresAt int64
}

// MemoryRateLimitCache counts fixed windows in process, keyed like the envoy redis cache.
type MemoryRateLimitCache struct {
	timeSource utils.TimeSource
	prefix     string
	windows    *xsync.Map[string, memoryWindow]
}

var _ limiter.RateLimitCache = (*MemoryRateLimitCache)(nil)

func NewMemoryRateLimitCache(ctx context.Context, timeSource utils.TimeSource, cacheKeyPrefix string) *MemoryRateLimitCache {
	c := &MemoryRateLimitCache{
		timeSource: timeSource,
		prefix:     cacheKeyPrefix,
		windows:    xsync.NewMap[string, memoryWindow](),
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.cleanupExpired()
			}
		}
	}()
	return c
}

func (c *MemoryRateLimitCache) DoLimit(_ context.Context, request *pb.RateLimitRequest, limits []*config.RateLimit) []*pb.RateLimitResponse_DescriptorStatus {
	now := c.timeSource.UnixNow()
	hits := uint64(max(request.HitsAddend, 1))

	statuses := make([]*pb.RateLimitResponse_DescriptorStatus, len(request.Descriptors))
	for i, descriptor := range request.Descriptors {
		if i >= len(limits) || limits[i] == nil || limits[i].Limit == nil {
			statuses[i] = &pb.RateLimitResponse_DescriptorStatus{Code: pb.RateLimitResponse_OK}
			continue
		}
		limit := limits[i]
		divider := unitSeconds(limit.Limit.Unit)
		start := now / divider * divider

		var key strings.Builder
		key.WriteString(c.prefix)
		key.WriteString(request.Domain)
		key.WriteByte('_')
		for _, entry := range descriptor.Entries {
			key.WriteString(entry.Key)
			key.WriteByte('_')
			key.WriteString(entry.Value)
			key.WriteByte('_')
		}
		key.WriteString(strconv.FormatInt(start, 10))

		window, _ := c.windows.Compute(key.String(), func(old memoryWindow, loaded bool) (memoryWindow, xsync.ComputeOp) {
			if !loaded || now >= old.expiresAt {
				old = memoryWindow{expiresAt: start + divider}
			}
			old.hits += hits
			return old, xsync.UpdateOp
		})

		allowed := uint64(limit.Limit.RequestsPerUnit)
		status := &pb.RateLimitResponse_DescriptorStatus{Code: pb.RateLimitResponse_OK, CurrentLimit: limit.Limit}
		if window.hits > allowed {
			status.Code = pb.RateLimitResponse_OVER_LIMIT
		} else {
			status.LimitRemaining = uint32(allowed - window.hits)
		}
		statuses[i] = status
	}
	return statuses
}

// Flush has nothing to wait for, counting is synchronous.
func (c *MemoryRateLimitCache) Flush() {}

// IncreaseLimitByOne is unused by the gateway; hits are only counted through DoLimit.
func (c *MemoryRateLimitCache) IncreaseLimitByOne(context.Context, string, []*config.RateLimit) {}

func (c *MemoryRateLimitCache) cleanupExpired() {
	now := c.timeSource.UnixNow()
	c.windows.Range(func(key string, w memoryWindow) bool {
		if now >= w.expiresAt {
			c.windows.Compute(key, func(old memoryWindow, loaded bool) (memoryWindow, xsync.ComputeOp) {
				if loaded && now >= old.expiresAt {
					return old, xsync.DeleteOp
				}
				return old, xsync.CancelOp
			})
		}
		return true
	})
}

func unitSeconds(unit pb.RateLimitResponse_RateLimit_Unit) int64 {
	for _, u := range envoyUnits {
		if u.unit == unit {
			return u.seconds
		}
	}
	return 1
}
