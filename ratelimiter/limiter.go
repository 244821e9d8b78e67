package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	pb_struct "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	pb "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"github.com/envoyproxy/ratelimit/src/config"
	"github.com/envoyproxy/ratelimit/src/limiter"
	"github.com/envoyproxy/ratelimit/src/stats"
	"github.com/envoyproxy/ratelimit/src/utils"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/telemetry"
	"github.com/rs/zerolog"
)

const (
	limitDomain        = "querygate"
	windowEntryKey     = "window"
	defaultCachePrefix = "querygate_rl_"
)

var envoyUnits = []struct {
	unit    pb.RateLimitResponse_RateLimit_Unit
	seconds int64
}{
	{pb.RateLimitResponse_RateLimit_SECOND, 1},
	{pb.RateLimitResponse_RateLimit_MINUTE, 60},
	{pb.RateLimitResponse_RateLimit_HOUR, 3600},
	{pb.RateLimitResponse_RateLimit_DAY, 86400},
}

// tier is one fixed window limit. Windows that are not an envoy unit are split into buckets of the unit,
// each bucket named by its own descriptor entry.
type tier struct {
	name     string
	key      string
	window   int64
	bucketed bool
	limit    *config.RateLimit
}

func newTier(name string, cfg *common.RateLimitTierConfig, mgr stats.Manager) (tier, error) {
	window := cfg.Duration.Duration()
	if cfg.Points <= 0 || cfg.Points > math.MaxUint32 || window <= 0 {
		return tier{}, common.NewErrInvalidConfig(fmt.Sprintf("rate limit tier %s needs positive points and duration", name))
	}
	if window%time.Second != 0 {
		return tier{}, common.NewErrInvalidConfig(fmt.Sprintf("rate limit tier %s: window %s is not a whole number of seconds", name, window))
	}
	seconds := int64(window / time.Second)
	unit, bucketed, ok := unitFor(seconds)
	if !ok {
		return tier{}, common.NewErrInvalidConfig(fmt.Sprintf("rate limit tier %s: window %s does not evenly divide a day", name, window))
	}
	return tier{
		name:     name,
		key:      cfg.KeyPrefix,
		window:   seconds,
		bucketed: bucketed,
		limit:    config.NewRateLimit(uint32(cfg.Points), unit, mgr.NewStats(cfg.KeyPrefix), false, false, "", nil, false),
	}, nil
}

// unitFor picks the envoy unit that holds a window of seconds and whether the window has to be bucketed in it.
func unitFor(seconds int64) (pb.RateLimitResponse_RateLimit_Unit, bool, bool) {
	for _, u := range envoyUnits {
		if u.seconds == seconds {
			return u.unit, false, true
		}
		if u.seconds > seconds && u.seconds%seconds == 0 {
			return u.unit, true, true
		}
	}
	return pb.RateLimitResponse_RateLimit_UNKNOWN, false, false
}

func (t tier) request(client string, now int64) *pb.RateLimitRequest {
	entries := []*pb_struct.RateLimitDescriptor_Entry{{Key: t.key, Value: client}}
	if t.bucketed {
		entries = append(entries, &pb_struct.RateLimitDescriptor_Entry{Key: windowEntryKey, Value: strconv.FormatInt(now/t.window, 10)})
	}
	return &pb.RateLimitRequest{
		Domain:      limitDomain,
		Descriptors: []*pb_struct.RateLimitDescriptor{{Entries: entries}},
		HitsAddend:  1,
	}
}

// Limiter admits requests per client address through a sustained tier. Requests over the sustained rate
// borrow from the burst tier and are rejected once both are exhausted.
type Limiter struct {
	logger     *zerolog.Logger
	timeSource utils.TimeSource
	sustained  tier
	burst      tier
	exempt     []string
	enabled    bool
	failOpen   bool

	cacheMu sync.RWMutex
	cache   limiter.RateLimitCache
}

// NewLimiter counts in redis when the shared store is redis and in process otherwise. A redis store that
// cannot be reached yet leaves the limiter without a cache, and it keeps connecting until ctx is done.
func NewLimiter(ctx context.Context, logger *zerolog.Logger, cfg *common.RateLimiterConfig, store *common.ConnectorConfig) (*Limiter, error) {
	if cfg == nil {
		cfg = &common.RateLimiterConfig{}
	}
	if err := cfg.SetDefaults(); err != nil {
		return nil, err
	}

	mgr := newStatsManager()
	sustained, err := newTier("sustained", cfg.Sustained, mgr)
	if err != nil {
		return nil, err
	}
	burst, err := newTier("burst", cfg.Burst, mgr)
	if err != nil {
		return nil, err
	}

	lg := logger.With().Str("component", "rateLimiter").Logger()
	l := &Limiter{
		logger:     &lg,
		timeSource: utils.NewTimeSourceImpl(),
		sustained:  sustained,
		burst:      burst,
		exempt:     cfg.ExemptPaths,
		enabled:    *cfg.Enabled,
		failOpen:   *cfg.FailOpen,
	}
	if !l.enabled {
		return l, nil
	}

	if store != nil && store.Driver == common.DriverRedis && store.Redis != nil {
		l.connectRedis(ctx, store.Redis, mgr)
	} else {
		l.setCache(NewMemoryRateLimitCache(ctx, l.timeSource, defaultCachePrefix))
	}
	return l, nil
}

// GetCache is nil until the backing store is connected.
func (l *Limiter) GetCache() limiter.RateLimitCache {
	l.cacheMu.RLock()
	defer l.cacheMu.RUnlock()
	return l.cache
}

func (l *Limiter) setCache(cache limiter.RateLimitCache) {
	l.cacheMu.Lock()
	l.cache = cache
	l.cacheMu.Unlock()
}

// Applies reports whether a request is subject to admission control. Only procedure-call bodies outside the
// exempt paths are limited.
func (l *Limiter) Applies(path string, isProcedureCall bool) bool {
	if !l.enabled || !isProcedureCall {
		return false
	}
	for _, pattern := range l.exempt {
		if wildcard.Match(pattern, path) {
			return false
		}
	}
	return true
}

// Consume takes one unit for client and fails with ErrRateLimitExceeded when both tiers are exhausted.
func (l *Limiter) Consume(ctx context.Context, client string) error {
	cache := l.GetCache()
	if cache == nil {
		return l.storeFailure("store", client, errors.New("rate limit store is not connected"))
	}
	now := l.timeSource.UnixNow()

	ok, err := l.take(ctx, cache, l.sustained, client, now)
	if err != nil {
		return l.storeFailure(l.sustained.name, client, err)
	}
	if ok {
		return nil
	}

	ok, err = l.take(ctx, cache, l.burst, client, now)
	if err != nil {
		return l.storeFailure(l.burst.name, client, err)
	}
	if ok {
		l.logger.Debug().Str("client", client).Msg("admitted request from burst allowance")
		return nil
	}
	return common.NewErrRateLimitExceeded(client)
}

// take turns the panics the envoy redis cache raises on store errors into an error.
func (l *Limiter) take(ctx context.Context, cache limiter.RateLimitCache, t tier, client string, now int64) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rate limit cache failed: %v", rec)
		}
	}()
	statuses := cache.DoLimit(ctx, t.request(client, now), []*config.RateLimit{t.limit})
	if len(statuses) == 0 || statuses[0] == nil {
		return false, errors.New("rate limit cache returned no status")
	}
	return statuses[0].Code != pb.RateLimitResponse_OVER_LIMIT, nil
}

func (l *Limiter) storeFailure(tierName, client string, err error) error {
	telemetry.MetricRateLimiterErrorsTotal.WithLabelValues(tierName).Inc()
	if l.failOpen {
		l.logger.Warn().Err(err).Str("tier", tierName).Str("client", client).Msg("rate limit store unavailable, admitting request")
		return nil
	}
	l.logger.Error().Err(err).Str("tier", tierName).Str("client", client).Msg("rate limit store unavailable, rejecting request")
	return common.NewErrRateLimitExceeded(client)
}

// ClientAddress keys on the originating client: the first X-Forwarded-For entry when a proxy set one,
// otherwise the connection's remote address.
func ClientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
