package data

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/querygate/querygate/common"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	RedisDriverName = "redis"
	lockKeyPrefix   = "lock:"
)

var _ Connector = (*RedisConnector)(nil)

type redisBackend struct {
	client *redis.Client
	locker *redsync.Redsync
}

type RedisConnector struct {
	id          string
	logger      *zerolog.Logger
	backend     atomic.Pointer[redisBackend]
	initTimeout time.Duration
	getTimeout  time.Duration
	setTimeout  time.Duration
}

type redisLock struct {
	mutex *redsync.Mutex
}

func NewRedisConnector(
	ctx context.Context,
	logger *zerolog.Logger,
	id string,
	cfg *common.RedisConnectorConfig,
) (*RedisConnector, error) {
	lg := logger.With().Str("connector", id).Logger()
	lg.Debug().Bool("sentinel", len(cfg.Sentinels) > 0).Msg("creating redis connector")

	connector := &RedisConnector{
		id:          id,
		logger:      &lg,
		initTimeout: cfg.InitTimeout.Duration(),
		getTimeout:  cfg.GetTimeout.Duration(),
		setTimeout:  cfg.SetTimeout.Duration(),
	}

	options, err := connector.clientOptions(cfg)
	if err != nil {
		return nil, err
	}

	// Connecting happens in background so a cold redis never blocks startup.
	go func() {
		delay := time.Second
		for attempt := 1; ; attempt++ {
			err := connector.connect(ctx, options)
			if err == nil {
				lg.Info().Int("attempt", attempt).Msg("connected to redis")
				return
			}
			lg.Warn().Err(err).Int("attempt", attempt).Msg("failed to connect to redis")
			select {
			case <-ctx.Done():
				lg.Debug().Msg("context cancelled while connecting to redis")
				return
			case <-time.After(delay):
			}
			if delay < 30*time.Second {
				delay *= 2
			}
		}
	}()

	go func() {
		<-ctx.Done()
		if b := connector.backend.Load(); b != nil {
			_ = b.client.Close()
		}
	}()

	return connector, nil
}

func (r *RedisConnector) clientOptions(cfg *common.RedisConnectorConfig) (func() *redis.Client, error) {
	var tlsErr error
	if len(cfg.Sentinels) > 0 {
		opts := &redis.FailoverOptions{
			MasterName:    cfg.SentinelName,
			SentinelAddrs: cfg.Sentinels,
			PoolSize:      cfg.ConnPoolSize,
			DialTimeout:   r.initTimeout,
			ReadTimeout:   r.getTimeout,
			WriteTimeout:  r.setTimeout,
		}
		if cfg.TLS != nil && cfg.TLS.Enabled {
			opts.TLSConfig, tlsErr = common.CreateTLSConfig(cfg.TLS)
			if tlsErr != nil {
				return nil, fmt.Errorf("failed to create TLS config: %w", tlsErr)
			}
		}
		return func() *redis.Client { return redis.NewFailoverClient(opts) }, nil
	}

	opts, err := redis.ParseURL(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid redis uri: %w", err)
	}
	opts.PoolSize = cfg.ConnPoolSize
	opts.DialTimeout = r.initTimeout
	opts.ReadTimeout = r.getTimeout
	opts.WriteTimeout = r.setTimeout
	if cfg.TLS != nil && cfg.TLS.Enabled {
		opts.TLSConfig, tlsErr = common.CreateTLSConfig(cfg.TLS)
		if tlsErr != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", tlsErr)
		}
	}
	return func() *redis.Client { return redis.NewClient(opts) }, nil
}

func (r *RedisConnector) connect(ctx context.Context, newClient func() *redis.Client) error {
	client := newClient()

	pingCtx, cancel := context.WithTimeout(ctx, r.initTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return err
	}

	r.backend.Store(&redisBackend{
		client: client,
		locker: redsync.New(goredis.NewPool(client)),
	})
	return nil
}

func (r *RedisConnector) ready() (*redisBackend, error) {
	b := r.backend.Load()
	if b == nil {
		return nil, common.NewErrConnectorNotReady(r.id)
	}
	return b, nil
}

func (r *RedisConnector) IsReady() bool {
	return r.backend.Load() != nil
}

func (r *RedisConnector) Id() string {
	return r.id
}

func (r *RedisConnector) Get(ctx context.Context, key string) (string, error) {
	b, err := r.ready()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.getTimeout)
	defer cancel()

	value, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", common.NewErrRecordNotFound(key, RedisDriverName)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (r *RedisConnector) Set(ctx context.Context, key, value string, ttl *time.Duration) error {
	b, err := r.ready()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.setTimeout)
	defer cancel()

	expiration := time.Duration(0)
	if ttl != nil && *ttl > 0 {
		expiration = *ttl
	}

	r.logger.Trace().Str("key", key).Dur("ttl", expiration).Msg("writing to redis")
	return b.client.Set(ctx, key, value, expiration).Err()
}

func (r *RedisConnector) Delete(ctx context.Context, key string) error {
	b, err := r.ready()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.setTimeout)
	defer cancel()

	return b.client.Del(ctx, key).Err()
}

func (r *RedisConnector) Lock(ctx context.Context, key string, ttl time.Duration) (DistributedLock, error) {
	b, err := r.ready()
	if err != nil {
		return nil, err
	}

	mutex := b.locker.NewMutex(lockKeyPrefix+key, redsync.WithExpiry(ttl))
	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, common.NewErrLockAlreadyHeld(key)
		}
		return nil, fmt.Errorf("failed to acquire redis lock for %s: %w", key, err)
	}

	return &redisLock{mutex: mutex}, nil
}

func (l *redisLock) Unlock(ctx context.Context) error {
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) {
			return nil
		}
		return err
	}
	if !ok {
		return fmt.Errorf("redis lock %s was not released", l.mutex.Name())
	}
	return nil
}
