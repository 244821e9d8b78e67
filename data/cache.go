package data

import (
	"context"
	"time"

	"github.com/querygate/querygate/common"
	"github.com/rs/zerolog"
)

// Cache is the shared key-value substrate: absent keys are reported as not found instead of errors,
// and writes without an explicit ttl expire after the configured default.
type Cache struct {
	connector  Connector
	logger     *zerolog.Logger
	defaultTTL time.Duration
}

func NewCache(logger *zerolog.Logger, connector Connector, defaultTTL time.Duration) *Cache {
	lg := logger.With().Str("component", "cache").Str("connector", connector.Id()).Logger()
	if defaultTTL <= 0 {
		defaultTTL = common.DefaultCacheTTL
	}
	return &Cache{
		connector:  connector,
		logger:     &lg,
		defaultTTL: defaultTTL,
	}
}

func (c *Cache) Connector() Connector {
	return c.connector
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.connector.Get(ctx, key)
	if err != nil {
		if common.HasErrorCode(err, common.ErrCodeRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// Set writes with the default ttl when ttl is nil. A zero ttl stores the value without expiry.
func (c *Cache) Set(ctx context.Context, key, value string, ttl *time.Duration) error {
	if ttl == nil {
		ttl = &c.defaultTTL
	}
	return c.connector.Set(ctx, key, value, ttl)
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.connector.Delete(ctx, key)
}

func (c *Cache) GetJSON(ctx context.Context, key string, target interface{}) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := common.SonicCfg.UnmarshalFromString(raw, target); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("ignoring malformed cache record")
		return false, nil
	}
	return true, nil
}

func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl *time.Duration) error {
	raw, err := common.SonicCfg.MarshalToString(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, ttl)
}

// NoExpiry is passed as ttl for records that are treated as immutable once observed.
func NoExpiry() *time.Duration {
	d := time.Duration(0)
	return &d
}

func TTL(d time.Duration) *time.Duration {
	return &d
}
