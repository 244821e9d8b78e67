package data

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/querygate/querygate/common"
	"github.com/rs/zerolog"
)

const MemoryDriverName = "memory"

var _ Connector = (*MemoryConnector)(nil)

// MemoryConnector keeps everything in-process. It serves single-instance deployments and tests.
type MemoryConnector struct {
	id     string
	logger *zerolog.Logger
	cache  *ristretto.Cache[string, string]
	locks  *xsync.Map[string, time.Time]
}

type memoryLock struct {
	connector *MemoryConnector
	key       string
	expiresAt time.Time
}

func NewMemoryConnector(
	ctx context.Context,
	logger *zerolog.Logger,
	id string,
	cfg *common.MemoryConnectorConfig,
) (*MemoryConnector, error) {
	lg := logger.With().Str("connector", id).Logger()
	lg.Debug().Int("maxItems", cfg.MaxItems).Str("maxTotalSize", cfg.MaxTotalSize).Msg("creating memory connector")

	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters:        int64(cfg.MaxItems) * 10,
		MaxCost:            cfg.MaxCost(),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}

	c := &MemoryConnector{
		id:     id,
		logger: &lg,
		cache:  cache,
		locks:  xsync.NewMap[string, time.Time](),
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				cache.Close()
				return
			case <-ticker.C:
				c.cleanupExpired()
			}
		}
	}()

	return c, nil
}

func (m *MemoryConnector) Id() string {
	return m.id
}

func (m *MemoryConnector) Get(_ context.Context, key string) (string, error) {
	value, ok := m.cache.Get(key)
	if !ok {
		return "", common.NewErrRecordNotFound(key, MemoryDriverName)
	}
	return value, nil
}

func (m *MemoryConnector) Set(_ context.Context, key, value string, ttl *time.Duration) error {
	cost := int64(len(value))
	var stored bool
	if ttl != nil && *ttl > 0 {
		stored = m.cache.SetWithTTL(key, value, cost, *ttl)
	} else {
		stored = m.cache.Set(key, value, cost)
	}
	if !stored {
		return fmt.Errorf("memory connector dropped write for key %s", key)
	}
	m.cache.Wait()
	return nil
}

func (m *MemoryConnector) Delete(_ context.Context, key string) error {
	m.cache.Del(key)
	return nil
}

func (m *MemoryConnector) Lock(_ context.Context, key string, ttl time.Duration) (DistributedLock, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	acquired := false
	m.locks.Compute(key, func(held time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && now.Before(held) {
			return held, xsync.CancelOp
		}
		acquired = true
		return expiresAt, xsync.UpdateOp
	})
	if !acquired {
		return nil, common.NewErrLockAlreadyHeld(key)
	}
	return &memoryLock{connector: m, key: key, expiresAt: expiresAt}, nil
}

func (l *memoryLock) Unlock(_ context.Context) error {
	l.connector.locks.Compute(l.key, func(held time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		// a lock that expired and was taken over belongs to someone else now
		if loaded && held.Equal(l.expiresAt) {
			return held, xsync.DeleteOp
		}
		return held, xsync.CancelOp
	})
	return nil
}

func (m *MemoryConnector) cleanupExpired() {
	now := time.Now()
	m.locks.Range(func(key string, expiresAt time.Time) bool {
		if !now.Before(expiresAt) {
			m.locks.Compute(key, func(old time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
				if loaded && !now.Before(old) {
					return old, xsync.DeleteOp
				}
				return old, xsync.CancelOp
			})
		}
		return true
	})
}
