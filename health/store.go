package health

import (
	"context"
	"time"

	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/data"
)

// ManagerStore persists order manager state in the shared cache. Every write expires after ttl.
type ManagerStore struct {
	cache *data.Cache
	ttl   time.Duration
}

func NewManagerStore(cache *data.Cache, ttl time.Duration) *ManagerStore {
	if ttl <= 0 {
		ttl = common.DefaultScoreTTL
	}
	return &ManagerStore{cache: cache, ttl: ttl}
}

// Get decodes the value under key into target and reports whether one was found.
func (m *ManagerStore) Get(ctx context.Context, key string, target interface{}) (bool, error) {
	return m.cache.GetJSON(ctx, key, target)
}

func (m *ManagerStore) Set(ctx context.Context, key string, value interface{}) error {
	return m.cache.SetJSON(ctx, key, value, data.TTL(m.ttl))
}

func (m *ManagerStore) Remove(ctx context.Context, key string) error {
	return m.cache.Delete(ctx, key)
}
