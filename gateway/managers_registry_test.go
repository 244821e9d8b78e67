package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/querygate/querygate/common"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, created *atomic.Int32) (*ManagersRegistry, *fakeClock) {
	t.Helper()
	cfg := &common.DispatchConfig{}
	require.NoError(t, cfg.SetDefaults())
	registry := NewManagersRegistry(&log.Logger, cfg, func(deploymentId, apikey string) *OrderManager {
		created.Add(1)
		return NewOrderManager(&log.Logger, OrderManagerOptions{DeploymentId: deploymentId, Apikey: apikey}, &staticOrders{res: &common.OrdersResult{}}, nil, nil)
	})
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	registry.now = clock.Now
	return registry, clock
}

func TestManagersRegistry_GetOrCreate(t *testing.T) {
	var created atomic.Int32
	registry, _ := newTestRegistry(t, &created)

	a := registry.GetOrCreate(testDeployment, "")
	b := registry.GetOrCreate(testDeployment, "")
	c := registry.GetOrCreate(testDeployment, "key")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, testDeployment+"-key", c.Key())
	assert.Equal(t, int32(2), created.Load())
	assert.Equal(t, 2, registry.Size())
}

func TestManagersRegistry_GetOrCreateConcurrently(t *testing.T) {
	var created atomic.Int32
	registry, _ := newTestRegistry(t, &created)

	var wg sync.WaitGroup
	managers := make([]*OrderManager, 32)
	for i := range managers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			managers[i] = registry.GetOrCreate(testDeployment, "shared")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	for _, m := range managers {
		assert.Same(t, managers[0], m)
	}
}

func TestManagersRegistry_Evict(t *testing.T) {
	var created atomic.Int32
	registry, clock := newTestRegistry(t, &created)

	idle := registry.GetOrCreate(testDeployment, "idle")
	clock.Advance(20 * time.Minute)
	active := registry.GetOrCreate(testDeployment, "active")

	clock.Advance(11 * time.Minute)
	// 31 minutes for the idle one, 11 for the active one
	assert.Equal(t, 1, registry.Evict())
	assert.Equal(t, 1, registry.Size())

	_, err := idle.Dispatch(context.Background(), []byte(`{}`))
	assert.True(t, common.HasErrorCode(err, common.ErrCodeOrderManagerClosed))

	_, ok := registry.LookupScorer(testDeployment, "idle")
	assert.False(t, ok)
	scorer, ok := registry.LookupScorer(testDeployment, "active")
	require.True(t, ok)
	assert.Same(t, active, scorer)

	// a fresh manager replaces the evicted one
	replacement := registry.GetOrCreate(testDeployment, "idle")
	assert.NotSame(t, idle, replacement)
	assert.Equal(t, int32(3), created.Load())
}

func TestManagersRegistry_LookupDoesNotRefresh(t *testing.T) {
	var created atomic.Int32
	registry, clock := newTestRegistry(t, &created)

	registry.GetOrCreate(testDeployment, "")
	for i := 0; i < 4; i++ {
		clock.Advance(10 * time.Minute)
		registry.LookupScorer(testDeployment, "")
	}
	assert.Equal(t, 1, registry.Evict())
}

func TestManagersRegistry_StartAndClose(t *testing.T) {
	var created atomic.Int32
	registry, _ := newTestRegistry(t, &created)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, registry.Start(ctx))
	m := registry.GetOrCreate(testDeployment, "")

	cancel()
	require.Eventually(t, func() bool { return registry.Size() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, err := m.Dispatch(context.Background(), []byte(`{}`))
	assert.True(t, common.HasErrorCode(err, common.ErrCodeOrderManagerClosed))
}

func TestManagersRegistry_InvalidSchedule(t *testing.T) {
	cfg := &common.DispatchConfig{CleanupCron: "every ten minutes"}
	require.NoError(t, cfg.SetDefaults())
	registry := NewManagersRegistry(&log.Logger, cfg, nil)
	err := registry.Start(context.Background())
	assert.True(t, common.HasErrorCode(err, common.ErrCodeInvalidConfig))
}
