package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/health"
	"github.com/querygate/querygate/telemetry"
	"github.com/querygate/querygate/util"
	"github.com/rs/zerolog"
)

// ManagerFactory builds the order manager of a (deployment, apikey) pair. It must not block.
type ManagerFactory func(deploymentId, apikey string) *OrderManager

type managerHandle struct {
	manager  *OrderManager
	lastUsed atomic.Int64
}

func (h *managerHandle) touch(now time.Time) {
	h.lastUsed.Store(now.UnixNano())
}

func (h *managerHandle) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, h.lastUsed.Load()))
}

// ManagersRegistry lazily creates one order manager per (deployment, apikey) and evicts the ones
// that stayed idle longer than the configured threshold.
type ManagersRegistry struct {
	logger      *zerolog.Logger
	idleTimeout time.Duration
	cleanupCron string
	factory     ManagerFactory
	managers    *xsync.Map[string, *managerHandle]
	now         func() time.Time
}

var _ health.ScorerLookup = (*ManagersRegistry)(nil)

func NewManagersRegistry(logger *zerolog.Logger, cfg *common.DispatchConfig, factory ManagerFactory) *ManagersRegistry {
	lg := logger.With().Str("component", "managersRegistry").Logger()
	return &ManagersRegistry{
		logger:      &lg,
		idleTimeout: cfg.IdleTimeout.Duration(),
		cleanupCron: cfg.CleanupCron,
		factory:     factory,
		managers:    xsync.NewMap[string, *managerHandle](),
		now:         time.Now,
	}
}

// Start schedules the eviction sweep until ctx is done, then cleans up every remaining manager.
func (r *ManagersRegistry) Start(ctx context.Context) error {
	scheduler := util.NewScheduler(r.logger)
	if _, err := scheduler.AddFunc(r.cleanupCron, func() { r.Evict() }); err != nil {
		return common.NewErrInvalidConfig("invalid order manager cleanup schedule: " + err.Error())
	}
	scheduler.Start()

	go func() {
		<-ctx.Done()
		<-scheduler.Stop().Done()
		r.Close()
	}()
	return nil
}

func (r *ManagersRegistry) GetOrCreate(deploymentId, apikey string) *OrderManager {
	key := OrderManagerKey(deploymentId, apikey)
	now := r.now()

	h, ok := r.managers.Load(key)
	if !ok {
		created := false
		h, _ = r.managers.Compute(key, func(old *managerHandle, loaded bool) (*managerHandle, xsync.ComputeOp) {
			if loaded {
				return old, xsync.CancelOp
			}
			created = true
			nh := &managerHandle{manager: r.factory(deploymentId, apikey)}
			nh.touch(now)
			return nh, xsync.UpdateOp
		})
		if created {
			r.logger.Info().Str("key", key).Msg("order manager added to registry")
			telemetry.MetricOrderManagersActive.Set(float64(r.managers.Size()))
		}
	}
	h.touch(now)
	return h.manager
}

// LookupScorer returns the active manager without refreshing its idle timer.
func (r *ManagersRegistry) LookupScorer(deploymentId, apikey string) (health.IndexerScorer, bool) {
	h, ok := r.managers.Load(OrderManagerKey(deploymentId, apikey))
	if !ok {
		return nil, false
	}
	return h.manager, true
}

// Evict removes every manager idle for longer than the idle timeout and returns how many were removed.
func (r *ManagersRegistry) Evict() int {
	now := r.now()
	var idle []string
	r.managers.Range(func(key string, h *managerHandle) bool {
		if h.idleSince(now) > r.idleTimeout {
			idle = append(idle, key)
		}
		return true
	})

	evicted := 0
	for _, key := range idle {
		var removed *managerHandle
		r.managers.Compute(key, func(h *managerHandle, loaded bool) (*managerHandle, xsync.ComputeOp) {
			// a request may have touched it since the scan
			if !loaded || h.idleSince(now) <= r.idleTimeout {
				return h, xsync.CancelOp
			}
			removed = h
			return nil, xsync.DeleteOp
		})
		if removed == nil {
			continue
		}
		removed.manager.Cleanup()
		evicted++
		r.logger.Info().Str("key", key).Msg("order manager removed from registry")
	}

	telemetry.MetricOrderManagersActive.Set(float64(r.managers.Size()))
	return evicted
}

func (r *ManagersRegistry) Size() int {
	return r.managers.Size()
}

func (r *ManagersRegistry) Close() {
	r.managers.Range(func(key string, h *managerHandle) bool {
		h.manager.Cleanup()
		r.managers.Delete(key)
		return true
	})
	telemetry.MetricOrderManagersActive.Set(0)
}
