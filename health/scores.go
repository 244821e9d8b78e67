package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/data"
	"github.com/querygate/querygate/resiliency"
	"github.com/querygate/querygate/telemetry"
	"github.com/rs/zerolog"
)

const scoreLockTTL = 5 * time.Second

// IndexerScorer is an in-memory view of indexer reputation, kept by an active order manager.
type IndexerScorer interface {
	GetScore(indexer string) int
}

// ScorerLookup finds the active order manager for a deployment and api key, if any.
type ScorerLookup interface {
	LookupScorer(deploymentId, apikey string) (IndexerScorer, bool)
}

// ScoreStore reads and writes reputation scores in the shared cache. Absent scores read as common.DefaultScore.
type ScoreStore struct {
	logger   *zerolog.Logger
	cache    *data.Cache
	scorers  atomic.Pointer[ScorerLookup]
	executor failsafe.Executor[any]
}

func NewScoreStore(logger *zerolog.Logger, cache *data.Cache, lockRetryDelay time.Duration) (*ScoreStore, error) {
	lg := logger.With().Str("component", "scores").Logger()
	if lockRetryDelay <= 0 {
		lockRetryDelay = 100 * time.Millisecond
	}
	retry, err := resiliency.CreateRetryPolicy("scores", &common.RetryPolicyConfig{
		MaxAttempts:     20,
		Delay:           common.Duration(lockRetryDelay),
		BackoffMaxDelay: common.Duration(10 * lockRetryDelay),
	}, func(_ any, err error) bool {
		return common.HasErrorCode(err, common.ErrCodeLockAlreadyHeld)
	})
	if err != nil {
		return nil, err
	}
	return &ScoreStore{
		logger:   &lg,
		cache:    cache,
		executor: failsafe.NewExecutor[any](retry),
	}, nil
}

// SetScorers wires the order manager registry once it exists.
func (s *ScoreStore) SetScorers(lookup ScorerLookup) {
	s.scorers.Store(&lookup)
}

func ScoreCacheKey(indexer, deploymentId, id string) string {
	return fmt.Sprintf("%s_%s_%s", indexer, deploymentId, id)
}

// GetScore prefers the active order manager's view of the indexer and falls back to the shared cache.
func (s *ScoreStore) GetScore(ctx context.Context, indexer, deploymentId, id, apikey string) int {
	if lookup := s.scorers.Load(); lookup != nil && *lookup != nil {
		if scorer, ok := (*lookup).LookupScorer(deploymentId, apikey); ok {
			return scorer.GetScore(indexer)
		}
	}

	key := ScoreCacheKey(indexer, deploymentId, id)
	score, _, err := s.read(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to read score, using default")
		return common.DefaultScore
	}
	return score
}

// UpdateScore applies a health report to the score under key and reports whether anything was written.
// The read-modify-write runs under a distributed lock so concurrent reports for one key serialize.
// A report that cannot move the stored score returns before taking the lock.
func (s *ScoreStore) UpdateScore(ctx context.Context, key string, healthy bool) (bool, error) {
	if current, found, err := s.read(ctx, key); err == nil && found && NextScore(current, healthy) == current {
		telemetry.MetricScoreUpdateTotal.WithLabelValues(strconv.FormatBool(healthy), "false").Inc()
		return false, nil
	}

	res, err := s.executor.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		return s.cache.Connector().Lock(ctx, "score:"+key, scoreLockTTL)
	})
	if err != nil {
		return false, resiliency.TranslateFailsafeError(err)
	}
	lock := res.(data.DistributedLock)
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to release score lock")
		}
	}()

	current, found, err := s.read(ctx, key)
	if err != nil {
		return false, err
	}
	updated := NextScore(current, healthy)

	healthyLabel := strconv.FormatBool(healthy)
	if found && current == updated {
		telemetry.MetricScoreUpdateTotal.WithLabelValues(healthyLabel, "false").Inc()
		return false, nil
	}
	if err := s.cache.Set(ctx, key, strconv.Itoa(updated), nil); err != nil {
		return false, err
	}
	telemetry.MetricScoreUpdateTotal.WithLabelValues(healthyLabel, "true").Inc()
	s.logger.Debug().Str("key", key).Int("from", current).Int("to", updated).Bool("healthy", healthy).Msg("updated score")
	return true, nil
}

// NextScore saturates: a healthy report lifts any score straight to the ceiling,
// an unhealthy one drops it straight to the floor. Results stay within [0, common.DefaultScore].
func NextScore(current int, healthy bool) int {
	var next int
	if healthy {
		next = max(current+1, common.DefaultScore)
	} else {
		next = min(current-1, 0)
	}
	return max(0, min(next, common.DefaultScore))
}

func (s *ScoreStore) read(ctx context.Context, key string) (int, bool, error) {
	raw, found, err := s.cache.Get(ctx, key)
	if err != nil {
		return common.DefaultScore, false, err
	}
	if !found {
		return common.DefaultScore, false, nil
	}
	score, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		s.logger.Warn().Str("key", key).Str("value", raw).Msg("ignoring malformed score")
		return common.DefaultScore, false, nil
	}
	return score, true, nil
}
