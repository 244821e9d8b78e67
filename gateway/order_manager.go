package gateway

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/failsafe-go/failsafe-go"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/health"
	"github.com/querygate/querygate/resiliency"
	"github.com/querygate/querygate/telemetry"
	"github.com/rs/zerolog"
)

const (
	maxIndexerErrorBody = 512
	orderKindFallback   = common.OrderKind("fallback")

	defaultReportConcurrency = 4
	defaultReportQueueSize   = 1024
)

// OrdersSource produces the selected orders of a deployment.
type OrdersSource interface {
	GetOrders(ctx context.Context, deploymentId, apikey string, dictionary bool) *common.OrdersResult
}

// ScoreReporter records whether an order served a query successfully.
type ScoreReporter interface {
	UpdateScore(ctx context.Context, key string, healthy bool) (bool, error)
}

// QueryResponse is the raw indexer answer relayed back to the client.
type QueryResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Indexer     string
	OrderId     string
}

type OrderManagerOptions struct {
	DeploymentId   string
	Apikey         string
	FallbackUrl    string
	RequestTimeout time.Duration
	Retry          *common.RetryPolicyConfig
	// Reports runs score writes outside the request path. A manager without one gets its own small pool.
	Reports pond.Pool
}

// OrderManager dispatches queries for one (deployment, apikey) pair across its orders and keeps a
// running view of how each indexer behaved.
type OrderManager struct {
	logger   *zerolog.Logger
	key      string
	opts     OrderManagerOptions
	orders   OrdersSource
	reporter ScoreReporter
	store    *health.ManagerStore
	client   *http.Client

	loadOnce sync.Once
	scores   *xsync.Map[string, int]
	latency  *health.LatencyTracker
	closed   atomic.Bool

	reports       pond.Pool
	pending       sync.WaitGroup
	persistQueued atomic.Bool
}

func OrderManagerKey(deploymentId, apikey string) string {
	if apikey == "" {
		return deploymentId
	}
	return deploymentId + "-" + apikey
}

func managerScoresKey(key string) string {
	return "order_manager_scores:" + key
}

func NewOrderManager(
	logger *zerolog.Logger,
	opts OrderManagerOptions,
	orders OrdersSource,
	reporter ScoreReporter,
	store *health.ManagerStore,
) *OrderManager {
	key := OrderManagerKey(opts.DeploymentId, opts.Apikey)
	lg := logger.With().Str("component", "orderManager").Str("deploymentId", opts.DeploymentId).Logger()
	if opts.Retry == nil {
		opts.Retry = &common.RetryPolicyConfig{MaxAttempts: 3}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 20 * time.Second
	}
	reports := opts.Reports
	if reports == nil {
		reports = pond.NewPool(defaultReportConcurrency, pond.WithQueueSize(defaultReportQueueSize))
	}
	return &OrderManager{
		logger:   &lg,
		key:      key,
		opts:     opts,
		orders:   orders,
		reporter: reporter,
		store:    store,
		client:   &http.Client{},
		scores:   xsync.NewMap[string, int](),
		latency:  health.NewLatencyTracker(),
		reports:  reports,
	}
}

func (m *OrderManager) Key() string {
	return m.key
}

// Dispatch posts body to the best ranked orders in turn until one answers, then to the fallback
// service when every order failed or none exist.
func (m *OrderManager) Dispatch(ctx context.Context, body []byte) (*QueryResponse, error) {
	if m.closed.Load() {
		return nil, common.NewErrOrderManagerClosed(m.key)
	}
	m.loadOnce.Do(func() { m.loadScores(ctx) })

	res := m.orders.GetOrders(ctx, m.opts.DeploymentId, m.opts.Apikey, false)
	candidates := RankOrders(res, m.latency.P90)
	if len(candidates) == 0 {
		if m.opts.FallbackUrl != "" {
			m.logger.Warn().Str("reason", res.Message).Msg("no orders available, forwarding to fallback service")
			return m.send(ctx, common.Order{Indexer: "fallback", Url: m.opts.FallbackUrl, Kind: orderKindFallback}, body)
		}
		return nil, common.NewErrNoOrdersAvailable(m.opts.DeploymentId, res.Message)
	}

	retry := *m.opts.Retry
	retry.MaxAttempts = min(max(retry.MaxAttempts, 1), len(candidates))
	policy, err := resiliency.CreateRetryPolicy("orderManager", &retry, shouldFailover)
	if err != nil {
		return nil, err
	}
	executor := failsafe.NewExecutor[any](policy, resiliency.CreateTimeoutPolicy(m.opts.RequestTimeout))

	result, execErr := executor.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		order := candidates[(exec.Attempts()-1)%len(candidates)]
		if exec.Attempts() > 1 {
			m.logger.Debug().Str("indexer", order.Indexer).Int("attempt", exec.Attempts()).Msg("failing over to next order")
		}
		start := time.Now()
		resp, err := m.send(exec.Context(), order, body)
		if err == nil {
			m.latency.Observe(order.Indexer, time.Since(start))
		}
		m.report(ctx, order, err == nil)
		return resp, err
	})
	if execErr == nil {
		return result.(*QueryResponse), nil
	}

	err = resiliency.TranslateFailsafeError(execErr)
	if m.opts.FallbackUrl != "" && ctx.Err() == nil {
		m.logger.Warn().Err(err).Msg("all orders failed, forwarding to fallback service")
		return m.send(ctx, common.Order{Indexer: "fallback", Url: m.opts.FallbackUrl, Kind: orderKindFallback}, body)
	}
	return nil, err
}

func shouldFailover(_ any, err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

func (m *OrderManager) send(ctx context.Context, order common.Order, body []byte) (*QueryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, order.Url, bytes.NewReader(body))
	if err != nil {
		return nil, common.NewErrIndexerRequest(order.Indexer, order.Url, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		telemetry.MetricIndexerRequestTotal.WithLabelValues(string(order.Kind), "error").Inc()
		return nil, common.NewErrIndexerRequest(order.Indexer, order.Url, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		telemetry.MetricIndexerRequestTotal.WithLabelValues(string(order.Kind), "error").Inc()
		return nil, common.NewErrIndexerRequest(order.Indexer, order.Url, resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		telemetry.MetricIndexerRequestTotal.WithLabelValues(string(order.Kind), "error").Inc()
		if len(raw) > maxIndexerErrorBody {
			raw = raw[:maxIndexerErrorBody]
		}
		return nil, common.NewErrIndexerRequest(order.Indexer, order.Url, resp.StatusCode, errors.New(string(raw)))
	}

	telemetry.MetricIndexerRequestTotal.WithLabelValues(string(order.Kind), "success").Inc()
	return &QueryResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        raw,
		Indexer:     order.Indexer,
		OrderId:     order.Id,
	}, nil
}

// report updates the in-memory view right away and hands the shared store writes to the report pool,
// detached from ctx so a finished or timed out dispatch does not lose the outcome.
func (m *OrderManager) report(ctx context.Context, order common.Order, healthy bool) {
	ctx = context.WithoutCancel(ctx)

	m.scores.Compute(order.Indexer, func(old int, loaded bool) (int, xsync.ComputeOp) {
		if !loaded {
			old = common.DefaultScore
		}
		return health.NextScore(old, healthy), xsync.UpdateOp
	})

	if m.reporter != nil && order.Id != "" {
		key := health.ScoreCacheKey(order.Indexer, m.opts.DeploymentId, order.Id)
		m.submit(func() {
			if _, err := m.reporter.UpdateScore(ctx, key, healthy); err != nil {
				m.logger.Warn().Err(err).Str("key", key).Msg("failed to record order health")
			}
		})
	}

	// one queued snapshot covers every report that lands before it runs
	if m.store != nil && m.persistQueued.CompareAndSwap(false, true) {
		m.submit(func() {
			m.persistQueued.Store(false)
			m.persistScores(ctx)
		})
	}
}

func (m *OrderManager) submit(task func()) {
	m.pending.Add(1)
	m.reports.Submit(func() {
		defer m.pending.Done()
		task()
	})
}

// flushReports blocks until every submitted score write finished.
func (m *OrderManager) flushReports() {
	m.pending.Wait()
}

// GetScore is the manager's current view of indexer, common.DefaultScore until it served a query.
func (m *OrderManager) GetScore(indexer string) int {
	if v, ok := m.scores.Load(indexer); ok {
		return v
	}
	return common.DefaultScore
}

func (m *OrderManager) loadScores(ctx context.Context) {
	if m.store == nil {
		return
	}
	var snapshot map[string]int
	found, err := m.store.Get(ctx, managerScoresKey(m.key), &snapshot)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to load persisted indexer scores")
		return
	}
	if !found {
		return
	}
	for indexer, score := range snapshot {
		m.scores.LoadOrStore(indexer, score)
	}
}

func (m *OrderManager) persistScores(ctx context.Context) {
	if m.store == nil {
		return
	}
	snapshot := make(map[string]int, m.scores.Size())
	m.scores.Range(func(indexer string, score int) bool {
		snapshot[indexer] = score
		return true
	})
	if err := m.store.Set(ctx, managerScoresKey(m.key), snapshot); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist indexer scores")
	}
}

// Latency is the 90th percentile response time of indexer as seen by this manager.
func (m *OrderManager) Latency(indexer string) (time.Duration, bool) {
	return m.latency.P90(indexer)
}

// Cleanup drops the in-memory state. Dispatches after cleanup fail with ErrOrderManagerClosed.
func (m *OrderManager) Cleanup() {
	if m.closed.Swap(true) {
		return
	}
	m.scores.Clear()
	m.latency.Reset()
	m.logger.Info().Str("key", m.key).Msg("order manager cleaned up")
}

// LatencyLookup reports the observed response time of an indexer, false when it has none.
type LatencyLookup func(indexer string) (time.Duration, bool)

// RankOrders lists plans by descending score, then agreements in their selection order. Plans with equal
// scores go faster indexer first; an indexer without observations counts as the fastest so it gets tried.
func RankOrders(res *common.OrdersResult, latency LatencyLookup) []common.Order {
	if res == nil {
		return nil
	}
	ranked := make([]common.Order, 0, len(res.Plans)+len(res.Agreements))
	ranked = append(ranked, res.Plans...)
	slices.SortStableFunc(ranked, func(a, b common.Order) int {
		if diff := scoreOf(b) - scoreOf(a); diff != 0 || latency == nil {
			return diff
		}
		return cmp.Compare(latencyOf(latency, a.Indexer), latencyOf(latency, b.Indexer))
	})
	return append(ranked, res.Agreements...)
}

func latencyOf(latency LatencyLookup, indexer string) time.Duration {
	if d, ok := latency(indexer); ok {
		return d
	}
	return 0
}

func scoreOf(o common.Order) int {
	if o.Score == nil {
		return common.DefaultScore
	}
	return *o.Score
}
