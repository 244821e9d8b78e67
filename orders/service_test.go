package orders

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/health"
	"github.com/querygate/querygate/util"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	util.ConfigureTestLogger()
}

const testDeployment = "QmV6sbiPyTDUjcQNJs2eGcAQp2SMXL2BU6qdv5aKrRr7Hg"

type fakeDirectory struct {
	agreements    []common.ServiceAgreement
	agreementsErr error
	plans         []common.FlexPlan
	plansErr      error
	urls          map[string]string
}

func (d *fakeDirectory) ResolveServiceAgreements(context.Context, string, string, string) ([]common.ServiceAgreement, error) {
	return d.agreements, d.agreementsErr
}

func (d *fakeDirectory) ResolveFlexPlans(context.Context, string, string) ([]common.FlexPlan, error) {
	return d.plans, d.plansErr
}

func (d *fakeDirectory) ResolveIndexerUrl(_ context.Context, indexer string) (string, error) {
	return d.urls[indexer], nil
}

type fakeChains struct {
	cfg       *common.ChainConfig
	refreshes atomic.Int32
}

func (c *fakeChains) ResolveChainConfig(context.Context, string) (*common.ChainConfig, bool) {
	return c.cfg, c.cfg != nil
}

func (c *fakeChains) RefreshBlockHeight(context.Context, string) int64 {
	c.refreshes.Add(1)
	return 1000
}

func (c *fakeChains) LatestBlockHeight(string) int64 { return 1000 }

type fakeMetadata map[string]*common.IndexingMetadata

func (m fakeMetadata) GetMetadata(_ context.Context, _, indexer, _ string, _ int64) (*common.IndexingMetadata, bool) {
	md, ok := m[indexer]
	return md, ok
}

type fakeScores struct {
	mu      sync.Mutex
	scores  map[string]int
	updates map[string]bool
}

func (s *fakeScores) GetScore(_ context.Context, indexer, deploymentId, id, _ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.scores[health.ScoreCacheKey(indexer, deploymentId, id)]; ok {
		return v
	}
	return common.DefaultScore
}

func (s *fakeScores) UpdateScore(_ context.Context, key string, healthy bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == nil {
		s.updates = map[string]bool{}
	}
	s.updates[key] = healthy
	return true, nil
}

func newTestService(t *testing.T, dir *fakeDirectory, chains *fakeChains, md fakeMetadata, scores *fakeScores) *Service {
	t.Helper()
	cfg := &common.Config{Consumer: "0x0000000000000000000000000000000000000c0c", ChainId: 8453, Network: common.NetworkMainnet}
	require.NoError(t, cfg.SetDefaults())
	svc := NewService(&log.Logger, cfg, dir, chains, md, scores)
	t.Cleanup(svc.Close)
	return svc
}

func TestService_GetOrders(t *testing.T) {
	ctx := context.Background()

	dir := &fakeDirectory{
		agreements: []common.ServiceAgreement{
			{Id: "1", DeploymentId: testDeployment, IndexerAddress: "A"},
			{Id: "2", DeploymentId: testDeployment, IndexerAddress: "B"},
			{Id: "3", DeploymentId: testDeployment, IndexerAddress: "unknown"},
		},
		plans: []common.FlexPlan{
			{Channel: "c1", Indexer: "A"},
			{Channel: "c2", Indexer: "B"},
		},
		urls: map[string]string{
			"A": "https://a.example.com",
			"B": "https://b.example.com/base",
		},
	}
	md := fakeMetadata{
		"A": {LastHeight: 990, TargetHeight: 1000},
		"B": {LastHeight: 600, TargetHeight: 1000},
	}

	t.Run("formats and filters both order kinds", func(t *testing.T) {
		chains := &fakeChains{}
		scores := &fakeScores{scores: map[string]int{health.ScoreCacheKey("A", testDeployment, "0xc1"): 40}}
		svc := newTestService(t, dir, chains, md, scores)

		res := svc.GetOrders(ctx, testDeployment, "key", false)
		require.True(t, res.HasOrders())
		assert.Equal(t, testDeployment, res.DeploymentId)
		assert.Equal(t, int64(8453), res.NetworkChainId)
		assert.Equal(t, int32(1), chains.refreshes.Load())

		require.Len(t, res.Agreements, 1)
		assert.Equal(t, "1", res.Agreements[0].Id)
		assert.Equal(t, "https://a.example.com/query/"+testDeployment, res.Agreements[0].Url)
		assert.Nil(t, res.Agreements[0].Score)

		require.Len(t, res.Plans, 1)
		assert.Equal(t, "0xc1", res.Plans[0].Id)
		assert.Equal(t, "https://a.example.com/payg/"+testDeployment, res.Plans[0].Url)
		require.NotNil(t, res.Plans[0].Score)
		assert.Equal(t, 40, *res.Plans[0].Score)
	})

	t.Run("dictionary deployments tolerate wider gaps", func(t *testing.T) {
		svc := newTestService(t, dir, &fakeChains{}, md, &fakeScores{})

		res := svc.GetOrders(ctx, testDeployment, "", true)
		assert.Len(t, res.Agreements, 2)
		assert.Len(t, res.Plans, 2)
		assert.Equal(t, "https://b.example.com/payg/"+testDeployment, res.Plans[1].Url)
	})

	t.Run("configured chain gaps apply", func(t *testing.T) {
		chains := &fakeChains{cfg: &common.ChainConfig{BlockGap: 5, DictionaryBlockGap: 5}}
		svc := newTestService(t, dir, chains, md, &fakeScores{})

		// nobody is within 5 blocks, so the highest indexed orders are served
		res := svc.GetOrders(ctx, testDeployment, "", false)
		require.Len(t, res.Agreements, 2)
		assert.Equal(t, "A", res.Agreements[0].Indexer)
		assert.Equal(t, "B", res.Agreements[1].Indexer)
	})

	t.Run("a failing source degrades to the other", func(t *testing.T) {
		failing := *dir
		failing.agreementsErr = errors.New("network query down")
		failing.agreements = nil
		svc := newTestService(t, &failing, &fakeChains{}, md, &fakeScores{})

		res := svc.GetOrders(ctx, testDeployment, "", false)
		require.True(t, res.HasOrders())
		assert.Empty(t, res.Agreements)
		assert.Len(t, res.Plans, 1)
	})

	t.Run("no orders at all", func(t *testing.T) {
		chains := &fakeChains{}
		svc := newTestService(t, &fakeDirectory{plansErr: errors.New("consumer host down")}, chains, md, &fakeScores{})

		res := svc.GetOrders(ctx, testDeployment, "", false)
		assert.False(t, res.HasOrders())
		assert.Equal(t, "No service agreements and flex plans for "+testDeployment, res.Message)
		assert.Equal(t, int32(0), chains.refreshes.Load())
	})

	t.Run("missing deployment", func(t *testing.T) {
		svc := newTestService(t, dir, &fakeChains{}, md, &fakeScores{})
		res := svc.GetOrders(ctx, "", "", false)
		assert.Equal(t, "No project found for project Id ", res.Message)
	})
}

func TestService_GetOrderDeploymentId(t *testing.T) {
	svc := newTestService(t, &fakeDirectory{}, &fakeChains{}, fakeMetadata{}, &fakeScores{})

	id, err := svc.GetOrderDeploymentId(common.ChainPolkadot, "")
	require.NoError(t, err)
	assert.Equal(t, "QmUGBdhQKnzE8q6x6MPqP6LNZGa8gzXf5gkdmhzWjdFGfL", id)

	id, err = svc.GetOrderDeploymentId(common.ChainPolkadot, testDeployment)
	require.NoError(t, err)
	assert.Equal(t, testDeployment, id)

	id, err = svc.GetOrderDeploymentId(testDeployment, "")
	require.NoError(t, err)
	assert.Equal(t, testDeployment, id)

	_, err = svc.GetOrderDeploymentId("", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No project chain id or deployment id provided")

	_, err = svc.GetOrderDeploymentId("0xdeadbeef", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No deployment found")
}

func TestService_ReportHealth(t *testing.T) {
	ctx := context.Background()
	scores := &fakeScores{}
	svc := newTestService(t, &fakeDirectory{}, &fakeChains{}, fakeMetadata{}, scores)

	require.NoError(t, svc.ReportHealth(ctx, &HealthReport{Indexer: "A", AgreementId: "0xc1", DeploymentId: testDeployment, Healthy: false}))
	healthy, ok := scores.updates[health.ScoreCacheKey("A", testDeployment, "0xc1")]
	require.True(t, ok)
	assert.False(t, healthy)

	err := svc.ReportHealth(ctx, &HealthReport{AgreementId: "0xc1", DeploymentId: testDeployment})
	assert.True(t, common.HasErrorCode(err, common.ErrCodeInvalidRequest))

	err = svc.ReportHealth(ctx, &HealthReport{Indexer: "A", AgreementId: "0xc1", ProjectId: "nope"})
	assert.True(t, common.HasErrorCode(err, common.ErrCodeDeploymentNotResolved))
}
