package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/health"
	"github.com/querygate/querygate/telemetry"
	"github.com/querygate/querygate/tracing"
	"github.com/querygate/querygate/util"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Directory is the part of the network directory the order service reads.
type Directory interface {
	ResolveServiceAgreements(ctx context.Context, deploymentId, consumer, indexer string) ([]common.ServiceAgreement, error)
	ResolveFlexPlans(ctx context.Context, deploymentId, apikey string) ([]common.FlexPlan, error)
	ResolveIndexerUrl(ctx context.Context, indexer string) (string, error)
}

type ChainSource interface {
	ResolveChainConfig(ctx context.Context, deploymentId string) (*common.ChainConfig, bool)
	RefreshBlockHeight(ctx context.Context, deploymentId string) int64
	LatestBlockHeight(deploymentId string) int64
}

type MetadataSource interface {
	GetMetadata(ctx context.Context, deploymentId, indexer, indexerUrl string, latestHeight int64) (*common.IndexingMetadata, bool)
}

type ScoreSource interface {
	GetScore(ctx context.Context, indexer, deploymentId, id, apikey string) int
	UpdateScore(ctx context.Context, key string, healthy bool) (bool, error)
}

// HealthReport is an external signal about how an indexer served one order.
type HealthReport struct {
	Indexer      string `json:"indexer"`
	AgreementId  string `json:"agreementId"`
	ProjectId    string `json:"projectId,omitempty"`
	DeploymentId string `json:"deploymentId,omitempty"`
	Healthy      bool   `json:"healthy"`
}

// Service assembles ranked orders for deployments.
type Service struct {
	logger    *zerolog.Logger
	cfg       *common.Config
	directory Directory
	chains    ChainSource
	metadata  MetadataSource
	scores    ScoreSource
	pool      pond.Pool
}

func NewService(
	logger *zerolog.Logger,
	cfg *common.Config,
	directory Directory,
	chains ChainSource,
	metadata MetadataSource,
	scores ScoreSource,
) *Service {
	lg := logger.With().Str("component", "orders").Logger()
	concurrency := 64
	if cfg.Indexers != nil && cfg.Indexers.RefreshConcurrency > 0 {
		concurrency = cfg.Indexers.RefreshConcurrency * 4
	}
	return &Service{
		logger:    &lg,
		cfg:       cfg,
		directory: directory,
		chains:    chains,
		metadata:  metadata,
		scores:    scores,
		pool:      pond.NewPool(concurrency),
	}
}

func (s *Service) Close() {
	s.pool.StopAndWait()
}

// GetOrders never fails: resolution problems come back as a result carrying only a message.
func (s *Service) GetOrders(ctx context.Context, deploymentId, apikey string, dictionary bool) *common.OrdersResult {
	ctx, span := tracing.StartDeploymentSpan(ctx, "Orders.GetOrders", deploymentId, attribute.Bool("dictionary", dictionary))
	defer span.End()

	lg := s.logger.With().Str("deploymentId", deploymentId).Logger()

	if deploymentId == "" || s.cfg.Consumer == "" {
		return &common.OrdersResult{Message: fmt.Sprintf("No project found for project Id %s", deploymentId)}
	}

	var agreements []common.ServiceAgreement
	var plans []common.FlexPlan
	group := s.pool.NewGroupContext(ctx)
	group.Submit(func() {
		sas, err := s.directory.ResolveServiceAgreements(ctx, deploymentId, s.cfg.Consumer, "")
		if err != nil {
			lg.Warn().Err(err).Msg("failed to get service agreements")
			return
		}
		agreements = sas
	}, func() {
		fps, err := s.directory.ResolveFlexPlans(ctx, deploymentId, apikey)
		if err != nil {
			lg.Warn().Err(err).Msg("failed to get flex plans")
			return
		}
		plans = fps
	})
	s.wait(group)

	if len(agreements) == 0 && len(plans) == 0 {
		return &common.OrdersResult{Message: fmt.Sprintf("No service agreements and flex plans for %s", deploymentId)}
	}

	s.chains.RefreshBlockHeight(ctx, deploymentId)

	lg.Info().Int("count", len(agreements)).Msg("found service agreements")
	agreementOrders := s.formatAgreements(ctx, deploymentId, agreements, dictionary)
	lg.Info().Int("count", len(agreementOrders)).Msg("available service agreements after filtering")

	lg.Info().Int("count", len(plans)).Msg("found flex plans")
	planOrders := s.formatPlans(ctx, deploymentId, plans, dictionary, apikey)
	lg.Info().Int("count", len(planOrders)).Msg("available flex plans after filtering")

	return &common.OrdersResult{
		Agreements:     agreementOrders,
		Plans:          planOrders,
		DeploymentId:   deploymentId,
		NetworkChainId: s.cfg.ChainId,
	}
}

// SelectOrders applies the deployment's freshness tolerance, or the default gaps when its chain is unknown.
func (s *Service) SelectOrders(ctx context.Context, deploymentId string, candidates []*common.Order, dictionary bool, kind common.OrderKind) []common.Order {
	cc, _ := s.chains.ResolveChainConfig(ctx, deploymentId)
	gap := cc.Gap(dictionary)

	selected, fallback := FilterFresh(candidates, gap)
	switch {
	case fallback:
		s.logger.Warn().Str("deploymentId", deploymentId).Str("kind", string(kind)).Int64("blockGap", gap).
			Msg("no order within block gap, serving the highest indexed orders instead")
		telemetry.MetricOrderSelectionTotal.WithLabelValues(string(kind), "fallback").Inc()
	case len(selected) == 0:
		telemetry.MetricOrderSelectionTotal.WithLabelValues(string(kind), "empty").Inc()
	default:
		telemetry.MetricOrderSelectionTotal.WithLabelValues(string(kind), "primary").Inc()
	}
	return selected
}

func (s *Service) formatAgreements(ctx context.Context, deploymentId string, agreements []common.ServiceAgreement, dictionary bool) []common.Order {
	if len(agreements) == 0 {
		return []common.Order{}
	}
	latest := s.chains.LatestBlockHeight(deploymentId)
	candidates := make([]*common.Order, len(agreements))
	group := s.pool.NewGroupContext(ctx)
	for i, sa := range agreements {
		group.Submit(func() {
			dep := util.FirstNonEmpty(sa.DeploymentId, deploymentId)
			candidates[i] = s.resolveOrder(ctx, dep, sa.IndexerAddress, sa.Id, "/query/", latest, common.OrderKindAgreement)
		})
	}
	s.wait(group)
	return s.SelectOrders(ctx, deploymentId, candidates, dictionary, common.OrderKindAgreement)
}

func (s *Service) formatPlans(ctx context.Context, deploymentId string, plans []common.FlexPlan, dictionary bool, apikey string) []common.Order {
	if len(plans) == 0 {
		return []common.Order{}
	}
	latest := s.chains.LatestBlockHeight(deploymentId)
	candidates := make([]*common.Order, len(plans))
	group := s.pool.NewGroupContext(ctx)
	for i, plan := range plans {
		group.Submit(func() {
			id := "0x" + strings.TrimPrefix(plan.Channel, "0x")
			o := s.resolveOrder(ctx, deploymentId, plan.Indexer, id, "/payg/", latest, common.OrderKindPlan)
			if o == nil {
				return
			}
			score := s.scores.GetScore(ctx, plan.Indexer, deploymentId, id, apikey)
			o.Score = &score
			candidates[i] = o
		})
	}
	s.wait(group)
	return s.SelectOrders(ctx, deploymentId, candidates, dictionary, common.OrderKindPlan)
}

// resolveOrder returns nil when the indexer has no known url or no usable metadata.
func (s *Service) resolveOrder(ctx context.Context, deploymentId, indexer, id, route string, latest int64, kind common.OrderKind) *common.Order {
	lg := s.logger.With().Str("deploymentId", deploymentId).Str("indexer", indexer).Logger()

	indexerUrl, err := s.directory.ResolveIndexerUrl(ctx, indexer)
	if err != nil {
		lg.Warn().Err(err).Msg("failed to resolve indexer url")
		return nil
	}
	if indexerUrl == "" {
		return nil
	}

	md, ok := s.metadata.GetMetadata(ctx, deploymentId, indexer, indexerUrl, latest)
	if !ok {
		lg.Warn().Msg("indexer metadata not found")
		return nil
	}

	url, err := util.ResolveUrl(indexerUrl, route+deploymentId)
	if err != nil {
		lg.Warn().Err(err).Str("indexerUrl", indexerUrl).Msg("invalid indexer url")
		return nil
	}
	lg.Debug().Str("order", id).Object("metadata", md).Msg("resolved order")
	return &common.Order{Id: id, Url: url, Indexer: indexer, Metadata: md, Kind: kind}
}

func (s *Service) wait(group pond.TaskGroup) {
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Error().Err(err).Msg("order resolution task failed")
	}
}

// GetOrderDeploymentId prefers an explicit deployment id, then maps the project id through the
// dictionary table, then accepts the project id itself when it is a deployment CID.
func (s *Service) GetOrderDeploymentId(projectId, projectCID string) (string, error) {
	projectId, projectCID = strings.TrimSpace(projectId), strings.TrimSpace(projectCID)
	if projectId == "" && projectCID == "" {
		return "", common.NewErrDeploymentNotResolved("No project chain id or deployment id provided")
	}
	if projectCID != "" {
		return projectCID, nil
	}
	if id, ok := s.cfg.DictionaryFor(projectId); ok {
		return id, nil
	}
	if common.IsCID(projectId) {
		return projectId, nil
	}
	return "", common.NewErrDeploymentNotResolved("No deployment found")
}

// UpdateOrderScore applies a health report to the score under key.
func (s *Service) UpdateOrderScore(ctx context.Context, key string, healthy bool) error {
	_, err := s.scores.UpdateScore(ctx, key, healthy)
	return err
}

func (s *Service) ReportHealth(ctx context.Context, report *HealthReport) error {
	if report == nil || report.Indexer == "" || report.AgreementId == "" {
		return common.NewErrInvalidRequest("indexer and agreementId are required")
	}
	deploymentId, err := s.GetOrderDeploymentId(report.ProjectId, report.DeploymentId)
	if err != nil {
		return err
	}
	key := health.ScoreCacheKey(report.Indexer, deploymentId, report.AgreementId)
	s.logger.Info().Str("key", key).Bool("healthy", report.Healthy).Msg("received indexer health report")
	return s.UpdateOrderScore(ctx, key, report.Healthy)
}
