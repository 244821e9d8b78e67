package common

import "github.com/rs/zerolog"

// IndexingMetadata is an indexer's self-reported sync status for one deployment.
type IndexingMetadata struct {
	IndexerHealthy      bool   `json:"indexerHealthy"`
	SubqueryHealthy     bool   `json:"subqueryHealthy"`
	IndexerNodeVersion  string `json:"indexerNodeVersion"`
	QueryNodeVersion    string `json:"queryNodeVersion"`
	LastProcessedHeight int64  `json:"lastProcessedHeight"`
	LastHeight          int64  `json:"lastHeight"`
	TargetHeight        int64  `json:"targetHeight"`
	LatestBlockHeight   int64  `json:"latestBlockHeight,omitempty"`
}

// DefaultIndexingMetadata is stored in place of a failed fetch so stale data never outlives a failed refresh.
var DefaultIndexingMetadata = IndexingMetadata{}

// EffectiveLastHeight falls back to LastProcessedHeight for indexers that do not report LastHeight.
func (m *IndexingMetadata) EffectiveLastHeight() int64 {
	if m == nil {
		return 0
	}
	if m.LastHeight != 0 {
		return m.LastHeight
	}
	return m.LastProcessedHeight
}

func (m *IndexingMetadata) IsEmpty() bool {
	return m == nil || *m == DefaultIndexingMetadata
}

func (m *IndexingMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("lastHeight", m.EffectiveLastHeight()).
		Int64("targetHeight", m.TargetHeight).
		Bool("indexerHealthy", m.IndexerHealthy).
		Str("queryNodeVersion", m.QueryNodeVersion)
}

type OrderKind string

const (
	OrderKindAgreement OrderKind = "agreement"
	OrderKindPlan      OrderKind = "plan"
)

// Order is one indexer's eligibility to serve a deployment, either through a service agreement or a flex plan.
type Order struct {
	Id       string            `json:"id"`
	Url      string            `json:"url"`
	Indexer  string            `json:"indexer"`
	Metadata *IndexingMetadata `json:"metadata"`
	Score    *int              `json:"score,omitempty"`
	Kind     OrderKind         `json:"-"`
}

type ServiceAgreement struct {
	Id              string `json:"id"`
	DeploymentId    string `json:"deploymentId"`
	IndexerAddress  string `json:"indexerAddress"`
	ConsumerAddress string `json:"consumerAddress"`
	StartTime       string `json:"startTime,omitempty"`
	EndTime         string `json:"endTime,omitempty"`
}

type FlexPlan struct {
	Channel string `json:"channel"`
	Indexer string `json:"indexer"`
}

// OrdersResult is either a ranked set of orders or a descriptive message when nothing could be resolved.
type OrdersResult struct {
	Agreements     []Order `json:"agreements"`
	Plans          []Order `json:"plans"`
	DeploymentId   string  `json:"deploymentId,omitempty"`
	NetworkChainId int64   `json:"networkChainId,omitempty"`
	Message        string  `json:"message,omitempty"`
}

func (r *OrdersResult) HasOrders() bool {
	return r != nil && r.Message == "" && (len(r.Agreements) > 0 || len(r.Plans) > 0)
}

const DefaultScore = 100
