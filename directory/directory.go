package directory

import (
	"context"

	"github.com/querygate/querygate/common"
)

// Directory resolves deployments, chains, payment arrangements and indexer endpoints on the network.
// Absent results are reported as empty values, not errors.
type Directory interface {
	ResolveChainId(ctx context.Context, deploymentId string) (string, error)
	ResolveServiceAgreements(ctx context.Context, deploymentId, consumer, indexer string) ([]common.ServiceAgreement, error)
	ResolveFlexPlans(ctx context.Context, deploymentId, apikey string) ([]common.FlexPlan, error)
	ResolveIndexerUrl(ctx context.Context, indexer string) (string, error)
	ResolveDeploymentId(ctx context.Context, projectId string) (string, error)
}

// ChannelProxy forwards state channel operations to the consumer host.
type ChannelProxy interface {
	SignChannel(ctx context.Context, deploymentId, channelId, apikey string) (string, error)
	SyncChannelState(ctx context.Context, channelId, apikey string, state *ChannelStateRequest) (map[string]interface{}, error)
}

type ChannelStateRequest struct {
	Spent        string `json:"spent"`
	IsFinal      bool   `json:"isFinal"`
	IndexerSign  string `json:"indexerSign"`
	ConsumerSign string `json:"consumerSign"`
	Remote       string `json:"remote"`
}
