package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/telemetry"
	"github.com/querygate/querygate/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DeploymentResolver maps a project id to its current deployment.
type DeploymentResolver interface {
	ResolveDeploymentId(ctx context.Context, projectId string) (string, error)
}

// ManagerSource hands out the order manager of a (deployment, apikey) pair.
type ManagerSource interface {
	GetOrCreate(deploymentId, apikey string) *OrderManager
}

type Dispatcher struct {
	logger   *zerolog.Logger
	timeout  time.Duration
	resolver DeploymentResolver
	managers ManagerSource
}

func NewDispatcher(logger *zerolog.Logger, cfg *common.DispatchConfig, resolver DeploymentResolver, managers ManagerSource) *Dispatcher {
	lg := logger.With().Str("component", "dispatcher").Logger()
	return &Dispatcher{
		logger:   &lg,
		timeout:  cfg.Timeout.Duration(),
		resolver: resolver,
		managers: managers,
	}
}

// Dispatch sends body to the deployment behind id. Every failure comes back as an ErrGatewayRequest
// carrying "Request failed: <reason>".
func (d *Dispatcher) Dispatch(ctx context.Context, id, apikey string, body []byte) (*QueryResponse, error) {
	start := time.Now()
	resp, err := d.dispatch(ctx, id, apikey, body)

	outcome := "success"
	switch {
	case common.HasErrorCode(err, common.ErrCodeRequestTimeOut):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	telemetry.MetricDispatchTotal.WithLabelValues(outcome).Inc()
	telemetry.MetricDispatchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		d.logger.Error().Err(err).Str("id", id).Msg("proxy request failed")
		return nil, common.NewErrGatewayRequest(common.GatewayCodeRequestFailed, "Request failed: "+common.ErrorSummary(err), err)
	}
	return resp, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, id, apikey string, body []byte) (resp *QueryResponse, err error) {
	deploymentId, err := d.ResolveDeploymentId(ctx, id)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartDeploymentSpan(ctx, "Gateway.Dispatch", deploymentId, attribute.Bool("apikey", apikey != ""))
	defer func() { tracing.EndSpan(span, err) }()

	// the manager sees the deadline and stops its failover once it passes
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type result struct {
		resp *QueryResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		r, ferr := d.forward(ctx, deploymentId, apikey, body)
		done <- result{r, ferr}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, common.NewErrRequestTimeOut(d.timeout)
	}
}

// forward retries once with a fresh manager when the eviction sweep closed the one it was handed.
func (d *Dispatcher) forward(ctx context.Context, deploymentId, apikey string, body []byte) (*QueryResponse, error) {
	resp, err := d.managers.GetOrCreate(deploymentId, apikey).Dispatch(ctx, body)
	if common.HasErrorCode(err, common.ErrCodeOrderManagerClosed) {
		return d.managers.GetOrCreate(deploymentId, apikey).Dispatch(ctx, body)
	}
	return resp, err
}

// ResolveDeploymentId accepts a deployment id as is and resolves project ids (0x prefixed) through the
// network directory. Anything that does not end up as a Qm deployment id is rejected.
func (d *Dispatcher) ResolveDeploymentId(ctx context.Context, id string) (string, error) {
	deploymentId := id
	if strings.HasPrefix(id, "0x") {
		resolved, err := d.resolver.ResolveDeploymentId(ctx, id)
		if err != nil {
			d.logger.Warn().Err(err).Str("projectId", id).Msg("failed to resolve project deployment")
		}
		deploymentId = resolved
	}
	if !strings.HasPrefix(deploymentId, "Qm") {
		return "", common.NewErrInvalidDeploymentId(id)
	}
	return deploymentId, nil
}
