package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/querygate/querygate/common"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	deployments map[string]string
	err         error
}

func (f *fakeResolver) ResolveDeploymentId(_ context.Context, projectId string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.deployments[projectId], nil
}

// blockingOrders never answers until released.
type blockingOrders struct {
	release chan struct{}
}

func (b *blockingOrders) GetOrders(context.Context, string, string, bool) *common.OrdersResult {
	<-b.release
	return &common.OrdersResult{}
}

type sequenceSource struct {
	managers []*OrderManager
	calls    int
}

func (s *sequenceSource) GetOrCreate(string, string) *OrderManager {
	m := s.managers[s.calls%len(s.managers)]
	s.calls++
	return m
}

func newTestDispatcher(t *testing.T, timeout time.Duration, resolver DeploymentResolver, managers ManagerSource) *Dispatcher {
	t.Helper()
	cfg := &common.DispatchConfig{Timeout: common.Duration(timeout)}
	require.NoError(t, cfg.SetDefaults())
	return NewDispatcher(&log.Logger, cfg, resolver, managers)
}

func TestDispatcher_ResolveDeploymentId(t *testing.T) {
	ctx := context.Background()
	resolver := &fakeResolver{deployments: map[string]string{
		"0x01": testDeployment,
		"0x02": "not-a-deployment",
	}}
	d := newTestDispatcher(t, 0, resolver, nil)

	id, err := d.ResolveDeploymentId(ctx, testDeployment)
	require.NoError(t, err)
	assert.Equal(t, testDeployment, id)

	id, err = d.ResolveDeploymentId(ctx, "0x01")
	require.NoError(t, err)
	assert.Equal(t, testDeployment, id)

	for _, bad := range []string{"0x02", "0x03", "hello", ""} {
		_, err := d.ResolveDeploymentId(ctx, bad)
		assert.True(t, common.HasErrorCode(err, common.ErrCodeInvalidDeploymentId), bad)
		assert.Contains(t, err.Error(), "Invalid deploymentId [ "+bad+" ]")
	}

	d = newTestDispatcher(t, 0, &fakeResolver{err: errors.New("directory unreachable")}, nil)
	_, err = d.ResolveDeploymentId(ctx, "0x01")
	assert.True(t, common.HasErrorCode(err, common.ErrCodeInvalidDeploymentId))
}

func TestDispatcher_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("forwards to the resolved deployment", func(t *testing.T) {
		defer gock.Off()
		gock.New(indexerA).Post("/payg/" + testDeployment).Reply(200).BodyString(`{"data":{"ok":true}}`)

		m := newTestManager(&staticOrders{res: &common.OrdersResult{Plans: []common.Order{plan("0x1", "A", indexerA, 100)}}}, nil, nil, "")
		d := newTestDispatcher(t, 0, &fakeResolver{deployments: map[string]string{"0xabc": testDeployment}}, &sequenceSource{managers: []*OrderManager{m}})

		resp, err := d.Dispatch(ctx, "0xabc", "key", []byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, `{"data":{"ok":true}}`, string(resp.Body))
		assert.True(t, gock.IsDone())
	})

	t.Run("wraps failures as request failed", func(t *testing.T) {
		d := newTestDispatcher(t, 0, &fakeResolver{}, &sequenceSource{})

		_, err := d.Dispatch(ctx, "invalid", "", []byte(`{}`))
		require.Error(t, err)

		var gwErr *common.ErrGatewayRequest
		require.True(t, errors.As(err, &gwErr))
		assert.Equal(t, common.GatewayCodeRequestFailed, gwErr.WireCode())
		assert.Equal(t, 500, gwErr.ErrorStatusCode())
		body := gwErr.ErrorResponseBody().(common.GatewayErrorBody)
		assert.Equal(t, "Request failed: ErrInvalidDeploymentId: Invalid deploymentId [ invalid ]", body.Error)
		assert.True(t, common.HasErrorCode(err, common.ErrCodeInvalidDeploymentId))
	})

	t.Run("times out when the manager does not answer", func(t *testing.T) {
		orders := &blockingOrders{release: make(chan struct{})}
		defer close(orders.release)

		m := newTestManager(orders, nil, nil, "")
		d := newTestDispatcher(t, 50*time.Millisecond, &fakeResolver{}, &sequenceSource{managers: []*OrderManager{m}})

		start := time.Now()
		_, err := d.Dispatch(ctx, testDeployment, "", []byte(`{}`))
		assert.Less(t, time.Since(start), time.Second)
		assert.True(t, common.HasErrorCode(err, common.ErrCodeRequestTimeOut))
		assert.Contains(t, common.ErrorSummary(err), "Request failed: ErrRequestTimeOut: Timeout")
	})

	t.Run("retries with a fresh manager after eviction", func(t *testing.T) {
		defer gock.Off()
		gock.New(indexerA).Post("/payg/" + testDeployment).Reply(200).BodyString(`{"data":{}}`)

		res := &common.OrdersResult{Plans: []common.Order{plan("0x1", "A", indexerA, 100)}}
		evicted := newTestManager(&staticOrders{res: res}, nil, nil, "")
		evicted.Cleanup()
		fresh := newTestManager(&staticOrders{res: res}, nil, nil, "")
		source := &sequenceSource{managers: []*OrderManager{evicted, fresh}}
		d := newTestDispatcher(t, 0, &fakeResolver{}, source)

		resp, err := d.Dispatch(ctx, testDeployment, "", []byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, `{"data":{}}`, string(resp.Body))
		assert.Equal(t, 2, source.calls)
	})
}
