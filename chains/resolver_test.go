package chains

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/h2non/gock"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/data"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDeployment = "QmV6sbiPyTDUjcQNJs2eGcAQp2SMXL2BU6qdv5aKrRr7Hg"

type fakeChainSource struct {
	chainId string
	err     error
	calls   atomic.Int32
}

func (f *fakeChainSource) ResolveChainId(_ context.Context, _ string) (string, error) {
	f.calls.Add(1)
	return f.chainId, f.err
}

func newTestResolver(t *testing.T, cfg *common.Config, source ChainIdSource) (*Resolver, *data.Cache) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	memCfg := &common.MemoryConnectorConfig{}
	require.NoError(t, memCfg.SetDefaults())
	conn, err := data.NewMemoryConnector(ctx, &logger, "test", memCfg)
	require.NoError(t, err)
	cache := data.NewCache(&logger, conn, 0)
	return NewResolver(&logger, cfg, source, cache), cache
}

func TestResolver_ResolveChainConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("known chain resolves once and is cached without expiry", func(t *testing.T) {
		source := &fakeChainSource{chainId: common.ChainPolkadot}
		r, cache := newTestResolver(t, &common.Config{}, source)

		for i := 0; i < 3; i++ {
			cc, ok := r.ResolveChainConfig(ctx, testDeployment)
			require.True(t, ok)
			expected, _ := common.LookupChainConfig(common.ChainPolkadot)
			assert.Equal(t, expected, cc)
		}
		assert.Equal(t, int32(1), source.calls.Load())

		raw, found, err := cache.Get(ctx, "chainId:"+testDeployment)
		require.NoError(t, err)
		require.True(t, found)
		assert.JSONEq(t, `{"chainId":"`+common.ChainPolkadot+`"}`, raw)
	})

	t.Run("unknown chain is absent and callers fall back to default gaps", func(t *testing.T) {
		r, _ := newTestResolver(t, &common.Config{}, &fakeChainSource{chainId: "not-a-known-chain"})
		cc, ok := r.ResolveChainConfig(ctx, testDeployment)
		assert.False(t, ok)
		assert.Nil(t, cc)
		assert.Equal(t, int64(common.DefaultBlockGap), cc.Gap(false))
		assert.Equal(t, int64(common.DefaultDictionaryBlockGap), cc.Gap(true))
	})

	t.Run("resolution failure is absent", func(t *testing.T) {
		r, _ := newTestResolver(t, &common.Config{}, &fakeChainSource{err: errors.New("ipfs down")})
		_, ok := r.ResolveChainConfig(ctx, testDeployment)
		assert.False(t, ok)
	})

	t.Run("configured overrides win over the built-in table", func(t *testing.T) {
		cfg := &common.Config{Chains: map[string]common.ChainConfig{
			"custom": {Rpc: "http://rpc.localhost", Method: common.MethodEvmBlockNumber, BlockGap: 7, DictionaryBlockGap: 9},
		}}
		r, _ := newTestResolver(t, cfg, &fakeChainSource{chainId: "custom"})
		cc, ok := r.ResolveChainConfig(ctx, testDeployment)
		require.True(t, ok)
		assert.Equal(t, int64(7), cc.Gap(false))
		assert.Equal(t, int64(9), cc.Gap(true))
	})
}

func TestResolver_RefreshBlockHeight(t *testing.T) {
	ctx := context.Background()
	cfg := &common.Config{Chains: map[string]common.ChainConfig{
		"evm":       {Rpc: "http://evm.localhost", Method: common.MethodEvmBlockNumber},
		"substrate": {Rpc: "http://substrate.localhost", Method: common.MethodSubstrateHeader},
	}}

	t.Run("hex string result", func(t *testing.T) {
		defer gock.Off()
		gock.New("http://evm.localhost").
			Post("/").
			MatchType("json").
			JSON(map[string]interface{}{"method": common.MethodEvmBlockNumber, "params": []interface{}{}, "jsonrpc": "2.0", "id": 1}).
			Reply(200).
			JSON(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": "0x10"})

		r, _ := newTestResolver(t, cfg, &fakeChainSource{chainId: "evm"})
		assert.Equal(t, int64(0), r.LatestBlockHeight(testDeployment))
		assert.Equal(t, int64(16), r.RefreshBlockHeight(ctx, testDeployment))
		assert.Equal(t, int64(16), r.LatestBlockHeight(testDeployment))
	})

	t.Run("header object result", func(t *testing.T) {
		defer gock.Off()
		gock.New("http://substrate.localhost").
			Post("/").
			Reply(200).
			JSON(map[string]interface{}{"result": map[string]interface{}{"number": "0x1a2b", "parentHash": "0x00"}})

		r, _ := newTestResolver(t, cfg, &fakeChainSource{chainId: "substrate"})
		assert.Equal(t, int64(0x1a2b), r.RefreshBlockHeight(ctx, testDeployment))
	})

	t.Run("failures are reported as zero", func(t *testing.T) {
		defer gock.Off()
		gock.New("http://evm.localhost").Post("/").Reply(502)

		r, _ := newTestResolver(t, cfg, &fakeChainSource{chainId: "evm"})
		assert.Equal(t, int64(0), r.RefreshBlockHeight(ctx, testDeployment))

		gock.New("http://evm.localhost").Post("/").Reply(200).BodyString("not json")
		assert.Equal(t, int64(0), r.RefreshBlockHeight(ctx, testDeployment))
	})

	t.Run("chains without rpc are skipped", func(t *testing.T) {
		r, _ := newTestResolver(t, &common.Config{}, &fakeChainSource{chainId: "unknown"})
		assert.Equal(t, int64(0), r.RefreshBlockHeight(ctx, testDeployment))
	})
}

func TestParseBlockHeight(t *testing.T) {
	cases := []struct {
		name     string
		in       interface{}
		expected int64
		fails    bool
	}{
		{name: "hex", in: "0xff", expected: 255},
		{name: "decimal", in: "12345", expected: 12345},
		{name: "number", in: float64(42), expected: 42},
		{name: "object hex", in: map[string]interface{}{"number": "0x10"}, expected: 16},
		{name: "object decimal", in: map[string]interface{}{"number": "77"}, expected: 77},
		{name: "garbage", in: "abc", fails: true},
		{name: "null", in: nil, fails: true},
		{name: "object without number", in: map[string]interface{}{"hash": "0x1"}, fails: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := ParseBlockHeight(tc.in)
			if tc.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, h)
		})
	}
}
