package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/querygate/querygate/common"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
logLevel: debug
network: testnet
consumer: "0x0000000000000000000000000000000000000001"
chainId: 80002
database:
  sharedCache:
    driver: memory
directory:
  networkQueryUrl: https://network.example.com/query
  consumerHostUrl: https://chs.example.com
  consumerHostApiKey: test-key
dispatch:
  fallbackServiceUrl: https://fallback.example.com/query
`

func TestLoadConfig(t *testing.T) {
	t.Run("reads an explicit file", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/etc/querygate.yaml", []byte(testConfig), 0o644))

		cfg, err := LoadConfig(&log.Logger, fs, "/etc/querygate.yaml")
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		assert.Equal(t, common.DriverMemory, cfg.Database.SharedCache.Driver)
		assert.Equal(t, "https://fallback.example.com/query", cfg.Dispatch.FallbackServiceUrl)
		assert.Equal(t, common.DefaultOrderManagerCron, cfg.Dispatch.CleanupCron)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		_, err := LoadConfig(&log.Logger, afero.NewMemMapFs(), "/nowhere.yaml")
		assert.ErrorContains(t, err, "does not exist")
	})

	t.Run("missing default file falls back to the environment", func(t *testing.T) {
		t.Setenv("NETWORK", "mainnet")
		cfg, err := LoadConfig(&log.Logger, afero.NewMemMapFs(), "")
		require.NoError(t, err)
		assert.Equal(t, common.NetworkMainnet, cfg.Network)
	})
}

func TestNewGateway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, DefaultConfigPath, []byte(testConfig), 0o644))
	cfg, err := LoadConfig(&log.Logger, fs, "")
	require.NoError(t, err)

	gw, err := NewGateway(ctx, &log.Logger, cfg)
	require.NoError(t, err)
	require.NoError(t, gw.Start(ctx))

	m := gw.Managers.GetOrCreate(testDeployment, "")
	scorer, ok := gw.Managers.LookupScorer(testDeployment, "")
	require.True(t, ok)
	assert.Same(t, m, scorer)
	assert.Equal(t, common.DefaultScore, scorer.GetScore("unknown"))

	srv := NewHttpServer(ctx, &log.Logger, cfg.Server, gw.Handlers)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/query/not-a-deployment", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid deploymentId [ not-a-deployment ]")
}
