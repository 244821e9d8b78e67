package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/querygate/querygate/chains"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/data"
	"github.com/querygate/querygate/directory"
	"github.com/querygate/querygate/health"
	"github.com/querygate/querygate/orders"
	"github.com/querygate/querygate/ratelimiter"
	"github.com/querygate/querygate/telemetry"
	"github.com/querygate/querygate/tracing"
	"github.com/querygate/querygate/upstream"
	"github.com/querygate/querygate/util"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const DefaultConfigPath = "./querygate.yaml"

const (
	scoreReportConcurrency = 16
	scoreReportQueueSize   = 4096
)

// Gateway holds every long lived component of a running instance.
type Gateway struct {
	Config     *common.Config
	Cache      *data.Cache
	Directory  *directory.CachedDirectory
	Chains     *chains.Resolver
	Metadata   *upstream.MetadataFetcher
	Scores     *health.ScoreStore
	Orders     *orders.Service
	Managers   *ManagersRegistry
	Dispatcher *Dispatcher
	Limiter    *ratelimiter.Limiter
	Handlers   *Handlers

	reports pond.Pool
}

// LoadConfig reads the file at path. A missing file at the default path means "environment only".
func LoadConfig(logger *zerolog.Logger, fs afero.Fs, path string) (*common.Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	if _, err := fs.Stat(path); errors.Is(err, os.ErrNotExist) {
		if explicit {
			return nil, fmt.Errorf("config file '%s' does not exist", path)
		}
		logger.Info().Msg("no configuration file found, using environment and defaults")
		return common.NewConfigFromEnv()
	}
	logger.Info().Msgf("resolved configuration file to: %s", path)
	cfg, err := common.LoadConfig(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %v", path, err)
	}
	return cfg, nil
}

func Init(ctx context.Context, logger zerolog.Logger, fs afero.Fs, configPath string) error {
	//
	// 1) Load configuration
	//
	logger.Info().Msg("loading querygate configuration")
	cfg, err := LoadConfig(&logger, fs, configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn().Msgf("invalid log level '%s', defaulting to 'debug': %s", cfg.LogLevel, err)
		level = zerolog.DebugLevel
	}
	logger = logger.Level(level)
	logger.Info().Object("config", cfg).Msg("configuration loaded")

	if cfg.Metrics != nil && cfg.Metrics.HistogramBuckets != "" {
		if err := telemetry.SetHistogramBuckets(cfg.Metrics.HistogramBuckets); err != nil {
			return common.NewErrInvalidConfig("invalid metrics.histogramBuckets: " + err.Error())
		}
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		if err := tracing.Initialize(ctx, &logger, cfg.Tracing); err != nil {
			logger.Error().Err(err).Msg("failed to initialize tracing, continuing without it")
		} else {
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracing.Shutdown(shutdownCtx); err != nil {
					logger.Warn().Err(err).Msg("failed to flush traces")
				}
			}()
		}
	}

	//
	// 2) Initialize components
	//
	logger.Info().Msg("initializing querygate")
	gw, err := NewGateway(ctx, &logger, cfg)
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}

	//
	// 3) Expose transports
	//
	logger.Info().Msg("initializing transports")
	httpServer := NewHttpServer(ctx, &logger, cfg.Server, gw.Handlers)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Msgf("failed to start http server: %v", err)
			util.OsExit(util.ExitCodeHttpServerFailed)
		}
	}()

	if cfg.Metrics != nil && cfg.Metrics.Enabled != nil && *cfg.Metrics.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
		logger.Info().Msgf("starting metrics server on %s", addr)
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Msgf("error starting metrics server: %s", err)
				util.OsExit(util.ExitCodeHttpServerFailed)
			}
		}()
		go func() {
			<-ctx.Done()
			logger.Info().Msg("shutting down metrics server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Msgf("metrics server forced to shutdown: %s", err)
			} else {
				logger.Info().Msg("metrics server stopped")
			}
		}()
	}

	return nil
}

// NewGateway builds the component graph without starting background work.
func NewGateway(ctx context.Context, logger *zerolog.Logger, cfg *common.Config) (*Gateway, error) {
	connector, err := data.NewConnector(ctx, logger, cfg.Database.SharedCache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize shared cache: %w", err)
	}
	cache := data.NewCache(logger, connector, cfg.Database.DefaultTTL.Duration())

	client, err := directory.NewClient(logger, cfg.Directory)
	if err != nil {
		return nil, err
	}
	dir := directory.NewCachedDirectory(logger, client, cache, cfg.Directory)
	resolver := chains.NewResolver(logger, cfg, dir, cache)
	metadata := upstream.NewMetadataFetcher(logger, cfg.Indexers, dir)

	lockRetryDelay := time.Duration(0)
	if rc := cfg.Database.SharedCache.Redis; rc != nil {
		lockRetryDelay = rc.LockRetryDelay.Duration()
	}
	scores, err := health.NewScoreStore(logger, cache, lockRetryDelay)
	if err != nil {
		return nil, err
	}
	managerStore := health.NewManagerStore(cache, cfg.Indexers.ScoreTTL.Duration())

	svc := orders.NewService(logger, cfg, dir, resolver, metadata, scores)
	reports := pond.NewPool(scoreReportConcurrency, pond.WithQueueSize(scoreReportQueueSize))

	registry := NewManagersRegistry(logger, cfg.Dispatch, func(deploymentId, apikey string) *OrderManager {
		return NewOrderManager(logger, OrderManagerOptions{
			DeploymentId:   deploymentId,
			Apikey:         apikey,
			FallbackUrl:    cfg.Dispatch.FallbackServiceUrl,
			RequestTimeout: cfg.Dispatch.RequestTimeout.Duration(),
			Retry:          cfg.Dispatch.Retry,
			Reports:        reports,
		}, svc, scores, managerStore)
	})
	scores.SetScorers(registry)

	limiter, err := ratelimiter.NewLimiter(ctx, logger, cfg.RateLimiter, cfg.Database.SharedCache)
	if err != nil {
		return nil, err
	}
	dispatcher := NewDispatcher(logger, cfg.Dispatch, dir, registry)

	return &Gateway{
		Config:     cfg,
		Cache:      cache,
		Directory:  dir,
		Chains:     resolver,
		Metadata:   metadata,
		Scores:     scores,
		Orders:     svc,
		Managers:   registry,
		Dispatcher: dispatcher,
		Limiter:    limiter,
		Handlers:   NewHandlers(logger, cfg, svc, dispatcher, limiter, client),
		reports:    reports,
	}, nil
}

// Start launches the metadata sweep and the order manager eviction. Both stop when ctx is done.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.Metadata.Bootstrap(ctx, g.Chains); err != nil {
		return fmt.Errorf("failed to schedule metadata refresh: %w", err)
	}
	if err := g.Managers.Start(ctx); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		g.Orders.Close()
		g.reports.StopAndWait()
	}()
	return nil
}
