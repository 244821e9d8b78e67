package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/querygate/querygate/common"
	"github.com/querygate/querygate/gateway"
	"github.com/querygate/querygate/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.Logger
	if err := newCommand(afero.NewOsFs(), logger).Run(ctx, os.Args); err != nil {
		logger.Error().Msgf("failed to start querygate: %v", err)
		util.OsExit(util.ExitCodeStartFailed)
	}
}

func newCommand(fs afero.Fs, logger zerolog.Logger) *cli.Command {
	configFlag := &cli.StringFlag{
		Name:  "config",
		Usage: "path to the yaml configuration, defaults to " + gateway.DefaultConfigPath,
	}
	logLevelFlag := &cli.StringFlag{
		Name:  "log-level",
		Usage: "overrides the configured log level",
	}

	return &cli.Command{
		Name:      "querygate",
		Version:   common.Version,
		Usage:     "routes queries to indexers serving a deployment",
		ArgsUsage: "[config]",
		Flags:     []cli.Flag{configFlag, logLevelFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			loadDotEnv(logger)
			if lvl := cmd.String("log-level"); lvl != "" {
				os.Setenv("LOG_LEVEL", lvl)
			}
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

			if err := gateway.Init(ctx, logger, fs, configPath(cmd)); err != nil {
				return err
			}
			<-ctx.Done()
			logger.Warn().Msgf("shutting down: %v", context.Cause(ctx))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "loads the configuration, checks it and prints a summary",
				ArgsUsage: "[config]",
				Flags:     []cli.Flag{configFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					loadDotEnv(logger)
					cfg, err := gateway.LoadConfig(&logger, fs, configPath(cmd))
					if err != nil {
						return err
					}
					if err := cfg.Validate(); err != nil {
						return fmt.Errorf("configuration is invalid: %w", err)
					}
					return AnalyseConfig(cfg, logger)
				},
			},
		},
	}
}

func configPath(cmd *cli.Command) string {
	if p := cmd.String("config"); p != "" {
		return p
	}
	return cmd.Args().First()
}

// loadDotEnv reads ./.env for local runs only.
func loadDotEnv(logger zerolog.Logger) {
	env := os.Getenv("QUERYGATE_ENV")
	if env == "" {
		env = os.Getenv("NODE_ENV")
	}
	if !strings.EqualFold(env, "local") {
		return
	}
	if err := godotenv.Load(); err != nil {
		logger.Debug().Err(err).Msg("no .env file loaded")
	}
}
