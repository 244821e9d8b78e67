package main

import (
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/querygate/querygate/common"
	"github.com/rs/zerolog"
)

type ConfigStats struct {
	Network         string
	CacheDriver     string
	ChainOverrides  []string
	Dictionaries    []string
	SustainedPoints int64
	BurstPoints     int64
	ExemptPaths     []string
	Fallback        bool
}

// AnalyseConfig prints what a loaded configuration resolves to.
func AnalyseConfig(cfg *common.Config, logger zerolog.Logger) error {
	printConfigStats(logger, calculateConfigStats(cfg))
	return nil
}

func calculateConfigStats(cfg *common.Config) ConfigStats {
	stats := ConfigStats{
		Network:  string(cfg.Network),
		Fallback: cfg.Dispatch != nil && cfg.Dispatch.FallbackServiceUrl != "",
	}
	if cfg.Database != nil && cfg.Database.SharedCache != nil {
		stats.CacheDriver = string(cfg.Database.SharedCache.Driver)
	}
	for chainId := range cfg.Chains {
		stats.ChainOverrides = append(stats.ChainOverrides, chainId)
	}
	sort.Strings(stats.ChainOverrides)

	// configured entries win over the built-in table
	seen := map[string]bool{}
	for chainId, id := range cfg.Dictionaries {
		if id != "" {
			seen[chainId] = true
			stats.Dictionaries = append(stats.Dictionaries, chainId)
		}
	}
	for chainId, id := range common.DictionaryDeployments[cfg.Network] {
		if id != "" && !seen[chainId] {
			stats.Dictionaries = append(stats.Dictionaries, chainId)
		}
	}
	sort.Strings(stats.Dictionaries)

	if rl := cfg.RateLimiter; rl != nil && rl.Enabled != nil && *rl.Enabled {
		if rl.Sustained != nil {
			stats.SustainedPoints = rl.Sustained.Points
		}
		if rl.Burst != nil {
			stats.BurstPoints = rl.Burst.Points
		}
		stats.ExemptPaths = rl.ExemptPaths
	}
	return stats
}

func printConfigStats(logger zerolog.Logger, stats ConfigStats) {
	logger.Info().
		Str("network", stats.Network).
		Str("cacheDriver", stats.CacheDriver).
		Bool("fallback", stats.Fallback).
		Msg("configuration is valid")

	logger.Info().
		Int("overrides", len(stats.ChainOverrides)).
		Strs("chains", stats.ChainOverrides).
		Msg("chain overrides")
	logger.Info().
		Str("count", humanize.Comma(int64(len(stats.Dictionaries)))).
		Strs("chains", stats.Dictionaries).
		Msg("dictionary deployments")

	if stats.SustainedPoints == 0 {
		logger.Warn().Msg("rate limiting is disabled")
		return
	}
	logger.Info().
		Int64("sustained", stats.SustainedPoints).
		Int64("burst", stats.BurstPoints).
		Strs("exemptPaths", stats.ExemptPaths).
		Msg("rate limits")
}
