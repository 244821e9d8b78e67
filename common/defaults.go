package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/querygate/querygate/util"
)

const (
	DefaultHttpPort           = 3030
	DefaultMetricsPort        = 4001
	DefaultCacheTTL           = 7 * 24 * time.Hour
	DefaultScoreTTL           = 24 * time.Hour
	DefaultDispatchTimeout    = 35 * time.Second
	DefaultMetadataTimeout    = 30 * time.Second
	DefaultDirectoryTimeout   = 60 * time.Second
	DefaultOrderManagerIdle   = 30 * time.Minute
	DefaultMetadataCron       = "*/2 * * * *"
	DefaultOrderManagerCron   = "*/10 * * * *"
	DefaultConsumerHostUrl    = "https://dev-chs.thechaindata.com"
	DefaultConsumerHostApiKey = "testKey"
	DefaultIpfsUrl            = "https://unauthipfs.subquery.network/ipfs/api/v0"
	DefaultRedisUri           = "redis://localhost:6379"
	DefaultSentinelName       = "mymaster"
)

func (c *Config) SetDefaults() error {
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.ServiceUrl == "" {
		c.ServiceUrl = "http://localhost"
	}
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if err := c.Server.SetDefaults(); err != nil {
		return err
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	if err := c.Metrics.SetDefaults(); err != nil {
		return err
	}
	if c.Tracing == nil {
		c.Tracing = &TracingConfig{}
	}
	if err := c.Tracing.SetDefaults(); err != nil {
		return err
	}
	if c.Database == nil {
		c.Database = &DatabaseConfig{}
	}
	if err := c.Database.SetDefaults(); err != nil {
		return fmt.Errorf("failed to set defaults for database: %w", err)
	}
	if c.Directory == nil {
		c.Directory = &DirectoryConfig{}
	}
	if err := c.Directory.SetDefaults(); err != nil {
		return err
	}
	if c.Indexers == nil {
		c.Indexers = &IndexersConfig{}
	}
	if err := c.Indexers.SetDefaults(); err != nil {
		return err
	}
	if c.RateLimiter == nil {
		c.RateLimiter = &RateLimiterConfig{}
	}
	if err := c.RateLimiter.SetDefaults(); err != nil {
		return err
	}
	if c.Dispatch == nil {
		c.Dispatch = &DispatchConfig{}
	}
	return c.Dispatch.SetDefaults()
}

func (s *ServerConfig) SetDefaults() error {
	if s.HttpHost == "" {
		s.HttpHost = "0.0.0.0"
	}
	if s.HttpPort == 0 {
		s.HttpPort = DefaultHttpPort
	}
	if s.ReadTimeout == nil {
		d := Duration(30 * time.Second)
		s.ReadTimeout = &d
	}
	if s.WriteTimeout == nil {
		// must outlive the dispatch race
		d := Duration(DefaultDispatchTimeout + 25*time.Second)
		s.WriteTimeout = &d
	}
	if s.EnableGzip == nil {
		s.EnableGzip = util.BoolPtr(true)
	}
	return nil
}

func (m *MetricsConfig) SetDefaults() error {
	if m.Enabled == nil {
		m.Enabled = util.BoolPtr(!util.IsTest())
	}
	if m.Host == "" {
		m.Host = "0.0.0.0"
	}
	if m.Port == 0 {
		m.Port = DefaultMetricsPort
	}
	return nil
}

func (c *TracingConfig) SetDefaults() error {
	if c.Protocol == "" {
		c.Protocol = TracingProtocolGrpc
	}
	if c.Endpoint == "" {
		if c.Protocol == TracingProtocolGrpc {
			c.Endpoint = "localhost:4317"
		} else {
			c.Endpoint = "localhost:4318"
		}
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = "querygate"
	}
	return nil
}

func (d *DatabaseConfig) SetDefaults() error {
	if d.DefaultTTL == 0 {
		d.DefaultTTL = Duration(DefaultCacheTTL)
	}
	if d.SharedCache == nil {
		d.SharedCache = &ConnectorConfig{
			Driver: DriverRedis,
			Redis:  &RedisConnectorConfig{URI: DefaultRedisUri},
		}
	}
	if d.SharedCache.Id == "" {
		d.SharedCache.Id = "shared-cache"
	}
	return d.SharedCache.SetDefaults()
}

func (c *ConnectorConfig) SetDefaults() error {
	if c.Driver == "" {
		if c.Redis != nil {
			c.Driver = DriverRedis
		} else {
			c.Driver = DriverMemory
		}
	}
	switch c.Driver {
	case DriverMemory:
		if c.Memory == nil {
			c.Memory = &MemoryConnectorConfig{}
		}
		return c.Memory.SetDefaults()
	case DriverRedis:
		if c.Redis == nil {
			c.Redis = &RedisConnectorConfig{}
		}
		return c.Redis.SetDefaults()
	}
	return NewErrInvalidConnectorDriver(string(c.Driver))
}

func (m *MemoryConnectorConfig) SetDefaults() error {
	if m.MaxItems == 0 {
		m.MaxItems = 100_000
	}
	if m.MaxTotalSize == "" {
		m.MaxTotalSize = "1GB"
	}
	if _, err := humanize.ParseBytes(m.MaxTotalSize); err != nil {
		return fmt.Errorf("memory connector: invalid maxTotalSize %q: %w", m.MaxTotalSize, err)
	}
	return nil
}

// MaxCost returns the configured memory budget in bytes.
func (m *MemoryConnectorConfig) MaxCost() int64 {
	size, err := humanize.ParseBytes(m.MaxTotalSize)
	if err != nil || size == 0 {
		return 1 << 30
	}
	return int64(size)
}

func (r *RedisConnectorConfig) SetDefaults() error {
	if r.ConnPoolSize == 0 {
		r.ConnPoolSize = 8
	}
	if r.InitTimeout == 0 {
		r.InitTimeout = Duration(5 * time.Second)
	}
	if r.GetTimeout == 0 {
		r.GetTimeout = Duration(1 * time.Second)
	}
	if r.SetTimeout == 0 {
		r.SetTimeout = Duration(3 * time.Second)
	}
	if r.LockRetryDelay == 0 {
		r.LockRetryDelay = Duration(100 * time.Millisecond)
	}
	if len(r.Sentinels) > 0 && r.SentinelName == "" {
		r.SentinelName = DefaultSentinelName
	}
	if r.URI == "" && len(r.Sentinels) == 0 {
		r.URI = DefaultRedisUri
	}
	return nil
}

func (d *DirectoryConfig) SetDefaults() error {
	if d.IpfsUrl == "" {
		d.IpfsUrl = DefaultIpfsUrl
	}
	if d.ConsumerHostUrl == "" {
		d.ConsumerHostUrl = DefaultConsumerHostUrl
	}
	if d.ConsumerHostApiKey == "" {
		d.ConsumerHostApiKey = DefaultConsumerHostApiKey
	}
	d.ConsumerHostUrl = strings.TrimRight(d.ConsumerHostUrl, "/")
	if d.RequestTimeout == 0 {
		d.RequestTimeout = Duration(DefaultDirectoryTimeout)
	}
	if d.IndexerUrlTTL == 0 {
		d.IndexerUrlTTL = Duration(30 * time.Minute)
	}
	if d.IndexerUrlTTLJitter == 0 {
		d.IndexerUrlTTLJitter = Duration(5 * time.Minute)
	}
	if d.DeploymentIdTTL == 0 {
		d.DeploymentIdTTL = Duration(24 * time.Hour)
	}
	if d.Retry == nil {
		d.Retry = &RetryPolicyConfig{
			MaxAttempts:     3,
			Delay:           Duration(300 * time.Millisecond),
			BackoffMaxDelay: Duration(3 * time.Second),
			Jitter:          Duration(100 * time.Millisecond),
		}
	}
	return d.Retry.SetDefaults()
}

func (c *IndexersConfig) SetDefaults() error {
	if c.MetadataTimeout == 0 {
		c.MetadataTimeout = Duration(DefaultMetadataTimeout)
	}
	if c.MetadataRefreshCron == "" {
		c.MetadataRefreshCron = DefaultMetadataCron
	}
	if c.RefreshConcurrency == 0 {
		c.RefreshConcurrency = 16
	}
	if c.ScoreTTL == 0 {
		c.ScoreTTL = Duration(DefaultScoreTTL)
	}
	return nil
}

func (r *RateLimiterConfig) SetDefaults() error {
	if r.Enabled == nil {
		r.Enabled = util.BoolPtr(true)
	}
	if r.FailOpen == nil {
		r.FailOpen = util.BoolPtr(true)
	}
	if r.Sustained == nil {
		r.Sustained = &RateLimitTierConfig{}
	}
	if r.Sustained.KeyPrefix == "" {
		r.Sustained.KeyPrefix = "gateway-rate-limit"
	}
	if r.Sustained.Points == 0 {
		r.Sustained.Points = 5
	}
	if r.Sustained.Duration == 0 {
		r.Sustained.Duration = Duration(time.Second)
	}
	if r.Burst == nil {
		r.Burst = &RateLimitTierConfig{}
	}
	if r.Burst.KeyPrefix == "" {
		r.Burst.KeyPrefix = "gateway-rate-burst"
	}
	if r.Burst.Points == 0 {
		r.Burst.Points = 100
	}
	if r.Burst.Duration == 0 {
		r.Burst.Duration = Duration(10 * time.Second)
	}
	if r.ExemptPaths == nil {
		r.ExemptPaths = []string{"/mx/*"}
	}
	return nil
}

func (r *RetryPolicyConfig) SetDefaults() error {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.BackoffMaxDelay != 0 && r.BackoffMaxDelay < r.Delay {
		return NewErrInvalidConfig("retry.backoffMaxDelay must not be lower than retry.delay")
	}
	return nil
}

func (d *DispatchConfig) SetDefaults() error {
	if d.Timeout == 0 {
		d.Timeout = Duration(DefaultDispatchTimeout)
	}
	if d.RequestTimeout == 0 {
		d.RequestTimeout = Duration(20 * time.Second)
	}
	if d.IdleTimeout == 0 {
		d.IdleTimeout = Duration(DefaultOrderManagerIdle)
	}
	if d.CleanupCron == "" {
		d.CleanupCron = DefaultOrderManagerCron
	}
	if d.Retry == nil {
		// failover moves to the next indexer without waiting
		d.Retry = &RetryPolicyConfig{MaxAttempts: 3}
	}
	return d.Retry.SetDefaults()
}

// Validate reports every missing setting the gateway cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.Consumer == "" {
		missing = append(missing, "consumer (CONSUMER)")
	}
	if c.Network != NetworkMainnet && c.Network != NetworkTestnet {
		missing = append(missing, "network (NETWORK) must be testnet or mainnet")
	}
	if c.ChainId == 0 {
		missing = append(missing, "chainId (CHAIN_ID)")
	}
	if c.Directory == nil || c.Directory.NetworkQueryUrl == "" {
		missing = append(missing, "directory.networkQueryUrl (NETWORK_QUERY_URL)")
	}
	if c.Directory == nil || c.Directory.ConsumerHostUrl == "" {
		missing = append(missing, "directory.consumerHostUrl (CONSUMER_HOST_URL)")
	}
	if c.Directory == nil || c.Directory.ConsumerHostApiKey == "" {
		missing = append(missing, "directory.consumerHostApiKey (CONSUMER_HOST_API_KEY)")
	}
	if len(missing) > 0 {
		return NewErrInvalidConfig("missing or invalid settings: " + strings.Join(missing, ", "))
	}
	return nil
}
