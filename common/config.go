package common

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config represents the configuration of the gateway.
type Config struct {
	LogLevel     string                 `yaml:"logLevel" json:"logLevel"`
	Network      NetworkName            `yaml:"network" json:"network"`
	Consumer     string                 `yaml:"consumer" json:"consumer"`
	ChainId      int64                  `yaml:"chainId" json:"chainId"`
	ServiceUrl   string                 `yaml:"serviceUrl" json:"serviceUrl"`
	Server       *ServerConfig          `yaml:"server" json:"server"`
	Metrics      *MetricsConfig         `yaml:"metrics" json:"metrics"`
	Tracing      *TracingConfig         `yaml:"tracing" json:"tracing"`
	Database     *DatabaseConfig        `yaml:"database" json:"database"`
	Directory    *DirectoryConfig       `yaml:"directory" json:"directory"`
	Indexers     *IndexersConfig        `yaml:"indexers" json:"indexers"`
	RateLimiter  *RateLimiterConfig     `yaml:"rateLimiter" json:"rateLimiter"`
	Dispatch     *DispatchConfig        `yaml:"dispatch" json:"dispatch"`
	Chains       map[string]ChainConfig `yaml:"chains" json:"chains"`
	Dictionaries map[string]string      `yaml:"dictionaries" json:"dictionaries"`
}

type ServerConfig struct {
	HttpHost     string    `yaml:"httpHost" json:"httpHost"`
	HttpPort     int       `yaml:"httpPort" json:"httpPort"`
	ReadTimeout  *Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout *Duration `yaml:"writeTimeout" json:"writeTimeout"`
	EnableGzip   *bool     `yaml:"enableGzip" json:"enableGzip"`
}

type MetricsConfig struct {
	Enabled          *bool  `yaml:"enabled" json:"enabled"`
	Host             string `yaml:"host" json:"host"`
	Port             int    `yaml:"port" json:"port"`
	HistogramBuckets string `yaml:"histogramBuckets" json:"histogramBuckets"`
}

type TracingProtocol string

const (
	TracingProtocolHttp TracingProtocol = "http"
	TracingProtocolGrpc TracingProtocol = "grpc"
)

type TracingConfig struct {
	Enabled     bool            `yaml:"enabled" json:"enabled"`
	Endpoint    string          `yaml:"endpoint" json:"endpoint"`
	Protocol    TracingProtocol `yaml:"protocol" json:"protocol"`
	SampleRate  float64         `yaml:"sampleRate" json:"sampleRate"`
	ServiceName string          `yaml:"serviceName" json:"serviceName"`
	TLS         *TLSConfig      `yaml:"tls" json:"tls"`
}

type DatabaseConfig struct {
	SharedCache *ConnectorConfig `yaml:"sharedCache" json:"sharedCache"`
	DefaultTTL  Duration         `yaml:"defaultTTL" json:"defaultTTL"`
}

type ConnectorDriverType string

const (
	DriverMemory ConnectorDriverType = "memory"
	DriverRedis  ConnectorDriverType = "redis"
)

type ConnectorConfig struct {
	Id     string                 `yaml:"id" json:"id"`
	Driver ConnectorDriverType    `yaml:"driver" json:"driver"`
	Memory *MemoryConnectorConfig `yaml:"memory" json:"memory"`
	Redis  *RedisConnectorConfig  `yaml:"redis" json:"redis"`
}

type MemoryConnectorConfig struct {
	MaxItems     int    `yaml:"maxItems" json:"maxItems"`
	MaxTotalSize string `yaml:"maxTotalSize" json:"maxTotalSize"`
}

type RedisConnectorConfig struct {
	URI            string     `yaml:"uri" json:"uri"`
	SentinelName   string     `yaml:"sentinelName" json:"sentinelName"`
	Sentinels      []string   `yaml:"sentinels" json:"sentinels"`
	TLS            *TLSConfig `yaml:"tls" json:"tls"`
	ConnPoolSize   int        `yaml:"connPoolSize" json:"connPoolSize"`
	InitTimeout    Duration   `yaml:"initTimeout" json:"initTimeout"`
	GetTimeout     Duration   `yaml:"getTimeout" json:"getTimeout"`
	SetTimeout     Duration   `yaml:"setTimeout" json:"setTimeout"`
	LockRetryDelay Duration   `yaml:"lockRetryDelay" json:"lockRetryDelay"`
}

type TLSConfig struct {
	Enabled            bool   `yaml:"enabled" json:"enabled"`
	CertFile           string `yaml:"certFile" json:"certFile"`
	KeyFile            string `yaml:"keyFile" json:"keyFile"`
	CAFile             string `yaml:"caFile" json:"caFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify" json:"insecureSkipVerify"`
}

// DirectoryConfig points at the services used to resolve deployments, agreements, plans and indexer urls.
type DirectoryConfig struct {
	NetworkQueryUrl     string             `yaml:"networkQueryUrl" json:"networkQueryUrl"`
	IpfsUrl             string             `yaml:"ipfsUrl" json:"ipfsUrl"`
	NetworkEndpoint     string             `yaml:"networkEndpoint" json:"networkEndpoint"`
	ConsumerHostUrl     string             `yaml:"consumerHostUrl" json:"consumerHostUrl"`
	ConsumerHostApiKey  string             `yaml:"consumerHostApiKey" json:"-"`
	RequestTimeout      Duration           `yaml:"requestTimeout" json:"requestTimeout"`
	IndexerUrlTTL       Duration           `yaml:"indexerUrlTTL" json:"indexerUrlTTL"`
	IndexerUrlTTLJitter Duration           `yaml:"indexerUrlTTLJitter" json:"indexerUrlTTLJitter"`
	DeploymentIdTTL     Duration           `yaml:"deploymentIdTTL" json:"deploymentIdTTL"`
	Retry               *RetryPolicyConfig `yaml:"retry" json:"retry"`
}

type IndexersConfig struct {
	MetadataTimeout     Duration `yaml:"metadataTimeout" json:"metadataTimeout"`
	MetadataRefreshCron string   `yaml:"metadataRefreshCron" json:"metadataRefreshCron"`
	RefreshConcurrency  int      `yaml:"refreshConcurrency" json:"refreshConcurrency"`
	ScoreTTL            Duration `yaml:"scoreTTL" json:"scoreTTL"`
}

type RateLimitTierConfig struct {
	KeyPrefix string   `yaml:"keyPrefix" json:"keyPrefix"`
	Points    int64    `yaml:"points" json:"points"`
	Duration  Duration `yaml:"duration" json:"duration"`
}

type RateLimiterConfig struct {
	Enabled     *bool                `yaml:"enabled" json:"enabled"`
	Sustained   *RateLimitTierConfig `yaml:"sustained" json:"sustained"`
	Burst       *RateLimitTierConfig `yaml:"burst" json:"burst"`
	ExemptPaths []string             `yaml:"exemptPaths" json:"exemptPaths"`
	FailOpen    *bool                `yaml:"failOpen" json:"failOpen"`
}

type RetryPolicyConfig struct {
	MaxAttempts     int      `yaml:"maxAttempts" json:"maxAttempts"`
	Delay           Duration `yaml:"delay" json:"delay"`
	BackoffMaxDelay Duration `yaml:"backoffMaxDelay" json:"backoffMaxDelay"`
	Jitter          Duration `yaml:"jitter" json:"jitter"`
}

type DispatchConfig struct {
	Timeout            Duration           `yaml:"timeout" json:"timeout"`
	RequestTimeout     Duration           `yaml:"requestTimeout" json:"requestTimeout"`
	IdleTimeout        Duration           `yaml:"idleTimeout" json:"idleTimeout"`
	CleanupCron        string             `yaml:"cleanupCron" json:"cleanupCron"`
	FallbackServiceUrl string             `yaml:"fallbackServiceUrl" json:"fallbackServiceUrl"`
	Retry              *RetryPolicyConfig `yaml:"retry" json:"retry"`
}

// LoadConfig reads a yaml file, expands environment variables in it, then applies env overrides and defaults.
func LoadConfig(fs afero.Fs, filename string) (*Config, error) {
	data, err := afero.ReadFile(fs, filename)
	if err != nil {
		return nil, err
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.SetDefaults(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// NewConfigFromEnv builds a configuration purely from environment variables and defaults.
func NewConfigFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.SetDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ChainConfigFor consults the configured overrides before the built-in chain table.
func (c *Config) ChainConfigFor(chainId string) (*ChainConfig, bool) {
	if c != nil {
		if cc, ok := c.Chains[chainId]; ok {
			return &cc, true
		}
	}
	return LookupChainConfig(chainId)
}

// DictionaryFor consults the configured overrides before the built-in dictionary table.
func (c *Config) DictionaryFor(chainId string) (string, bool) {
	if c == nil {
		return "", false
	}
	if id, ok := c.Dictionaries[chainId]; ok && id != "" {
		return id, true
	}
	return DictionaryDeploymentId(c.Network, chainId)
}

func (c *Config) MarshalZerologObject(e *zerolog.Event) {
	e.Str("logLevel", c.LogLevel).
		Str("network", string(c.Network)).
		Str("consumer", c.Consumer).
		Int64("chainId", c.ChainId)
	if c.Server != nil {
		e.Str("httpHost", c.Server.HttpHost).Int("httpPort", c.Server.HttpPort)
	}
	if c.Database != nil && c.Database.SharedCache != nil {
		e.Str("cacheDriver", string(c.Database.SharedCache.Driver))
	}
	if c.Directory != nil {
		e.Str("consumerHostUrl", c.Directory.ConsumerHostUrl).
			Str("networkQueryUrl", c.Directory.NetworkQueryUrl)
	}
}
