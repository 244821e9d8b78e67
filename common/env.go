package common

import (
	"fmt"
	"strconv"
	"strings"
)

type LookupEnvFunc func(key string) (string, bool)

// ApplyEnv overlays the deployment's environment variables on top of file-based configuration.
func (c *Config) ApplyEnv(lookup LookupEnvFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := get("CONSUMER"); ok {
		c.Consumer = v
	}
	if v, ok := get("NETWORK"); ok {
		c.Network = NetworkName(strings.ToLower(v))
	}
	if v, ok := get("CHAIN_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return NewErrInvalidConfig(fmt.Sprintf("CHAIN_ID must be an integer, got %q", v))
		}
		c.ChainId = id
	}
	if v, ok := get("INTERNAL_SERVICE_URL"); ok {
		c.ServiceUrl = v
	}
	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return NewErrInvalidConfig(fmt.Sprintf("PORT must be an integer, got %q", v))
		}
		if c.Server == nil {
			c.Server = &ServerConfig{}
		}
		c.Server.HttpPort = port
	}

	dir := func() *DirectoryConfig {
		if c.Directory == nil {
			c.Directory = &DirectoryConfig{}
		}
		return c.Directory
	}
	if v, ok := get("NETWORK_ENDPOINT"); ok {
		dir().NetworkEndpoint = v
	}
	if v, ok := get("NETWORK_QUERY_URL"); ok {
		dir().NetworkQueryUrl = v
	}
	if v, ok := get("IPFS_URL"); ok {
		dir().IpfsUrl = v
	}
	if v, ok := get("CONSUMER_HOST_URL"); ok {
		dir().ConsumerHostUrl = v
	}
	if v, ok := get("CONSUMER_HOST_API_KEY"); ok {
		dir().ConsumerHostApiKey = v
	}

	redisCfg := func() *RedisConnectorConfig {
		if c.Database == nil {
			c.Database = &DatabaseConfig{}
		}
		if c.Database.SharedCache == nil {
			c.Database.SharedCache = &ConnectorConfig{Driver: DriverRedis}
		}
		if c.Database.SharedCache.Redis == nil {
			c.Database.SharedCache.Redis = &RedisConnectorConfig{}
		}
		return c.Database.SharedCache.Redis
	}
	if v, ok := get("REDIS_URL"); ok {
		redisCfg().URI = v
	}
	if v, ok := get("REDIS_SENTINELS"); ok {
		sentinels, err := ParseSentinels(v)
		if err != nil {
			return err
		}
		redisCfg().Sentinels = sentinels
	}
	if v, ok := get("REDIS_SENTINEL_NAME"); ok {
		redisCfg().SentinelName = v
	}

	return nil
}

// ParseSentinels splits "host:port;host:port" into addresses, keeping the last colon as the port separator.
func ParseSentinels(raw string) ([]string, error) {
	var out []string
	for _, item := range strings.Split(raw, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		idx := strings.LastIndex(item, ":")
		if idx <= 0 || idx == len(item)-1 {
			return nil, NewErrInvalidConfig(fmt.Sprintf("invalid sentinel address %q", item))
		}
		if _, err := strconv.Atoi(item[idx+1:]); err != nil {
			return nil, NewErrInvalidConfig(fmt.Sprintf("invalid sentinel port in %q", item))
		}
		out = append(out, item)
	}
	return out, nil
}
