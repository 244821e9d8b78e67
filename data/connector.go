package data

import (
	"context"
	"time"

	"github.com/querygate/querygate/common"
	"github.com/rs/zerolog"
)

// Connector is the storage substrate behind the shared cache. Implementations must be safe for concurrent use.
type Connector interface {
	Id() string
	// Get returns ErrRecordNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; a nil or non-positive ttl keeps it until evicted.
	Set(ctx context.Context, key, value string, ttl *time.Duration) error
	Delete(ctx context.Context, key string) error
	// Lock makes a single attempt and fails with ErrLockAlreadyHeld when another holder exists.
	Lock(ctx context.Context, key string, ttl time.Duration) (DistributedLock, error)
}

type DistributedLock interface {
	Unlock(ctx context.Context) error
}

func NewConnector(
	ctx context.Context,
	logger *zerolog.Logger,
	cfg *common.ConnectorConfig,
) (Connector, error) {
	switch cfg.Driver {
	case common.DriverMemory:
		return NewMemoryConnector(ctx, logger, cfg.Id, cfg.Memory)
	case common.DriverRedis:
		return NewRedisConnector(ctx, logger, cfg.Id, cfg.Redis)
	}

	return nil, common.NewErrInvalidConnectorDriver(string(cfg.Driver))
}
