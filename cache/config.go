package cache

import (
	"github.com/goliatone/go-entity-lab/internal/cacheinfra"
)

// Backend names accepted by Config.Backend.
const (
	BackendMemory = cacheinfra.BackendMemory
	BackendRedis  = cacheinfra.BackendRedis
)

type (
	// Config selects and tunes the cache backend shared by the second-level
	// cache, the query cache and the repository decorators.
	Config = cacheinfra.Config
	// EarlyRefreshConfig enables sturdyc early refreshes for the memory backend.
	EarlyRefreshConfig = cacheinfra.EarlyRefreshConfig
	// RedisConfig points the cache at a shared Redis instance. Entries written
	// by one process are visible to every factory using the same KeyPrefix.
	RedisConfig = cacheinfra.RedisConfig
)

// DefaultConfig returns the in-memory configuration used when nothing else is
// configured.
func DefaultConfig() Config {
	return cacheinfra.DefaultConfig()
}

// NewCacheService constructs the cache service selected by cfg.Backend.
func NewCacheService(cfg Config) (CacheService, error) {
	if cfg.Backend == BackendRedis {
		svc, err := cacheinfra.NewRedisService(cfg)
		if err != nil {
			return nil, err
		}
		return svc, nil
	}
	svc, err := cacheinfra.NewSturdycService(cfg)
	if err != nil {
		return nil, err
	}
	return svc, nil
}
