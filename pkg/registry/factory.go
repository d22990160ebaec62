package registry

import (
	"fmt"

	"github.com/codeready-toolchain/pulse/pkg/config"
	"github.com/redis/go-redis/v9"
)

// New selects and constructs a Registry implementation from cfg.Backend,
// the dynamic-dispatch-to-single-capability design spec.md §9 calls for.
func New(cfg config.RegistryConfig) (Registry, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisRegistry(client, cfg.ConnectionTTL, cfg.PendingPerUserLimit), nil
	case "memory", "":
		return NewMemoryRegistry(cfg.PendingPerUserLimit), nil
	default:
		return nil, fmt.Errorf("registry: unknown backend %q", cfg.Backend)
	}
}
