package ratelimit

import (
	"fmt"
	"time"

	"github.com/SmartOrange/porter/internal/config"
	"github.com/rs/zerolog/log"
)

// NewStore creates a rate limit store based on the scaling configuration.
//
// Backend options:
// - "local": in-memory store, correct for a single Porter instance
// - "redis": Redis-compatible store, required when several instances
//   serve the same project and must share one rate limit budget
func NewStore(cfg *config.ScalingConfig) (Store, error) {
	switch cfg.Backend {
	case "local", "":
		log.Info().Msg("using in-memory rate limit store (single instance mode)")
		return NewMemoryStore(10 * time.Minute), nil

	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis_url is required for redis rate limit backend")
		}
		log.Info().Msg("using Redis rate limit store (multi-instance mode)")
		store, err := NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown rate limit backend: %s (valid options: local, redis)", cfg.Backend)
	}
}

// GlobalStore is a package-level store shared by the rate limit middleware.
// It is set once during server initialization.
var GlobalStore Store

// SetGlobalStore sets the global rate limit store.
func SetGlobalStore(store Store) {
	if GlobalStore != nil {
		log.Warn().Msg("replacing existing global rate limit store")
		_ = GlobalStore.Close()
	}
	GlobalStore = store
}

// GetGlobalStore returns the global rate limit store, falling back to a
// memory store if none has been configured.
func GetGlobalStore() Store {
	if GlobalStore == nil {
		log.Warn().Msg("global rate limit store not set, using fallback memory store")
		GlobalStore = NewMemoryStore(10 * time.Minute)
	}
	return GlobalStore
}
