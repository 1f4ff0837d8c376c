package pubsub

import (
	"fmt"

	"github.com/SmartOrange/porter/internal/config"
	"github.com/rs/zerolog/log"
)

// NewPubSub creates a pub/sub backend based on the scaling configuration.
//
// Backend options:
// - "local": in-process pub/sub, correct for a single Porter instance
// - "redis": Redis pub/sub, required when several instances share one Cache
//
// The redisURL is required for the "redis" backend (config.Scaling.RedisURL).
func NewPubSub(cfg *config.ScalingConfig) (PubSub, error) {
	switch cfg.Backend {
	case "local", "":
		log.Info().Msg("using local pub/sub (single instance mode)")
		return NewLocalPubSub(), nil

	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis_url is required for redis pub/sub backend")
		}
		log.Info().Msg("using Redis pub/sub for cross-instance cache invalidation")
		ps, err := NewRedisPubSub(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis for pub/sub: %w", err)
		}
		return ps, nil

	default:
		return nil, fmt.Errorf("unknown pub/sub backend: %s (valid options: local, redis)", cfg.Backend)
	}
}

// GlobalPubSub is a package-level pub/sub used to broadcast reload and
// invalidation events to all Porter instances watching the same Cache.
var GlobalPubSub PubSub

// SetGlobalPubSub sets the global pub/sub instance.
func SetGlobalPubSub(ps PubSub) {
	if GlobalPubSub != nil {
		log.Warn().Msg("replacing existing global pub/sub")
		_ = GlobalPubSub.Close()
	}
	GlobalPubSub = ps
}

// GetGlobalPubSub returns the global pub/sub instance, falling back to a
// local pub/sub if none has been configured.
func GetGlobalPubSub() PubSub {
	if GlobalPubSub == nil {
		log.Warn().Msg("global pub/sub not set, using fallback local pub/sub")
		GlobalPubSub = NewLocalPubSub()
	}
	return GlobalPubSub
}
