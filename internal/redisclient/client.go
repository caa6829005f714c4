// Copyright 2025 James Ross
package redisclient

import (
	"github.com/flyingrobots/comfy-bridge/internal/config"
	"github.com/redis/go-redis/v9"
)

// New returns a configured go-redis client for the optional generation-count
// fast-path cache. The file-backed state store in internal/statestore remains
// the durable source of truth; this client is only consulted when
// cfg.Redis.Enabled is true.
func New(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}
