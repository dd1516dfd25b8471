package domain

import (
	"context"
	"time"
)

// Cache stores rendered account explanations. Keys embed the bundle
// version, so an entry can never outlive the model that produced it;
// Purge drops a superseded version eagerly.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Purge removes every key starting with prefix and reports how many went.
	Purge(ctx context.Context, prefix string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects the explanation cache backend.
type CacheConfig struct {
	// Type is "memory" (in-process LRU) or "redis"
	Type string

	// LRU settings; with EnableTwoPhase they size the L1 in front of Redis
	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase checks the local LRU before Redis
	EnableTwoPhase bool
}
