package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetCycleState retrieves a memoized derived cycle state. The key
	// embeds the newest visit ID, so a stale entry can never be served
	// for a customer whose ledger has since grown.
	GetCycleState(ctx context.Context, tenantID string, customerID string, lastVisitID string) (*CycleState, error)

	// SetCycleState memoizes a derived cycle state.
	SetCycleState(ctx context.Context, tenantID string, state *CycleState, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for the per-employee daily discount factor.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// GetCounter reads a counter without incrementing it. Returns
	// ok=false when the counter does not exist or its window lapsed.
	GetCounter(ctx context.Context, tenantID string, key string) (int64, bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
