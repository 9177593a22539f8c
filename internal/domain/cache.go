package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetScore retrieves a cached score result for a model version.
	GetScore(ctx context.Context, modelVersion, txID string) (*ScoreResult, error)

	// SetScore caches a score result so resubmissions of the same
	// transaction against the same model return the original result.
	SetScore(ctx context.Context, modelVersion string, result *ScoreResult, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" koanf:"type" validate:"oneof=memory redis"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `json:"localMaxSize" koanf:"local_max_size"`
	LocalTTL     time.Duration `json:"localTtl" koanf:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" koanf:"redis_addr"`
	RedisPassword string `json:"-" koanf:"redis_password"`
	RedisDB       int    `json:"redisDb" koanf:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" koanf:"enable_two_phase"` // If true, check local first, then Redis
}
