// Package cache provides the key/value stores used for cache-aside reads.
// Values are opaque strings; callers own serialization. Every entry written
// through a Store expires after the store's single configured TTL.
package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultTTL is the expiry applied to every key when none is configured.
const DefaultTTL = 60 * time.Second

const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Store is a string key/value store with a fixed per-key expiry.
type Store interface {
	// Get returns the value and true, or "" and false when the key is missing or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key with the store's TTL.
	Set(ctx context.Context, key, value string) error
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	Driver        string
	TTL           time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
}

// ConfigFromEnv reads cache config from environment variables.
func ConfigFromEnv() Config {
	driver := os.Getenv("CACHE_DRIVER")
	if driver == "" {
		driver = DriverRedis
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ttl := DefaultTTL
	if s, err := strconv.Atoi(os.Getenv("CACHE_TTL_SECONDS")); err == nil && s > 0 {
		ttl = time.Duration(s) * time.Second
	}
	db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
	pool, _ := strconv.Atoi(os.Getenv("REDIS_POOL_SIZE"))
	return Config{
		Driver:        driver,
		TTL:           ttl,
		RedisAddr:     addr,
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       db,
		RedisPoolSize: pool,
	}
}

// New builds the Store named by cfg.Driver. Redis stores are pinged before
// being returned.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStore(cfg.TTL), nil
	case DriverRedis, "":
		s := NewRedisStore(&RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
			TTL:      cfg.TTL,
		})
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}
