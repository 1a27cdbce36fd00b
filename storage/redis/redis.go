// Package redis provides a Redis-backed storage.Storage so that remote
// validation results can be shared by every replica of a service.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/tokenauth/storage"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "tokenauth:results:"

// Config contains configuration options for the Redis storage.
type Config struct {
	// Client is the Redis client instance. Required.
	Client redis.UniversalClient

	// KeyPrefix is prepended to every key.
	KeyPrefix string
}

// Storage implements storage.Storage using Redis.
type Storage struct {
	client    redis.UniversalClient
	keyPrefix string
}

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a new Redis-based storage instance.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	return &Storage{client: config.Client, keyPrefix: config.KeyPrefix}, nil
}

// Get retrieves the item stored under key.
func (s *Storage) Get(ctx context.Context, key string) (*storage.Item, error) {
	redisKey := s.keyPrefix + key
	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var si storedItem
	if err := json.Unmarshal(raw, &si); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}
	item := &storage.Item{Data: si.Data, CreatedAt: si.CreatedAt, ExpiresAt: si.ExpiresAt}
	// Redis expiry has millisecond granularity; re-check so callers never
	// observe an item past its own deadline.
	if item.IsExpired() {
		s.client.Del(ctx, redisKey)
		return nil, nil
	}
	return item, nil
}

// Set stores data under key. With a TTL, Redis expires the key itself.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o, err := storage.Apply(opts...)
	if err != nil {
		return err
	}
	redisKey := s.keyPrefix + key
	now := time.Now()
	si := storedItem{Data: data, CreatedAt: now}

	var ttl time.Duration
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		si.ExpiresAt = &exp
		ttl = *o.TTL
	}
	b, err := json.Marshal(si)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}
	if err := s.client.Set(ctx, redisKey, b, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

// Delete removes key.
func (s *Storage) Delete(ctx context.Context, key string) error {
	redisKey := s.keyPrefix + key
	if err := s.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Storage) Close() error {
	return s.client.Close()
}

var _ storage.Storage = (*Storage)(nil)

// EnvConfig selects a Redis server from the environment.
type EnvConfig struct {
	// Addr like "localhost:6379". Empty disables the Redis backend.
	Addr      string `env:"TOKENAUTH_REDIS_ADDR"`
	KeyPrefix string `env:"TOKENAUTH_REDIS_KEY_PREFIX,default=tokenauth:results:"`
}

// NewFromEnv builds a Storage from EnvConfig. It returns nil, nil when
// TOKENAUTH_REDIS_ADDR is unset.
func NewFromEnv(ctx context.Context) (*Storage, error) {
	var cfg EnvConfig
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	if cfg.Addr == "" {
		return nil, nil
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(Config{Client: cl, KeyPrefix: cfg.KeyPrefix})
}
