// Package redis provides a Redis-backed settings store so several gateway
// instances can share the provider's dynamic configuration.
//
// This package requires a Redis client to be passed in, giving you full control
// over connection pooling, timeouts, and clustering configuration.
//
// Supported Redis clients:
//   - github.com/redis/go-redis/v9
//   - Any client implementing the Cmdable interface
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kacy/approov-gateway/settings"
)

// Cmdable is the subset of Redis commands the store needs.
// This is compatible with github.com/redis/go-redis/v9.Client and ClusterClient.
type Cmdable interface {
	Get(ctx context.Context, key string) StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) StatusCmd
	Del(ctx context.Context, keys ...string) IntCmd
}

// StringCmd is the interface for string command results.
type StringCmd interface {
	Result() (string, error)
}

// StatusCmd is the interface for status command results.
type StatusCmd interface {
	Err() error
}

// IntCmd is the interface for int command results.
type IntCmd interface {
	Result() (int64, error)
}

// SettingsStoreConfig holds configuration for the Redis settings store.
type SettingsStoreConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "approov:settings:").
	KeyPrefix string

	// TTL is how long values are kept (default: 0 = no expiration).
	TTL time.Duration
}

// SettingsStore is a Redis-backed implementation of settings.Store.
type SettingsStore struct {
	client    Cmdable
	keyPrefix string
	ttl       time.Duration
}

var _ settings.Store = (*SettingsStore)(nil)

// NewSettingsStore creates a new Redis-backed settings store.
func NewSettingsStore(cfg SettingsStoreConfig) (*SettingsStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "approov:settings:"
	}

	return &SettingsStore{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		ttl:       cfg.TTL,
	}, nil
}

// Get returns the value for key, or settings.ErrNotFound.
func (s *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if err != nil {
		if isNil(err) {
			return "", settings.ErrNotFound
		}
		return "", fmt.Errorf("failed to load setting: %w", err)
	}
	return v, nil
}

// Set stores value under key.
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store setting: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key returns settings.ErrNotFound.
func (s *SettingsStore) Delete(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	if n == 0 {
		return settings.ErrNotFound
	}
	return nil
}

// isNil checks if the error is a redis.Nil error.
// We check the error string to avoid importing go-redis directly.
func isNil(err error) bool {
	return err != nil && err.Error() == "redis: nil"
}
