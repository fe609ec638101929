// Package settings provides the local settings store the gateway uses to
// persist the attestation provider's opaque dynamic configuration.
package settings

import (
	"context"
	"errors"
	"sync"
)

// DynamicConfigKey is the key the dynamic configuration is stored under.
const DynamicConfigKey = "APPROOV_DYNAMIC_CONFIG"

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("setting not found")

// Store is a string key/value store.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
}

// LoadDynamicConfig returns the persisted dynamic configuration, or an
// empty string if none has been saved.
func LoadDynamicConfig(ctx context.Context, s Store) (string, error) {
	v, err := s.Get(ctx, DynamicConfigKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

// SaveDynamicConfig persists the dynamic configuration. Empty values are
// not stored.
func SaveDynamicConfig(ctx context.Context, s Store, config string) error {
	if config == "" {
		return nil
	}
	return s.Set(ctx, DynamicConfigKey, config)
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for testing and single-process use where nothing needs to
// survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get returns the value for key.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores value under key.
func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored keys (for testing/monitoring).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
