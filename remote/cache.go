package remote

import (
	"sync"
	"time"

	"github.com/kacy/approov-gateway/provider"
)

// CacheConfig holds configuration for the token cache.
type CacheConfig struct {
	// TTL is used for tokens whose response carries no lifetime
	// (default: 1 minute).
	TTL time.Duration

	// CleanupInterval is how often expired tokens are removed (default: 1 minute).
	CleanupInterval time.Duration
}

type cacheEntry struct {
	result    provider.Result
	expiresAt time.Time
}

// tokenCache holds issued tokens until they expire.
type tokenCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	closeCh chan struct{}
	closed  bool
}

func newTokenCache(cfg CacheConfig) *tokenCache {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = time.Minute
	}

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = time.Minute
	}

	c := &tokenCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		closeCh: make(chan struct{}),
	}

	go c.cleanupLoop(cleanupInterval)

	return c
}

// get returns a copy of the cached result for key. One-shot flags are
// cleared on the copy.
func (c *tokenCache) get(key string) (*provider.Result, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}

	r := entry.result
	r.ConfigChanged = false
	r.ForceApplyPins = false
	return &r, true
}

// put caches r under key for ttl, or the default TTL when ttl is zero.
func (c *tokenCache) put(key string, r *provider.Result, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{result: *r, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// clear drops every cached token.
func (c *tokenCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *tokenCache) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.closeCh)
}

func (c *tokenCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.closeCh:
			return
		}
	}
}

func (c *tokenCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *tokenCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
