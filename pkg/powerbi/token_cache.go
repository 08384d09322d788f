package powerbi

import (
	"sync"
	"time"
)

// tokenCache holds issued access tokens keyed by tenant+scope so repeated
// REST calls inside one session reuse the same bearer token.
type tokenCache struct {
	mu      sync.RWMutex
	entries map[string]*tokenEntry
	maxSize int
}

type tokenEntry struct {
	token      string
	expiresAt  time.Time
	lastAccess time.Time
}

func newTokenCache(maxSize int) *tokenCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &tokenCache{
		entries: make(map[string]*tokenEntry),
		maxSize: maxSize,
	}
}

// get returns a cached token that is still inside its validity window.
func (c *tokenCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		return "", false
	}

	entry.lastAccess = time.Now()
	return entry.token, true
}

// set stores a token with its expiry, evicting the least recently used
// entry when the cache is full.
func (c *tokenCache) set(key, token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictLRU()
	}

	c.entries[key] = &tokenEntry{
		token:      token,
		expiresAt:  expiresAt,
		lastAccess: time.Now(),
	}
}

// clear drops every cached token. Used on sign-out.
func (c *tokenCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*tokenEntry)
}

func (c *tokenCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastAccess
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
