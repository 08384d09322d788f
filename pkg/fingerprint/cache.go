package fingerprint

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/jsonutil"
)

// Entry is one cached fingerprint together with when it was computed,
// so callers can judge staleness themselves.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Cache is a write-through fingerprint cache persisted as a single JSON
// file. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	path    string
	entries map[string]Entry
	logger  *zap.Logger
}

// NewCache loads the cache at path, or starts empty when the file is
// missing or unreadable. A corrupt cache is never fatal.
func NewCache(path string, logger *zap.Logger) *Cache {
	c := &Cache{
		path:    path,
		entries: make(map[string]Entry),
		logger:  logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Failed to read fingerprint cache, starting empty",
				zap.String("path", path),
				zap.Error(err))
		}
		return c
	}

	if err := json.Unmarshal(data, &c.entries); err != nil {
		logger.Warn("Fingerprint cache is corrupt, starting empty",
			zap.String("path", path),
			zap.Error(err))
		c.entries = make(map[string]Entry)
	}
	return c
}

// Get returns the cached entry for key.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	return entry, ok
}

// Put stores a fingerprint for key and persists the cache.
func (c *Cache) Put(key, fp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = Entry{Fingerprint: fp, ComputedAt: time.Now().UTC()}
	return c.flushLocked()
}

// Invalidate drops the entry for key and persists the cache.
func (c *Cache) Invalidate(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return nil
	}
	delete(c.entries, key)
	return c.flushLocked()
}

// flushLocked persists the cache atomically. Caller must hold mu.
func (c *Cache) flushLocked() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fingerprint cache: %w", err)
	}
	if err := jsonutil.WriteFileAtomic(c.path, data); err != nil {
		return fmt.Errorf("write fingerprint cache: %w", err)
	}
	return nil
}
