package powerbi

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/jsonutil"
)

// DatasetRef is the resolved identity of one cloud dataset.
type DatasetRef struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceName string `json:"workspace_name"`
}

// datasetCacheFile is the on-disk shape of the dataset cache.
type datasetCacheFile struct {
	FetchedAt time.Time              `json:"fetched_at"`
	Datasets  map[string]*DatasetRef `json:"datasets"`
}

// DatasetCache maps dataset GUIDs to names across sessions so thin-report
// resolution works without a fresh sign-in. The whole catalog snapshot ages
// out together: entries older than the TTL read as misses and the next
// resolution refreshes everything.
type DatasetCache struct {
	mu      sync.RWMutex
	path    string
	ttl     time.Duration
	fetched time.Time
	entries map[string]*DatasetRef
	logger  *zap.Logger
}

// NewDatasetCache loads the cache at path, or starts empty when the file is
// missing or unreadable.
func NewDatasetCache(path string, ttl time.Duration, logger *zap.Logger) *DatasetCache {
	c := &DatasetCache{
		path:    path,
		ttl:     ttl,
		entries: make(map[string]*DatasetRef),
		logger:  logger.Named("dataset-cache"),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("Failed to read dataset cache, starting empty",
				zap.String("path", path),
				zap.Error(err))
		}
		return c
	}

	var file datasetCacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		c.logger.Warn("Dataset cache is corrupt, starting empty",
			zap.String("path", path),
			zap.Error(err))
		return c
	}
	c.fetched = file.FetchedAt
	if file.Datasets != nil {
		c.entries = file.Datasets
	}
	return c
}

// Get returns the cached ref for a dataset GUID. Stale snapshots miss.
func (c *DatasetCache) Get(datasetID string) (*DatasetRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.stale() {
		return nil, false
	}
	ref, ok := c.entries[datasetID]
	return ref, ok
}

// Len returns the number of cached datasets, stale or not.
func (c *DatasetCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Fill replaces the snapshot with freshly enumerated refs and persists it.
func (c *DatasetCache) Fill(refs []*DatasetRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*DatasetRef, len(refs))
	for _, ref := range refs {
		if ref != nil && ref.ID != "" {
			c.entries[ref.ID] = ref
		}
	}
	c.fetched = time.Now().UTC()
	return c.flushLocked()
}

// Clear drops the snapshot and persists the empty state.
func (c *DatasetCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*DatasetRef)
	c.fetched = time.Time{}
	return c.flushLocked()
}

// stale reports whether the snapshot has aged out. Caller must hold mu.
func (c *DatasetCache) stale() bool {
	if c.fetched.IsZero() {
		return true
	}
	return c.ttl > 0 && time.Since(c.fetched) > c.ttl
}

// flushLocked persists the cache atomically. Caller must hold mu.
func (c *DatasetCache) flushLocked() error {
	data, err := json.MarshalIndent(datasetCacheFile{
		FetchedAt: c.fetched,
		Datasets:  c.entries,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dataset cache: %w", err)
	}
	if err := jsonutil.WriteFileAtomic(c.path, data); err != nil {
		return fmt.Errorf("write dataset cache: %w", err)
	}
	return nil
}
