package stores

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/jsonutil"
	"github.com/analytic-endeavors/hotswap-engine/pkg/models"
)

// historyVersion is the ledger file format version.
const historyVersion = 1

// historyDocument is the on-disk envelope for the swap ledger.
type historyDocument struct {
	Version int                        `json:"version"`
	History []*models.SwapHistoryEntry `json:"history"`
}

// HistoryStore is the durable swap ledger, most recent entry first.
type HistoryStore interface {
	// Append records entries at the front of the ledger. Entries beyond the
	// cap are evicted oldest-first.
	Append(entries ...*models.SwapHistoryEntry) error
	// List returns all entries, most recent first.
	List() []*models.SwapHistoryEntry
	// Remove deletes the entry with the given id. Missing ids are a no-op.
	Remove(id string) error
	// RemoveForModel deletes all entries recorded for a model file path and
	// returns how many were removed.
	RemoveForModel(modelFilePath string) (int, error)
	// Clear empties the whole ledger.
	Clear() error
}

// historyStore implements HistoryStore over a single JSON file.
type historyStore struct {
	mu         sync.Mutex
	path       string
	maxEntries int
	logger     *zap.Logger
}

// NewHistoryStore creates the ledger store at path holding at most maxEntries.
func NewHistoryStore(path string, maxEntries int, logger *zap.Logger) HistoryStore {
	return &historyStore{
		path:       path,
		maxEntries: maxEntries,
		logger:     logger.Named("history-store"),
	}
}

func (s *historyStore) Append(entries ...*models.SwapHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadLocked()

	// Newest first within the batch as well
	merged := make([]*models.SwapHistoryEntry, 0, len(entries)+len(doc.History))
	for i := len(entries) - 1; i >= 0; i-- {
		merged = append(merged, entries[i])
	}
	merged = append(merged, doc.History...)

	if len(merged) > s.maxEntries {
		merged = merged[:s.maxEntries]
	}
	doc.History = merged

	return s.saveLocked(doc)
}

func (s *historyStore) List() []*models.SwapHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadLocked()
	out := make([]*models.SwapHistoryEntry, len(doc.History))
	copy(out, doc.History)
	return out
}

func (s *historyStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadLocked()
	kept := doc.History[:0]
	for _, entry := range doc.History {
		if entry.ID != id {
			kept = append(kept, entry)
		}
	}
	if len(kept) == len(doc.History) {
		return nil
	}
	doc.History = kept
	return s.saveLocked(doc)
}

func (s *historyStore) RemoveForModel(modelFilePath string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadLocked()
	kept := make([]*models.SwapHistoryEntry, 0, len(doc.History))
	for _, entry := range doc.History {
		if !entry.MatchesModel(modelFilePath) {
			kept = append(kept, entry)
		}
	}
	removed := len(doc.History) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	doc.History = kept
	if err := s.saveLocked(doc); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *historyStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveLocked(&historyDocument{Version: historyVersion})
}

func (s *historyStore) loadLocked() *historyDocument {
	doc := &historyDocument{Version: historyVersion}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read history ledger, treating as empty",
				zap.String("path", s.path),
				zap.Error(err))
		}
		return doc
	}

	if err := json.Unmarshal(data, doc); err != nil {
		s.logger.Warn("History ledger is corrupt, treating as empty",
			zap.String("path", s.path),
			zap.Error(err))
		return &historyDocument{Version: historyVersion}
	}
	doc.Version = historyVersion
	return doc
}

func (s *historyStore) saveLocked(doc *historyDocument) error {
	if doc.History == nil {
		doc.History = []*models.SwapHistoryEntry{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history ledger: %w", err)
	}
	if err := jsonutil.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("write history ledger: %w", err)
	}
	return nil
}
