package services

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/apperrors"
	"github.com/analytic-endeavors/hotswap-engine/pkg/models"
	"github.com/analytic-endeavors/hotswap-engine/pkg/stores"
)

// RunGroup is one batch of swap history entries sharing a run ID, in the
// order the ledger holds them (most recent first).
type RunGroup struct {
	RunID     string                     `json:"run_id"`
	Timestamp time.Time                  `json:"timestamp"`
	Entries   []*models.SwapHistoryEntry `json:"entries"`
}

// HistoryService maintains the swap ledger: one entry per successful swap,
// appended most-recent-first and capped by the store. Entries leave the
// ledger only through rollback or an explicit clear.
type HistoryService interface {
	// NewRunID returns an identifier grouping the entries of one batch.
	NewRunID() string

	// RecordSwap appends one entry for a successfully swapped mapping.
	// Batch swaps pass the same runID for every entry; an empty runID gets
	// a fresh one.
	RecordSwap(mapping *models.ConnectionMapping, runID, modelFilePath string) (*models.SwapHistoryEntry, error)

	// List returns all entries, most recent first.
	List() []*models.SwapHistoryEntry

	// ListGrouped returns entries grouped by run ID, most recent run first,
	// so the shell can render a batch as a single row.
	ListGrouped() []*RunGroup

	// Get returns the entry with the given id.
	Get(id string) (*models.SwapHistoryEntry, error)

	// EntriesForRun returns all entries recorded under one run ID.
	EntriesForRun(runID string) []*models.SwapHistoryEntry

	// RemoveEntry deletes one entry, typically after a successful rollback.
	RemoveEntry(id string) error

	// ClearForModel removes the entries recorded for one model file path and
	// returns how many were removed. An empty path clears the whole ledger;
	// callers only pass it when no model is connected.
	ClearForModel(modelFilePath string) (int, error)
}

type historyService struct {
	store  stores.HistoryStore
	logger *zap.Logger
}

// NewHistoryService creates the history service over the given ledger store.
func NewHistoryService(store stores.HistoryStore, logger *zap.Logger) HistoryService {
	return &historyService{
		store:  store,
		logger: logger.Named("history"),
	}
}

func (s *historyService) NewRunID() string {
	return time.Now().Format("20060102-150405") + "-" + uuid.New().String()[:8]
}

func (s *historyService) RecordSwap(mapping *models.ConnectionMapping, runID, modelFilePath string) (*models.SwapHistoryEntry, error) {
	if mapping.Target == nil {
		return nil, fmt.Errorf("record swap for %q: %w", mapping.Source.Name, apperrors.ErrNoTarget)
	}
	if runID == "" {
		runID = s.NewRunID()
	}

	originalServer := mapping.OriginalServer
	originalDatabase := mapping.OriginalDatabase
	if originalServer == "" && originalDatabase == "" {
		originalServer = mapping.Source.Server
		originalDatabase = mapping.Source.Database
	}

	entry := &models.SwapHistoryEntry{
		ID:               uuid.New().String(),
		ConnectionName:   mapping.Source.Name,
		OriginalServer:   originalServer,
		OriginalDatabase: originalDatabase,
		NewServer:        mapping.Target.Server,
		NewDatabase:      mapping.Target.Database,
		SourceType:       models.KindOfSource(mapping.Source),
		TargetType:       models.KindOfTarget(mapping.Target),
		Timestamp:        time.Now(),
		RunID:            runID,
		ModelFilePath:    modelFilePath,
	}

	if err := s.store.Append(entry); err != nil {
		return nil, fmt.Errorf("append history entry: %w", err)
	}

	s.logger.Info("Recorded swap in history",
		zap.String("connection", entry.ConnectionName),
		zap.String("run_id", runID),
		zap.String("new_server", entry.NewServer))
	return entry, nil
}

func (s *historyService) List() []*models.SwapHistoryEntry {
	return s.store.List()
}

func (s *historyService) ListGrouped() []*RunGroup {
	entries := s.store.List()

	groups := make([]*RunGroup, 0, len(entries))
	index := make(map[string]*RunGroup, len(entries))
	for _, e := range entries {
		// Entries without a run ID predate batch grouping; each stands alone.
		if e.RunID == "" {
			groups = append(groups, &RunGroup{
				Timestamp: e.Timestamp,
				Entries:   []*models.SwapHistoryEntry{e},
			})
			continue
		}
		g, ok := index[e.RunID]
		if !ok {
			g = &RunGroup{RunID: e.RunID, Timestamp: e.Timestamp}
			index[e.RunID] = g
			groups = append(groups, g)
		}
		g.Entries = append(g.Entries, e)
	}
	return groups
}

func (s *historyService) Get(id string) (*models.SwapHistoryEntry, error) {
	for _, e := range s.store.List() {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("history entry %s: %w", id, apperrors.ErrNotFound)
}

func (s *historyService) EntriesForRun(runID string) []*models.SwapHistoryEntry {
	var out []*models.SwapHistoryEntry
	for _, e := range s.store.List() {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

func (s *historyService) RemoveEntry(id string) error {
	if err := s.store.Remove(id); err != nil {
		return fmt.Errorf("remove history entry: %w", err)
	}
	s.logger.Info("Removed history entry", zap.String("entry_id", id))
	return nil
}

func (s *historyService) ClearForModel(modelFilePath string) (int, error) {
	removed, err := s.store.RemoveForModel(modelFilePath)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}

	if modelFilePath == "" {
		s.logger.Info("Cleared entire history ledger", zap.Int("removed", removed))
	} else {
		s.logger.Info("Cleared history for model",
			zap.String("model_file_path", modelFilePath),
			zap.Int("removed", removed))
	}
	return removed, nil
}
