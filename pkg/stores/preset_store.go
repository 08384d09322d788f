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

// PresetStore is durable whole-document storage for one root.
type PresetStore interface {
	// StorageType identifies which root this store persists.
	StorageType() models.StorageType
	// Path returns the backing document path.
	Path() string
	// Load returns the current document, migrating legacy layouts.
	// Any read failure degrades to an empty document.
	Load() *PresetDocument
	// Save persists a document atomically.
	Save(doc *PresetDocument) error
	// Mutate runs fn over the freshly loaded document and persists the
	// result atomically. fn returning an error aborts the write and the
	// prior on-disk state stays untouched. Calls are serialized.
	Mutate(fn func(doc *PresetDocument) error) error
}

// presetStore implements PresetStore over a single JSON file.
type presetStore struct {
	mu          sync.Mutex
	storageType models.StorageType
	path        string
	logger      *zap.Logger
}

// NewPresetStore creates a store for the document at path. The file does not
// need to exist yet; a missing file reads as an empty document.
func NewPresetStore(storageType models.StorageType, path string, logger *zap.Logger) PresetStore {
	return &presetStore{
		storageType: storageType,
		path:        path,
		logger:      logger.Named("preset-store").With(zap.String("storage_type", string(storageType))),
	}
}

func (s *presetStore) StorageType() models.StorageType {
	return s.storageType
}

func (s *presetStore) Path() string {
	return s.path
}

func (s *presetStore) Load() *PresetDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *presetStore) loadLocked() *PresetDocument {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read preset document, treating as empty",
				zap.String("path", s.path),
				zap.Error(err))
		}
		return NewPresetDocument()
	}
	return decodeDocument(data, s.logger)
}

func (s *presetStore) Save(doc *PresetDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(doc)
}

func (s *presetStore) saveLocked(doc *PresetDocument) error {
	doc.Version = DocumentVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preset document: %w", err)
	}
	if err := jsonutil.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("write preset document: %w", err)
	}
	return nil
}

func (s *presetStore) Mutate(fn func(doc *PresetDocument) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadLocked()
	if err := fn(doc); err != nil {
		return err
	}
	doc.PruneEmptyBuckets()
	return s.saveLocked(doc)
}
