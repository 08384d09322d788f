package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/adapters"
	"github.com/analytic-endeavors/hotswap-engine/pkg/apperrors"
	"github.com/analytic-endeavors/hotswap-engine/pkg/fingerprint"
	"github.com/analytic-endeavors/hotswap-engine/pkg/jsonutil"
	"github.com/analytic-endeavors/hotswap-engine/pkg/logging"
	"github.com/analytic-endeavors/hotswap-engine/pkg/models"
	"github.com/analytic-endeavors/hotswap-engine/pkg/stores"
)

// SettingBackupBeforeSwap toggles the pre-swap file backup on the thin-report
// path. Missing or malformed values read as enabled.
const SettingBackupBeforeSwap = "create_backup_before_swap"

// globalPresetExportTag marks a file as a global-preset export. Import
// refuses files without it.
const globalPresetExportTag = "global_presets_export"

// errLastConfigExists aborts the last-config write when a snapshot is already
// on disk and force is not set.
var errLastConfigExists = errors.New("last config already captured")

// SchemaValidation is the advisory result of checking a preset's cloud schema
// fingerprints against the report file's current connection block. It never
// blocks an apply; the shell decides whether to warn the user.
type SchemaValidation struct {
	// Matches is false when at least one cloud mapping's stored fingerprint
	// differs from the file's current one.
	Matches bool `json:"matches"`
	// HasCloudMapping reports whether the preset has anything to validate.
	HasCloudMapping bool `json:"has_cloud_mapping"`
	// MismatchedMappings lists the connection names whose fingerprints drifted.
	MismatchedMappings []string `json:"mismatched_mappings,omitempty"`
	// Details carries per-connection diagnostics plus a "fingerprint" note
	// when the current fingerprint could not be computed.
	Details map[string]string `json:"details,omitempty"`
}

// globalPresetExport is the envelope written by ExportGlobalPresets.
type globalPresetExport struct {
	Type       string                        `json:"type"`
	Version    string                        `json:"version"`
	ExportedAt time.Time                     `json:"exported_at"`
	Presets    map[string]*models.SwapPreset `json:"presets"`
}

// PresetService is durable CRUD for presets, last-config snapshots, and app
// settings across the USER store and an optionally attached PROJECT/REPORT
// store. All read failures degrade to empty stores; validation failures come
// back as errors or (false, reason) pairs, never panics.
type PresetService interface {
	// AttachProjectStore makes a project- or report-local store available to
	// searches and project-scoped writes. Replaces any prior attachment.
	AttachProjectStore(store stores.PresetStore)

	// DetachProjectStore drops the attached project store, typically on
	// model disconnect.
	DetachProjectStore()

	// ListPresets aggregates presets across the USER and (when requested and
	// attached) PROJECT stores. Scope "" returns every global and model
	// preset. Scope MODEL with a hash returns that bucket plus the legacy
	// bucket; MODEL without a hash returns nothing, since model presets
	// cannot apply without a connected model.
	ListPresets(includeProject bool, scope models.PresetScope, modelHash string) []*models.SwapPreset

	// GetPreset returns the first preset matching name within the given
	// storage type, scope, and model hash. Empty storage type searches
	// PROJECT before USER; empty scope searches global before model buckets.
	GetPreset(name string, storageType models.StorageType, scope models.PresetScope, modelHash string) (*models.SwapPreset, error)

	// SavePreset validates and persists a preset into its scope bucket,
	// stamping UpdatedAt. The whole document is rewritten atomically.
	SavePreset(preset *models.SwapPreset) error

	// DeletePreset removes a preset from one storage type. Deleting the last
	// preset in a model-hash bucket removes the bucket.
	DeletePreset(name string, storageType models.StorageType, scope models.PresetScope, modelHash string) error

	// RenamePreset renames within one bucket. Returns ErrNameConflict and
	// leaves the original untouched when the new name is already taken.
	RenamePreset(oldName, newName string, storageType models.StorageType, scope models.PresetScope, modelHash string) error

	// CreatePresetFromMappings builds and saves a MODEL-scope preset from the
	// mappings that have targets. Mappings without a target are skipped.
	CreatePresetFromMappings(name, description, modelHash, modelName string, storageType models.StorageType, mappings []*models.ConnectionMapping) (*models.SwapPreset, error)

	// ApplyPresetToMappings matches preset entries to mappings by connection
	// name, sets each matched mapping's target, and returns how many were
	// updated. Unmatched mappings are untouched.
	ApplyPresetToMappings(preset *models.SwapPreset, mappings []*models.ConnectionMapping) int

	// CreateGlobalPreset builds and saves a single-target GLOBAL preset from
	// one mapping's assigned target.
	CreateGlobalPreset(name, description string, storageType models.StorageType, mapping *models.ConnectionMapping) (*models.SwapPreset, error)

	// CanApplyGlobalPreset checks the GLOBAL preset preconditions: exactly
	// one preset target, exactly one model connection, and a target that
	// differs from the connection's current endpoint (case-insensitive).
	// Returns (false, reason) when any precondition fails.
	CanApplyGlobalPreset(preset *models.SwapPreset, mappings []*models.ConnectionMapping) (bool, string)

	// ApplyGlobalPreset applies a GLOBAL preset to the model's sole mapping.
	// Returns (0, reason) when CanApplyGlobalPreset refuses.
	ApplyGlobalPreset(preset *models.SwapPreset, mappings []*models.ConnectionMapping) (int, string)

	// SaveLastConfig snapshots every mapping's source as the model's original
	// configuration. First capture wins: when a snapshot already exists the
	// call returns (false, nil) without writing, unless force is set.
	SaveLastConfig(modelHash string, mappings []*models.ConnectionMapping, modelName, friendlyName, workspaceName string, force bool) (bool, error)

	// HasLastConfig reports whether a snapshot exists for the model hash.
	HasLastConfig(modelHash string) bool

	// GetLastConfig returns the snapshot for the model hash, or nil.
	GetLastConfig(modelHash string) *models.LastConfig

	// ApplyLastConfig rebuilds swap targets from the saved original sources
	// (swap-back). Connections are matched by name, falling back to a
	// one-to-one association when both sides hold exactly one entry.
	// Returns the number of mappings updated.
	ApplyLastConfig(modelHash string, mappings []*models.ConnectionMapping) (int, error)

	// ValidatePresetSchema compares the preset's stored cloud schema
	// fingerprints against the report file's current connection block.
	// Advisory only: an unavailable fingerprint reads as matching.
	ValidatePresetSchema(ctx context.Context, preset *models.SwapPreset, reportPath string) *SchemaValidation

	// ExportGlobalPresets writes every USER-store global preset to a tagged
	// export file. Returns the number exported.
	ExportGlobalPresets(path string) (int, error)

	// ImportGlobalPresets replaces the USER store's global presets with the
	// file's contents. Replacement is total, never a merge; the shell
	// confirms with the user before calling. Returns the number imported.
	ImportGlobalPresets(path string) (int, error)

	// GetSetting reads one key from the USER store's settings bag.
	GetSetting(key string) (any, bool)

	// SetSetting writes one key into the USER store's settings bag.
	SetSetting(key string, value any) error

	// BackupBeforeSwap reads the backup toggle, defaulting to true.
	BackupBeforeSwap() bool

	// SetBackupBeforeSwap writes the backup toggle.
	SetBackupBeforeSwap(enabled bool) error
}

type presetService struct {
	userStore stores.PresetStore
	fpCache   *fingerprint.Cache
	modifier  adapters.PbixModifier

	mu           sync.RWMutex
	projectStore stores.PresetStore

	logger *zap.Logger
}

// NewPresetService creates the preset service over the per-user store.
// modifier may be nil; schema validation then relies on cached fingerprints.
func NewPresetService(userStore stores.PresetStore, fpCache *fingerprint.Cache, modifier adapters.PbixModifier, logger *zap.Logger) PresetService {
	return &presetService{
		userStore: userStore,
		fpCache:   fpCache,
		modifier:  modifier,
		logger:    logger.Named("presets"),
	}
}

func (s *presetService) AttachProjectStore(store stores.PresetStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectStore = store
	s.logger.Info("Attached project preset store",
		zap.String("storage_type", string(store.StorageType())),
		zap.String("path", store.Path()))
}

func (s *presetService) DetachProjectStore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.projectStore == nil {
		return
	}
	s.logger.Info("Detached project preset store",
		zap.String("storage_type", string(s.projectStore.StorageType())))
	s.projectStore = nil
}

// attachedStore returns the project store, or nil.
func (s *presetService) attachedStore() stores.PresetStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projectStore
}

// searchStores returns the stores to search for reads, in order. An empty
// storage type searches the project store before the user store, so presets
// shipped with a repository override personal ones.
func (s *presetService) searchStores(storageType models.StorageType) []stores.PresetStore {
	project := s.attachedStore()
	switch storageType {
	case "":
		if project != nil {
			return []stores.PresetStore{project, s.userStore}
		}
		return []stores.PresetStore{s.userStore}
	case models.StorageTypeUser:
		return []stores.PresetStore{s.userStore}
	default:
		if project != nil && project.StorageType() == storageType {
			return []stores.PresetStore{project}
		}
		return nil
	}
}

// storeFor resolves the single store a write lands in. An empty storage type
// writes to the user store.
func (s *presetService) storeFor(storageType models.StorageType) (stores.PresetStore, error) {
	switch storageType {
	case "", models.StorageTypeUser:
		return s.userStore, nil
	default:
		if project := s.attachedStore(); project != nil && project.StorageType() == storageType {
			return project, nil
		}
		return nil, fmt.Errorf("no %s preset store attached", storageType)
	}
}

// lookupBuckets returns the document buckets to search, in order, without
// creating missing ones. Scope "" searches global first, then model buckets.
// A model hash adds its bucket ahead of the legacy bucket.
func lookupBuckets(doc *stores.PresetDocument, scope models.PresetScope, modelHash string) []map[string]*models.SwapPreset {
	var buckets []map[string]*models.SwapPreset
	if scope == models.PresetScopeGlobal || scope == "" {
		buckets = append(buckets, doc.GlobalPresets)
	}
	if scope == models.PresetScopeModel || scope == "" {
		key := modelHash
		if key == "" {
			key = models.LegacyBucket
		}
		if b, ok := doc.ModelPresets[key]; ok {
			buckets = append(buckets, b)
		}
		if key != models.LegacyBucket {
			if b, ok := doc.ModelPresets[models.LegacyBucket]; ok {
				buckets = append(buckets, b)
			}
		}
	}
	return buckets
}

// stampClone returns a copy of the preset carrying the storage type of the
// store it was read from. The stored field can lie after a file is copied
// between roots; the owning store is authoritative.
func stampClone(p *models.SwapPreset, storageType models.StorageType) *models.SwapPreset {
	clone := p.Clone()
	clone.StorageType = storageType
	return clone
}

func (s *presetService) ListPresets(includeProject bool, scope models.PresetScope, modelHash string) []*models.SwapPreset {
	// Model presets are unreachable without a model identity to key them.
	if scope == models.PresetScopeModel && modelHash == "" {
		return nil
	}

	searchable := []stores.PresetStore{s.userStore}
	if includeProject {
		if project := s.attachedStore(); project != nil {
			searchable = append(searchable, project)
		}
	}

	var out []*models.SwapPreset
	for _, store := range searchable {
		doc := store.Load()
		st := store.StorageType()

		if scope == models.PresetScopeGlobal || scope == "" {
			for _, p := range doc.GlobalPresets {
				out = append(out, stampClone(p, st))
			}
		}

		switch {
		case scope == "":
			for _, bucket := range doc.ModelPresets {
				for _, p := range bucket {
					out = append(out, stampClone(p, st))
				}
			}
		case scope == models.PresetScopeModel:
			if bucket, ok := doc.ModelPresets[modelHash]; ok {
				for _, p := range bucket {
					out = append(out, stampClone(p, st))
				}
			}
			if modelHash != models.LegacyBucket {
				if bucket, ok := doc.ModelPresets[models.LegacyBucket]; ok {
					for _, p := range bucket {
						out = append(out, stampClone(p, st))
					}
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		an, bn := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if an != bn {
			return an < bn
		}
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		return a.StorageType < b.StorageType
	})
	return out
}

func (s *presetService) GetPreset(name string, storageType models.StorageType, scope models.PresetScope, modelHash string) (*models.SwapPreset, error) {
	for _, store := range s.searchStores(storageType) {
		doc := store.Load()
		for _, bucket := range lookupBuckets(doc, scope, modelHash) {
			if p, ok := bucket[name]; ok {
				return stampClone(p, store.StorageType()), nil
			}
		}
	}
	return nil, fmt.Errorf("preset %q: %w", name, apperrors.ErrNotFound)
}

func (s *presetService) SavePreset(preset *models.SwapPreset) error {
	if err := preset.Validate(); err != nil {
		return err
	}

	store, err := s.storeFor(preset.StorageType)
	if err != nil {
		return err
	}

	now := time.Now()
	preset.UpdatedAt = now
	if preset.CreatedAt.IsZero() {
		preset.CreatedAt = now
	}
	preset.StorageType = store.StorageType()

	err = store.Mutate(func(doc *stores.PresetDocument) error {
		if preset.Scope == models.PresetScopeGlobal {
			doc.GlobalPresets[preset.Name] = preset.Clone()
		} else {
			doc.ModelBucket(preset.ModelHash)[preset.Name] = preset.Clone()
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Saved preset",
		zap.String("preset", preset.Name),
		zap.String("scope", string(preset.Scope)),
		zap.String("storage_type", string(preset.StorageType)))
	return nil
}

func (s *presetService) DeletePreset(name string, storageType models.StorageType, scope models.PresetScope, modelHash string) error {
	store, err := s.storeFor(storageType)
	if err != nil {
		return err
	}

	err = store.Mutate(func(doc *stores.PresetDocument) error {
		for _, bucket := range lookupBuckets(doc, scope, modelHash) {
			if _, ok := bucket[name]; ok {
				delete(bucket, name)
				return nil
			}
		}
		return fmt.Errorf("preset %q: %w", name, apperrors.ErrNotFound)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Deleted preset",
		zap.String("preset", name),
		zap.String("storage_type", string(store.StorageType())))
	return nil
}

func (s *presetService) RenamePreset(oldName, newName string, storageType models.StorageType, scope models.PresetScope, modelHash string) error {
	if newName == "" {
		return fmt.Errorf("rename preset %q: new name is required", oldName)
	}

	store, err := s.storeFor(storageType)
	if err != nil {
		return err
	}

	err = store.Mutate(func(doc *stores.PresetDocument) error {
		for _, bucket := range lookupBuckets(doc, scope, modelHash) {
			p, ok := bucket[oldName]
			if !ok {
				continue
			}
			if _, taken := bucket[newName]; taken {
				return fmt.Errorf("rename preset %q to %q: %w", oldName, newName, apperrors.ErrNameConflict)
			}
			delete(bucket, oldName)
			p.Name = newName
			p.UpdatedAt = time.Now()
			bucket[newName] = p
			return nil
		}
		return fmt.Errorf("preset %q: %w", oldName, apperrors.ErrNotFound)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Renamed preset",
		zap.String("from", oldName),
		zap.String("to", newName),
		zap.String("storage_type", string(store.StorageType())))
	return nil
}

func (s *presetService) CreatePresetFromMappings(name, description, modelHash, modelName string, storageType models.StorageType, mappings []*models.ConnectionMapping) (*models.SwapPreset, error) {
	var targets []*models.PresetTargetMapping
	for _, m := range mappings {
		if !m.HasTarget() {
			continue
		}
		targets = append(targets, models.NewPresetTargetMapping(m.Source.Name, m.Target))
	}

	preset, err := models.NewModelPreset(name, description, modelHash, modelName, targets)
	if err != nil {
		return nil, err
	}
	preset.StorageType = storageType

	if err := s.SavePreset(preset); err != nil {
		return nil, err
	}
	return preset, nil
}

func (s *presetService) ApplyPresetToMappings(preset *models.SwapPreset, mappings []*models.ConnectionMapping) int {
	count := 0
	for _, m := range mappings {
		pm := preset.FindMapping(m.Source.Name)
		if pm == nil {
			continue
		}
		if err := m.SetTarget(pm.ToSwapTarget(), false); err != nil {
			s.logger.Warn("Skipping mapping during preset apply",
				zap.String("preset", preset.Name),
				zap.String("connection", m.Source.Name),
				zap.Error(err))
			continue
		}
		count++
	}

	if count > 0 {
		s.logger.Info("Applied preset to mappings",
			zap.String("preset", preset.Name),
			zap.Int("updated", count))
	}
	return count
}

func (s *presetService) CreateGlobalPreset(name, description string, storageType models.StorageType, mapping *models.ConnectionMapping) (*models.SwapPreset, error) {
	if mapping == nil || !mapping.HasTarget() {
		return nil, fmt.Errorf("create global preset %q: %w", name, apperrors.ErrNoTarget)
	}

	target := models.NewPresetTargetMapping(mapping.Source.Name, mapping.Target)
	preset, err := models.NewGlobalPreset(name, description, target)
	if err != nil {
		return nil, err
	}
	preset.StorageType = storageType

	if err := s.SavePreset(preset); err != nil {
		return nil, err
	}
	return preset, nil
}

func (s *presetService) CanApplyGlobalPreset(preset *models.SwapPreset, mappings []*models.ConnectionMapping) (bool, string) {
	if preset.Scope != models.PresetScopeGlobal {
		return false, fmt.Sprintf("preset %q is not a global preset", preset.Name)
	}
	if len(preset.Mappings) != 1 {
		return false, fmt.Sprintf("preset %q holds %d targets; global presets hold exactly one", preset.Name, len(preset.Mappings))
	}
	if len(mappings) != 1 {
		return false, fmt.Sprintf("model has %d connections; global presets apply only to single-connection models", len(mappings))
	}

	m := mappings[0]
	if preset.Mappings[0].ToSwapTarget().SameEndpoint(m.Source.Server, m.Source.Database) {
		return false, fmt.Sprintf("target already matches the current connection for %q", m.Source.Name)
	}
	return true, ""
}

func (s *presetService) ApplyGlobalPreset(preset *models.SwapPreset, mappings []*models.ConnectionMapping) (int, string) {
	ok, reason := s.CanApplyGlobalPreset(preset, mappings)
	if !ok {
		s.logger.Warn("Refusing global preset apply",
			zap.String("preset", preset.Name),
			zap.String("reason", reason))
		return 0, reason
	}

	if err := mappings[0].SetTarget(preset.Mappings[0].ToSwapTarget(), false); err != nil {
		return 0, err.Error()
	}

	s.logger.Info("Applied global preset",
		zap.String("preset", preset.Name),
		zap.String("connection", mappings[0].Source.Name))
	return 1, ""
}

func (s *presetService) SaveLastConfig(modelHash string, mappings []*models.ConnectionMapping, modelName, friendlyName, workspaceName string, force bool) (bool, error) {
	if modelHash == "" {
		return false, fmt.Errorf("save last config: model hash is required")
	}

	cfg := &models.LastConfig{
		ModelHash:     modelHash,
		ModelName:     modelName,
		FriendlyName:  friendlyName,
		WorkspaceName: workspaceName,
		CapturedAt:    time.Now(),
	}
	for _, m := range mappings {
		saved := &models.SavedConnection{
			ConnectionName:  m.Source.Name,
			Server:          m.Source.Server,
			Database:        m.Source.Database,
			SourceIsCloud:   m.Source.IsCloud,
			SourceDatasetID: m.Source.DatasetID,
			WorkspaceName:   m.Source.WorkspaceName,
			PerspectiveName: m.Source.PerspectiveName,
		}
		// A target already assigned at capture time is part of the starting
		// point and must survive the snapshot.
		if m.Target != nil {
			saved.ConfiguredTarget = models.NewPresetTargetMapping(m.Source.Name, m.Target)
		}
		if cfg.DatasetID == "" && m.Source.IsCloud {
			cfg.DatasetID = m.Source.DatasetID
		}
		cfg.Connections = append(cfg.Connections, saved)
	}

	err := s.userStore.Mutate(func(doc *stores.PresetDocument) error {
		if _, exists := doc.LastConfigs[modelHash]; exists && !force {
			return errLastConfigExists
		}
		doc.LastConfigs[modelHash] = cfg
		return nil
	})
	if errors.Is(err, errLastConfigExists) {
		s.logger.Debug("Last config already captured, keeping original",
			zap.String("model_hash", modelHash))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.logger.Info("Captured last config",
		zap.String("model_hash", modelHash),
		zap.Int("connections", len(cfg.Connections)),
		zap.Bool("forced", force))
	return true, nil
}

func (s *presetService) HasLastConfig(modelHash string) bool {
	doc := s.userStore.Load()
	_, ok := doc.LastConfigs[modelHash]
	return ok
}

func (s *presetService) GetLastConfig(modelHash string) *models.LastConfig {
	doc := s.userStore.Load()
	return doc.LastConfigs[modelHash]
}

func (s *presetService) ApplyLastConfig(modelHash string, mappings []*models.ConnectionMapping) (int, error) {
	cfg := s.GetLastConfig(modelHash)
	if cfg == nil {
		return 0, fmt.Errorf("last config for model %s: %w", modelHash, apperrors.ErrNotFound)
	}

	count := 0
	for _, m := range mappings {
		saved := cfg.FindConnection(m.Source.Name)
		if saved == nil {
			continue
		}
		if err := m.SetTarget(saved.ToSwapTarget(), false); err != nil {
			s.logger.Warn("Skipping mapping during last config apply",
				zap.String("connection", m.Source.Name),
				zap.Error(err))
			continue
		}
		count++
	}

	// Thin reports rename their sole connection when they move between cloud
	// and local state, so name matching can come up empty. With exactly one
	// entry on each side the association is unambiguous.
	if count == 0 && len(mappings) == 1 && len(cfg.Connections) == 1 {
		if err := mappings[0].SetTarget(cfg.Connections[0].ToSwapTarget(), false); err != nil {
			s.logger.Warn("Skipping single-mapping last config fallback",
				zap.String("connection", mappings[0].Source.Name),
				zap.Error(err))
		} else {
			count = 1
		}
	}

	s.logger.Info("Applied last config",
		zap.String("model_hash", modelHash),
		zap.Int("updated", count))
	return count, nil
}

func (s *presetService) ValidatePresetSchema(ctx context.Context, preset *models.SwapPreset, reportPath string) *SchemaValidation {
	result := &SchemaValidation{
		Matches:         true,
		HasCloudMapping: preset.HasCloudMappings(),
		Details:         make(map[string]string),
	}
	if !result.HasCloudMapping {
		return result
	}

	current := s.currentFingerprint(ctx, reportPath)
	if current == "" {
		result.Details["fingerprint"] = "current fingerprint unavailable"
		return result
	}

	for _, m := range preset.Mappings {
		if !m.HasCloudTarget() || m.CloudSchemaFingerprint == "" {
			continue
		}
		if m.CloudSchemaFingerprint != current {
			result.Matches = false
			result.MismatchedMappings = append(result.MismatchedMappings, m.ConnectionName)
			result.Details[m.ConnectionName] = fmt.Sprintf(
				"preset captured fingerprint %s, file now has %s",
				m.CloudSchemaFingerprint, current)
		}
	}

	if !result.Matches {
		s.logger.Warn("Preset schema fingerprint mismatch",
			zap.String("preset", preset.Name),
			zap.String("path", reportPath),
			zap.Strings("connections", result.MismatchedMappings))
	}
	return result
}

// currentFingerprint computes the report file's connection fingerprint,
// preferring a fresh read through the modifier and falling back to the disk
// cache. Returns "" when neither source can produce one.
func (s *presetService) currentFingerprint(ctx context.Context, reportPath string) string {
	if s.modifier != nil {
		block, err := s.modifier.ReadCurrentConnection(ctx, reportPath)
		if err != nil {
			// Parse errors can echo fragments of the connection block.
			s.logger.Warn("Failed to read current connection for fingerprinting",
				zap.String("path", reportPath),
				zap.String("error", logging.SanitizeError(err)))
		} else if block != nil {
			fp := fingerprint.Connection(block)
			if s.fpCache != nil {
				if err := s.fpCache.Put(reportPath, fp); err != nil {
					s.logger.Warn("Failed to cache fingerprint",
						zap.String("path", reportPath),
						zap.Error(err))
				}
			}
			return fp
		}
	}

	if s.fpCache != nil {
		if entry, ok := s.fpCache.Get(reportPath); ok {
			return entry.Fingerprint
		}
	}
	return ""
}

func (s *presetService) ExportGlobalPresets(path string) (int, error) {
	doc := s.userStore.Load()

	export := globalPresetExport{
		Type:       globalPresetExportTag,
		Version:    stores.DocumentVersion,
		ExportedAt: time.Now(),
		Presets:    doc.GlobalPresets,
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal global preset export: %w", err)
	}
	if err := jsonutil.WriteFileAtomic(path, data); err != nil {
		return 0, fmt.Errorf("write global preset export: %w", err)
	}

	s.logger.Info("Exported global presets",
		zap.Int("presets", len(export.Presets)),
		zap.String("path", path))
	return len(export.Presets), nil
}

func (s *presetService) ImportGlobalPresets(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read global preset export: %w", err)
	}

	var export globalPresetExport
	if err := json.Unmarshal(data, &export); err != nil {
		return 0, fmt.Errorf("parse global preset export: %w", err)
	}
	if export.Type != globalPresetExportTag {
		return 0, fmt.Errorf("%s is not a global preset export file", path)
	}

	imported := make(map[string]*models.SwapPreset, len(export.Presets))
	for name, p := range export.Presets {
		if p == nil {
			continue
		}
		// The map key is authoritative for the name.
		p.Name = name
		p.Scope = models.PresetScopeGlobal
		p.StorageType = models.StorageTypeUser
		if err := p.Validate(); err != nil {
			s.logger.Warn("Skipping invalid preset during import",
				zap.String("preset", name),
				zap.Error(err))
			continue
		}
		imported[name] = p
	}

	err = s.userStore.Mutate(func(doc *stores.PresetDocument) error {
		// Import replaces the whole global bucket, never merges.
		doc.GlobalPresets = imported
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Imported global presets",
		zap.Int("presets", len(imported)),
		zap.String("path", path))
	return len(imported), nil
}

func (s *presetService) GetSetting(key string) (any, bool) {
	doc := s.userStore.Load()
	v, ok := doc.Settings[key]
	return v, ok
}

func (s *presetService) SetSetting(key string, value any) error {
	return s.userStore.Mutate(func(doc *stores.PresetDocument) error {
		doc.Settings[key] = value
		return nil
	})
}

func (s *presetService) BackupBeforeSwap() bool {
	v, ok := s.GetSetting(SettingBackupBeforeSwap)
	if !ok {
		return true
	}
	enabled, ok := v.(bool)
	if !ok {
		return true
	}
	return enabled
}

func (s *presetService) SetBackupBeforeSwap(enabled bool) error {
	return s.SetSetting(SettingBackupBeforeSwap, enabled)
}
