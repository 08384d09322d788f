package models

import (
	"fmt"
	"time"
)

// ============================================================================
// Storage Type / Preset Scope
// ============================================================================

// StorageType says which store a preset lives in. USER is the per-user
// app-data store; PROJECT and REPORT are `.pbi-hotswap` folders colocated
// with a project or PBIP root, so presets travel with the repository.
type StorageType string

const (
	StorageTypeUser    StorageType = "user"
	StorageTypeProject StorageType = "project"
	StorageTypeReport  StorageType = "report"
)

// ValidStorageTypes contains all valid storage type values.
var ValidStorageTypes = []StorageType{
	StorageTypeUser,
	StorageTypeProject,
	StorageTypeReport,
}

// IsValidStorageType checks if the given storage type is valid.
func IsValidStorageType(t StorageType) bool {
	for _, v := range ValidStorageTypes {
		if v == t {
			return true
		}
	}
	return false
}

// PresetScope distinguishes the two preset kinds. GLOBAL presets hold exactly
// one target and apply to any single-connection model (environment
// switching); MODEL presets map connections by name and are keyed to one
// model's identity hash.
type PresetScope string

const (
	PresetScopeGlobal PresetScope = "global"
	PresetScopeModel  PresetScope = "model"
)

// LegacyBucket is the model_presets key that holds presets migrated from the
// v1.0 single-bucket file format, which predates model hashing.
const LegacyBucket = "_legacy"

// ============================================================================
// Preset Target Mapping
// ============================================================================

// PresetTargetMapping is the persisted form of a SwapTarget tied to the name
// of the source connection it applies to.
type PresetTargetMapping struct {
	ConnectionName         string              `json:"connection_name"`
	TargetType             TargetType          `json:"target_type"`
	Server                 string              `json:"server"`
	Database               string              `json:"database"`
	DisplayName            string              `json:"display_name,omitempty"`
	WorkspaceName          string              `json:"workspace_name,omitempty"`
	CloudConnectionType    CloudConnectionType `json:"cloud_connection_type,omitempty"`
	PerspectiveName        string              `json:"perspective_name,omitempty"`
	DatasetID              string              `json:"dataset_id,omitempty"`
	CloudSchemaFingerprint string              `json:"cloud_schema_fingerprint,omitempty"`

	// OriginalCloudConnection snapshots the raw connection block captured when
	// the preset was saved, so a cloud connection can be reconstructed exactly
	// instead of re-derived from the fields above.
	OriginalCloudConnection map[string]any `json:"original_cloud_connection,omitempty"`
}

// ToSwapTarget rebuilds the in-memory target this mapping persists.
func (p *PresetTargetMapping) ToSwapTarget() *SwapTarget {
	return &SwapTarget{
		TargetType:             p.TargetType,
		Server:                 p.Server,
		Database:               p.Database,
		DisplayName:            p.DisplayName,
		WorkspaceName:          p.WorkspaceName,
		CloudConnectionType:    p.CloudConnectionType,
		PerspectiveName:        p.PerspectiveName,
		DatasetID:              p.DatasetID,
		CloudSchemaFingerprint: p.CloudSchemaFingerprint,
	}
}

// NewPresetTargetMapping persists the target of a mapping under its source
// connection's name.
func NewPresetTargetMapping(connectionName string, target *SwapTarget) *PresetTargetMapping {
	return &PresetTargetMapping{
		ConnectionName:         connectionName,
		TargetType:             target.TargetType,
		Server:                 target.Server,
		Database:               target.Database,
		DisplayName:            target.DisplayName,
		WorkspaceName:          target.WorkspaceName,
		CloudConnectionType:    target.CloudConnectionType,
		PerspectiveName:        target.PerspectiveName,
		DatasetID:              target.DatasetID,
		CloudSchemaFingerprint: target.CloudSchemaFingerprint,
	}
}

// HasCloudTarget reports whether the mapping points at a cloud dataset.
func (p *PresetTargetMapping) HasCloudTarget() bool {
	return p.TargetType == TargetTypeCloud
}

// ============================================================================
// Swap Preset
// ============================================================================

// SwapPreset is a named, persisted set of target mappings. Name is unique
// within its storage_type+scope+model_hash bucket. GLOBAL-scope presets hold
// exactly one mapping; MODEL-scope presets hold one per named connection.
type SwapPreset struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Mappings    []*PresetTargetMapping `json:"mappings"`
	StorageType StorageType            `json:"storage_type"`
	Scope       PresetScope            `json:"scope"`
	ModelHash   string                 `json:"model_hash,omitempty"`
	ModelName   string                 `json:"model_name,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// NewModelPreset builds a MODEL-scope preset. The model hash is required: a
// model preset without an identity would be unreachable from ListPresets.
func NewModelPreset(name, description, modelHash, modelName string, mappings []*PresetTargetMapping) (*SwapPreset, error) {
	if name == "" {
		return nil, fmt.Errorf("new model preset: name is required")
	}
	if modelHash == "" {
		return nil, fmt.Errorf("new model preset %q: model hash is required", name)
	}
	now := time.Now()
	return &SwapPreset{
		Name:        name,
		Description: description,
		Mappings:    mappings,
		StorageType: StorageTypeUser,
		Scope:       PresetScopeModel,
		ModelHash:   modelHash,
		ModelName:   modelName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NewGlobalPreset builds a GLOBAL-scope preset around a single target.
func NewGlobalPreset(name, description string, mapping *PresetTargetMapping) (*SwapPreset, error) {
	if name == "" {
		return nil, fmt.Errorf("new global preset: name is required")
	}
	if mapping == nil {
		return nil, fmt.Errorf("new global preset %q: target mapping is required", name)
	}
	now := time.Now()
	return &SwapPreset{
		Name:        name,
		Description: description,
		Mappings:    []*PresetTargetMapping{mapping},
		StorageType: StorageTypeUser,
		Scope:       PresetScopeGlobal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Validate checks the scope invariants before a preset is persisted.
func (p *SwapPreset) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("preset: name is required")
	}
	switch p.Scope {
	case PresetScopeGlobal:
		if len(p.Mappings) != 1 {
			return fmt.Errorf("preset %q: global scope requires exactly one mapping, got %d",
				p.Name, len(p.Mappings))
		}
	case PresetScopeModel:
		if p.ModelHash == "" {
			return fmt.Errorf("preset %q: model scope requires a model hash", p.Name)
		}
	default:
		return fmt.Errorf("preset %q: unknown scope %q", p.Name, p.Scope)
	}
	return nil
}

// FindMapping returns the target mapping for a connection name, or nil.
func (p *SwapPreset) FindMapping(connectionName string) *PresetTargetMapping {
	for _, m := range p.Mappings {
		if m.ConnectionName == connectionName {
			return m
		}
	}
	return nil
}

// HasCloudMappings reports whether any mapping targets a cloud dataset.
func (p *SwapPreset) HasCloudMappings() bool {
	for _, m := range p.Mappings {
		if m.HasCloudTarget() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, so stores can hand out presets without aliasing
// their cached document.
func (p *SwapPreset) Clone() *SwapPreset {
	cp := *p
	cp.Mappings = make([]*PresetTargetMapping, len(p.Mappings))
	for i, m := range p.Mappings {
		mc := *m
		if m.OriginalCloudConnection != nil {
			mc.OriginalCloudConnection = make(map[string]any, len(m.OriginalCloudConnection))
			for k, v := range m.OriginalCloudConnection {
				mc.OriginalCloudConnection[k] = v
			}
		}
		cp.Mappings[i] = &mc
	}
	return &cp
}
