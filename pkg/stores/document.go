// Package stores persists preset documents and the swap history ledger as
// whole JSON files. Every mutation is a read-modify-write of the full
// document; writes go through a temp file and rename so a failed write can
// never corrupt the previous state.
package stores

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/jsonutil"
	"github.com/analytic-endeavors/hotswap-engine/pkg/models"
)

const (
	// DocumentVersion is the current preset document format.
	DocumentVersion = "2.0"
	// legacyVersion is the single-bucket format written before model scoping.
	legacyVersion = "1.0"
)

// PresetDocument is the whole-file envelope persisted at one storage root.
type PresetDocument struct {
	Version       string                                   `json:"version"`
	GlobalPresets map[string]*models.SwapPreset            `json:"global_presets"`
	ModelPresets  map[string]map[string]*models.SwapPreset `json:"model_presets"`
	LastConfigs   map[string]*models.LastConfig            `json:"last_configs"`
	Settings      map[string]any                           `json:"settings"`
}

// NewPresetDocument returns an empty current-version document.
func NewPresetDocument() *PresetDocument {
	return &PresetDocument{
		Version:       DocumentVersion,
		GlobalPresets: make(map[string]*models.SwapPreset),
		ModelPresets:  make(map[string]map[string]*models.SwapPreset),
		LastConfigs:   make(map[string]*models.LastConfig),
		Settings:      make(map[string]any),
	}
}

// normalize fills nil maps after a decode so callers can index freely.
func (d *PresetDocument) normalize() {
	if d.GlobalPresets == nil {
		d.GlobalPresets = make(map[string]*models.SwapPreset)
	}
	if d.ModelPresets == nil {
		d.ModelPresets = make(map[string]map[string]*models.SwapPreset)
	}
	if d.LastConfigs == nil {
		d.LastConfigs = make(map[string]*models.LastConfig)
	}
	if d.Settings == nil {
		d.Settings = make(map[string]any)
	}
}

// ModelBucket returns the preset bucket for a model hash, creating it when
// missing. An empty hash falls back to the legacy bucket.
func (d *PresetDocument) ModelBucket(modelHash string) map[string]*models.SwapPreset {
	key := modelHash
	if key == "" {
		key = models.LegacyBucket
	}
	bucket, ok := d.ModelPresets[key]
	if !ok {
		bucket = make(map[string]*models.SwapPreset)
		d.ModelPresets[key] = bucket
	}
	return bucket
}

// PruneEmptyBuckets removes model-hash buckets emptied by deletes.
func (d *PresetDocument) PruneEmptyBuckets() {
	for hash, bucket := range d.ModelPresets {
		if len(bucket) == 0 {
			delete(d.ModelPresets, hash)
		}
	}
}

// decodeDocument parses raw document bytes. Legacy v1.0 files are migrated
// into the legacy model bucket; the migration is idempotent because a
// migrated file re-reads as current-version and takes the plain path.
// Anything unreadable degrades to an empty document with a warning.
func decodeDocument(data []byte, logger *zap.Logger) *PresetDocument {
	var probe struct {
		Version json.RawMessage `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		logger.Warn("Preset document is not valid JSON, treating as empty", zap.Error(err))
		return NewPresetDocument()
	}

	version := jsonutil.FlexibleStringValue(probe.Version)
	switch {
	case strings.HasPrefix(version, "2"):
		doc := NewPresetDocument()
		if err := json.Unmarshal(data, doc); err != nil {
			logger.Warn("Preset document failed to decode, treating as empty", zap.Error(err))
			return NewPresetDocument()
		}
		doc.normalize()
		doc.Version = DocumentVersion
		return doc

	case strings.HasPrefix(version, "1"):
		return migrateLegacyDocument(data, logger)

	default:
		logger.Warn("Preset document has unknown version, treating as empty",
			zap.String("version", version))
		return NewPresetDocument()
	}
}

// migrateLegacyDocument lifts a v1.0 `{version, presets:{...}}` file into the
// current envelope under model_presets["_legacy"]. Legacy writers were loose
// about scalar types, so every field goes through the flexible decoders.
func migrateLegacyDocument(data []byte, logger *zap.Logger) *PresetDocument {
	var legacy struct {
		Presets map[string]json.RawMessage `json:"presets"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		logger.Warn("Legacy preset document failed to decode, treating as empty", zap.Error(err))
		return NewPresetDocument()
	}

	doc := NewPresetDocument()
	if len(legacy.Presets) == 0 {
		return doc
	}

	bucket := doc.ModelBucket(models.LegacyBucket)
	for name, raw := range legacy.Presets {
		preset := decodeLegacyPreset(name, raw)
		if preset == nil {
			logger.Warn("Skipping unreadable legacy preset", zap.String("preset", name))
			continue
		}
		bucket[name] = preset
	}

	logger.Info("Migrated legacy preset document",
		zap.Int("presets", len(bucket)),
		zap.String("bucket", models.LegacyBucket))
	return doc
}

// decodeLegacyPreset rebuilds one v1.0 preset. Legacy presets predate model
// hashing and scope flags; they land in the legacy bucket as MODEL presets.
func decodeLegacyPreset(name string, raw json.RawMessage) *models.SwapPreset {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}

	preset := &models.SwapPreset{
		Name:        name,
		Description: jsonutil.FlexibleStringValue(obj["description"]),
		Scope:       models.PresetScopeModel,
		ModelHash:   models.LegacyBucket,
		ModelName:   jsonutil.FlexibleStringValue(obj["model_name"]),
		CreatedAt:   parseLegacyTime(jsonutil.FlexibleStringValue(obj["created_at"])),
		UpdatedAt:   parseLegacyTime(jsonutil.FlexibleStringValue(obj["updated_at"])),
	}

	var rawMappings []json.RawMessage
	if m, ok := obj["mappings"]; ok {
		if err := json.Unmarshal(m, &rawMappings); err != nil {
			return nil
		}
	}
	for _, rm := range rawMappings {
		if mapping := decodeLegacyMapping(rm); mapping != nil {
			preset.Mappings = append(preset.Mappings, mapping)
		}
	}

	return preset
}

// decodeLegacyMapping rebuilds one legacy target mapping, absorbing numeric
// ports, numeric databases and "True"/"False" strings.
func decodeLegacyMapping(raw json.RawMessage) *models.PresetTargetMapping {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}

	mapping := &models.PresetTargetMapping{
		ConnectionName:         jsonutil.FlexibleStringValue(obj["connection_name"]),
		Server:                 jsonutil.FlexibleStringValue(obj["server"]),
		Database:               jsonutil.FlexibleStringValue(obj["database"]),
		DisplayName:            jsonutil.FlexibleStringValue(obj["display_name"]),
		WorkspaceName:          jsonutil.FlexibleStringValue(obj["workspace_name"]),
		PerspectiveName:        jsonutil.FlexibleStringValue(obj["perspective_name"]),
		DatasetID:              jsonutil.FlexibleStringValue(obj["dataset_id"]),
		CloudSchemaFingerprint: jsonutil.FlexibleStringValue(obj["cloud_schema_fingerprint"]),
	}
	if mapping.ConnectionName == "" {
		return nil
	}

	// Legacy files stored either a target_type string or an is_cloud flag.
	targetType := strings.ToLower(jsonutil.FlexibleStringValue(obj["target_type"]))
	switch {
	case targetType == string(models.TargetTypeCloud), jsonutil.FlexibleBoolValue(obj["is_cloud"]):
		mapping.TargetType = models.TargetTypeCloud
	default:
		mapping.TargetType = models.TargetTypeLocal
	}

	if ct := jsonutil.FlexibleStringValue(obj["cloud_connection_type"]); ct != "" {
		mapping.CloudConnectionType = models.CloudConnectionType(ct)
	} else if mapping.TargetType == models.TargetTypeCloud {
		mapping.CloudConnectionType = models.CloudConnectionPBISemanticModel
	}

	if rawConn, ok := obj["original_cloud_connection"]; ok {
		var conn map[string]any
		if err := json.Unmarshal(rawConn, &conn); err == nil {
			mapping.OriginalCloudConnection = conn
		}
	}

	return mapping
}

// legacyTimeLayouts covers the timestamp shapes found in v1.0 files.
var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseLegacyTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
