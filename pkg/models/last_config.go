package models

import (
	"strings"
	"time"
)

// ============================================================================
// Last Config
// ============================================================================

// SavedConnection is one connection's original source state inside a
// LastConfig snapshot. It records the source side of a mapping (never the
// target): swap-back rebuilds a target from these fields.
type SavedConnection struct {
	ConnectionName  string `json:"connection_name"`
	Server          string `json:"server"`
	Database        string `json:"database"`
	SourceIsCloud   bool   `json:"source_is_cloud"`
	SourceDatasetID string `json:"source_dataset_id,omitempty"`
	WorkspaceName   string `json:"workspace_name,omitempty"`
	PerspectiveName string `json:"perspective_name,omitempty"`

	// ConfiguredTarget captures a target that was already assigned when the
	// snapshot was taken, preserving a mid-configuration starting point.
	ConfiguredTarget *PresetTargetMapping `json:"configured_target,omitempty"`
}

// LastConfig is the auto-captured snapshot of a model's original connections,
// taken the first time the model is connected and before any swap. It is not
// a preset: it has no user-chosen name and exists so "swap back" can restore
// the starting state, including the friendly-name hints a thin report cannot
// reconstruct from its own connection string.
type LastConfig struct {
	ModelHash     string             `json:"model_hash"`
	ModelName     string             `json:"model_name,omitempty"`
	FriendlyName  string             `json:"friendly_name,omitempty"`
	WorkspaceName string             `json:"workspace_name,omitempty"`
	DatasetID     string             `json:"dataset_id,omitempty"`
	Connections   []*SavedConnection `json:"connections"`
	CapturedAt    time.Time          `json:"captured_at"`
}

// FindConnection returns the saved state for a connection name, or nil.
func (lc *LastConfig) FindConnection(name string) *SavedConnection {
	for _, c := range lc.Connections {
		if c.ConnectionName == name {
			return c
		}
	}
	return nil
}

// ToSwapTarget rebuilds a target from the saved source state: the original
// source becomes the new destination. Workspace names missing from the
// snapshot are recovered from the server URL when possible.
func (sc *SavedConnection) ToSwapTarget() *SwapTarget {
	targetType := TargetTypeLocal
	cloudType := CloudConnectionType("")
	if sc.SourceIsCloud {
		targetType = TargetTypeCloud
		cloudType = CloudConnectionPBISemanticModel
	}
	workspace := sc.WorkspaceName
	if workspace == "" && sc.SourceIsCloud {
		workspace = ParseWorkspaceFromServerURL(sc.Server)
	}
	return &SwapTarget{
		TargetType:          targetType,
		Server:              sc.Server,
		Database:            sc.Database,
		DisplayName:         sc.Database,
		WorkspaceName:       workspace,
		CloudConnectionType: cloudType,
		PerspectiveName:     sc.PerspectiveName,
		DatasetID:           sc.SourceDatasetID,
	}
}

// ParseWorkspaceFromServerURL extracts the workspace segment from a
// "powerbi://api.powerbi.com/v1.0/myorg/<workspace>" style XMLA server URL.
// Returns "" when the URL does not carry one. Encoded spaces are decoded so
// the result compares equal to catalog workspace names; other escapes pass
// through untouched.
func ParseWorkspaceFromServerURL(server string) string {
	lower := strings.ToLower(server)
	if !strings.HasPrefix(lower, "powerbi://") {
		return ""
	}
	marker := "/myorg/"
	idx := strings.Index(lower, marker)
	if idx < 0 {
		return ""
	}
	workspace := server[idx+len(marker):]
	if end := strings.IndexAny(workspace, "/?"); end >= 0 {
		workspace = workspace[:end]
	}
	return strings.ReplaceAll(workspace, "%20", " ")
}
