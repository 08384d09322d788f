package models

import "strings"

// ============================================================================
// Target Types
// ============================================================================

// TargetType says whether a swap target is a local Desktop instance or a
// cloud dataset.
type TargetType string

const (
	TargetTypeLocal TargetType = "local"
	TargetTypeCloud TargetType = "cloud"
)

// CloudConnectionType selects the connector used for a cloud target.
// PBI_SEMANTIC_MODEL is the standard Power BI connector; AAS_XMLA is the
// Analysis-Services-style XMLA endpoint.
type CloudConnectionType string

const (
	CloudConnectionPBISemanticModel CloudConnectionType = "PBI_SEMANTIC_MODEL"
	CloudConnectionAASXMLA          CloudConnectionType = "AAS_XMLA"
)

// ValidCloudConnectionTypes contains all valid cloud connection type values.
var ValidCloudConnectionTypes = []CloudConnectionType{
	CloudConnectionPBISemanticModel,
	CloudConnectionAASXMLA,
}

// IsValidCloudConnectionType checks if the given type is valid.
func IsValidCloudConnectionType(t CloudConnectionType) bool {
	for _, v := range ValidCloudConnectionTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ============================================================================
// Swap Target
// ============================================================================

// SwapTarget is a candidate destination for one connection. Targets are built
// by the picker UI, by auto-match, or by preset application; they have no
// lifecycle of their own beyond the mapping that holds them.
type SwapTarget struct {
	TargetType          TargetType          `json:"target_type"`
	Server              string              `json:"server"`
	Database            string              `json:"database"`
	DisplayName         string              `json:"display_name,omitempty"`
	WorkspaceName       string              `json:"workspace_name,omitempty"`
	CloudConnectionType CloudConnectionType `json:"cloud_connection_type,omitempty"`
	PerspectiveName     string              `json:"perspective_name,omitempty"`
	DatasetID           string              `json:"dataset_id,omitempty"`

	// CloudSchemaFingerprint is only populated on targets restored from a
	// preset; it detects drift between the preset and the report's current
	// cloud connection schema.
	CloudSchemaFingerprint string `json:"cloud_schema_fingerprint,omitempty"`
}

// IsCloud reports whether the target points at a cloud dataset.
func (t *SwapTarget) IsCloud() bool {
	return t.TargetType == TargetTypeCloud
}

// Label returns the name shown for the target in mapping rows.
func (t *SwapTarget) Label() string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	if t.Database != "" {
		return t.Database
	}
	return t.Server
}

// SameEndpoint reports whether the target resolves to the given server and
// database, ignoring case. Used by the self-swap guard.
func (t *SwapTarget) SameEndpoint(server, database string) bool {
	return strings.EqualFold(t.Server, server) && strings.EqualFold(t.Database, database)
}
