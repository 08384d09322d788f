package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ============================================================================
// Connection Types
// ============================================================================

// ConnectionType classifies how a data source is bound into the model.
type ConnectionType string

const (
	ConnectionTypeImport      ConnectionType = "import"
	ConnectionTypeLive        ConnectionType = "live"
	ConnectionTypeDirectQuery ConnectionType = "direct-query"
)

// ValidConnectionTypes contains all valid connection type values.
var ValidConnectionTypes = []ConnectionType{
	ConnectionTypeImport,
	ConnectionTypeLive,
	ConnectionTypeDirectQuery,
}

// IsValidConnectionType checks if the given type is valid.
func IsValidConnectionType(t ConnectionType) bool {
	for _, v := range ValidConnectionTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ============================================================================
// Data Source Connection
// ============================================================================

// DataSourceConnection is one data source inside a connected model, snapshotted
// at detection time. The detector owns creation; nothing mutates it afterwards,
// so a mapping can always show what the model looked like when it was opened.
type DataSourceConnection struct {
	Name            string         `json:"name"`
	ConnectionType  ConnectionType `json:"connection_type"`
	Server          string         `json:"server"`
	Database        string         `json:"database"`
	IsCloud         bool           `json:"is_cloud"`
	WorkspaceName   string         `json:"workspace_name,omitempty"`
	DatasetName     string         `json:"dataset_name,omitempty"`
	PerspectiveName string         `json:"perspective_name,omitempty"`
	DatasetID       string         `json:"dataset_id,omitempty"`
	IsSwappable     bool           `json:"is_swappable"`
}

// DisplayName returns the friendliest available name for the connection.
func (c *DataSourceConnection) DisplayName() string {
	if c.DatasetName != "" {
		return c.DatasetName
	}
	return c.Name
}

// ModelConnectionInfo is the detector's description of a connected model.
type ModelConnectionInfo struct {
	Connections      []*DataSourceConnection `json:"connections"`
	SwappableCount   int                     `json:"swappable_count"`
	TotalDatasources int                     `json:"total_datasources"`
	ConnectionType   ConnectionType          `json:"connection_type"`
	IsComposite      bool                    `json:"is_composite"`
}

// ============================================================================
// Model Identity
// ============================================================================

// DeriveModelHash computes the stable identity used to bucket model-scope
// presets and last-configs. File path wins when known (a report keeps its
// identity across connection swaps); otherwise the server+database pair is
// used. Matching is case-insensitive because Windows paths and XMLA server
// names are.
func DeriveModelHash(filePath, server, database string) string {
	var key string
	if filePath != "" {
		key = "path:" + strings.ToLower(filePath)
	} else {
		key = "conn:" + strings.ToLower(server) + "|" + strings.ToLower(database)
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// StripPortSuffix removes a trailing "(12345)" port marker from a display
// name. Local-model display names carry the msmdsrv port; the suffix must not
// leak into friendly names recovered for cloud targets.
func StripPortSuffix(name string) string {
	trimmed := strings.TrimSpace(name)
	open := strings.LastIndex(trimmed, "(")
	if open <= 0 || !strings.HasSuffix(trimmed, ")") {
		return trimmed
	}
	inner := trimmed[open+1 : len(trimmed)-1]
	if inner == "" {
		return trimmed
	}
	for _, r := range inner {
		if r < '0' || r > '9' {
			return trimmed
		}
	}
	return strings.TrimSpace(trimmed[:open])
}
