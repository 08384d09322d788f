package models

import (
	"strings"
	"time"
)

// ============================================================================
// Swap History
// ============================================================================

// SourceKind is the coarse connection classification recorded in history
// entries. It is captured at swap time, never re-derived, so entries stay
// accurate after the mapping or model has moved on.
type SourceKind string

const (
	SourceKindLocal SourceKind = "Local"
	SourceKindCloud SourceKind = "Cloud"
	SourceKindXMLA  SourceKind = "XMLA"
)

// KindOfTarget classifies a swap target for the ledger.
func KindOfTarget(t *SwapTarget) SourceKind {
	if t == nil {
		return SourceKindLocal
	}
	if t.TargetType == TargetTypeCloud {
		if t.CloudConnectionType == CloudConnectionAASXMLA {
			return SourceKindXMLA
		}
		return SourceKindCloud
	}
	return SourceKindLocal
}

// KindOfSource classifies a source connection for the ledger.
func KindOfSource(c *DataSourceConnection) SourceKind {
	if c == nil {
		return SourceKindLocal
	}
	if c.IsCloud {
		return SourceKindCloud
	}
	return SourceKindLocal
}

// SwapHistoryEntry is one executed swap. Entries are append-only and removed
// only by explicit rollback or Clear History.
type SwapHistoryEntry struct {
	ID               string     `json:"id"`
	ConnectionName   string     `json:"connection_name"`
	OriginalServer   string     `json:"original_server"`
	OriginalDatabase string     `json:"original_database"`
	NewServer        string     `json:"new_server"`
	NewDatabase      string     `json:"new_database"`
	SourceType       SourceKind `json:"source_type"`
	TargetType       SourceKind `json:"target_type"`
	Timestamp        time.Time  `json:"timestamp"`

	// RunID groups entries executed as one batch so the UI can show and roll
	// back the batch as a unit. Single swaps get a unique run ID each.
	RunID string `json:"run_id"`

	ModelFilePath string `json:"model_file_path,omitempty"`
}

// MatchesModel reports whether the entry belongs to the given model file.
// Entries recorded without a path only match an empty filter. Comparison is
// case-insensitive: these are Windows paths.
func (e *SwapHistoryEntry) MatchesModel(filePath string) bool {
	if filePath == "" {
		return true
	}
	return strings.EqualFold(normalizePath(e.ModelFilePath), normalizePath(filePath))
}

func normalizePath(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
