// Package adapters declares the contracts between the hot-swap engine and the
// collaborators supplied by the desktop shell: connection detection against a
// connected model, live TOM swapping, thin-report file modification, local
// model discovery, and Power BI Desktop process control.
package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/analytic-endeavors/hotswap-engine/pkg/models"
)

// ConnectionDetector inspects the currently connected model and reports its
// data-source connections. The shell owns the TOM session, so detection lives
// behind this contract.
type ConnectionDetector interface {
	// DetectConnections returns a snapshot of the model's data sources.
	DetectConnections(ctx context.Context) (*models.ModelConnectionInfo, error)
}

// ConnectionSwapper executes swaps against a live Tabular Object Model
// connection. Implementations are not safe for concurrent use because the
// underlying XML reader is single-threaded; batch swaps must call them
// strictly one mapping at a time.
type ConnectionSwapper interface {
	// SwapConnection points the mapping's source connection at its target.
	// A nil error means the model now references the target endpoint.
	SwapConnection(ctx context.Context, mapping *models.ConnectionMapping) (*SwapResult, error)

	// RollbackConnection restores the mapping's original endpoint. The
	// implementation must have retained the original connection string from
	// the forward swap.
	RollbackConnection(ctx context.Context, mapping *models.ConnectionMapping) (*SwapResult, error)
}

// SwapResult reports a completed live swap.
type SwapResult struct {
	Message   string `json:"message"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// ReportFileType identifies the on-disk format of a report file.
type ReportFileType string

const (
	FileTypePBIX ReportFileType = "pbix"
	FileTypePBIP ReportFileType = "pbip"

	// FileTypeUnknown marks a path the modifier cannot patch.
	FileTypeUnknown ReportFileType = ""
)

// PbixModifier patches the connection definition inside a thin-report file.
// The file must be closed before modification; the swap engine runs the
// close/unlock/reopen cycle around these calls.
type PbixModifier interface {
	// DetectFileType classifies a report path.
	DetectFileType(path string) ReportFileType

	// SwapConnection rewrites the file's connection block.
	SwapConnection(ctx context.Context, req PbixSwapRequest) (*PbixSwapResult, error)

	// ReadCurrentConnection returns the raw connection block currently in the
	// file, or (nil, nil) when the file has no recognizable block.
	ReadCurrentConnection(ctx context.Context, path string) (map[string]any, error)

	// CachedCloudConnection returns the cloud connection block captured from
	// path during an earlier swap, or nil when none was captured.
	CachedCloudConnection(path string) map[string]any
}

// PbixSwapRequest describes one thin-report connection rewrite.
type PbixSwapRequest struct {
	Path                string                     `json:"path"`
	Server              string                     `json:"server"`
	Database            string                     `json:"database"`
	CreateBackup        bool                       `json:"create_backup"`
	DatasetID           string                     `json:"dataset_id,omitempty"`
	PerspectiveName     string                     `json:"perspective_name,omitempty"`
	WorkspaceName       string                     `json:"workspace_name,omitempty"`
	CloudConnectionType models.CloudConnectionType `json:"cloud_connection_type,omitempty"`

	// UseCachedCloud tells the modifier to reuse the raw cloud connection
	// block it captured from this file earlier instead of re-deriving one.
	UseCachedCloud bool `json:"use_cached_cloud"`

	// SourceFriendlyName is the display name of the connection being
	// replaced, recorded in the file's cache so a later swap back can
	// resolve it without a cloud lookup.
	SourceFriendlyName string `json:"source_friendly_name,omitempty"`
}

// PbixSwapResult reports a completed file rewrite.
type PbixSwapResult struct {
	Message    string `json:"message"`
	BackupPath string `json:"backup_path,omitempty"`
}

// LocalModel is one running Power BI Desktop model instance discovered on
// this machine.
type LocalModel struct {
	Name       string `json:"name"`
	Server     string `json:"server"`
	Port       int    `json:"port"`
	Database   string `json:"database,omitempty"`
	ReportPath string `json:"report_path,omitempty"`
	EnginePID  int32  `json:"engine_pid"`
	DesktopPID int32  `json:"desktop_pid,omitempty"`
}

// DisplayName returns the name with its port marker, the form shown in
// target pickers ("Sales Report (51542)").
func (m *LocalModel) DisplayName() string {
	if m.Port > 0 {
		return fmt.Sprintf("%s (%d)", m.Name, m.Port)
	}
	return m.Name
}

// LocalModelMatcher discovers running local model instances and matches them
// to source connections by name. pkg/discover provides the default
// implementation; the shell may substitute its own.
type LocalModelMatcher interface {
	// DiscoverLocalModels scans this machine for running model instances.
	DiscoverLocalModels(ctx context.Context) ([]*LocalModel, error)

	// SuggestMatches builds one mapping per connection and attaches a
	// discovered local model as the target wherever a name match is found.
	// Matched mappings come back ready with AutoMatched set; the rest stay
	// pending.
	SuggestMatches(ctx context.Context, connections []*models.DataSourceConnection) ([]*models.ConnectionMapping, error)

	// FindMatchingModel picks the best name match for name among candidates,
	// or nil when nothing clears the match threshold.
	FindMatchingModel(name string, candidates []*LocalModel) *LocalModel
}

// ProcessController drives the Power BI Desktop process around a thin-report
// swap. All waits are bounded; implementations fail outward on timeout
// rather than blocking indefinitely.
type ProcessController interface {
	// FindReportProcess locates the running desktop instance that has path
	// open. Returns apperrors.ErrModelNotOpen when no process owns the file.
	FindReportProcess(ctx context.Context, path string) (*ReportProcess, error)

	// SaveFile asks the desktop instance to save its open file and waits up
	// to timeout for the write to land.
	SaveFile(ctx context.Context, pid int32, timeout time.Duration) error

	// CloseGracefully asks the process to exit and waits up to timeout for
	// it to disappear.
	CloseGracefully(ctx context.Context, pid int32, timeout time.Duration) error

	// ForceClose kills the process.
	ForceClose(ctx context.Context, pid int32) error

	// WaitForFileUnlock blocks until path can be opened exclusively or
	// timeout elapses. Returns apperrors.ErrFileLocked on timeout.
	WaitForFileUnlock(ctx context.Context, path string, timeout time.Duration) error

	// ReopenFile launches the platform handler for path.
	ReopenFile(ctx context.Context, path string) error
}

// ReportProcess identifies a running desktop instance and the report file it
// owns.
type ReportProcess struct {
	PID        int32  `json:"pid"`
	Executable string `json:"executable"`
	FilePath   string `json:"file_path"`
}
