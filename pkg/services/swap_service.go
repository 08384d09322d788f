package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/adapters"
	"github.com/analytic-endeavors/hotswap-engine/pkg/apperrors"
	"github.com/analytic-endeavors/hotswap-engine/pkg/config"
	"github.com/analytic-endeavors/hotswap-engine/pkg/logging"
	"github.com/analytic-endeavors/hotswap-engine/pkg/models"
	"github.com/analytic-endeavors/hotswap-engine/pkg/process"
	"github.com/analytic-endeavors/hotswap-engine/pkg/services/swapqueue"
)

// reopenPollInterval is how often the reconnect scan looks for the reopened
// report's process.
const reopenPollInterval = 2 * time.Second

// DetectionResult is the outcome of scanning a connected model: the
// detector's raw snapshot plus one mapping per connection, auto-matched
// against running local models where a name match was found.
type DetectionResult struct {
	Info     *models.ModelConnectionInfo `json:"info"`
	Mappings []*models.ConnectionMapping `json:"mappings"`
}

// BatchResult summarizes one live batch swap.
type BatchResult struct {
	RunID     string                     `json:"run_id"`
	Attempted int                        `json:"attempted"`
	Succeeded int                        `json:"succeeded"`
	Failed    int                        `json:"failed"`
	Cancelled int                        `json:"cancelled"`
	Skipped   int                        `json:"skipped"`
	Entries   []*models.SwapHistoryEntry `json:"entries"`
}

// ThinSwapRequest describes one thin-report file swap.
type ThinSwapRequest struct {
	// Mapping carries the source connection and the confirmed target.
	Mapping *models.ConnectionMapping `json:"mapping"`

	// ReportPath is the report file to patch.
	ReportPath string `json:"report_path"`

	// Reopen relaunches the report after a successful patch and re-scans for
	// the new process.
	Reopen bool `json:"reopen"`

	// RunID groups this swap with others in one batch. Empty means a fresh
	// single-swap run ID.
	RunID string `json:"run_id,omitempty"`
}

// ThinSwapResult reports a completed thin-report swap.
type ThinSwapResult struct {
	Message        string `json:"message"`
	BackupPath     string `json:"backup_path,omitempty"`
	Reopened       bool   `json:"reopened"`
	ReconnectedPID int32  `json:"reconnected_pid,omitempty"`
	EntryID        string `json:"entry_id,omitempty"`
}

// SwapServiceDeps are the engine-scoped collaborators a SwapService needs.
// Modifier and Processes may be nil when the host never swaps thin reports;
// Matcher may be nil when local-model discovery is unavailable.
type SwapServiceDeps struct {
	Matcher   adapters.LocalModelMatcher
	Modifier  adapters.PbixModifier
	Processes adapters.ProcessController
	Presets   PresetService
	History   HistoryService
}

// SwapService owns the mapping lifecycle and both swap execution paths: the
// live Tabular Object Model path for connected models and the
// close/patch/reopen path for thin report files.
type SwapService interface {
	// AttachModelSession wires the detector and swapper for a newly
	// connected model. filePath and modelHash identify the model for history
	// attribution; either may be empty.
	AttachModelSession(detector adapters.ConnectionDetector, swapper adapters.ConnectionSwapper, filePath, modelHash string)

	// DetachModelSession drops the live collaborators on disconnect.
	// Mappings held by the shell become inert; a new session rebuilds them.
	DetachModelSession()

	// ActiveModel returns the connected model's file path and hash, or empty
	// strings when no session is attached.
	ActiveModel() (filePath, modelHash string)

	// BuildMappings detects the connected model's data sources and builds
	// one pending mapping per connection, auto-matched against running local
	// models when a matcher is available.
	BuildMappings(ctx context.Context) (*DetectionResult, error)

	// AssignTarget confirms a target on a mapping, moving it to ready.
	AssignTarget(mapping *models.ConnectionMapping, target *models.SwapTarget) error

	// ClearTarget removes a mapping's target, returning it to pending.
	ClearTarget(mapping *models.ConnectionMapping) error

	// ExecuteBatch swaps every ready mapping against the live model,
	// strictly one at a time. Mappings that are not ready are skipped and
	// counted. Per-mapping failures do not stop the batch; the first failure
	// is also returned as the error alongside the full result.
	ExecuteBatch(ctx context.Context, mappings []*models.ConnectionMapping) (*BatchResult, error)

	// CancelBatch stops the in-flight batch after the current mapping
	// finishes. Pending mappings are skipped.
	CancelBatch()

	// SetOnProgress registers a callback invoked with fresh task snapshots
	// on every batch state change. The callback must not call back into the
	// service; hand the snapshots to the UI scheduler instead.
	SetOnProgress(fn func([]swapqueue.TaskSnapshot))

	// BatchProgress returns counters for the current or most recent batch.
	BatchProgress() swapqueue.Progress

	// SwapThinReport rewrites a thin report file's connection, driving the
	// owning Desktop process through save, close, unlock and reopen.
	SwapThinReport(ctx context.Context, req *ThinSwapRequest) (*ThinSwapResult, error)

	// RollbackLive reverses a live swap through the connection swapper and
	// removes the ledger entry on success. entryID may be empty when the
	// swap was never recorded.
	RollbackLive(ctx context.Context, mapping *models.ConnectionMapping, entryID string) error

	// RollbackThinReport replays a ledger entry's original endpoint onto the
	// entry's report file through the same close/patch/reopen path, then
	// removes the entry.
	RollbackThinReport(ctx context.Context, entryID string) (*ThinSwapResult, error)
}

type swapService struct {
	matcher  adapters.LocalModelMatcher
	modifier adapters.PbixModifier
	procs    adapters.ProcessController
	presets  PresetService
	history  HistoryService

	cfg       config.ProcessConfig
	backupDir string

	mu         sync.RWMutex
	detector   adapters.ConnectionDetector
	swapper    adapters.ConnectionSwapper
	modelPath  string
	modelHash  string
	queue      *swapqueue.Queue
	swapping   bool
	onProgress func([]swapqueue.TaskSnapshot)

	logger *zap.Logger
}

// NewSwapService creates the swap service. backupDir receives pre-swap file
// snapshots when the backup setting is on.
func NewSwapService(deps SwapServiceDeps, cfg config.ProcessConfig, backupDir string, logger *zap.Logger) SwapService {
	return &swapService{
		matcher:   deps.Matcher,
		modifier:  deps.Modifier,
		procs:     deps.Processes,
		presets:   deps.Presets,
		history:   deps.History,
		cfg:       cfg,
		backupDir: backupDir,
		logger:    logger.Named("swap"),
	}
}

func (s *swapService) AttachModelSession(detector adapters.ConnectionDetector, swapper adapters.ConnectionSwapper, filePath, modelHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detector = detector
	s.swapper = swapper
	s.modelPath = filePath
	s.modelHash = modelHash
	s.logger.Info("Model session attached",
		zap.String("file_path", filePath),
		zap.String("model_hash", modelHash))
}

func (s *swapService) DetachModelSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detector = nil
	s.swapper = nil
	s.modelPath = ""
	s.modelHash = ""
	s.logger.Info("Model session detached")
}

func (s *swapService) ActiveModel() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modelPath, s.modelHash
}

func (s *swapService) BuildMappings(ctx context.Context) (*DetectionResult, error) {
	s.mu.RLock()
	detector := s.detector
	s.mu.RUnlock()
	if detector == nil {
		return nil, fmt.Errorf("build mappings: no model session: %w", apperrors.ErrModelNotOpen)
	}

	info, err := detector.DetectConnections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to detect connections: %w", err)
	}

	var mappings []*models.ConnectionMapping
	if s.matcher != nil {
		mappings, err = s.matcher.SuggestMatches(ctx, info.Connections)
		if err != nil {
			// Discovery failing must not hide the detected connections.
			s.logger.Warn("Local model auto-match failed", zap.Error(err))
			mappings = nil
		}
	}
	if mappings == nil {
		mappings = make([]*models.ConnectionMapping, 0, len(info.Connections))
		for _, conn := range info.Connections {
			mappings = append(mappings, models.NewConnectionMapping(conn))
		}
	}

	s.logger.Info("Built connection mappings",
		zap.Int("connections", len(info.Connections)),
		zap.Int("swappable", info.SwappableCount))
	return &DetectionResult{Info: info, Mappings: mappings}, nil
}

func (s *swapService) AssignTarget(mapping *models.ConnectionMapping, target *models.SwapTarget) error {
	if mapping == nil {
		return fmt.Errorf("assign target: mapping is nil")
	}
	if err := mapping.SetTarget(target, false); err != nil {
		return err
	}
	s.logger.Debug("Target assigned",
		zap.String("connection", mapping.Source.Name),
		zap.String("target", target.Label()))
	return nil
}

func (s *swapService) ClearTarget(mapping *models.ConnectionMapping) error {
	if mapping == nil {
		return fmt.Errorf("clear target: mapping is nil")
	}
	if err := mapping.ClearTarget(); err != nil {
		return err
	}
	s.logger.Debug("Target cleared", zap.String("connection", mapping.Source.Name))
	return nil
}

func (s *swapService) ExecuteBatch(ctx context.Context, mappings []*models.ConnectionMapping) (*BatchResult, error) {
	s.mu.Lock()
	if s.swapping {
		s.mu.Unlock()
		return nil, fmt.Errorf("batch swap: %w", apperrors.ErrSwapInProgress)
	}
	swapper := s.swapper
	modelPath := s.modelPath
	if swapper == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("batch swap: no model session: %w", apperrors.ErrModelNotOpen)
	}

	var eligible []*models.ConnectionMapping
	for _, m := range mappings {
		if m != nil && m.Status == models.MappingStatusReady && m.HasTarget() {
			eligible = append(eligible, m)
		}
	}
	skipped := len(mappings) - len(eligible)
	if len(eligible) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("batch swap: no mappings are ready: %w", apperrors.ErrNoTarget)
	}

	// A fresh queue per batch keeps progress and cancellation scoped to this
	// run.
	queue := swapqueue.NewQueue(s.logger)
	if s.onProgress != nil {
		queue.SetOnUpdate(s.onProgress)
	}
	s.queue = queue
	s.swapping = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.swapping = false
		s.mu.Unlock()
	}()

	runID := s.history.NewRunID()
	result := &BatchResult{RunID: runID, Attempted: len(eligible), Skipped: skipped}
	var resultMu sync.Mutex

	for _, m := range eligible {
		mapping := m
		queue.Enqueue(swapqueue.NewFuncTask(mapping.Source.Name, func(taskCtx context.Context) error {
			return s.swapOne(taskCtx, swapper, mapping, runID, modelPath, result, &resultMu)
		}))
	}

	err := queue.Wait(ctx)

	progress := queue.Progress()
	result.Failed = progress.Failed
	result.Cancelled = progress.Cancelled

	s.logger.Info("Batch swap finished",
		zap.String("run_id", runID),
		zap.Int("attempted", result.Attempted),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("cancelled", result.Cancelled),
		zap.Int("skipped", result.Skipped))
	return result, err
}

// swapOne runs a single live swap inside the batch queue. The queue
// serializes tasks, so the connection swapper is never entered concurrently.
func (s *swapService) swapOne(ctx context.Context, swapper adapters.ConnectionSwapper, mapping *models.ConnectionMapping, runID, modelPath string, result *BatchResult, resultMu *sync.Mutex) error {
	if err := mapping.BeginSwap(); err != nil {
		return err
	}

	res, err := swapper.SwapConnection(ctx, mapping)
	if err != nil {
		if stateErr := mapping.CompleteSwap(false); stateErr != nil {
			s.logger.Warn("Mapping state update failed", zap.Error(stateErr))
		}
		return fmt.Errorf("swap %q: %w", mapping.Source.Name, err)
	}
	if stateErr := mapping.CompleteSwap(true); stateErr != nil {
		s.logger.Warn("Mapping state update failed", zap.Error(stateErr))
	}

	entry, histErr := s.history.RecordSwap(mapping, runID, modelPath)
	if histErr != nil {
		// The model already points at the target; a ledger miss only costs
		// the rollback shortcut.
		s.logger.Warn("Swap succeeded but history append failed",
			zap.String("connection", mapping.Source.Name),
			zap.Error(histErr))
	}

	resultMu.Lock()
	result.Succeeded++
	if entry != nil {
		result.Entries = append(result.Entries, entry)
	}
	resultMu.Unlock()

	s.logger.Info("Swapped connection",
		zap.String("connection", mapping.Source.Name),
		zap.String("target", logging.SanitizeConnectionString(mapping.Target.Label())),
		zap.Int64("elapsed_ms", res.ElapsedMS))
	return nil
}

func (s *swapService) CancelBatch() {
	s.mu.RLock()
	queue := s.queue
	s.mu.RUnlock()
	if queue != nil {
		queue.Cancel()
	}
}

func (s *swapService) SetOnProgress(fn func([]swapqueue.TaskSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onProgress = fn
	if s.queue != nil {
		s.queue.SetOnUpdate(fn)
	}
}

func (s *swapService) BatchProgress() swapqueue.Progress {
	s.mu.RLock()
	queue := s.queue
	s.mu.RUnlock()
	if queue == nil {
		return swapqueue.Progress{}
	}
	return queue.Progress()
}

func (s *swapService) SwapThinReport(ctx context.Context, req *ThinSwapRequest) (*ThinSwapResult, error) {
	if req == nil || req.Mapping == nil {
		return nil, fmt.Errorf("thin swap: mapping is nil")
	}
	mapping := req.Mapping
	if !mapping.HasTarget() {
		return nil, fmt.Errorf("thin swap %q: %w", mapping.Source.Name, apperrors.ErrNoTarget)
	}
	if req.ReportPath == "" {
		return nil, fmt.Errorf("thin swap %q: report path is empty", mapping.Source.Name)
	}

	if err := mapping.BeginSwap(); err != nil {
		return nil, err
	}

	target := mapping.Target
	patch := adapters.PbixSwapRequest{
		Path:               req.ReportPath,
		Server:             target.Server,
		Database:           target.Database,
		SourceFriendlyName: mapping.Source.DisplayName(),
	}
	if target.IsCloud() {
		patch.DatasetID = target.DatasetID
		patch.PerspectiveName = target.PerspectiveName
		patch.WorkspaceName = target.WorkspaceName
		patch.CloudConnectionType = target.CloudConnectionType
		patch.UseCachedCloud = s.modifier != nil && s.modifier.CachedCloudConnection(req.ReportPath) != nil
	}

	patchResult, backupPath, err := s.closeAndPatch(ctx, req.ReportPath, patch)
	if err != nil {
		if stateErr := mapping.CompleteSwap(false); stateErr != nil {
			s.logger.Warn("Mapping state update failed", zap.Error(stateErr))
		}
		return nil, err
	}
	if stateErr := mapping.CompleteSwap(true); stateErr != nil {
		s.logger.Warn("Mapping state update failed", zap.Error(stateErr))
	}

	runID := req.RunID
	if runID == "" {
		runID = s.history.NewRunID()
	}
	result := &ThinSwapResult{Message: patchResult.Message, BackupPath: backupPath}
	if entry, histErr := s.history.RecordSwap(mapping, runID, req.ReportPath); histErr != nil {
		s.logger.Warn("Swap succeeded but history append failed",
			zap.String("connection", mapping.Source.Name),
			zap.Error(histErr))
	} else {
		result.EntryID = entry.ID
	}

	if req.Reopen {
		result.Reopened, result.ReconnectedPID = s.reopenAndReconnect(ctx, req.ReportPath)
	}

	s.logger.Info("Thin report swapped",
		zap.String("path", req.ReportPath),
		zap.String("target", logging.SanitizeConnectionString(target.Label())),
		zap.Bool("reopened", result.Reopened))
	return result, nil
}

// closeAndPatch runs the file half of a thin-report swap: close the owning
// process, wait for the lock, snapshot a backup, then rewrite the connection
// block. Any failure before the rewrite aborts with the file untouched.
func (s *swapService) closeAndPatch(ctx context.Context, path string, patch adapters.PbixSwapRequest) (*adapters.PbixSwapResult, string, error) {
	if s.modifier == nil || s.procs == nil {
		return nil, "", fmt.Errorf("thin swap %s: no file modifier attached: %w", path, apperrors.ErrUnsupportedFormat)
	}

	fileType := s.modifier.DetectFileType(path)
	if fileType == adapters.FileTypeUnknown {
		return nil, "", fmt.Errorf("thin swap %s: %w", path, apperrors.ErrUnsupportedFormat)
	}

	proc, err := s.procs.FindReportProcess(ctx, path)
	switch {
	case errors.Is(err, apperrors.ErrModelNotOpen):
		// Nothing has the file open; patch directly.
		proc = nil
	case err != nil:
		return nil, "", fmt.Errorf("failed to find owning process for %s: %w", path, err)
	}

	if proc != nil {
		if err := s.procs.SaveFile(ctx, proc.PID, s.cfg.GracefulCloseTimeout()); err != nil && !errors.Is(err, errors.ErrUnsupported) {
			s.logger.Warn("Save before close failed", zap.Int32("pid", proc.PID), zap.Error(err))
		}
		if err := s.procs.CloseGracefully(ctx, proc.PID, s.cfg.GracefulCloseTimeout()); err != nil {
			s.logger.Warn("Graceful close failed, forcing",
				zap.Int32("pid", proc.PID),
				zap.Error(err))
			if err := s.procs.ForceClose(ctx, proc.PID); err != nil {
				return nil, "", fmt.Errorf("failed to close process %d: %w", proc.PID, err)
			}
		}
	}

	// PBIP folders are never locked by the Desktop process; PBIX files are,
	// and patching a still-locked file corrupts it.
	if fileType == adapters.FileTypePBIX {
		if err := s.procs.WaitForFileUnlock(ctx, path, s.cfg.FileUnlockTimeout()); err != nil {
			return nil, "", fmt.Errorf("file still locked, aborting before modification: %w", err)
		}
	}

	var backupPath string
	if s.presets != nil && s.presets.BackupBeforeSwap() {
		backupPath, err = process.BackupFile(ctx, path, s.backupDir, s.logger)
		if err != nil {
			return nil, "", fmt.Errorf("failed to back up %s: %w", path, err)
		}
	}

	// Backups are taken above; the modifier never makes its own.
	patch.CreateBackup = false
	result, err := s.modifier.SwapConnection(ctx, patch)
	if err != nil {
		return nil, backupPath, fmt.Errorf("failed to rewrite connection in %s: %w", path, err)
	}
	return result, backupPath, nil
}

// reopenAndReconnect relaunches the report and scans for the new process
// until it appears or the reopen window closes. Both halves are best-effort:
// the file is already patched, so failure here is a warning, not an error.
func (s *swapService) reopenAndReconnect(ctx context.Context, path string) (bool, int32) {
	if err := s.procs.ReopenFile(ctx, path); err != nil {
		s.logger.Warn("Reopen after swap failed", zap.String("path", path), zap.Error(err))
		return false, 0
	}

	deadline := time.Now().Add(s.cfg.ReopenWait())
	for {
		proc, err := s.procs.FindReportProcess(ctx, path)
		if err == nil {
			s.logger.Info("Reopened report reconnected",
				zap.String("path", path),
				zap.Int32("pid", proc.PID))
			return true, proc.PID
		}
		if time.Now().After(deadline) {
			s.logger.Warn("Reopened report did not appear before the wait elapsed",
				zap.String("path", path))
			return true, 0
		}
		select {
		case <-ctx.Done():
			return true, 0
		case <-time.After(reopenPollInterval):
		}
	}
}

func (s *swapService) RollbackLive(ctx context.Context, mapping *models.ConnectionMapping, entryID string) error {
	if mapping == nil {
		return fmt.Errorf("rollback: mapping is nil")
	}
	if mapping.OriginalServer == "" && mapping.OriginalDatabase == "" {
		return fmt.Errorf("rollback %q: no original endpoint recorded: %w",
			mapping.Source.Name, apperrors.ErrNotFound)
	}

	s.mu.RLock()
	swapper := s.swapper
	s.mu.RUnlock()
	if swapper == nil {
		return fmt.Errorf("rollback %q: no model session: %w", mapping.Source.Name, apperrors.ErrModelNotOpen)
	}

	// A rolled-back mapping points at its own starting endpoint, so the
	// state machine re-enters ready before the swap begins.
	rollbackTarget := &models.SwapTarget{
		TargetType:  models.TargetTypeLocal,
		Server:      mapping.OriginalServer,
		Database:    mapping.OriginalDatabase,
		DisplayName: mapping.OriginalDatabase,
	}
	if models.KindOfSource(mapping.Source) != models.SourceKindLocal {
		rollbackTarget.TargetType = models.TargetTypeCloud
	}
	if err := mapping.SetTarget(rollbackTarget, false); err != nil {
		return err
	}
	if err := mapping.BeginSwap(); err != nil {
		return err
	}

	if _, err := swapper.RollbackConnection(ctx, mapping); err != nil {
		if stateErr := mapping.CompleteSwap(false); stateErr != nil {
			s.logger.Warn("Mapping state update failed", zap.Error(stateErr))
		}
		return fmt.Errorf("rollback %q: %w", mapping.Source.Name, err)
	}
	if stateErr := mapping.CompleteSwap(true); stateErr != nil {
		s.logger.Warn("Mapping state update failed", zap.Error(stateErr))
	}

	if entryID != "" {
		if err := s.history.RemoveEntry(entryID); err != nil {
			s.logger.Warn("Rollback succeeded but ledger entry removal failed",
				zap.String("entry_id", entryID),
				zap.Error(err))
		}
	}

	s.logger.Info("Rolled back connection",
		zap.String("connection", mapping.Source.Name),
		zap.String("server", logging.SanitizeConnectionString(mapping.OriginalServer)))
	return nil
}

func (s *swapService) RollbackThinReport(ctx context.Context, entryID string) (*ThinSwapResult, error) {
	entry, err := s.history.Get(entryID)
	if err != nil {
		return nil, err
	}
	if entry.ModelFilePath == "" {
		return nil, fmt.Errorf("rollback entry %s: no report file recorded", entryID)
	}

	patch := adapters.PbixSwapRequest{
		Path:     entry.ModelFilePath,
		Server:   entry.OriginalServer,
		Database: entry.OriginalDatabase,
	}
	if entry.SourceType != models.SourceKindLocal {
		patch.CloudConnectionType = models.CloudConnectionPBISemanticModel
		if entry.SourceType == models.SourceKindXMLA {
			patch.CloudConnectionType = models.CloudConnectionAASXMLA
		}
		// The forward swap away from a cloud source cached its raw
		// connection block; replaying that block restores fields the ledger
		// does not carry, like the dataset GUID.
		patch.UseCachedCloud = s.modifier != nil && s.modifier.CachedCloudConnection(entry.ModelFilePath) != nil
	}

	patchResult, backupPath, err := s.closeAndPatch(ctx, entry.ModelFilePath, patch)
	if err != nil {
		return nil, err
	}

	result := &ThinSwapResult{Message: patchResult.Message, BackupPath: backupPath}
	result.Reopened, result.ReconnectedPID = s.reopenAndReconnect(ctx, entry.ModelFilePath)

	if err := s.history.RemoveEntry(entryID); err != nil {
		s.logger.Warn("Rollback succeeded but ledger entry removal failed",
			zap.String("entry_id", entryID),
			zap.Error(err))
	}

	s.logger.Info("Thin report rolled back",
		zap.String("path", entry.ModelFilePath),
		zap.String("server", logging.SanitizeConnectionString(entry.OriginalServer)))
	return result, nil
}
