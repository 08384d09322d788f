// Package engine is the composition root of the hot-swap engine. The desktop
// shell builds one Engine, implements the collaborator contracts in
// pkg/adapters for the pieces only it can provide (TOM detection and
// swapping, thin-report file modification), and drives everything else
// through the facade: preset management, swap execution, the history ledger,
// local model discovery, and cloud dataset resolution.
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/adapters"
	"github.com/analytic-endeavors/hotswap-engine/pkg/config"
	"github.com/analytic-endeavors/hotswap-engine/pkg/discover"
	"github.com/analytic-endeavors/hotswap-engine/pkg/fingerprint"
	"github.com/analytic-endeavors/hotswap-engine/pkg/logging"
	"github.com/analytic-endeavors/hotswap-engine/pkg/models"
	"github.com/analytic-endeavors/hotswap-engine/pkg/powerbi"
	"github.com/analytic-endeavors/hotswap-engine/pkg/process"
	"github.com/analytic-endeavors/hotswap-engine/pkg/services"
	"github.com/analytic-endeavors/hotswap-engine/pkg/stores"
)

// Options configures engine construction. Every field is optional: nil
// fields fall back to the built-in implementation, except Modifier, which
// only the shell can provide (thin-report swaps stay unavailable without
// it).
type Options struct {
	// Config overrides configuration loading. Nil loads config.yaml with
	// environment overrides.
	Config *config.Config

	// Version is stamped onto the loaded config when Config is nil.
	Version string

	// Logger overrides logger construction.
	Logger *zap.Logger

	// Modifier patches thin-report files. Shell-supplied.
	Modifier adapters.PbixModifier

	// Matcher overrides local model discovery. Nil uses the gopsutil-backed
	// scanner in pkg/discover.
	Matcher adapters.LocalModelMatcher

	// Processes overrides Desktop process control. Nil uses pkg/process.
	Processes adapters.ProcessController

	// TokenSource overrides cloud authentication. Nil uses the device-code
	// source when cloud access is configured.
	TokenSource powerbi.TokenSource
}

// Engine owns the wired service graph.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	userStore stores.PresetStore
	fpCache   *fingerprint.Cache

	presets  services.PresetService
	history  services.HistoryService
	swaps    services.SwapService
	resolver services.DatasetNameResolver

	datasets    *powerbi.DatasetCache
	client      *powerbi.Client
	tokens      powerbi.TokenSource
	deviceLogin *powerbi.DeviceCodeTokenSource
}

// New builds the engine: configuration, logger, stores, caches, the cloud
// client when configured, and the service graph on top of them.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}

	logger := opts.Logger
	if logger == nil {
		built, err := logging.New(cfg.Env)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		logger = built
	}

	e := &Engine{cfg: cfg, logger: logger}

	e.userStore = stores.NewPresetStore(models.StorageTypeUser, cfg.UserPresetPath(), logger)
	e.fpCache = fingerprint.NewCache(cfg.FingerprintCachePath(), logger)
	e.presets = services.NewPresetService(e.userStore, e.fpCache, opts.Modifier, logger)

	historyStore := stores.NewHistoryStore(cfg.HistoryPath(), cfg.History.MaxEntries, logger)
	e.history = services.NewHistoryService(historyStore, logger)

	procs := opts.Processes
	if procs == nil {
		procs = process.NewController(cfg.Process, logger)
	}
	matcher := opts.Matcher
	if matcher == nil {
		matcher = discover.NewMatcher(discover.NewScanner(cfg.Process, logger), logger)
	}

	e.swaps = services.NewSwapService(services.SwapServiceDeps{
		Matcher:   matcher,
		Modifier:  opts.Modifier,
		Processes: procs,
		Presets:   e.presets,
		History:   e.history,
	}, cfg.Process, cfg.BackupDir(), logger)

	// The dataset cache serves GUID resolution even when nobody is signed
	// in, so it exists regardless of cloud configuration.
	e.datasets = powerbi.NewDatasetCache(cfg.DatasetCachePath(), cfg.Cloud.DatasetCacheTTL(), logger)

	e.tokens = opts.TokenSource
	if e.tokens == nil && cfg.Cloud.IsConfigured() {
		e.deviceLogin = powerbi.NewDeviceCodeTokenSource(cfg.Cloud, logger)
		e.tokens = e.deviceLogin
	}
	if e.tokens != nil {
		e.client = powerbi.NewClient(cfg.Cloud, e.tokens, e.datasets, logger)
	}

	e.resolver = services.NewDatasetNameResolver(e.datasets, e.client, e.tokens, e.presets, logger)

	logger.Info("Engine initialized",
		zap.String("app_data_dir", cfg.AppDataDir),
		zap.Bool("cloud_configured", e.client != nil),
		zap.Bool("file_modifier", opts.Modifier != nil))
	return e, nil
}

// Presets returns the preset service.
func (e *Engine) Presets() services.PresetService { return e.presets }

// History returns the swap history ledger.
func (e *Engine) History() services.HistoryService { return e.history }

// Swaps returns the swap service.
func (e *Engine) Swaps() services.SwapService { return e.swaps }

// Resolver returns the thin-report dataset name resolver.
func (e *Engine) Resolver() services.DatasetNameResolver { return e.resolver }

// Cloud returns the Power BI REST client, or nil when no cloud access is
// configured.
func (e *Engine) Cloud() *powerbi.Client { return e.client }

// DeviceLogin returns the built-in device-code token source so the shell can
// run the sign-in conversation (show the verification URL and code, wait for
// completion). Nil when the shell supplied its own TokenSource or cloud
// access is not configured.
func (e *Engine) DeviceLogin() *powerbi.DeviceCodeTokenSource { return e.deviceLogin }

// Config returns the effective configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Logger returns the root logger for shell-side components that want to log
// into the same stream.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// Close flushes buffered log output. Stores write through on every mutation,
// so there is nothing else to release.
func (e *Engine) Close() error {
	// Sync fails on some stderr targets; that is not actionable here.
	_ = e.logger.Sync()
	return nil
}

// ConnectRequest describes a model the shell has connected to.
type ConnectRequest struct {
	// Detector and Swapper are the shell's live TOM collaborators for this
	// model. Swapper may be nil for thin reports, which have no live model
	// to swap.
	Detector adapters.ConnectionDetector
	Swapper  adapters.ConnectionSwapper

	// FilePath is the report file backing the model. Empty for models that
	// have never been saved; identity then derives from the first detected
	// connection endpoint.
	FilePath string

	// ProjectRoot is the PBIP project directory. Non-empty attaches a
	// project-scoped preset store colocated with the project.
	ProjectRoot string

	// ModelName, FriendlyName and WorkspaceName label the Last Config
	// snapshot captured on first connect.
	ModelName     string
	FriendlyName  string
	WorkspaceName string
}

// ModelSession is what ConnectModel hands back to the shell.
type ModelSession struct {
	// ModelHash is the stable identity keying model-scope presets and the
	// Last Config for this model.
	ModelHash string

	// Detection holds the detector snapshot and the initial mappings,
	// auto-matched against running local models.
	Detection *services.DetectionResult

	// LastConfigCaptured reports whether this connect recorded the model's
	// starting connections. False means a snapshot already existed.
	LastConfigCaptured bool
}

// ConnectModel wires a model session: detect connections, derive the model
// identity, attach the project preset store when a project root is given,
// and capture the Last Config snapshot if this model has none yet.
func (e *Engine) ConnectModel(ctx context.Context, req ConnectRequest) (*ModelSession, error) {
	if req.Detector == nil {
		return nil, fmt.Errorf("connect model: detector is nil")
	}

	// The hash may need the first detected endpoint, so the session starts
	// with a provisional identity and is re-attached once the hash is known.
	e.swaps.AttachModelSession(req.Detector, req.Swapper, req.FilePath, "")
	detection, err := e.swaps.BuildMappings(ctx)
	if err != nil {
		e.swaps.DetachModelSession()
		return nil, err
	}

	server, database := "", ""
	if len(detection.Info.Connections) > 0 {
		server = detection.Info.Connections[0].Server
		database = detection.Info.Connections[0].Database
	}
	hash := models.DeriveModelHash(req.FilePath, server, database)
	e.swaps.AttachModelSession(req.Detector, req.Swapper, req.FilePath, hash)

	if req.ProjectRoot != "" {
		projectStore := stores.NewPresetStore(models.StorageTypeProject,
			e.cfg.ProjectPresetPath(req.ProjectRoot), e.logger)
		e.presets.AttachProjectStore(projectStore)
	}

	captured := false
	if len(detection.Mappings) > 0 {
		captured, err = e.presets.SaveLastConfig(hash, detection.Mappings,
			req.ModelName, req.FriendlyName, req.WorkspaceName, false)
		if err != nil {
			// The session is still usable without a swap-back snapshot.
			e.logger.Warn("Last config capture failed",
				zap.String("model_hash", hash),
				zap.Error(err))
		}
	}

	return &ModelSession{
		ModelHash:          hash,
		Detection:          detection,
		LastConfigCaptured: captured,
	}, nil
}

// DisconnectModel tears the session down: live collaborators detach, the
// project preset store is released, and session-scoped resolution context is
// dropped. Persisted state (presets, history, Last Config) survives.
func (e *Engine) DisconnectModel() {
	e.swaps.DetachModelSession()
	e.presets.DetachProjectStore()
	e.resolver.Forget()
}

// ApplyPreset checks the preset's schema fingerprint against the connected
// report and applies it to the mappings. A mismatch never blocks: it is
// logged and returned for the shell to surface, and the preset is applied
// anyway.
func (e *Engine) ApplyPreset(ctx context.Context, preset *models.SwapPreset, mappings []*models.ConnectionMapping) (int, *services.SchemaValidation) {
	path, _ := e.swaps.ActiveModel()
	validation := e.presets.ValidatePresetSchema(ctx, preset, path)
	if !validation.Matches {
		e.logger.Warn("Applying preset with mismatched schema fingerprint",
			zap.String("preset", preset.Name),
			zap.Strings("mismatched", validation.MismatchedMappings))
	}
	return e.presets.ApplyPresetToMappings(preset, mappings), validation
}

// SwapBack assigns the connected model's Last Config endpoints as targets on
// the given mappings, preparing a swap to the starting state.
func (e *Engine) SwapBack(mappings []*models.ConnectionMapping) (int, error) {
	_, hash := e.swaps.ActiveModel()
	return e.presets.ApplyLastConfig(hash, mappings)
}

// ResolveDatasetName resolves a thin report's dataset GUID against the
// connected model's context.
func (e *Engine) ResolveDatasetName(ctx context.Context, datasetID string) (*services.Resolution, error) {
	_, hash := e.swaps.ActiveModel()
	return e.resolver.Resolve(ctx, datasetID, hash)
}

// ClearModelHistory removes ledger entries for the connected model only.
// Without an active model the ledger is wiped whole.
func (e *Engine) ClearModelHistory() (int, error) {
	path, _ := e.swaps.ActiveModel()
	return e.history.ClearForModel(path)
}
