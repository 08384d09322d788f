package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/apperrors"
	"github.com/analytic-endeavors/hotswap-engine/pkg/models"
	"github.com/analytic-endeavors/hotswap-engine/pkg/powerbi"
)

// Resolution is a dataset GUID resolved to human-readable names, with the
// strategy that produced it.
type Resolution struct {
	Name          string `json:"name"`
	WorkspaceName string `json:"workspace_name,omitempty"`
	Source        string `json:"source"`
}

// Resolution sources, in chain order.
const (
	ResolvedFromSession      = "session"
	ResolvedFromDatasetCache = "dataset_cache"
	ResolvedFromCloud        = "cloud"
	ResolvedFromLastConfig   = "last_config"
)

// DatasetNameResolver turns the opaque dataset GUID a thin report stores
// into a friendly name and workspace. Strategies run in order: the
// in-session context from earlier swaps, the on-disk dataset cache, a live
// cloud catalog lookup, and finally the persisted last config. The resolver
// never initiates an interactive login; when only an authenticated lookup
// could answer, it returns ErrAuthRequired and leaves the consent prompt to
// the shell.
type DatasetNameResolver interface {
	// Resolve walks the strategy chain for a dataset GUID. modelHash keys
	// the last-config fallback and may be empty.
	Resolve(ctx context.Context, datasetID, modelHash string) (*Resolution, error)

	// Remember stores a session-scoped resolution, typically captured when a
	// swap reveals the friendly name.
	Remember(datasetID, name, workspaceName string)

	// Forget drops all session-scoped context, on model disconnect.
	Forget()
}

type datasetNameResolver struct {
	datasets *powerbi.DatasetCache
	client   *powerbi.Client
	tokens   powerbi.TokenSource
	presets  PresetService

	mu      sync.RWMutex
	session map[string]*Resolution

	logger *zap.Logger
}

// NewDatasetNameResolver creates the resolver. datasets, client, and tokens
// may all be nil when no cloud configuration exists; the session and
// last-config strategies still work.
func NewDatasetNameResolver(datasets *powerbi.DatasetCache, client *powerbi.Client, tokens powerbi.TokenSource, presets PresetService, logger *zap.Logger) DatasetNameResolver {
	return &datasetNameResolver{
		datasets: datasets,
		client:   client,
		tokens:   tokens,
		presets:  presets,
		session:  make(map[string]*Resolution),
		logger:   logger.Named("resolver"),
	}
}

func (r *datasetNameResolver) Resolve(ctx context.Context, datasetID, modelHash string) (*Resolution, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("resolve dataset: id is empty: %w", apperrors.ErrNotFound)
	}

	if res := r.fromSession(datasetID); res != nil {
		return res, nil
	}

	// The on-disk dataset cache needs no token, so a cold start can still
	// resolve GUIDs seen in an earlier session.
	if r.datasets != nil {
		if ref, ok := r.datasets.Get(datasetID); ok {
			res := &Resolution{
				Name:          ref.Name,
				WorkspaceName: ref.WorkspaceName,
				Source:        ResolvedFromDatasetCache,
			}
			r.Remember(datasetID, res.Name, res.WorkspaceName)
			return res, nil
		}
	}

	authNeeded := false
	if r.client != nil {
		if r.tokens == nil || !r.tokens.Authenticated() {
			// A live lookup would need a sign-in the resolver must not start.
			authNeeded = true
		} else {
			res, err := r.fromCloud(ctx, datasetID)
			switch {
			case err == nil:
				return res, nil
			case errors.Is(err, apperrors.ErrAuthRequired):
				authNeeded = true
			case errors.Is(err, apperrors.ErrNotFound):
				// Fall through to the last config.
			default:
				r.logger.Warn("Cloud dataset lookup failed, trying last config",
					zap.String("dataset_id", datasetID),
					zap.Error(err))
			}
		}
	}

	if res := r.fromLastConfig(modelHash); res != nil {
		r.Remember(datasetID, res.Name, res.WorkspaceName)
		return res, nil
	}

	if authNeeded {
		return nil, fmt.Errorf("resolve dataset %s: %w", datasetID, apperrors.ErrAuthRequired)
	}
	return nil, fmt.Errorf("dataset %s: %w", datasetID, apperrors.ErrNotFound)
}

func (r *datasetNameResolver) fromSession(datasetID string) *Resolution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if res, ok := r.session[datasetID]; ok {
		return &Resolution{Name: res.Name, WorkspaceName: res.WorkspaceName, Source: ResolvedFromSession}
	}
	return nil
}

func (r *datasetNameResolver) fromCloud(ctx context.Context, datasetID string) (*Resolution, error) {
	ref, err := r.client.ResolveDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	res := &Resolution{
		Name:          ref.Name,
		WorkspaceName: ref.WorkspaceName,
		Source:        ResolvedFromCloud,
	}
	r.Remember(datasetID, res.Name, res.WorkspaceName)
	return res, nil
}

// fromLastConfig recovers a name from the persisted snapshot. Local-model
// display names carry a trailing "(port)" marker that must not leak into a
// cloud dataset's friendly name.
func (r *datasetNameResolver) fromLastConfig(modelHash string) *Resolution {
	if modelHash == "" || r.presets == nil {
		return nil
	}
	cfg := r.presets.GetLastConfig(modelHash)
	if cfg == nil {
		return nil
	}

	name := strings.TrimSpace(cfg.FriendlyName)
	if name == "" {
		name = strings.TrimSpace(cfg.ModelName)
	}
	name = models.StripPortSuffix(name)
	if name == "" {
		return nil
	}

	return &Resolution{
		Name:          name,
		WorkspaceName: cfg.WorkspaceName,
		Source:        ResolvedFromLastConfig,
	}
}

func (r *datasetNameResolver) Remember(datasetID, name, workspaceName string) {
	if datasetID == "" || name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session[datasetID] = &Resolution{
		Name:          name,
		WorkspaceName: workspaceName,
		Source:        ResolvedFromSession,
	}
}

func (r *datasetNameResolver) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = make(map[string]*Resolution)
}
