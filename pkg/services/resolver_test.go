package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/apperrors"
	"github.com/analytic-endeavors/hotswap-engine/pkg/config"
	"github.com/analytic-endeavors/hotswap-engine/pkg/models"
	"github.com/analytic-endeavors/hotswap-engine/pkg/powerbi"
)

// resolverTokens stubs the cloud token source for resolver tests.
type resolverTokens struct {
	authenticated bool
}

func (s *resolverTokens) Token(ctx context.Context) (string, error) {
	if !s.authenticated {
		return "", apperrors.ErrAuthRequired
	}
	return "test-token", nil
}

func (s *resolverTokens) Authenticated() bool {
	return s.authenticated
}

// newFakeCatalog serves one workspace with one dataset and counts requests.
func newFakeCatalog(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/groups", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, map[string]any{"value": []map[string]any{
			{"id": "w-1", "name": "Sales WS"},
		}})
	})
	// Subtree route instead of a "/groups/{id}/datasets" wildcard pattern,
	// which needs a newer stdlib than go1.21. The handler ignores the id.
	mux.HandleFunc("/groups/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, map[string]any{"value": []map[string]any{
			{"id": "d-42", "name": "Sales Dataset"},
		}})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &calls
}

func newResolverDatasetCache(t *testing.T) *powerbi.DatasetCache {
	t.Helper()
	return powerbi.NewDatasetCache(
		filepath.Join(t.TempDir(), "dataset_cache.json"), time.Hour, zap.NewNop())
}

func newResolverClient(t *testing.T, baseURL string, tokens powerbi.TokenSource, cache *powerbi.DatasetCache) *powerbi.Client {
	t.Helper()
	cfg := config.CloudConfig{
		APIBaseURL:            baseURL,
		ClientID:              "11111111-2222-3333-4444-555555555555",
		RequestTimeoutSeconds: 5,
	}
	return powerbi.NewClient(cfg, tokens, cache, zap.NewNop())
}

func TestResolver_SessionContextFirst(t *testing.T) {
	r := NewDatasetNameResolver(nil, nil, nil, nil, zap.NewNop())
	r.Remember("d-42", "Sales Dataset", "Sales WS")

	res, err := r.Resolve(context.Background(), "d-42", "")
	require.NoError(t, err)
	assert.Equal(t, "Sales Dataset", res.Name)
	assert.Equal(t, "Sales WS", res.WorkspaceName)
	assert.Equal(t, ResolvedFromSession, res.Source)
}

func TestResolver_DatasetCacheNeedsNoAuth(t *testing.T) {
	server, calls := newFakeCatalog(t)
	tokens := &resolverTokens{authenticated: false}
	cache := newResolverDatasetCache(t)
	require.NoError(t, cache.Fill([]*powerbi.DatasetRef{
		{ID: "d-42", Name: "Sales Dataset", WorkspaceID: "w-1", WorkspaceName: "Sales WS"},
	}))
	client := newResolverClient(t, server.URL, tokens, cache)

	r := NewDatasetNameResolver(cache, client, tokens, nil, zap.NewNop())

	res, err := r.Resolve(context.Background(), "d-42", "")
	require.NoError(t, err)
	assert.Equal(t, "Sales Dataset", res.Name)
	assert.Equal(t, ResolvedFromDatasetCache, res.Source)
	assert.Zero(t, atomic.LoadInt32(calls))
}

func TestResolver_CloudLookupWhenAuthenticated(t *testing.T) {
	server, calls := newFakeCatalog(t)
	tokens := &resolverTokens{authenticated: true}
	cache := newResolverDatasetCache(t)
	client := newResolverClient(t, server.URL, tokens, cache)

	r := NewDatasetNameResolver(cache, client, tokens, nil, zap.NewNop())

	res, err := r.Resolve(context.Background(), "d-42", "")
	require.NoError(t, err)
	assert.Equal(t, "Sales Dataset", res.Name)
	assert.Equal(t, "Sales WS", res.WorkspaceName)
	assert.Equal(t, ResolvedFromCloud, res.Source)
	catalogCalls := atomic.LoadInt32(calls)
	assert.NotZero(t, catalogCalls)

	// Resolved names stick to the session; no further catalog traffic.
	res, err = r.Resolve(context.Background(), "d-42", "")
	require.NoError(t, err)
	assert.Equal(t, ResolvedFromSession, res.Source)
	assert.Equal(t, catalogCalls, atomic.LoadInt32(calls))
}

func TestResolver_NeverCallsCloudWithoutAuth(t *testing.T) {
	server, calls := newFakeCatalog(t)
	tokens := &resolverTokens{authenticated: false}
	cache := newResolverDatasetCache(t)
	client := newResolverClient(t, server.URL, tokens, cache)

	r := NewDatasetNameResolver(cache, client, tokens, nil, zap.NewNop())

	_, err := r.Resolve(context.Background(), "d-42", "")
	assert.ErrorIs(t, err, apperrors.ErrAuthRequired)
	assert.Zero(t, atomic.LoadInt32(calls))
}

func TestResolver_LastConfigAnswersWithoutAuth(t *testing.T) {
	server, calls := newFakeCatalog(t)
	tokens := &resolverTokens{authenticated: false}
	cache := newResolverDatasetCache(t)
	client := newResolverClient(t, server.URL, tokens, cache)

	presets, _ := newTestPresetService(t)
	mappings := []*models.ConnectionMapping{localMapping("Sales", "localhost:51542", "local-db")}
	_, err := presets.SaveLastConfig("h1", mappings, "Sales Model", "Sales Dataset (51542)", "Sales WS", false)
	require.NoError(t, err)

	r := NewDatasetNameResolver(cache, client, tokens, presets, zap.NewNop())

	res, err := r.Resolve(context.Background(), "d-42", "h1")
	require.NoError(t, err)
	assert.Equal(t, "Sales Dataset", res.Name, "port suffix must be stripped")
	assert.Equal(t, "Sales WS", res.WorkspaceName)
	assert.Equal(t, ResolvedFromLastConfig, res.Source)
	assert.Zero(t, atomic.LoadInt32(calls))
}

func TestResolver_UnknownDatasetFallsThroughToNotFound(t *testing.T) {
	server, _ := newFakeCatalog(t)
	tokens := &resolverTokens{authenticated: true}
	cache := newResolverDatasetCache(t)
	client := newResolverClient(t, server.URL, tokens, cache)

	r := NewDatasetNameResolver(cache, client, tokens, nil, zap.NewNop())

	_, err := r.Resolve(context.Background(), "d-99", "missing-hash")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NotErrorIs(t, err, apperrors.ErrAuthRequired)
}

func TestResolver_EmptyDatasetID(t *testing.T) {
	r := NewDatasetNameResolver(nil, nil, nil, nil, zap.NewNop())

	_, err := r.Resolve(context.Background(), "", "h1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestResolver_ForgetClearsSession(t *testing.T) {
	r := NewDatasetNameResolver(nil, nil, nil, nil, zap.NewNop())
	r.Remember("d-42", "Sales Dataset", "Sales WS")
	r.Forget()

	_, err := r.Resolve(context.Background(), "d-42", "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
