package powerbi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/analytic-endeavors/hotswap-engine/pkg/apperrors"
	"github.com/analytic-endeavors/hotswap-engine/pkg/config"
)

// staticTokens is a TokenSource that always hands out the same token.
type staticTokens struct {
	token string
	err   error
	calls int
}

func (s *staticTokens) Token(ctx context.Context) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

func (s *staticTokens) Authenticated() bool { return s.err == nil }

// fakePowerBIAPI simulates the two REST endpoints catalog resolution uses.
type fakePowerBIAPI struct {
	t *testing.T

	mu            sync.Mutex
	groupsCalls   int
	workspaces    []Workspace
	datasets      map[string][]Dataset
	failWorkspace string // dataset listing for this workspace ID returns 404

	server *httptest.Server
}

func newFakePowerBIAPI(t *testing.T) *fakePowerBIAPI {
	t.Helper()
	f := &fakePowerBIAPI{
		t: t,
		workspaces: []Workspace{
			{ID: "w-sales", Name: "Sales", IsOnDedicatedCapacity: true},
			{ID: "w-finance", Name: "Finance"},
		},
		datasets: map[string][]Dataset{
			"w-sales":   {{ID: "d-1", Name: "Sales Model"}},
			"w-finance": {{ID: "d-2", Name: "Finance Model", ConfiguredBy: "dana@contoso.com"}},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/groups", f.handleGroups)
	// Subtree route instead of a "/groups/{id}/datasets" wildcard pattern:
	// wildcard patterns and r.PathValue need a newer stdlib than go1.21.
	mux.HandleFunc("/groups/", f.handleDatasets)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	return f
}

func (f *fakePowerBIAPI) handleGroups(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.groupsCalls++
	workspaces := f.workspaces
	f.mu.Unlock()

	assert.Equal(f.t, "Bearer test-token", r.Header.Get("Authorization"))
	json.NewEncoder(w).Encode(map[string]any{"value": workspaces})
}

func (f *fakePowerBIAPI) handleDatasets(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/groups/"), "/datasets")

	f.mu.Lock()
	failed := f.failWorkspace == id
	datasets := f.datasets[id]
	f.mu.Unlock()

	if failed {
		http.Error(w, "workspace not accessible", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"value": datasets})
}

func (f *fakePowerBIAPI) groupsCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groupsCalls
}

func newTestClient(t *testing.T, api *fakePowerBIAPI, cache *DatasetCache) *Client {
	t.Helper()
	cfg := config.CloudConfig{
		APIBaseURL:            api.server.URL,
		RequestTimeoutSeconds: 5,
	}
	return NewClient(cfg, &staticTokens{token: "test-token"}, cache, zaptest.NewLogger(t))
}

func newTestCache(t *testing.T) *DatasetCache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset_cache.json")
	return NewDatasetCache(path, 15*time.Minute, zaptest.NewLogger(t))
}

func TestClient_ListWorkspaces(t *testing.T) {
	api := newFakePowerBIAPI(t)
	client := newTestClient(t, api, nil)

	workspaces, err := client.ListWorkspaces(context.Background())
	require.NoError(t, err)
	require.Len(t, workspaces, 2)
	assert.Equal(t, "w-sales", workspaces[0].ID)
	assert.Equal(t, "Sales", workspaces[0].Name)
	assert.True(t, workspaces[0].IsOnDedicatedCapacity)
	assert.False(t, workspaces[1].IsOnDedicatedCapacity)
}

func TestClient_ListDatasets(t *testing.T) {
	api := newFakePowerBIAPI(t)
	client := newTestClient(t, api, nil)

	datasets, err := client.ListDatasets(context.Background(), "w-finance")
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	assert.Equal(t, "d-2", datasets[0].ID)
	assert.Equal(t, "Finance Model", datasets[0].Name)
	assert.Equal(t, "dana@contoso.com", datasets[0].ConfiguredBy)
}

func TestClient_ResolveDataset_RefreshesOnMiss(t *testing.T) {
	api := newFakePowerBIAPI(t)
	cache := newTestCache(t)
	client := newTestClient(t, api, cache)

	ref, err := client.ResolveDataset(context.Background(), "d-2")
	require.NoError(t, err)
	assert.Equal(t, "Finance Model", ref.Name)
	assert.Equal(t, "w-finance", ref.WorkspaceID)
	assert.Equal(t, "Finance", ref.WorkspaceName)
	assert.Equal(t, 1, api.groupsCallCount())

	// The refreshed snapshot answers the next lookup without the API.
	ref, err = client.ResolveDataset(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, "Sales Model", ref.Name)
	assert.Equal(t, 1, api.groupsCallCount())
}

func TestClient_ResolveDataset_UnknownID(t *testing.T) {
	api := newFakePowerBIAPI(t)
	client := newTestClient(t, api, newTestCache(t))

	_, err := client.ResolveDataset(context.Background(), "d-nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, 1, api.groupsCallCount(), "one refresh before giving up")
}

func TestClient_ResolveDataset_EmptyID(t *testing.T) {
	api := newFakePowerBIAPI(t)
	client := newTestClient(t, api, newTestCache(t))

	_, err := client.ResolveDataset(context.Background(), "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, 0, api.groupsCallCount())
}

func TestClient_ResolveDataset_AuthRequired(t *testing.T) {
	api := newFakePowerBIAPI(t)
	cfg := config.CloudConfig{APIBaseURL: api.server.URL, RequestTimeoutSeconds: 5}
	tokens := &staticTokens{err: fmt.Errorf("no cached token: %w", apperrors.ErrAuthRequired)}
	client := NewClient(cfg, tokens, newTestCache(t), zaptest.NewLogger(t))

	_, err := client.ResolveDataset(context.Background(), "d-1")
	assert.ErrorIs(t, err, apperrors.ErrAuthRequired)
	assert.Equal(t, 0, api.groupsCallCount(), "no API call without a token")
}

func TestClient_RefreshCatalog_SkipsBrokenWorkspace(t *testing.T) {
	api := newFakePowerBIAPI(t)
	api.failWorkspace = "w-finance"
	cache := newTestCache(t)
	client := newTestClient(t, api, cache)

	count, err := client.RefreshCatalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "broken workspace is skipped, not fatal")

	_, ok := cache.Get("d-1")
	assert.True(t, ok)
	_, ok = cache.Get("d-2")
	assert.False(t, ok)
}

func TestClient_RetriesTransientStatus(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		if n == 1 {
			http.Error(w, "service busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"value": []Workspace{{ID: "w-1", Name: "Sales"}}})
	}))
	defer server.Close()

	cfg := config.CloudConfig{APIBaseURL: server.URL, RequestTimeoutSeconds: 5}
	client := NewClient(cfg, &staticTokens{token: "test-token"}, nil, zaptest.NewLogger(t))

	workspaces, err := client.ListWorkspaces(context.Background())
	require.NoError(t, err)
	assert.Len(t, workspaces, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls, "503 is retried once before succeeding")
}

func TestClient_NotFoundFailsFast(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "no such group", http.StatusNotFound)
	}))
	defer server.Close()

	cfg := config.CloudConfig{APIBaseURL: server.URL, RequestTimeoutSeconds: 5}
	client := NewClient(cfg, &staticTokens{token: "test-token"}, nil, zaptest.NewLogger(t))

	_, err := client.ListWorkspaces(context.Background())
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "404 is permanent, no retries")
}

func TestClient_XMLAEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		baseURL   string
		workspace string
		want      string
	}{
		{
			name:      "default API host",
			baseURL:   "https://api.powerbi.com/v1.0/myorg",
			workspace: "Sales Workspace",
			want:      "powerbi://api.powerbi.com/v1.0/myorg/Sales Workspace",
		},
		{
			name:      "trailing slash on base",
			baseURL:   "https://api.powerbi.com/v1.0/myorg/",
			workspace: "Finance",
			want:      "powerbi://api.powerbi.com/v1.0/myorg/Finance",
		},
		{
			name:      "sovereign cloud host",
			baseURL:   "https://api.powerbigov.us/v1.0/myorg",
			workspace: "Ops",
			want:      "powerbi://api.powerbigov.us/v1.0/myorg/Ops",
		},
		{
			name:      "unparseable base falls back to the public host",
			baseURL:   "",
			workspace: "Sales",
			want:      "powerbi://api.powerbi.com/v1.0/myorg/Sales",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &Client{baseURL: tt.baseURL}
			assert.Equal(t, tt.want, client.XMLAEndpoint(tt.workspace))
		})
	}
}

func TestBuildURL(t *testing.T) {
	got, err := buildURL("https://api.powerbi.com/v1.0/myorg", "groups", "w-1", "datasets")
	require.NoError(t, err)
	assert.Equal(t, "https://api.powerbi.com/v1.0/myorg/groups/w-1/datasets", got)

	got, err = buildURL("http://127.0.0.1:8080", "groups")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080/groups", got)
}
