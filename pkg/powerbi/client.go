package powerbi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/apperrors"
	"github.com/analytic-endeavors/hotswap-engine/pkg/config"
	"github.com/analytic-endeavors/hotswap-engine/pkg/logging"
	"github.com/analytic-endeavors/hotswap-engine/pkg/retry"
)

// Workspace is one Power BI workspace (group) the signed-in user can see.
type Workspace struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	IsOnDedicatedCapacity bool   `json:"isOnDedicatedCapacity,omitempty"`
}

// Dataset is one semantic model inside a workspace.
type Dataset struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	WebURL       string `json:"webUrl,omitempty"`
	ConfiguredBy string `json:"configuredBy,omitempty"`
}

// Client provides access to the Power BI REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	cache      *DatasetCache
	retryCfg   *retry.Config
	logger     *zap.Logger
}

// NewClient creates a Power BI client. cache may be nil when GUID resolution
// is not needed (ResolveDataset then always enumerates).
func NewClient(cfg config.CloudConfig, tokens TokenSource, cache *DatasetCache, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    cfg.APIBaseURL,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout()},
		tokens:     tokens,
		cache:      cache,
		retryCfg:   retry.DefaultConfig(),
		logger:     logger.Named("powerbi"),
	}
}

// ListWorkspaces returns the workspaces visible to the signed-in user.
func (c *Client) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	body, err := c.get(ctx, "groups")
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}

	var response struct {
		Value []Workspace `json:"value"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse workspaces response: %w", err)
	}

	c.logger.Debug("Listed workspaces", zap.Int("count", len(response.Value)))
	return response.Value, nil
}

// ListDatasets returns the datasets in one workspace.
func (c *Client) ListDatasets(ctx context.Context, workspaceID string) ([]Dataset, error) {
	body, err := c.get(ctx, "groups", workspaceID, "datasets")
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}

	var response struct {
		Value []Dataset `json:"value"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse datasets response: %w", err)
	}
	return response.Value, nil
}

// ResolveDataset maps a dataset GUID to its name and workspace. The cached
// snapshot answers first; a miss refreshes the catalog once and retries the
// lookup. Returns apperrors.ErrNotFound when the GUID is unknown to every
// visible workspace and apperrors.ErrAuthRequired when no token is held.
func (c *Client) ResolveDataset(ctx context.Context, datasetID string) (*DatasetRef, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("dataset id is empty: %w", apperrors.ErrNotFound)
	}
	if c.cache != nil {
		if ref, ok := c.cache.Get(datasetID); ok {
			return ref, nil
		}
	}

	if _, err := c.RefreshCatalog(ctx); err != nil {
		return nil, err
	}

	if c.cache != nil {
		if ref, ok := c.cache.Get(datasetID); ok {
			return ref, nil
		}
	}
	return nil, fmt.Errorf("dataset %s not visible in any workspace: %w", datasetID, apperrors.ErrNotFound)
}

// RefreshCatalog enumerates every visible workspace's datasets and replaces
// the cache snapshot. Returns the number of datasets found. Workspaces that
// fail to enumerate are skipped with a warning so one broken workspace does
// not hide the rest.
func (c *Client) RefreshCatalog(ctx context.Context) (int, error) {
	workspaces, err := c.ListWorkspaces(ctx)
	if err != nil {
		return 0, err
	}

	var refs []*DatasetRef
	for _, ws := range workspaces {
		datasets, err := c.ListDatasets(ctx, ws.ID)
		if err != nil {
			// REST errors can quote the request, bearer header included.
			c.logger.Warn("Skipping workspace during catalog refresh",
				zap.String("workspace", ws.Name),
				zap.String("error", logging.SanitizeError(err)))
			continue
		}
		for _, ds := range datasets {
			refs = append(refs, &DatasetRef{
				ID:            ds.ID,
				Name:          ds.Name,
				WorkspaceID:   ws.ID,
				WorkspaceName: ws.Name,
			})
		}
	}

	if c.cache != nil {
		if err := c.cache.Fill(refs); err != nil {
			c.logger.Warn("Failed to persist dataset cache", zap.Error(err))
		}
	}
	c.logger.Info("Refreshed dataset catalog",
		zap.Int("workspaces", len(workspaces)),
		zap.Int("datasets", len(refs)))
	return len(refs), nil
}

// XMLAEndpoint returns the XMLA connection URL for a workspace, derived from
// the configured API host ("powerbi://api.powerbi.com/v1.0/myorg/Sales").
// The workspace name stays unescaped: XMLA connection strings take the raw
// name, spaces included.
func (c *Client) XMLAEndpoint(workspaceName string) string {
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Host == "" {
		return "powerbi://api.powerbi.com/v1.0/myorg/" + workspaceName
	}
	return fmt.Sprintf("powerbi://%s%s/%s", u.Host, strings.TrimSuffix(u.Path, "/"), workspaceName)
}

// get performs an authenticated GET with bounded retries. Transient failures
// (429, 5xx, network) retry; auth and not-found errors return immediately.
func (c *Client) get(ctx context.Context, segments ...string) ([]byte, error) {
	endpoint, err := buildURL(c.baseURL, segments...)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}

	var payload []byte
	err = retry.DoIfRetryable(ctx, c.retryCfg, func() error {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to call Power BI API: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("Power BI API returned status %d: %s", resp.StatusCode, string(body))
		}
		payload = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// buildURL constructs a URL by parsing the base and joining path segments.
func buildURL(baseURL string, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)

	return u.String(), nil
}
