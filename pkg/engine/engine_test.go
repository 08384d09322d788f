package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/adapters"
	"github.com/analytic-endeavors/hotswap-engine/pkg/config"
	"github.com/analytic-endeavors/hotswap-engine/pkg/fingerprint"
	"github.com/analytic-endeavors/hotswap-engine/pkg/models"
	"github.com/analytic-endeavors/hotswap-engine/pkg/services"
)

type stubDetector struct {
	info *models.ModelConnectionInfo
}

func (d *stubDetector) DetectConnections(ctx context.Context) (*models.ModelConnectionInfo, error) {
	return d.info, nil
}

// stubMatcher builds pending mappings without touching the process table.
type stubMatcher struct{}

func (stubMatcher) DiscoverLocalModels(ctx context.Context) ([]*adapters.LocalModel, error) {
	return nil, nil
}

func (stubMatcher) SuggestMatches(ctx context.Context, connections []*models.DataSourceConnection) ([]*models.ConnectionMapping, error) {
	mappings := make([]*models.ConnectionMapping, 0, len(connections))
	for _, conn := range connections {
		mappings = append(mappings, models.NewConnectionMapping(conn))
	}
	return mappings, nil
}

func (stubMatcher) FindMatchingModel(name string, candidates []*adapters.LocalModel) *adapters.LocalModel {
	return nil
}

type stubModifier struct {
	block map[string]any
}

func (m *stubModifier) DetectFileType(path string) adapters.ReportFileType {
	return adapters.FileTypePBIP
}

func (m *stubModifier) SwapConnection(ctx context.Context, req adapters.PbixSwapRequest) (*adapters.PbixSwapResult, error) {
	return nil, errors.New("not implemented")
}

func (m *stubModifier) ReadCurrentConnection(ctx context.Context, path string) (map[string]any, error) {
	return m.block, nil
}

func (m *stubModifier) CachedCloudConnection(path string) map[string]any {
	return nil
}

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context) (string, error) { return "test-token", nil }
func (staticTokens) Authenticated() bool                       { return true }

func newEngineConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(filepath.Join(t.TempDir(), "missing-config.yaml"), "test")
	require.NoError(t, err)
	cfg.AppDataDir = t.TempDir()
	return cfg
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Config == nil {
		opts.Config = newEngineConfig(t)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Matcher == nil {
		opts.Matcher = stubMatcher{}
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func salesInfo() *models.ModelConnectionInfo {
	return &models.ModelConnectionInfo{
		Connections: []*models.DataSourceConnection{{
			Name:           "Sales",
			ConnectionType: models.ConnectionTypeLive,
			Server:         "localhost:51000",
			Database:       "db-a",
			IsSwappable:    true,
		}},
		SwappableCount:   1,
		TotalDatasources: 1,
		ConnectionType:   models.ConnectionTypeLive,
	}
}

func TestNew_WiresServiceGraph(t *testing.T) {
	e := newTestEngine(t, Options{})

	assert.NotNil(t, e.Presets())
	assert.NotNil(t, e.History())
	assert.NotNil(t, e.Swaps())
	assert.NotNil(t, e.Resolver())
	assert.NotNil(t, e.Config())
	assert.Nil(t, e.Cloud(), "cloud client needs a configured client ID")
	assert.Nil(t, e.DeviceLogin())
}

func TestNew_CloudConfiguredBuildsDeviceLogin(t *testing.T) {
	cfg := newEngineConfig(t)
	cfg.Cloud.ClientID = "11111111-2222-3333-4444-555555555555"

	e := newTestEngine(t, Options{Config: cfg})

	assert.NotNil(t, e.DeviceLogin())
	assert.NotNil(t, e.Cloud())
}

func TestNew_CustomTokenSourceSkipsDeviceLogin(t *testing.T) {
	e := newTestEngine(t, Options{TokenSource: staticTokens{}})

	assert.NotNil(t, e.Cloud(), "a supplied token source enables the cloud client")
	assert.Nil(t, e.DeviceLogin())
}

func TestEngine_ConnectModelCapturesLastConfig(t *testing.T) {
	e := newTestEngine(t, Options{})
	detector := &stubDetector{info: salesInfo()}
	reportPath := `C:\reports\sales.pbix`

	session, err := e.ConnectModel(context.Background(), ConnectRequest{
		Detector:  detector,
		FilePath:  reportPath,
		ModelName: "Sales Model",
	})
	require.NoError(t, err)

	assert.Equal(t, models.DeriveModelHash(reportPath, "", ""), session.ModelHash)
	assert.True(t, session.LastConfigCaptured)
	assert.True(t, e.Presets().HasLastConfig(session.ModelHash))
	require.Len(t, session.Detection.Mappings, 1)
	assert.Equal(t, models.MappingStatusPending, session.Detection.Mappings[0].Status)

	path, hash := e.Swaps().ActiveModel()
	assert.Equal(t, reportPath, path)
	assert.Equal(t, session.ModelHash, hash)

	// The starting snapshot belongs to the first connect only.
	again, err := e.ConnectModel(context.Background(), ConnectRequest{
		Detector:  detector,
		FilePath:  reportPath,
		ModelName: "Sales Model",
	})
	require.NoError(t, err)
	assert.False(t, again.LastConfigCaptured)
	assert.Equal(t, session.ModelHash, again.ModelHash)
}

func TestEngine_ConnectModelWithoutPathKeysOnEndpoint(t *testing.T) {
	e := newTestEngine(t, Options{})

	session, err := e.ConnectModel(context.Background(), ConnectRequest{
		Detector: &stubDetector{info: salesInfo()},
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeriveModelHash("", "localhost:51000", "db-a"), session.ModelHash)
}

func TestEngine_ProjectStoreLifecycle(t *testing.T) {
	e := newTestEngine(t, Options{})
	projectRoot := t.TempDir()

	_, err := e.ConnectModel(context.Background(), ConnectRequest{
		Detector:    &stubDetector{info: salesInfo()},
		FilePath:    filepath.Join(projectRoot, "sales.pbip"),
		ProjectRoot: projectRoot,
	})
	require.NoError(t, err)

	preset, err := models.NewGlobalPreset("Team UAT", "", &models.PresetTargetMapping{
		ConnectionName: "Sales",
		TargetType:     models.TargetTypeLocal,
		Server:         "localhost:52000",
		Database:       "uat",
	})
	require.NoError(t, err)
	preset.StorageType = models.StorageTypeProject
	require.NoError(t, e.Presets().SavePreset(preset))

	assert.FileExists(t, e.Config().ProjectPresetPath(projectRoot))

	listed := e.Presets().ListPresets(true, models.PresetScopeGlobal, "")
	require.Len(t, listed, 1)
	assert.Equal(t, models.StorageTypeProject, listed[0].StorageType)

	e.DisconnectModel()
	assert.Empty(t, e.Presets().ListPresets(true, models.PresetScopeGlobal, ""),
		"project presets leave the view when the project detaches")

	path, hash := e.Swaps().ActiveModel()
	assert.Empty(t, path)
	assert.Empty(t, hash)
}

func TestEngine_ApplyPresetWarnsOnDriftButApplies(t *testing.T) {
	block := map[string]any{
		"server":   "powerbi://api.powerbi.com/v1.0/myorg/Sales",
		"database": "Sales Dataset",
	}
	e := newTestEngine(t, Options{Modifier: &stubModifier{block: block}})
	e.Swaps().AttachModelSession(&stubDetector{info: salesInfo()}, nil, "C:/reports/sales.pbip", "h1")

	preset, err := models.NewModelPreset("Cloud", "", "h1", "Sales Model", []*models.PresetTargetMapping{{
		ConnectionName:         "Sales",
		TargetType:             models.TargetTypeCloud,
		Server:                 "powerbi://api.powerbi.com/v1.0/myorg/Sales",
		Database:               "Sales Dataset",
		CloudConnectionType:    models.CloudConnectionPBISemanticModel,
		CloudSchemaFingerprint: "0123456789abcdef",
	}})
	require.NoError(t, err)

	mappings := []*models.ConnectionMapping{models.NewConnectionMapping(&models.DataSourceConnection{
		Name:           "Sales",
		ConnectionType: models.ConnectionTypeLive,
		Server:         "localhost:51000",
		Database:       "db-a",
		IsSwappable:    true,
	})}

	count, validation := e.ApplyPreset(context.Background(), preset, mappings)

	assert.Equal(t, 1, count, "a drifted preset still applies")
	require.NotNil(t, validation)
	assert.False(t, validation.Matches)
	assert.Contains(t, validation.MismatchedMappings, "Sales")
	assert.Equal(t, models.MappingStatusReady, mappings[0].Status)
	assert.True(t, mappings[0].Target.IsCloud())
}

func TestEngine_ApplyPresetMatchingFingerprint(t *testing.T) {
	block := map[string]any{
		"server":   "powerbi://api.powerbi.com/v1.0/myorg/Sales",
		"database": "Sales Dataset",
	}
	e := newTestEngine(t, Options{Modifier: &stubModifier{block: block}})
	e.Swaps().AttachModelSession(&stubDetector{info: salesInfo()}, nil, "C:/reports/sales.pbip", "h1")

	preset, err := models.NewModelPreset("Cloud", "", "h1", "Sales Model", []*models.PresetTargetMapping{{
		ConnectionName:         "Sales",
		TargetType:             models.TargetTypeCloud,
		Server:                 "powerbi://api.powerbi.com/v1.0/myorg/Sales",
		Database:               "Sales Dataset",
		CloudConnectionType:    models.CloudConnectionPBISemanticModel,
		CloudSchemaFingerprint: fingerprint.Connection(block),
	}})
	require.NoError(t, err)

	_, validation := e.ApplyPreset(context.Background(), preset, nil)
	assert.True(t, validation.Matches)
}

func TestEngine_SwapBack(t *testing.T) {
	e := newTestEngine(t, Options{})

	session, err := e.ConnectModel(context.Background(), ConnectRequest{
		Detector: &stubDetector{info: salesInfo()},
		FilePath: `C:\reports\sales.pbix`,
	})
	require.NoError(t, err)
	require.True(t, session.LastConfigCaptured)

	count, err := e.SwapBack(session.Detection.Mappings)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	mapping := session.Detection.Mappings[0]
	assert.Equal(t, models.MappingStatusReady, mapping.Status)
	assert.Equal(t, "localhost:51000", mapping.Target.Server)
	assert.Equal(t, "db-a", mapping.Target.Database)
}

func TestEngine_ResolveDatasetNameUsesSessionContext(t *testing.T) {
	e := newTestEngine(t, Options{})
	e.Resolver().Remember("d-42", "Sales Dataset", "Sales WS")

	res, err := e.ResolveDatasetName(context.Background(), "d-42")
	require.NoError(t, err)
	assert.Equal(t, "Sales Dataset", res.Name)
	assert.Equal(t, services.ResolvedFromSession, res.Source)
}

func TestEngine_ClearModelHistory(t *testing.T) {
	e := newTestEngine(t, Options{})

	record := func(name, path string) {
		m := models.NewConnectionMapping(&models.DataSourceConnection{
			Name:           name,
			ConnectionType: models.ConnectionTypeLive,
			Server:         "localhost:51000",
			Database:       "db-a",
			IsSwappable:    true,
		})
		require.NoError(t, m.SetTarget(&models.SwapTarget{
			TargetType: models.TargetTypeLocal,
			Server:     "localhost:52000",
			Database:   "uat",
		}, false))
		require.NoError(t, m.BeginSwap())
		require.NoError(t, m.CompleteSwap(true))
		_, err := e.History().RecordSwap(m, "", path)
		require.NoError(t, err)
	}

	record("Sales", `C:\reports\sales.pbix`)
	record("Other", `C:\reports\other.pbix`)

	e.Swaps().AttachModelSession(&stubDetector{info: salesInfo()}, nil, `C:\reports\sales.pbix`, "h1")

	removed, err := e.ClearModelHistory()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	remaining := e.History().List()
	require.Len(t, remaining, 1)
	assert.Equal(t, "Other", remaining[0].ConnectionName)
}
