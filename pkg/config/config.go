package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the hot-swap engine.
// Configuration can come from a YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// A missing config file is not an error; every field carries a usable default
// so a fresh install starts with no files at all.
type Config struct {
	// AppDataDir is the per-user storage root for presets, history, backups
	// and caches. Auto-derived from the platform app-data directory when empty.
	AppDataDir string `yaml:"app_data_dir" env:"HOTSWAP_APP_DATA_DIR" env-default:""`
	Env        string `yaml:"env" env:"HOTSWAP_ENVIRONMENT" env-default:"local"`
	Version    string `yaml:"-"` // Set at load time, not from config

	// Storage layout under the user and project roots
	Storage StorageConfig `yaml:"storage"`

	// Desktop process lifecycle timeouts
	Process ProcessConfig `yaml:"process"`

	// Power BI REST and AAD device-code settings
	Cloud CloudConfig `yaml:"cloud"`

	// Swap history ledger settings
	History HistoryConfig `yaml:"history"`
}

// StorageConfig holds the file and directory names that make up the preset
// storage layout. The defaults match what earlier releases wrote, so changing
// them orphans existing preset files.
type StorageConfig struct {
	// ProjectDirName is the marker directory colocated with a PBIP project.
	ProjectDirName string `yaml:"project_dir_name" env:"HOTSWAP_PROJECT_DIR_NAME" env-default:".pbi-hotswap"`
	// PresetDirName is the subdirectory holding the preset document.
	PresetDirName string `yaml:"preset_dir_name" env:"HOTSWAP_PRESET_DIR_NAME" env-default:"hotswap_presets"`
	// PresetFileName is the preset document file name in either root.
	PresetFileName string `yaml:"preset_file_name" env:"HOTSWAP_PRESET_FILE_NAME" env-default:"hotswap_presets.json"`
	// BackupDirName is the subdirectory for pre-swap report backups.
	BackupDirName string `yaml:"backup_dir_name" env:"HOTSWAP_BACKUP_DIR_NAME" env-default:"hotswap_backups"`
	// CacheDirName is the subdirectory for the fingerprint and dataset caches.
	CacheDirName string `yaml:"cache_dir_name" env:"HOTSWAP_CACHE_DIR_NAME" env-default:"hotswap_cache"`
}

// ProcessConfig holds timeouts for driving Power BI Desktop processes during
// a thin-report swap.
type ProcessConfig struct {
	// GracefulCloseTimeoutSeconds bounds the wait for a polite window close.
	GracefulCloseTimeoutSeconds int `yaml:"graceful_close_timeout_seconds" env:"HOTSWAP_GRACEFUL_CLOSE_TIMEOUT_SECONDS" env-default:"30"`
	// ForceCloseTimeoutSeconds bounds the wait after a kill.
	ForceCloseTimeoutSeconds int `yaml:"force_close_timeout_seconds" env:"HOTSWAP_FORCE_CLOSE_TIMEOUT_SECONDS" env-default:"10"`
	// FileUnlockTimeoutSeconds bounds the wait for the report file lock to drop.
	FileUnlockTimeoutSeconds int `yaml:"file_unlock_timeout_seconds" env:"HOTSWAP_FILE_UNLOCK_TIMEOUT_SECONDS" env-default:"30"`
	// FileUnlockPollMillis is the probe interval while waiting for the lock.
	FileUnlockPollMillis int `yaml:"file_unlock_poll_millis" env:"HOTSWAP_FILE_UNLOCK_POLL_MILLIS" env-default:"500"`
	// ReopenWaitSeconds bounds the wait for the reopened report's local
	// Analysis Services instance to appear.
	ReopenWaitSeconds int `yaml:"reopen_wait_seconds" env:"HOTSWAP_REOPEN_WAIT_SECONDS" env-default:"60"`
	// DesktopExecutable is the Power BI Desktop process name to scan for.
	DesktopExecutable string `yaml:"desktop_executable" env:"HOTSWAP_DESKTOP_EXECUTABLE" env-default:"PBIDesktop.exe"`
	// EngineExecutable is the local Analysis Services process name.
	EngineExecutable string `yaml:"engine_executable" env:"HOTSWAP_ENGINE_EXECUTABLE" env-default:"msmdsrv.exe"`
}

// GracefulCloseTimeout returns the graceful close bound as a duration.
func (c *ProcessConfig) GracefulCloseTimeout() time.Duration {
	return time.Duration(c.GracefulCloseTimeoutSeconds) * time.Second
}

// ForceCloseTimeout returns the post-kill wait bound as a duration.
func (c *ProcessConfig) ForceCloseTimeout() time.Duration {
	return time.Duration(c.ForceCloseTimeoutSeconds) * time.Second
}

// FileUnlockTimeout returns the unlock wait bound as a duration.
func (c *ProcessConfig) FileUnlockTimeout() time.Duration {
	return time.Duration(c.FileUnlockTimeoutSeconds) * time.Second
}

// FileUnlockPoll returns the unlock probe interval as a duration.
func (c *ProcessConfig) FileUnlockPoll() time.Duration {
	return time.Duration(c.FileUnlockPollMillis) * time.Millisecond
}

// ReopenWait returns the reopen wait bound as a duration.
func (c *ProcessConfig) ReopenWait() time.Duration {
	return time.Duration(c.ReopenWaitSeconds) * time.Second
}

// CloudConfig holds Power BI service endpoints and device-code auth settings.
type CloudConfig struct {
	// APIBaseURL is the Power BI REST base, including the /myorg segment.
	APIBaseURL string `yaml:"api_base_url" env:"HOTSWAP_CLOUD_API_BASE_URL" env-default:"https://api.powerbi.com/v1.0/myorg"`
	// AuthorityBaseURL is the AAD login authority.
	AuthorityBaseURL string `yaml:"authority_base_url" env:"HOTSWAP_CLOUD_AUTHORITY_BASE_URL" env-default:"https://login.microsoftonline.com"`
	// TenantID selects the AAD tenant; "organizations" allows any work account.
	TenantID string `yaml:"tenant_id" env:"HOTSWAP_CLOUD_TENANT_ID" env-default:"organizations"`
	// ClientID is the public application (client) ID used for device-code
	// sign-in. Cloud features stay disabled while it is empty.
	ClientID string `yaml:"client_id" env:"HOTSWAP_CLOUD_CLIENT_ID" env-default:""`

	// ScopesStr is a space-separated list of OAuth scopes.
	ScopesStr string `yaml:"scopes" env:"HOTSWAP_CLOUD_SCOPES" env-default:"https://analysis.windows.net/powerbi/api/.default offline_access"`
	// Scopes is the parsed list from ScopesStr (not from config file).
	Scopes []string `yaml:"-"`

	// RequestTimeoutSeconds bounds each REST call.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" env:"HOTSWAP_CLOUD_REQUEST_TIMEOUT_SECONDS" env-default:"30"`
	// DatasetCacheTTLMinutes is how long workspace/dataset listings stay fresh.
	DatasetCacheTTLMinutes int `yaml:"dataset_cache_ttl_minutes" env:"HOTSWAP_CLOUD_DATASET_CACHE_TTL_MINUTES" env-default:"15"`
	// TokenCacheSize limits cached access tokens across tenant+scope keys.
	TokenCacheSize int `yaml:"token_cache_size" env:"HOTSWAP_CLOUD_TOKEN_CACHE_SIZE" env-default:"100"`
}

// RequestTimeout returns the per-request bound as a duration.
func (c *CloudConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// DatasetCacheTTL returns the listing freshness window as a duration.
func (c *CloudConfig) DatasetCacheTTL() time.Duration {
	return time.Duration(c.DatasetCacheTTLMinutes) * time.Minute
}

// IsConfigured returns true when cloud lookups can be attempted at all.
func (c *CloudConfig) IsConfigured() bool {
	return c.ClientID != ""
}

// HistoryConfig holds swap history ledger settings.
type HistoryConfig struct {
	// MaxEntries caps the ledger; the oldest entry is evicted on append.
	MaxEntries int `yaml:"max_entries" env:"HOTSWAP_HISTORY_MAX_ENTRIES" env-default:"50"`
	// DirName is the ledger subdirectory under the user root.
	DirName string `yaml:"dir_name" env:"HOTSWAP_HISTORY_DIR_NAME" env-default:"hotswap_history"`
	// FileName is the ledger file name.
	FileName string `yaml:"file_name" env:"HOTSWAP_HISTORY_FILE_NAME" env-default:"swap_history.json"`
}

// Load reads configuration from config.yaml in the working directory with
// environment variable overrides. The version parameter is injected by the
// embedding application and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFrom("config.yaml", version)
}

// LoadFrom reads configuration from the given YAML path with environment
// variable overrides. A missing file falls back to environment variables and
// defaults alone.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
		// First run: materialize the defaults so there is a file to edit.
		// An unwritable location is fine; the in-memory defaults still apply.
		_ = cfg.Save(path)
	}

	// Parse complex fields
	if err := cfg.parseComplexFields(); err != nil {
		return nil, fmt.Errorf("failed to parse config fields: %w", err)
	}

	// Auto-derive the user storage root if not explicitly set
	if cfg.AppDataDir == "" {
		dir, err := DefaultAppDataDir()
		if err != nil {
			return nil, fmt.Errorf("failed to derive app data dir: %w", err)
		}
		cfg.AppDataDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the current effective configuration to path as YAML so the
// embedding application can persist user-tweaked settings. Fields tagged
// yaml:"-" are excluded.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// parseComplexFields handles fields that need post-processing after loading.
func (c *Config) parseComplexFields() error {
	c.Cloud.Scopes = parseScopes(c.Cloud.ScopesStr)
	return nil
}

// validate rejects configurations that would corrupt storage or hang swaps.
func (c *Config) validate() error {
	if c.History.MaxEntries <= 0 {
		return fmt.Errorf("history.max_entries must be positive, got %d", c.History.MaxEntries)
	}
	if c.Process.GracefulCloseTimeoutSeconds <= 0 {
		return fmt.Errorf("process.graceful_close_timeout_seconds must be positive, got %d", c.Process.GracefulCloseTimeoutSeconds)
	}
	if c.Process.FileUnlockPollMillis <= 0 {
		return fmt.Errorf("process.file_unlock_poll_millis must be positive, got %d", c.Process.FileUnlockPollMillis)
	}
	if c.Storage.ProjectDirName == "" || c.Storage.PresetFileName == "" {
		return fmt.Errorf("storage.project_dir_name and storage.preset_file_name must not be empty")
	}
	return nil
}

// parseScopes splits the space-separated scope list, dropping empty entries.
func parseScopes(value string) []string {
	return strings.Fields(value)
}

// ===========================================================================
// Storage path helpers
// ===========================================================================

// UserPresetPath returns the preset document path under the user root.
func (c *Config) UserPresetPath() string {
	return filepath.Join(c.AppDataDir, c.Storage.PresetDirName, c.Storage.PresetFileName)
}

// ProjectPresetPath returns the preset document path colocated with a
// project or PBIP root.
func (c *Config) ProjectPresetPath(projectRoot string) string {
	return filepath.Join(projectRoot, c.Storage.ProjectDirName, "presets", c.Storage.PresetFileName)
}

// HistoryPath returns the swap history ledger path.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.AppDataDir, c.History.DirName, c.History.FileName)
}

// BackupDir returns the directory for pre-swap report backups.
func (c *Config) BackupDir() string {
	return filepath.Join(c.AppDataDir, c.Storage.BackupDirName)
}

// FingerprintCachePath returns the schema fingerprint cache path.
func (c *Config) FingerprintCachePath() string {
	return filepath.Join(c.AppDataDir, c.Storage.CacheDirName, "fingerprints.json")
}

// DatasetCachePath returns the on-disk cloud dataset cache path.
func (c *Config) DatasetCachePath() string {
	return filepath.Join(c.AppDataDir, c.Storage.CacheDirName, "datasets.json")
}
