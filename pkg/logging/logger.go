// Package logging builds the engine's zap logger and scrubs sensitive
// values before they reach a log line.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// New builds the engine logger. Local environments get the development
// encoder at debug level; everything else gets the production encoder.
func New(env string) (*zap.Logger, error) {
	if env == "local" {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	return cfg.Build()
}

// NewWithFile builds the engine logger writing to both stderr and logPath.
// The embedding desktop application has no console of its own, so the file
// is usually the only place a user can recover a swap failure from.
func NewWithFile(env, logPath string) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	var cfg zap.Config
	if env == "local" {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.OutputPaths = []string{"stderr", logPath}
	cfg.ErrorOutputPaths = []string{"stderr", logPath}

	return cfg.Build()
}
