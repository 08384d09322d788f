package config

import (
	"os"
	"path/filepath"
	"sync"
)

// Vendor directory segments under the platform app-data root. Earlier
// releases wrote preset and history files here, so the segments are fixed.
const (
	vendorDirName  = "Analytic Endeavors"
	productDirName = "PBI Report Merger"
)

var (
	appDataOnce   sync.Once
	appDataResult string
	appDataErr    error
)

// DefaultAppDataDir returns the per-user storage root,
// e.g. %APPDATA%/Analytic Endeavors/PBI Report Merger on Windows and the
// XDG config equivalent elsewhere. The result is cached after the first call.
func DefaultAppDataDir() (string, error) {
	appDataOnce.Do(func() {
		base, err := os.UserConfigDir()
		if err != nil {
			appDataErr = err
			return
		}
		appDataResult = filepath.Join(base, vendorDirName, productDirName)
	})
	return appDataResult, appDataErr
}
