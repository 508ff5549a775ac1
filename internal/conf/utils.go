// conf/utils.go various util functions for configuration package
package conf

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/tphakala/statesync/internal/errors"
)

const osWindows = "windows"

// GetDefaultConfigPaths returns the directories searched for config.yaml
// after the working directory. The first entry is where a default config
// is created.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "get-home-directory").
			Build()
	}

	switch runtime.GOOS {
	case osWindows:
		return []string{filepath.Join(homeDir, "AppData", "Roaming", "statesync")}, nil
	default:
		return []string{
			filepath.Join(homeDir, ".config", "statesync"),
			"/etc/statesync",
		}, nil
	}
}
