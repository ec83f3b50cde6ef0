//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "tokdash-data"
		}
	}
	return filepath.Join(dir, "tokdash")
}

// Dir returns the directory holding config.json, preferences.json and
// sources.yaml.
func Dir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "tokdash")
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(filepath.Join(Dir(), "config.json"))
}
