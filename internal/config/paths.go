package config

import (
	"os"
	"path/filepath"
)

// PodexPath returns the root directory for Podex data.
// It uses $PODEX_PATH if set, otherwise defaults to ~/.podex.
func PodexPath() string {
	if v := os.Getenv("PODEX_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".podex")
	}
	return filepath.Join(home, ".podex")
}

// ConfigPath returns the path to the default config file.
func ConfigPath() string {
	return filepath.Join(PodexPath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(PodexPath(), ".env")
}
