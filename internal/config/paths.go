package config

import (
	"os"
	"path/filepath"
)

// ConfigDir returns the XDG-style configuration directory for basin.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "basin")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".basin"
	}
	return filepath.Join(home, ".config", "basin")
}
