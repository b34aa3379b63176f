// Package config loads layered configuration for the chat core.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Defaults.
const (
	DefaultBackendURL     = "http://127.0.0.1:7420"
	DefaultRequestTimeout = 30 * time.Second
	// Streaming operations are allowed up to five minutes before the
	// session watchdog clears them.
	DefaultStreamTimeout = 5 * time.Minute
)

// Config holds the chat core configuration.
type Config struct {
	// BackendURL is the base URL of the workspace backend.
	BackendURL string `json:"backendUrl,omitempty"`
	// APIToken is sent as a bearer token when non-empty.
	APIToken string `json:"apiToken,omitempty"`
	// Model is the default model identifier for new conversations.
	Model string `json:"model,omitempty"`
	// LogLevel is DEBUG|INFO|WARN|ERROR.
	LogLevel string `json:"logLevel,omitempty"`
	// PrettyLogs enables human-readable console logging.
	PrettyLogs bool `json:"prettyLogs,omitempty"`
	// RequestTimeoutSec overrides the non-streaming request timeout.
	RequestTimeoutSec int `json:"requestTimeoutSec,omitempty"`
	// StreamTimeoutSec overrides the streaming ceiling.
	StreamTimeoutSec int `json:"streamTimeoutSec,omitempty"`
}

// RequestTimeout returns the effective non-streaming request timeout.
func (c *Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSec > 0 {
		return time.Duration(c.RequestTimeoutSec) * time.Second
	}
	return DefaultRequestTimeout
}

// StreamTimeout returns the effective streaming ceiling.
func (c *Config) StreamTimeout() time.Duration {
	if c.StreamTimeoutSec > 0 {
		return time.Duration(c.StreamTimeoutSec) * time.Second
	}
	return DefaultStreamTimeout
}

// Load loads configuration from multiple sources (priority order):
//  1. Global config (~/.basin/)
//  2. XDG config (~/.config/basin/)
//  3. Project config (<directory>/)
//  4. BASIN_CONFIG file
//  5. BASIN_CONFIG_CONTENT inline JSON
//  6. Environment variables
func Load(directory string) (*Config, error) {
	config := &Config{
		BackendURL: DefaultBackendURL,
	}

	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	// 1. Home config (~/.basin/)
	if home := os.Getenv("HOME"); home != "" {
		homeDir := filepath.Join(home, ".basin")
		loadOnce(filepath.Join(homeDir, "basin.json"), homeDir)
		loadOnce(filepath.Join(homeDir, "basin.jsonc"), homeDir)
	}

	// 2. XDG config (~/.config/basin/)
	xdg := ConfigDir()
	loadOnce(filepath.Join(xdg, "basin.json"), xdg)
	loadOnce(filepath.Join(xdg, "basin.jsonc"), xdg)

	// 3. Project config
	if directory != "" {
		loadOnce(filepath.Join(directory, "basin.json"), directory)
		loadOnce(filepath.Join(directory, "basin.jsonc"), directory)
	}

	// 4. BASIN_CONFIG file override
	if configPath := os.Getenv("BASIN_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	// 5. BASIN_CONFIG_CONTENT inline JSON
	if content := os.Getenv("BASIN_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal([]byte(content), &inline); err == nil {
			merge(config, &inline)
		}
	}

	// 6. Environment variables (highest priority)
	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	merge(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		path := filePattern.FindStringSubmatch(match)[1]
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(content))
	})

	return []byte(str)
}

// merge overlays non-zero fields of src onto dst.
func merge(dst, src *Config) {
	if src.BackendURL != "" {
		dst.BackendURL = src.BackendURL
	}
	if src.APIToken != "" {
		dst.APIToken = src.APIToken
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.PrettyLogs {
		dst.PrettyLogs = true
	}
	if src.RequestTimeoutSec > 0 {
		dst.RequestTimeoutSec = src.RequestTimeoutSec
	}
	if src.StreamTimeoutSec > 0 {
		dst.StreamTimeoutSec = src.StreamTimeoutSec
	}
}

// applyEnvOverrides applies BASIN_* environment variables.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("BASIN_BACKEND_URL"); v != "" {
		config.BackendURL = v
	}
	if v := os.Getenv("BASIN_API_TOKEN"); v != "" {
		config.APIToken = v
	}
	if v := os.Getenv("BASIN_MODEL"); v != "" {
		config.Model = v
	}
	if v := os.Getenv("BASIN_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
}
