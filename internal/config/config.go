// Package config loads and persists the application configuration file
// (fireside.json) and the YAML sampling preset library next to it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"fireside/internal/domain"
)

// marshalIndent and writeFile are used by WriteDefault and Save; tests may replace to force errors.
var (
	marshalIndent = json.MarshalIndent
	writeFile     = os.WriteFile
)

// LogConfig controls the structured logger.
type LogConfig struct {
	Format string `json:"format"` // "text" or "json"
	Level  string `json:"level"`  // "debug", "info", "warn", "error"
}

// Config is the persisted application configuration.
type Config struct {
	Settings domain.ModelSettings `json:"settings"`
	Pruning  domain.PruningPolicy `json:"pruning"`
	Log      LogConfig            `json:"log"`

	// PresetsPath points at the YAML sampling preset library.
	PresetsPath string `json:"presetsPath"`
	// ChatsDir is where saved conversations live.
	ChatsDir string `json:"chatsDir"`
	// MetricsDB is the SQLite database holding generation metrics.
	// Empty disables metrics recording.
	MetricsDB string `json:"metricsDb"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	return &Config{
		Settings: domain.ModelSettings{
			Backend:     domain.BackendInProcess,
			Model:       "echo",
			ContextSize: 8192,
			BaseURL:     "http://localhost:11434",
			Sampling:    domain.DefaultSamplingParams(),
		},
		Pruning:     domain.DefaultPruningPolicy(),
		Log:         LogConfig{Format: "text", Level: "info"},
		PresetsPath: "presets.yaml",
		ChatsDir:    "chats",
		MetricsDB:   "fireside.db",
	}
}

// WriteDefault writes a default Config to path. Parent directories are not created.
func WriteDefault(path string) error {
	data, err := marshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, data, 0644)
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	cleanPaths(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the parts the rest of the system relies on.
func (c *Config) Validate() error {
	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Pruning.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// cleanPaths applies filepath.Clean to all path fields to mitigate path traversal.
func cleanPaths(c *Config) {
	if c.PresetsPath != "" {
		c.PresetsPath = filepath.Clean(c.PresetsPath)
	}
	if c.ChatsDir != "" {
		c.ChatsDir = filepath.Clean(c.ChatsDir)
	}
	if c.MetricsDB != "" {
		c.MetricsDB = filepath.Clean(c.MetricsDB)
	}
	if c.Settings.WorkerPath != "" {
		c.Settings.WorkerPath = filepath.Clean(c.Settings.WorkerPath)
	}
}

// Save writes cfg to path as JSON (so settings edits persist across runs).
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config save: nil config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config save mkdir: %w", err)
	}
	data, err := marshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config save marshal: %w", err)
	}
	if err := writeFile(path, data, 0644); err != nil {
		return fmt.Errorf("config save write: %w", err)
	}
	return nil
}
