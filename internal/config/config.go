// Package config resolves taskguard's process-wide settings: data and log
// directories, the database path, logging, and the fail-fast toggle.
//
// Precedence: built-in defaults < config file < environment.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	yaml "go.yaml.in/yaml/v3"
)

// Environment variables recognized at load time.
const (
	EnvDataDir  = "TASKGUARD_DATA_DIR"
	EnvLogDir   = "TASKGUARD_LOG_DIR"
	EnvLogLevel = "TASKGUARD_LOG_LEVEL"

	// EnvFailFast switches the active-markers-only selection policy to its
	// gated variant. It is read once here and carried as an explicit field;
	// nothing deeper in the stack consults the environment.
	EnvFailFast = "TASKGUARD_FAIL_FAST"
)

type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogDir   string `yaml:"log_dir"`
	LogLevel string `yaml:"log_level"`
	FailFast bool   `yaml:"fail_fast"`
}

// DBPath is the SQLite database file under the data directory.
func (c Config) DBPath() string { return filepath.Join(c.DataDir, "taskguard.db") }

// LogFile is the append-only structured log under the log directory.
func (c Config) LogFile() string { return filepath.Join(c.LogDir, "taskguard.log") }

// Load builds the effective configuration. path may be empty (no config
// file). Both directories are created if missing.
func Load(path string) (Config, error) {
	cfg := Config{LogLevel: "INFO"}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvLogDir); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if os.Getenv(EnvFailFast) == "1" {
		cfg.FailFast = true
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDir("data")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = defaultDir("logs")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// defaultDir prefers ./<name> when it already exists in the working
// directory, otherwise ~/.taskguard/<name>.
func defaultDir(name string) string {
	local := filepath.Join(".", name)
	if st, err := os.Stat(local); err == nil && st.IsDir() {
		return local
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return local
	}
	return filepath.Join(home, ".taskguard", name)
}
