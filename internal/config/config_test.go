package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"taskguard/internal/config"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvDataDir, filepath.Join(dir, "data"))
	t.Setenv(config.EnvLogDir, filepath.Join(dir, "logs"))
	t.Setenv(config.EnvLogLevel, "DEBUG")
	t.Setenv(config.EnvFailFast, "1")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != filepath.Join(dir, "data") {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if !cfg.FailFast {
		t.Error("fail-fast env ignored")
	}
	if got := cfg.DBPath(); got != filepath.Join(dir, "data", "taskguard.db") {
		t.Errorf("db path = %q", got)
	}
	if got := cfg.LogFile(); got != filepath.Join(dir, "logs", "taskguard.log") {
		t.Errorf("log file = %q", got)
	}

	// Load creates both directories.
	for _, d := range []string{cfg.DataDir, cfg.LogDir} {
		if st, err := os.Stat(d); err != nil || !st.IsDir() {
			t.Errorf("dir %s not created: %v", d, err)
		}
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := `data_dir: ` + filepath.Join(dir, "file-data") + `
log_dir: ` + filepath.Join(dir, "file-logs") + `
log_level: WARN
fail_fast: true
`
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvLogLevel, "ERROR")
	t.Setenv(config.EnvDataDir, "")
	t.Setenv(config.EnvLogDir, "")
	t.Setenv(config.EnvFailFast, "")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != filepath.Join(dir, "file-data") {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
	if cfg.LogLevel != "ERROR" {
		t.Errorf("log level = %q, env should win over file", cfg.LogLevel)
	}
	if !cfg.FailFast {
		t.Error("fail_fast from file ignored")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("databse_dir: /tmp/x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(cfgPath); err == nil {
		t.Fatal("typoed config key accepted")
	}
}
