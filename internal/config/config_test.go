package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conveyor/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, _, exists, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for missing file")
	}
	if cfg.Runners.HeartbeatTimeout != 60 {
		t.Errorf("expected default heartbeat timeout 60, got %d", cfg.Runners.HeartbeatTimeout)
	}
	if cfg.Runners.SweepInterval != 10 {
		t.Errorf("expected default sweep interval 10, got %d", cfg.Runners.SweepInterval)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("expected default console format, got %q", cfg.Logging.Format)
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.toml")
	content := `
[paths]
data_dir = "` + filepath.Join(dir, "data") + `"
log_dir = "` + filepath.Join(dir, "logs") + `"
api_bind = "127.0.0.1:0"

[dispatch]
min_node_version = " 1.2.0 "

[runners]
sweep_interval = 2
heartbeat_timeout = 9
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected resolved existing path %s, got %s (exists=%v)", path, resolved, exists)
	}
	if cfg.Dispatch.MinNodeVersion != "1.2.0" {
		t.Errorf("expected trimmed min node version, got %q", cfg.Dispatch.MinNodeVersion)
	}
	if cfg.Runners.SweepInterval != 2 || cfg.Runners.HeartbeatTimeout != 9 {
		t.Errorf("unexpected runner timing: %+v", cfg.Runners)
	}
	if !strings.HasSuffix(cfg.DatabasePath(), "conveyor.db") {
		t.Errorf("unexpected database path %q", cfg.DatabasePath())
	}
}

func TestValidateRejectsTimeoutBelowSweep(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.toml")
	content := `
[runners]
sweep_interval = 30
heartbeat_timeout = 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for timeout <= sweep interval")
	}
}

func TestValidateRejectsBadLogFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.toml")
	if err := os.WriteFile(path, []byte("[logging]\nformat = \"xml\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for unsupported log format")
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[runners]") {
		t.Error("sample config should document the runners section")
	}
}
