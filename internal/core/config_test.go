package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfiguration(t *testing.T) {
	cfg := DefaultConfiguration("/tmp/kiln-test")

	if cfg.ConfigPath != "/tmp/kiln-test" {
		t.Errorf("ConfigPath = %q, want /tmp/kiln-test", cfg.ConfigPath)
	}
	if cfg.Daemon.Port != 0 {
		t.Errorf("default port = %d, want 0 (any free port)", cfg.Daemon.Port)
	}
	if got := cfg.IdleTimeout(); got != 2*time.Hour {
		t.Errorf("IdleTimeout() = %v, want 2h", got)
	}
	if len(cfg.Build.SourceRoots) == 0 {
		t.Error("expected default source roots")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, ConfigFileName)
	content := `
verbose = 1

daemon {
  port            = 7777
  idle_timeout    = "30m"
  shutdown_grace  = "10s"
}

build {
  runner       = "/usr/local/bin/bazel"
  source_roots = ["src", "tests"]
  ignore       = [".git"]
}
`
	if err := os.WriteFile(configFile, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(configFile)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Verbose != 1 {
		t.Errorf("Verbose = %d, want 1", cfg.Verbose)
	}
	if cfg.Daemon.Port != 7777 {
		t.Errorf("Port = %d, want 7777", cfg.Daemon.Port)
	}
	if got := cfg.IdleTimeout(); got != 30*time.Minute {
		t.Errorf("IdleTimeout() = %v, want 30m", got)
	}
	if got := cfg.ShutdownGrace(); got != 10*time.Second {
		t.Errorf("ShutdownGrace() = %v, want 10s", got)
	}
	if cfg.Build.Runner != "/usr/local/bin/bazel" {
		t.Errorf("Runner = %q", cfg.Build.Runner)
	}
	if len(cfg.Build.SourceRoots) != 2 || cfg.Build.SourceRoots[0] != "src" {
		t.Errorf("SourceRoots = %v", cfg.Build.SourceRoots)
	}
	// Unset fields keep defaults
	if got := cfg.StartupTimeout(); got != 15*time.Second {
		t.Errorf("StartupTimeout() = %v, want default 15s", got)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(configFile, []byte("daemon {\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := LoadConfig(configFile); err == nil {
		t.Error("expected error for malformed HCL")
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfiguration(t.TempDir())
	cfg.Daemon.IdleTimeout = "not-a-duration"

	if got := cfg.IdleTimeout(); got != 2*time.Hour {
		t.Errorf("IdleTimeout() = %v, want fallback 2h", got)
	}
}
