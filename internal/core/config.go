package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	BaseDirName    = ".config/kiln"
	ConfigFileName = "kiln.hcl"
	MetadataName   = "metadata.json"
	LogFileName    = "daemon.log"
	DBFileName     = "kiln.db"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete kiln configuration
type Configuration struct {
	ConfigPath string // Directory containing config files and daemon metadata
	Verbose    int    // Verbosity level
	Daemon     DaemonConfig
	Build      BuildConfig
}

// DaemonConfig holds daemon lifecycle settings. All of these are
// daemon-affecting: changing any of them changes the fingerprint and
// forces a restart of a running daemon.
type DaemonConfig struct {
	Port           int    // TCP port for the RPC server (0 means pick any free port)
	IdleTimeout    string // Daemon exits after this long without any client traffic
	StartupTimeout string // How long a client waits for a spawned daemon to publish metadata
	ShutdownGrace  string // How long shutdown waits for in-flight requests to drain
}

// BuildConfig holds build-execution settings
type BuildConfig struct {
	Runner        string   // Build runner binary invoked for non-admin commands
	SourceRoots   []string // Directories watched for changes to the warm graph
	Ignore        []string // Path components excluded from watching
	WatchDebounce string   // How long to coalesce filesystem events before invalidating
}

// IdleTimeout returns the parsed idle timeout, falling back to the default on bad input
func (c *Configuration) IdleTimeout() time.Duration {
	return parseDurationOr(c.Daemon.IdleTimeout, 2*time.Hour)
}

// StartupTimeout returns the parsed daemon startup deadline
func (c *Configuration) StartupTimeout() time.Duration {
	return parseDurationOr(c.Daemon.StartupTimeout, 15*time.Second)
}

// ShutdownGrace returns the parsed graceful-drain window
func (c *Configuration) ShutdownGrace() time.Duration {
	return parseDurationOr(c.Daemon.ShutdownGrace, 5*time.Second)
}

// WatchDebounce returns the parsed filesystem-event coalescing window
func (c *Configuration) WatchDebounce() time.Duration {
	return parseDurationOr(c.Build.WatchDebounce, 250*time.Millisecond)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// MetadataDir returns the per-host directory holding daemon process metadata.
// Host scoping defends against trusting metadata files mounted into a
// different machine or container.
func (c *Configuration) MetadataDir() string {
	return filepath.Join(c.ConfigPath, "daemon", HostFingerprint())
}

func (c *Configuration) MetadataPath() string {
	return filepath.Join(c.MetadataDir(), MetadataName)
}

func (c *Configuration) LogFilePath() string {
	return filepath.Join(c.ConfigPath, LogFileName)
}

func (c *Configuration) DBPath() string {
	return filepath.Join(c.ConfigPath, DBFileName)
}

// HCL parsing structs

type hclConfig struct {
	Verbose int        `hcl:"verbose,optional"`
	Daemon  *hclDaemon `hcl:"daemon,block"`
	Build   *hclBuild  `hcl:"build,block"`
}

type hclDaemon struct {
	Port           int    `hcl:"port,optional"`
	IdleTimeout    string `hcl:"idle_timeout,optional"`
	StartupTimeout string `hcl:"startup_timeout,optional"`
	ShutdownGrace  string `hcl:"shutdown_grace,optional"`
}

type hclBuild struct {
	Runner        string   `hcl:"runner,optional"`
	SourceRoots   []string `hcl:"source_roots,optional"`
	Ignore        []string `hcl:"ignore,optional"`
	WatchDebounce string   `hcl:"watch_debounce,optional"`
}

// DefaultConfiguration returns a Configuration with all defaults applied
func DefaultConfiguration(configPath string) *Configuration {
	return &Configuration{
		ConfigPath: configPath,
		Daemon: DaemonConfig{
			Port:           0,
			IdleTimeout:    "2h",
			StartupTimeout: "15s",
			ShutdownGrace:  "5s",
		},
		Build: BuildConfig{
			SourceRoots:   []string{"."},
			Ignore:        []string{".git", ".kiln", "node_modules", "dist"},
			WatchDebounce: "250ms",
		},
	}
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := DefaultConfiguration(filepath.Dir(filename))
	cfg.Verbose = hclCfg.Verbose

	if hclCfg.Daemon != nil {
		if hclCfg.Daemon.Port != 0 {
			cfg.Daemon.Port = hclCfg.Daemon.Port
		}
		if hclCfg.Daemon.IdleTimeout != "" {
			cfg.Daemon.IdleTimeout = hclCfg.Daemon.IdleTimeout
		}
		if hclCfg.Daemon.StartupTimeout != "" {
			cfg.Daemon.StartupTimeout = hclCfg.Daemon.StartupTimeout
		}
		if hclCfg.Daemon.ShutdownGrace != "" {
			cfg.Daemon.ShutdownGrace = hclCfg.Daemon.ShutdownGrace
		}
	}

	if hclCfg.Build != nil {
		if hclCfg.Build.Runner != "" {
			cfg.Build.Runner = hclCfg.Build.Runner
		}
		if len(hclCfg.Build.SourceRoots) > 0 {
			cfg.Build.SourceRoots = hclCfg.Build.SourceRoots
		}
		if len(hclCfg.Build.Ignore) > 0 {
			cfg.Build.Ignore = hclCfg.Build.Ignore
		}
		if hclCfg.Build.WatchDebounce != "" {
			cfg.Build.WatchDebounce = hclCfg.Build.WatchDebounce
		}
	}

	return cfg, nil
}

// InitializeConfig loads the config file from configPath, creating the
// directory with defaults when no config exists yet. The result is stored
// in the global Config instance.
func InitializeConfig(configPath string) error {
	if configPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to determine home directory: %w", err)
		}
		configPath = filepath.Join(homeDir, BaseDirName)
	}

	configFile := filepath.Join(configPath, ConfigFileName)
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err := os.MkdirAll(configPath, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		Config = DefaultConfiguration(configPath)
		return nil
	}

	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	Config = cfg
	return nil
}
