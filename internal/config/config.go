package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DBEnvVar overrides the default trace database path.
const DBEnvVar = "FIBERSCHED_DB"

// SchedulerConfig holds the dispatch policy of a scheduler.
type SchedulerConfig struct {
	Shuffle   bool   `yaml:"shuffle" toml:"shuffle"`       // Shuffle the ready set before each pick (default true)
	KillMain  bool   `yaml:"kill_main" toml:"kill_main"`   // Destroy main on the first yield
	ReadySet  string `yaml:"ready_set" toml:"ready_set"`   // Ready-set implementation: linear, heap
	MaxFibers int    `yaml:"max_fibers" toml:"max_fibers"` // Live fiber limit, 0 for unbounded
	Seed      uint64 `yaml:"seed" toml:"seed"`             // Shuffle seed, 0 for a random one
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Shuffle:  true,
		ReadySet: "linear",
	}
}

// RunConfig bounds a single scheduler run.
type RunConfig struct {
	Timeout time.Duration `yaml:"timeout" toml:"timeout"` // Wall-clock limit for the run, 0 for none
	Grace   time.Duration `yaml:"grace" toml:"grace"`     // Time tasks get to notice a stop request
	Persist bool          `yaml:"persist" toml:"persist"` // Save the trace to the store
}

// DefaultRunConfig returns sensible defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Timeout: time.Minute,
		Grace:   5 * time.Second,
		Persist: true,
	}
}

// ServerConfig holds configuration for the trace API server.
type ServerConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`             // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level" toml:"log_level"`   // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format" toml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db" toml:"db"`                 // SQLite database path (default ~/.fibersched/traces.db, ":memory:" for testing)
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// SweepConfig controls the background trace sweeper of the API server.
type SweepConfig struct {
	Interval   time.Duration `yaml:"interval" toml:"interval"`       // Time between sweeps
	Retention  time.Duration `yaml:"retention" toml:"retention"`     // Delete finished runs older than this, 0 keeps them
	StaleAfter time.Duration `yaml:"stale_after" toml:"stale_after"` // Fail RUNNING runs started longer ago than this
}

// DefaultSweepConfig returns sensible defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:   time.Minute,
		Retention:  7 * 24 * time.Hour,
		StaleAfter: time.Hour,
	}
}

// Config is the layout of the --config file, in YAML or TOML.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Run       RunConfig       `yaml:"run" toml:"run"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Sweep     SweepConfig     `yaml:"sweep" toml:"sweep"`
}

// Default returns a Config with every section at its defaults.
func Default() Config {
	return Config{
		Scheduler: DefaultSchedulerConfig(),
		Run:       DefaultRunConfig(),
		Server:    DefaultServerConfig(),
		Sweep:     DefaultSweepConfig(),
	}
}

// Load reads a config file over the defaults. Files ending in .toml are
// decoded as TOML, anything else as YAML. Keys missing from the file keep
// their default values. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Scheduler.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the scheduler settings.
func (c SchedulerConfig) Validate() error {
	switch c.ReadySet {
	case "", "linear", "heap":
	default:
		return fmt.Errorf("unknown ready_set %q (want linear or heap)", c.ReadySet)
	}
	if c.MaxFibers < 0 {
		return fmt.Errorf("max_fibers must not be negative, got %d", c.MaxFibers)
	}
	return nil
}

// ResolveDBPath returns path, else $FIBERSCHED_DB, else
// ~/.fibersched/traces.db, creating the directory of the default.
func ResolveDBPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if env := os.Getenv(DBEnvVar); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".fibersched")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return filepath.Join(dir, "traces.db"), nil
}
