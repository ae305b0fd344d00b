package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Target   TargetConfig   `mapstructure:"target"`
	Project  ProjectConfig  `mapstructure:"project"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Slice    SliceConfig    `mapstructure:"slice"`
	Log      LogConfig      `mapstructure:"log"`
	Output   OutputConfig   `mapstructure:"output"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// DatabaseConfig holds the ledger database connection.
type DatabaseConfig struct {
	// Driver is sqlite, postgres or mysql.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	// HistorySize is how many recent statements a script error carries.
	HistorySize int `mapstructure:"history_size"`

	// LockPollInterval is how often a waiting sqlite lock retries.
	LockPollInterval time.Duration `mapstructure:"lock_poll_interval"`

	// LockStaleAfter is the age past which a sqlite lock is taken over.
	// Zero keeps a lock until it is released or removed with unlock.
	LockStaleAfter time.Duration `mapstructure:"lock_stale_after"`
}

// TargetConfig describes the database being changed.
type TargetConfig struct {
	Name       string `mapstructure:"name"`
	DeployedBy string `mapstructure:"deployed_by"`

	// LockMode is "wait" or "fail".
	LockMode string `mapstructure:"lock_mode"`

	// ChangeTimeout bounds one change. Zero means no limit.
	ChangeTimeout time.Duration `mapstructure:"change_timeout"`
}

// ProjectConfig locates the plan and scripts.
type ProjectConfig struct {
	Dir      string `mapstructure:"dir"`
	PlanFile string `mapstructure:"plan_file"`
}

// DeployConfig holds deploy and revert defaults.
type DeployConfig struct {
	// OneTxPerChange commits each change on its own. When false a run is
	// all-or-nothing.
	OneTxPerChange bool `mapstructure:"one_tx_per_change"`
}

// SliceConfig holds slicing defaults.
type SliceConfig struct {
	// Strategy is folder, explicit or pattern.
	Strategy             string  `mapstructure:"strategy"`
	Depth                int     `mapstructure:"depth"`
	Prefix               string  `mapstructure:"prefix"`
	PatternsFile         string  `mapstructure:"patterns_file"`
	MappingFile          string  `mapstructure:"mapping_file"`
	DefaultPackage       string  `mapstructure:"default_package"`
	MinChangesPerPackage int     `mapstructure:"min_changes_per_package"`
	UseTags              bool    `mapstructure:"use_tags"`
	MaxCrossPackageRatio float64 `mapstructure:"max_cross_package_ratio"`
	OutputDir            string  `mapstructure:"output_dir"`
	Concurrency          int     `mapstructure:"concurrency"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OutputConfig controls how reports are printed.
type OutputConfig struct {
	// Format is text, json or yaml.
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the metrics dump written after each command.
type MetricsConfig struct {
	// Textfile is a path for the Prometheus textfile collector. Empty
	// disables the dump.
	Textfile string `mapstructure:"textfile"`
}

// flagKeys maps config keys to the command line flags that override them.
var flagKeys = map[string]string{
	"database.driver":               "driver",
	"database.dsn":                  "dsn",
	"database.lock_stale_after":     "lock-stale-after",
	"target.name":                   "target",
	"target.lock_mode":              "lock-mode",
	"target.change_timeout":         "change-timeout",
	"project.dir":                   "dir",
	"project.plan_file":             "plan",
	"deploy.one_tx_per_change":      "one-tx-per-change",
	"slice.strategy":                "strategy",
	"slice.depth":                   "depth",
	"slice.prefix":                  "prefix",
	"slice.patterns_file":           "patterns",
	"slice.mapping_file":            "mapping",
	"slice.default_package":         "default-package",
	"slice.min_changes_per_package": "min-changes",
	"slice.use_tags":                "use-tags",
	"slice.max_cross_package_ratio": "max-cross-ratio",
	"slice.output_dir":              "output",
	"log.level":                     "log-level",
	"output.format":                 "format",
	"metrics.textfile":              "metrics-textfile",
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from defaults, file, environment and the
// given flags, in increasing order of precedence. flags may be nil.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./changeplan.db")
	v.SetDefault("database.history_size", 10)
	v.SetDefault("database.lock_poll_interval", "200ms")
	v.SetDefault("database.lock_stale_after", "0s")
	v.SetDefault("target.name", "default")
	v.SetDefault("target.deployed_by", defaultDeployedBy())
	v.SetDefault("target.lock_mode", "wait")
	v.SetDefault("target.change_timeout", "0s")
	v.SetDefault("project.dir", ".")
	v.SetDefault("project.plan_file", "changeplan.plan")
	v.SetDefault("deploy.one_tx_per_change", true)
	v.SetDefault("slice.strategy", "folder")
	v.SetDefault("slice.depth", 1)
	v.SetDefault("slice.prefix", "schemas/")
	v.SetDefault("slice.patterns_file", "")
	v.SetDefault("slice.mapping_file", "")
	v.SetDefault("slice.default_package", "core")
	v.SetDefault("slice.min_changes_per_package", 0)
	v.SetDefault("slice.use_tags", false)
	v.SetDefault("slice.max_cross_package_ratio", 0.5)
	v.SetDefault("slice.output_dir", "")
	v.SetDefault("slice.concurrency", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("output.format", "text")
	v.SetDefault("metrics.textfile", "")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("CHANGEPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no command can work with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Target.LockMode) {
	case "wait", "fail":
	default:
		return fmt.Errorf("invalid target.lock_mode %q: want wait or fail", c.Target.LockMode)
	}
	switch strings.ToLower(c.Output.Format) {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("invalid output.format %q: want text, json or yaml", c.Output.Format)
	}
	if c.Target.ChangeTimeout < 0 {
		return fmt.Errorf("invalid target.change_timeout %s", c.Target.ChangeTimeout)
	}
	if c.Database.LockStaleAfter < 0 {
		return fmt.Errorf("invalid database.lock_stale_after %s", c.Database.LockStaleAfter)
	}
	return nil
}

func defaultDeployedBy() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "changeplan"
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs go
// to stderr; stdout carries command output.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
