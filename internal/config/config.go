// Package config handles configuration loading and management for stopgate.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProjectConfigName is the project-level override file looked up from the project root upward.
const ProjectConfigName = ".stopgate.yaml"

// Config holds all configuration for stopgate.
type Config struct {
	Session            SessionConfig   `mapstructure:"session"`
	Lock               LockConfig      `mapstructure:"lock"`
	Cache              CacheConfig     `mapstructure:"cache"`
	Planner            PlannerConfig   `mapstructure:"planner"`
	Timeouts           TimeoutsConfig  `mapstructure:"timeouts"`
	Failures           FailuresConfig  `mapstructure:"failures"`
	Snapshots          SnapshotsConfig `mapstructure:"snapshots"`
	Override           OverrideConfig  `mapstructure:"override"`
	Policies           map[string]bool `mapstructure:"policies"`
	CustomCriteriaFile string          `mapstructure:"custom_criteria_file"`
	DependenciesFile   string          `mapstructure:"dependencies_file"`
}

// SessionConfig holds authorization session settings.
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// LockConfig holds lease-file retry settings.
type LockConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	MaxAge  time.Duration `mapstructure:"max_age"`
	// Retention is the age past which the sweeper deletes any entry.
	Retention time.Duration `mapstructure:"retention"`
	// SweepProbability is the fraction of cache calls that trigger a sweep.
	SweepProbability float64 `mapstructure:"sweep_probability"`
}

// PlannerConfig holds parallel execution settings.
type PlannerConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// TimeoutsConfig holds per-criterion wall-clock limits.
type TimeoutsConfig struct {
	Default time.Duration `mapstructure:"default"`
	Build   time.Duration `mapstructure:"build"`
	Test    time.Duration `mapstructure:"test"`
	Start   time.Duration `mapstructure:"start"`
	// StartGrace is how long a start command must stay up to count as healthy.
	StartGrace time.Duration `mapstructure:"start_grace"`
}

// FailuresConfig holds failure tracker settings.
type FailuresConfig struct {
	MaxAge time.Duration `mapstructure:"max_age"`
}

// SnapshotsConfig holds snapshot and rollback retention settings.
type SnapshotsConfig struct {
	MaxHistory      int           `mapstructure:"max_history"`
	RollbackHistory int           `mapstructure:"rollback_history"`
	CleanupMaxAge   time.Duration `mapstructure:"cleanup_max_age"`
	CleanupMaxCount int           `mapstructure:"cleanup_max_count"`
}

// OverrideConfig holds emergency override settings.
type OverrideConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (STOPGATE_SESSION_TTL, ...)
// 2. Project config (.stopgate.yaml in projectRoot or a parent)
// 3. User config (~/.config/stopgate/config.yaml)
// 4. Built-in defaults
func Load(projectRoot string) (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(projectRoot); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath(projectRoot string) string {
	return findProjectConfig(projectRoot)
}

// PolicyEnabled reports whether the named degradation policy is switched on.
// Unknown policies are off.
func (c *Config) PolicyEnabled(name string) bool {
	if c == nil || c.Policies == nil {
		return false
	}
	return c.Policies[name]
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STOPGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize clamps values that would otherwise disable safety limits.
func (c *Config) normalize() {
	d := Default()
	if c.Lock.MaxRetries <= 0 {
		c.Lock.MaxRetries = d.Lock.MaxRetries
	}
	if c.Lock.RetryDelay <= 0 {
		c.Lock.RetryDelay = d.Lock.RetryDelay
	}
	if c.Planner.MaxConcurrency <= 0 {
		c.Planner.MaxConcurrency = d.Planner.MaxConcurrency
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = d.Session.TTL
	}
	if c.Override.TTL <= 0 {
		c.Override.TTL = d.Override.TTL
	}
	if c.Policies == nil {
		c.Policies = d.Policies
	}
	// viper lower-cases keys; policy names use dashes which survive.
	for name, enabled := range d.Policies {
		if _, ok := c.Policies[name]; !ok {
			c.Policies[name] = enabled
		}
	}
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("session.ttl", d.Session.TTL.String())

	v.SetDefault("lock.max_retries", d.Lock.MaxRetries)
	v.SetDefault("lock.retry_delay", d.Lock.RetryDelay.String())

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.max_age", d.Cache.MaxAge.String())
	v.SetDefault("cache.retention", d.Cache.Retention.String())
	v.SetDefault("cache.sweep_probability", d.Cache.SweepProbability)

	v.SetDefault("planner.max_concurrency", d.Planner.MaxConcurrency)

	v.SetDefault("timeouts.default", d.Timeouts.Default.String())
	v.SetDefault("timeouts.build", d.Timeouts.Build.String())
	v.SetDefault("timeouts.test", d.Timeouts.Test.String())
	v.SetDefault("timeouts.start", d.Timeouts.Start.String())
	v.SetDefault("timeouts.start_grace", d.Timeouts.StartGrace.String())

	v.SetDefault("failures.max_age", d.Failures.MaxAge.String())

	v.SetDefault("snapshots.max_history", d.Snapshots.MaxHistory)
	v.SetDefault("snapshots.rollback_history", d.Snapshots.RollbackHistory)
	v.SetDefault("snapshots.cleanup_max_age", d.Snapshots.CleanupMaxAge.String())
	v.SetDefault("snapshots.cleanup_max_count", d.Snapshots.CleanupMaxCount)

	v.SetDefault("override.ttl", d.Override.TTL.String())

	v.SetDefault("custom_criteria_file", d.CustomCriteriaFile)
	v.SetDefault("dependencies_file", d.DependenciesFile)
}

// getUserConfigDir returns the XDG config directory for stopgate.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "stopgate")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "stopgate")
	}
	return filepath.Join(home, ".config", "stopgate")
}

// findProjectConfig searches for .stopgate.yaml in start and its parents.
func findProjectConfig(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			TTL: 30 * time.Minute,
		},
		Lock: LockConfig{
			MaxRetries: 200,
			RetryDelay: 25 * time.Millisecond,
		},
		Cache: CacheConfig{
			Enabled:          true,
			MaxAge:           24 * time.Hour,
			Retention:        7 * 24 * time.Hour,
			SweepProbability: 0.05,
		},
		Planner: PlannerConfig{
			MaxConcurrency: 4,
		},
		Timeouts: TimeoutsConfig{
			Default:    2 * time.Minute,
			Build:      5 * time.Minute,
			Test:       5 * time.Minute,
			Start:      30 * time.Second,
			StartGrace: 10 * time.Second,
		},
		Failures: FailuresConfig{
			MaxAge: 24 * time.Hour,
		},
		Snapshots: SnapshotsConfig{
			MaxHistory:      50,
			RollbackHistory: 100,
			CleanupMaxAge:   7 * 24 * time.Hour,
			CleanupMaxCount: 10,
		},
		Override: OverrideConfig{
			TTL: 2 * time.Hour,
		},
		Policies: map[string]bool{
			"no-typecheckable-files":     true,
			"no-build-script-with-start": true,
			"no-start-entrypoint":        true,
			"no-test-files":              false,
			"no-security-scanner":        false,
		},
		CustomCriteriaFile: filepath.Join(StateDirName, "criteria.yaml"),
		DependenciesFile:   filepath.Join(StateDirName, "dependencies.yaml"),
	}
}
