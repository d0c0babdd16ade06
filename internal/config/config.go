// Package config handles configuration loading and management for quantbrief.
// It supports XDG config paths, project-level overrides, and environment variables.
// The timeout and batching constants are empirically tuned defaults, not fixed
// law: every knob here is overridable from config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/quantbrief/quantbrief/internal/registry"
)

// Config holds all configuration for quantbrief.
type Config struct {
	Backend    BackendConfig    `mapstructure:"backend"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Timeouts   TimeoutsConfig   `mapstructure:"timeouts"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Continuity ContinuityConfig `mapstructure:"continuity"`
}

// BackendConfig holds the analysis backend settings. When BaseURL is
// empty the engine falls back to the direct Anthropic analysis path.
type BackendConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// AnthropicConfig holds settings for the direct analysis mode.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// TimeoutsConfig holds the segmented-timeout settings per call weight.
type TimeoutsConfig struct {
	// Light/Standard/Heavy are the per-segment timeouts by call weight.
	Light    time.Duration `mapstructure:"light"`
	Standard time.Duration `mapstructure:"standard"`
	Heavy    time.Duration `mapstructure:"heavy"`
	// Debate is the per-segment timeout for debate calls.
	Debate time.Duration `mapstructure:"debate"`
	// MaxSegments is the quiet-segment budget per analysis attempt.
	MaxSegments int `mapstructure:"max_segments"`
	// DebateSegments is the quiet-segment budget per debate call.
	DebateSegments int `mapstructure:"debate_segments"`
	// Backoff is the fixed wait between transport retries.
	Backoff time.Duration `mapstructure:"backoff"`
	// StoreCall bounds each best-effort session-store and enrichment call,
	// which run outside the segmented invoker.
	StoreCall time.Duration `mapstructure:"store_call"`
}

// SegmentFor returns the per-segment timeout for a call weight.
func (t TimeoutsConfig) SegmentFor(w registry.CallWeight) time.Duration {
	switch w {
	case registry.WeightLight:
		return t.Light
	case registry.WeightHeavy:
		return t.Heavy
	default:
		return t.Standard
	}
}

// PipelineConfig holds pipeline shape settings.
type PipelineConfig struct {
	// Stage3BatchSize caps concurrent tasks in the batched risk stage.
	Stage3BatchSize int `mapstructure:"stage3_batch_size"`
	// DebateRounds is the round count requested from the debate service.
	DebateRounds int `mapstructure:"debate_rounds"`
	// OverridesFile optionally points at a registry tuning YAML.
	OverridesFile string `mapstructure:"overrides_file"`
	// ControlDir is watched for abort signal files during a run.
	ControlDir string `mapstructure:"control_dir"`
	// LogPath is where the debug log is written ("" disables it).
	LogPath string `mapstructure:"log_path"`
}

// ContinuityConfig holds session continuity cadences.
type ContinuityConfig struct {
	// PollInterval is the remote session polling cadence.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SnapshotInterval is the local snapshot cadence.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	// PurgeAfter is the age beyond which old snapshots are purged.
	PurgeAfter time.Duration `mapstructure:"purge_after"`
	// DBPath overrides the snapshot database location.
	DBPath string `mapstructure:"db_path"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (QUANTBRIEF_*, ANTHROPIC_API_KEY)
// 2. Project config (.quantbrief.yaml in current directory or a parent)
// 3. User config (~/.config/quantbrief/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("QUANTBRIEF")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("backend.base_url", "QUANTBRIEF_BACKEND_URL")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the tuned constants stay inside their sane ranges.
func (c *Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"timeouts.light":    c.Timeouts.Light,
		"timeouts.standard": c.Timeouts.Standard,
		"timeouts.heavy":    c.Timeouts.Heavy,
		"timeouts.debate":   c.Timeouts.Debate,
	} {
		if d < 30*time.Second || d > 120*time.Second {
			return fmt.Errorf("%s must be between 30s and 120s, got %s", name, d)
		}
	}
	if c.Timeouts.MaxSegments < 1 {
		return fmt.Errorf("timeouts.max_segments must be at least 1")
	}
	if c.Timeouts.StoreCall <= 0 {
		return fmt.Errorf("timeouts.store_call must be positive")
	}
	if c.Pipeline.Stage3BatchSize < 1 {
		return fmt.Errorf("pipeline.stage3_batch_size must be at least 1")
	}
	if c.Continuity.PollInterval <= 0 || c.Continuity.SnapshotInterval <= 0 {
		return fmt.Errorf("continuity intervals must be positive")
	}
	return nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.api_key", "")

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)

	v.SetDefault("timeouts.light", "30s")
	v.SetDefault("timeouts.standard", "60s")
	v.SetDefault("timeouts.heavy", "90s")
	v.SetDefault("timeouts.debate", "120s")
	v.SetDefault("timeouts.max_segments", 3)
	v.SetDefault("timeouts.debate_segments", 2)
	v.SetDefault("timeouts.backoff", "2s")
	v.SetDefault("timeouts.store_call", "10s")

	v.SetDefault("pipeline.stage3_batch_size", 2)
	v.SetDefault("pipeline.debate_rounds", 2)
	v.SetDefault("pipeline.overrides_file", "")
	v.SetDefault("pipeline.control_dir", "")
	v.SetDefault("pipeline.log_path", "")

	v.SetDefault("continuity.poll_interval", "5s")
	v.SetDefault("continuity.snapshot_interval", "1s")
	v.SetDefault("continuity.purge_after", "168h")
	v.SetDefault("continuity.db_path", "")
}

// getUserConfigDir returns the XDG config directory for quantbrief.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "quantbrief")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "quantbrief")
	}
	return filepath.Join(home, ".config", "quantbrief")
}

// findProjectConfig searches for .quantbrief.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		candidate := filepath.Join(dir, ".quantbrief.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
