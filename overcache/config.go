// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// SignOutPolicy decides what happens to unsent mutations on sign-out
type SignOutPolicy string

const (
	SignOutDiscard         SignOutPolicy = "discard"
	SignOutFlushBestEffort SignOutPolicy = "flush_best_effort"
)

// Config holds the sync engine settings
type Config struct {
	BackoffBase   time.Duration // 500ms
	BackoffCap    time.Duration // 30s
	BackoffFactor float64       // 2
	BackoffJitter float64       // 0.2 (±20%)

	SendTimeout        time.Duration // 10s; a send without an answer is transient
	ConflictRetryLimit int           // 3; the Nth conflict rejects the mutation

	SignOutPolicy         SignOutPolicy
	FlushOnSignOutTimeout time.Duration // budget for SignOutFlushBestEffort

	// StalledThreshold raises EventStalled once a mutation keeps failing
	// transiently for longer than this; 0 disables the advisory
	StalledThreshold time.Duration
	// TombstoneGrace delays physical removal of acknowledged deletes
	TombstoneGrace time.Duration

	// Optional stage timing hooks
	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		BackoffBase:           500 * time.Millisecond,
		BackoffCap:            30 * time.Second,
		BackoffFactor:         2,
		BackoffJitter:         0.2,
		SendTimeout:           10 * time.Second,
		ConflictRetryLimit:    3,
		SignOutPolicy:         SignOutDiscard,
		FlushOnSignOutTimeout: 5 * time.Second,
		StalledThreshold:      2 * time.Minute,
		TombstoneGrace:        30 * time.Second, // one reconnect cycle at the backoff cap
	}
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch {
	case c.BackoffBase <= 0:
		return fmt.Errorf("backoff base must be positive, got %v", c.BackoffBase)
	case c.BackoffCap < c.BackoffBase:
		return fmt.Errorf("backoff cap %v is below base %v", c.BackoffCap, c.BackoffBase)
	case c.BackoffFactor < 1:
		return fmt.Errorf("backoff factor must be >= 1, got %v", c.BackoffFactor)
	case c.BackoffJitter < 0 || c.BackoffJitter >= 1:
		return fmt.Errorf("backoff jitter must be in [0,1), got %v", c.BackoffJitter)
	case c.SendTimeout <= 0:
		return fmt.Errorf("send timeout must be positive, got %v", c.SendTimeout)
	case c.ConflictRetryLimit < 1:
		return fmt.Errorf("conflict retry limit must be >= 1, got %d", c.ConflictRetryLimit)
	case c.TombstoneGrace < 0 || c.StalledThreshold < 0 || c.FlushOnSignOutTimeout < 0:
		return fmt.Errorf("durations must not be negative")
	}
	switch c.SignOutPolicy {
	case SignOutDiscard, SignOutFlushBestEffort:
	default:
		return fmt.Errorf("unknown sign-out policy %q", c.SignOutPolicy)
	}
	return nil
}

// configFile is the on-disk form; durations are strings like "500ms"
type configFile struct {
	BackoffBase           string   `yaml:"backoff_base" toml:"backoff_base"`
	BackoffCap            string   `yaml:"backoff_cap" toml:"backoff_cap"`
	BackoffFactor         *float64 `yaml:"backoff_factor" toml:"backoff_factor"`
	BackoffJitter         *float64 `yaml:"backoff_jitter" toml:"backoff_jitter"`
	SendTimeout           string   `yaml:"send_timeout" toml:"send_timeout"`
	ConflictRetryLimit    *int     `yaml:"conflict_retry_limit" toml:"conflict_retry_limit"`
	SignOutPolicy         string   `yaml:"sign_out_policy" toml:"sign_out_policy"`
	FlushOnSignOutTimeout string   `yaml:"flush_on_sign_out_timeout" toml:"flush_on_sign_out_timeout"`
	StalledThreshold      string   `yaml:"stalled_threshold" toml:"stalled_threshold"`
	TombstoneGrace        string   `yaml:"tombstone_grace" toml:"tombstone_grace"`
	LogStageTimings       bool     `yaml:"log_stage_timings" toml:"log_stage_timings"`
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file over
// DefaultConfig and validates the result
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var f configFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &f); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg, err := f.apply(DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (f *configFile) apply(cfg *Config) (*Config, error) {
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"backoff_base", f.BackoffBase, &cfg.BackoffBase},
		{"backoff_cap", f.BackoffCap, &cfg.BackoffCap},
		{"send_timeout", f.SendTimeout, &cfg.SendTimeout},
		{"flush_on_sign_out_timeout", f.FlushOnSignOutTimeout, &cfg.FlushOnSignOutTimeout},
		{"stalled_threshold", f.StalledThreshold, &cfg.StalledThreshold},
		{"tombstone_grace", f.TombstoneGrace, &cfg.TombstoneGrace},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}
	// grace follows the cap unless set explicitly
	if f.TombstoneGrace == "" && f.BackoffCap != "" {
		cfg.TombstoneGrace = cfg.BackoffCap
	}
	if f.BackoffFactor != nil {
		cfg.BackoffFactor = *f.BackoffFactor
	}
	if f.BackoffJitter != nil {
		cfg.BackoffJitter = *f.BackoffJitter
	}
	if f.ConflictRetryLimit != nil {
		cfg.ConflictRetryLimit = *f.ConflictRetryLimit
	}
	if f.SignOutPolicy != "" {
		cfg.SignOutPolicy = SignOutPolicy(f.SignOutPolicy)
	}
	cfg.LogStageTimings = f.LogStageTimings
	return cfg, nil
}
