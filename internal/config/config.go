// Package config handles configuration loading and validation for assetshift.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/assetshift/assetshift/pkg/bytesize"
)

// ProviderConfig identifies one storage backend.
type ProviderConfig struct {
	ID   string `yaml:"id"`
	Root string `yaml:"root"` // local root directory for filesystem-backed providers

	// URLPrefix is the public URL prefix files on this provider are
	// referenced under in asset text fields. Inline reference rewriting
	// is skipped when source or target leaves it unset.
	URLPrefix string `yaml:"url_prefix"`
}

// RetryConfig bounds the error recovery policy.
type RetryConfig struct {
	MaxAttempts    int    `yaml:"max_attempts"`    // per-operation retry bound (default: 4)
	BaseBackoff    string `yaml:"base_backoff"`    // duration string, e.g. "250ms"
	ErrorThreshold int    `yaml:"error_threshold"` // cross-operation failure budget (default: 50)
}

// LockConfig bounds the migration lock.
type LockConfig struct {
	TTL     string `yaml:"ttl"`     // holder TTL, e.g. "4h"
	Timeout string `yaml:"timeout"` // acquisition timeout, e.g. "60s"
}

// Config is the full migration configuration.
type Config struct {
	DataDir string `yaml:"data_dir"` // checkpoints, change logs, locks, snapshots

	Source ProviderConfig `yaml:"source"`
	Target ProviderConfig `yaml:"target"`

	VolumeIDs    []string `yaml:"volume_ids"`    // volumes in scope for the migration
	TargetVolume string   `yaml:"target_volume"` // volume assets are consolidated into

	// AssetManifest is a JSON file of asset records backing the
	// file-based repository the CLI wires in. Deployments with a real
	// metadata store inject their own Repository instead.
	AssetManifest string `yaml:"asset_manifest"`

	// RefFields names the record fields that may embed file references,
	// rewritten during the inline phase.
	RefFields []string `yaml:"ref_fields"`

	BatchSize          int    `yaml:"batch_size"`          // assets per page (default: 100)
	CheckpointInterval int    `yaml:"checkpoint_interval"` // full checkpoint every N batches (default: 10)
	ChangelogBuffer    int    `yaml:"changelog_buffer"`    // flush threshold (default: 50)
	QuarantinePrefix   string `yaml:"quarantine_prefix"`   // default: "quarantine"
	MaxFileSize        string `yaml:"max_file_size"`       // files above this are skipped, e.g. "500MB"
	MinFuzzyConfidence float64 `yaml:"min_fuzzy_confidence"` // fuzzy match gate (default: 0.70)

	Retry RetryConfig `yaml:"retry"`
	Lock  LockConfig  `yaml:"lock"`

	CheckpointRetention string `yaml:"checkpoint_retention"` // purge window for finished runs (default: 720h)

	MetricsListen string `yaml:"metrics_listen"` // optional Prometheus endpoint, e.g. ":9090"
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/assetshift"
	}
	c.DataDir = expandHome(c.DataDir)
	c.Source.Root = expandHome(c.Source.Root)
	c.Target.Root = expandHome(c.Target.Root)
	c.AssetManifest = expandHome(c.AssetManifest)

	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 10
	}
	if c.ChangelogBuffer == 0 {
		c.ChangelogBuffer = 50
	}
	if c.QuarantinePrefix == "" {
		c.QuarantinePrefix = "quarantine"
	}
	if c.MinFuzzyConfidence == 0 {
		c.MinFuzzyConfidence = 0.70
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 4
	}
	if c.Retry.BaseBackoff == "" {
		c.Retry.BaseBackoff = "250ms"
	}
	if c.Retry.ErrorThreshold == 0 {
		c.Retry.ErrorThreshold = 50
	}
	if c.Lock.TTL == "" {
		c.Lock.TTL = "4h"
	}
	if c.Lock.Timeout == "" {
		c.Lock.Timeout = "60s"
	}
	if c.CheckpointRetention == "" {
		c.CheckpointRetention = "720h"
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Source.ID == "" {
		return fmt.Errorf("source.id is required")
	}
	if c.Target.ID == "" {
		return fmt.Errorf("target.id is required")
	}
	if c.Source.ID == c.Target.ID {
		return fmt.Errorf("source and target providers must differ")
	}
	if len(c.VolumeIDs) == 0 {
		return fmt.Errorf("at least one volume_id is required")
	}
	if c.TargetVolume == "" {
		return fmt.Errorf("target_volume is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.MinFuzzyConfidence < 0 || c.MinFuzzyConfidence > 1 {
		return fmt.Errorf("min_fuzzy_confidence must be in [0,1]")
	}
	if c.MaxFileSize != "" {
		if _, err := bytesize.Parse(c.MaxFileSize); err != nil {
			return fmt.Errorf("invalid max_file_size: %w", err)
		}
	}
	if _, err := c.LockTTL(); err != nil {
		return fmt.Errorf("invalid lock.ttl: %w", err)
	}
	if _, err := c.LockTimeout(); err != nil {
		return fmt.Errorf("invalid lock.timeout: %w", err)
	}
	if _, err := c.BaseBackoff(); err != nil {
		return fmt.Errorf("invalid retry.base_backoff: %w", err)
	}
	if _, err := c.Retention(); err != nil {
		return fmt.Errorf("invalid checkpoint_retention: %w", err)
	}
	return nil
}

// LockTTL parses the lock TTL duration.
func (c *Config) LockTTL() (time.Duration, error) {
	return time.ParseDuration(c.Lock.TTL)
}

// LockTimeout parses the lock acquisition timeout.
func (c *Config) LockTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Lock.Timeout)
}

// BaseBackoff parses the retry base backoff duration.
func (c *Config) BaseBackoff() (time.Duration, error) {
	return time.ParseDuration(c.Retry.BaseBackoff)
}

// Retention parses the checkpoint retention window.
func (c *Config) Retention() (time.Duration, error) {
	return time.ParseDuration(c.CheckpointRetention)
}

// MaxFileBytes parses the max file size; 0 means unlimited.
func (c *Config) MaxFileBytes() int64 {
	if c.MaxFileSize == "" {
		return 0
	}
	n, err := bytesize.Parse(c.MaxFileSize)
	if err != nil {
		return 0
	}
	return n
}
