package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validConfig = `
data_dir: /tmp/assetshift-test
source:
  id: legacy-s3
  root: /mnt/legacy
target:
  id: new-s3
  root: /mnt/new
volume_ids: [photos, documents]
target_volume: photos
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 10, cfg.CheckpointInterval)
	assert.Equal(t, 50, cfg.ChangelogBuffer)
	assert.Equal(t, "quarantine", cfg.QuarantinePrefix)
	assert.Equal(t, 0.70, cfg.MinFuzzyConfidence)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 50, cfg.Retry.ErrorThreshold)

	ttl, err := cfg.LockTTL()
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, ttl)

	backoff, err := cfg.BaseBackoff()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, backoff)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig+`
batch_size: 250
max_file_size: 500MB
retry:
  max_attempts: 7
lock:
  ttl: 2h
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, int64(500*1024*1024), cfg.MaxFileBytes())
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)

	ttl, err := cfg.LockTTL()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, ttl)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing source", func(c *Config) { c.Source.ID = "" }, "source.id"},
		{"missing target", func(c *Config) { c.Target.ID = "" }, "target.id"},
		{"same provider", func(c *Config) { c.Target.ID = c.Source.ID }, "must differ"},
		{"no volumes", func(c *Config) { c.VolumeIDs = nil }, "volume_id"},
		{"no target volume", func(c *Config) { c.TargetVolume = "" }, "target_volume"},
		{"bad confidence", func(c *Config) { c.MinFuzzyConfidence = 1.5 }, "min_fuzzy_confidence"},
		{"bad size", func(c *Config) { c.MaxFileSize = "lots" }, "max_file_size"},
		{"bad ttl", func(c *Config) { c.Lock.TTL = "soon" }, "lock.ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validConfig))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestMaxFileBytes_Unset(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Zero(t, cfg.MaxFileBytes())
}
