package rollback

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetshift/assetshift/internal/asset"
	"github.com/assetshift/assetshift/internal/changelog"
	"github.com/assetshift/assetshift/internal/config"
	"github.com/assetshift/assetshift/internal/migrate"
	"github.com/assetshift/assetshift/internal/storage"
	"github.com/assetshift/assetshift/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ASSETSHIFT_TEST", "1")
	return &config.Config{
		DataDir:             t.TempDir(),
		Source:              config.ProviderConfig{ID: "src"},
		Target:              config.ProviderConfig{ID: "dst"},
		VolumeIDs:           []string{"photos"},
		TargetVolume:        "assets",
		BatchSize:           10,
		CheckpointInterval:  2,
		ChangelogBuffer:     5,
		QuarantinePrefix:    "quarantine",
		MinFuzzyConfidence:  0.70,
		Retry:               config.RetryConfig{MaxAttempts: 2, BaseBackoff: "1ms", ErrorThreshold: 10},
		Lock:                config.LockConfig{TTL: "1h", Timeout: "2s"},
		CheckpointRetention: "720h",
	}
}

// migrated runs a full migration over a representative workload and
// returns its ID along with the still-wired collaborators.
func migrated(t *testing.T, cfg *config.Config) (string, *storage.MemProvider, *storage.MemProvider, *asset.MemRepository) {
	t.Helper()
	ctx := context.Background()

	src := storage.NewMemProvider("src")
	dst := storage.NewMemProvider("dst")
	repo := asset.NewMemRepository()
	testutil.StandardWorkload(t, src, repo)

	eng := migrate.New(cfg, src, dst, repo, zerolog.Nop())
	res, err := eng.Run(ctx, migrate.Options{AssumeYes: true})
	require.NoError(t, err)
	return res.MigrationID, src, dst, repo
}

func TestRollback_FullReversal(t *testing.T) {
	cfg := testConfig(t)
	id, src, dst, repo := migrated(t, cfg)
	ctx := context.Background()

	eng := New(cfg, src, dst, repo, zerolog.Nop())
	stats, err := eng.Rollback(ctx, id, Options{})
	require.NoError(t, err)
	assert.Positive(t, stats.Reverted)
	assert.Zero(t, stats.Skipped)

	// every file back where it started, target emptied out
	for _, p := range []string{
		"photos/2024/beach.jpg",
		"photos/map_copy.png",
		"photos/old.gif",
		"photos/stray.tmp",
	} {
		exists, err := src.Exists(ctx, p)
		require.NoError(t, err)
		assert.True(t, exists, p)
	}
	assert.Zero(t, dst.Count())

	// metadata restored to pre-migration placement
	a1, err := repo.FindByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "photos", a1.VolumeID)
	assert.Equal(t, "2024", a1.FolderID)

	a2, err := repo.FindByID(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, "photos", a2.VolumeID)
	assert.Equal(t, "map.png", a2.Filename)
	assert.False(t, a2.FileExists)

	a3, err := repo.FindByID(ctx, "a3")
	require.NoError(t, err)
	assert.Equal(t, "photos", a3.VolumeID)
	assert.True(t, a3.FileExists)
}

func TestRollback_OnlyQuarantine(t *testing.T) {
	cfg := testConfig(t)
	id, src, dst, repo := migrated(t, cfg)
	ctx := context.Background()

	eng := New(cfg, src, dst, repo, zerolog.Nop())
	stats, err := eng.Rollback(ctx, id, Options{Phases: []string{"quarantine"}, Mode: ModeOnly})
	require.NoError(t, err)
	assert.Equal(t, stats.Total, stats.Reverted)

	// quarantine undone: stray back on source, old.gif back in place
	exists, err := src.Exists(ctx, "photos/stray.tmp")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = dst.Exists(ctx, "assets/old.gif")
	require.NoError(t, err)
	assert.True(t, exists)

	// consolidate left intact
	exists, err = dst.Exists(ctx, "assets/2024/beach.jpg")
	require.NoError(t, err)
	assert.True(t, exists)
	a1, err := repo.FindByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "assets", a1.VolumeID)
}

func TestRollback_FromConsolidate(t *testing.T) {
	cfg := testConfig(t)
	id, src, dst, repo := migrated(t, cfg)
	ctx := context.Background()

	eng := New(cfg, src, dst, repo, zerolog.Nop())
	_, err := eng.Rollback(ctx, id, Options{Phases: []string{"consolidate"}, Mode: ModeFrom})
	require.NoError(t, err)

	// consolidate and quarantine reversed
	exists, err := src.Exists(ctx, "photos/2024/beach.jpg")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Zero(t, dst.Count())

	// the broken link repair from the earlier phase stands
	a2, err := repo.FindByID(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, "map_copy.png", a2.Filename)
}

func TestRollback_DryRunCountsOnly(t *testing.T) {
	cfg := testConfig(t)
	id, src, dst, repo := migrated(t, cfg)
	ctx := context.Background()

	filesBefore := dst.Count()

	eng := New(cfg, src, dst, repo, zerolog.Nop())
	stats, err := eng.Rollback(ctx, id, Options{DryRun: true})
	require.NoError(t, err)

	assert.Positive(t, stats.Total)
	assert.Positive(t, stats.Estimate)
	assert.Zero(t, stats.Reverted)
	assert.Equal(t, 3, stats.ByType[changelog.TypeMovedAsset])
	assert.Equal(t, filesBefore, dst.Count())
}

func TestRollback_MissingPriorLocationHardStop(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	clog, err := changelog.Open(cfg.DataDir, "mig-x", 0)
	require.NoError(t, err)
	_, err = clog.Log("fix_broken_links", changelog.TypeBrokenLinkFixed, map[string]any{
		"asset_id": "a1", // no prior_volume_id / prior_filename
	})
	require.NoError(t, err)
	require.NoError(t, clog.Flush())

	repo := asset.NewMemRepository()
	repo.Put(asset.Record{ID: "a1", VolumeID: "photos", Filename: "x.jpg"})

	eng := New(cfg, storage.NewMemProvider("src"), storage.NewMemProvider("dst"), repo, zerolog.Nop())
	_, err = eng.Rollback(ctx, "mig-x", Options{})
	assert.ErrorIs(t, err, ErrUnrevertable)
}

func TestRollback_UnknownModeAndPhase(t *testing.T) {
	cfg := testConfig(t)
	id, src, dst, repo := migrated(t, cfg)
	eng := New(cfg, src, dst, repo, zerolog.Nop())

	_, err := eng.Rollback(context.Background(), id, Options{Phases: []string{"quarantine"}, Mode: "sideways"})
	assert.ErrorIs(t, err, ErrUnknownMode)

	_, err = eng.Rollback(context.Background(), id, Options{Phases: []string{"teleport"}})
	assert.ErrorIs(t, err, ErrUnknownPhase)
}

func TestRestoreSnapshot(t *testing.T) {
	cfg := testConfig(t)
	id, src, dst, repo := migrated(t, cfg)
	ctx := context.Background()

	eng := New(cfg, src, dst, repo, zerolog.Nop())
	require.NoError(t, eng.RestoreSnapshot(ctx, id))

	// metadata back to the pre-migration snapshot; files untouched
	a1, err := repo.FindByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "photos", a1.VolumeID)
	a2, err := repo.FindByID(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, "map.png", a2.Filename)

	exists, err := dst.Exists(ctx, "assets/2024/beach.jpg")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRestoreSnapshot_MissingMigration(t *testing.T) {
	cfg := testConfig(t)
	eng := New(cfg, storage.NewMemProvider("src"), storage.NewMemProvider("dst"), asset.NewMemRepository(), zerolog.Nop())
	err := eng.RestoreSnapshot(context.Background(), "never-ran")
	assert.Error(t, err)
}
