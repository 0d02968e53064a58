package migrate

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetshift/assetshift/internal/asset"
	"github.com/assetshift/assetshift/internal/changelog"
	"github.com/assetshift/assetshift/internal/checkpoint"
	"github.com/assetshift/assetshift/internal/config"
	"github.com/assetshift/assetshift/internal/retry"
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
		BatchSize:           2,
		CheckpointInterval:  2,
		ChangelogBuffer:     5,
		QuarantinePrefix:    "quarantine",
		MinFuzzyConfidence:  0.70,
		Retry:               config.RetryConfig{MaxAttempts: 2, BaseBackoff: "1ms", ErrorThreshold: 10},
		Lock:                config.LockConfig{TTL: "1h", Timeout: "2s"},
		CheckpointRetention: "720h",
	}
}

func seedStandard(t *testing.T, src *storage.MemProvider, repo *asset.MemRepository) {
	t.Helper()
	testutil.StandardWorkload(t, src, repo)
}

func TestRun_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	src := storage.NewMemProvider("src")
	dst := storage.NewMemProvider("dst")
	repo := asset.NewMemRepository()
	seedStandard(t, src, repo)

	eng := New(cfg, src, dst, repo, zerolog.Nop())
	res, err := eng.Run(context.Background(), Options{AssumeYes: true})
	require.NoError(t, err)
	require.Equal(t, PhaseComplete, res.Phase)

	ctx := context.Background()

	// healthy asset consolidated into the target volume
	a1, err := repo.FindByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "assets", a1.VolumeID)
	assert.Equal(t, "2024", a1.FolderID)
	exists, err := dst.Exists(ctx, "assets/2024/beach.jpg")
	require.NoError(t, err)
	assert.True(t, exists)

	// broken link repaired via the copy-suffix candidate, then moved
	a2, err := repo.FindByID(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, "assets", a2.VolumeID)
	assert.Equal(t, "map_copy.png", a2.Filename)
	exists, err = dst.Exists(ctx, "assets/map_copy.png")
	require.NoError(t, err)
	assert.True(t, exists)

	// zero-reference asset quarantined after consolidation
	a3, err := repo.FindByID(ctx, "a3")
	require.NoError(t, err)
	assert.False(t, a3.FileExists)
	exists, err = dst.Exists(ctx, "quarantine/"+res.MigrationID+"/dst/assets/old.gif")
	require.NoError(t, err)
	assert.True(t, exists)

	// stray file swept into quarantine, source left empty
	exists, err = dst.Exists(ctx, "quarantine/"+res.MigrationID+"/src/photos/stray.tmp")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Zero(t, src.Count())

	assert.Equal(t, 3, res.Stats.AssetsTotal)
	assert.Equal(t, 1, res.Stats.LinksFixed)
	assert.Equal(t, 3, res.Stats.FilesMoved)
	assert.Equal(t, 2, res.Stats.Quarantined)
	assert.Positive(t, res.Stats.BytesMoved)

	// change log carries the full mutation history
	clog, err := changelog.Open(cfg.DataDir, res.MigrationID, 0)
	require.NoError(t, err)
	entries, err := clog.LoadAll(res.MigrationID)
	require.NoError(t, err)
	types := make(map[string]int)
	for _, e := range entries {
		types[e.Type]++
	}
	assert.Equal(t, 1, types[changelog.TypeBrokenLinkFixed])
	assert.Equal(t, 3, types[changelog.TypeMovedAsset])
	assert.Equal(t, 1, types[changelog.TypeQuarantinedAsset])
	assert.Equal(t, 1, types[changelog.TypeQuarantinedFile])

	// finished checkpoint is archived
	ckpts, err := checkpoint.NewStore(cfg.DataDir)
	require.NoError(t, err)
	archived, err := ckpts.LoadArchived(res.MigrationID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusComplete, archived.Status)
}

func TestRun_DryRunMutatesNothing(t *testing.T) {
	cfg := testConfig(t)
	src := storage.NewMemProvider("src")
	dst := storage.NewMemProvider("dst")
	repo := asset.NewMemRepository()
	seedStandard(t, src, repo)

	eng := New(cfg, src, dst, repo, zerolog.Nop())
	res, err := eng.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	require.True(t, res.DryRun)

	assert.Equal(t, 4, src.Count())
	assert.Zero(t, dst.Count())

	a2, err := repo.FindByID(context.Background(), "a2")
	require.NoError(t, err)
	assert.Equal(t, "photos", a2.VolumeID)
	assert.Equal(t, "map.png", a2.Filename)

	// Planned operations reported instead of performed. The analysis
	// sees the unmutated metadata: a2's file stays unresolved (so no
	// planned move for it) and its candidate still counts as an orphan.
	assert.Equal(t, 1, res.Planned[changelog.TypeBrokenLinkFixed])
	assert.Equal(t, 2, res.Planned[changelog.TypeMovedAsset])
	assert.Equal(t, 1, res.Planned[changelog.TypeQuarantinedAsset])
	assert.Equal(t, 2, res.Planned[changelog.TypeQuarantinedFile])

	// no checkpoint, no change log, no lock left behind
	ckpts, err := checkpoint.NewStore(cfg.DataDir)
	require.NoError(t, err)
	summaries, err := ckpts.List()
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestRun_ResumeAfterFatalError(t *testing.T) {
	cfg := testConfig(t)
	src := storage.NewMemProvider("src")
	dst := storage.NewMemProvider("dst")
	repo := asset.NewMemRepository()
	seedStandard(t, src, repo)

	eng := New(cfg, src, dst, repo, zerolog.Nop())

	repo.FailUpdates = true
	res, err := eng.Run(context.Background(), Options{AssumeYes: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, asset.ErrUpdateRejected)

	ckpts, err := checkpoint.NewStore(cfg.DataDir)
	require.NoError(t, err)
	state, err := ckpts.LoadLatest(res.MigrationID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusInterrupted, state.Status)

	repo.FailUpdates = false
	res2, err := eng.Run(context.Background(), Options{Resume: true, MigrationID: res.MigrationID, AssumeYes: true})
	require.NoError(t, err)
	assert.Equal(t, res.MigrationID, res2.MigrationID)
	assert.Equal(t, PhaseComplete, res2.Phase)

	a2, err := repo.FindByID(context.Background(), "a2")
	require.NoError(t, err)
	assert.Equal(t, "assets", a2.VolumeID)
}

func TestRun_ConfirmDeclinedHalts(t *testing.T) {
	cfg := testConfig(t)
	src := storage.NewMemProvider("src")
	dst := storage.NewMemProvider("dst")
	repo := asset.NewMemRepository()
	seedStandard(t, src, repo)

	eng := New(cfg, src, dst, repo, zerolog.Nop())
	eng.Confirm = func(string) bool { return false }

	res, err := eng.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfirmDeclined)

	// earlier phases committed; the run is resumable at quarantine
	ckpts, err := checkpoint.NewStore(cfg.DataDir)
	require.NoError(t, err)
	state, err := ckpts.LoadLatest(res.MigrationID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusInterrupted, state.Status)
	assert.Equal(t, PhaseQuarantine, state.Phase)

	exists, err := dst.Exists(context.Background(), "assets/2024/beach.jpg")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRun_ThresholdHalt(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.ErrorThreshold = 1
	src := storage.NewMemProvider("src")
	dst := storage.NewMemProvider("dst")
	dst.FailWrites = true
	repo := asset.NewMemRepository()
	seedStandard(t, src, repo)

	eng := New(cfg, src, dst, repo, zerolog.Nop())
	res, err := eng.Run(context.Background(), Options{AssumeYes: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrBudgetExhausted)

	ckpts, err := checkpoint.NewStore(cfg.DataDir)
	require.NoError(t, err)
	state, err := ckpts.LoadLatest(res.MigrationID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusInterrupted, state.Status)
}

func TestRun_ResumeCompleteRefused(t *testing.T) {
	cfg := testConfig(t)
	ckpts, err := checkpoint.NewStore(cfg.DataDir)
	require.NoError(t, err)
	require.NoError(t, ckpts.Save(&checkpoint.State{
		MigrationID: "done-1",
		Phase:       PhaseComplete,
		Status:      checkpoint.StatusComplete,
	}))

	eng := New(cfg, storage.NewMemProvider("src"), storage.NewMemProvider("dst"), asset.NewMemRepository(), zerolog.Nop())
	_, err = eng.Run(context.Background(), Options{Resume: true, MigrationID: "done-1"})
	assert.ErrorIs(t, err, ErrAlreadyComplete)
}

func TestRun_RootHandling(t *testing.T) {
	cfg := testConfig(t)
	src := storage.NewMemProvider("src")
	dst := storage.NewMemProvider("dst")
	repo := asset.NewMemRepository()
	ctx := context.Background()

	// file stranded at the volume root, metadata says photos/2024/
	require.NoError(t, src.Write(ctx, "photos/beach.jpg", []byte("beach")))
	repo.Put(asset.Record{ID: "a1", VolumeID: "photos", FolderID: "2024", Filename: "beach.jpg", RefCount: 1})

	eng := New(cfg, src, dst, repo, zerolog.Nop())
	res, err := eng.Run(ctx, Options{AssumeYes: true})
	require.NoError(t, err)

	exists, err := dst.Exists(ctx, "assets/2024/beach.jpg")
	require.NoError(t, err)
	assert.True(t, exists)

	clog, err := changelog.Open(cfg.DataDir, res.MigrationID, 0)
	require.NoError(t, err)
	entries, err := clog.LoadAll(res.MigrationID)
	require.NoError(t, err)
	var moved bool
	for _, e := range entries {
		if e.Type == changelog.TypeMovedFile {
			moved = true
			from, _ := changelog.PayloadString(e, "from")
			to, _ := changelog.PayloadString(e, "to")
			assert.Equal(t, "photos/beach.jpg", from)
			assert.Equal(t, "photos/2024/beach.jpg", to)
		}
	}
	assert.True(t, moved)
}

func TestRun_InlineRefRewrite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Source.URLPrefix = "https://old.cdn"
	cfg.Target.URLPrefix = "https://new.cdn"
	src := storage.NewMemProvider("src")
	dst := storage.NewMemProvider("dst")
	repo := asset.NewMemRepository("body")
	ctx := context.Background()

	require.NoError(t, src.Write(ctx, "photos/a.jpg", []byte("a")))
	repo.Put(asset.Record{ID: "a1", VolumeID: "photos", Filename: "a.jpg", RefCount: 1, FileExists: true})
	require.NoError(t, repo.SetFieldText(ctx, "a1", "body", `<img src="https://old.cdn/photos/a.jpg">`))

	eng := New(cfg, src, dst, repo, zerolog.Nop())
	res, err := eng.Run(ctx, Options{AssumeYes: true})
	require.NoError(t, err)

	text, err := repo.FieldText(ctx, "a1", "body")
	require.NoError(t, err)
	assert.Equal(t, `<img src="https://new.cdn/photos/a.jpg">`, text)
	assert.Equal(t, 1, res.Stats.InlineRefs)
}

func TestRun_UnresolvedBrokenLinkLogged(t *testing.T) {
	cfg := testConfig(t)
	src := storage.NewMemProvider("src")
	dst := storage.NewMemProvider("dst")
	repo := asset.NewMemRepository()
	ctx := context.Background()

	// no candidate anywhere for this asset's file
	repo.Put(asset.Record{ID: "a1", VolumeID: "photos", Filename: "vanished.pdf", RefCount: 1})

	eng := New(cfg, src, dst, repo, zerolog.Nop())
	res, err := eng.Run(ctx, Options{AssumeYes: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.LinksUnresolved)

	clog, err := changelog.Open(cfg.DataDir, res.MigrationID, 0)
	require.NoError(t, err)
	entries, err := clog.LoadAll(res.MigrationID)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Type == changelog.TypeBrokenLinkNotFixed {
			found = true
			reason, _ := changelog.PayloadString(e, "reason")
			assert.Equal(t, "no_candidate", reason)
		}
	}
	assert.True(t, found)
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path                     string
		volume, folder, filename string
	}{
		{"photos/2024/q1/a.jpg", "photos", "2024/q1", "a.jpg"},
		{"photos/a.jpg", "photos", "", "a.jpg"},
		{"a.jpg", "", "", "a.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			vol, folder, name := splitPath(tt.path)
			assert.Equal(t, tt.volume, vol)
			assert.Equal(t, tt.folder, folder)
			assert.Equal(t, tt.filename, name)
		})
	}
}

func TestScopeVolumes(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "t"}, scopeVolumes([]string{"a", "b"}, "t"))
	assert.Equal(t, []string{"a", "t"}, scopeVolumes([]string{"a", "t"}, "t"))
}
