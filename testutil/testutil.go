// Package testutil provides shared seeding helpers for assetshift tests.
package testutil

import (
	"context"
	"testing"

	"github.com/assetshift/assetshift/internal/asset"
	"github.com/assetshift/assetshift/internal/storage"
)

// WriteFiles seeds a provider with the given path -> content map.
func WriteFiles(t *testing.T, p storage.Provider, files map[string]string) {
	t.Helper()
	ctx := context.Background()
	for path, content := range files {
		if err := p.Write(ctx, path, []byte(content)); err != nil {
			t.Fatalf("seed file %s: %v", path, err)
		}
	}
}

// SeedAssets inserts the given records into a repository.
func SeedAssets(t *testing.T, repo *asset.MemRepository, recs ...asset.Record) {
	t.Helper()
	for _, rec := range recs {
		repo.Put(rec)
	}
}

// StandardWorkload seeds a small but representative migration workload:
// a healthy asset in a folder, a broken link with a copy-suffixed
// candidate, a zero-reference asset, and an unowned stray file.
func StandardWorkload(t *testing.T, src storage.Provider, repo *asset.MemRepository) {
	t.Helper()
	WriteFiles(t, src, map[string]string{
		"photos/2024/beach.jpg": "beach",
		"photos/map_copy.png":   "map",
		"photos/old.gif":        "old",
		"photos/stray.tmp":      "stray",
	})
	SeedAssets(t, repo,
		asset.Record{ID: "a1", VolumeID: "photos", FolderID: "2024", Filename: "beach.jpg", RefCount: 2, FileExists: true},
		asset.Record{ID: "a2", VolumeID: "photos", Filename: "map.png", RefCount: 1},
		asset.Record{ID: "a3", VolumeID: "photos", Filename: "old.gif", RefCount: 0, FileExists: true},
	)
}
