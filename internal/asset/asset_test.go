package asset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_Path(t *testing.T) {
	rec := Record{VolumeID: "photos", FolderID: "2024/summer", Filename: "beach.jpg"}
	assert.Equal(t, "photos/2024/summer/beach.jpg", rec.Path())

	root := Record{VolumeID: "photos", Filename: "logo.png"}
	assert.Equal(t, "photos/logo.png", root.Path())
}

func TestMemRepository_Pagination(t *testing.T) {
	repo := NewMemRepository()
	ctx := context.Background()

	for _, id := range []string{"a3", "a1", "a2", "b1"} {
		vol := "photos"
		if id == "b1" {
			vol = "docs"
		}
		repo.Put(Record{ID: id, VolumeID: vol, Filename: id + ".jpg", FileExists: true})
	}

	page, err := repo.FindByVolumes(ctx, []string{"photos"}, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a1", page[0].ID)
	assert.Equal(t, "a2", page[1].ID)

	page, err = repo.FindByVolumes(ctx, []string{"photos"}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a3", page[0].ID)

	page, err = repo.FindByVolumes(ctx, []string{"photos"}, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMemRepository_Count(t *testing.T) {
	repo := NewMemRepository()
	ctx := context.Background()

	repo.Put(Record{ID: "a", VolumeID: "photos", FileExists: true})
	repo.Put(Record{ID: "b", VolumeID: "photos", FileExists: false})
	repo.Put(Record{ID: "c", VolumeID: "docs", FileExists: false})

	n, err := repo.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = repo.Count(ctx, Filter{VolumeIDs: []string{"photos"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.Count(ctx, Filter{VolumeIDs: []string{"photos"}, BrokenOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemRepository_Update(t *testing.T) {
	repo := NewMemRepository()
	ctx := context.Background()

	repo.Put(Record{ID: "a", VolumeID: "photos", Filename: "a.jpg"})

	rec, err := repo.FindByID(ctx, "a")
	require.NoError(t, err)
	rec.VolumeID = "archive"

	ok, err := repo.Update(ctx, *rec)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "archive", got.VolumeID)

	_, err = repo.Update(ctx, Record{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	// Rejected updates leave the record untouched
	repo.FailUpdates = true
	rec.VolumeID = "elsewhere"
	ok, err = repo.Update(ctx, *rec)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUpdateRejected)

	got, err = repo.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "archive", got.VolumeID)
}

func TestMemRepository_RefFields(t *testing.T) {
	repo := NewMemRepository("body", "caption")
	ctx := context.Background()

	repo.Put(Record{ID: "a", VolumeID: "photos"})

	fields, err := repo.RefFields(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"body", "caption"}, fields)

	require.NoError(t, repo.SetFieldText(ctx, "a", "body", "see /src/photos/x.jpg"))
	text, err := repo.FieldText(ctx, "a", "body")
	require.NoError(t, err)
	assert.Equal(t, "see /src/photos/x.jpg", text)

	err = repo.SetFieldText(ctx, "missing", "body", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemRepository_SnapshotRestore(t *testing.T) {
	repo := NewMemRepository()
	ctx := context.Background()

	repo.Put(Record{ID: "a", VolumeID: "photos"})
	repo.Put(Record{ID: "b", VolumeID: "photos"})

	snap, err := repo.SnapshotAll(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 2)

	// Mutate, then restore
	rec, _ := repo.FindByID(ctx, "a")
	rec.VolumeID = "archive"
	_, err = repo.Update(ctx, *rec)
	require.NoError(t, err)

	require.NoError(t, repo.RestoreAll(ctx, snap))

	got, err := repo.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "photos", got.VolumeID)
}
