package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProvider_ReadWriteDelete(t *testing.T) {
	t.Setenv("ASSETSHIFT_TEST", "1")
	p, err := NewLocalProvider("local", t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.Write(ctx, "photos/cat.jpg", []byte("cat")))

	data, err := p.Read(ctx, "photos/cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("cat"), data)

	ok, err := p.Exists(ctx, "photos/cat.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, p.Delete(ctx, "photos/cat.jpg"))

	ok, err = p.Exists(ctx, "photos/cat.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.Read(ctx, "photos/cat.jpg")
	assert.ErrorIs(t, err, ErrFileNotFound)

	err = p.Delete(ctx, "photos/cat.jpg")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLocalProvider_PathValidation(t *testing.T) {
	t.Setenv("ASSETSHIFT_TEST", "1")
	p, err := NewLocalProvider("local", t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, bad := range []string{"", "../escape", "a/../../b", "/absolute"} {
		t.Run(bad, func(t *testing.T) {
			err := p.Write(ctx, bad, []byte("x"))
			assert.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}

func TestLocalProvider_List(t *testing.T) {
	t.Setenv("ASSETSHIFT_TEST", "1")
	p, err := NewLocalProvider("local", t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.Write(ctx, "a.txt", []byte("a")))
	require.NoError(t, p.Write(ctx, "photos/b.txt", []byte("bb")))
	require.NoError(t, p.Write(ctx, "photos/sub/c.txt", []byte("ccc")))

	var recursive []string
	err = p.List(ctx, "", true, func(f FileRecord) error {
		recursive = append(recursive, f.Path)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "photos/b.txt", "photos/sub/c.txt"}, recursive)

	var topLevel []string
	err = p.List(ctx, "photos", false, func(f FileRecord) error {
		topLevel = append(topLevel, f.Path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"photos/b.txt"}, topLevel)
}

func TestLocalProvider_ListCancellation(t *testing.T) {
	t.Setenv("ASSETSHIFT_TEST", "1")
	p, err := NewLocalProvider("local", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, p.Write(context.Background(), "a.txt", []byte("a")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = p.List(ctx, "", true, func(f FileRecord) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemProvider(t *testing.T) {
	p := NewMemProvider("mem")
	ctx := context.Background()

	require.NoError(t, p.Write(ctx, "vol/a.jpg", []byte("aa")))
	p.WriteWithModTime("vol/b.jpg", []byte("b"), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	data, err := p.Read(ctx, "vol/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("aa"), data)

	var seen []FileRecord
	require.NoError(t, p.List(ctx, "vol", true, func(f FileRecord) error {
		seen = append(seen, f)
		return nil
	}))
	require.Len(t, seen, 2)
	assert.Equal(t, "vol/a.jpg", seen[0].Path)
	assert.Equal(t, int64(2), seen[0].Size)
	assert.Equal(t, "b.jpg", seen[1].Filename)

	require.NoError(t, p.Delete(ctx, "vol/a.jpg"))
	assert.Equal(t, 1, p.Count())
	assert.ErrorIs(t, p.Delete(ctx, "vol/a.jpg"), ErrFileNotFound)
}
