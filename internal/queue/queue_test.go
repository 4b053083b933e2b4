package queue

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/reel-publisher/internal/storage"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("data:"+n), 0o644))
	}
}

func TestNextArtifact_FirstUnposted(t *testing.T) {
	listing := []string{"a.mp4", "b.mp4"}
	posted := NewPostedSet()

	id, err := NextArtifact(listing, posted)
	require.NoError(t, err)
	assert.Equal(t, "a.mp4", id)

	posted.Add("a.mp4")
	id, err = NextArtifact(listing, posted)
	require.NoError(t, err)
	assert.Equal(t, "b.mp4", id)
}

func TestNextArtifact_KeepsCallerOrder(t *testing.T) {
	id, err := NextArtifact([]string{"z.mp4", "a.mp4"}, NewPostedSet())
	require.NoError(t, err)
	assert.Equal(t, "z.mp4", id)
}

func TestNextArtifact_Empty(t *testing.T) {
	_, err := NextArtifact(nil, NewPostedSet())
	assert.ErrorIs(t, err, ErrEmptyQueue)

	_, err = NextArtifact([]string{"a.mp4", "b.mp4"}, NewPostedSet("a.mp4", "b.mp4"))
	assert.ErrorIs(t, err, ErrEmptyQueue)
}

func TestPostedSet_WriteOnce(t *testing.T) {
	s := NewPostedSet()
	assert.True(t, s.Add("a.mp4"))
	assert.False(t, s.Add("a.mp4"))
	assert.True(t, s.Add("b.mp4"))
	assert.Equal(t, []string{"a.mp4", "b.mp4"}, s.Slice())
	assert.Equal(t, 2, s.Len())

	s.Remove("a.mp4")
	assert.False(t, s.Contains("a.mp4"))
	assert.Equal(t, []string{"b.mp4"}, s.Slice())
	s.Remove("missing.mp4")
	assert.Equal(t, 1, s.Len())
}

func TestLoadPostedSet_UnionWithProcessed(t *testing.T) {
	root := t.TempDir()
	queueDir := filepath.Join(root, "queue")
	processedDir := filepath.Join(root, "processed")
	touch(t, queueDir, "a.mp4", "b.mp4", "c.mp4")
	touch(t, processedDir, "b_processed.mp4", "notes.txt")

	store, err := storage.NewFileStorage(filepath.Join(root, "state"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, storage.SaveJSON(ctx, store, storage.KeyPostedArtifacts, []string{"a.mp4"}))

	src := NewDirSource(queueDir, processedDir, ".mp4", zerolog.Nop())
	posted := LoadPostedSet(ctx, store, src, zerolog.Nop())

	assert.True(t, posted.Contains("a.mp4"))
	assert.True(t, posted.Contains("b.mp4"))
	assert.False(t, posted.Contains("c.mp4"))
	assert.False(t, posted.Contains("notes.txt"))

	listing, err := src.List(ctx)
	require.NoError(t, err)
	id, err := NextArtifact(listing, posted)
	require.NoError(t, err)
	assert.Equal(t, "c.mp4", id)
}

func TestLoadPostedSet_CorruptDocument(t *testing.T) {
	root := t.TempDir()
	store, err := storage.NewFileStorage(root)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, storage.KeyPostedArtifacts, []byte("not json")))

	processedDir := filepath.Join(root, "processed")
	touch(t, processedDir, "x.mp4")

	posted := LoadPostedSet(ctx, store, NewDirSource(filepath.Join(root, "queue"), processedDir, ".mp4", zerolog.Nop()), zerolog.Nop())
	assert.Equal(t, []string{"x.mp4"}, posted.Slice())

	backup, err := store.Get(ctx, storage.KeyPostedArtifacts+storage.CorruptSuffix)
	require.NoError(t, err)
	assert.Equal(t, "not json", string(backup))
}

func TestSavePostedSet(t *testing.T) {
	store, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, SavePostedSet(ctx, store, NewPostedSet("a.mp4", "b.mp4")))
	got, err := storage.LoadJSON[[]string](ctx, store, storage.KeyPostedArtifacts)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4", "b.mp4"}, got)
}

func TestDirSource_ListOpenAndMove(t *testing.T) {
	root := t.TempDir()
	queueDir := filepath.Join(root, "queue")
	processedDir := filepath.Join(root, "processed")
	touch(t, queueDir, "b.mp4", "a.mp4", "a.jpg", "readme.md")
	require.NoError(t, os.Mkdir(filepath.Join(queueDir, "sub.mp4"), 0o755))

	src := NewDirSource(queueDir, processedDir, ".mp4", zerolog.Nop())
	ctx := context.Background()

	listing, err := src.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4", "b.mp4"}, listing)

	rc, err := src.Open(ctx, "a.mp4")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "data:a.mp4", string(body))

	cover, err := src.OpenCover(ctx, "a.mp4")
	require.NoError(t, err)
	cover.Close()
	_, err = src.OpenCover(ctx, "b.mp4")
	assert.ErrorIs(t, err, ErrNoCover)

	require.NoError(t, src.MarkProcessed(ctx, "a.mp4"))
	listing, err = src.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.mp4"}, listing)

	processed, err := src.Processed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4"}, processed)
}

func TestDirSource_MissingDirsAreEmpty(t *testing.T) {
	root := t.TempDir()
	src := NewDirSource(filepath.Join(root, "nope"), filepath.Join(root, "nope2"), "", zerolog.Nop())

	listing, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, listing)

	processed, err := src.Processed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, processed)
}

func TestDirSource_RejectsPathIDs(t *testing.T) {
	src := NewDirSource(t.TempDir(), t.TempDir(), ".mp4", zerolog.Nop())
	_, err := src.Open(context.Background(), "../etc/passwd")
	assert.Error(t, err)
	assert.Error(t, src.MarkProcessed(context.Background(), "a/b.mp4"))
}

func TestNormalizeProcessed(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a.mp4", "a.mp4"},
		{"a_processed.mp4", "a.mp4"},
		{"my_processed_clip.mp4", "my_processed_clip.mp4"},
		{"a.mov", "a.mov"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeProcessed(tt.in, ".mp4"))
		})
	}
}
