package preview

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaulthalla/vaulthalla/internal/types"
)

func seedThumbs(t *testing.T, root, alias string, sizes ...string) {
	t.Helper()
	dir := filepath.Join(root, alias)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, size := range sizes {
		require.NoError(t, os.WriteFile(filepath.Join(dir, size+".jpg"), []byte("jpeg-"+size), 0o644))
	}
}

func TestPurgeThumbnails(t *testing.T) {
	root := t.TempDir()
	seedThumbs(t, root, "AL1AS", "128", "256")

	require.NoError(t, PurgeThumbnails(root, "AL1AS"))
	_, err := os.Stat(filepath.Join(root, "AL1AS"))
	assert.True(t, os.IsNotExist(err))

	// Purging an absent alias or an empty alias is a no-op.
	assert.NoError(t, PurgeThumbnails(root, "AL1AS"))
	assert.NoError(t, PurgeThumbnails(root, ""))
}

func TestCopyThumbnails(t *testing.T) {
	root := t.TempDir()
	seedThumbs(t, root, "SRC", "128", "512")

	require.NoError(t, CopyThumbnails(root, "SRC", "DST"))

	for _, size := range []string{"128", "512"} {
		data, err := os.ReadFile(filepath.Join(root, "DST", size+".jpg"))
		require.NoError(t, err)
		assert.Equal(t, "jpeg-"+size, string(data))
	}
	// Source untouched.
	_, err := os.Stat(filepath.Join(root, "SRC", "128.jpg"))
	assert.NoError(t, err)

	// Copying from an absent alias is a no-op.
	assert.NoError(t, CopyThumbnails(root, "NOPE", "DST2"))
}

func TestMoveThumbnails(t *testing.T) {
	fromRoot := t.TempDir()
	toRoot := t.TempDir()
	seedThumbs(t, fromRoot, "AL", "128")

	require.NoError(t, MoveThumbnails(fromRoot, toRoot, "AL"))
	_, err := os.Stat(filepath.Join(fromRoot, "AL"))
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(toRoot, "AL", "128.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-128", string(data))

	// Absent source: no-op.
	assert.NoError(t, MoveThumbnails(fromRoot, toRoot, "GONE"))
}

func TestQueueSinkFiltersByMime(t *testing.T) {
	var got []*types.File
	sink := QueueSink{Submit: func(f *types.File, _ []byte) { got = append(got, f) }}

	sink.Enqueue(&types.File{MimeType: "image/png"}, []byte("x"))
	sink.Enqueue(&types.File{MimeType: "video/mp4"}, []byte("x"))
	sink.Enqueue(&types.File{MimeType: "application/pdf"}, []byte("x"))

	require.Len(t, got, 2)
	assert.Equal(t, "image/png", got[0].MimeType)
	assert.Equal(t, "application/pdf", got[1].MimeType)
}
