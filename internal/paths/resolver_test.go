package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver() *Resolver {
	return NewResolver(GlobalRoots{
		FuseRoot:    "/mnt/vh",
		BackingRoot: "/var/lib/vh/backing",
		CacheRoot:   "/var/cache/vh",
	}, "documents", "VLT_01HXAMPLE")
}

func TestRootPaths(t *testing.T) {
	r := testResolver()

	assert.Equal(t, "/mnt/vh", r.RootPath(FuseRoot))
	assert.Equal(t, "/mnt/vh/documents", r.RootPath(VaultRoot))
	assert.Equal(t, "/var/lib/vh/backing", r.RootPath(BackingRoot))
	assert.Equal(t, "/var/lib/vh/backing/VLT_01HXAMPLE", r.RootPath(BackingVaultRoot))
	assert.Equal(t, "/var/cache/vh/VLT_01HXAMPLE/thumbnails", r.RootPath(ThumbnailRoot))
	assert.Equal(t, "/var/cache/vh/VLT_01HXAMPLE/files", r.RootPath(FileCacheRoot))
}

func TestAbsStripsLeadingSlash(t *testing.T) {
	r := testResolver()

	abs, err := r.Abs("/a/b.txt", BackingVaultRoot)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/vh/backing/VLT_01HXAMPLE/a/b.txt", abs)

	abs2, err := r.Abs("a/b.txt", BackingVaultRoot)
	require.NoError(t, err)
	assert.Equal(t, abs, abs2)
}

func TestAbsRootItself(t *testing.T) {
	r := testResolver()
	abs, err := r.Abs("/", VaultRoot)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/vh/documents", abs)
}

func TestAbsRejectsEscape(t *testing.T) {
	r := testResolver()
	_, err := r.Abs("../../etc/passwd", VaultRoot)
	assert.ErrorIs(t, err, ErrOutOfRoot)
}

func TestRelInverse(t *testing.T) {
	r := testResolver()

	rel, err := r.Rel("/mnt/vh/documents/a/b.txt", VaultRoot)
	require.NoError(t, err)
	assert.Equal(t, "/a/b.txt", rel)

	rel, err = r.Rel("/mnt/vh/documents", VaultRoot)
	require.NoError(t, err)
	assert.Equal(t, "/", rel)
}

func TestRelRejectsForeignPath(t *testing.T) {
	r := testResolver()
	_, err := r.Rel("/tmp/elsewhere", VaultRoot)
	assert.ErrorIs(t, err, ErrOutOfRoot)

	// Sibling prefix must not pass the containment check.
	_, err = r.Rel("/mnt/vh/documents2/x", VaultRoot)
	assert.ErrorIs(t, err, ErrOutOfRoot)
}

func TestRebase(t *testing.T) {
	r := testResolver()

	got, err := r.Rebase("/mnt/vh/documents/a/b.txt", VaultRoot, FileCacheRoot)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/var/cache/vh/VLT_01HXAMPLE/files", "a/b.txt"), got)

	_, err = r.Rebase("/somewhere/else", VaultRoot, FileCacheRoot)
	assert.ErrorIs(t, err, ErrOutOfRoot)
}
