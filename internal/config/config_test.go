package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/vaulthalla/backing", cfg.Paths.BackingRoot)
	assert.Equal(t, 4, cfg.Workers.Sync)
	assert.Equal(t, []int{128, 256, 512}, cfg.Caching.ThumbnailSizes)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
paths:
  fuse_root: /mnt/vh
  backing_root: /data/backing
  cache_root: /data/cache
  runtime_dir: /run/vh
workers:
  sync: 8
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/vh", cfg.Paths.FuseRoot)
	assert.Equal(t, 8, cfg.Workers.Sync)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
paths:
  backing_root: /data/backing
workers:
  sync: 8
`), 0o644))
	t.Setenv("VH_BACKING_ROOT", "/env/backing")
	t.Setenv("VH_SYNC_WORKERS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/env/backing", cfg.Paths.BackingRoot)
	assert.Equal(t, 2, cfg.Workers.Sync)
}

func TestValidateRejectsRelativePaths(t *testing.T) {
	cfg := Default()
	cfg.Paths.CacheRoot = "relative/cache"
	assert.Error(t, cfg.Validate())
}

func TestSuperadminSeedIsOneShot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "superadmin_uid"), []byte("1000\n"), 0o600))

	uid, ok, err := SuperadminUID(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1000), uid)

	// Consumed: a second read finds nothing.
	_, ok, err = SuperadminUID(dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSuperadminSeedAbsent(t *testing.T) {
	_, ok, err := SuperadminUID(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
}
