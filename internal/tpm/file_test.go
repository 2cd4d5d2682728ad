package tpm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaulthalla/vaulthalla/internal/logging"
)

func TestFileProviderPersistsKey(t *testing.T) {
	dir := t.TempDir()
	log := logging.Nop()

	p1, err := NewFileProvider(dir, log)
	require.NoError(t, err)
	k1 := p1.MasterKey()
	assert.NotEqual(t, [32]byte{}, k1)

	info, err := os.Stat(filepath.Join(dir, devKeyName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	p2, err := NewFileProvider(dir, log)
	require.NoError(t, err)
	assert.Equal(t, k1, p2.MasterKey())
}

func TestFileProviderRejectsCorruptKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, devKeyName), []byte("short"), 0o600))

	_, err := NewFileProvider(dir, logging.Nop())
	assert.ErrorIs(t, err, ErrTPMUnavailable)
}

func TestCloseZeroesKey(t *testing.T) {
	p, err := NewFileProvider(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.Equal(t, [32]byte{}, p.MasterKey())
}
