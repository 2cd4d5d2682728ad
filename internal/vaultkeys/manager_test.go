package vaultkeys

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaulthalla/vaulthalla/internal/catalog/memory"
	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/tpm"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

func newManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.New()
	var master tpm.Static
	copy(master[:], []byte("0123456789abcdef0123456789abcdef"))
	m := NewManager(1, master, store.Keys(), logging.Nop())
	return m, store
}

func TestLoadKeyCreatesVersionOne(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.LoadKey(ctx))
	assert.Equal(t, uint(1), m.Version())
	assert.False(t, m.RotationInProgress())

	row, err := store.Keys().Newest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint(1), row.Version)
	// Sealed key is AES-GCM output: 32 bytes + 16-byte tag.
	assert.Len(t, row.EncryptedKey, 48)
	assert.Len(t, row.IV, crypto.IVSize)
}

func TestLoadKeyReloadsSameKey(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.LoadKey(ctx))

	f := &types.File{}
	ciphertext, err := m.Encrypt([]byte("stable"), f)
	require.NoError(t, err)

	var master tpm.Static
	copy(master[:], []byte("0123456789abcdef0123456789abcdef"))
	m2 := NewManager(1, master, store.Keys(), logging.Nop())
	require.NoError(t, m2.LoadKey(ctx))

	plaintext, err := m2.Decrypt(ciphertext, f.EncryptionIV, f.EncryptedWithKeyVersion)
	require.NoError(t, err)
	assert.Equal(t, []byte("stable"), plaintext)
}

func TestEncryptStampsFileMetadata(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.LoadKey(context.Background()))

	f := &types.File{}
	ciphertext, err := m.Encrypt([]byte("hello"), f)
	require.NoError(t, err)

	assert.Equal(t, uint(1), f.EncryptedWithKeyVersion)
	iv, err := base64.StdEncoding.DecodeString(f.EncryptionIV)
	require.NoError(t, err)
	assert.Len(t, iv, crypto.IVSize)

	plaintext, err := m.Decrypt(ciphertext, f.EncryptionIV, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
}

func TestDecryptRejectsVersionMismatchOutsideRotation(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.LoadKey(context.Background()))

	f := &types.File{}
	ciphertext, err := m.Encrypt([]byte("hello"), f)
	require.NoError(t, err)

	_, err = m.Decrypt(ciphertext, f.EncryptionIV, 2)
	assert.ErrorIs(t, err, ErrKeyVersionMismatch)
}

func TestEncryptBeforeLoadFails(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Encrypt([]byte("x"), &types.File{})
	assert.ErrorIs(t, err, ErrKeyNotLoaded)
}

func TestRotationFlow(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.LoadKey(ctx))

	f := &types.File{}
	oldCiphertext, err := m.Encrypt([]byte("rotate me"), f)
	require.NoError(t, err)
	oldIV := f.EncryptionIV

	require.NoError(t, m.PrepareKeyRotation(ctx))
	assert.True(t, m.RotationInProgress())
	assert.Equal(t, uint(2), m.Version())

	// Idempotent while in progress.
	require.NoError(t, m.PrepareKeyRotation(ctx))
	assert.Equal(t, uint(2), m.Version())

	// Old-version ciphertext still readable during rotation.
	plaintext, err := m.Decrypt(oldCiphertext, oldIV, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotate me"), plaintext)

	newCiphertext, err := m.RotateDecryptEncrypt(oldCiphertext, f)
	require.NoError(t, err)
	assert.Equal(t, uint(2), f.EncryptedWithKeyVersion)
	assert.NotEqual(t, oldIV, f.EncryptionIV)

	require.NoError(t, m.FinishKeyRotation(ctx))
	assert.False(t, m.RotationInProgress())

	// Current-version ciphertext decrypts; the retired version is refused.
	plaintext, err = m.Decrypt(newCiphertext, f.EncryptionIV, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotate me"), plaintext)

	_, err = m.Decrypt(oldCiphertext, oldIV, 1)
	assert.ErrorIs(t, err, ErrKeyVersionMismatch)

	rotating, err := store.Keys().RotationInProgress(ctx, 1)
	require.NoError(t, err)
	assert.False(t, rotating)
}

func TestRotateSkipsCurrentVersionFiles(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.LoadKey(ctx))
	require.NoError(t, m.PrepareKeyRotation(ctx))

	f := &types.File{}
	ciphertext, err := m.Encrypt([]byte("fresh"), f)
	require.NoError(t, err)
	iv := f.EncryptionIV

	same, err := m.RotateDecryptEncrypt(ciphertext, f)
	require.NoError(t, err)
	assert.Equal(t, ciphertext, same)
	assert.Equal(t, iv, f.EncryptionIV)
}

func TestLoadKeyResumesRotation(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.LoadKey(ctx))

	f := &types.File{}
	oldCiphertext, err := m.Encrypt([]byte("mid-rotation"), f)
	require.NoError(t, err)

	require.NoError(t, m.PrepareKeyRotation(ctx))

	// Simulate a restart mid-rotation.
	var master tpm.Static
	copy(master[:], []byte("0123456789abcdef0123456789abcdef"))
	m2 := NewManager(1, master, store.Keys(), logging.Nop())
	require.NoError(t, m2.LoadKey(ctx))

	assert.True(t, m2.RotationInProgress())
	assert.Equal(t, uint(2), m2.Version())

	plaintext, err := m2.Decrypt(oldCiphertext, f.EncryptionIV, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("mid-rotation"), plaintext)
}
