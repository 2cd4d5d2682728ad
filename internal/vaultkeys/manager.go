// Package vaultkeys manages per-vault data keys: loading, sealing under the
// master key, encrypt/decrypt of file contents and online rotation.
package vaultkeys

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/tpm"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

// ErrKeyVersionMismatch is returned when a ciphertext names a key version
// the manager does not hold. Outside rotation there is no fallback.
var ErrKeyVersionMismatch = errors.New("vaultkeys: key version mismatch")

// ErrKeyNotLoaded is returned when encrypt/decrypt run before LoadKey.
var ErrKeyNotLoaded = errors.New("vaultkeys: key not loaded")

// Manager holds one vault's key material. It is accessed by the orchestrator
// and by at most one sync task at a time; Prepare/Finish are serialised by
// an internal mutex and the rotation flag is atomic.
type Manager struct {
	vaultID  uint
	provider tpm.Provider
	keys     catalog.KeyStore
	log      *logging.Logger

	mu       sync.Mutex
	version  uint
	current  []byte
	previous []byte
	loaded   bool
	rotating atomic.Bool
}

// NewManager binds a manager to one vault.
func NewManager(vaultID uint, provider tpm.Provider, keys catalog.KeyStore, log *logging.Logger) *Manager {
	return &Manager{vaultID: vaultID, provider: provider, keys: keys, log: log}
}

// LoadKey materialises the newest vault key, creating version 1 if the vault
// has none. When the catalog marks a rotation in progress the previous
// version is loaded as well.
func (m *Manager) LoadKey(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, err := m.keys.Newest(ctx, m.vaultID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		key, err := crypto.NewKey()
		if err != nil {
			return err
		}
		row = &types.VaultKey{VaultID: m.vaultID, Version: 1}
		if row.EncryptedKey, row.IV, err = m.seal(key); err != nil {
			return err
		}
		if err := m.keys.Add(ctx, row); err != nil {
			return fmt.Errorf("persist vault key: %w", err)
		}
		m.version, m.current, m.loaded = 1, key, true
		m.log.WithVault(m.vaultID).Info("generated vault key version 1")
		return nil
	case err != nil:
		return fmt.Errorf("load vault key: %w", err)
	}

	key, err := m.unseal(row)
	if err != nil {
		return err
	}
	m.version, m.current, m.loaded = row.Version, key, true

	rotating, err := m.keys.RotationInProgress(ctx, m.vaultID)
	if err != nil {
		return err
	}
	m.rotating.Store(rotating)
	if rotating {
		prevRow, err := m.keys.Previous(ctx, m.vaultID)
		if err != nil {
			return fmt.Errorf("load previous key during rotation: %w", err)
		}
		if m.previous, err = m.unseal(prevRow); err != nil {
			return err
		}
		m.log.WithVault(m.vaultID).WithField("version", m.version).
			Warn("resumed with key rotation in progress")
	}
	return nil
}

// Encrypt seals plaintext under the current key with a fresh IV and stamps
// the file's encryption metadata.
func (m *Manager) Encrypt(plaintext []byte, f *types.File) ([]byte, error) {
	m.mu.Lock()
	key, version, loaded := m.current, m.version, m.loaded
	m.mu.Unlock()
	if !loaded {
		return nil, ErrKeyNotLoaded
	}

	ciphertext, iv, err := crypto.Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	f.EncryptionIV = base64.StdEncoding.EncodeToString(iv)
	f.EncryptedWithKeyVersion = version
	return ciphertext, nil
}

// Decrypt opens ciphertext with the key identified by keyVersion. During a
// rotation both the current and the previous version are accepted.
func (m *Manager) Decrypt(ciphertext []byte, ivB64 string, keyVersion uint) ([]byte, error) {
	key, err := m.keyForVersion(keyVersion)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv encoding: %v", crypto.ErrDecryptionFailed, err)
	}
	return crypto.Decrypt(ciphertext, key, iv)
}

func (m *Manager) keyForVersion(version uint) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil, ErrKeyNotLoaded
	}
	switch {
	case version == m.version:
		return m.current, nil
	case m.rotating.Load() && m.previous != nil && version == m.version-1:
		return m.previous, nil
	}
	return nil, fmt.Errorf("%w: have %d, ciphertext has %d", ErrKeyVersionMismatch, m.version, version)
}

// PrepareKeyRotation mints and persists version N+1, keeps the old key as
// previous and raises the rotation flag. Idempotent while in progress.
func (m *Manager) PrepareKeyRotation(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return ErrKeyNotLoaded
	}
	if m.rotating.Load() {
		return nil
	}

	key, err := crypto.NewKey()
	if err != nil {
		return err
	}
	row := &types.VaultKey{VaultID: m.vaultID, Version: m.version + 1}
	if row.EncryptedKey, row.IV, err = m.seal(key); err != nil {
		return err
	}
	if err := m.keys.Add(ctx, row); err != nil {
		return fmt.Errorf("persist rotated key: %w", err)
	}
	if err := m.keys.SetRotationInProgress(ctx, m.vaultID, true); err != nil {
		return err
	}

	m.previous = m.current
	m.current = key
	m.version = row.Version
	m.rotating.Store(true)
	m.log.WithVault(m.vaultID).WithField("version", m.version).Info("key rotation prepared")
	return nil
}

// RotateDecryptEncrypt re-encrypts ciphertext recorded under the file's old
// key version with the current key, updating the file's metadata. Files
// already on the current version pass through unchanged.
func (m *Manager) RotateDecryptEncrypt(ciphertext []byte, f *types.File) ([]byte, error) {
	if !m.rotating.Load() {
		return nil, fmt.Errorf("vaultkeys: rotation not in progress")
	}
	if f.EncryptedWithKeyVersion == m.Version() {
		return ciphertext, nil
	}
	plaintext, err := m.Decrypt(ciphertext, f.EncryptionIV, f.EncryptedWithKeyVersion)
	if err != nil {
		return nil, err
	}
	return m.Encrypt(plaintext, f)
}

// FinishKeyRotation drops the previous key and clears the catalog marker.
func (m *Manager) FinishKeyRotation(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rotating.Load() {
		return nil
	}
	if err := m.keys.SetRotationInProgress(ctx, m.vaultID, false); err != nil {
		return err
	}
	m.previous = nil
	m.rotating.Store(false)
	m.log.WithVault(m.vaultID).WithField("version", m.version).Info("key rotation finished")
	return nil
}

// Version returns the current key version.
func (m *Manager) Version() uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// RotationInProgress reports the atomic rotation flag.
func (m *Manager) RotationInProgress() bool { return m.rotating.Load() }

// VaultID returns the bound vault.
func (m *Manager) VaultID() uint { return m.vaultID }

func (m *Manager) seal(key []byte) (encrypted, iv []byte, err error) {
	master := m.provider.MasterKey()
	return sealWith(master[:], key)
}

func (m *Manager) unseal(row *types.VaultKey) ([]byte, error) {
	master := m.provider.MasterKey()
	key, err := crypto.Decrypt(row.EncryptedKey, master[:], row.IV)
	if err != nil {
		return nil, fmt.Errorf("unseal vault key v%d: %w", row.Version, err)
	}
	return key, nil
}

func sealWith(master, key []byte) (encrypted, iv []byte, err error) {
	encrypted, iv, err = crypto.Encrypt(key, master)
	if err != nil {
		return nil, nil, fmt.Errorf("seal vault key: %w", err)
	}
	return encrypted, iv, nil
}
