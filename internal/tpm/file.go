package tpm

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vaulthalla/vaulthalla/internal/logging"
)

const devKeyName = "master.devkey"

// FileProvider keeps the master key in a plain 0600 file. It exists for
// development machines without a TPM and must be enabled explicitly in
// config; the daemon logs a warning at startup.
type FileProvider struct {
	key [32]byte
}

// NewFileProvider loads or creates the key file under runtimeDir.
func NewFileProvider(runtimeDir string, log *logging.Logger) (*FileProvider, error) {
	path := filepath.Join(runtimeDir, devKeyName)
	p := &FileProvider{}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != 32 {
			return nil, fmt.Errorf("%w: %s has %d bytes", ErrTPMUnavailable, path, len(raw))
		}
		copy(p.key[:], raw)
	case os.IsNotExist(err):
		if _, err := io.ReadFull(rand.Reader, p.key[:]); err != nil {
			return nil, fmt.Errorf("%w: generate key: %v", ErrTPMUnavailable, err)
		}
		if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: mkdir runtime: %v", ErrTPMUnavailable, err)
		}
		if err := os.WriteFile(path, p.key[:], 0o600); err != nil {
			return nil, fmt.Errorf("%w: write %s: %v", ErrTPMUnavailable, path, err)
		}
	default:
		return nil, fmt.Errorf("%w: read %s: %v", ErrTPMUnavailable, path, err)
	}

	log.WithSubsystem().Warn("master key held in a file, not a TPM; do not use in production")
	return p, nil
}

// MasterKey returns the loaded master key.
func (p *FileProvider) MasterKey() [32]byte { return p.key }

// Close zeroes the in-memory key.
func (p *FileProvider) Close() error {
	p.key = [32]byte{}
	return nil
}

// Static wraps a fixed key; used by tests.
type Static [32]byte

func (s Static) MasterKey() [32]byte { return [32]byte(s) }
func (s Static) Close() error        { return nil }
