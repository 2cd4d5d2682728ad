package sync

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/vaulthalla/vaulthalla/internal/engine"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

// DeleteKind selects what a Delete task actually removes.
type DeleteKind int

const (
	// DeleteLocal removes backing bytes, thumbnails and cached files.
	DeleteLocal DeleteKind = iota
	// DeleteRemote removes the object and its thumbnails.
	DeleteRemote
	// DeletePurge removes remote object, thumbnails and local remains of a
	// trashed file, then marks its trash row deleted.
	DeletePurge
)

// DeleteTarget names what to delete; exactly one of Trashed/File is set,
// with Rel always populated.
type DeleteTarget struct {
	Rel     string
	Trashed *types.TrashedFile
	File    *types.File
}

func runDelete(ctx context.Context, eng *engine.Engine, kind DeleteKind, target DeleteTarget) error {
	switch kind {
	case DeleteLocal:
		if target.Trashed != nil {
			return eng.RemoveTrashedLocally(ctx, target.Trashed)
		}
		if target.File != nil {
			return eng.Orchestrator().DropFile(ctx, target.File)
		}
		return nil

	case DeleteRemote:
		return eng.RemoveRemotely(ctx, target.Rel, true)

	case DeletePurge:
		if target.Trashed == nil {
			return fmt.Errorf("purge delete without a trashed row for %s", target.Rel)
		}
		return eng.Purge(ctx, target.Trashed)
	}
	return nil
}

// runRotateRange re-encrypts one contiguous range of rotation-eligible
// files under the vault's current key.
func runRotateRange(ctx context.Context, eng *engine.Engine, files []*types.File, begin, end int) error {
	keys := eng.Keys()
	policy := eng.CurrentPolicy()
	var firstErr error

	for _, f := range files[begin:end] {
		ciphertext, err := readCiphertext(ctx, eng, f)
		if err != nil {
			eng.Log().WithVault(f.VaultID).WithError(err).WithField("path", f.Path).
				Warn("rotate: cannot read ciphertext")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		rotated, err := keys.RotateDecryptEncrypt(ciphertext, f)
		if err != nil {
			eng.Log().WithVault(f.VaultID).WithError(err).WithField("path", f.Path).
				Warn("rotate: re-encryption failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		skipLocal := policy.Strategy == types.StrategyCache &&
			uint64(len(rotated)) > eng.FreeSpace(ctx)
		if !skipLocal {
			if err := os.WriteFile(f.BackingPath, rotated, 0o600); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}

		if eng.IsCloud() && eng.EncryptUpstream() {
			if err := eng.Upload(ctx, f, rotated, true); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}

		if err := eng.Store().Entries().UpsertFile(ctx, f); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func writeBacking(path string, payload []byte) error {
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("write backing: %w", err)
	}
	return nil
}

// readCiphertext pulls a file's ciphertext from the backing disk, falling
// back to the object store when the bytes are not resident (Cache mode).
func readCiphertext(ctx context.Context, eng *engine.Engine, f *types.File) ([]byte, error) {
	raw, err := os.ReadFile(f.BackingPath)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, os.ErrNotExist) || !eng.IsCloud() {
		return nil, err
	}
	body, _, derr := eng.DownloadToBuffer(ctx, f.Path)
	if derr != nil {
		return nil, derr
	}
	return body, nil
}
