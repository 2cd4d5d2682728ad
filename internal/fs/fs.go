// Package fs implements the mount-level filesystem orchestrator: create,
// rename, copy and remove across vaults, coordinating crypto, backing disk,
// catalog, entry cache and the preview sink.
package fs

import (
	"errors"
	"sync"

	"github.com/vaulthalla/vaulthalla/internal/paths"
	"github.com/vaulthalla/vaulthalla/internal/types"
	"github.com/vaulthalla/vaulthalla/internal/vaultkeys"
)

var (
	// ErrParentNotFound is returned when an ancestor of the target path is
	// missing and cannot be created.
	ErrParentNotFound = errors.New("fs: parent not found")
	// ErrNotADirectory is returned when a path component resolves to a file.
	ErrNotADirectory = errors.New("fs: not a directory")
	// ErrIsDirectory is returned when a file operation hits a directory.
	ErrIsDirectory = errors.New("fs: is a directory")
	// ErrCrossVaultCopy is returned for copies spanning two vaults.
	ErrCrossVaultCopy = errors.New("fs: cross-vault copy unsupported")
	// ErrExists is returned when a directory create collides with a file.
	ErrExists = errors.New("fs: entry exists")
	// ErrNoVault is returned when a path resolves to no mounted vault.
	ErrNoVault = errors.New("fs: no vault for path")
)

// Engine is the slice of a storage engine the orchestrator needs: the
// engines delegate their user-visible operations here with themselves bound.
type Engine interface {
	Vault() *types.Vault
	Paths() *paths.Resolver
	Keys() *vaultkeys.Manager
}

// EngineResolver finds the engine bound to a vault; the daemon's engine
// registry implements it.
type EngineResolver interface {
	EngineFor(vaultID uint) (Engine, bool)
}

// HandleTable counts open FUSE handles per inode so backing removal can be
// deferred while a file is still open.
type HandleTable struct {
	mu    sync.Mutex
	open  map[uint64]int
}

// NewHandleTable returns an empty table.
func NewHandleTable() *HandleTable {
	return &HandleTable{open: make(map[uint64]int)}
}

// Retain records one more open handle on inode.
func (h *HandleTable) Retain(inode uint64) {
	h.mu.Lock()
	h.open[inode]++
	h.mu.Unlock()
}

// Release drops one handle; the count never goes negative.
func (h *HandleTable) Release(inode uint64) {
	h.mu.Lock()
	if h.open[inode] > 1 {
		h.open[inode]--
	} else {
		delete(h.open, inode)
	}
	h.mu.Unlock()
}

// InUse reports whether any handle is open on inode.
func (h *HandleTable) InUse(inode uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open[inode] > 0
}
