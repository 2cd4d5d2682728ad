// Package catalog defines the capability surface of the persistent catalog:
// vaults, policies, keys, entries, trash, pending operations and sync
// events. The store is the system's single source of truth; every public
// mutation executes in one transaction.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/types"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("catalog: not found")
	// ErrConflict is returned on a unique-constraint violation; callers
	// retry with the current row.
	ErrConflict = errors.New("catalog: conflict")
)

// Store bundles the catalog capabilities.
type Store interface {
	Users() UserStore
	Vaults() VaultStore
	Keys() KeyStore
	Entries() EntryStore
	Trash() TrashStore
	Operations() OperationStore
	Syncs() SyncStore

	// WithTx runs fn inside a single transaction; the transaction rides the
	// returned context into nested store calls.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	Close() error
}

// VaultFilter narrows List results.
type VaultFilter struct {
	OwnerID    uint
	Type       types.VaultType
	ActiveOnly bool
}

// Page bounds a listing.
type Page struct {
	Limit  int
	Offset int
}

// UserStore manages callers and their vault grants.
type UserStore interface {
	Get(ctx context.Context, id uint) (*types.User, error)
	GetByName(ctx context.Context, name string) (*types.User, error)
	List(ctx context.Context, page Page) ([]*types.User, error)
	Create(ctx context.Context, u *types.User) (uint, error)
	Update(ctx context.Context, u *types.User) error
	Delete(ctx context.Context, id uint) error

	Grant(ctx context.Context, g types.Grant) error
	Revoke(ctx context.Context, g types.Grant) error
	// Can evaluates whether the user holds the permission on the vault.
	// Superadmins hold everything; PermManage implies PermWrite implies
	// PermRead.
	Can(ctx context.Context, userID, vaultID uint, p types.Permission) (bool, error)
}

// VaultStore manages vaults, their policies and API keys.
type VaultStore interface {
	Upsert(ctx context.Context, v *types.Vault, p *types.Policy) (uint, error)
	Get(ctx context.Context, id uint) (*types.Vault, error)
	GetByName(ctx context.Context, name string) (*types.Vault, error)
	List(ctx context.Context, f VaultFilter, page Page) ([]*types.Vault, error)
	Remove(ctx context.Context, id uint) error

	Policy(ctx context.Context, vaultID uint) (*types.Policy, error)
	UpdatePolicy(ctx context.Context, p *types.Policy) error

	APIKey(ctx context.Context, id uint) (*types.APIKey, error)
	PutAPIKey(ctx context.Context, k *types.APIKey) (uint, error)
}

// KeyStore manages sealed vault keys and the rotation marker.
type KeyStore interface {
	Newest(ctx context.Context, vaultID uint) (*types.VaultKey, error)
	// Previous returns the second-newest key; only meaningful while a
	// rotation is in progress.
	Previous(ctx context.Context, vaultID uint) (*types.VaultKey, error)
	Add(ctx context.Context, k *types.VaultKey) error
	SetRotationInProgress(ctx context.Context, vaultID uint, inProgress bool) error
	RotationInProgress(ctx context.Context, vaultID uint) (bool, error)
}

// EntryStore manages directories and files.
type EntryStore interface {
	UpsertDirectory(ctx context.Context, d *types.Directory) error
	UpsertFile(ctx context.Context, f *types.File) error

	ByID(ctx context.Context, id uint) (types.Node, error)
	ByInode(ctx context.Context, inode uint64) (types.Node, error)
	// ByPath resolves a vault-relative path.
	ByPath(ctx context.Context, vaultID uint, path string) (types.Node, error)
	// ByFusePath resolves a mount-visible path across vaults.
	ByFusePath(ctx context.Context, fusePath string) (types.Node, error)

	FileByPath(ctx context.Context, vaultID uint, path string) (*types.File, error)
	DirectoryByPath(ctx context.Context, vaultID uint, path string) (*types.Directory, error)

	ListDir(ctx context.Context, parentID uint, recursive bool) ([]types.Node, error)
	ListFiles(ctx context.Context, vaultID uint) ([]*types.File, error)
	// FilesBelowKeyVersion lists live files eligible for key rotation.
	FilesBelowKeyVersion(ctx context.Context, vaultID uint, version uint) ([]*types.File, error)

	NextInode(ctx context.Context) (uint64, error)
	Delete(ctx context.Context, id uint) error

	// CollectParentStats recomputes the cached stats of the directory and
	// every ancestor up to the root, inside the surrounding transaction.
	CollectParentStats(ctx context.Context, parentID uint) error
}

// TrashStore manages trashed files awaiting reclaim.
type TrashStore interface {
	Add(ctx context.Context, t *types.TrashedFile) error
	MarkDeleted(ctx context.Context, id uint) error
	List(ctx context.Context, vaultID uint) ([]*types.TrashedFile, error)
	// Sweep removes rows already marked deleted.
	Sweep(ctx context.Context, vaultID uint) error
}

// OperationStore manages pending move/rename/copy records. Enqueue replaces
// any outstanding operation for the same file.
type OperationStore interface {
	Enqueue(ctx context.Context, op *types.Operation) error
	ListByVault(ctx context.Context, vaultID uint) ([]*types.Operation, error)
	Clear(ctx context.Context, id uint) error
}

// SyncStore manages sync events with their throughputs and conflicts.
type SyncStore interface {
	Create(ctx context.Context, e *types.SyncEvent) error
	Save(ctx context.Context, e *types.SyncEvent) error
	Heartbeat(ctx context.Context, eventID uint, at time.Time) error
	Latest(ctx context.Context, vaultID uint) (*types.SyncEvent, error)
	List(ctx context.Context, vaultID uint, page Page) ([]*types.SyncEvent, error)
}
