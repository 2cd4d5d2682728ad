// Package engine implements per-vault storage engines. One data-owning
// struct covers both kinds; cloud-only state hangs off the Cloud field and
// callers dispatch on Kind, never on runtime casts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	vhfs "github.com/vaulthalla/vaulthalla/internal/fs"
	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/paths"
	"github.com/vaulthalla/vaulthalla/internal/preview"
	"github.com/vaulthalla/vaulthalla/internal/s3"
	"github.com/vaulthalla/vaulthalla/internal/types"
	"github.com/vaulthalla/vaulthalla/internal/vaultkeys"
)

// Kind distinguishes engine variants.
type Kind int

const (
	Local Kind = iota
	Cloud
)

// MinFreeSpace is always held back from the quota budget.
const MinFreeSpace uint64 = 10 * 1024 * 1024

// ErrQuotaExceeded is returned when a write would overrun the vault quota.
var ErrQuotaExceeded = errors.New("engine: quota exceeded")

// CloudState carries the S3 binding of a cloud engine.
type CloudState struct {
	S3              *s3.Controller
	APIKey          *types.APIKey
	Bucket          string
	EncryptUpstream bool
}

// Engine owns one vault's paths, key manager, policy and sync state for its
// lifetime.
type Engine struct {
	kind      Kind
	vault     *types.Vault
	policy    *types.Policy
	resolver  *paths.Resolver
	keys      *vaultkeys.Manager
	store     catalog.Store
	orch      *vhfs.Orchestrator
	log       *logging.Logger
	mountPath string

	// CloudKind-only state; nil for local engines.
	cloud *CloudState

	mu     sync.Mutex
	latest *types.SyncEvent
}

// NewLocal builds a local engine. mountPath is the vault root's
// mount-visible path ("/" for a root-mounted vault).
func NewLocal(vault *types.Vault, policy *types.Policy, resolver *paths.Resolver,
	keys *vaultkeys.Manager, store catalog.Store, orch *vhfs.Orchestrator,
	mountPath string, log *logging.Logger) *Engine {
	return &Engine{
		kind:      Local,
		vault:     vault,
		policy:    policy,
		resolver:  resolver,
		keys:      keys,
		store:     store,
		orch:      orch,
		mountPath: mountPath,
		log:       log,
	}
}

// NewCloud builds a cloud engine over an S3 controller.
func NewCloud(vault *types.Vault, policy *types.Policy, resolver *paths.Resolver,
	keys *vaultkeys.Manager, store catalog.Store, orch *vhfs.Orchestrator,
	mountPath string, cloud *CloudState, log *logging.Logger) *Engine {
	e := NewLocal(vault, policy, resolver, keys, store, orch, mountPath, log)
	e.kind = Cloud
	e.cloud = cloud
	return e
}

// Kind returns the engine variant.
func (e *Engine) Kind() Kind { return e.kind }

// IsCloud reports whether the engine syncs against an object store.
func (e *Engine) IsCloud() bool { return e.kind == Cloud }

// Vault, Paths and Keys satisfy the orchestrator's Engine interface.
func (e *Engine) Vault() *types.Vault          { return e.vault }
func (e *Engine) Paths() *paths.Resolver       { return e.resolver }
func (e *Engine) Keys() *vaultkeys.Manager     { return e.keys }
func (e *Engine) Store() catalog.Store         { return e.store }
func (e *Engine) Orchestrator() *vhfs.Orchestrator { return e.orch }
func (e *Engine) Log() *logging.Logger         { return e.log }

// SetPolicy swaps the policy after a catalog refresh.
func (e *Engine) SetPolicy(p *types.Policy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

// CurrentPolicy returns the live policy.
func (e *Engine) CurrentPolicy() *types.Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// FusePath maps a vault-relative path onto the mount-visible tree.
func (e *Engine) FusePath(rel string) string {
	rel = "/" + filepath.ToSlash(filepath.Clean("/"+rel))[1:]
	if e.mountPath == "/" || e.mountPath == "" {
		return rel
	}
	if rel == "/" {
		return e.mountPath
	}
	return e.mountPath + rel
}

// --- user-visible operations, delegated to the orchestrator ---

func (e *Engine) Mkdir(ctx context.Context, rel string, userID uint) error {
	_, err := e.orch.Mkdir(ctx, e.FusePath(rel), 0o755, userID, e)
	return err
}

func (e *Engine) CreateFile(ctx context.Context, req vhfs.CreateFileRequest) (*types.File, error) {
	req.FusePath = e.FusePath(req.FusePath)
	return e.orch.CreateFile(ctx, req, e)
}

func (e *Engine) Move(ctx context.Context, from, to string, userID uint) error {
	return e.orch.Rename(ctx, e.FusePath(from), e.FusePath(to), userID)
}

func (e *Engine) Rename(ctx context.Context, from, to string, userID uint) error {
	return e.orch.Rename(ctx, e.FusePath(from), e.FusePath(to), userID)
}

func (e *Engine) Copy(ctx context.Context, from, to string, userID uint) error {
	return e.orch.Copy(ctx, e.FusePath(from), e.FusePath(to), userID)
}

func (e *Engine) Remove(ctx context.Context, rel string, userID uint) error {
	return e.orch.Remove(ctx, e.FusePath(rel), userID)
}

// IsFile answers authoritatively via the catalog.
func (e *Engine) IsFile(ctx context.Context, rel string) bool {
	_, err := e.store.Entries().FileByPath(ctx, e.vault.ID, cleanRel(rel))
	return err == nil
}

// IsDirectory answers authoritatively via the catalog.
func (e *Engine) IsDirectory(ctx context.Context, rel string) bool {
	_, err := e.store.Entries().DirectoryByPath(ctx, e.vault.ID, cleanRel(rel))
	return err == nil
}

// Decrypt opens ciphertext for a file using the IV and key version recorded
// in the catalog.
func (e *Engine) Decrypt(ctx context.Context, f *types.File, ciphertext []byte) ([]byte, error) {
	iv, version := f.EncryptionIV, f.EncryptedWithKeyVersion
	if iv == "" {
		row, err := e.store.Entries().FileByPath(ctx, e.vault.ID, f.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve crypto metadata: %w", err)
		}
		iv, version = row.EncryptionIV, row.EncryptedWithKeyVersion
	}
	if iv == "" {
		return ciphertext, nil
	}
	return e.keys.Decrypt(ciphertext, iv, version)
}

// ReadPlaintext reads a file's backing bytes and decrypts them.
func (e *Engine) ReadPlaintext(f *types.File) ([]byte, error) {
	return e.orch.ReadFile(f, e)
}

// VaultBytes is the vault's live size per the catalog root stats.
func (e *Engine) VaultBytes(ctx context.Context) uint64 {
	root, err := e.store.Entries().DirectoryByPath(ctx, e.vault.ID, "/")
	if err != nil {
		return 0
	}
	return root.SizeBytes
}

// CacheBytes walks the vault's cache directories on disk.
func (e *Engine) CacheBytes() uint64 {
	var total uint64
	for _, root := range []paths.Root{paths.ThumbnailRoot, paths.FileCacheRoot} {
		total += dirSize(e.resolver.RootPath(root))
	}
	return total
}

// FreeSpace is quota - (vault + cache) - MinFreeSpace. A quota of zero
// disables enforcement and reports the backing filesystem's free bytes.
func (e *Engine) FreeSpace(ctx context.Context) uint64 {
	if e.vault.QuotaBytes == 0 {
		usage, err := disk.Usage(e.resolver.RootPath(paths.BackingRoot))
		if err != nil {
			e.log.WithVault(e.vault.ID).WithError(err).Warn("disk usage probe failed")
			return 0
		}
		if usage.Free <= MinFreeSpace {
			return 0
		}
		return usage.Free - MinFreeSpace
	}

	used := e.VaultBytes(ctx) + e.CacheBytes()
	if e.vault.QuotaBytes <= used+MinFreeSpace {
		return 0
	}
	return e.vault.QuotaBytes - used - MinFreeSpace
}

// NewSyncEvent persists the previous event if one is open and starts a new
// pending event with the policy hash pinned.
func (e *Engine) NewSyncEvent(ctx context.Context, trigger types.EventTrigger) (*types.SyncEvent, error) {
	e.mu.Lock()
	prev := e.latest
	e.mu.Unlock()

	if prev != nil {
		if err := e.store.Syncs().Save(ctx, prev); err != nil {
			return nil, fmt.Errorf("save previous event: %w", err)
		}
	}

	event := &types.SyncEvent{
		VaultID:    e.vault.ID,
		Status:     types.EventPending,
		Trigger:    trigger,
		ConfigHash: e.CurrentPolicy().Hash(),
	}
	if err := e.store.Syncs().Create(ctx, event); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.latest = event
	e.mu.Unlock()
	return event, nil
}

// LatestSyncEvent returns the engine's open event, if any.
func (e *Engine) LatestSyncEvent() *types.SyncEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// SaveSyncEvent persists the open event.
func (e *Engine) SaveSyncEvent(ctx context.Context) error {
	e.mu.Lock()
	event := e.latest
	e.mu.Unlock()
	if event == nil {
		return nil
	}
	return e.store.Syncs().Save(ctx, event)
}

// RemoveLocally removes a backing file, walks up deleting now-empty parents
// (stopping at the vault root), and drops thumbnails and cached bytes.
// Every step failure is logged and ignored: the goal is eventual tidiness.
func (e *Engine) RemoveLocally(rel string, alias string, backingPath string) {
	vaultRoot := e.resolver.RootPath(paths.BackingVaultRoot)
	logger := e.log.WithVault(e.vault.ID).WithField("path", rel)

	if backingPath != "" {
		if err := os.Remove(backingPath); err != nil && !os.IsNotExist(err) {
			logger.WithError(err).Debug("backing removal failed")
		}
		for dir := filepath.Dir(backingPath); dir != vaultRoot && len(dir) > len(vaultRoot); dir = filepath.Dir(dir) {
			if err := os.Remove(dir); err != nil {
				break // not empty or gone
			}
		}
	}

	if alias != "" {
		if err := preview.PurgeThumbnails(e.resolver.RootPath(paths.ThumbnailRoot), alias); err != nil {
			logger.WithError(err).Debug("thumbnail purge failed")
		}
	}
	if cached, err := e.resolver.Abs(rel, paths.FileCacheRoot); err == nil {
		if err := os.Remove(cached); err != nil && !os.IsNotExist(err) {
			logger.WithError(err).Debug("file cache removal failed")
		}
	}
}

// RemoveTrashedLocally removes a trashed file's local remains and marks the
// trash row deleted.
func (e *Engine) RemoveTrashedLocally(ctx context.Context, t *types.TrashedFile) error {
	e.RemoveLocally(t.Path, t.Base32Alias, t.BackingPath)
	return e.store.Trash().MarkDeleted(ctx, t.ID)
}

// PurgeThumbnails drops the rendered previews for a vault-relative path.
func (e *Engine) PurgeThumbnails(ctx context.Context, rel string) {
	f, err := e.store.Entries().FileByPath(ctx, e.vault.ID, cleanRel(rel))
	if err != nil {
		return
	}
	if err := preview.PurgeThumbnails(e.resolver.RootPath(paths.ThumbnailRoot), f.Base32Alias); err != nil {
		e.log.WithVault(e.vault.ID).WithError(err).Debug("thumbnail purge failed")
	}
}

func readBacking(f *types.File) ([]byte, error) {
	raw, err := os.ReadFile(f.BackingPath)
	if err != nil {
		return nil, fmt.Errorf("read backing: %w", err)
	}
	return raw, nil
}

func cleanRel(rel string) string {
	return "/" + filepath.ToSlash(filepath.Clean("/"+rel))[1:]
}

func dirSize(root string) uint64 {
	var total uint64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
