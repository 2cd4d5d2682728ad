package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/entrycache"
	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/paths"
	"github.com/vaulthalla/vaulthalla/internal/preview"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

// RunNowFunc asks the sync controller to schedule a vault's task promptly.
type RunNowFunc func(vaultID uint, trigger types.EventTrigger)

// Orchestrator coordinates mount-level mutations across the catalog, the
// entry cache, vault crypto, the backing disk and the preview sink.
type Orchestrator struct {
	store    catalog.Store
	cache    *entrycache.Cache
	sink     preview.Sink
	resolver EngineResolver
	handles  *HandleTable
	log      *logging.Logger
	runNow   RunNowFunc

	mu     sync.Mutex
	idgens map[uint]*crypto.IDGenerator
}

// NewOrchestrator wires the orchestrator. runNow may be nil until the sync
// controller is up; SetRunNow installs it later.
func NewOrchestrator(store catalog.Store, cache *entrycache.Cache, sink preview.Sink,
	resolver EngineResolver, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		cache:    cache,
		sink:     sink,
		resolver: resolver,
		handles:  NewHandleTable(),
		log:      log,
		idgens:   make(map[uint]*crypto.IDGenerator),
	}
}

// SetRunNow installs the sync controller hook.
func (o *Orchestrator) SetRunNow(fn RunNowFunc) { o.runNow = fn }

// Handles exposes the per-inode open handle table.
func (o *Orchestrator) Handles() *HandleTable { return o.handles }

func (o *Orchestrator) notify(vaultID uint) {
	if o.runNow != nil && vaultID != 0 {
		o.runNow(vaultID, types.TriggerManual)
	}
}

func (o *Orchestrator) alias(vaultID uint) (string, error) {
	o.mu.Lock()
	g, ok := o.idgens[vaultID]
	if !ok {
		var err error
		g, err = crypto.NewIDGenerator(crypto.DefaultIDOptions("vault-" + strconv.FormatUint(uint64(vaultID), 10)))
		if err != nil {
			o.mu.Unlock()
			return "", err
		}
		o.idgens[vaultID] = g
	}
	o.mu.Unlock()
	return g.Generate()
}

// SeedRoot creates the mount root entry with inode 1 if it is missing.
// Called once at daemon init.
func (o *Orchestrator) SeedRoot(ctx context.Context) error {
	return o.store.WithTx(ctx, func(ctx context.Context) error {
		_, err := o.store.Entries().ByFusePath(ctx, "/")
		if err == nil {
			return nil
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
		root := &types.Directory{Entry: types.Entry{
			Inode:    types.RootInode,
			Name:     "/",
			Path:     "/",
			FusePath: "/",
			Mode:     0o755,
		}}
		if err := o.store.Entries().UpsertDirectory(ctx, root); err != nil {
			return err
		}
		o.cache.Put(root)
		return nil
	})
}

// Mkdir creates the directory at fusePath, walking and creating the chain
// of missing ancestors inside the owning vault.
func (o *Orchestrator) Mkdir(ctx context.Context, fusePath string, mode uint32, userID uint, eng Engine) (*types.Directory, error) {
	var d *types.Directory
	err := o.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		d, err = o.mkdirTx(ctx, fusePath, mode, userID, eng)
		return err
	})
	if err != nil {
		return nil, err
	}
	if d.VaultID != 0 {
		o.notify(d.VaultID)
	}
	return d, nil
}

func (o *Orchestrator) mkdirTx(ctx context.Context, fusePath string, mode uint32, userID uint, eng Engine) (*types.Directory, error) {
	fusePath = cleanFuse(fusePath)

	if n, err := o.store.Entries().ByFusePath(ctx, fusePath); err == nil {
		d, ok := n.(*types.Directory)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotADirectory, fusePath)
		}
		return d, nil
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	parentNode, err := o.store.Entries().ByFusePath(ctx, "/")
	if err != nil {
		return nil, fmt.Errorf("%w: mount root not seeded", ErrParentNotFound)
	}
	cur, ok := parentNode.(*types.Directory)
	if !ok {
		return nil, ErrNotADirectory
	}

	walked := "/"
	for _, seg := range splitFuse(fusePath) {
		walked = joinFuse(walked, seg)
		n, err := o.store.Entries().ByFusePath(ctx, walked)
		switch {
		case err == nil:
			d, ok := n.(*types.Directory)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrNotADirectory, walked)
			}
			cur = d
		case errors.Is(err, catalog.ErrNotFound):
			d, err := o.createDirTx(ctx, cur, seg, walked, mode, userID, eng)
			if err != nil {
				return nil, err
			}
			cur = d
		default:
			return nil, err
		}
	}
	return cur, nil
}

func (o *Orchestrator) createDirTx(ctx context.Context, parent *types.Directory, name, fusePath string, mode uint32, userID uint, eng Engine) (*types.Directory, error) {
	vaultID := parent.VaultID
	if vaultID == 0 {
		if eng == nil {
			return nil, fmt.Errorf("%w: %s is outside any vault", ErrParentNotFound, fusePath)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoVault, fusePath)
	}

	alias, err := o.alias(vaultID)
	if err != nil {
		return nil, err
	}
	inode, err := o.store.Entries().NextInode(ctx)
	if err != nil {
		return nil, err
	}

	d := &types.Directory{Entry: types.Entry{
		Inode:          inode,
		VaultID:        vaultID,
		ParentID:       &parent.ID,
		Name:           name,
		Base32Alias:    alias,
		Path:           childRel(parent.Path, name),
		FusePath:       fusePath,
		BackingPath:    filepath.Join(parent.BackingPath, alias),
		Mode:           mode,
		CreatedBy:      userID,
		LastModifiedBy: userID,
	}}
	if err := o.store.Entries().UpsertDirectory(ctx, d); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.BackingPath, 0o700); err != nil {
		return nil, fmt.Errorf("create backing dir: %w", err)
	}
	if err := o.store.Entries().CollectParentStats(ctx, parent.ID); err != nil {
		return nil, err
	}
	o.cache.Put(d)
	return d, nil
}

// MkVault creates (or adopts, for "/") the vault's root directory. The
// backing path is always backing_root/<mount_alias>.
func (o *Orchestrator) MkVault(ctx context.Context, fusePath string, vault *types.Vault, mode uint32, eng Engine) (*types.Directory, error) {
	fusePath = cleanFuse(fusePath)
	backing := eng.Paths().RootPath(paths.BackingVaultRoot)

	var d *types.Directory
	err := o.store.WithTx(ctx, func(ctx context.Context) error {
		if fusePath == "/" {
			n, err := o.store.Entries().ByFusePath(ctx, "/")
			if err != nil {
				return fmt.Errorf("%w: mount root not seeded", ErrParentNotFound)
			}
			root, ok := n.(*types.Directory)
			if !ok {
				return ErrNotADirectory
			}
			root.VaultID = vault.ID
			root.BackingPath = backing
			root.Base32Alias = vault.MountAlias
			root.Mode = mode
			root.CreatedBy = vault.OwnerID
			root.LastModifiedBy = vault.OwnerID
			if err := o.store.Entries().UpsertDirectory(ctx, root); err != nil {
				return err
			}
			o.cache.Put(root)
			d = root
			return nil
		}

		parent, err := o.mkdirTx(ctx, parentFuse(fusePath), mode, vault.OwnerID, nil)
		if err != nil {
			return err
		}
		inode, err := o.store.Entries().NextInode(ctx)
		if err != nil {
			return err
		}
		d = &types.Directory{Entry: types.Entry{
			Inode:          inode,
			VaultID:        vault.ID,
			ParentID:       &parent.ID,
			Name:           path.Base(fusePath),
			Base32Alias:    vault.MountAlias,
			Path:           "/",
			FusePath:       fusePath,
			BackingPath:    backing,
			Mode:           mode,
			CreatedBy:      vault.OwnerID,
			LastModifiedBy: vault.OwnerID,
		}}
		if err := o.store.Entries().UpsertDirectory(ctx, d); err != nil {
			return err
		}
		o.cache.Put(d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(backing, 0o700); err != nil {
		return nil, fmt.Errorf("create vault backing dir: %w", err)
	}
	return d, nil
}

// CreateFileRequest parameterises CreateFile.
type CreateFileRequest struct {
	FusePath  string
	Buffer    []byte
	Mode      uint32
	UserID    uint
	Overwrite bool
	// SkipSync suppresses the run-now nudge; downloads materialised by the
	// sync task itself set it.
	SkipSync bool
}

// CreateFile writes (encrypting non-empty buffers) a new backing file and
// its catalog row. With Overwrite false an existing file is returned
// untouched; with Overwrite true its contents are replaced atomically.
func (o *Orchestrator) CreateFile(ctx context.Context, req CreateFileRequest, eng Engine) (*types.File, error) {
	fusePath := cleanFuse(req.FusePath)

	var f *types.File
	err := o.store.WithTx(ctx, func(ctx context.Context) error {
		parent, err := o.mkdirTx(ctx, parentFuse(fusePath), 0o755, req.UserID, eng)
		if err != nil {
			return err
		}

		if n, err := o.store.Entries().ByFusePath(ctx, fusePath); err == nil {
			existing, ok := n.(*types.File)
			if !ok {
				return fmt.Errorf("%w: %s", ErrIsDirectory, fusePath)
			}
			if !req.Overwrite {
				f = existing
				return nil
			}
			f = existing
		} else if !errors.Is(err, catalog.ErrNotFound) {
			return err
		}

		if f == nil {
			alias, err := o.alias(parent.VaultID)
			if err != nil {
				return err
			}
			inode, err := o.store.Entries().NextInode(ctx)
			if err != nil {
				return err
			}
			f = &types.File{Entry: types.Entry{
				Inode:       inode,
				VaultID:     parent.VaultID,
				ParentID:    &parent.ID,
				Name:        path.Base(fusePath),
				Base32Alias: alias,
				Path:        childRel(parent.Path, path.Base(fusePath)),
				FusePath:    fusePath,
				BackingPath: filepath.Join(parent.BackingPath, alias),
				Mode:        req.Mode,
				CreatedBy:   req.UserID,
			}}
		}
		f.LastModifiedBy = req.UserID

		payload := req.Buffer
		if len(req.Buffer) > 0 {
			payload, err = eng.Keys().Encrypt(req.Buffer, f)
			if err != nil {
				return err
			}
		} else {
			f.EncryptionIV = ""
			f.EncryptedWithKeyVersion = 0
		}

		if err := writeAtomic(f.BackingPath, payload); err != nil {
			return err
		}

		f.SizeBytes = uint64(len(req.Buffer))
		f.ContentHash = crypto.Sum(req.Buffer)
		f.MimeType = MimeType(f.Name, req.Buffer)

		if err := o.store.Entries().UpsertFile(ctx, f); err != nil {
			return err
		}
		if err := o.store.Entries().CollectParentStats(ctx, parent.ID); err != nil {
			return err
		}
		o.cache.Put(f)
		o.sink.Enqueue(f, req.Buffer)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !req.SkipSync {
		o.notify(f.VaultID)
	}
	return f, nil
}

// ReadFile returns a file's plaintext, decrypting through the vault keys
// when the backing bytes are ciphertext.
func (o *Orchestrator) ReadFile(f *types.File, eng Engine) ([]byte, error) {
	raw, err := os.ReadFile(f.BackingPath)
	if err != nil {
		return nil, fmt.Errorf("read backing: %w", err)
	}
	if !f.Encrypted() {
		return raw, nil
	}
	return eng.Keys().Decrypt(raw, f.EncryptionIV, f.EncryptedWithKeyVersion)
}

type renameMove struct {
	from, to string
}

// Rename moves an entry (and all descendants for directories) to newFuse.
// Renames within one vault keep ciphertext and aliases untouched and only
// move the backing sub-tree; cross-vault renames re-encrypt every file
// under the target vault's key. The whole traversal commits in one catalog
// transaction; the old backing sub-tree is removed only after commit.
func (o *Orchestrator) Rename(ctx context.Context, oldFuse, newFuse string, userID uint) error {
	oldFuse, newFuse = cleanFuse(oldFuse), cleanFuse(newFuse)
	if oldFuse == "/" {
		return fmt.Errorf("%w: cannot rename mount root", ErrIsDirectory)
	}

	var moves []renameMove
	var removeAfter []string
	var srcVault, dstVault uint

	err := o.store.WithTx(ctx, func(ctx context.Context) error {
		moves, removeAfter = nil, nil

		n, err := o.store.Entries().ByFusePath(ctx, oldFuse)
		if err != nil {
			return err
		}
		if _, err := o.store.Entries().ByFusePath(ctx, newFuse); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, newFuse)
		} else if !errors.Is(err, catalog.ErrNotFound) {
			return err
		}

		meta := n.Meta()
		srcVault = meta.VaultID
		srcEng, ok := o.resolver.EngineFor(srcVault)
		if !ok {
			return fmt.Errorf("%w: vault %d", ErrNoVault, srcVault)
		}

		newParent, err := o.mkdirTx(ctx, parentFuse(newFuse), 0o755, userID, srcEng)
		if err != nil {
			return err
		}
		dstVault = newParent.VaultID
		dstEng, ok := o.resolver.EngineFor(dstVault)
		if !ok {
			return fmt.Errorf("%w: vault %d", ErrNoVault, dstVault)
		}
		sameVault := srcVault == dstVault

		oldParentID := meta.ParentID

		oldSelfPath, oldSelfBacking := meta.Path, meta.BackingPath
		newName := path.Base(newFuse)
		newSelfPath := childRel(newParent.Path, newName)
		newSelfBacking := filepath.Join(newParent.BackingPath, meta.Base32Alias)

		subtree := []types.Node{n}
		if n.IsDir() {
			children, err := o.store.Entries().ListDir(ctx, meta.ID, true)
			if err != nil {
				return err
			}
			subtree = append(subtree, children...)
		}

		sameParent := oldParentID != nil && *oldParentID == newParent.ID

		for _, node := range subtree {
			m := node.Meta()
			oldNodeFuse := m.FusePath
			oldNodeBacking := m.BackingPath

			if m.ID == meta.ID {
				m.Name = newName
				m.ParentID = &newParent.ID
				m.FusePath = newFuse
				m.Path = newSelfPath
				m.BackingPath = newSelfBacking
			} else {
				m.FusePath = newFuse + strings.TrimPrefix(m.FusePath, oldFuse)
				m.Path = newSelfPath + strings.TrimPrefix(m.Path, oldSelfPath)
				m.BackingPath = filepath.Join(newSelfBacking, strings.TrimPrefix(m.BackingPath, oldSelfBacking))
			}
			m.VaultID = dstVault
			m.LastModifiedBy = userID

			switch e := node.(type) {
			case *types.Directory:
				if err := o.store.Entries().UpsertDirectory(ctx, e); err != nil {
					return err
				}
			case *types.File:
				if sameVault {
					// Fast path: ciphertext and IV travel untouched.
					if err := o.store.Entries().UpsertFile(ctx, e); err != nil {
						return err
					}
				} else {
					plaintext, err := o.readFrom(oldNodeBacking, e, srcEng)
					if err != nil {
						return err
					}
					payload := plaintext
					if len(plaintext) > 0 {
						if payload, err = dstEng.Keys().Encrypt(plaintext, e); err != nil {
							return err
						}
					}
					if err := os.MkdirAll(filepath.Dir(e.BackingPath), 0o700); err != nil {
						return err
					}
					if err := writeAtomic(e.BackingPath, payload); err != nil {
						return err
					}
					if err := o.store.Entries().UpsertFile(ctx, e); err != nil {
						return err
					}
					o.sink.Enqueue(e, plaintext)
				}

				if engineIsCloud(dstEng) {
					op := types.OpMove
					if sameParent && m.ID == meta.ID {
						op = types.OpRename
					}
					srcPath := oldSelfPath + strings.TrimPrefix(e.Path, newSelfPath)
					if m.ID == meta.ID {
						srcPath = oldSelfPath
					}
					if err := o.store.Operations().Enqueue(ctx, &types.Operation{
						VaultID:         dstVault,
						FileID:          e.ID,
						Op:              op,
						SourcePath:      srcPath,
						DestinationPath: e.Path,
					}); err != nil {
						return err
					}
				}
			}
			o.cache.EvictPath(oldNodeFuse)
			o.cache.Put(node)
		}

		if sameVault {
			// A rename within the same parent keeps alias and parent, so the
			// backing path does not change and there is nothing to move.
			if oldSelfBacking != newSelfBacking {
				moves = append(moves, renameMove{from: oldSelfBacking, to: newSelfBacking})
			}
		} else {
			removeAfter = append(removeAfter, oldSelfBacking)
		}

		if oldParentID != nil {
			if err := o.store.Entries().CollectParentStats(ctx, *oldParentID); err != nil {
				return err
			}
		}
		return o.store.Entries().CollectParentStats(ctx, newParent.ID)
	})
	if err != nil {
		return err
	}

	for _, mv := range moves {
		if err := os.MkdirAll(filepath.Dir(mv.to), 0o700); err != nil {
			return fmt.Errorf("rename backing: %w", err)
		}
		if err := os.Rename(mv.from, mv.to); err != nil {
			return fmt.Errorf("rename backing: %w", err)
		}
	}
	for _, p := range removeAfter {
		if err := os.RemoveAll(p); err != nil {
			o.log.WithSubsystem().WithError(err).WithField("path", p).
				Warn("failed to remove old backing sub-tree")
		}
	}

	o.notify(srcVault)
	if dstVault != srcVault {
		o.notify(dstVault)
	}
	return nil
}

func (o *Orchestrator) readFrom(backingPath string, f *types.File, eng Engine) ([]byte, error) {
	raw, err := os.ReadFile(backingPath)
	if err != nil {
		return nil, fmt.Errorf("read backing: %w", err)
	}
	if !f.Encrypted() {
		return raw, nil
	}
	return eng.Keys().Decrypt(raw, f.EncryptionIV, f.EncryptedWithKeyVersion)
}

// Copy duplicates an entry within its vault under fresh ids, inodes,
// aliases and IVs. Cross-vault copies are rejected.
func (o *Orchestrator) Copy(ctx context.Context, fromFuse, toFuse string, userID uint) error {
	fromFuse, toFuse = cleanFuse(fromFuse), cleanFuse(toFuse)

	var vaultID uint
	err := o.store.WithTx(ctx, func(ctx context.Context) error {
		n, err := o.store.Entries().ByFusePath(ctx, fromFuse)
		if err != nil {
			return err
		}
		meta := n.Meta()
		vaultID = meta.VaultID
		eng, ok := o.resolver.EngineFor(vaultID)
		if !ok {
			return fmt.Errorf("%w: vault %d", ErrNoVault, vaultID)
		}

		newParent, err := o.mkdirTx(ctx, parentFuse(toFuse), 0o755, userID, eng)
		if err != nil {
			return err
		}
		if newParent.VaultID != vaultID {
			return ErrCrossVaultCopy
		}
		if _, err := o.store.Entries().ByFusePath(ctx, toFuse); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, toFuse)
		} else if !errors.Is(err, catalog.ErrNotFound) {
			return err
		}

		if err := o.copyNodeTx(ctx, n, newParent, path.Base(toFuse), toFuse, userID, eng); err != nil {
			return err
		}
		return o.store.Entries().CollectParentStats(ctx, newParent.ID)
	})
	if err != nil {
		return err
	}
	o.notify(vaultID)
	return nil
}

func (o *Orchestrator) copyNodeTx(ctx context.Context, n types.Node, parent *types.Directory,
	name, fusePath string, userID uint, eng Engine) error {

	meta := n.Meta()
	alias, err := o.alias(meta.VaultID)
	if err != nil {
		return err
	}
	inode, err := o.store.Entries().NextInode(ctx)
	if err != nil {
		return err
	}

	entry := types.Entry{
		Inode:          inode,
		VaultID:        meta.VaultID,
		ParentID:       &parent.ID,
		Name:           name,
		Base32Alias:    alias,
		Path:           childRel(parent.Path, name),
		FusePath:       fusePath,
		BackingPath:    filepath.Join(parent.BackingPath, alias),
		Mode:           meta.Mode,
		OwnerUID:       meta.OwnerUID,
		GroupGID:       meta.GroupGID,
		IsHidden:       meta.IsHidden,
		CreatedBy:      userID,
		LastModifiedBy: userID,
	}

	switch src := n.(type) {
	case *types.Directory:
		d := &types.Directory{Entry: entry}
		if err := o.store.Entries().UpsertDirectory(ctx, d); err != nil {
			return err
		}
		if err := os.MkdirAll(d.BackingPath, 0o700); err != nil {
			return fmt.Errorf("create backing dir: %w", err)
		}
		o.cache.Put(d)

		children, err := o.store.Entries().ListDir(ctx, src.ID, false)
		if err != nil {
			return err
		}
		for _, child := range children {
			cm := child.Meta()
			if err := o.copyNodeTx(ctx, child, d, cm.Name, joinFuse(fusePath, cm.Name), userID, eng); err != nil {
				return err
			}
		}
		return nil

	case *types.File:
		f := &types.File{
			Entry:     entry,
			SizeBytes: src.SizeBytes,
			MimeType:  src.MimeType,
		}
		plaintext, err := o.ReadFile(src, eng)
		if err != nil {
			return err
		}
		payload := plaintext
		if len(plaintext) > 0 {
			if payload, err = eng.Keys().Encrypt(plaintext, f); err != nil {
				return err
			}
		}
		if err := writeAtomic(f.BackingPath, payload); err != nil {
			return err
		}
		f.ContentHash = src.ContentHash
		if err := o.store.Entries().UpsertFile(ctx, f); err != nil {
			return err
		}
		o.cache.Put(f)

		thumbRoot := eng.Paths().RootPath(paths.ThumbnailRoot)
		if err := preview.CopyThumbnails(thumbRoot, src.Base32Alias, f.Base32Alias); err != nil {
			o.log.WithVault(f.VaultID).WithError(err).Warn("thumbnail copy failed")
		}

		if engineIsCloud(eng) {
			if err := o.store.Operations().Enqueue(ctx, &types.Operation{
				VaultID:         f.VaultID,
				FileID:          f.ID,
				Op:              types.OpCopy,
				SourcePath:      src.Path,
				DestinationPath: f.Path,
			}); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// Remove trashes the entry (and every descendant) by recording TrashedFile
// rows, evicts the cache and unlinks the backing sub-tree. The actual purge
// (including cloud objects and thumbnails) happens in the sync task.
func (o *Orchestrator) Remove(ctx context.Context, fusePath string, userID uint) error {
	fusePath = cleanFuse(fusePath)
	if fusePath == "/" {
		return fmt.Errorf("%w: cannot remove mount root", ErrIsDirectory)
	}

	var vaultID uint
	var unlink []string
	err := o.store.WithTx(ctx, func(ctx context.Context) error {
		unlink = nil
		n, err := o.store.Entries().ByFusePath(ctx, fusePath)
		if err != nil {
			return err
		}
		meta := n.Meta()
		vaultID = meta.VaultID

		subtree := []types.Node{n}
		if n.IsDir() {
			children, err := o.store.Entries().ListDir(ctx, meta.ID, true)
			if err != nil {
				return err
			}
			subtree = append(subtree, children...)
		}

		for _, node := range subtree {
			m := node.Meta()
			if f, ok := node.(*types.File); ok {
				if err := o.store.Trash().Add(ctx, &types.TrashedFile{
					VaultID:     f.VaultID,
					Base32Alias: f.Base32Alias,
					Path:        f.Path,
					BackingPath: f.BackingPath,
					TrashedBy:   userID,
					SizeBytes:   f.SizeBytes,
				}); err != nil {
					return err
				}
			}
			if err := o.store.Entries().Delete(ctx, m.ID); err != nil {
				return err
			}
			o.cache.EvictPath(m.FusePath)
			if !o.handles.InUse(m.Inode) {
				unlink = append(unlink, m.BackingPath)
			}
		}

		if meta.ParentID != nil {
			return o.store.Entries().CollectParentStats(ctx, *meta.ParentID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Deep entries first so directory removal finds them gone already.
	for i := len(unlink) - 1; i >= 0; i-- {
		if err := os.RemoveAll(unlink[i]); err != nil {
			o.log.WithVault(vaultID).WithError(err).WithField("path", unlink[i]).
				Warn("failed to unlink backing path")
		}
	}

	o.notify(vaultID)
	return nil
}

// DropFile removes a file row and its backing bytes without trashing it.
// Mirror-strategy sync uses it for local leftovers whose remote authority
// no longer lists them.
func (o *Orchestrator) DropFile(ctx context.Context, f *types.File) error {
	err := o.store.WithTx(ctx, func(ctx context.Context) error {
		if err := o.store.Entries().Delete(ctx, f.ID); err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
		if f.ParentID != nil {
			if err := o.store.Entries().CollectParentStats(ctx, *f.ParentID); err != nil {
				return err
			}
		}
		o.cache.EvictPath(f.FusePath)
		return nil
	})
	if err != nil {
		return err
	}
	if err := os.Remove(f.BackingPath); err != nil && !os.IsNotExist(err) {
		o.log.WithVault(f.VaultID).WithError(err).WithField("path", f.BackingPath).
			Warn("failed to unlink backing path")
	}
	return nil
}

// --- helpers ---

func engineIsCloud(eng Engine) bool {
	v := eng.Vault()
	return v != nil && v.IsCloud()
}

func cleanFuse(p string) string {
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))
	return p
}

func parentFuse(p string) string {
	d := path.Dir(p)
	if d == "." {
		return "/"
	}
	return d
}

func splitFuse(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func joinFuse(base, name string) string {
	if base == "/" {
		return "/" + name
	}
	return base + "/" + name
}

func childRel(parentRel, name string) string {
	if parentRel == "/" {
		return "/" + name
	}
	return parentRel + "/" + name
}

// writeAtomic writes payload via a temp file and rename so readers never
// observe a torn file.
func writeAtomic(dst string, payload []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("write backing: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".vh-*")
	if err != nil {
		return fmt.Errorf("write backing: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write backing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("write backing: %w", err)
	}
	if err := os.Rename(name, dst); err != nil {
		os.Remove(name)
		return fmt.Errorf("write backing: %w", err)
	}
	return nil
}
