// Package memory provides an in-memory catalog store. It backs tests and
// the embedded (catalog-less) development mode; semantics mirror the
// Postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

// Store is an in-memory catalog.Store.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	userSeq, vaultSeq, keySeq, entrySeq, trashSeq, opSeq, eventSeq, conflictSeq uint
	inodeSeq                                                                    uint64

	users    map[uint]*types.User
	grants   map[types.Grant]struct{}
	vaults   map[uint]*types.Vault
	policies map[uint]*types.Policy // by vault id
	apiKeys  map[uint]*types.APIKey
	keys     map[uint][]*types.VaultKey // by vault id, version-ascending
	rotation map[uint]bool
	dirs     map[uint]*types.Directory
	files    map[uint]*types.File
	trash    map[uint]*types.TrashedFile
	ops      map[uint]*types.Operation
	events   map[uint]*types.SyncEvent
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:    make(map[uint]*types.User),
		grants:   make(map[types.Grant]struct{}),
		vaults:   make(map[uint]*types.Vault),
		policies: make(map[uint]*types.Policy),
		apiKeys:  make(map[uint]*types.APIKey),
		keys:     make(map[uint][]*types.VaultKey),
		rotation: make(map[uint]bool),
		dirs:     make(map[uint]*types.Directory),
		files:    make(map[uint]*types.File),
		trash:    make(map[uint]*types.TrashedFile),
		ops:      make(map[uint]*types.Operation),
		events:   make(map[uint]*types.SyncEvent),
		inodeSeq: types.RootInode,
	}
}

var _ catalog.Store = (*Store)(nil)

func (s *Store) Users() catalog.UserStore           { return users{s} }
func (s *Store) Vaults() catalog.VaultStore         { return vaults{s} }
func (s *Store) Keys() catalog.KeyStore             { return keys{s} }
func (s *Store) Entries() catalog.EntryStore        { return entries{s} }
func (s *Store) Trash() catalog.TrashStore          { return trash{s} }
func (s *Store) Operations() catalog.OperationStore { return operations{s} }
func (s *Store) Syncs() catalog.SyncStore           { return syncs{s} }

// WithTx serialises mutations; the in-memory store has no rollback, callers
// that need isolation get mutual exclusion.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx)
}

func (s *Store) Close() error { return nil }

// --- users ---

type users struct{ s *Store }

func (u users) Get(_ context.Context, id uint) (*types.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	usr, ok := u.s.users[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *usr
	return &cp, nil
}

func (u users) GetByName(_ context.Context, name string) (*types.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	for _, usr := range u.s.users {
		if usr.Name == name {
			cp := *usr
			return &cp, nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (u users) List(_ context.Context, page catalog.Page) ([]*types.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	out := make([]*types.User, 0, len(u.s.users))
	for _, usr := range u.s.users {
		cp := *usr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, page), nil
}

func (u users) Create(_ context.Context, usr *types.User) (uint, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, existing := range u.s.users {
		if existing.Name == usr.Name {
			return 0, catalog.ErrConflict
		}
	}
	u.s.userSeq++
	usr.ID = u.s.userSeq
	usr.CreatedAt = time.Now().UTC()
	usr.UpdatedAt = usr.CreatedAt
	cp := *usr
	u.s.users[usr.ID] = &cp
	return usr.ID, nil
}

func (u users) Update(_ context.Context, usr *types.User) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.users[usr.ID]; !ok {
		return catalog.ErrNotFound
	}
	usr.UpdatedAt = time.Now().UTC()
	cp := *usr
	u.s.users[usr.ID] = &cp
	return nil
}

func (u users) Delete(_ context.Context, id uint) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.users[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(u.s.users, id)
	for g := range u.s.grants {
		if g.UserID == id {
			delete(u.s.grants, g)
		}
	}
	return nil
}

func (u users) Grant(_ context.Context, g types.Grant) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	u.s.grants[g] = struct{}{}
	return nil
}

func (u users) Revoke(_ context.Context, g types.Grant) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	delete(u.s.grants, g)
	return nil
}

func (u users) Can(_ context.Context, userID, vaultID uint, p types.Permission) (bool, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	usr, ok := u.s.users[userID]
	if !ok {
		return false, catalog.ErrNotFound
	}
	if usr.IsSuperadmin {
		return true, nil
	}
	for _, held := range implies(p) {
		if _, ok := u.s.grants[types.Grant{UserID: userID, VaultID: vaultID, Permission: held}]; ok {
			return true, nil
		}
	}
	return false, nil
}

// implies returns the permissions whose possession satisfies p.
func implies(p types.Permission) []types.Permission {
	switch p {
	case types.PermRead:
		return []types.Permission{types.PermRead, types.PermWrite, types.PermManage}
	case types.PermWrite:
		return []types.Permission{types.PermWrite, types.PermManage}
	default:
		return []types.Permission{types.PermManage}
	}
}

// --- vaults ---

type vaults struct{ s *Store }

func (v vaults) Upsert(_ context.Context, vault *types.Vault, policy *types.Policy) (uint, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	for id, existing := range v.s.vaults {
		if id != vault.ID && (existing.Name == vault.Name || existing.MountAlias == vault.MountAlias) {
			return 0, catalog.ErrConflict
		}
	}

	now := time.Now().UTC()
	if vault.ID == 0 {
		v.s.vaultSeq++
		vault.ID = v.s.vaultSeq
		vault.CreatedAt = now
	}
	vault.UpdatedAt = now
	cp := copyVault(vault)
	v.s.vaults[vault.ID] = cp

	if policy != nil {
		policy.VaultID = vault.ID
		if policy.ID == 0 {
			policy.ID = vault.ID
		}
		pcp := *policy
		v.s.policies[vault.ID] = &pcp
	}
	return vault.ID, nil
}

func (v vaults) Get(_ context.Context, id uint) (*types.Vault, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	vault, ok := v.s.vaults[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return copyVault(vault), nil
}

func (v vaults) GetByName(_ context.Context, name string) (*types.Vault, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	for _, vault := range v.s.vaults {
		if vault.Name == name {
			return copyVault(vault), nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (v vaults) List(_ context.Context, f catalog.VaultFilter, page catalog.Page) ([]*types.Vault, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	out := make([]*types.Vault, 0, len(v.s.vaults))
	for _, vault := range v.s.vaults {
		if f.OwnerID != 0 && vault.OwnerID != f.OwnerID {
			continue
		}
		if f.Type != "" && vault.Type != f.Type {
			continue
		}
		if f.ActiveOnly && !vault.IsActive {
			continue
		}
		out = append(out, copyVault(vault))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, page), nil
}

// Remove cascades to entries, trash, operations, events and keys.
func (v vaults) Remove(_ context.Context, id uint) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.vaults[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(v.s.vaults, id)
	delete(v.s.policies, id)
	delete(v.s.keys, id)
	delete(v.s.rotation, id)
	for eid, d := range v.s.dirs {
		if d.VaultID == id {
			delete(v.s.dirs, eid)
		}
	}
	for eid, f := range v.s.files {
		if f.VaultID == id {
			delete(v.s.files, eid)
		}
	}
	for tid, t := range v.s.trash {
		if t.VaultID == id {
			delete(v.s.trash, tid)
		}
	}
	for oid, op := range v.s.ops {
		if op.VaultID == id {
			delete(v.s.ops, oid)
		}
	}
	for evid, e := range v.s.events {
		if e.VaultID == id {
			delete(v.s.events, evid)
		}
	}
	return nil
}

func (v vaults) Policy(_ context.Context, vaultID uint) (*types.Policy, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	p, ok := v.s.policies[vaultID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (v vaults) UpdatePolicy(_ context.Context, p *types.Policy) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.policies[p.VaultID]; !ok {
		return catalog.ErrNotFound
	}
	cp := *p
	v.s.policies[p.VaultID] = &cp
	return nil
}

func (v vaults) APIKey(_ context.Context, id uint) (*types.APIKey, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	k, ok := v.s.apiKeys[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (v vaults) PutAPIKey(_ context.Context, k *types.APIKey) (uint, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if k.ID == 0 {
		v.s.vaultSeq++
		k.ID = v.s.vaultSeq
	}
	cp := *k
	v.s.apiKeys[k.ID] = &cp
	return k.ID, nil
}

func copyVault(v *types.Vault) *types.Vault {
	cp := *v
	if v.Cloud != nil {
		cloud := *v.Cloud
		cp.Cloud = &cloud
	}
	return &cp
}

// --- keys ---

type keys struct{ s *Store }

func (k keys) Newest(_ context.Context, vaultID uint) (*types.VaultKey, error) {
	k.s.mu.RLock()
	defer k.s.mu.RUnlock()
	versions := k.s.keys[vaultID]
	if len(versions) == 0 {
		return nil, catalog.ErrNotFound
	}
	cp := *versions[len(versions)-1]
	return &cp, nil
}

func (k keys) Previous(_ context.Context, vaultID uint) (*types.VaultKey, error) {
	k.s.mu.RLock()
	defer k.s.mu.RUnlock()
	versions := k.s.keys[vaultID]
	if len(versions) < 2 {
		return nil, catalog.ErrNotFound
	}
	cp := *versions[len(versions)-2]
	return &cp, nil
}

func (k keys) Add(_ context.Context, key *types.VaultKey) error {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	versions := k.s.keys[key.VaultID]
	var want uint = 1
	if len(versions) > 0 {
		want = versions[len(versions)-1].Version + 1
	}
	if key.Version != want {
		return catalog.ErrConflict
	}
	key.CreatedAt = time.Now().UTC()
	cp := *key
	k.s.keys[key.VaultID] = append(versions, &cp)
	return nil
}

func (k keys) SetRotationInProgress(_ context.Context, vaultID uint, inProgress bool) error {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	k.s.rotation[vaultID] = inProgress
	return nil
}

func (k keys) RotationInProgress(_ context.Context, vaultID uint) (bool, error) {
	k.s.mu.RLock()
	defer k.s.mu.RUnlock()
	return k.s.rotation[vaultID], nil
}

// --- entries ---

type entries struct{ s *Store }

func (e entries) UpsertDirectory(_ context.Context, d *types.Directory) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	if d.ID == 0 {
		if e.pathTakenLocked(d.VaultID, d.Path, 0) {
			return catalog.ErrConflict
		}
		e.s.entrySeq++
		d.ID = e.s.entrySeq
		d.CreatedAt = time.Now().UTC()
	} else if e.pathTakenLocked(d.VaultID, d.Path, d.ID) {
		return catalog.ErrConflict
	}
	d.UpdatedAt = time.Now().UTC()
	cp := copyDir(d)
	e.s.dirs[d.ID] = cp
	return nil
}

func (e entries) UpsertFile(_ context.Context, f *types.File) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	if f.ID == 0 {
		if e.pathTakenLocked(f.VaultID, f.Path, 0) {
			return catalog.ErrConflict
		}
		e.s.entrySeq++
		f.ID = e.s.entrySeq
		f.CreatedAt = time.Now().UTC()
	} else if e.pathTakenLocked(f.VaultID, f.Path, f.ID) {
		return catalog.ErrConflict
	}
	f.UpdatedAt = time.Now().UTC()
	cp := copyFile(f)
	e.s.files[f.ID] = cp
	return nil
}

func (e entries) pathTakenLocked(vaultID uint, path string, selfID uint) bool {
	for _, d := range e.s.dirs {
		if d.VaultID == vaultID && d.Path == path && d.ID != selfID {
			return true
		}
	}
	for _, f := range e.s.files {
		if f.VaultID == vaultID && f.Path == path && f.ID != selfID {
			return true
		}
	}
	return false
}

func (e entries) ByID(_ context.Context, id uint) (types.Node, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	if d, ok := e.s.dirs[id]; ok {
		return copyDir(d), nil
	}
	if f, ok := e.s.files[id]; ok {
		return copyFile(f), nil
	}
	return nil, catalog.ErrNotFound
}

func (e entries) ByInode(_ context.Context, inode uint64) (types.Node, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	for _, d := range e.s.dirs {
		if d.Inode == inode {
			return copyDir(d), nil
		}
	}
	for _, f := range e.s.files {
		if f.Inode == inode {
			return copyFile(f), nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (e entries) ByPath(_ context.Context, vaultID uint, path string) (types.Node, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	return e.byPathLocked(vaultID, path)
}

func (e entries) byPathLocked(vaultID uint, path string) (types.Node, error) {
	for _, d := range e.s.dirs {
		if d.VaultID == vaultID && d.Path == path {
			return copyDir(d), nil
		}
	}
	for _, f := range e.s.files {
		if f.VaultID == vaultID && f.Path == path {
			return copyFile(f), nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (e entries) ByFusePath(_ context.Context, fusePath string) (types.Node, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	for _, d := range e.s.dirs {
		if d.FusePath == fusePath {
			return copyDir(d), nil
		}
	}
	for _, f := range e.s.files {
		if f.FusePath == fusePath {
			return copyFile(f), nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (e entries) FileByPath(ctx context.Context, vaultID uint, path string) (*types.File, error) {
	n, err := e.ByPath(ctx, vaultID, path)
	if err != nil {
		return nil, err
	}
	f, ok := n.(*types.File)
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return f, nil
}

func (e entries) DirectoryByPath(ctx context.Context, vaultID uint, path string) (*types.Directory, error) {
	n, err := e.ByPath(ctx, vaultID, path)
	if err != nil {
		return nil, err
	}
	d, ok := n.(*types.Directory)
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return d, nil
}

func (e entries) ListDir(_ context.Context, parentID uint, recursive bool) ([]types.Node, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()

	var out []types.Node
	frontier := map[uint]struct{}{parentID: {}}
	for len(frontier) > 0 {
		next := make(map[uint]struct{})
		for _, d := range e.s.dirs {
			if d.ParentID != nil {
				if _, ok := frontier[*d.ParentID]; ok {
					out = append(out, copyDir(d))
					next[d.ID] = struct{}{}
				}
			}
		}
		for _, f := range e.s.files {
			if f.ParentID != nil {
				if _, ok := frontier[*f.ParentID]; ok {
					out = append(out, copyFile(f))
				}
			}
		}
		if !recursive {
			break
		}
		frontier = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meta().Path < out[j].Meta().Path })
	return out, nil
}

func (e entries) ListFiles(_ context.Context, vaultID uint) ([]*types.File, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	var out []*types.File
	for _, f := range e.s.files {
		if f.VaultID == vaultID {
			out = append(out, copyFile(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (e entries) FilesBelowKeyVersion(_ context.Context, vaultID uint, version uint) ([]*types.File, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	var out []*types.File
	for _, f := range e.s.files {
		if f.VaultID == vaultID && f.Encrypted() && f.EncryptedWithKeyVersion < version {
			out = append(out, copyFile(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (e entries) NextInode(_ context.Context) (uint64, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	e.s.inodeSeq++
	return e.s.inodeSeq, nil
}

func (e entries) Delete(_ context.Context, id uint) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if _, ok := e.s.dirs[id]; ok {
		delete(e.s.dirs, id)
		return nil
	}
	if _, ok := e.s.files[id]; ok {
		delete(e.s.files, id)
		return nil
	}
	return catalog.ErrNotFound
}

func (e entries) CollectParentStats(_ context.Context, parentID uint) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	id := parentID
	for {
		d, ok := e.s.dirs[id]
		if !ok {
			return catalog.ErrNotFound
		}
		var size, fileCount, subdirCount uint64
		for _, child := range e.s.dirs {
			if child.ParentID != nil && *child.ParentID == id {
				size += child.SizeBytes
				subdirCount++
			}
		}
		for _, child := range e.s.files {
			if child.ParentID != nil && *child.ParentID == id {
				size += child.SizeBytes
				fileCount++
			}
		}
		d.SizeBytes, d.FileCount, d.SubdirectoryCount = size, fileCount, subdirCount
		if d.ParentID == nil {
			return nil
		}
		id = *d.ParentID
	}
}

func copyDir(d *types.Directory) *types.Directory {
	cp := *d
	if d.ParentID != nil {
		pid := *d.ParentID
		cp.ParentID = &pid
	}
	return &cp
}

func copyFile(f *types.File) *types.File {
	cp := *f
	if f.ParentID != nil {
		pid := *f.ParentID
		cp.ParentID = &pid
	}
	return &cp
}

// --- trash ---

type trash struct{ s *Store }

func (t trash) Add(_ context.Context, row *types.TrashedFile) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if row.ID == 0 {
		t.s.trashSeq++
		row.ID = t.s.trashSeq
	}
	if row.TrashedAt.IsZero() {
		row.TrashedAt = time.Now().UTC()
	}
	cp := *row
	t.s.trash[row.ID] = &cp
	return nil
}

func (t trash) MarkDeleted(_ context.Context, id uint) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	row, ok := t.s.trash[id]
	if !ok {
		return catalog.ErrNotFound
	}
	now := time.Now().UTC()
	row.DeletedAt = &now
	return nil
}

func (t trash) List(_ context.Context, vaultID uint) ([]*types.TrashedFile, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var out []*types.TrashedFile
	for _, row := range t.s.trash {
		if row.VaultID == vaultID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t trash) Sweep(_ context.Context, vaultID uint) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id, row := range t.s.trash {
		if row.VaultID == vaultID && row.DeletedAt != nil {
			delete(t.s.trash, id)
		}
	}
	return nil
}

// --- operations ---

type operations struct{ s *Store }

func (o operations) Enqueue(_ context.Context, op *types.Operation) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	// At most one outstanding operation per file: the newest wins.
	for id, existing := range o.s.ops {
		if existing.FileID == op.FileID {
			delete(o.s.ops, id)
		}
	}
	o.s.opSeq++
	op.ID = o.s.opSeq
	op.CreatedAt = time.Now().UTC()
	cp := *op
	o.s.ops[op.ID] = &cp
	return nil
}

func (o operations) ListByVault(_ context.Context, vaultID uint) ([]*types.Operation, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	var out []*types.Operation
	for _, op := range o.s.ops {
		if op.VaultID == vaultID {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (o operations) Clear(_ context.Context, id uint) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if _, ok := o.s.ops[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(o.s.ops, id)
	return nil
}

// --- sync events ---

type syncs struct{ s *Store }

func (y syncs) Create(_ context.Context, e *types.SyncEvent) error {
	y.s.mu.Lock()
	defer y.s.mu.Unlock()
	y.s.eventSeq++
	e.ID = y.s.eventSeq
	if e.RunUUID == "" {
		e.RunUUID = uuid.NewString()
	}
	if e.TimestampBegin.IsZero() {
		e.TimestampBegin = time.Now().UTC()
	}
	e.HeartbeatAt = e.TimestampBegin
	y.s.events[e.ID] = e
	return nil
}

func (y syncs) Save(_ context.Context, e *types.SyncEvent) error {
	y.s.mu.Lock()
	defer y.s.mu.Unlock()
	if _, ok := y.s.events[e.ID]; !ok {
		return catalog.ErrNotFound
	}
	for _, c := range e.Conflicts {
		if c.ID == 0 {
			y.s.conflictSeq++
			c.ID = y.s.conflictSeq
			c.EventID = e.ID
		}
	}
	y.s.events[e.ID] = e
	return nil
}

func (y syncs) Heartbeat(_ context.Context, eventID uint, at time.Time) error {
	y.s.mu.Lock()
	defer y.s.mu.Unlock()
	e, ok := y.s.events[eventID]
	if !ok {
		return catalog.ErrNotFound
	}
	e.HeartbeatAt = at
	return nil
}

func (y syncs) Latest(_ context.Context, vaultID uint) (*types.SyncEvent, error) {
	y.s.mu.RLock()
	defer y.s.mu.RUnlock()
	var latest *types.SyncEvent
	for _, e := range y.s.events {
		if e.VaultID != vaultID {
			continue
		}
		if latest == nil || e.ID > latest.ID {
			latest = e
		}
	}
	if latest == nil {
		return nil, catalog.ErrNotFound
	}
	return latest, nil
}

func (y syncs) List(_ context.Context, vaultID uint, page catalog.Page) ([]*types.SyncEvent, error) {
	y.s.mu.RLock()
	defer y.s.mu.RUnlock()
	var out []*types.SyncEvent
	for _, e := range y.s.events {
		if e.VaultID == vaultID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return paginate(out, page), nil
}

func paginate[T any](in []T, page catalog.Page) []T {
	if page.Offset > 0 {
		if page.Offset >= len(in) {
			return nil
		}
		in = in[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(in) {
		in = in[:page.Limit]
	}
	return in
}
