package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

func seedVault(t *testing.T, s *Store) *types.Vault {
	t.Helper()
	v := &types.Vault{
		Name:       "docs",
		Type:       types.VaultLocal,
		OwnerID:    1,
		MountAlias: "VLT_AAAA",
		IsActive:   true,
	}
	_, err := s.Vaults().Upsert(context.Background(), v, &types.Policy{IntervalSeconds: 60, Enabled: true})
	require.NoError(t, err)
	return v
}

func TestVaultUpsertAssignsIDAndRejectsDuplicates(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)
	assert.NotZero(t, v.ID)

	_, err := s.Vaults().Upsert(ctx, &types.Vault{Name: "docs", MountAlias: "VLT_BBBB"}, nil)
	assert.ErrorIs(t, err, catalog.ErrConflict)

	_, err = s.Vaults().Upsert(ctx, &types.Vault{Name: "other", MountAlias: "VLT_AAAA"}, nil)
	assert.ErrorIs(t, err, catalog.ErrConflict)
}

func TestVaultRemoveCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	root := &types.Directory{Entry: types.Entry{VaultID: v.ID, Name: "/", Path: "/", FusePath: "/docs", Inode: types.RootInode}}
	require.NoError(t, s.Entries().UpsertDirectory(ctx, root))
	require.NoError(t, s.Trash().Add(ctx, &types.TrashedFile{VaultID: v.ID, Path: "/x"}))
	require.NoError(t, s.Operations().Enqueue(ctx, &types.Operation{VaultID: v.ID, FileID: 9, Op: types.OpMove}))

	require.NoError(t, s.Vaults().Remove(ctx, v.ID))

	_, err := s.Vaults().Get(ctx, v.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = s.Entries().ByPath(ctx, v.ID, "/")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	trashed, err := s.Trash().List(ctx, v.ID)
	require.NoError(t, err)
	assert.Empty(t, trashed)
	ops, err := s.Operations().ListByVault(ctx, v.ID)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestKeyVersionsMonotonic(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	require.NoError(t, s.Keys().Add(ctx, &types.VaultKey{VaultID: v.ID, Version: 1}))
	assert.ErrorIs(t, s.Keys().Add(ctx, &types.VaultKey{VaultID: v.ID, Version: 3}), catalog.ErrConflict)
	require.NoError(t, s.Keys().Add(ctx, &types.VaultKey{VaultID: v.ID, Version: 2}))

	newest, err := s.Keys().Newest(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(2), newest.Version)

	prev, err := s.Keys().Previous(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(1), prev.Version)
}

func TestEntryPathUniqueAmongLive(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	f := &types.File{Entry: types.Entry{VaultID: v.ID, Name: "a.txt", Path: "/a.txt", FusePath: "/docs/a.txt"}}
	require.NoError(t, s.Entries().UpsertFile(ctx, f))
	assert.NotZero(t, f.ID)

	dup := &types.File{Entry: types.Entry{VaultID: v.ID, Name: "a.txt", Path: "/a.txt"}}
	assert.ErrorIs(t, s.Entries().UpsertFile(ctx, dup), catalog.ErrConflict)

	// Upserting the same row again is fine.
	f.SizeBytes = 10
	require.NoError(t, s.Entries().UpsertFile(ctx, f))

	got, err := s.Entries().FileByPath(ctx, v.ID, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.SizeBytes)
}

func TestUpsertThenGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	f := &types.File{
		Entry:       types.Entry{VaultID: v.ID, Name: "a.txt", Path: "/a.txt", FusePath: "/docs/a.txt", Base32Alias: "X1"},
		SizeBytes:   5,
		ContentHash: "abc",
	}
	require.NoError(t, s.Entries().UpsertFile(ctx, f))

	got, err := s.Entries().FileByPath(ctx, v.ID, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)
	assert.Equal(t, f.ContentHash, got.ContentHash)
	assert.Equal(t, f.Base32Alias, got.Base32Alias)
}

func TestCollectParentStats(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	root := &types.Directory{Entry: types.Entry{VaultID: v.ID, Name: "/", Path: "/", Inode: types.RootInode}}
	require.NoError(t, s.Entries().UpsertDirectory(ctx, root))

	sub := &types.Directory{Entry: types.Entry{VaultID: v.ID, ParentID: &root.ID, Name: "b", Path: "/b"}}
	require.NoError(t, s.Entries().UpsertDirectory(ctx, sub))

	f1 := &types.File{Entry: types.Entry{VaultID: v.ID, ParentID: &root.ID, Name: "a", Path: "/a"}, SizeBytes: 100}
	f2 := &types.File{Entry: types.Entry{VaultID: v.ID, ParentID: &sub.ID, Name: "c", Path: "/b/c"}, SizeBytes: 50}
	require.NoError(t, s.Entries().UpsertFile(ctx, f1))
	require.NoError(t, s.Entries().UpsertFile(ctx, f2))

	require.NoError(t, s.Entries().CollectParentStats(ctx, sub.ID))

	rootNode, err := s.Entries().DirectoryByPath(ctx, v.ID, "/")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), rootNode.SizeBytes)
	assert.Equal(t, uint64(1), rootNode.FileCount)
	assert.Equal(t, uint64(1), rootNode.SubdirectoryCount)

	subNode, err := s.Entries().DirectoryByPath(ctx, v.ID, "/b")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), subNode.SizeBytes)
	assert.Equal(t, uint64(1), subNode.FileCount)
}

func TestNextInodeStartsAfterRoot(t *testing.T) {
	s := New()
	ctx := context.Background()
	ino, err := s.Entries().NextInode(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RootInode+1, ino)
}

func TestOperationsOnePerFile(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	require.NoError(t, s.Operations().Enqueue(ctx, &types.Operation{VaultID: v.ID, FileID: 7, Op: types.OpMove, SourcePath: "/a", DestinationPath: "/b"}))
	require.NoError(t, s.Operations().Enqueue(ctx, &types.Operation{VaultID: v.ID, FileID: 7, Op: types.OpRename, SourcePath: "/b", DestinationPath: "/c"}))

	ops, err := s.Operations().ListByVault(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, types.OpRename, ops[0].Op)

	require.NoError(t, s.Operations().Clear(ctx, ops[0].ID))
	ops, err = s.Operations().ListByVault(ctx, v.ID)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestTrashLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	row := &types.TrashedFile{VaultID: v.ID, Path: "/p/q.txt", TrashedBy: 1}
	require.NoError(t, s.Trash().Add(ctx, row))

	listed, err := s.Trash().List(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Nil(t, listed[0].DeletedAt)

	require.NoError(t, s.Trash().MarkDeleted(ctx, row.ID))
	listed, err = s.Trash().List(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.NotNil(t, listed[0].DeletedAt)

	require.NoError(t, s.Trash().Sweep(ctx, v.ID))
	listed, err = s.Trash().List(ctx, v.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestSyncEventLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	e := &types.SyncEvent{VaultID: v.ID, Status: types.EventRunning, Trigger: types.TriggerManual}
	require.NoError(t, s.Syncs().Create(ctx, e))
	assert.NotZero(t, e.ID)
	assert.NotEmpty(t, e.RunUUID)

	tp := e.Throughput(types.MetricUpload)
	op := tp.NewOp()
	op.Start(42)
	op.Stop(true)
	tp.Aggregate()

	e.Status = types.EventSuccess
	require.NoError(t, s.Syncs().Save(ctx, e))

	latest, err := s.Syncs().Latest(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EventSuccess, latest.Status)
	require.Len(t, latest.Throughputs, 1)
	assert.Equal(t, uint64(1), latest.Throughputs[0].NumOps)
	assert.Equal(t, uint64(0), latest.FailedOps())
}

func TestPermissionEvaluation(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVault(t, s)

	uid, err := s.Users().Create(ctx, &types.User{Name: "alice"})
	require.NoError(t, err)
	admin, err := s.Users().Create(ctx, &types.User{Name: "root", IsSuperadmin: true})
	require.NoError(t, err)

	ok, err := s.Users().Can(ctx, uid, v.ID, types.PermRead)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Users().Grant(ctx, types.Grant{UserID: uid, VaultID: v.ID, Permission: types.PermWrite}))

	ok, _ = s.Users().Can(ctx, uid, v.ID, types.PermRead)
	assert.True(t, ok, "write implies read")
	ok, _ = s.Users().Can(ctx, uid, v.ID, types.PermManage)
	assert.False(t, ok)

	ok, _ = s.Users().Can(ctx, admin, v.ID, types.PermManage)
	assert.True(t, ok)
}
