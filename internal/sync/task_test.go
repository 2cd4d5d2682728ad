package sync_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaulthalla/vaulthalla/internal/catalog/memory"
	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/engine"
	"github.com/vaulthalla/vaulthalla/internal/entrycache"
	"github.com/vaulthalla/vaulthalla/internal/fs"
	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/paths"
	"github.com/vaulthalla/vaulthalla/internal/preview"
	"github.com/vaulthalla/vaulthalla/internal/s3/s3test"
	vhsync "github.com/vaulthalla/vaulthalla/internal/sync"
	"github.com/vaulthalla/vaulthalla/internal/tpm"
	"github.com/vaulthalla/vaulthalla/internal/types"
	"github.com/vaulthalla/vaulthalla/internal/vaultkeys"
	"github.com/vaulthalla/vaulthalla/internal/worker"
)

type syncHarness struct {
	store  *memory.Store
	eng    *engine.Engine
	pool   *worker.Pool
	task   *vhsync.Task
	server *s3test.Server
	policy *types.Policy
	vault  *types.Vault
}

func newSyncHarness(t *testing.T, vaultType types.VaultType, policy *types.Policy) *syncHarness {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()
	log := logging.Nop()

	store := memory.New()
	cache := entrycache.New(store.Entries(), nil)
	registry := engine.NewRegistry()
	orch := fs.NewOrchestrator(store, cache, preview.NopSink{}, registry, log)
	require.NoError(t, orch.SeedRoot(ctx))

	vault := &types.Vault{
		Name:       "docs",
		Type:       vaultType,
		OwnerID:    1,
		MountAlias: "VLT_SYNC",
		IsActive:   true,
	}
	if vaultType == types.VaultCloud {
		vault.Cloud = &types.CloudVault{Bucket: "vault-bucket", EncryptUpstream: true}
	}
	_, err := store.Vaults().Upsert(ctx, vault, policy)
	require.NoError(t, err)

	resolver := paths.NewResolver(paths.GlobalRoots{
		FuseRoot:    filepath.Join(base, "fuse"),
		BackingRoot: filepath.Join(base, "backing"),
		CacheRoot:   filepath.Join(base, "cache"),
	}, "", vault.MountAlias)

	var master tpm.Static
	copy(master[:], []byte("0123456789abcdef0123456789abcdef"))
	keys := vaultkeys.NewManager(vault.ID, master, store.Keys(), log)
	require.NoError(t, keys.LoadKey(ctx))

	h := &syncHarness{store: store, policy: policy, vault: vault}

	if vaultType == types.VaultCloud {
		h.server = s3test.New()
		t.Cleanup(h.server.Close)
		ctrl, err := h.server.Controller(vault.Cloud.Bucket, log)
		require.NoError(t, err)
		h.eng = engine.NewCloud(vault, policy, resolver, keys, store, orch, "/", &engine.CloudState{
			S3:              ctrl,
			Bucket:          vault.Cloud.Bucket,
			EncryptUpstream: vault.Cloud.EncryptUpstream,
		}, log)
	} else {
		h.eng = engine.NewLocal(vault, policy, resolver, keys, store, orch, "/", log)
	}
	registry.Put(h.eng)

	_, err = orch.MkVault(ctx, "/", vault, 0o755, h.eng)
	require.NoError(t, err)

	h.pool = worker.New("sync-test", 4, log, nil)
	t.Cleanup(h.pool.Stop)
	h.task = vhsync.NewTask(h.eng, h.pool, log, nil)
	return h
}

func localPolicy() *types.Policy {
	return &types.Policy{IntervalSeconds: 300, Enabled: true, ConflictPolicy: types.ConflictKeepLocal}
}

func cloudPolicy(strategy types.Strategy, cp types.ConflictPolicy) *types.Policy {
	return &types.Policy{
		IntervalSeconds: 300,
		Enabled:         true,
		Strategy:        strategy,
		ConflictPolicy:  cp,
	}
}

func (h *syncHarness) create(t *testing.T, rel, content string) *types.File {
	t.Helper()
	f, err := h.eng.CreateFile(context.Background(), fs.CreateFileRequest{
		FusePath: rel, Buffer: []byte(content), UserID: 1, SkipSync: true,
	})
	require.NoError(t, err)
	return f
}

func latestEvent(t *testing.T, h *syncHarness) *types.SyncEvent {
	t.Helper()
	e, err := h.store.Syncs().Latest(context.Background(), h.vault.ID)
	require.NoError(t, err)
	return e
}

func TestLocalPassSucceedsEmpty(t *testing.T) {
	h := newSyncHarness(t, types.VaultLocal, localPolicy())
	h.task.Run(context.Background())

	e := latestEvent(t, h)
	assert.Equal(t, types.EventSuccess, e.Status)
	assert.NotNil(t, e.TimestampEnd)
	assert.Equal(t, uint64(0), e.FailedOps())
}

func TestInterruptCancelsEvent(t *testing.T) {
	h := newSyncHarness(t, types.VaultLocal, localPolicy())
	h.task.Interrupt()

	// Interrupt() is normally observed mid-run; RunNow+Run here makes the
	// first heartbeat see it.
	h.task.RunNow(types.TriggerManual)
	h.task.Run(context.Background())

	e := latestEvent(t, h)
	assert.Equal(t, types.EventCancelled, e.Status)
}

func TestKeyRotationOnePass(t *testing.T) {
	h := newSyncHarness(t, types.VaultLocal, localPolicy())
	ctx := context.Background()

	const n = 40
	plaintexts := make(map[string]string, n)
	for i := 0; i < n; i++ {
		rel := fmt.Sprintf("/f%02d.txt", i)
		content := fmt.Sprintf("content-%02d", i)
		plaintexts[rel] = content
		h.create(t, rel, content)
	}

	require.NoError(t, h.eng.Keys().PrepareKeyRotation(ctx))
	require.True(t, h.eng.Keys().RotationInProgress())

	h.task.Run(ctx)

	assert.False(t, h.eng.Keys().RotationInProgress(), "rotation finished in one pass")
	assert.Equal(t, uint(2), h.eng.Keys().Version())

	files, err := h.store.Entries().ListFiles(ctx, h.vault.ID)
	require.NoError(t, err)
	require.Len(t, files, n)
	for _, f := range files {
		assert.Equal(t, uint(2), f.EncryptedWithKeyVersion, f.Path)
		plaintext, err := h.eng.ReadPlaintext(f)
		require.NoError(t, err, f.Path)
		assert.Equal(t, plaintexts[f.Path], string(plaintext), f.Path)
	}

	e := latestEvent(t, h)
	assert.Equal(t, types.EventSuccess, e.Status)
}

func TestTrashReclaimLocal(t *testing.T) {
	h := newSyncHarness(t, types.VaultLocal, localPolicy())
	ctx := context.Background()

	h.create(t, "/gone.txt", "x")
	require.NoError(t, h.eng.Remove(ctx, "/gone.txt", 1))

	rows, err := h.store.Trash().List(ctx, h.vault.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	h.task.Run(ctx)

	rows, err = h.store.Trash().List(ctx, h.vault.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotNil(t, rows[0].DeletedAt, "first pass marks the row deleted")

	deleteOps := latestEvent(t, h).Throughput(types.MetricDelete)
	require.Len(t, deleteOps.ScopedOps, 1)
	assert.True(t, deleteOps.ScopedOps[0].Success)

	// The following pass sweeps it away.
	h.task.Run(ctx)
	rows, err = h.store.Trash().List(ctx, h.vault.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCloudUploadOnFirstSync(t *testing.T) {
	h := newSyncHarness(t, types.VaultCloud, cloudPolicy(types.StrategySync, types.ConflictKeepLocal))
	ctx := context.Background()

	f := h.create(t, "/up.txt", "to the cloud")
	h.task.Run(ctx)

	e := latestEvent(t, h)
	assert.Equal(t, types.EventSuccess, e.Status)

	body, meta, ok := h.server.Object("up.txt")
	require.True(t, ok, "object uploaded")
	assert.Equal(t, "true", meta["vh-encrypted"])
	assert.Equal(t, f.ContentHash, meta["content-hash"])
	assert.NotEqual(t, []byte("to the cloud"), body, "upstream holds ciphertext")

	// The recorded IV and version open the uploaded bytes.
	row, err := h.store.Entries().FileByPath(ctx, h.vault.ID, "/up.txt")
	require.NoError(t, err)
	plaintext, err := h.eng.Keys().Decrypt(body, meta["vh-iv"], row.EncryptedWithKeyVersion)
	require.NoError(t, err)
	assert.Equal(t, []byte("to the cloud"), plaintext)
}

func TestCloudConflictKeepLocal(t *testing.T) {
	h := newSyncHarness(t, types.VaultCloud, cloudPolicy(types.StrategySync, types.ConflictKeepLocal))
	ctx := context.Background()

	f := h.create(t, "/x", "local version")
	h.server.Put("x", []byte("remote version"), map[string]string{
		"vh-encrypted": "false",
		"content-hash": crypto.Sum([]byte("remote version")),
	})

	h.task.Run(ctx)

	e := latestEvent(t, h)
	require.Len(t, e.Conflicts, 1)
	c := e.Conflicts[0]
	assert.Equal(t, types.KeptLocal, c.Resolution)
	assert.Contains(t, c.Reasons, "content_hash mismatch")
	assert.NotNil(t, c.ResolvedAt)

	uploads := e.Throughput(types.MetricUpload)
	require.NotEmpty(t, uploads.ScopedOps)
	assert.True(t, uploads.ScopedOps[0].Success)

	_, meta, ok := h.server.Object("x")
	require.True(t, ok)
	assert.Equal(t, f.ContentHash, meta["content-hash"], "remote hash now matches local BLAKE2b")
}

func TestCacheStrategyInsufficientSpace(t *testing.T) {
	policy := cloudPolicy(types.StrategyCache, types.ConflictKeepUpstream)
	h := newSyncHarness(t, types.VaultCloud, policy)
	ctx := context.Background()

	// Quota below the reserved floor: zero free bytes for downloads.
	h.vault.QuotaBytes = 1024
	for i := 0; i < 10; i++ {
		h.server.Put(fmt.Sprintf("big-%d", i), make([]byte, 4096), map[string]string{
			"vh-encrypted": "false",
		})
	}
	lastSync := h.policy.LastSyncAt

	h.task.Run(ctx)

	e := latestEvent(t, h)
	assert.Equal(t, types.EventError, e.Status)
	assert.Contains(t, e.ErrorMessage, "insufficient disk space")

	// Nothing materialised locally.
	files, err := h.store.Entries().ListFiles(ctx, h.vault.ID)
	require.NoError(t, err)
	assert.Empty(t, files)

	got, err := h.store.Vaults().Policy(ctx, h.vault.ID)
	require.NoError(t, err)
	assert.Equal(t, lastSync, got.LastSyncAt, "last_sync_at unchanged on error")
}

func TestCloudDeleteThenPurge(t *testing.T) {
	h := newSyncHarness(t, types.VaultCloud, cloudPolicy(types.StrategySync, types.ConflictKeepLocal))
	ctx := context.Background()

	h.create(t, "/p/q.txt", "purge me")
	h.task.Run(ctx) // uploads the object
	_, _, ok := h.server.Object("p/q.txt")
	require.True(t, ok)

	require.NoError(t, h.eng.Remove(ctx, "/p/q.txt", 1))
	h.task.Run(ctx)

	e := latestEvent(t, h)
	deletes := e.Throughput(types.MetricDelete)
	require.NotEmpty(t, deletes.ScopedOps)
	assert.True(t, deletes.ScopedOps[0].Success)

	_, _, ok = h.server.Object("p/q.txt")
	assert.False(t, ok, "object purged from the bucket")

	rows, err := h.store.Trash().List(ctx, h.vault.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotNil(t, rows[0].DeletedAt)
}

func TestCloudDownloadMaterialises(t *testing.T) {
	h := newSyncHarness(t, types.VaultCloud, cloudPolicy(types.StrategySync, types.ConflictKeepUpstream))
	ctx := context.Background()

	h.server.Put("docs/remote.txt", []byte("from upstream"), map[string]string{
		"vh-encrypted": "false",
		"content-hash": crypto.Sum([]byte("from upstream")),
	})

	h.task.Run(ctx)

	e := latestEvent(t, h)
	assert.Equal(t, types.EventSuccess, e.Status)

	f, err := h.store.Entries().FileByPath(ctx, h.vault.ID, "/docs/remote.txt")
	require.NoError(t, err)
	plaintext, err := h.eng.ReadPlaintext(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("from upstream"), plaintext)

	// The parent directory was ensured in the catalog.
	d, err := h.store.Entries().DirectoryByPath(ctx, h.vault.ID, "/docs")
	require.NoError(t, err)
	assert.NotEmpty(t, d.Base32Alias)
}
