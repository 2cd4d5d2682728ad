package sync_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/catalog/memory"
	"github.com/vaulthalla/vaulthalla/internal/engine"
	"github.com/vaulthalla/vaulthalla/internal/entrycache"
	"github.com/vaulthalla/vaulthalla/internal/fs"
	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/paths"
	"github.com/vaulthalla/vaulthalla/internal/preview"
	vhsync "github.com/vaulthalla/vaulthalla/internal/sync"
	"github.com/vaulthalla/vaulthalla/internal/tpm"
	"github.com/vaulthalla/vaulthalla/internal/types"
	"github.com/vaulthalla/vaulthalla/internal/vaultkeys"
	"github.com/vaulthalla/vaulthalla/internal/worker"
)

func newControllerHarness(t *testing.T) (*vhsync.Controller, *memory.Store, *types.Vault) {
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
		Name: "docs", Type: types.VaultLocal, OwnerID: 1,
		MountAlias: "VLT_CTRL", IsActive: true,
	}
	_, err := store.Vaults().Upsert(ctx, vault, &types.Policy{
		IntervalSeconds: 3600, Enabled: true, ConflictPolicy: types.ConflictKeepLocal,
	})
	require.NoError(t, err)

	roots := paths.GlobalRoots{
		FuseRoot:    filepath.Join(base, "fuse"),
		BackingRoot: filepath.Join(base, "backing"),
		CacheRoot:   filepath.Join(base, "cache"),
	}

	var master tpm.Static
	copy(master[:], []byte("0123456789abcdef0123456789abcdef"))

	factory := func(ctx context.Context, v *types.Vault, p *types.Policy) (*engine.Engine, error) {
		resolver := paths.NewResolver(roots, "", v.MountAlias)
		keys := vaultkeys.NewManager(v.ID, master, store.Keys(), log)
		if err := keys.LoadKey(ctx); err != nil {
			return nil, err
		}
		return engine.NewLocal(v, p, resolver, keys, store, orch, "/", log), nil
	}

	pool := worker.New("ctrl-test", 2, log, nil)
	t.Cleanup(pool.Stop)

	return vhsync.NewController(store, pool, registry, factory, log, nil), store, vault
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestControllerRunsStartupPass(t *testing.T) {
	c, store, vault := newControllerHarness(t)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	waitFor(t, 5*time.Second, func() bool {
		e, err := store.Syncs().Latest(ctx, vault.ID)
		return err == nil && e.Status == types.EventSuccess
	})

	e, err := store.Syncs().Latest(ctx, vault.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TriggerStartup, e.Trigger)
}

func TestControllerRunNowStartsManualPass(t *testing.T) {
	c, store, vault := newControllerHarness(t)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	waitFor(t, 5*time.Second, func() bool {
		e, err := store.Syncs().Latest(ctx, vault.ID)
		return err == nil && e.Status.Terminal()
	})

	c.RunNow(vault.ID, types.TriggerManual)
	waitFor(t, 5*time.Second, func() bool {
		events, err := store.Syncs().List(ctx, vault.ID, catalog.Page{})
		if err != nil || len(events) < 2 {
			return false
		}
		return events[0].Status.Terminal() && events[0].Trigger == types.TriggerManual
	})
}

func TestControllerPrunesRemovedVaults(t *testing.T) {
	c, store, vault := newControllerHarness(t)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	_, ok := c.Task(vault.ID)
	require.True(t, ok)

	waitFor(t, 5*time.Second, func() bool {
		e, err := store.Syncs().Latest(ctx, vault.ID)
		return err == nil && e.Status.Terminal()
	})

	require.NoError(t, store.Vaults().Remove(ctx, vault.ID))
	require.NoError(t, c.Refresh(ctx))

	_, ok = c.Task(vault.ID)
	assert.False(t, ok)
}
