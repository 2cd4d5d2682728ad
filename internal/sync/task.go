package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/engine"
	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/metrics"
	"github.com/vaulthalla/vaulthalla/internal/s3"
	"github.com/vaulthalla/vaulthalla/internal/types"
	"github.com/vaulthalla/vaulthalla/internal/worker"
)

// Task is one vault's sync task. Its stages run in order, each wrapped with
// heartbeat and interruption checks; instances across vaults run in
// parallel on a shared worker pool, but one vault's events are serialised.
type Task struct {
	eng   *engine.Engine
	store catalog.Store
	pool  *worker.Pool
	log   *logging.Logger
	m     *metrics.SyncMetrics

	interrupted atomic.Bool
	running     atomic.Bool
	pendingRun  atomic.Bool

	mu          sync.Mutex
	nextRun     time.Time
	nextTrigger types.EventTrigger
}

// NewTask binds a task to its engine. The first run is scheduled from the
// policy's last sync time.
func NewTask(eng *engine.Engine, pool *worker.Pool, log *logging.Logger, m *metrics.SyncMetrics) *Task {
	policy := eng.CurrentPolicy()
	return &Task{
		eng:         eng,
		store:       eng.Store(),
		pool:        pool,
		log:         log,
		m:           m,
		nextRun:     policy.LastSyncAt.Add(policy.Interval()),
		nextTrigger: types.TriggerScheduled,
	}
}

// Engine returns the bound engine.
func (t *Task) Engine() *engine.Engine { return t.eng }

// VaultID returns the bound vault.
func (t *Task) VaultID() uint { return t.eng.Vault().ID }

// Interrupt raises the flag the next heartbeat observes.
func (t *Task) Interrupt() { t.interrupted.Store(true) }

// Running reports whether a run is in flight.
func (t *Task) Running() bool { return t.running.Load() }

// NextRun returns the scheduled time.
func (t *Task) NextRun() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextRun
}

// Reschedule sets the next run time.
func (t *Task) Reschedule(at time.Time) {
	t.mu.Lock()
	t.nextRun = at
	t.mu.Unlock()
}

// RunNow re-arms the task for immediate execution with the given trigger.
// Calls while a run is in flight coalesce into one follow-up run.
func (t *Task) RunNow(trigger types.EventTrigger) {
	t.mu.Lock()
	t.nextRun = time.Now()
	t.nextTrigger = trigger
	t.mu.Unlock()
	if t.running.Load() {
		t.pendingRun.Store(true)
	}
}

func (t *Task) takeTrigger() types.EventTrigger {
	t.mu.Lock()
	defer t.mu.Unlock()
	trigger := t.nextTrigger
	t.nextTrigger = types.TriggerScheduled
	return trigger
}

// Run executes one full staged pass. Reentrant calls are refused so a
// vault never has two concurrent events.
func (t *Task) Run(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		t.interrupted.Store(false)
		t.running.Store(false)
	}()

	trigger := t.takeTrigger()
	logger := t.log.WithVault(t.VaultID())

	event, err := t.start(ctx, trigger)
	if err != nil {
		logger.WithError(err).Error("sync start failed")
		t.Reschedule(time.Now().Add(t.eng.CurrentPolicy().Interval()))
		return
	}

	rec := &eventRecorder{event: event}
	runErr := t.runStages(ctx, rec)
	t.shutdown(ctx, rec, runErr)
}

// start transitions any lingering previous event to a terminal status,
// self-heals the vault root directory and opens a new running event.
func (t *Task) start(ctx context.Context, trigger types.EventTrigger) (*types.SyncEvent, error) {
	if prev := t.eng.LatestSyncEvent(); prev != nil && !prev.Status.Terminal() {
		prev.Status = types.EventCancelled
		now := time.Now().UTC()
		prev.TimestampEnd = &now
	}

	if err := t.ensureRootDirectory(ctx); err != nil {
		return nil, err
	}

	event, err := t.eng.NewSyncEvent(ctx, trigger)
	if err != nil {
		return nil, err
	}
	event.Status = types.EventRunning
	if err := t.store.Syncs().Save(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (t *Task) ensureRootDirectory(ctx context.Context) error {
	_, err := t.store.Entries().DirectoryByPath(ctx, t.VaultID(), "/")
	if err == nil {
		return nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return err
	}
	t.log.WithVault(t.VaultID()).Warn("vault root directory missing, recreating")
	_, err = t.eng.Orchestrator().MkVault(ctx, t.eng.FusePath("/"), t.eng.Vault(), 0o755, t.eng)
	return err
}

func (t *Task) runStages(ctx context.Context, rec *eventRecorder) error {
	stages := []struct {
		name string
		fn   func(context.Context, *eventRecorder) error
	}{
		{"process_operations", t.processOperations},
		{"remove_trashed", t.removeTrashedFiles},
		{"key_rotation", t.handleVaultKeyRotation},
	}
	if t.eng.IsCloud() {
		stages = append(stages,
			struct {
				name string
				fn   func(context.Context, *eventRecorder) error
			}{"cloud_sync", t.cloudSync},
		)
	}

	for _, stage := range stages {
		if err := t.heartbeat(ctx, rec.event); err != nil {
			return err
		}
		begin := time.Now()
		err := stage.fn(ctx, rec)
		if t.m != nil {
			t.m.StageSeconds.WithLabelValues(stage.name).Observe(time.Since(begin).Seconds())
		}
		if err != nil {
			return fmt.Errorf("%s: %w", stage.name, err)
		}
	}
	return nil
}

// heartbeat stamps liveness and observes the interrupt flag.
func (t *Task) heartbeat(ctx context.Context, event *types.SyncEvent) error {
	if t.interrupted.Load() {
		return ErrInterrupted
	}
	if err := ctx.Err(); err != nil {
		return ErrInterrupted
	}
	now := time.Now().UTC()
	event.HeartbeatAt = now
	return t.store.Syncs().Heartbeat(ctx, event.ID, now)
}

// processOperations consumes pending move/rename/copy records: the
// destination ciphertext is rewritten under the current vault key, and for
// cloud vaults the object namespace is brought in line.
func (t *Task) processOperations(ctx context.Context, rec *eventRecorder) error {
	ops, err := t.store.Operations().ListByVault(ctx, t.VaultID())
	if err != nil {
		return err
	}

	for _, op := range ops {
		if err := t.heartbeat(ctx, rec.event); err != nil {
			return err
		}

		f, err := t.store.Entries().FileByPath(ctx, t.VaultID(), op.DestinationPath)
		if errors.Is(err, catalog.ErrNotFound) {
			// The file moved on since; the record is stale.
			_ = t.store.Operations().Clear(ctx, op.ID)
			continue
		}
		if err != nil {
			return err
		}

		metric := types.MetricRename
		if op.Op == types.OpCopy {
			metric = types.MetricCopy
		}
		scoped := rec.scoped(metric, f.SizeBytes)
		scoped.Stop(t.applyOperation(ctx, op, f) == nil)

		if err := t.store.Operations().Clear(ctx, op.ID); err != nil {
			return err
		}
	}
	return nil
}

func (t *Task) applyOperation(ctx context.Context, op *types.Operation, f *types.File) error {
	logger := t.log.WithVault(t.VaultID()).WithField("path", f.Path)

	plaintext, err := t.eng.ReadPlaintext(f)
	if err != nil {
		logger.WithError(err).Warn("operation: read failed")
		return err
	}

	var ciphertext []byte
	if len(plaintext) > 0 {
		if ciphertext, err = t.eng.Keys().Encrypt(plaintext, f); err != nil {
			logger.WithError(err).Warn("operation: re-encrypt failed")
			return err
		}
		if err := writeBacking(f.BackingPath, ciphertext); err != nil {
			logger.WithError(err).Warn("operation: write failed")
			return err
		}
		if err := t.store.Entries().UpsertFile(ctx, f); err != nil {
			return err
		}
	}

	if t.eng.IsCloud() {
		if t.eng.EncryptUpstream() && f.Encrypted() {
			err = t.eng.Upload(ctx, f, ciphertext, true)
		} else {
			err = t.eng.Upload(ctx, f, plaintext, false)
		}
		if err != nil {
			logger.WithError(err).Warn("operation: upload failed")
			return err
		}
		if op.Op != types.OpCopy && op.SourcePath != op.DestinationPath {
			if err := t.eng.RemoveRemotely(ctx, op.SourcePath, false); err != nil &&
				!errors.Is(err, s3.ErrObjectNotFound) {
				logger.WithError(err).Warn("operation: stale object removal failed")
				return err
			}
		}
	}
	return nil
}

// removeTrashedFiles issues one Delete task per reclaimable trash row:
// kind Local for local vaults, Purge for cloud.
func (t *Task) removeTrashedFiles(ctx context.Context, rec *eventRecorder) error {
	// Rows marked deleted by an earlier pass have been observable long
	// enough; drop them before reclaiming the fresh ones.
	if err := t.store.Trash().Sweep(ctx, t.VaultID()); err != nil {
		return err
	}

	rows, err := t.store.Trash().List(ctx, t.VaultID())
	if err != nil {
		return err
	}

	kind := DeleteLocal
	if t.eng.IsCloud() {
		kind = DeletePurge
	}

	var futures []*worker.Future
	for _, row := range rows {
		if row.DeletedAt != nil {
			continue
		}
		if err := t.heartbeat(ctx, rec.event); err != nil {
			return err
		}
		row := row
		scoped := rec.scoped(types.MetricDelete, row.SizeBytes)
		futures = append(futures, t.pool.SubmitErr(func() error {
			err := runDelete(ctx, t.eng, kind, DeleteTarget{Rel: row.Path, Trashed: row})
			scoped.Stop(err == nil)
			if err != nil {
				t.log.WithVault(t.VaultID()).WithError(err).
					WithField("path", row.Path).Warn("trash reclaim failed")
			}
			return nil
		}))
	}
	for _, f := range futures {
		if err := f.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// handleVaultKeyRotation drains rotation-eligible files in N contiguous
// ranges (N = worker pool size) and finishes the rotation once none remain.
func (t *Task) handleVaultKeyRotation(ctx context.Context, rec *eventRecorder) error {
	keys := t.eng.Keys()
	if !keys.RotationInProgress() {
		return nil
	}

	files, err := t.store.Entries().FilesBelowKeyVersion(ctx, t.VaultID(), keys.Version())
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return keys.FinishKeyRotation(ctx)
	}

	n := t.pool.Size()
	chunk := (len(files) + n - 1) / n
	var futures []*worker.Future
	for begin := 0; begin < len(files); begin += chunk {
		end := begin + chunk
		if end > len(files) {
			end = len(files)
		}
		begin, end := begin, end
		futures = append(futures, t.pool.SubmitErr(func() error {
			return runRotateRange(ctx, t.eng, files, begin, end)
		}))
	}
	for _, f := range futures {
		if err := f.Wait(ctx); err != nil {
			t.log.WithVault(t.VaultID()).WithError(err).Warn("key rotation range failed")
		}
	}

	if err := t.heartbeat(ctx, rec.event); err != nil {
		return err
	}

	remaining, err := t.store.Entries().FilesBelowKeyVersion(ctx, t.VaultID(), keys.Version())
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return keys.FinishKeyRotation(ctx)
	}
	t.log.WithVault(t.VaultID()).WithField("remaining", len(remaining)).
		Info("key rotation continues next pass")
	return nil
}

// cloudSync runs the cloud-only stages: initBins, then plan+execute.
func (t *Task) cloudSync(ctx context.Context, rec *eventRecorder) error {
	in, err := t.initBins(ctx, rec.event)
	if err != nil {
		return err
	}

	plan := BuildPlan(in)

	if need := plan.DownloadBytes(); need > 0 {
		if free := t.eng.FreeSpace(ctx); need > free {
			return fmt.Errorf("%w: need %d bytes, have %d", ErrInsufficientDiskSpace, need, free)
		}
	}

	now := time.Now().UTC()
	for _, c := range plan.Conflicts {
		c.CreatedAt = now
		if c.Resolution != types.Unresolved {
			resolved := now
			c.ResolvedAt = &resolved
		}
		rec.conflict(c)
	}

	return newExecutor(t.eng, t.pool, rec, t.log).Execute(ctx, plan)
}

// initBins loads the catalog inventory, the remote listing, and the remote
// hashes for intersecting keys.
func (t *Task) initBins(ctx context.Context, event *types.SyncEvent) (PlanInput, error) {
	in := PlanInput{
		RemoteHashes:        make(map[string]string),
		RemoteDecryptFailed: make(map[string]bool),
		Policy:              t.eng.CurrentPolicy(),
	}

	localFiles, err := t.store.Entries().ListFiles(ctx, t.VaultID())
	if err != nil {
		return in, err
	}
	in.LocalMap = make(map[string]*types.File, len(localFiles))
	for _, f := range localFiles {
		in.LocalMap[f.Path] = f
	}

	if in.RemoteMap, err = t.eng.GroupedFilesFromS3(ctx, ""); err != nil {
		return in, err
	}

	for key := range in.RemoteMap {
		if _, both := in.LocalMap[key]; !both {
			continue
		}
		if err := t.heartbeat(ctx, event); err != nil {
			return in, err
		}
		head, err := t.eng.S3().HeadObject(ctx, key[1:])
		if err != nil {
			t.log.WithVault(t.VaultID()).WithError(err).WithField("key", key).
				Warn("head request failed")
			continue
		}
		if hash := head.Metadata[s3.MetaContentHash]; hash != "" {
			in.RemoteHashes[key] = hash
		}
		if head.Metadata[s3.MetaEncrypted] == "true" {
			if _, _, err := t.eng.RemoteIVAndVersion(ctx, key, head); err != nil {
				in.RemoteDecryptFailed[key] = true
			}
		}
	}
	return in, nil
}

// shutdown stops the event, recomputes its status, persists it and re-arms
// the schedule.
func (t *Task) shutdown(ctx context.Context, rec *eventRecorder, runErr error) {
	event := rec.event
	now := time.Now().UTC()
	event.TimestampEnd = &now
	rec.aggregate()

	switch {
	case errors.Is(runErr, ErrInterrupted):
		event.Status = types.EventCancelled
	case runErr != nil:
		event.Status = types.EventError
		event.ErrorMessage = runErr.Error()
	case event.FailedOps() > 0:
		event.Status = types.EventError
		event.ErrorMessage = fmt.Sprintf("%d operations failed", event.FailedOps())
	default:
		event.Status = types.EventSuccess
	}

	if err := t.store.Syncs().Save(ctx, event); err != nil {
		t.log.WithVault(t.VaultID()).WithError(err).Error("failed to persist sync event")
	}
	if t.m != nil {
		t.m.EventsTotal.WithLabelValues(string(event.Status)).Inc()
		for _, tp := range event.Throughputs {
			t.m.OpsTotal.WithLabelValues(string(tp.Metric), "ok").Add(float64(tp.NumOps - tp.FailedOps))
			t.m.OpsTotal.WithLabelValues(string(tp.Metric), "failed").Add(float64(tp.FailedOps))
			t.m.OpBytesTotal.WithLabelValues(string(tp.Metric)).Add(float64(tp.SizeBytes))
		}
	}

	policy := t.eng.CurrentPolicy()
	if event.Status == types.EventSuccess {
		policy.LastSyncAt = now
		if err := t.store.Vaults().UpdatePolicy(ctx, policy); err != nil &&
			!errors.Is(err, catalog.ErrNotFound) {
			t.log.WithVault(t.VaultID()).WithError(err).Warn("failed to update last_sync_at")
		}
	}

	if t.pendingRun.CompareAndSwap(true, false) {
		t.Reschedule(time.Now())
	} else {
		t.Reschedule(now.Add(policy.Interval()))
	}
}
