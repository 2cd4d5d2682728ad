package sync

import (
	"context"
	"sync"

	"github.com/vaulthalla/vaulthalla/internal/engine"
	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/types"
	"github.com/vaulthalla/vaulthalla/internal/worker"
)

// eventRecorder serialises scoped-op creation on the shared event while
// per-op tasks run in parallel.
type eventRecorder struct {
	mu    sync.Mutex
	event *types.SyncEvent
}

func (r *eventRecorder) scoped(metric types.Metric, size uint64) *types.ScopedOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	op := r.event.Throughput(metric).NewOp()
	op.Start(size)
	return op
}

func (r *eventRecorder) conflict(c *types.Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.EventID = r.event.ID
	r.event.Conflicts = append(r.event.Conflicts, c)
}

func (r *eventRecorder) aggregate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.event.Throughputs {
		t.Aggregate()
	}
}

// Executor runs a plan in phased barriers: EnsureDirectories, Upload,
// Download, DeleteRemote, DeleteLocal. Within a phase, ops run on the
// worker pool in key order; a phase completes before the next begins.
type Executor struct {
	eng  *engine.Engine
	pool *worker.Pool
	rec  *eventRecorder
	log  *logging.Logger
}

func newExecutor(eng *engine.Engine, pool *worker.Pool, rec *eventRecorder, log *logging.Logger) *Executor {
	return &Executor{eng: eng, pool: pool, rec: rec, log: log}
}

var phaseOrder = []ActionType{
	ActionEnsureDirectories,
	ActionUpload,
	ActionDownload,
	ActionDeleteRemote,
	ActionDeleteLocal,
}

// Execute runs the plan. Per-op failures are recorded on their ScopedOp and
// do not abort the event; only infrastructure failures propagate.
func (x *Executor) Execute(ctx context.Context, plan *Plan) error {
	for _, phase := range phaseOrder {
		var actions []Action
		for _, a := range plan.Actions {
			if a.Type == phase {
				actions = append(actions, a)
			}
		}
		if len(actions) == 0 {
			continue
		}

		if phase == ActionEnsureDirectories {
			if err := x.ensureDirectories(ctx, plan); err != nil {
				return err
			}
			continue
		}

		futures := make([]*worker.Future, 0, len(actions))
		for _, a := range actions {
			action := a
			futures = append(futures, x.pool.SubmitErr(func() error {
				x.runAction(ctx, action)
				return nil
			}))
		}
		for _, f := range futures {
			if err := f.Wait(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// ensureDirectories creates the catalog directories the planned downloads
// will land in, shallowest first.
func (x *Executor) ensureDirectories(ctx context.Context, plan *Plan) error {
	var remote []*types.File
	for _, a := range plan.Actions {
		if a.Type == ActionDownload && a.Remote != nil {
			remote = append(remote, a.Remote)
		}
	}
	missing, err := x.eng.ExtractDirectories(ctx, remote)
	if err != nil {
		return err
	}
	owner := x.eng.Vault().OwnerID
	for _, d := range missing {
		if err := x.eng.Mkdir(ctx, d.Path, owner); err != nil {
			return err
		}
	}
	return nil
}

func (x *Executor) runAction(ctx context.Context, a Action) {
	logger := x.log.WithVault(x.eng.Vault().ID).WithField("key", a.Key)

	switch a.Type {
	case ActionUpload:
		op := x.rec.scoped(types.MetricUpload, a.Local.SizeBytes)
		err := x.eng.Upload(ctx, a.Local, nil, false)
		op.Stop(err == nil)
		if err != nil {
			logger.WithError(err).Warn("upload failed")
		}

	case ActionDownload:
		op := x.rec.scoped(types.MetricDownload, a.Remote.SizeBytes)
		var err error
		if a.FreeAfterDownload {
			_, err = x.eng.IndexAndDeleteFile(ctx, a.Key, x.eng.Vault().OwnerID)
		} else {
			_, err = x.eng.DownloadFile(ctx, a.Key, x.eng.Vault().OwnerID)
		}
		op.Stop(err == nil)
		if err != nil {
			logger.WithError(err).Warn("download failed")
		}

	case ActionDeleteRemote:
		op := x.rec.scoped(types.MetricDelete, remoteSize(a))
		err := runDelete(ctx, x.eng, DeleteRemote, DeleteTarget{Rel: a.Key, File: a.Remote})
		op.Stop(err == nil)
		if err != nil {
			logger.WithError(err).Warn("remote delete failed")
		}

	case ActionDeleteLocal:
		op := x.rec.scoped(types.MetricDelete, localSize(a))
		err := runDelete(ctx, x.eng, DeleteLocal, DeleteTarget{Rel: a.Key, File: a.Local})
		op.Stop(err == nil)
		if err != nil {
			logger.WithError(err).Warn("local delete failed")
		}
	}
}

func remoteSize(a Action) uint64 {
	if a.Remote != nil {
		return a.Remote.SizeBytes
	}
	return 0
}

func localSize(a Action) uint64 {
	if a.Local != nil {
		return a.Local.SizeBytes
	}
	return 0
}
