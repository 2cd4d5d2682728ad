package sync

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/engine"
	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/metrics"
	"github.com/vaulthalla/vaulthalla/internal/types"
	"github.com/vaulthalla/vaulthalla/internal/worker"
)

// EngineFactory builds an engine for a vault during controller refresh; the
// daemon wires it with paths, keys and (for cloud vaults) the S3 binding.
type EngineFactory func(ctx context.Context, vault *types.Vault, policy *types.Policy) (*engine.Engine, error)

// Controller schedules one sync task per vault by next-run time. A single
// controller goroutine pops the earliest ready task and starts it on its own
// goroutine; it never blocks outside its own wait primitive.
type Controller struct {
	store    catalog.Store
	pool     *worker.Pool
	registry *engine.Registry
	factory  EngineFactory
	log      *logging.Logger
	m        *metrics.SyncMetrics

	mu    sync.Mutex
	tasks map[uint]*Task

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	cron *cron.Cron
}

// NewController wires the scheduler.
func NewController(store catalog.Store, pool *worker.Pool, registry *engine.Registry,
	factory EngineFactory, log *logging.Logger, m *metrics.SyncMetrics) *Controller {
	return &Controller{
		store:    store,
		pool:     pool,
		registry: registry,
		factory:  factory,
		log:      log,
		m:        m,
		tasks:    make(map[uint]*Task),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		cron:     cron.New(),
	}
}

// Start performs the initial refresh, launches the scheduler loop and arms
// the periodic catalog refresh.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	go c.run(ctx)

	_, err := c.cron.AddFunc("@every 1m", func() {
		if err := c.Refresh(ctx); err != nil {
			c.log.WithSubsystem().WithError(err).Warn("vault refresh failed")
		}
	})
	if err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// Stop tears the scheduler down; running tasks are interrupted.
func (c *Controller) Stop() {
	c.cron.Stop()
	close(c.stop)
	<-c.done

	c.mu.Lock()
	for _, t := range c.tasks {
		t.Interrupt()
	}
	c.mu.Unlock()
}

// Refresh reconciles the task set against the catalog: new vaults gain a
// task (and an engine), removed vaults have theirs pruned, and surviving
// tasks pick up policy changes.
func (c *Controller) Refresh(ctx context.Context) error {
	vaults, err := c.store.Vaults().List(ctx, catalog.VaultFilter{ActiveOnly: true}, catalog.Page{})
	if err != nil {
		return err
	}

	live := make(map[uint]struct{}, len(vaults))
	for _, v := range vaults {
		live[v.ID] = struct{}{}

		policy, err := c.store.Vaults().Policy(ctx, v.ID)
		if err != nil {
			c.log.WithVault(v.ID).WithError(err).Warn("vault has no policy, skipping")
			continue
		}

		c.mu.Lock()
		task, known := c.tasks[v.ID]
		c.mu.Unlock()

		if known {
			task.Engine().SetPolicy(policy)
			continue
		}

		eng, err := c.factory(ctx, v, policy)
		if err != nil {
			c.log.WithVault(v.ID).WithError(err).Error("engine construction failed")
			continue
		}
		c.registry.Put(eng)

		task = NewTask(eng, c.pool, c.log, c.m)
		task.RunNow(types.TriggerStartup)

		c.mu.Lock()
		c.tasks[v.ID] = task
		c.mu.Unlock()
		c.log.WithVault(v.ID).Info("sync task registered")
	}

	c.mu.Lock()
	for id, task := range c.tasks {
		if _, ok := live[id]; !ok {
			task.Interrupt()
			delete(c.tasks, id)
			c.registry.Delete(id)
			c.log.WithVault(id).Info("sync task pruned")
		}
	}
	c.mu.Unlock()

	c.kick()
	return nil
}

// RunNow re-arms a vault's task for immediate execution. Calls while the
// task runs coalesce into the already-pending follow-up.
func (c *Controller) RunNow(vaultID uint, trigger types.EventTrigger) {
	c.mu.Lock()
	task, ok := c.tasks[vaultID]
	c.mu.Unlock()
	if !ok {
		return
	}
	task.RunNow(trigger)
	c.kick()
}

// Task exposes a vault's task; used by tests and the admin surface.
func (c *Controller) Task(vaultID uint) (*Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[vaultID]
	return t, ok
}

func (c *Controller) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	for {
		next, wait := c.pickNext()
		if next != nil {
			// The task runs on its own goroutine and fans its per-op work
			// out to the sync pool; parking the task itself on the pool
			// could starve the sub-ops it waits for.
			task := next
			go task.Run(ctx)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-c.stop:
			timer.Stop()
			return
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// pickNext pops the earliest ready, not-running task; when none is ready it
// returns how long to sleep until the next candidate.
func (c *Controller) pickNext() (*Task, time.Duration) {
	const idleWait = 30 * time.Second

	c.mu.Lock()
	defer c.mu.Unlock()

	q := make(taskQueue, 0, len(c.tasks))
	for _, t := range c.tasks {
		if t.Running() || !t.Engine().CurrentPolicy().Enabled {
			continue
		}
		q = append(q, t)
	}
	if len(q) == 0 {
		return nil, idleWait
	}
	heap.Init(&q)

	earliest := q[0]
	now := time.Now()
	if !earliest.NextRun().After(now) {
		// Push it well into the future; Run's shutdown re-arms it.
		earliest.Reschedule(now.Add(24 * time.Hour))
		return earliest, 0
	}
	wait := time.Until(earliest.NextRun())
	if wait > idleWait {
		wait = idleWait
	}
	return nil, wait
}

// taskQueue is a min-heap over next-run times.
type taskQueue []*Task

func (q taskQueue) Len() int            { return len(q) }
func (q taskQueue) Less(i, j int) bool  { return q[i].NextRun().Before(q[j].NextRun()) }
func (q taskQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x any)         { *q = append(*q, x.(*Task)) }
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
