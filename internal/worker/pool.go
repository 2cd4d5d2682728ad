// Package worker provides fixed-size task pools. Each pool has one feeder
// goroutine that pulls submitted tasks off a FIFO queue and hands them to
// the first idle worker, falling back to round-robin when all are busy.
package worker

import (
	"context"
	"sync"

	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/metrics"
)

// Task is a unit of work.
type Task func()

// Future is a one-shot result of a submitted task.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task ran or ctx expires.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Pool is a fixed-size worker pool.
type Pool struct {
	name string
	size int
	log  *logging.Logger
	m    *metrics.PoolMetrics

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	stopped bool

	chans []chan Task
	idle  chan int
	rr    int
	wg    sync.WaitGroup
}

// New starts a pool with the given number of workers. m may be nil.
func New(name string, size int, log *logging.Logger, m *metrics.PoolMetrics) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		name:  name,
		size:  size,
		log:   log,
		m:     m,
		chans: make([]chan Task, size),
		idle:  make(chan int, size*4),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < size; i++ {
		p.chans[i] = make(chan Task, 1)
		p.wg.Add(1)
		go p.worker(i)
	}
	p.wg.Add(1)
	go p.feed()
	return p
}

// Size returns the worker count.
func (p *Pool) Size() int { return p.size }

// Submit enqueues a task; it never blocks the caller.
func (p *Pool) Submit(t Task) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, t)
	if p.m != nil {
		p.m.QueueDepth.Set(float64(len(p.queue)))
	}
	p.mu.Unlock()
	p.cond.Signal()
}

// SubmitErr enqueues a fallible task and returns its future.
func (p *Pool) SubmitErr(fn func() error) *Future {
	f := &Future{done: make(chan struct{})}
	p.Submit(func() {
		f.err = fn()
		close(f.done)
	})
	return f
}

// Stop stops accepting tasks, drains the queue and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *Pool) feed() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.stopped {
			p.mu.Unlock()
			for _, ch := range p.chans {
				close(ch)
			}
			return
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		if p.m != nil {
			p.m.QueueDepth.Set(float64(len(p.queue)))
		}
		p.mu.Unlock()

		select {
		case id := <-p.idle:
			p.chans[id] <- t
		default:
			p.rr = (p.rr + 1) % p.size
			p.chans[p.rr] <- t
		}
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case p.idle <- id:
		default:
		}
		t, ok := <-p.chans[id]
		if !ok {
			return
		}
		p.run(t)
	}
}

func (p *Pool) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithSubsystem().WithField("pool", p.name).
				WithField("panic", r).Error("task panicked")
		}
	}()
	t()
	if p.m != nil {
		p.m.Executed.Inc()
	}
}
