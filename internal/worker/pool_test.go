package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaulthalla/vaulthalla/internal/logging"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := New("test", 4, logging.Nop(), nil)
	defer p.Stop()

	var n atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Submit(func() {
			n.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, int64(100), n.Load())
}

func TestPoolParallelism(t *testing.T) {
	p := New("test", 4, logging.Nop(), nil)
	defer p.Stop()

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		p.Submit(func() {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.Greater(t, peak.Load(), int64(1))
	assert.LessOrEqual(t, peak.Load(), int64(4))
}

func TestFuture(t *testing.T) {
	p := New("test", 1, logging.Nop(), nil)
	defer p.Stop()

	want := errors.New("boom")
	f := p.SubmitErr(func() error { return want })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, f.Wait(ctx), want)
	assert.True(t, f.Done())
}

func TestStopDrainsQueue(t *testing.T) {
	p := New("test", 2, logging.Nop(), nil)

	var n atomic.Int64
	for i := 0; i < 50; i++ {
		p.Submit(func() { n.Add(1) })
	}
	p.Stop()
	assert.Equal(t, int64(50), n.Load())

	// Submissions after Stop are dropped, not executed.
	p.Submit(func() { n.Add(1) })
	assert.Equal(t, int64(50), n.Load())
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := New("test", 1, logging.Nop(), nil)
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	p.Submit(func() { panic("task failure") })
	p.Submit(func() { wg.Done() })

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestStopIdempotent(t *testing.T) {
	p := New("test", 2, logging.Nop(), nil)
	p.Stop()
	require.NotPanics(t, p.Stop)
}
