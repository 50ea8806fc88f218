// Package workerpool runs remote commands on a fixed number of goroutines
// so a burst of commands cannot pile up power operations.
package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/classinsights/agent/internal/logging"
)

var log = logging.L("workerpool")

var (
	ErrStopped   = errors.New("workerpool: stopped")
	ErrQueueFull = errors.New("workerpool: queue full")
)

// Task is a unit of work. ctx is cancelled when the pool shuts down.
type Task func(ctx context.Context)

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	name      string
	queue     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	panics    atomic.Int64
}

// New creates a pool with workers goroutines and a queue of queueSize.
func New(workers, queueSize int) *Pool {
	return NewNamed("commands", workers, queueSize)
}

// NewNamed is New with a name used in log lines.
func NewNamed(name string, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		queue:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.accepting.Store(true)

	for i := 0; i < workers; i++ {
		go p.worker()
	}

	log.Info("worker pool started", "pool", name, "workers", workers, "queueSize", queueSize)
	return p
}

// Context is cancelled once the pool shuts down.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task Task) bool {
	return p.TrySubmit(task) == nil
}

// TrySubmit is Submit with the reason for a rejection.
func (p *Pool) TrySubmit(task Task) error {
	if !p.accepting.Load() {
		return ErrStopped
	}

	// Add before enqueueing so Shutdown cannot miss the task.
	p.wg.Add(1)
	select {
	case p.queue <- task:
		return nil
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, task rejected", "pool", p.name)
		return ErrQueueFull
	}
}

// Panics returns how many tasks panicked.
func (p *Pool) Panics() int64 {
	return p.panics.Load()
}

// Shutdown stops accepting tasks, waits for queued and running ones until
// ctx is done, then cancels the pool context and releases the workers.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Drain(ctx)
}

// Drain is Shutdown; it also stops accepting when the caller has not.
func (p *Pool) Drain(ctx context.Context) {
	p.accepting.Store(false)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained", "pool", p.name)
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pool", p.name)
	}

	p.cancel()
	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

func (p *Pool) worker() {
	for task := range p.queue {
		p.runTask(task)
	}
}

// runTask executes one task with panic recovery. wg.Done matches the Add in
// TrySubmit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}
