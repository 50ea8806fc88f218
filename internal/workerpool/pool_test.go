package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndDrain(t *testing.T) {
	p := New(2, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		ok := p.Submit(func(context.Context) {
			count.Add(1)
		})
		if !ok {
			t.Fatalf("Submit %d failed", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestSubmitAfterShutdownReturnsFalse(t *testing.T) {
	p := New(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if p.Submit(func(context.Context) {}) {
		t.Fatal("Submit after Shutdown should return false")
	}
}

func TestQueueFullReturnsFalse(t *testing.T) {
	p := New(1, 1)
	// Block the worker
	blocker := make(chan struct{})
	p.Submit(func(context.Context) { <-blocker })

	// Let the worker pick up the first task, then fill the queue (size 1).
	time.Sleep(10 * time.Millisecond)
	p.Submit(func(context.Context) {})

	// Queue is full now.
	if p.Submit(func(context.Context) {}) {
		t.Fatal("Submit should return false when queue is full")
	}

	close(blocker)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
}

func TestDrainWithoutStopAcceptingAutoStops(t *testing.T) {
	p := New(1, 10)
	p.Submit(func(context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Drain stops accepting on its own.
	p.Drain(ctx)

	if p.Submit(func(context.Context) {}) {
		t.Fatal("Submit should return false after auto-stopped Drain")
	}
}

func TestContextCancelledAfterDrain(t *testing.T) {
	p := New(1, 10)
	p.Submit(func(context.Context) {})

	poolCtx := p.Context()
	if poolCtx.Err() != nil {
		t.Fatal("pool context should not be cancelled before Drain")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if poolCtx.Err() == nil {
		t.Fatal("pool context should be cancelled after Drain")
	}
}

func TestDrainRespectsContextDeadline(t *testing.T) {
	p := New(1, 10)
	blocker := make(chan struct{})
	p.Submit(func(context.Context) { <-blocker })

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Shutdown(ctx)
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Fatalf("Drain should have timed out in ~100ms, took %v", elapsed)
	}

	close(blocker) // cleanup
}

func TestSingleWorkerDrainDoesNotDeadlock(t *testing.T) {
	p := New(1, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		p.Submit(func(context.Context) {
			time.Sleep(1 * time.Millisecond)
			count.Add(1)
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if got := count.Load(); got != 5 {
		t.Fatalf("single-worker drain: count = %d, want 5", got)
	}
}

func TestPanicRecovery(t *testing.T) {
	p := New(1, 10)
	var count atomic.Int32

	// Submit a panicking task
	p.Submit(func(context.Context) {
		panic("test panic")
	})
	// Submit a normal task after
	p.Submit(func(context.Context) {
		count.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if got := count.Load(); got != 1 {
		t.Fatalf("task after panic: count = %d, want 1", got)
	}
	if p.Panics() != 1 {
		t.Fatalf("Panics() = %d, want 1", p.Panics())
	}
}

func TestTrySubmitReasons(t *testing.T) {
	p := New(1, 1)
	blocker := make(chan struct{})
	if err := p.TrySubmit(func(context.Context) { <-blocker }); err != nil {
		t.Fatalf("first TrySubmit: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	p.TrySubmit(func(context.Context) {})

	if err := p.TrySubmit(func(context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("TrySubmit on full queue = %v, want ErrQueueFull", err)
	}

	close(blocker)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if err := p.TrySubmit(func(context.Context) {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("TrySubmit after Shutdown = %v, want ErrStopped", err)
	}
}

func TestTaskContextCancelledOnShutdown(t *testing.T) {
	p := New(1, 1)
	cancelled := make(chan struct{})
	p.Submit(func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.Shutdown(ctx)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("running task did not observe pool cancellation")
	}
}
