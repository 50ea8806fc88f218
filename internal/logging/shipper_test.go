package logging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]LogEntry
	err     error
}

func (r *recordingSink) SubmitLogs(_ context.Context, entries []LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, entries)
	return r.err
}

func (r *recordingSink) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestNewShipperDefaults(t *testing.T) {
	s := NewShipper(ShipperConfig{
		AgentVersion: "1.0.0",
		MinLevel:     "warn",
	})

	if s.interval != defaultBatchInterval {
		t.Fatalf("interval = %v, want %v", s.interval, defaultBatchInterval)
	}
	if s.minLevel != slog.LevelWarn {
		t.Fatalf("expected LevelWarn, got %v", s.minLevel)
	}
}

func TestShouldShip(t *testing.T) {
	tests := []struct {
		name     string
		minLevel string
		level    slog.Level
		expected bool
	}{
		{"warn ships error", "warn", slog.LevelError, true},
		{"warn ships warn", "warn", slog.LevelWarn, true},
		{"warn drops info", "warn", slog.LevelInfo, false},
		{"warn drops debug", "warn", slog.LevelDebug, false},
		{"debug ships debug", "debug", slog.LevelDebug, true},
		{"debug ships info", "debug", slog.LevelInfo, true},
		{"error ships error", "error", slog.LevelError, true},
		{"error drops warn", "error", slog.LevelWarn, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewShipper(ShipperConfig{MinLevel: tt.minLevel})
			if got := s.ShouldShip(tt.level); got != tt.expected {
				t.Fatalf("ShouldShip(%v) with minLevel=%s: got %v, want %v",
					tt.level, tt.minLevel, got, tt.expected)
			}
		})
	}
}

func TestEnqueueNonBlocking(t *testing.T) {
	s := NewShipper(ShipperConfig{MinLevel: "debug"})

	for i := 0; i < defaultBufferSize; i++ {
		s.Enqueue(LogEntry{Message: "fill"})
	}

	done := make(chan bool, 1)
	go func() {
		s.Enqueue(LogEntry{Message: "overflow"})
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on full buffer")
	}
	if s.droppedCount.Load() != 1 {
		t.Fatalf("droppedCount = %d, want 1", s.droppedCount.Load())
	}
}

func TestShipBatchCopiesEntries(t *testing.T) {
	sink := &recordingSink{}
	s := NewShipper(ShipperConfig{Sink: sink})

	batch := []LogEntry{{Message: "first"}}
	s.shipBatch(batch)
	batch[0].Message = "mutated"

	if got := sink.batches[0][0].Message; got != "first" {
		t.Fatalf("sink saw %q, batch buffer must not be shared", got)
	}
}

func TestShipBatchDroppedWhenNotReady(t *testing.T) {
	sink := &recordingSink{}
	s := NewShipper(ShipperConfig{Sink: sink, Ready: func() bool { return false }})

	s.shipBatch([]LogEntry{{Message: "early"}})

	if sink.total() != 0 {
		t.Fatalf("expected no submission before ready, got %d entries", sink.total())
	}
}

func TestShipBatchSinkErrorDoesNotPanic(t *testing.T) {
	sink := &recordingSink{err: errors.New("server down")}
	s := NewShipper(ShipperConfig{Sink: sink})
	s.shipBatch([]LogEntry{{Message: "x"}})
	if sink.total() != 1 {
		t.Fatalf("expected one attempted entry, got %d", sink.total())
	}
}

func TestShipperSplitsAtMaxBatchSize(t *testing.T) {
	sink := &recordingSink{}
	s := NewShipper(ShipperConfig{Sink: sink, MinLevel: "debug", FlushInterval: time.Hour})
	s.Start()

	for i := 0; i < defaultMaxBatchSize+7; i++ {
		s.Enqueue(LogEntry{Message: "entry"})
	}
	s.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(sink.batches))
	}
	if len(sink.batches[0]) != defaultMaxBatchSize {
		t.Fatalf("first batch = %d entries, want %d", len(sink.batches[0]), defaultMaxBatchSize)
	}
	if len(sink.batches[1]) != 7 {
		t.Fatalf("second batch = %d entries, want 7", len(sink.batches[1]))
	}
}

func TestShipperFlushesOnInterval(t *testing.T) {
	sink := &recordingSink{}
	s := NewShipper(ShipperConfig{Sink: sink, MinLevel: "debug", FlushInterval: 20 * time.Millisecond})
	s.Start()
	defer s.Stop()

	s.Enqueue(LogEntry{Message: "tick"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.total() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("entry was not flushed by the interval ticker")
}

func TestShipperStartStopDrains(t *testing.T) {
	sink := &recordingSink{}
	s := NewShipper(ShipperConfig{Sink: sink, MinLevel: "debug", FlushInterval: time.Hour})

	s.Start()
	for i := 0; i < 5; i++ {
		s.Enqueue(LogEntry{
			Timestamp: time.Now(),
			Level:     "INFO",
			Component: "test",
			Message:   "entry",
		})
	}
	s.Stop()

	if got := sink.total(); got != 5 {
		t.Fatalf("expected 5 drained entries, got %d", got)
	}
}
