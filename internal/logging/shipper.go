package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBatchInterval = 2 * time.Second
	defaultMaxBatchSize  = 50
	defaultBufferSize    = 1000
	defaultSubmitTimeout = 30 * time.Second
)

// LogEntry represents a single log entry to be shipped remotely.
type LogEntry struct {
	Timestamp    time.Time      `json:"timestamp"`
	Level        string         `json:"level"`
	Component    string         `json:"component"`
	Message      string         `json:"message"`
	Fields       map[string]any `json:"fields,omitempty"`
	AgentVersion string         `json:"agentVersion"`
}

// Sink receives batches of log entries. Implementations must not log
// through slog on failure paths that would re-enter the shipper.
type Sink interface {
	SubmitLogs(ctx context.Context, entries []LogEntry) error
}

// Shipper buffers log entries and hands them to a Sink in batches.
type Shipper struct {
	sink         Sink
	ready        func() bool
	agentVersion string
	buffer       chan LogEntry
	stopChan     chan struct{}
	wg           sync.WaitGroup
	stopOnce     sync.Once
	minLevel     slog.Level
	droppedCount atomic.Int64
	interval     time.Duration
}

// ShipperConfig configures the log shipper.
type ShipperConfig struct {
	Sink         Sink
	AgentVersion string
	MinLevel     string // "debug", "info", "warn", "error"
	// Ready gates delivery. Batches collected while it returns false are
	// discarded, matching a server that cannot attribute logs to a device yet.
	Ready func() bool
	// FlushInterval overrides the 2s batch window (tests).
	FlushInterval time.Duration
}

// NewShipper creates a new log shipper.
func NewShipper(cfg ShipperConfig) *Shipper {
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultBatchInterval
	}
	return &Shipper{
		sink:         cfg.Sink,
		ready:        cfg.Ready,
		agentVersion: cfg.AgentVersion,
		buffer:       make(chan LogEntry, defaultBufferSize),
		stopChan:     make(chan struct{}),
		minLevel:     parseLevel(cfg.MinLevel),
		interval:     interval,
	}
}

// Start begins the background shipping loop.
func (s *Shipper) Start() {
	s.wg.Add(1)
	go s.shipLoop()
}

// Stop gracefully stops the shipper, flushing remaining logs.
// Safe to call multiple times.
func (s *Shipper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Enqueue adds a log entry to the buffer. Non-blocking; drops if buffer is full.
func (s *Shipper) Enqueue(entry LogEntry) {
	select {
	case s.buffer <- entry:
	default:
		dropped := s.droppedCount.Add(1)
		if dropped == 1 || dropped%100 == 0 {
			fmt.Fprintf(os.Stderr, "[log-shipper] buffer full, dropped %d log entries\n", dropped)
		}
	}
}

// ShouldShip returns true if the given level meets the minimum threshold.
func (s *Shipper) ShouldShip(level slog.Level) bool {
	return level >= s.minLevel
}

func (s *Shipper) shipLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]LogEntry, 0, defaultMaxBatchSize)

	for {
		select {
		case <-s.stopChan:
			// Drain remaining buffered entries
		drain:
			for {
				select {
				case entry := <-s.buffer:
					batch = append(batch, entry)
					if len(batch) >= defaultMaxBatchSize {
						s.shipBatch(batch)
						batch = batch[:0]
					}
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.shipBatch(batch)
			}
			return

		case entry := <-s.buffer:
			batch = append(batch, entry)
			if len(batch) >= defaultMaxBatchSize {
				s.shipBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.shipBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Shipper) shipBatch(entries []LogEntry) {
	if s.sink == nil {
		return
	}
	if s.ready != nil && !s.ready() {
		return
	}

	// The sink may retain the slice; batch is reused by the loop.
	out := make([]LogEntry, len(entries))
	copy(out, entries)

	ctx, cancel := context.WithTimeout(context.Background(), defaultSubmitTimeout)
	defer cancel()

	if err := s.sink.SubmitLogs(ctx, out); err != nil {
		fmt.Fprintf(os.Stderr, "[log-shipper] submit of %d entries failed: %v\n", len(out), err)
	}
}
