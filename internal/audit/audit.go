// Package audit keeps a tamper-evident journal of every power directive the
// agent issued. Each JSONL record carries the SHA-256 of its predecessor.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/classinsights/agent/internal/logging"
)

var log = logging.L("audit")

const (
	// FileName is the journal file inside the data directory.
	FileName = "directives.jsonl"

	genesisHash = "genesis"
	brokenHash  = "chain-broken"
)

// Event types recorded in the journal.
const (
	EventAgentStart    = "agent_start"
	EventAgentStop     = "agent_stop"
	EventBreakDetected = "break_detected"
	EventDirectiveSent = "directive_sent"
	EventOSShutdown    = "os_shutdown"
	EventRemoteCommand = "remote_command"
	EventUpdateInstall = "update_install"
	EventLogRotated    = "log_rotated"
)

// durableEvents are fsynced after writing: each one precedes the machine
// going down.
var durableEvents = map[string]bool{
	EventAgentStart:    true,
	EventAgentStop:     true,
	EventOSShutdown:    true,
	EventRemoteCommand: true,
	EventUpdateInstall: true,
}

// Entry is a single journal record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Subject   string         `json:"subject,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Options configures a Journal.
type Options struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
}

// Journal appends entries to {Dir}/directives.jsonl, rotating by size. A
// rotated file starts with an EventLogRotated entry whose prevHash links to
// the last entry of the previous file.
type Journal struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	now        func() time.Time
	dropped    atomic.Int64
}

// Open creates the data directory if needed and continues the hash chain
// of an existing journal.
func Open(opts Options) (*Journal, error) {
	if opts.Dir == "" {
		return nil, errors.New("audit: no data directory")
	}
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create data dir: %w", err)
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}

	j := &Journal{
		filePath:   filepath.Join(opts.Dir, FileName),
		maxSize:    int64(opts.MaxSizeMB) * 1024 * 1024,
		maxBackups: opts.MaxBackups,
		prevHash:   genesisHash,
		now:        time.Now,
	}

	if last, err := lastHash(j.filePath); err != nil {
		log.Warn("cannot resume journal hash chain", "path", j.filePath, "error", err)
		j.prevHash = brokenHash
	} else if last != "" {
		j.prevHash = last
	}

	if err := j.openFile(); err != nil {
		return nil, err
	}

	log.Info("directive journal opened", "path", j.filePath)
	return j, nil
}

// Path returns the active journal file.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.filePath
}

// Record appends one entry. The chain only advances after a successful
// write. Safe to call on a nil receiver.
func (j *Journal) Record(eventType, subject string, details map[string]any) {
	if j == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{
		Timestamp: j.now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Subject:   subject,
		Details:   details,
		PrevHash:  j.prevHash,
	}
	if err := j.append(&entry, true); err != nil {
		log.Error("failed to write journal entry", "error", err, "eventType", eventType)
		j.dropped.Add(1)
		return
	}

	if durableEvents[eventType] {
		if err := j.file.Sync(); err != nil {
			log.Error("failed to fsync journal entry", "error", err, "eventType", eventType)
		}
	}
}

// Close closes the journal file. Safe to call on a nil receiver.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// DroppedCount returns the number of entries that failed to write, or -1 for
// a nil journal.
func (j *Journal) DroppedCount() int64 {
	if j == nil {
		return -1
	}
	return j.dropped.Load()
}

// append hashes, marshals and writes entry, rotating first when allowed and
// the file is full.
func (j *Journal) append(entry *Entry, mayRotate bool) error {
	if j.file == nil {
		return errors.New("journal is closed")
	}

	hash, err := computeHash(*entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')

	if mayRotate && j.written > 0 && j.written+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
		entry.PrevHash = j.prevHash
		return j.append(entry, false)
	}

	n, err := j.file.Write(data)
	if err != nil {
		return err
	}
	j.written += int64(n)
	j.prevHash = entry.EntryHash
	return nil
}

// computeHash length-prefixes every field so no two entries serialize to
// the same input.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.Subject, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (j *Journal) openFile() error {
	f, err := os.OpenFile(j.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("audit: open journal: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("audit: stat journal: %w", err)
	}

	j.file = f
	j.written = info.Size()
	return nil
}

func (j *Journal) rotate() error {
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}

	if err := logging.ShiftBackups(j.filePath, j.maxBackups); err != nil {
		log.Warn("journal rotation: could not shift every backup", "error", err)
	}

	if err := j.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: j.now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		Details:   map[string]any{"previousFile": filepath.Base(logging.BackupName(j.filePath, 1))},
		PrevHash:  j.prevHash,
	}
	if err := j.append(&sentinel, false); err != nil {
		log.Error("rotation sentinel failed, hash chain broken", "error", err)
		j.dropped.Add(1)
		j.prevHash = brokenHash
	}
	return nil
}

// lastHash returns the entryHash of the final record in path, or "" when
// the file does not exist or is empty.
func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last string
	err = scanEntries(f, func(e Entry) error {
		last = e.EntryHash
		return nil
	})
	return last, err
}

// VerifyResult summarizes a chain check of one journal file.
type VerifyResult struct {
	Entries int
	// BrokenAt is the 1-based line of the first bad link, zero when intact.
	BrokenAt int
	Reason   string
}

// Verify recomputes every hash in the journal at path and checks that each
// record links to its predecessor. The first record may link to anything:
// it continues a rotated or resumed chain.
func Verify(path string) (VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{}, err
	}
	defer f.Close()

	var (
		res  VerifyResult
		prev string
	)
	err = scanEntries(f, func(e Entry) error {
		res.Entries++
		if res.BrokenAt != 0 {
			return nil
		}
		want, err := computeHash(e)
		if err != nil {
			return err
		}
		switch {
		case want != e.EntryHash:
			res.BrokenAt, res.Reason = res.Entries, "entry hash mismatch"
		case res.Entries > 1 && e.PrevHash != prev:
			res.BrokenAt, res.Reason = res.Entries, "prevHash does not match previous entry"
		}
		prev = e.EntryHash
		return nil
	})
	return res, err
}

func scanEntries(r io.Reader, fn func(Entry) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}
