package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter appends to a log file and moves it aside once it would
// grow past the size limit. Safe for concurrent use.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	limit    int64
	keep     int
	f        *os.File
	size     int64
	rotateFn func(path string, keep int) error
}

// NewRotatingWriter opens path for appending. At most maxBackups rotated
// files (path.1 is the newest) are kept next to it.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("logging: create log directory: %w", err)
	}

	w := &RotatingWriter{
		path:     path,
		limit:    int64(maxSizeMB) << 20,
		keep:     maxBackups,
		rotateFn: ShiftBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		w.f.Close()
		w.f = nil
		rotErr := w.rotateFn(w.path, w.keep)
		// Keep logging into the current file even when a rename failed.
		if err := w.open(); err != nil {
			return 0, errors.Join(rotErr, err)
		}
	}

	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("logging: stat %s: %w", w.path, err)
	}
	w.f = f
	w.size = info.Size()
	return nil
}

// TeeWriter writes to both writers.
func TeeWriter(w1, w2 io.Writer) io.Writer {
	return io.MultiWriter(w1, w2)
}

// BackupName returns path for index 0 and path.{index} otherwise.
func BackupName(path string, index int) string {
	if index == 0 {
		return path
	}
	return fmt.Sprintf("%s.%d", path, index)
}

// ShiftBackups moves path to path.1, path.1 to path.2 and so on. The file
// that would become path.{keep+1} is removed. Missing files are skipped.
func ShiftBackups(path string, keep int) error {
	var errs []error
	if err := os.Remove(BackupName(path, keep)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	for i := keep - 1; i >= 0; i-- {
		err := os.Rename(BackupName(path, i), BackupName(path, i+1))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
