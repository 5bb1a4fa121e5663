package plog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/pgzip"
)

// RotatingFile is an append-only log file capped at a maximum size. When a
// write would exceed the cap, the oldest half of the file is dropped (cut at
// a line boundary) and writing continues on the newest half.
type RotatingFile struct {
	path     string
	maxBytes int64
	archive  bool

	mu   sync.Mutex
	f    *os.File
	size int64
}

// OpenRotatingFile opens (or creates) the log file at path.
func OpenRotatingFile(path string, maxBytes int64, archive bool) (*RotatingFile, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("invalid log file size cap: %d", maxBytes)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat log file %s: %w", path, err)
	}
	return &RotatingFile{path: path, maxBytes: maxBytes, archive: archive, f: f, size: info.Size()}, nil
}

// Write appends p, rotating first if the cap would be exceeded.
func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.size+int64(len(p)) > w.maxBytes && w.size > 0 {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate keeps the newest half of the file. Must be called with mu held.
func (w *RotatingFile) rotate() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("failed to read log file for rotation: %w", err)
	}

	cut := len(data) / 2
	if i := bytes.IndexByte(data[cut:], '\n'); i >= 0 {
		cut += i + 1
	} else {
		cut = len(data)
	}
	head, tail := data[:cut], data[cut:]

	if w.archive && len(head) > 0 {
		if err := w.writeArchive(head); err != nil {
			// Losing the archive is acceptable; losing the log file is not.
			fmt.Fprintf(os.Stderr, "plog: failed to archive rotated log: %v\n", err)
		}
	}

	if err := w.f.Close(); err != nil {
		return fmt.Errorf("failed to close log file for rotation: %w", err)
	}
	w.f = nil

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, tail, 0644); err != nil {
		return fmt.Errorf("failed to write rotated log: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace rotated log: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen log file: %w", err)
	}
	w.f = f
	w.size = int64(len(tail))
	return nil
}

func (w *RotatingFile) writeArchive(data []byte) error {
	name := strings.TrimSuffix(w.path, filepath.Ext(w.path))
	name = fmt.Sprintf("%s.%s%s.gz", name, time.Now().UTC().Format("20060102T150405.000000000Z"), filepath.Ext(w.path))

	out, err := os.Create(name)
	if err != nil {
		return err
	}
	gz := pgzip.NewWriter(out)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Size returns the current size of the log file in bytes.
func (w *RotatingFile) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close closes the underlying file.
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
