// Package lockfile keeps two runs from syncing the same source and
// destination pair at the same time. A run holds a small JSON file it
// created exclusively and refreshes it periodically; a file that was not
// refreshed for a while belongs to a dead process and may be taken over.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// LockContent is what a lock file holds.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	// Nonce identifies the holder during a takeover race.
	Nonce string `json:"nonce"`
	Key   string `json:"key"`
}

// ErrLockActive is returned when another live run holds the lock.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	Key       string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (%s), last updated %s ago", e.PID, e.Hostname, e.Key, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when another process won a stale lock takeover.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates an empty or unparsable lock file.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock is an acquired lock. Release it when the run ends.
type Lock struct {
	path    string
	content LockContent
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	held    bool
}

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
)

// DefaultDir is where lock files live unless told otherwise: a directory in
// the user cache, or the temp directory when there is none.
func DefaultDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "pgl-sync", "locks")
}

// FileName maps a key to its lock file name. Keys may contain URLs, so the
// name is a name-based UUID of the key.
func FileName(key string) string {
	return ".~pgl-sync-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String() + ".lock"
}

// Acquire takes the lock for key in dir, creating dir if needed. It returns
// *ErrLockActive if a live run holds it. ctx only bounds the acquisition.
func Acquire(ctx context.Context, dir, key string) (*Lock, error) {
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	path := filepath.Join(dir, FileName(key))
	const maxAttempts = 3

	for range maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lock, err := tryAcquire(path, key)
		if err == nil {
			return lock.start(), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		content, readErr := readLockContentSafely(path)
		switch {
		case errors.Is(readErr, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", path, "error", readErr)
		case os.IsNotExist(readErr):
			// Released between our create and read.
			continue
		case readErr != nil:
			time.Sleep(100 * time.Millisecond)
			continue
		default:
			elapsed := time.Since(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{PID: content.PID, Hostname: content.Hostname, Key: content.Key, TimeSince: elapsed}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", content.PID, "host", content.Hostname, "age", elapsed)
		}

		lock, err = takeover(path, key)
		if err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Failed to attempt lock takeover, retrying", "error", err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		return lock.start(), nil
	}
	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

func newContent(key string) (LockContent, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      uuid.NewString(),
		Key:        key,
	}, nil
}

// tryAcquire creates the lock file with O_EXCL, so only one process wins.
func tryAcquire(path, key string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content, err := newContent(key)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	l := newLock(path, content)
	if err := writeLockContent(f, content); err != nil {
		l.cleanup()
		return nil, err
	}
	return l, nil
}

// takeover replaces a stale lock by renaming a fresh file over it, then
// reads it back to see whether this process won.
func takeover(path, key string) (*Lock, error) {
	content, err := newContent(key)
	if err != nil {
		return nil, err
	}
	if err := updateLockFileAtomic(path, content); err != nil {
		return nil, err
	}
	readback, err := readLockContentSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if readback.PID != content.PID || readback.Nonce != content.Nonce {
		return nil, ErrLostRace
	}
	plog.Debug("Took over stale lock", "path", path)
	return newLock(path, content), nil
}

func newLock(path string, content LockContent) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{path: path, content: content, ctx: ctx, cancel: cancel, held: true}
}

func (l *Lock) start() *Lock {
	cleanupTempLockFiles(l.path)
	go l.heartbeat()
	return l
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release stops the heartbeat and removes the lock file. It is safe to
// call more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.cancel()
	l.cleanup()
	l.held = false
}

func (l *Lock) cleanup() {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		}
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			l.content.LastUpdate = time.Now().UTC()
			content := l.content
			l.mu.Unlock()
			if err := updateLockFileAtomic(l.path, content); err != nil {
				// Try again on the next tick.
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// updateLockFileAtomic writes content to a temp file in the same directory
// and renames it over path, so readers never see a partial file.
func updateLockFileAtomic(path string, content LockContent) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary lock file", "path", tmp.Name(), "error", err)
		}
	}()

	if err := writeLockContent(tmp, content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	// Windows refuses to rename open files.
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// cleanupTempLockFiles removes temp files left by crashed heartbeats. Only
// files older than staleTimeout are touched, a live holder may be writing
// a younger one.
func cleanupTempLockFiles(path string) {
	pattern := filepath.Join(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}
	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		plog.Debug("Removing old temporary lock file", "path", match)
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
		}
	}
}

func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContentSafely reads the lock file, retrying briefly when it is
// empty or unparsable because a filesystem exposed a transient state.
func readLockContentSafely(path string) (LockContent, error) {
	var lastErr, corruptErr error
	for range 3 {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return LockContent{}, err
			}
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(data) == 0 {
			corruptErr = errors.New("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		var content LockContent
		if corruptErr = json.Unmarshal(data, &content); corruptErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}
	if corruptErr != nil {
		return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, corruptErr)
	}
	return LockContent{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
