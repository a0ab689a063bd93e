// Package lock implements the file-based mutual exclusion lock that
// serializes reconciliation runs across process invocations.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// DefaultStaleAfter is the age past which an existing lock file is
// considered abandoned and reclaimed.
const DefaultStaleAfter = 30 * time.Minute

// Record is the JSON payload stored in the lock file.
type Record struct {
	OwnerPID  int       `json:"owner_pid"`
	CreatedAt time.Time `json:"created_at"`
}

// FileLock is a single-file lock with stale reclamation and
// owner-checked release.
type FileLock struct {
	path       string
	staleAfter time.Duration
	pid        int
	now        func() time.Time
}

// New creates a FileLock at path. A non-positive staleAfter falls back to
// DefaultStaleAfter.
func New(path string, staleAfter time.Duration) *FileLock {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &FileLock{
		path:       path,
		staleAfter: staleAfter,
		pid:        os.Getpid(),
		now:        time.Now,
	}
}

// Acquire attempts to take the lock. It returns false when another
// unexpired lock holder exists; the caller must then exit without running.
// A lock older than the staleness threshold is force-removed and
// acquisition retried once.
func (l *FileLock) Acquire() (bool, error) {
	ok, err := l.tryCreate()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	age, err := l.currentAge()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Holder released between our create attempt and the stat.
			return l.tryCreate()
		}
		return false, err
	}

	if age <= l.staleAfter {
		return false, nil
	}

	slog.Warn("Removing stale lock file",
		"path", l.path,
		"age", age.Round(time.Second))
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to remove stale lock: %w", err)
	}
	return l.tryCreate()
}

// Release removes the lock file, but only if this process owns it. Releasing
// a lock owned by another pid would clobber a holder that reclaimed our
// stale lock while we were delayed.
func (l *FileLock) Release() error {
	rec, err := l.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if rec != nil && rec.OwnerPID != l.pid {
		slog.Warn("Not releasing lock owned by another process",
			"path", l.path,
			"owner_pid", rec.OwnerPID,
			"our_pid", l.pid)
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// tryCreate performs the atomic create-if-absent step.
func (l *FileLock) tryCreate() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	rec := Record{OwnerPID: l.pid, CreatedAt: l.now()}
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		os.Remove(l.path)
		return false, fmt.Errorf("failed to write lock record: %w", err)
	}
	return true, nil
}

// currentAge reports how old the existing lock is, preferring the recorded
// creation timestamp and falling back to file mtime when the record is
// unreadable. A corrupt lock must still age out.
func (l *FileLock) currentAge() (time.Duration, error) {
	rec, err := l.read()
	if err != nil {
		return 0, err
	}
	if rec != nil && !rec.CreatedAt.IsZero() {
		return l.now().Sub(rec.CreatedAt), nil
	}
	info, err := os.Stat(l.path)
	if err != nil {
		return 0, err
	}
	return l.now().Sub(info.ModTime()), nil
}

// read returns the lock record, or nil when the file exists but does not
// parse.
func (l *FileLock) read() (*Record, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil //nolint:nilnil // unparsable record, caller falls back to mtime
	}
	return &rec, nil
}
