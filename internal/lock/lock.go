// Package lock keeps overlapping runs from touching area state at once.
package lock

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrLocked is returned when another run holds a fresh lock.
var ErrLocked = errors.New("another run holds the lock")

// Lock is a lock file containing the holder's pid. A lock whose file is older
// than the timeout is considered abandoned and is taken over.
type Lock struct {
	path    string
	timeout time.Duration
	clock   clockwork.Clock
}

// New creates a lock at path. A nil clock selects the real clock.
func New(path string, timeout time.Duration, clock clockwork.Clock) *Lock {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Lock{path: path, timeout: timeout, clock: clock}
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock or returns ErrLocked.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.path)
				return fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			// Staleness is judged by mtime, so stamp it with our clock.
			now := l.clock.Now()
			if err := os.Chtimes(l.path, now, now); err != nil {
				return fmt.Errorf("stamp lock file: %w", err)
			}
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create lock file: %w", err)
		}

		info, err := os.Stat(l.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat lock file: %w", err)
		}
		if info.ModTime().Add(l.timeout).After(l.clock.Now()) {
			return ErrLocked
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return ErrLocked
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Holder returns the pid recorded in the lock file.
func (l *Lock) Holder() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, fmt.Errorf("read lock file: %w", err)
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock file: %w", err)
	}
	return pid, nil
}
