package fileident

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrStillWriting indicates a file's size changed between two reads, meaning
// another process is still producing it.
var ErrStillWriting = errors.New("file is still being written")

// ErrLocked indicates another process holds an exclusive lock on the file.
var ErrLocked = errors.New("file is locked by another process")

// StabilityChecker verifies that a candidate file has settled before it is
// enqueued. The delays are injectable so tests do not have to sleep for the
// production windows.
type StabilityChecker struct {
	// RecentWriteWindow is how recently a file must have been written for the
	// size re-read to apply.
	RecentWriteWindow time.Duration
	// RecheckDelay is how long to wait between the two size reads.
	RecheckDelay time.Duration
}

// NewStabilityChecker returns a checker with the production windows: files
// written within the last 10 seconds get a delayed size re-read.
func NewStabilityChecker() *StabilityChecker {
	return &StabilityChecker{
		RecentWriteWindow: 10 * time.Second,
		RecheckDelay:      3 * time.Second,
	}
}

// Check blocks until the file at path is judged stable or returns a transient
// error (ErrStillWriting, ErrLocked, or an I/O error). Callers treat any
// error as "retry on a later pass", never as a permanent failure.
func (c *StabilityChecker) Check(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat candidate: %w", err)
	}

	if time.Since(info.ModTime()) < c.RecentWriteWindow {
		size := info.Size()
		time.Sleep(c.RecheckDelay)
		again, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("re-stat candidate: %w", err)
		}
		if again.Size() != size {
			return ErrStillWriting
		}
	}

	return probeExclusive(path)
}

// probeExclusive opens the file for read/write and attempts a non-blocking
// exclusive lock. A failure means some other process still owns the file.
func probeExclusive(path string) error {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsPermission(err) {
			// Read-only files cannot be mid-download; accept them.
			return nil
		}
		return fmt.Errorf("open for lock probe: %w", err)
	}
	defer file.Close()

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLocked
		}
		return fmt.Errorf("lock probe: %w", err)
	}
	_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return nil
}
