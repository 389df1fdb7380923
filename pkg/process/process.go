package process

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"
)

// IsProcessAlive checks if a process with the given PID is still running.
// It uses a signal-sending method that is cross-platform for Unix-like systems (macOS, Linux).
func IsProcessAlive(pid int) bool {
	// PID 0 or less is invalid.
	if pid <= 0 {
		return false
	}

	// Find the process. This doesn't fail on Unix if the process doesn't exist.
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 checks for existence without delivering anything.
	// EPERM means the process exists but belongs to someone else.
	// ESRCH means it is gone.
	err = process.Signal(syscall.Signal(0))
	if err == nil || os.IsPermission(err) || errors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}

// WatchParent polls pid with a zero-effect signal every interval and closes the
// returned channel once the process no longer exists. The channel is never
// closed if ctx is cancelled first.
func WatchParent(ctx context.Context, pid int, interval time.Duration) <-chan struct{} {
	return watch(ctx, pid, interval, IsProcessAlive)
}

func watch(ctx context.Context, pid int, interval time.Duration, alive func(int) bool) <-chan struct{} {
	gone := make(chan struct{})
	if pid <= 1 {
		// Reparented to init already, or no parent recorded: nothing to watch.
		return gone
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !alive(pid) {
					close(gone)
					return
				}
			}
		}
	}()
	return gone
}
