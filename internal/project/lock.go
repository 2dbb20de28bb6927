package project

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is returned when another live process holds the project lock.
var ErrLocked = errors.New("project is locked by another run")

// Lock is an advisory pid lock file beside a project document. At most one
// coordinator may run a project at a time.
type Lock struct {
	path string
}

// NewLock returns the lock guarding the document at docPath.
func NewLock(docPath string) *Lock {
	return &Lock{path: docPath + ".lock"}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock. Locks left by dead processes, or holding garbage,
// are reclaimed once.
func (l *Lock) Acquire() error {
	err := l.create()
	if err == nil {
		return nil
	}
	if !os.IsExist(err) {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	pid, ok, err := l.holder()
	if err != nil {
		return err
	}
	if ok && processExists(pid) {
		return fmt.Errorf("%w (PID %d)", ErrLocked, pid)
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale lock file: %w", err)
	}
	if err := l.create(); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: acquired by another process during retry", ErrLocked)
		}
		return fmt.Errorf("failed to create lock file on retry: %w", err)
	}
	return nil
}

func (l *Lock) create() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, writeErr := fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()
	if writeErr != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock file: %w", writeErr)
	}
	return nil
}

// holder reads the pid in the lock file. ok is false for unparsable content.
func (l *Lock) holder() (pid int, ok bool, err error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read existing lock file: %w", err)
	}
	pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if parseErr != nil {
		return 0, false, nil
	}
	return pid, true, nil
}

// Release removes the lock file. Releasing twice is not an error.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// IsLocked reports whether a live process holds the lock.
func (l *Lock) IsLocked() (bool, error) {
	pid, ok, err := l.holder()
	if err != nil || !ok {
		return false, err
	}
	return processExists(pid), nil
}

// processExists probes pid with signal 0.
func processExists(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
