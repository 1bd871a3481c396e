package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by AcquireLock when a live process already
// holds the pid lock file.
var ErrAlreadyRunning = fmt.Errorf("another instance is already running")

// Lock is a held pid lock file; Release removes it.
type Lock struct {
	path string
}

// AcquireLock generalizes Meter::alreadyRunning: it reads any existing pid
// file in stateDir, checks whether that pid is still alive via signal 0
// (the Go-idiomatic replacement for shelling out to `ps`), and either
// refuses to start (ErrAlreadyRunning) or removes the stale file and
// writes a fresh one holding os.Getpid().
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(stateDir, "netmate.pid")

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			if processAlive(pid) {
				return nil, ErrAlreadyRunning
			}
		}
		// Stale pid file: the process named inside it is gone.
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale pid file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read pid file: %w", err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &Lock{path: path}, nil
}

// processAlive reports whether pid names a live process, using signal 0
// (no-op delivery used purely for its error semantics: ESRCH means the
// process does not exist).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}

// Release removes the pid lock file, mirroring Meter::exit_fct.
func (l *Lock) Release() error {
	return os.Remove(l.path)
}
