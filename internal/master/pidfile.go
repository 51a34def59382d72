package master

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// PidfileGuard acquires an exclusive lock on a pidfile, scoped so release
// happens on every exit path, and fails startup fast if a live process
// already holds it. Adapted from the flock-based pidfile idiom used
// elsewhere in the ecosystem (cross-platform, unlike a raw flock(2)
// syscall) rather than a bare os.WriteFile pidfile, which has no locking
// and cannot detect a live holder before writing over it.
type PidfileGuard struct {
	path string
	lock *flock.Flock
}

// AcquirePidfile locks and writes path. An empty path means no pidfile was
// requested; Release is then a no-op, matching the CLI's optional -p flag.
func AcquirePidfile(path string) (*PidfileGuard, error) {
	if path == "" {
		return &PidfileGuard{}, nil
	}

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 {
			if processAlive(pid) {
				return nil, errors.Errorf("pidfile %s: pid %d is still running", path, pid)
			}
		}
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "acquire pidfile lock")
	}
	if !locked {
		return nil, errors.Errorf("pidfile %s: held by another process", path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, errors.Wrap(err, "write pidfile")
	}

	return &PidfileGuard{path: path, lock: fl}, nil
}

// Release unlocks and removes the pidfile. Safe to call on a guard from an
// empty path (no-op) and safe to call more than once.
func (g *PidfileGuard) Release() {
	if g == nil || g.lock == nil {
		return
	}
	_ = g.lock.Unlock()
	_ = os.Remove(g.path)
	g.lock = nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
