package master

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// StatusReporter emits line-oriented lifecycle events on an optional
// outward-facing pipe inherited from a supervisor. It is write-only and
// best-effort: a write failure is logged once and then silently swallowed
// for the rest of the process's life.
type StatusReporter struct {
	mu       sync.Mutex
	w        *os.File
	warned   bool
	disabled bool
}

// NewStatusReporter wraps w, which may be nil — status reporting is
// entirely optional.
func NewStatusReporter(w *os.File) *StatusReporter {
	return &StatusReporter{w: w}
}

func (s *StatusReporter) emit(kind, state string, pid int) {
	if s == nil || s.w == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return
	}
	line := fmt.Sprintf("%s,%d,%s\n", kind, pid, state)
	if _, err := s.w.WriteString(line); err != nil {
		if !s.warned {
			logrus.WithError(err).Warn("status pipe write failed, disabling further writes")
			s.warned = true
			s.disabled = true
		}
	}
}

// ListenerStart/ListenerReady/ListenerStop/WorkerStart/WorkerStop emit the
// (kind, state) pairs of the wire protocol: kind in {listener, worker},
// state in {start, ready, stop}; "ready" is listener-only.
func (s *StatusReporter) ListenerStart(pid int) { s.emit("listener", "start", pid) }
func (s *StatusReporter) ListenerReady(pid int) { s.emit("listener", "ready", pid) }
func (s *StatusReporter) ListenerStop(pid int)  { s.emit("listener", "stop", pid) }
func (s *StatusReporter) WorkerStart(pid int)   { s.emit("worker", "start", pid) }
func (s *StatusReporter) WorkerStop(pid int)    { s.emit("worker", "stop", pid) }
