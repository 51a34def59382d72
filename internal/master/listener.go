package master

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Listener is the master's in-process handle for one spawned listener
// child: its pid, the read end of its status pipe, the worker pids it has
// announced, and its place in the rotation state machine.
type Listener struct {
	pid        int
	listenerID int
	proc       *os.Process
	readPipe   *os.File

	state          LifecycleState
	runningWorkers map[int]struct{}

	scanErr error
	eof     bool
}

func newListener(pid, listenerID int, proc *os.Process, readPipe *os.File) *Listener {
	return &Listener{
		pid:            pid,
		listenerID:     listenerID,
		proc:           proc,
		readPipe:       readPipe,
		state:          Booting,
		runningWorkers: make(map[int]struct{}),
	}
}

// Kill sends sig to the listener. The master only ever signals the
// listener itself (QUIT, CONT, and on shutdown the INT/TERM/QUIT it
// received); the listener is responsible for propagating to its own
// workers.
func (l *Listener) Kill(sig syscall.Signal) error {
	if l.proc == nil {
		return fmt.Errorf("listener pid=%d: no process handle", l.pid)
	}
	return l.proc.Signal(sig)
}

// WorkerFinished removes pid from this listener's running-workers set. A
// pid unknown to this listener is a no-op — on a worker stop the master
// calls this on every listener without checking which of them knew the
// pid (see handleIPCEvent in master.go).
func (l *Listener) WorkerFinished(pid int) {
	delete(l.runningWorkers, pid)
}

// Dispose releases the listener's resources. Callers are expected to have
// already consumed EOF from the reader goroutine before calling this.
func (l *Listener) Dispose() {
	if l.readPipe != nil {
		_ = l.readPipe.Close()
		l.readPipe = nil
	}
}

// ipcKind distinguishes the lines a listener can emit on its status pipe.
type ipcKind int

const (
	ipcRunning ipcKind = iota
	ipcWorkerStart
	ipcWorkerStop
	ipcMalformed
	ipcEOF
)

// ipcEvent is one parsed (or failed-to-parse) line from a listener's status
// pipe, tagged with the listener it came from so the main loop can dispatch
// without the reader goroutine touching any shared state itself.
type ipcEvent struct {
	listenerPID int
	kind        ipcKind
	workerPID   int
	raw         string
}

// parseIPCLine implements the status-pipe wire grammar: "running",
// "worker <pid> start", "worker <pid> stop". Anything else is malformed and
// is logged and discarded rather than treated as fatal.
func parseIPCLine(line string) (ipcKind, int, bool) {
	line = strings.TrimSpace(line)
	if line == "running" {
		return ipcRunning, 0, true
	}
	fields := strings.Fields(line)
	if len(fields) == 3 && fields[0] == "worker" {
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, 0, false
		}
		switch fields[2] {
		case "start":
			return ipcWorkerStart, pid, true
		case "stop":
			return ipcWorkerStop, pid, true
		}
	}
	return 0, 0, false
}

// runReader drains one listener's status pipe, line by line, forwarding
// parsed events to events until EOF. It is the only goroutine that reads
// l.readPipe; it owns no master state and blocks freely, so the main loop
// remains the sole mutator of supervision state. This goroutine is a pure
// producer.
func runReader(l *Listener, events chan<- ipcEvent, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(l.readPipe)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		kind, workerPID, ok := parseIPCLine(line)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"listener_pid": l.pid,
				"line":         line,
			}).Warn("malformed listener IPC line, discarding")
			events <- ipcEvent{listenerPID: l.pid, kind: ipcMalformed, raw: line}
			continue
		}
		events <- ipcEvent{listenerPID: l.pid, kind: kind, workerPID: workerPID}
	}
	events <- ipcEvent{listenerPID: l.pid, kind: ipcEOF}
}
