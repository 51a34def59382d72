// Package master implements the long-lived supervisor process: it owns a
// single rotating listener child, reaps and restarts it with backoff,
// tracks the workers that listener reports over its status pipe, and
// drives everything from one cooperative event loop goroutine.
package master

import (
	"fmt"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const idleTimeout = 30 * time.Second

// Config bundles everything Master needs at construction time.
type Config struct {
	ConfigPaths ConfigPaths
	Spawner     Spawner
	Status      *StatusReporter
	WatchConfig bool
	// LogfilePath, when non-empty, is reopened on HUP so an operator's
	// logrotate can move the file out from under the running process.
	LogfilePath string
	// Logfile is the handle already opened against LogfilePath at
	// startup (main.go fails fast if this couldn't be opened); Master
	// takes ownership of it and swaps it out on HUP.
	Logfile *os.File
}

// Master is the single-goroutine supervisor. Every field below is touched
// only by the goroutine running Run's loop; the reader goroutines spawned
// per listener and the signal pump goroutine communicate exclusively
// through the channels held here, never by touching these fields directly.
type Master struct {
	configPaths ConfigPaths
	spawner     Spawner
	status      *StatusReporter
	logfilePath string
	logfile     *os.File

	signalQueue   *SignalQueue
	configWatcher *ConfigWatcher

	events chan ipcEvent

	listenersByPID  map[int]*Listener
	currentListener *Listener
	lastGood        *Listener
	nextListenerID  int
	paused          bool

	backoff *Backoff

	procfsFS   procfs.FS
	procfsOK   bool
	lastCensus Census
}

// New constructs a Master ready to Run. It installs signal handling
// immediately, matching the teacher's setupSignals-before-Run sequencing.
func New(cfg Config) *Master {
	m := &Master{
		configPaths:    cfg.ConfigPaths,
		spawner:        cfg.Spawner,
		status:         cfg.Status,
		logfilePath:    cfg.LogfilePath,
		logfile:        cfg.Logfile,
		signalQueue:    NewSignalQueue(),
		events:         make(chan ipcEvent, 256),
		listenersByPID: make(map[int]*Listener),
		backoff:        NewBackoff(),
	}
	if fs, err := procfs.NewFS("/proc"); err == nil {
		m.procfsFS = fs
		m.procfsOK = true
	} else {
		logrus.WithError(err).Debug("procfs unavailable, census will omit per-child usage")
	}
	if cfg.WatchConfig {
		if cw, err := WatchConfig(cfg.ConfigPaths, m.signalQueue); err != nil {
			logrus.WithError(err).Warn("failed to start config watcher, continuing without it")
		} else {
			m.configWatcher = cw
		}
	}
	return m
}

// Run is the entry point: run(ready_pipe). readyPipe may be nil.
func (m *Master) Run(readyPipe *os.File) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("master loop panicked: %v", r)
			if st, ok := err.(interface{ StackTrace() errors.StackTrace }); ok {
				logrus.WithField("stack", fmt.Sprintf("%+v", st.StackTrace())).Error("$EXIT")
			} else {
				logrus.WithError(err).Error("$EXIT")
			}
		}
		m.signalQueue.Stop()
		m.configWatcher.Stop()
	}()

	setProcessTitle(masterTitle(0))

	if readyPipe != nil {
		fmt.Fprintf(readyPipe, "%d\n", os.Getpid())
		_ = readyPipe.Close()
	}

	return m.loop()
}

func (m *Master) loop() error {
	for {
		m.drainEvents()
		m.reapOnce()
		m.maybeStartListener()

		var tok Token
		select {
		case tok = <-m.signalQueue.Tokens():
			if terminal := m.handleToken(tok); terminal {
				m.waitForWorkers()
				return nil
			}
			continue
		default:
		}

		var backoffC <-chan time.Time
		if d, pending := m.backoff.HowLong(time.Now()); pending {
			backoffC = time.After(d)
		}
		idle := time.NewTimer(idleTimeout)

		select {
		case ev := <-m.events:
			m.handleIPCEvent(ev)
		case tok = <-m.signalQueue.Tokens():
			if terminal := m.handleToken(tok); terminal {
				idle.Stop()
				m.waitForWorkers()
				return nil
			}
		case <-m.signalQueue.Wake():
		case <-backoffC:
		case <-idle.C:
		}
		idle.Stop()
	}
}

// drainEvents processes every currently-buffered IPC event without
// blocking, mirroring "drain listener status pipes" at the top of each
// loop iteration.
func (m *Master) drainEvents() {
	for {
		select {
		case ev := <-m.events:
			m.handleIPCEvent(ev)
		default:
			return
		}
	}
}

func (m *Master) handleIPCEvent(ev ipcEvent) {
	l, ok := m.listenersByPID[ev.listenerPID]
	if !ok {
		logrus.WithField("listener_pid", ev.listenerPID).Debug("IPC event for unknown/already-reaped listener")
		return
	}

	switch ev.kind {
	case ipcRunning:
		m.handleListenerReady(l)
	case ipcWorkerStart:
		l.runningWorkers[ev.workerPID] = struct{}{}
		m.status.WorkerStart(ev.workerPID)
	case ipcWorkerStop:
		l.WorkerFinished(ev.workerPID)
		m.status.WorkerStop(ev.workerPID)
		for pid, other := range m.listenersByPID {
			if pid == ev.listenerPID {
				continue
			}
			other.WorkerFinished(ev.workerPID)
		}
	case ipcEOF:
		l.eof = true
	case ipcMalformed:
		// already logged by the reader goroutine
	}
}

// handleListenerReady implements the "current reports ready" row of the
// rotation table: the previous listener (if any) is killed with QUIT, and
// a listener reporting ready that is not the current one (stale, from a
// retired rotation) is killed outright rather than adopted.
func (m *Master) handleListenerReady(l *Listener) {
	if l != m.currentListener {
		logrus.WithField("listener_pid", l.pid).Info("stale ready from a retired listener, re-signaling QUIT")
		l.state = Dying
		_ = l.Kill(syscall.SIGQUIT)
		return
	}

	l.state = Ready
	m.status.ListenerReady(l.pid)
	if m.lastGood != nil {
		m.lastGood.state = Dying
		_ = m.lastGood.Kill(syscall.SIGQUIT)
		m.lastGood = nil
	}
	setProcessTitle(masterTitle(l.pid))
}

func (m *Master) reapOnce() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		m.handleReaped(pid, ws)
	}
}

func (m *Master) handleReaped(pid int, ws unix.WaitStatus) {
	l, ok := m.listenersByPID[pid]
	if !ok {
		logrus.WithField("pid", pid).Debug("reaped unknown pid")
		return
	}
	delete(m.listenersByPID, pid)

	wasCurrent := l == m.currentListener
	if wasCurrent {
		m.currentListener = nil
		m.backoff.Died(time.Now())
	}
	if l == m.lastGood {
		m.lastGood = nil
	}

	m.status.ListenerStop(pid)
	l.Dispose()

	logrus.WithFields(logrus.Fields{
		"listener_pid": pid,
		"exited":       ws.Exited(),
		"exit_status":  ws.ExitStatus(),
		"was_current":  wasCurrent,
	}).Info("listener reaped")
}

func (m *Master) maybeStartListener() {
	if m.currentListener != nil || m.paused {
		return
	}
	if _, pending := m.backoff.HowLong(time.Now()); pending {
		return
	}
	m.startListener()
}

func (m *Master) startListener() {
	m.nextListenerID++
	id := m.nextListenerID

	proc, pipe, err := m.spawner.Spawn(SpawnRequest{
		ConfigPaths: m.configPaths,
		ListenerID:  id,
		OldWorkers:  m.oldWorkerRoster(),
	})
	if err != nil {
		logrus.WithError(err).WithField("listener_id", id).Error("failed to start listener")
		m.backoff.Died(time.Now())
		return
	}

	l := newListener(proc.Pid, id, proc, pipe)
	m.listenersByPID[l.pid] = l
	m.currentListener = l
	m.backoff.Started(time.Now())
	m.status.ListenerStart(l.pid)
	setProcessTitle(masterTitle(l.pid))

	done := make(chan struct{})
	go runReader(l, m.events, done)

	logrus.WithFields(logrus.Fields{"listener_pid": l.pid, "listener_id": id}).Info("listener started")
}

func (m *Master) oldWorkerRoster() []int {
	var roster []int
	for _, l := range m.listenersByPID {
		for pid := range l.runningWorkers {
			roster = append(roster, pid)
		}
	}
	sort.Ints(roster)
	return roster
}

// handleToken acts on one signal token per the signal table. It returns
// true when the loop must terminate (INT/TERM/QUIT).
func (m *Master) handleToken(tok Token) (terminal bool) {
	switch tok.Kind {
	case SigReload, SigConfigChanged:
		if tok.Kind == SigReload {
			m.reopenLogfile()
		}
		m.beginRotation()
	case SigPause:
		m.paused = true
		if m.currentListener != nil {
			m.currentListener.state = Dying
			_ = m.currentListener.Kill(syscall.SIGQUIT)
			m.currentListener = nil
		}
	case SigResume:
		m.paused = false
		for _, l := range m.listenersByPID {
			_ = l.Kill(syscall.SIGCONT)
		}
	case SigShutdown:
		sig := syscall.SIGTERM
		if s, ok := tok.OS.(syscall.Signal); ok {
			sig = s
		}
		for _, l := range m.listenersByPID {
			l.state = Dying
			_ = l.Kill(sig)
		}
		return true
	case SigCensus:
		m.takeCensus()
	}
	return false
}

// reopenLogfile reopens the configured log file in place, letting an
// operator's logrotate rename the old file out from under the running
// process without losing subsequent output. A no-op when no logfile was
// configured, or if the reopen fails (logged, not fatal).
func (m *Master) reopenLogfile() {
	if m.logfilePath == "" {
		return
	}
	f, err := os.OpenFile(m.logfilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logrus.WithError(err).Warn("failed to reopen log file on HUP")
		return
	}
	logrus.SetOutput(f)
	if m.logfile != nil {
		_ = m.logfile.Close()
	}
	m.logfile = f
}

// beginRotation implements the HUP row of the rotation table. The two
// last_good columns differ only here; every other rotation transition
// (ready, stale-ready, death) behaves the same regardless of last_good.
func (m *Master) beginRotation() {
	if m.lastGood == nil {
		m.lastGood = m.currentListener
		m.currentListener = nil
		return
	}
	if m.currentListener != nil {
		m.currentListener.state = Dying
		_ = m.currentListener.Kill(syscall.SIGQUIT)
		m.currentListener = nil
	}
}

// waitForWorkers is the terminal blocking reap: wait (no WNOHANG) until
// every remaining child has been collected.
func (m *Master) waitForWorkers() {
	for len(m.listenersByPID) > 0 {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err != nil {
			if err == unix.ECHILD {
				return
			}
			logrus.WithError(err).Warn("wait_for_workers: wait4 failed")
			return
		}
		if pid > 0 {
			m.handleReaped(pid, ws)
		}
	}
}

func (m *Master) takeCensus() {
	children := make([]ChildUsage, 0, len(m.listenersByPID))
	for pid, l := range m.listenersByPID {
		children = append(children, ChildUsage{PID: pid, Role: "listener"})
		for wpid := range l.runningWorkers {
			children = append(children, ChildUsage{PID: wpid, Role: "worker"})
		}
	}

	c := TakeCensus(m.procfsFS, m.procfsOK, children)

	top := topN(c.ByTopFrame, 10)
	deltas := make(map[string]int, len(top))
	for _, fc := range top {
		deltas[fc.frame] = fc.count - m.lastCensus.ByTopFrame[fc.frame]
	}
	logrus.WithFields(logrus.Fields{
		"goroutines":       c.Goroutines,
		"heap_alloc":       c.HeapAlloc,
		"heap_objects":     c.HeapObjs,
		"num_gc":           c.NumGC,
		"top_frames":       top,
		"top_frame_deltas": deltas,
		"goroutines_delta": c.Goroutines - m.lastCensus.Goroutines,
	}).Info("census")

	for _, child := range c.Children {
		logrus.WithFields(logrus.Fields{
			"pid":     child.PID,
			"role":    child.Role,
			"rss":     child.RSSBytes,
			"threads": child.Threads,
			"state":   child.State,
		}).Info("census child")
	}

	m.lastCensus = c
}

type frameCount struct {
	frame string
	count int
}

func topN(counts map[string]int, n int) []frameCount {
	all := make([]frameCount, 0, len(counts))
	for f, c := range counts {
		all = append(all, frameCount{f, c})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].count > all[j].count })
	if len(all) > n {
		all = all[:n]
	}
	return all
}
