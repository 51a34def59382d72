package master

import (
	"os"
	"syscall"
	"testing"
	"time"
)

// fakeSpawner avoids forking a real listener binary: it hands back the read
// end of a pipe whose write end is already closed (so the reader goroutine
// sees EOF at once), plus a process handle for a synthetic pid that
// os.FindProcess never validates on Unix.
type fakeSpawner struct {
	nextPID int
	reqs    []SpawnRequest
	fail    bool
}

func (f *fakeSpawner) Spawn(req SpawnRequest) (*os.Process, *os.File, error) {
	f.reqs = append(f.reqs, req)
	if f.fail {
		return nil, nil, os.ErrInvalid
	}
	f.nextPID++
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	_ = w.Close() // nothing to write in these tests; let the reader goroutine see EOF promptly
	proc, err := os.FindProcess(f.nextPID + 90000)
	if err != nil {
		return nil, nil, err
	}
	return proc, r, nil
}

func newTestMaster(spawner Spawner) *Master {
	return &Master{
		spawner:        spawner,
		status:         NewStatusReporter(nil),
		events:         make(chan ipcEvent, 32),
		listenersByPID: make(map[int]*Listener),
		backoff:        NewBackoff(),
	}
}

func TestMaybeStartListenerRespectsCurrentAndPause(t *testing.T) {
	sp := &fakeSpawner{}
	m := newTestMaster(sp)

	m.maybeStartListener()
	if len(sp.reqs) != 1 {
		t.Fatalf("expected one spawn with no current listener, got %d", len(sp.reqs))
	}
	if m.currentListener == nil {
		t.Fatal("expected currentListener to be set after a successful spawn")
	}

	m.maybeStartListener()
	if len(sp.reqs) != 1 {
		t.Fatalf("expected no additional spawn while a listener is current, got %d", len(sp.reqs))
	}

	m.currentListener = nil
	m.paused = true
	m.maybeStartListener()
	if len(sp.reqs) != 1 {
		t.Fatalf("expected no spawn while paused, got %d", len(sp.reqs))
	}
}

func TestMaybeStartListenerRespectsBackoff(t *testing.T) {
	sp := &fakeSpawner{}
	m := newTestMaster(sp)
	m.backoff.Started(time.Now())
	m.backoff.Died(time.Now())

	m.maybeStartListener()
	if len(sp.reqs) != 0 {
		t.Fatalf("expected backoff to suppress the spawn, got %d requests", len(sp.reqs))
	}
}

func TestStartListenerFailureAdvancesBackoff(t *testing.T) {
	sp := &fakeSpawner{fail: true}
	m := newTestMaster(sp)

	m.startListener()
	if m.currentListener != nil {
		t.Fatal("expected currentListener to remain nil after a failed spawn")
	}
	if _, pending := m.backoff.HowLong(time.Now()); !pending {
		t.Fatal("expected a failed spawn to advance backoff")
	}
}

func TestOldWorkerRosterAggregatesAcrossListeners(t *testing.T) {
	m := newTestMaster(&fakeSpawner{})
	l1 := newListener(1, 1, nil, nil)
	l1.runningWorkers[100] = struct{}{}
	l2 := newListener(2, 2, nil, nil)
	l2.runningWorkers[200] = struct{}{}
	l2.runningWorkers[201] = struct{}{}
	m.listenersByPID[1] = l1
	m.listenersByPID[2] = l2

	roster := m.oldWorkerRoster()
	if len(roster) != 3 {
		t.Fatalf("expected 3 roster entries, got %v", roster)
	}
}

func TestHandleListenerReadyKillsPriorAndClearsLastGood(t *testing.T) {
	m := newTestMaster(&fakeSpawner{})
	prior := newListener(1, 1, nil, nil)
	next := newListener(2, 2, nil, nil)
	m.currentListener = next
	m.lastGood = prior

	m.handleListenerReady(next)

	if m.lastGood != nil {
		t.Fatal("expected lastGood to be cleared once the new listener is ready")
	}
	if next.state != Ready {
		t.Fatalf("expected the reporting listener to become Ready, got %v", next.state)
	}
	if prior.state != Dying {
		t.Fatalf("expected the prior listener to be sent QUIT and marked Dying, got %v", prior.state)
	}
}

func TestHandleListenerReadyStaleIsNotAdopted(t *testing.T) {
	m := newTestMaster(&fakeSpawner{})
	current := newListener(1, 1, nil, nil)
	stale := newListener(2, 2, nil, nil)
	m.currentListener = current

	m.handleListenerReady(stale)

	if m.currentListener != current {
		t.Fatal("a stale ready report must not replace currentListener")
	}
	if stale.state == Ready {
		t.Fatal("a stale listener must not transition to Ready")
	}
}

func TestBeginRotationFirstHup(t *testing.T) {
	m := newTestMaster(&fakeSpawner{})
	current := newListener(1, 1, nil, nil)
	m.currentListener = current

	m.beginRotation()

	if m.lastGood != current {
		t.Fatal("expected the retiring listener to become lastGood")
	}
	if m.currentListener != nil {
		t.Fatal("expected currentListener to be cleared so a new one can start")
	}
}

func TestBeginRotationSecondHupKillsBootingCurrent(t *testing.T) {
	m := newTestMaster(&fakeSpawner{})
	lastGood := newListener(1, 1, nil, nil)
	booting := newListener(2, 2, nil, nil)
	m.lastGood = lastGood
	m.currentListener = booting

	m.beginRotation()

	if m.lastGood != lastGood {
		t.Fatal("a second HUP during rotation must keep lastGood untouched")
	}
	if m.currentListener != nil {
		t.Fatal("expected the still-booting current listener to be cleared")
	}
	if booting.state != Dying {
		t.Fatalf("expected the still-booting listener to be sent QUIT and marked Dying, got %v", booting.state)
	}
}

func TestHandleIPCEventWorkerStopForwardsToOtherListeners(t *testing.T) {
	m := newTestMaster(&fakeSpawner{})
	l1 := newListener(1, 1, nil, nil)
	l2 := newListener(2, 2, nil, nil)
	l1.runningWorkers[555] = struct{}{}
	l2.runningWorkers[555] = struct{}{}
	m.listenersByPID[1] = l1
	m.listenersByPID[2] = l2

	m.handleIPCEvent(ipcEvent{listenerPID: 1, kind: ipcWorkerStop, workerPID: 555})

	if _, ok := l1.runningWorkers[555]; ok {
		t.Fatal("expected the reporting listener to drop the worker")
	}
	if _, ok := l2.runningWorkers[555]; ok {
		t.Fatal("expected the worker-stop to be forwarded to every other listener")
	}
}

func TestHandleTokenPauseClearsCurrentListener(t *testing.T) {
	m := newTestMaster(&fakeSpawner{})
	m.currentListener = newListener(1, 1, nil, nil)

	terminal := m.handleToken(Token{Kind: SigPause})

	if terminal {
		t.Fatal("pause must not terminate the loop")
	}
	if !m.paused {
		t.Fatal("expected paused to be set")
	}
	if m.currentListener != nil {
		t.Fatal("expected currentListener to be cleared on pause")
	}
}

func TestHandleTokenShutdownIsTerminal(t *testing.T) {
	m := newTestMaster(&fakeSpawner{})
	terminal := m.handleToken(Token{Kind: SigShutdown, OS: syscall.SIGTERM})
	if !terminal {
		t.Fatal("expected a shutdown token to terminate the loop")
	}
}
