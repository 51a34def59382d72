package master

import (
	"bytes"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
)

// Census is the diagnostic snapshot produced when the INFO/USR1 signal
// fires: the master's own allocator/goroutine tallies plus, best-effort,
// per-child memory and thread counts pulled from procfs. Go has no
// class-by-class live-object census the way a tracing GC'd language with
// object headers might; runtime.MemStats and a goroutine-stack bucketing
// are the closest practical analogue, enriched with real RSS numbers for
// the processes actually being supervised.
type Census struct {
	TakenAt    time.Time
	Goroutines int
	HeapAlloc  uint64
	HeapObjs   uint64
	NumGC      uint32
	ByTopFrame map[string]int
	Children   []ChildUsage
}

// ChildUsage is one supervised child's resource footprint, read from
// /proc/[pid] via procfs rather than a hand-rolled parser.
type ChildUsage struct {
	PID      int
	Role     string // "listener" or "worker"
	RSSBytes uint64
	Threads  int
	State    string
}

// TakeCensus gathers the master's own runtime stats plus, where available,
// procfs-derived stats for every supervised pid. fs may be the zero value;
// a failure to open procfs degrades to process-less stats rather than
// failing the whole census.
func TakeCensus(fs procfs.FS, fsOK bool, children []ChildUsage) Census {
	runtime.GC()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	c := Census{
		TakenAt:    time.Now(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		HeapObjs:   ms.HeapObjects,
		NumGC:      ms.NumGC,
		ByTopFrame: bucketStacks(),
	}

	if !fsOK {
		c.Children = children
		return c
	}

	for i := range children {
		p, err := fs.Proc(children[i].PID)
		if err != nil {
			logrus.WithField("pid", children[i].PID).WithError(err).Debug("census: pid vanished before stat")
			continue
		}
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		children[i].RSSBytes = uint64(stat.ResidentMemory())
		children[i].Threads = stat.NumThreads
		children[i].State = stat.State
	}
	c.Children = children
	return c
}

// bucketStacks counts live goroutines by the function at the top of their
// stack, a rough stand-in for "objects by class" — the closest thing Go
// offers to a live-object tally without cgo or runtime internals access.
func bucketStacks() map[string]int {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return parseGoroutineDump(buf[:n])
}

// parseGoroutineDump pulls the top stack frame's function name out of each
// "goroutine N [state]:\nfunc.name(...)\n\t.../file.go:N" block produced by
// runtime.Stack(all=true) and tallies occurrences.
func parseGoroutineDump(dump []byte) map[string]int {
	counts := make(map[string]int)
	for _, block := range bytes.Split(dump, []byte("\n\n")) {
		lines := bytes.SplitN(block, []byte("\n"), 3)
		if len(lines) < 2 {
			continue
		}
		frame := string(bytes.TrimSpace(lines[1]))
		if i := strings.LastIndexByte(frame, '('); i >= 0 {
			frame = frame[:i]
		}
		if frame == "" {
			continue
		}
		counts[frame]++
	}
	return counts
}
