package master

import (
	"testing"

	"github.com/prometheus/procfs"
)

func TestParseGoroutineDump(t *testing.T) {
	dump := []byte(`goroutine 1 [running]:
main.main()
	/go/src/app/main.go:10 +0x20

goroutine 2 [chan receive]:
github.com/resqued/resqued/internal/master.runReader(...)
	/go/src/internal/master/listener.go:124 +0x55

goroutine 3 [chan receive]:
github.com/resqued/resqued/internal/master.runReader(...)
	/go/src/internal/master/listener.go:124 +0x55
`)

	counts := parseGoroutineDump(dump)
	if counts["main.main"] != 1 {
		t.Errorf("expected main.main to appear once, got %d", counts["main.main"])
	}
	if got := counts["github.com/resqued/resqued/internal/master.runReader"]; got != 2 {
		t.Errorf("expected runReader to appear twice, got %d", got)
	}
}

func TestTakeCensusWithoutProcfs(t *testing.T) {
	c := TakeCensus(procfs.FS{}, false, []ChildUsage{{PID: 1, Role: "listener"}})
	if c.Goroutines == 0 {
		t.Fatal("expected at least one goroutine to be counted")
	}
	if len(c.Children) != 1 || c.Children[0].PID != 1 {
		t.Fatalf("expected the supplied child list to pass through unchanged, got %+v", c.Children)
	}
}
