package master

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// SpawnRequest carries everything a new listener needs: the config paths,
// its ordinal id, and the old-workers roster so it can adopt running
// workers instead of respawning them.
type SpawnRequest struct {
	ConfigPaths ConfigPaths
	ListenerID  int
	OldWorkers  []int
}

// Spawner starts one listener child and returns its process handle plus the
// master's read end of its status pipe. Isolating this behind an interface
// keeps master_test.go from needing real listener binaries — tests supply a
// fake that returns a pipe and a process handle without forking anything.
type Spawner interface {
	Spawn(req SpawnRequest) (*os.Process, *os.File, error)
}

// reExecSpawner spawns a listener by re-executing the master's own binary
// with RESQUED_ROLE=listener, the same "exec.LookPath(os.Args[0]) +
// ExtraFiles" pattern used for zero-downtime restarts across the wider
// ecosystem (cloudflare/tableflip, facebookgo/grace, hnakamur/serverstarter)
// — adapted here for an internal child role-switch instead of a
// replace-the-whole-process upgrade.
type reExecSpawner struct{}

// NewReExecSpawner returns the default production Spawner.
func NewReExecSpawner() Spawner {
	return reExecSpawner{}
}

func (reExecSpawner) Spawn(req SpawnRequest) (*os.Process, *os.File, error) {
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("status pipe: %w", err)
	}

	self, err := exec.LookPath(os.Args[0])
	if err != nil {
		_ = readEnd.Close()
		_ = writeEnd.Close()
		return nil, nil, fmt.Errorf("resolve self path: %w", err)
	}

	args := append([]string{}, []string(req.ConfigPaths)...)
	args = append(args, "--listener-id", strconv.Itoa(req.ListenerID))
	if len(req.OldWorkers) > 0 {
		args = append(args, "--old-workers", joinPids(req.OldWorkers))
	}

	cmd := exec.Command(self, args...)
	cmd.Env = append(os.Environ(), "RESQUED_ROLE=listener")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// fd 3 in the child is the write end of the status pipe.
	cmd.ExtraFiles = []*os.File{writeEnd}

	if err := cmd.Start(); err != nil {
		_ = readEnd.Close()
		_ = writeEnd.Close()
		return nil, nil, fmt.Errorf("start listener: %w", err)
	}
	// The master never writes to the status pipe; close its copy of the
	// write end so EOF on readEnd is observed once the child's copy closes.
	_ = writeEnd.Close()

	return cmd.Process, readEnd, nil
}

func joinPids(pids []int) string {
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
