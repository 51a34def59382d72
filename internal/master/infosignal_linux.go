//go:build linux

package master

import (
	"os"

	"golang.org/x/sys/unix"
)

// infoSignalImpl returns SIGUSR1 on Linux, which has no SIGINFO. Operators
// on Linux trigger the census dump with SIGUSR1 instead of SIGINFO.
func infoSignalImpl() os.Signal {
	return unix.SIGUSR1
}
