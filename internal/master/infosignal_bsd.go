//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package master

import (
	"os"

	"golang.org/x/sys/unix"
)

// infoSignalImpl returns SIGINFO on BSD-derived platforms, where it is
// available as the census-dump trigger.
func infoSignalImpl() os.Signal {
	return unix.SIGINFO
}
