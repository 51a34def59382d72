package master

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SetProcessTitle is a best-effort ps(1) nicety. Go cannot rewrite argv[0]'s
// backing memory the portable way C's setproctitle does, so on Linux this
// renames the kernel-visible comm string via prctl(PR_SET_NAME), truncated
// to 15 bytes plus a NUL terminator. A failure here never affects behavior,
// only what operators see in ps/top. Exported so cmd/resqued can set a
// listener child's title too, not just the master's own.
func SetProcessTitle(title string) {
	if len(title) > 15 {
		title = title[:15]
	}
	b := append([]byte(title), 0)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}

func setProcessTitle(title string) { SetProcessTitle(title) }

// ListenerTitle is the ps(1) title a listener child sets for itself.
func ListenerTitle(listenerID int) string {
	return fmt.Sprintf("resqued: listener[%d]", listenerID)
}

func masterTitle(currentListenerPID int) string {
	if currentListenerPID == 0 {
		return "resqued: master"
	}
	return fmt.Sprintf("resqued: master[listener pid=%d]", currentListenerPID)
}
