//go:build linux

package launch

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

var subreaperOnce sync.Once

// enterSupervisionScope puts the launcher into a transient supervision role:
// when no host init registration is available, the process becomes a child
// subreaper so the supervisor's descendants reparent here instead of pid 1
// and can be reaped with the sandbox.
func enterSupervisionScope(debugf func(format string, args ...any)) {
	subreaperOnce.Do(func() {
		err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
		if err != nil && debugf != nil {
			debugf("launch: subreaper unavailable: %v", err)
		}
	})
}

// supervisionAttr places the supervisor in its own process group, so the
// whole sandbox pid tree can be signalled as one unit.
func supervisionAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
