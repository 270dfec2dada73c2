//go:build linux

package supervisor

import (
	"syscall"
)

// sysProcAttr puts the companion in its own process group so the whole group
// can be signalled, and asks the kernel to send SIGTERM to it when we die so
// an orphaned companion does not outlive the application.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
