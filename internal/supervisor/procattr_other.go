//go:build unix && !linux

package supervisor

import (
	"syscall"
)

// sysProcAttr puts the companion in its own process group so the whole group
// can be signalled.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
