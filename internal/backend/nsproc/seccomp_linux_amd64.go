//go:build linux && amd64

package nsproc

import "golang.org/x/sys/unix"

const auditArch = unix.AUDIT_ARCH_X86_64

// archSyscalls are allow-list entries that only exist on this
// architecture.
var archSyscalls = []uint32{
	unix.SYS_ARCH_PRCTL,
	unix.SYS_POLL,
	unix.SYS_EPOLL_WAIT,
	unix.SYS_TIME,
}
