//go:build linux && arm64

package nsproc

import "golang.org/x/sys/unix"

const auditArch = unix.AUDIT_ARCH_AARCH64

// arm64 uses the generic syscall table; nothing beyond the base list.
var archSyscalls []uint32
