//go:build linux

package nsproc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// seccomp_data field offsets (struct seccomp_data in linux/seccomp.h).
const (
	seccompDataNr   = 0
	seccompDataArch = 4
)

// baseSyscalls is the allow-list shared by every architecture: memory
// management, the stdio the call protocol runs over, signals, threading,
// and clean exit. Syscalls outside the list fail with EPERM instead of
// killing the process, so a module probing the boundary produces an
// observable error. execve is allowed because the filter is installed
// before the worker execs the module binary.
var baseSyscalls = []uint32{
	unix.SYS_READ,
	unix.SYS_WRITE,
	unix.SYS_READV,
	unix.SYS_WRITEV,
	unix.SYS_CLOSE,
	unix.SYS_FSTAT,
	unix.SYS_LSEEK,
	unix.SYS_FCNTL,
	unix.SYS_PIPE2,
	unix.SYS_EPOLL_CREATE1,
	unix.SYS_EPOLL_CTL,
	unix.SYS_EPOLL_PWAIT,
	unix.SYS_EVENTFD2,
	unix.SYS_PPOLL,
	unix.SYS_MMAP,
	unix.SYS_MUNMAP,
	unix.SYS_MREMAP,
	unix.SYS_MPROTECT,
	unix.SYS_MADVISE,
	unix.SYS_BRK,
	unix.SYS_RT_SIGACTION,
	unix.SYS_RT_SIGPROCMASK,
	unix.SYS_RT_SIGRETURN,
	unix.SYS_SIGALTSTACK,
	unix.SYS_TGKILL,
	unix.SYS_FUTEX,
	unix.SYS_CLONE,
	unix.SYS_CLONE3,
	unix.SYS_SET_ROBUST_LIST,
	unix.SYS_SET_TID_ADDRESS,
	unix.SYS_MEMBARRIER,
	unix.SYS_RSEQ,
	unix.SYS_SCHED_YIELD,
	unix.SYS_SCHED_GETAFFINITY,
	unix.SYS_NANOSLEEP,
	unix.SYS_CLOCK_GETTIME,
	unix.SYS_CLOCK_GETRES,
	unix.SYS_CLOCK_NANOSLEEP,
	unix.SYS_GETTIMEOFDAY,
	unix.SYS_GETPID,
	unix.SYS_GETTID,
	unix.SYS_GETRANDOM,
	unix.SYS_PRLIMIT64,
	unix.SYS_RESTART_SYSCALL,
	unix.SYS_EXECVE,
	unix.SYS_EXIT,
	unix.SYS_EXIT_GROUP,
}

// buildFilter assembles the classic-BPF seccomp program: verify the
// audit architecture, then match the syscall number against the
// allow-list. A foreign architecture is killed outright (it would bypass
// number matching); a disallowed syscall returns EPERM.
func buildFilter() []unix.SockFilter {
	allowed := append(append([]uint32{}, baseSyscalls...), archSyscalls...)

	prog := []unix.SockFilter{
		bpfStmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, seccompDataArch),
		bpfJump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, auditArch, 1, 0),
		bpfStmt(unix.BPF_RET|unix.BPF_K, unix.SECCOMP_RET_KILL_PROCESS),
		bpfStmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, seccompDataNr),
	}
	for _, nr := range allowed {
		prog = append(prog,
			bpfJump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, nr, 0, 1),
			bpfStmt(unix.BPF_RET|unix.BPF_K, unix.SECCOMP_RET_ALLOW),
		)
	}
	prog = append(prog, bpfStmt(unix.BPF_RET|unix.BPF_K, unix.SECCOMP_RET_ERRNO|uint32(unix.EPERM)))
	return prog
}

// installFilter enables no_new_privs and loads the syscall filter. Both
// persist across the coming execve.
func installFilter() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}

	filter := buildFilter()
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	_, _, errno := unix.Syscall(unix.SYS_SECCOMP, unix.SECCOMP_SET_MODE_FILTER, 0, uintptr(unsafe.Pointer(&prog)))
	if errno != 0 {
		return fmt.Errorf("install seccomp filter: %w", errno)
	}
	return nil
}

func bpfStmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, K: k}
}

func bpfJump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, K: k, Jt: jt, Jf: jf}
}
