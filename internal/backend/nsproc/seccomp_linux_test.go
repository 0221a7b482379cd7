//go:build linux

package nsproc

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestBuildFilterShape(t *testing.T) {
	prog := buildFilter()

	// Prologue: load arch, compare, kill on mismatch, load syscall nr.
	if len(prog) < 4 {
		t.Fatalf("filter has %d instructions, want at least the prologue", len(prog))
	}
	if prog[0].Code != unix.BPF_LD|unix.BPF_W|unix.BPF_ABS || prog[0].K != seccompDataArch {
		t.Errorf("instruction 0 = %+v, want arch load", prog[0])
	}
	if prog[1].K != auditArch {
		t.Errorf("instruction 1 compares against %#x, want %#x", prog[1].K, auditArch)
	}
	if prog[2].K != unix.SECCOMP_RET_KILL_PROCESS {
		t.Errorf("instruction 2 = %+v, want kill on foreign architecture", prog[2])
	}
	if prog[3].Code != unix.BPF_LD|unix.BPF_W|unix.BPF_ABS || prog[3].K != seccompDataNr {
		t.Errorf("instruction 3 = %+v, want syscall number load", prog[3])
	}

	// Epilogue: everything unmatched fails with EPERM, never a kill.
	last := prog[len(prog)-1]
	if last.Code != unix.BPF_RET|unix.BPF_K || last.K != unix.SECCOMP_RET_ERRNO|uint32(unix.EPERM) {
		t.Errorf("final instruction = %+v, want RET_ERRNO|EPERM", last)
	}

	// One jump/allow pair per allowed syscall between prologue and
	// epilogue.
	body := len(prog) - 5
	want := 2 * (len(baseSyscalls) + len(archSyscalls))
	if body != want {
		t.Errorf("filter body has %d instructions, want %d", body, want)
	}
	if uint16(len(prog)) == 0 {
		t.Error("filter length overflows the program header")
	}
}

func TestFilterAllowsProtocolSyscalls(t *testing.T) {
	allowed := make(map[uint32]bool)
	for _, nr := range baseSyscalls {
		allowed[uint32(nr)] = true
	}
	for _, nr := range archSyscalls {
		allowed[uint32(nr)] = true
	}

	// The worker cannot function without the call protocol's stdio, exec
	// of the module binary, and clean exit.
	for _, nr := range []uint32{
		unix.SYS_READ,
		unix.SYS_WRITE,
		unix.SYS_EXECVE,
		unix.SYS_EXIT_GROUP,
		unix.SYS_MMAP,
		unix.SYS_FUTEX,
	} {
		if !allowed[nr] {
			t.Errorf("syscall %d missing from the allow-list", nr)
		}
	}

	// Syscalls that would pierce the boundary must stay out.
	for _, nr := range []uint32{
		unix.SYS_OPENAT,
		unix.SYS_SOCKET,
		unix.SYS_CONNECT,
		unix.SYS_PTRACE,
		unix.SYS_MOUNT,
		unix.SYS_SETUID,
	} {
		if allowed[nr] {
			t.Errorf("syscall %d must not be in the allow-list", nr)
		}
	}
}
