//go:build linux

package nsproc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/wavecage/wavecage/internal/callproto"
)

// RunWorker is the entry point of the worker helper. It reads the setup
// spec from stdin, applies the isolation stages in order while reporting
// each one on stdout, and finally replaces itself with the module
// executable. The seccomp filter installed in the last stage survives
// the exec, so the module never runs a single instruction outside it.
func RunWorker() error {
	var spec WorkerSpec
	if err := callproto.ReadFrame(os.Stdin, &spec); err != nil {
		return reportFailure(StageCreated, fmt.Errorf("read spec: %w", err))
	}

	m := &Machine{}

	if err := runStage(m, StageNamespaces, func() error { return enterNamespaces(spec) }); err != nil {
		return err
	}
	if err := runStage(m, StageLimits, func() error { return applyLimits(spec) }); err != nil {
		return err
	}
	if err := runStage(m, StageCapabilities, dropCapabilities); err != nil {
		return err
	}
	if err := runStage(m, StageFilter, installFilter); err != nil {
		return err
	}

	if err := callproto.WriteFrame(os.Stdout, callproto.Message{Type: callproto.MsgTypeReady}); err != nil {
		return fmt.Errorf("report ready: %w", err)
	}
	if err := m.Advance(StageRunning); err != nil {
		return err
	}

	argv := append([]string{spec.ExecutablePath}, spec.Args...)
	if err := unix.Exec(spec.ExecutablePath, argv, spec.Env); err != nil {
		return reportFailure(StageRunning, fmt.Errorf("exec %s: %w", spec.ExecutablePath, err))
	}
	return nil
}

// runStage advances the machine, runs fn, and reports the outcome frame.
func runStage(m *Machine, s Stage, fn func() error) error {
	if err := m.Advance(s); err != nil {
		return reportFailure(s, err)
	}
	if err := fn(); err != nil {
		return reportFailure(s, err)
	}
	return callproto.WriteFrame(os.Stdout, callproto.Message{
		Type:  callproto.MsgTypeStage,
		Stage: s.String(),
	})
}

func reportFailure(s Stage, err error) error {
	_ = callproto.WriteFrame(os.Stdout, callproto.Message{
		Type:  callproto.MsgTypeStage,
		Stage: s.String(),
		Err:   err.Error(),
	})
	return err
}

// enterNamespaces verifies the clone placed us in fresh namespaces and
// finishes UTS setup. Sethostname still works here: we are root inside
// the user namespace until the bounding set is dropped.
func enterNamespaces(spec WorkerSpec) error {
	if pid := os.Getpid(); pid != 1 {
		return fmt.Errorf("expected pid 1 in new pid namespace, got %d", pid)
	}
	if spec.Hostname != "" {
		if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
			return fmt.Errorf("sethostname: %w", err)
		}
	}
	return nil
}

// applyLimits installs the resource ceilings. RLIMIT_AS is the memory
// protection boundary at this level; an allocation past it fails inside
// the module rather than triggering the host OOM killer.
func applyLimits(spec WorkerSpec) error {
	limits := []struct {
		resource int
		name     string
		value    uint64
		enabled  bool
	}{
		{unix.RLIMIT_AS, "RLIMIT_AS", spec.MaxMemoryBytes, spec.MaxMemoryBytes > 0},
		{unix.RLIMIT_CPU, "RLIMIT_CPU", spec.CPUTimeSeconds, spec.CPUTimeSeconds > 0},
		{unix.RLIMIT_NOFILE, "RLIMIT_NOFILE", 64, true},
		{unix.RLIMIT_NPROC, "RLIMIT_NPROC", 16, true},
		{unix.RLIMIT_CORE, "RLIMIT_CORE", 0, true},
	}
	for _, l := range limits {
		if !l.enabled {
			continue
		}
		rl := unix.Rlimit{Cur: l.value, Max: l.value}
		if err := unix.Setrlimit(l.resource, &rl); err != nil {
			return fmt.Errorf("%s=%d: %w", l.name, l.value, err)
		}
	}
	return nil
}

// dropCapabilities empties the capability bounding set so no capability
// can ever be reacquired, even by a setuid binary (which no_new_privs
// additionally neuters).
func dropCapabilities() error {
	for c := 0; c <= unix.CAP_LAST_CAP; c++ {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0); err != nil {
			return fmt.Errorf("drop capability %d: %w", c, err)
		}
	}
	return nil
}
