//go:build linux

// Package hwpart implements the hardware partition isolation backend:
// the module process runs on CPUs reserved for it, optionally inside a
// resctrl group partitioning cache and memory bandwidth, with IOMMU
// isolation assumed for any devices it drives. Hosts without the
// partitioning primitives reject the level at construction.
package hwpart

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sys/unix"

	"github.com/wavecage/wavecage/internal/backend"
	"github.com/wavecage/wavecage/internal/callproto"
	"github.com/wavecage/wavecage/internal/policy"
	"github.com/wavecage/wavecage/sandbox"
)

const (
	iommuGroupsDir = "/sys/kernel/iommu_groups"
	resctrlDir     = "/sys/fs/resctrl"

	envCPUs         = "WAVECAGE_HW_CPUS"
	envResctrlGroup = "WAVECAGE_HW_RESCTRL_GROUP"

	bootTimeout = 10 * time.Second
	stopGrace   = 2 * time.Second
)

type moduleEntry struct {
	name string
	path string
}

type partProc struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	enforcer *policy.Enforcer
	dead     bool
}

// Backend implements backend.Backend for sandbox.LevelHardware.
type Backend struct {
	cfg     sandbox.Config
	logger  *slog.Logger
	record  policy.Recorder
	cpus    []int
	resctrl string

	mu        sync.Mutex
	modules   map[string]moduleEntry
	instances map[string]*partProc
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Probe reports whether the host exposes hardware partitioning: IOMMU
// groups for device isolation or resctrl for cache and bandwidth
// partitioning.
func Probe() error {
	if entries, err := os.ReadDir(iommuGroupsDir); err == nil && len(entries) > 0 {
		return nil
	}
	if _, err := os.Stat(resctrlDir); err == nil {
		return nil
	}
	return fmt.Errorf("neither IOMMU groups nor resctrl available")
}

// New creates the hardware partition backend. Reserved CPUs come from
// WAVECAGE_HW_CPUS (comma-separated list); without them no partition can
// be formed.
func New(cfg sandbox.Config, logger *slog.Logger, record policy.Recorder) (backend.Backend, error) {
	cpus, err := parseCPUList(os.Getenv(envCPUs))
	if err != nil {
		return nil, sandbox.WrapErr(sandbox.KindConfig, err, "parse %s", envCPUs)
	}
	if len(cpus) == 0 {
		return nil, sandbox.Unsupported(sandbox.LevelHardware, "no reserved CPUs configured ("+envCPUs+")")
	}
	return &Backend{
		cfg:       cfg,
		logger:    logger,
		record:    record,
		cpus:      cpus,
		resctrl:   os.Getenv(envResctrlGroup),
		modules:   make(map[string]moduleEntry),
		instances: make(map[string]*partProc),
	}, nil
}

// Level implements backend.Backend.
func (b *Backend) Level() sandbox.IsolationLevel { return sandbox.LevelHardware }

// Load validates the module image. ImagePath names the partition image;
// ExecutablePath is accepted for images that are plain host binaries.
// Either way the image runs as a process on the reserved CPUs, so it must
// be executable.
func (b *Backend) Load(_ context.Context, src sandbox.ModuleSource) (sandbox.Module, error) {
	path := src.ImagePath
	if path == "" {
		path = src.ExecutablePath
	}
	if path == "" {
		return sandbox.Module{}, sandbox.Errorf(sandbox.KindConfig, "module %q: image or executable path is required at this level", src.Name)
	}
	st, err := os.Stat(path)
	if err != nil {
		return sandbox.Module{}, sandbox.IoError(path, err)
	}
	if st.IsDir() || st.Mode()&0o111 == 0 {
		return sandbox.Module{}, sandbox.Errorf(sandbox.KindConfig, "module %q: %s is not an executable file", src.Name, path)
	}

	id := ulid.Make().String()
	b.mu.Lock()
	b.modules[id] = moduleEntry{name: src.Name, path: path}
	b.mu.Unlock()
	return sandbox.NewModule(id, src.Name, sandbox.LevelHardware), nil
}

// Instantiate starts the module process pinned to the reserved CPUs and,
// when configured, joins it to the resctrl group.
func (b *Backend) Instantiate(ctx context.Context, m sandbox.Module) (sandbox.Instance, error) {
	b.mu.Lock()
	entry, ok := b.modules[m.ID()]
	b.mu.Unlock()
	if !ok {
		return sandbox.Instance{}, sandbox.Errorf(sandbox.KindHardware, "module %q is not loaded", m.Name())
	}

	id := ulid.Make().String()
	enforcer := policy.NewEnforcer(id, b.cfg.Capabilities, b.record)

	cmd := exec.CommandContext(ctx, entry.path)
	cmd.Env = enforcer.FilterEnviron(os.Environ())
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindIPC, err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindIPC, err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindIPC, err, "stderr pipe")
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindHardware, err, "start module %q", m.Name())
	}
	go b.drainStderr(id, stderr)

	if err := b.partition(cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return sandbox.Instance{}, err
	}

	if err := b.awaitReady(id, stdout); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return sandbox.Instance{}, err
	}
	backend.ObserveBoot(sandbox.LevelHardware, time.Since(start).Seconds())
	backend.InstanceUp(sandbox.LevelHardware)

	proc := &partProc{cmd: cmd, stdin: stdin, stdout: stdout, enforcer: enforcer}
	b.mu.Lock()
	b.instances[id] = proc
	b.mu.Unlock()

	b.logger.Debug("hardware partition instance ready",
		"instance", id,
		"module", m.Name(),
		"pid", cmd.Process.Pid,
		"cpus", b.cpus,
	)
	return sandbox.NewInstance(id, m), nil
}

// partition pins the process to the reserved CPUs and joins the resctrl
// group when one is configured.
func (b *Backend) partition(pid int) error {
	var set unix.CPUSet
	for _, cpu := range b.cpus {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		return sandbox.WrapErr(sandbox.KindHardware, err, "pin pid %d to CPUs %v", pid, b.cpus)
	}

	if b.resctrl != "" {
		tasks := filepath.Join(resctrlDir, b.resctrl, "tasks")
		if err := os.WriteFile(tasks, []byte(strconv.Itoa(pid)), 0o200); err != nil {
			return sandbox.WrapErr(sandbox.KindHardware, err, "join resctrl group %q", b.resctrl)
		}
	}
	return nil
}

// awaitReady waits for the module's ready frame.
func (b *Backend) awaitReady(id string, stdout io.Reader) error {
	type outcome struct{ err error }
	ch := make(chan outcome, 1)
	go func() {
		for {
			var msg callproto.Message
			if err := callproto.ReadFrame(stdout, &msg); err != nil {
				ch <- outcome{sandbox.WrapErr(sandbox.KindIPC, err, "read module ready message")}
				return
			}
			switch msg.Type {
			case callproto.MsgTypeLog:
				b.logger.Debug("module", "instance", id, "line", msg.Line)
			case callproto.MsgTypeReady:
				ch <- outcome{nil}
				return
			default:
				ch <- outcome{sandbox.Errorf(sandbox.KindIPC, "unexpected message %q before ready", msg.Type)}
				return
			}
		}
	}()

	select {
	case out := <-ch:
		return out.err
	case <-time.After(bootTimeout):
		return sandbox.Errorf(sandbox.KindIPC, "module did not report ready within %s", bootTimeout)
	}
}

// Call sends one invocation frame to the partitioned module.
func (b *Backend) Call(ctx context.Context, inst sandbox.Instance, fn string, args []byte) (sandbox.CallResult, error) {
	b.mu.Lock()
	proc, ok := b.instances[inst.ID()]
	b.mu.Unlock()
	if !ok {
		return sandbox.CallResult{}, sandbox.Errorf(sandbox.KindIPC, "instance %s is not live", inst.ID())
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.dead {
		return sandbox.CallResult{}, sandbox.Errorf(sandbox.KindIPC, "instance %s was terminated", inst.ID())
	}

	timeout := b.cfg.CallTimeout()
	req := callproto.CallRequest{Function: fn, Args: args, TimeoutMS: timeout.Milliseconds()}
	if err := callproto.WriteFrame(proc.stdin, req); err != nil {
		proc.dead = true
		return sandbox.CallResult{}, sandbox.WrapErr(sandbox.KindIPC, err, "send call %q", fn)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		<-callCtx.Done()
		if callCtx.Err() == context.DeadlineExceeded && proc.cmd.Process != nil {
			_ = proc.cmd.Process.Kill()
		}
	}()

	start := time.Now()
	resp, err := callproto.ReadResult(proc.stdout, func(line string) {
		b.logger.Debug("module", "instance", inst.ID(), "line", line)
	})
	elapsed := time.Since(start)

	var callErr error
	switch {
	case err != nil && callCtx.Err() == context.DeadlineExceeded:
		proc.dead = true
		callErr = sandbox.Errorf(sandbox.KindResourceExhausted, "function %q exceeded wall clock budget of %s", fn, timeout)
	case err != nil:
		proc.dead = true
		callErr = sandbox.WrapErr(sandbox.KindIPC, err, "call %q", fn)
	case resp.Error != "":
		if kind := sandbox.ParseKind(resp.ErrorKind); kind != 0 {
			callErr = sandbox.Errorf(kind, "function %q: %s", fn, resp.Error)
		} else {
			callErr = sandbox.Errorf(sandbox.KindHardware, "function %q failed: %s", fn, resp.Error)
		}
	}

	backend.ObserveCall(sandbox.LevelHardware, elapsed.Seconds(), callErr)
	result := sandbox.CallResult{
		Output: resp.Output,
		Telemetry: sandbox.Telemetry{
			Elapsed:         elapsed,
			PeakMemoryBytes: resp.PeakRSSBytes,
		},
	}
	if resp.ElapsedUS > 0 {
		result.Telemetry.Elapsed = time.Duration(resp.ElapsedUS) * time.Microsecond
	}
	if callErr != nil {
		return sandbox.CallResult{Telemetry: result.Telemetry}, callErr
	}
	return result, nil
}

// Release terminates the module process. Idempotent.
func (b *Backend) Release(_ context.Context, inst sandbox.Instance) error {
	b.mu.Lock()
	proc, ok := b.instances[inst.ID()]
	delete(b.instances, inst.ID())
	b.mu.Unlock()
	if !ok {
		return nil
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	backend.InstanceDown(sandbox.LevelHardware)

	_ = proc.stdin.Close()
	done := make(chan struct{})
	go func() {
		_ = proc.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		if proc.cmd.Process != nil {
			_ = proc.cmd.Process.Kill()
		}
		<-done
	}
	proc.dead = true
	return nil
}

// ReleaseModule forgets a loaded module. Idempotent.
func (b *Backend) ReleaseModule(_ context.Context, m sandbox.Module) error {
	b.mu.Lock()
	delete(b.modules, m.ID())
	b.mu.Unlock()
	return nil
}

// Shutdown releases all instances.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.instances))
	for id := range b.instances {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		_ = b.Release(ctx, sandbox.NewInstance(id, sandbox.Module{}))
	}
	return nil
}

func (b *Backend) drainStderr(id string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		b.logger.Debug("module stderr", "instance", id, "line", scanner.Text())
	}
}

// parseCPUList parses a comma-separated CPU list like "2,3,6".
func parseCPUList(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid CPU %q", part)
		}
		cpus = append(cpus, n)
	}
	return cpus, nil
}
