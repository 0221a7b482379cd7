//go:build linux

package nsproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wavecage/wavecage/internal/backend"
	"github.com/wavecage/wavecage/internal/callproto"
	"github.com/wavecage/wavecage/internal/policy"
	"github.com/wavecage/wavecage/sandbox"
)

// bootTimeout bounds the worker's setup stages. A worker that has not
// reported ready by then is killed.
const bootTimeout = 10 * time.Second

// releaseGrace is how long Release waits for a worker to exit after its
// stdin closes before sending SIGKILL.
const releaseGrace = 2 * time.Second

type moduleEntry struct {
	name string
	path string
}

// workerProc is one live worker: a module executable running behind the
// namespace, rlimit, capability, and seccomp boundary.
type workerProc struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	enforcer *policy.Enforcer
	dead     bool
}

// Backend implements backend.Backend for sandbox.LevelNamespace.
type Backend struct {
	cfg       sandbox.Config
	logger    *slog.Logger
	record    policy.Recorder
	workerBin string

	mu        sync.Mutex
	modules   map[string]moduleEntry
	instances map[string]*workerProc
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Probe verifies the kernel exposes the namespace types and seccomp
// support this backend depends on.
func Probe() error {
	for _, ns := range []string{"pid", "mnt", "net", "uts", "ipc", "user"} {
		if _, err := os.Stat("/proc/self/ns/" + ns); err != nil {
			return fmt.Errorf("%s namespace unavailable: %v", ns, err)
		}
	}
	if _, err := os.Stat("/proc/sys/kernel/seccomp/actions_avail"); err != nil {
		return fmt.Errorf("seccomp unavailable: %v", err)
	}
	return nil
}

// New creates the namespace backend. workerBin is the setup helper
// executable; it is resolved via PATH when not absolute.
func New(cfg sandbox.Config, logger *slog.Logger, record policy.Recorder, workerBin string) (backend.Backend, error) {
	path, err := exec.LookPath(workerBin)
	if err != nil {
		return nil, sandbox.Unsupported(sandbox.LevelNamespace, fmt.Sprintf("worker helper %q not found", workerBin))
	}
	return &Backend{
		cfg:       cfg,
		logger:    logger,
		record:    record,
		workerBin: path,
		modules:   make(map[string]moduleEntry),
		instances: make(map[string]*workerProc),
	}, nil
}

// Level implements backend.Backend.
func (b *Backend) Level() sandbox.IsolationLevel { return sandbox.LevelNamespace }

// Load validates the module executable. Nothing runs yet.
func (b *Backend) Load(_ context.Context, src sandbox.ModuleSource) (sandbox.Module, error) {
	if src.ExecutablePath == "" {
		return sandbox.Module{}, sandbox.Errorf(sandbox.KindConfig, "module %q: executable path is required at this level", src.Name)
	}
	st, err := os.Stat(src.ExecutablePath)
	if err != nil {
		return sandbox.Module{}, sandbox.IoError(src.ExecutablePath, err)
	}
	if st.IsDir() || st.Mode()&0o111 == 0 {
		return sandbox.Module{}, sandbox.Errorf(sandbox.KindConfig, "module %q: %s is not an executable file", src.Name, src.ExecutablePath)
	}

	id := ulid.Make().String()
	b.mu.Lock()
	b.modules[id] = moduleEntry{name: src.Name, path: src.ExecutablePath}
	b.mu.Unlock()
	return sandbox.NewModule(id, src.Name, sandbox.LevelNamespace), nil
}

// Instantiate clones the worker into fresh namespaces, streams the setup
// spec, and waits for every stage to report before the instance exists.
func (b *Backend) Instantiate(ctx context.Context, m sandbox.Module) (sandbox.Instance, error) {
	b.mu.Lock()
	entry, ok := b.modules[m.ID()]
	b.mu.Unlock()
	if !ok {
		return sandbox.Instance{}, sandbox.Errorf(sandbox.KindNamespace, "module %q is not loaded", m.Name())
	}

	id := ulid.Make().String()
	enforcer := policy.NewEnforcer(id, b.cfg.Capabilities, b.record)

	flags := syscall.CLONE_NEWPID | syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWUSER
	if !enforcer.NetworkAllowed() {
		// No network grant: the module gets an empty network namespace
		// with only a down loopback.
		flags |= syscall.CLONE_NEWNET
	}

	cmd := exec.CommandContext(ctx, b.workerBin)
	cmd.Env = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: uintptr(flags),
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
		Pdeathsig:                  syscall.SIGKILL,
	}

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
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindNamespace, err, "clone worker for module %q", m.Name())
	}
	go b.drainStderr(id, stderr)

	spec := WorkerSpec{
		ExecutablePath: entry.path,
		Env:            enforcer.FilterEnviron(os.Environ()),
		Hostname:       "wavecage-" + strings.ToLower(id[:10]),
		MaxMemoryBytes: b.cfg.MaxMemoryBytes,
		CPUTimeSeconds: uint64(b.cfg.CPUTimeLimit / time.Second),
	}
	if err := callproto.WriteFrame(stdin, spec); err != nil {
		kill(cmd)
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindIPC, err, "send worker spec")
	}

	if err := b.awaitReady(id, stdout); err != nil {
		kill(cmd)
		return sandbox.Instance{}, err
	}
	backend.ObserveBoot(sandbox.LevelNamespace, time.Since(start).Seconds())
	backend.InstanceUp(sandbox.LevelNamespace)

	proc := &workerProc{cmd: cmd, stdin: stdin, stdout: stdout, enforcer: enforcer}
	b.mu.Lock()
	b.instances[id] = proc
	b.mu.Unlock()

	b.logger.Debug("worker instance ready",
		"instance", id,
		"module", m.Name(),
		"pid", cmd.Process.Pid,
	)
	return sandbox.NewInstance(id, m), nil
}

// awaitReady consumes stage frames until the worker reports ready. A
// stage failure is classified by the stage that raised it.
func (b *Backend) awaitReady(id string, stdout io.Reader) error {
	type outcome struct{ err error }
	ch := make(chan outcome, 1)
	go func() {
		for {
			var msg callproto.Message
			if err := callproto.ReadFrame(stdout, &msg); err != nil {
				ch <- outcome{sandbox.WrapErr(sandbox.KindIPC, err, "read worker setup message")}
				return
			}
			switch msg.Type {
			case callproto.MsgTypeStage:
				stage := ParseStage(msg.Stage)
				if msg.Err != "" {
					ch <- outcome{sandbox.Errorf(KindForStage(stage), "worker setup failed at %s: %s", msg.Stage, msg.Err)}
					return
				}
				b.logger.Debug("worker stage", "instance", id, "stage", msg.Stage)
			case callproto.MsgTypeLog:
				b.logger.Debug("worker", "instance", id, "line", msg.Line)
			case callproto.MsgTypeReady:
				ch <- outcome{nil}
				return
			default:
				ch <- outcome{sandbox.Errorf(sandbox.KindIPC, "unexpected worker message %q during setup", msg.Type)}
				return
			}
		}
	}()

	select {
	case out := <-ch:
		return out.err
	case <-time.After(bootTimeout):
		return sandbox.Errorf(sandbox.KindIPC, "worker setup timed out after %s", bootTimeout)
	}
}

// Call sends one invocation frame and waits for the result. The host
// wall clock is authoritative: a module that overruns its budget is
// killed regardless of what it reports.
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
	req := callproto.CallRequest{
		Function:  fn,
		Args:      args,
		TimeoutMS: timeout.Milliseconds(),
	}
	if err := callproto.WriteFrame(proc.stdin, req); err != nil {
		proc.dead = true
		return sandbox.CallResult{}, sandbox.WrapErr(sandbox.KindIPC, err, "send call %q", fn)
	}

	// Watchdog: kill the worker if the budget elapses mid-call. The
	// broken pipe then unblocks the read below.
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		<-callCtx.Done()
		// Signal only; Release owns the Wait that reaps the worker.
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
			callErr = sandbox.Errorf(sandbox.KindIo, "function %q failed: %s", fn, resp.Error)
		}
	}

	backend.ObserveCall(sandbox.LevelNamespace, elapsed.Seconds(), callErr)
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

// Release terminates the worker. Idempotent.
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
	backend.InstanceDown(sandbox.LevelNamespace)

	// Closing stdin asks the module to exit; escalate after the grace
	// period.
	_ = proc.stdin.Close()
	done := make(chan struct{})
	go func() {
		_ = proc.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(releaseGrace):
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
	instances := make([]sandbox.Instance, 0, len(b.instances))
	for id := range b.instances {
		instances = append(instances, sandbox.NewInstance(id, sandbox.Module{}))
	}
	b.mu.Unlock()

	for _, inst := range instances {
		_ = b.Release(ctx, inst)
	}
	return nil
}

func (b *Backend) drainStderr(id string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		b.logger.Debug("worker stderr", "instance", id, "line", scanner.Text())
	}
}

// kill terminates a worker this backend still owns and reaps it, so a
// failed instantiation leaves no zombie behind.
func kill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
}
