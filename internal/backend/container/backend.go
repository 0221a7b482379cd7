// Package container implements the container isolation backend. Modules
// are OCI images whose entrypoint speaks the call protocol on stdio; the
// backend drives docker or podman with every privilege stripped that the
// capability set does not grant.
package container

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
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/oklog/ulid/v2"

	"github.com/wavecage/wavecage/internal/backend"
	"github.com/wavecage/wavecage/internal/callproto"
	"github.com/wavecage/wavecage/internal/policy"
	"github.com/wavecage/wavecage/sandbox"
)

// Runtimes tried in order when none is forced.
var knownRuntimes = []string{"docker", "podman"}

const (
	probeTimeout = 5 * time.Second
	bootTimeout  = 30 * time.Second
	stopGrace    = 2 * time.Second
)

type moduleEntry struct {
	name string
	ref  name.Reference
}

// containerProc is one running container plus the client process driving
// its stdio.
type containerProc struct {
	mu       sync.Mutex
	name     string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	enforcer *policy.Enforcer
	dead     bool
}

// Backend implements backend.Backend for sandbox.LevelContainer.
type Backend struct {
	cfg     sandbox.Config
	logger  *slog.Logger
	record  policy.Recorder
	runtime string

	mu        sync.Mutex
	modules   map[string]moduleEntry
	instances map[string]*containerProc
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// DetectRuntime returns the first working container runtime, honoring a
// forced choice. Availability means the binary exists and answers
// --version.
func DetectRuntime(forced string) (string, error) {
	candidates := knownRuntimes
	if forced != "" {
		candidates = []string{forced}
	}
	var lastErr error
	for _, rt := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		err := exec.CommandContext(ctx, rt, "--version").Run()
		cancel()
		if err == nil {
			return rt, nil
		}
		lastErr = fmt.Errorf("%s --version: %w", rt, err)
	}
	return "", lastErr
}

// Probe reports whether any container runtime is usable.
func Probe(forced string) error {
	_, err := DetectRuntime(forced)
	if err != nil {
		return fmt.Errorf("no container runtime available: %v", err)
	}
	return nil
}

// New creates the container backend on the detected runtime.
func New(cfg sandbox.Config, logger *slog.Logger, record policy.Recorder, forced string) (backend.Backend, error) {
	rt, err := DetectRuntime(forced)
	if err != nil {
		return nil, sandbox.Unsupported(sandbox.LevelContainer, fmt.Sprintf("no container runtime available: %v", err))
	}
	return &Backend{
		cfg:       cfg,
		logger:    logger,
		record:    record,
		runtime:   rt,
		modules:   make(map[string]moduleEntry),
		instances: make(map[string]*containerProc),
	}, nil
}

// Level implements backend.Backend.
func (b *Backend) Level() sandbox.IsolationLevel { return sandbox.LevelContainer }

// Load validates the image reference. The image is pulled lazily by the
// runtime at first instantiation.
func (b *Backend) Load(_ context.Context, src sandbox.ModuleSource) (sandbox.Module, error) {
	if src.ImageRef == "" {
		return sandbox.Module{}, sandbox.Errorf(sandbox.KindConfig, "module %q: image reference is required at this level", src.Name)
	}
	ref, err := name.ParseReference(src.ImageRef)
	if err != nil {
		return sandbox.Module{}, sandbox.WrapErr(sandbox.KindContainer, err, "invalid image reference %q", src.ImageRef)
	}

	id := ulid.Make().String()
	b.mu.Lock()
	b.modules[id] = moduleEntry{name: src.Name, ref: ref}
	b.mu.Unlock()
	return sandbox.NewModule(id, src.Name, sandbox.LevelContainer), nil
}

// Instantiate starts the module container and waits for its ready frame.
func (b *Backend) Instantiate(ctx context.Context, m sandbox.Module) (sandbox.Instance, error) {
	b.mu.Lock()
	entry, ok := b.modules[m.ID()]
	b.mu.Unlock()
	if !ok {
		return sandbox.Instance{}, sandbox.Errorf(sandbox.KindContainer, "module %q is not loaded", m.Name())
	}

	id := ulid.Make().String()
	enforcer := policy.NewEnforcer(id, b.cfg.Capabilities, b.record)
	ctrName := "wavecage-" + strings.ToLower(id)

	args := b.runArgs(ctrName, entry.ref.Name(), enforcer)
	cmd := exec.CommandContext(ctx, b.runtime, args...)
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
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindContainer, err, "start %s for module %q", b.runtime, m.Name())
	}
	go b.drainStderr(id, stderr)

	if err := b.awaitReady(id, stdout); err != nil {
		b.forceStop(ctrName, cmd)
		return sandbox.Instance{}, err
	}
	backend.ObserveBoot(sandbox.LevelContainer, time.Since(start).Seconds())
	backend.InstanceUp(sandbox.LevelContainer)

	proc := &containerProc{name: ctrName, cmd: cmd, stdin: stdin, stdout: stdout, enforcer: enforcer}
	b.mu.Lock()
	b.instances[id] = proc
	b.mu.Unlock()

	b.logger.Debug("container instance ready",
		"instance", id,
		"module", m.Name(),
		"container", ctrName,
		"runtime", b.runtime,
	)
	return sandbox.NewInstance(id, m), nil
}

// runArgs derives the runtime invocation from the sealed capability set.
// The baseline strips everything; each grant widens exactly one thing.
func (b *Backend) runArgs(ctrName, image string, enforcer *policy.Enforcer) []string {
	args := []string{
		"run", "--rm", "-i",
		"--name", ctrName,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--pids-limit", "64",
	}

	caps := enforcer.Capabilities()
	if !enforcer.NetworkAllowed() {
		args = append(args, "--network", "none")
	}
	if b.cfg.MaxMemoryBytes > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", b.cfg.MaxMemoryBytes))
	}
	if b.cfg.CPUTimeLimit > 0 {
		secs := int64(b.cfg.CPUTimeLimit / time.Second)
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d:%d", secs, secs))
	}
	for _, g := range caps.Filesystem {
		mode := "ro"
		if g.Write {
			mode = "rw"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", g.Path, g.Path, mode))
	}
	for _, envName := range caps.Env {
		if v, ok := os.LookupEnv(envName); ok {
			args = append(args, "-e", envName+"="+v)
		}
	}

	return append(args, image)
}

// awaitReady consumes frames until the entrypoint reports ready.
func (b *Backend) awaitReady(id string, stdout io.Reader) error {
	type outcome struct{ err error }
	ch := make(chan outcome, 1)
	go func() {
		for {
			var msg callproto.Message
			if err := callproto.ReadFrame(stdout, &msg); err != nil {
				ch <- outcome{sandbox.WrapErr(sandbox.KindContainer, err, "read container ready message")}
				return
			}
			switch msg.Type {
			case callproto.MsgTypeLog:
				b.logger.Debug("container", "instance", id, "line", msg.Line)
			case callproto.MsgTypeReady:
				ch <- outcome{nil}
				return
			default:
				ch <- outcome{sandbox.Errorf(sandbox.KindContainer, "unexpected message %q before ready", msg.Type)}
				return
			}
		}
	}()

	select {
	case out := <-ch:
		return out.err
	case <-time.After(bootTimeout):
		return sandbox.Errorf(sandbox.KindContainer, "container did not report ready within %s", bootTimeout)
	}
}

// Call sends one invocation frame to the container entrypoint.
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
		if callCtx.Err() == context.DeadlineExceeded {
			b.killContainer(proc.name)
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
			callErr = sandbox.Errorf(sandbox.KindContainer, "function %q failed: %s", fn, resp.Error)
		}
	}

	backend.ObserveCall(sandbox.LevelContainer, elapsed.Seconds(), callErr)
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

// Release stops the container. Idempotent.
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
	backend.InstanceDown(sandbox.LevelContainer)

	_ = proc.stdin.Close()
	done := make(chan struct{})
	go func() {
		_ = proc.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		b.killContainer(proc.name)
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

// killContainer asks the runtime to SIGKILL the container. Killing the
// attached client alone can leave the container running.
func (b *Backend) killContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if err := exec.CommandContext(ctx, b.runtime, "kill", name).Run(); err != nil {
		b.logger.Warn("kill container", "container", name, "error", err)
	}
}

func (b *Backend) forceStop(name string, cmd *exec.Cmd) {
	b.killContainer(name)
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
}

func (b *Backend) drainStderr(id string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		b.logger.Debug("container stderr", "instance", id, "line", scanner.Text())
	}
}
