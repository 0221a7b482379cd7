package microvm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/wavecage/wavecage/internal/backend"
	"github.com/wavecage/wavecage/internal/callproto"
	"github.com/wavecage/wavecage/internal/policy"
	"github.com/wavecage/wavecage/sandbox"
)

type moduleEntry struct {
	name   string
	kernel string
	rootfs string
}

// vmState tracks one booted microVM and its guest connection.
type vmState struct {
	mu        sync.Mutex
	machine   *fcsdk.Machine
	conn      *GuestConn
	cid       uint32
	netConfig *NetworkConfig // nil when no network capability granted
	socketDir string
	started   bool
	dead      bool
}

// Backend implements backend.Backend for sandbox.LevelVM.
type Backend struct {
	cfg    sandbox.Config
	vmCfg  Config
	netMgr *NetworkManager
	logger *slog.Logger
	record policy.Recorder
	cids   *cidAllocator

	mu        sync.Mutex
	modules   map[string]moduleEntry
	instances map[string]*vmState
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Probe verifies KVM and the firecracker binary are present.
func Probe(firecrackerBin string) error {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return fmt.Errorf("/dev/kvm unavailable: %v", err)
	}
	if _, err := exec.LookPath(firecrackerBin); err != nil {
		return fmt.Errorf("firecracker binary %q not found", firecrackerBin)
	}
	return nil
}

// New creates the microVM backend. The network manager is only consulted
// for instances whose capability set grants network access.
func New(cfg sandbox.Config, logger *slog.Logger, record policy.Recorder, vmCfg Config) (backend.Backend, error) {
	netMgr, err := NewNetworkManager(vmCfg, logger)
	if err != nil {
		return nil, sandbox.WrapErr(sandbox.KindVM, err, "create network manager")
	}

	return &Backend{
		cfg:       cfg,
		vmCfg:     vmCfg,
		netMgr:    netMgr,
		logger:    logger,
		record:    record,
		cids:      newCIDAllocator(vmCfg.CIDBase, vmCfg.MaxConcurrentVMs),
		modules:   make(map[string]moduleEntry),
		instances: make(map[string]*vmState),
	}, nil
}

// Level implements backend.Backend.
func (b *Backend) Level() sandbox.IsolationLevel { return sandbox.LevelVM }

// Load validates the kernel and rootfs images. The rootfs carries the
// module binary and the guest agent; nothing boots yet.
func (b *Backend) Load(_ context.Context, src sandbox.ModuleSource) (sandbox.Module, error) {
	if src.KernelPath == "" || src.RootfsPath == "" {
		return sandbox.Module{}, sandbox.Errorf(sandbox.KindConfig, "module %q: kernel and rootfs paths are required at this level", src.Name)
	}
	for _, p := range []string{src.KernelPath, src.RootfsPath} {
		if _, err := os.Stat(p); err != nil {
			return sandbox.Module{}, sandbox.IoError(p, err)
		}
	}

	id := ulid.Make().String()
	b.mu.Lock()
	b.modules[id] = moduleEntry{name: src.Name, kernel: src.KernelPath, rootfs: src.RootfsPath}
	b.mu.Unlock()
	return sandbox.NewModule(id, src.Name, sandbox.LevelVM), nil
}

// Instantiate boots a microVM for the module and connects to its guest
// agent. The instance is not returned until the guest answers.
func (b *Backend) Instantiate(ctx context.Context, m sandbox.Module) (sandbox.Instance, error) {
	b.mu.Lock()
	entry, ok := b.modules[m.ID()]
	b.mu.Unlock()
	if !ok {
		return sandbox.Instance{}, sandbox.Errorf(sandbox.KindVM, "module %q is not loaded", m.Name())
	}

	id := strings.ToLower(ulid.Make().String())
	enforcer := policy.NewEnforcer(id, b.cfg.Capabilities, b.record)

	// 1. Allocate CID.
	cid, err := b.cids.Allocate()
	if err != nil {
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindVM, err, "allocate CID")
	}

	// 2. Networking only when granted; otherwise the VM has no interface.
	var netCfg *NetworkConfig
	if enforcer.NetworkAllowed() {
		netCfg, err = b.netMgr.Setup(ctx, id)
		if err != nil {
			b.cids.Release(cid)
			return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindVM, err, "network setup")
		}
	}

	// 3. Temp directory for sockets and the per-VM rootfs copy.
	socketDir, err := os.MkdirTemp("", "wavecage-vm-"+id+"-")
	if err != nil {
		b.releaseResources(ctx, id, cid, "")
		return sandbox.Instance{}, sandbox.IoError("temp dir", err)
	}

	// 4. Copy rootfs (copy-on-write when the filesystem supports it).
	vmRootfs := filepath.Join(socketDir, "rootfs.ext4")
	if err := copyRootfs(entry.rootfs, vmRootfs); err != nil {
		b.releaseResources(ctx, id, cid, socketDir)
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindVM, err, "copy rootfs")
	}

	// 5. Machine configuration.
	socketPath := filepath.Join(socketDir, id+vmSocketSuffix)
	vsockPath := filepath.Join(socketDir, id+vsockSocketSuffix)

	memMB := int64(b.vmCfg.MemMB)
	if b.cfg.MaxMemoryBytes > 0 {
		memMB = int64(b.cfg.MaxMemoryBytes / (1 << 20))
		if memMB < 64 {
			memMB = 64
		}
	}

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: entry.kernel,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(vmRootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: vsockPath,
				CID:  cid,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(b.vmCfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(memMB),
			Smt:        fcsdk.Bool(false),
		},
		VMID: id,
	}
	if netCfg != nil {
		fcCfg.NetworkInterfaces = fcsdk.NetworkInterfaces{
			{
				StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
					MacAddress:  netCfg.MACAddress,
					HostDevName: netCfg.TAPDevice,
				},
			},
		}
		fcCfg.NetNS = netCfg.NamespacePath
	}

	// The SDK logs through logrus; our logging is slog, so discard it.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(b.vmCfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(ctx)

	machine, err := fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		b.releaseResources(ctx, id, cid, socketDir)
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindVM, err, "create machine")
	}

	state := &vmState{machine: machine, cid: cid, netConfig: netCfg, socketDir: socketDir}

	// 6. Boot and connect.
	bootStart := time.Now()
	bootCtx, cancel := context.WithTimeout(ctx, bootTimeout)
	defer cancel()

	if err := machine.Start(bootCtx); err != nil {
		b.stopAndCleanup(id, state)
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindVM, err, "start VM for module %q", m.Name())
	}
	state.started = true

	conn, err := DialGuest(bootCtx, vsockPath, b.vmCfg.VsockPort)
	if err != nil {
		b.stopAndCleanup(id, state)
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindVM, err, "connect to guest")
	}
	state.conn = conn

	backend.ObserveBoot(sandbox.LevelVM, time.Since(bootStart).Seconds())
	backend.InstanceUp(sandbox.LevelVM)

	b.mu.Lock()
	b.instances[id] = state
	b.mu.Unlock()

	b.logger.Debug("vm instance ready",
		"instance", id,
		"module", m.Name(),
		"cid", cid,
		"mem_mb", memMB,
		"networked", netCfg != nil,
	)
	return sandbox.NewInstance(id, m), nil
}

// Call forwards one invocation to the guest agent over vsock.
func (b *Backend) Call(ctx context.Context, inst sandbox.Instance, fn string, args []byte) (sandbox.CallResult, error) {
	b.mu.Lock()
	state, ok := b.instances[inst.ID()]
	b.mu.Unlock()
	if !ok {
		return sandbox.CallResult{}, sandbox.Errorf(sandbox.KindIPC, "instance %s is not live", inst.ID())
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.dead {
		return sandbox.CallResult{}, sandbox.Errorf(sandbox.KindIPC, "instance %s was terminated", inst.ID())
	}

	timeout := b.cfg.CallTimeout()
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := callproto.CallRequest{Function: fn, Args: args, TimeoutMS: timeout.Milliseconds()}
	start := time.Now()
	resp, err := state.conn.Invoke(req, deadline, func(line string) {
		b.logger.Debug("module", "instance", inst.ID(), "line", line)
	})
	elapsed := time.Since(start)

	var callErr error
	switch {
	case err != nil && time.Now().After(deadline):
		// The connection is desynchronized after a timeout; the VM goes.
		state.dead = true
		callErr = sandbox.Errorf(sandbox.KindResourceExhausted, "function %q exceeded wall clock budget of %s", fn, timeout)
	case err != nil:
		state.dead = true
		callErr = sandbox.WrapErr(sandbox.KindIPC, err, "call %q", fn)
	case resp.Error != "":
		if kind := sandbox.ParseKind(resp.ErrorKind); kind != 0 {
			callErr = sandbox.Errorf(kind, "function %q: %s", fn, resp.Error)
		} else {
			callErr = sandbox.Errorf(sandbox.KindVM, "function %q failed: %s", fn, resp.Error)
		}
	}

	backend.ObserveCall(sandbox.LevelVM, elapsed.Seconds(), callErr)
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

// Release stops the microVM and frees its resources. Idempotent.
func (b *Backend) Release(_ context.Context, inst sandbox.Instance) error {
	b.mu.Lock()
	state, ok := b.instances[inst.ID()]
	delete(b.instances, inst.ID())
	b.mu.Unlock()
	if !ok {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	backend.InstanceDown(sandbox.LevelVM)
	b.stopAndCleanup(inst.ID(), state)
	state.dead = true
	return nil
}

// ReleaseModule forgets a loaded module. Idempotent.
func (b *Backend) ReleaseModule(_ context.Context, m sandbox.Module) error {
	b.mu.Lock()
	delete(b.modules, m.ID())
	b.mu.Unlock()
	return nil
}

// Shutdown releases all instances and tears down any leftover networking.
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
	b.netMgr.TeardownAll(ctx)
	return nil
}

// stopAndCleanup stops a VM and releases everything it held. Cleanup uses
// background contexts so it completes even when the caller's context is
// already cancelled.
func (b *Backend) stopAndCleanup(id string, state *vmState) {
	if state.conn != nil {
		_ = state.conn.Close()
		state.conn = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := state.machine.Shutdown(shutdownCtx); err != nil {
		b.logger.Debug("graceful shutdown failed, forcing stop", "instance", id, "error", err)
		if stopErr := state.machine.StopVMM(); stopErr != nil {
			b.logger.Debug("StopVMM failed", "instance", id, "error", stopErr)
		}
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer waitCancel()
	if err := state.machine.Wait(waitCtx); err != nil {
		b.logger.Debug("wait for VM exit", "instance", id, "error", err)
	}

	b.releaseResources(context.Background(), id, state.cid, state.socketDir)
}

// releaseResources frees CID, networking, and temp files for an instance.
func (b *Backend) releaseResources(ctx context.Context, id string, cid uint32, socketDir string) {
	b.cids.Release(cid)
	if err := b.netMgr.Teardown(ctx, id); err != nil {
		b.logger.Warn("network teardown failed", "instance", id, "error", err)
	}
	if socketDir != "" {
		os.RemoveAll(socketDir)
	}
}

// copyRootfs copies the module rootfs for one VM, using copy-on-write
// reflinks when the filesystem supports them.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}
