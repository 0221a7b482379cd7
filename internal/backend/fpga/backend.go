// Package fpga implements the FPGA isolation backend. A module at this
// level is a synthesized bitstream; isolation is physical, the design
// runs on dedicated silicon and touches host memory only through the
// device interface. Hosts without an FPGA manager reject the level at
// construction.
package fpga

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sys/unix"

	"github.com/wavecage/wavecage/internal/backend"
	"github.com/wavecage/wavecage/internal/policy"
	"github.com/wavecage/wavecage/sandbox"
)

// fpgaManagerDir is the kernel FPGA manager class directory. One entry
// per programmable device.
const fpgaManagerDir = "/sys/class/fpga_manager"

// firmwareDir is where bitstreams must live for the firmware loader.
const firmwareDir = "/lib/firmware"

// syncWord marks the start of configuration data in a bitstream. It must
// appear within the header region.
var syncWord = []byte{0xaa, 0x99, 0x55, 0x66}

// headerScanBytes is how far into the bitstream the sync word may sit.
const headerScanBytes = 512

type moduleEntry struct {
	name      string
	bitstream string
}

type fpgaInstance struct {
	mu       sync.Mutex
	device   *os.File
	enforcer *policy.Enforcer
	dead     bool
}

// Backend implements backend.Backend for sandbox.LevelFPGA.
type Backend struct {
	cfg        sandbox.Config
	logger     *slog.Logger
	record     policy.Recorder
	manager    string // fpga_manager entry name, e.g. "fpga0"
	device     string // data-path device node
	managerDir string
	firmware   string

	mu        sync.Mutex
	modules   map[string]moduleEntry
	instances map[string]*fpgaInstance
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Probe reports whether the host exposes at least one FPGA manager.
func Probe() error {
	entries, err := os.ReadDir(fpgaManagerDir)
	if err != nil {
		return fmt.Errorf("no FPGA manager: %v", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no devices under %s", fpgaManagerDir)
	}
	return nil
}

// New creates the FPGA backend bound to the first manager and the given
// data-path device node.
func New(cfg sandbox.Config, logger *slog.Logger, record policy.Recorder, deviceNode string) (backend.Backend, error) {
	entries, err := os.ReadDir(fpgaManagerDir)
	if err != nil || len(entries) == 0 {
		return nil, sandbox.Unsupported(sandbox.LevelFPGA, "no FPGA manager device")
	}
	if deviceNode == "" {
		return nil, sandbox.Errorf(sandbox.KindConfig, "FPGA data device node is required")
	}
	return &Backend{
		cfg:        cfg,
		logger:     logger,
		record:     record,
		manager:    entries[0].Name(),
		device:     deviceNode,
		managerDir: fpgaManagerDir,
		firmware:   firmwareDir,
		modules:    make(map[string]moduleEntry),
		instances:  make(map[string]*fpgaInstance),
	}, nil
}

// Level implements backend.Backend.
func (b *Backend) Level() sandbox.IsolationLevel { return sandbox.LevelFPGA }

// Load validates the bitstream header. The device is not touched.
func (b *Backend) Load(_ context.Context, src sandbox.ModuleSource) (sandbox.Module, error) {
	if src.BitstreamPath == "" {
		return sandbox.Module{}, sandbox.Errorf(sandbox.KindConfig, "module %q: bitstream path is required at this level", src.Name)
	}
	header := make([]byte, headerScanBytes)
	f, err := os.Open(src.BitstreamPath)
	if err != nil {
		return sandbox.Module{}, sandbox.IoError(src.BitstreamPath, err)
	}
	n, _ := f.Read(header)
	f.Close()
	if !bytes.Contains(header[:n], syncWord) {
		return sandbox.Module{}, sandbox.Errorf(sandbox.KindFPGA, "module %q: no sync word in bitstream header", src.Name)
	}

	id := ulid.Make().String()
	b.mu.Lock()
	b.modules[id] = moduleEntry{name: src.Name, bitstream: src.BitstreamPath}
	b.mu.Unlock()
	return sandbox.NewModule(id, src.Name, sandbox.LevelFPGA), nil
}

// Instantiate programs the bitstream through the kernel firmware loader
// and opens the data-path device. The FPGA holds one design at a time, so
// the device is reserved under the lock before programming starts; a
// concurrent Instantiate sees the reservation and is rejected.
func (b *Backend) Instantiate(_ context.Context, m sandbox.Module) (sandbox.Instance, error) {
	id := ulid.Make().String()
	inst := &fpgaInstance{enforcer: policy.NewEnforcer(id, b.cfg.Capabilities, b.record)}

	b.mu.Lock()
	entry, ok := b.modules[m.ID()]
	if !ok {
		b.mu.Unlock()
		return sandbox.Instance{}, sandbox.Errorf(sandbox.KindFPGA, "module %q is not loaded", m.Name())
	}
	if len(b.instances) > 0 {
		b.mu.Unlock()
		return sandbox.Instance{}, sandbox.Errorf(sandbox.KindFPGA, "device %s is already programmed with another design", b.manager)
	}
	b.instances[id] = inst
	b.mu.Unlock()

	start := time.Now()
	if err := b.program(entry.bitstream); err != nil {
		b.unreserve(id)
		return sandbox.Instance{}, err
	}

	device, err := os.OpenFile(b.device, os.O_RDWR, 0)
	if err != nil {
		b.unreserve(id)
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindFPGA, err, "open data device %s", b.device)
	}
	inst.mu.Lock()
	inst.device = device
	inst.mu.Unlock()

	backend.ObserveBoot(sandbox.LevelFPGA, time.Since(start).Seconds())
	backend.InstanceUp(sandbox.LevelFPGA)

	b.logger.Debug("fpga instance ready",
		"instance", id,
		"module", m.Name(),
		"manager", b.manager,
	)
	return sandbox.NewInstance(id, m), nil
}

// unreserve drops a device reservation after a failed instantiation.
func (b *Backend) unreserve(id string) {
	b.mu.Lock()
	delete(b.instances, id)
	b.mu.Unlock()
}

// program stages the bitstream in the firmware directory and kicks the
// manager's firmware loader.
func (b *Backend) program(bitstream string) error {
	name := "wavecage-" + filepath.Base(bitstream)
	staged := filepath.Join(b.firmware, name)
	data, err := os.ReadFile(bitstream)
	if err != nil {
		return sandbox.IoError(bitstream, err)
	}
	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return sandbox.WrapErr(sandbox.KindFPGA, err, "stage bitstream in %s", b.firmware)
	}

	firmwarePath := filepath.Join(b.managerDir, b.manager, "firmware")
	if err := os.WriteFile(firmwarePath, []byte(name), 0o200); err != nil {
		return sandbox.WrapErr(sandbox.KindFPGA, err, "program %s", b.manager)
	}

	statePath := filepath.Join(b.managerDir, b.manager, "state")
	state, err := os.ReadFile(statePath)
	if err == nil && !bytes.Contains(state, []byte("operating")) {
		return sandbox.Errorf(sandbox.KindFPGA, "manager %s in state %q after programming", b.manager, bytes.TrimSpace(state))
	}
	return nil
}

// Call writes the argument buffer to the data device and reads back the
// design's output, bounded by the wall clock budget.
func (b *Backend) Call(ctx context.Context, inst sandbox.Instance, fn string, args []byte) (sandbox.CallResult, error) {
	b.mu.Lock()
	state, ok := b.instances[inst.ID()]
	b.mu.Unlock()
	if !ok {
		return sandbox.CallResult{}, sandbox.Errorf(sandbox.KindFPGA, "instance %s is not live", inst.ID())
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.dead {
		return sandbox.CallResult{}, sandbox.Errorf(sandbox.KindFPGA, "instance %s was released", inst.ID())
	}

	timeout := b.cfg.CallTimeout()
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < timeout {
			timeout = until
		}
	}

	start := time.Now()
	output, err := b.exchange(state.device, args, timeout)
	elapsed := time.Since(start)

	var callErr error
	switch {
	case err == errDeviceTimeout:
		callErr = sandbox.Errorf(sandbox.KindResourceExhausted, "function %q exceeded wall clock budget of %s", fn, timeout)
	case err != nil:
		callErr = sandbox.WrapErr(sandbox.KindFPGA, err, "call %q", fn)
	}

	backend.ObserveCall(sandbox.LevelFPGA, elapsed.Seconds(), callErr)
	if callErr != nil {
		return sandbox.CallResult{Telemetry: sandbox.Telemetry{Elapsed: elapsed}}, callErr
	}
	return sandbox.CallResult{
		Output:    output,
		Telemetry: sandbox.Telemetry{Elapsed: elapsed},
	}, nil
}

var errDeviceTimeout = fmt.Errorf("device response timed out")

// exchange performs one write/read round trip against the data device,
// polling for readability so a hung design cannot block forever.
func (b *Backend) exchange(device *os.File, args []byte, timeout time.Duration) ([]byte, error) {
	if len(args) > 0 {
		if _, err := device.Write(args); err != nil {
			return nil, fmt.Errorf("write to device: %w", err)
		}
	}

	fds := []unix.PollFd{{Fd: int32(device.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("poll device: %w", err)
	}
	if n == 0 {
		return nil, errDeviceTimeout
	}

	buf := make([]byte, 1<<20)
	read, err := device.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read from device: %w", err)
	}
	out := make([]byte, read)
	copy(out, buf[:read])
	return out, nil
}

// Release closes the data device, leaving the design programmed until
// the next instantiation replaces it. Idempotent.
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
	backend.InstanceDown(sandbox.LevelFPGA)
	state.dead = true
	// device is nil for a reservation whose programming never finished.
	if state.device != nil {
		if err := state.device.Close(); err != nil {
			return sandbox.WrapErr(sandbox.KindFPGA, err, "close data device")
		}
	}
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
