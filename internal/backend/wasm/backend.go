// Package wasm implements the portable WebAssembly/WASI isolation backend
// on wazero. Each instance owns a fresh linear memory; every system
// interaction is proxied through WASI and gated by the granted
// capabilities, with nothing allowed by default.
package wasm

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wavecage/wavecage/internal/backend"
	"github.com/wavecage/wavecage/internal/policy"
	"github.com/wavecage/wavecage/sandbox"
)

// defaultMemoryPages caps linear memory at 256 MiB when the config does
// not constrain it.
const defaultMemoryPages = 4096

// Conventional guest allocator exports, matching the waveform module ABI.
const (
	allocExport   = "alloc"
	deallocExport = "dealloc"
)

// wasmMagic is the leading four bytes of every well-formed module.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// loadedModule is a compiled module owned by the backend. Compiled code is
// shared read-only across instances.
type loadedModule struct {
	compiled wazero.CompiledModule
	name     string
	exports  map[string]api.FunctionDefinition
}

// instanceState is one live linear-memory instance.
type instanceState struct {
	mu       sync.Mutex
	mod      api.Module
	enforcer *policy.Enforcer
	poisoned bool
}

// Backend implements backend.Backend for sandbox.LevelWasm.
type Backend struct {
	runtime wazero.Runtime
	baseCtx context.Context
	cfg     sandbox.Config
	logger  *slog.Logger
	record  policy.Recorder

	mu        sync.Mutex
	modules   map[string]*loadedModule
	instances map[string]*instanceState
	closed    bool
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Probe reports availability. The runtime is embedded and pure Go, so the
// wasm level is available on every host.
func Probe() error { return nil }

// New creates the wasm backend. The linear memory ceiling from cfg is
// fixed at runtime construction and applies to every instance.
func New(cfg sandbox.Config, logger *slog.Logger, record policy.Recorder) (*Backend, error) {
	// The fuel listener is bound at compile time; per-call budgets ride
	// on the call context.
	ctx := experimental.WithFunctionListenerFactory(context.Background(), fuelListener{})

	rc := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(cfg.EffectiveWasmPages(defaultMemoryPages))

	r := wazero.NewRuntimeWithConfig(ctx, rc)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, sandbox.WrapErr(sandbox.KindWasm, err, "instantiate WASI")
	}

	return &Backend{
		runtime:   r,
		baseCtx:   ctx,
		cfg:       cfg,
		logger:    logger,
		record:    record,
		modules:   make(map[string]*loadedModule),
		instances: make(map[string]*instanceState),
	}, nil
}

// Level implements backend.Backend.
func (b *Backend) Level() sandbox.IsolationLevel { return sandbox.LevelWasm }

// Load validates and compiles a wasm binary.
func (b *Backend) Load(ctx context.Context, src sandbox.ModuleSource) (sandbox.Module, error) {
	bin := src.WasmBinary
	if len(bin) == 0 && src.WasmPath != "" {
		data, err := os.ReadFile(src.WasmPath)
		if err != nil {
			return sandbox.Module{}, sandbox.IoError(src.WasmPath, err)
		}
		bin = data
	}
	if len(bin) < len(wasmMagic) {
		return sandbox.Module{}, sandbox.Errorf(sandbox.KindWasm, "module %q: empty or truncated binary", src.Name)
	}
	for i, c := range wasmMagic {
		if bin[i] != c {
			return sandbox.Module{}, sandbox.Errorf(sandbox.KindWasm, "module %q: not a wasm binary", src.Name)
		}
	}

	compiled, err := b.runtime.CompileModule(b.baseCtx, bin)
	if err != nil {
		return sandbox.Module{}, sandbox.WrapErr(sandbox.KindWasm, err, "compile module %q", src.Name)
	}

	lm := &loadedModule{
		compiled: compiled,
		name:     src.Name,
		exports:  compiled.ExportedFunctions(),
	}

	id := ulid.Make().String()
	b.mu.Lock()
	b.modules[id] = lm
	b.mu.Unlock()

	b.logger.Debug("wasm module loaded",
		"module", src.Name,
		"exports", len(lm.exports),
	)
	return sandbox.NewModule(id, src.Name, sandbox.LevelWasm), nil
}

// Instantiate builds a fresh linear-memory instance bound to the sealed
// capability set.
func (b *Backend) Instantiate(ctx context.Context, m sandbox.Module) (sandbox.Instance, error) {
	b.mu.Lock()
	lm, ok := b.modules[m.ID()]
	b.mu.Unlock()
	if !ok {
		return sandbox.Instance{}, sandbox.Errorf(sandbox.KindWasm, "module %q is not loaded", m.Name())
	}

	id := ulid.Make().String()
	enforcer := policy.NewEnforcer(id, b.cfg.Capabilities, b.record)

	modCfg, err := b.moduleConfig(id, m.Name(), enforcer)
	if err != nil {
		return sandbox.Instance{}, err
	}

	start := time.Now()
	mod, err := b.runtime.InstantiateModule(b.baseCtx, lm.compiled, modCfg)
	if err != nil {
		return sandbox.Instance{}, sandbox.WrapErr(sandbox.KindWasm, err, "instantiate module %q", m.Name())
	}
	backend.ObserveBoot(sandbox.LevelWasm, time.Since(start).Seconds())
	backend.InstanceUp(sandbox.LevelWasm)

	st := &instanceState{mod: mod, enforcer: enforcer}
	b.mu.Lock()
	b.instances[id] = st
	b.mu.Unlock()

	return sandbox.NewInstance(id, m), nil
}

// moduleConfig translates the sealed capability set into a WASI module
// configuration. Absent grants stay at wazero's deny defaults.
func (b *Backend) moduleConfig(id, name string, enforcer *policy.Enforcer) (wazero.ModuleConfig, error) {
	caps := enforcer.Capabilities()
	cfg := wazero.NewModuleConfig().
		WithName(id).
		WithStartFunctions() // library-style modules; no _start

	if caps.Wasi.Stdin {
		cfg = cfg.WithStdin(os.Stdin)
	}
	if caps.Wasi.Stdout {
		cfg = cfg.WithStdout(os.Stdout)
	}
	if caps.Wasi.Stderr {
		cfg = cfg.WithStderr(os.Stderr)
	}
	if caps.Wasi.Clocks {
		cfg = cfg.WithSysWalltime().WithSysNanotime()
	}
	if caps.Wasi.Random {
		cfg = cfg.WithRandSource(rand.Reader)
	}
	if len(caps.Wasi.Args) > 0 {
		cfg = cfg.WithArgs(append([]string{name}, caps.Wasi.Args...)...)
	}

	for _, envName := range caps.Env {
		if v, ok := os.LookupEnv(envName); ok {
			cfg = cfg.WithEnv(envName, v)
		}
	}

	fsCfg := wazero.NewFSConfig()
	if len(caps.Filesystem) == 0 {
		// Nothing granted: mount a recording deny filesystem so probe
		// attempts surface as violations instead of a silent empty tree.
		fsCfg = fsCfg.WithFSMount(denyFS{enforcer: enforcer}, "/")
	} else {
		for _, g := range caps.Filesystem {
			if st, err := os.Stat(g.Path); err != nil {
				return nil, sandbox.IoError(g.Path, err)
			} else if !st.IsDir() {
				return nil, sandbox.Errorf(sandbox.KindConfig, "filesystem grant %q: preopens must be directories", g.Path)
			}
			if g.Write {
				fsCfg = fsCfg.WithDirMount(g.Path, g.Path)
			} else {
				fsCfg = fsCfg.WithReadOnlyDirMount(g.Path, g.Path)
			}
		}
	}
	return cfg.WithFSConfig(fsCfg), nil
}

// Call invokes a named export. Fuel and the wall-clock deadline bound the
// call; a capability denial during execution poisons the instance.
func (b *Backend) Call(ctx context.Context, inst sandbox.Instance, fn string, args []byte) (sandbox.CallResult, error) {
	b.mu.Lock()
	st, ok := b.instances[inst.ID()]
	b.mu.Unlock()
	if !ok {
		return sandbox.CallResult{}, sandbox.Errorf(sandbox.KindWasm, "instance %s is not live", inst.ID())
	}

	// Calls within one instance are strictly sequential.
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.poisoned {
		return sandbox.CallResult{}, sandbox.Errorf(sandbox.KindPolicyViolation, "instance %s was terminated after a policy violation", inst.ID())
	}

	fun := st.mod.ExportedFunction(fn)
	if fun == nil {
		return sandbox.CallResult{}, sandbox.Errorf(sandbox.KindWasm, "function %q is not exported", fn)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout())
	defer cancel()

	var meter *fuelMeter
	if b.cfg.FuelLimit > 0 {
		meter = newFuelMeter(b.cfg.FuelLimit, cancel)
		callCtx = withMeter(callCtx, meter)
	}

	violBefore := len(st.enforcer.Violations())
	start := time.Now()
	output, callErr := b.dispatch(callCtx, st.mod, fun, args)
	elapsed := time.Since(start)

	result := sandbox.CallResult{
		Output: output,
		Telemetry: sandbox.Telemetry{
			Elapsed: elapsed,
		},
	}
	if mem := st.mod.Memory(); mem != nil {
		result.Telemetry.PeakMemoryBytes = uint64(mem.Size())
	}
	if meter != nil {
		consumed := meter.consumed()
		result.Telemetry.FuelConsumed = &consumed
	}

	err := b.classify(st, fn, callErr, meter, violBefore)
	backend.ObserveCall(sandbox.LevelWasm, elapsed.Seconds(), err)
	if err != nil {
		return sandbox.CallResult{Telemetry: result.Telemetry}, err
	}
	return result, nil
}

// dispatch adapts serialized arguments to the export's signature. Buffer
// arguments use the guest allocator and a (ptr, len) convention; scalar
// results come back as 8 little-endian bytes, packed pointer/length
// results as the referenced guest memory.
func (b *Backend) dispatch(ctx context.Context, mod api.Module, fun api.Function, args []byte) ([]byte, error) {
	def := fun.Definition()
	params := def.ParamTypes()

	var callParams []uint64
	switch {
	case len(params) == 0:
		if len(args) > 0 {
			return nil, fmt.Errorf("function takes no parameters but %d argument bytes were supplied", len(args))
		}
	case len(params) == 2 && params[0] == api.ValueTypeI32 && params[1] == api.ValueTypeI32:
		ptr, err := b.writeArgs(ctx, mod, args)
		if err != nil {
			return nil, err
		}
		callParams = []uint64{uint64(ptr), uint64(len(args))}
	default:
		return nil, fmt.Errorf("unsupported signature: want () or (i32 ptr, i32 len), got %d parameters", len(params))
	}

	results, err := fun.Call(ctx, callParams...)
	if err != nil {
		return nil, err
	}

	resultTypes := def.ResultTypes()
	switch {
	case len(results) == 0:
		return nil, nil
	case len(resultTypes) == 1 && resultTypes[0] == api.ValueTypeI64:
		// Packed pointer/length referencing guest memory.
		ptr := uint32(results[0] >> 32)
		length := uint32(results[0])
		if length == 0 {
			return nil, nil
		}
		data, ok := mod.Memory().Read(ptr, length)
		if !ok {
			return nil, fmt.Errorf("result pointer %d+%d is outside linear memory", ptr, length)
		}
		out := make([]byte, length)
		copy(out, data)
		return out, nil
	default:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, results[0])
		return out, nil
	}
}

// writeArgs copies the argument buffer into guest memory via the module's
// exported allocator.
func (b *Backend) writeArgs(ctx context.Context, mod api.Module, args []byte) (uint32, error) {
	if len(args) == 0 {
		return 0, nil
	}
	alloc := mod.ExportedFunction(allocExport)
	if alloc == nil {
		return 0, fmt.Errorf("module does not export %q; cannot pass buffer arguments", allocExport)
	}
	res, err := alloc.Call(ctx, uint64(len(args)))
	if err != nil {
		return 0, fmt.Errorf("guest alloc: %w", err)
	}
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, args) {
		return 0, fmt.Errorf("argument write at %d+%d is outside linear memory", ptr, len(args))
	}
	return ptr, nil
}

// classify maps a raw call failure onto the error taxonomy. Capability
// denials take precedence and poison the instance; budget interruptions
// report resource exhaustion.
func (b *Backend) classify(st *instanceState, fn string, callErr error, meter *fuelMeter, violBefore int) error {
	violations := st.enforcer.Violations()
	if len(violations) > violBefore {
		// The module reached for something outside its grants. Terminate
		// the offending instance; concurrent instances are unaffected.
		st.poisoned = true
		_ = st.mod.Close(b.baseCtx)
		v := violations[violBefore]
		backend.CountViolation(sandbox.LevelWasm, v.Capability)
		return sandbox.Denied(v)
	}

	if callErr == nil {
		return nil
	}

	if meter != nil && meter.exhausted.Load() {
		return sandbox.WrapErr(sandbox.KindResourceExhausted, callErr, "function %q exceeded fuel budget of %d", fn, b.cfg.FuelLimit)
	}
	if errors.Is(callErr, context.DeadlineExceeded) || errors.Is(callErr, context.Canceled) {
		return sandbox.WrapErr(sandbox.KindResourceExhausted, callErr, "function %q exceeded wall clock budget of %s", fn, b.cfg.CallTimeout())
	}
	// wazero surfaces deadline-driven closes as a module-closed exit
	// error rather than the context error itself.
	msg := callErr.Error()
	if strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "module closed") {
		if meter != nil && meter.consumed() >= b.cfg.FuelLimit {
			return sandbox.WrapErr(sandbox.KindResourceExhausted, callErr, "function %q exceeded fuel budget of %d", fn, b.cfg.FuelLimit)
		}
		return sandbox.WrapErr(sandbox.KindResourceExhausted, callErr, "function %q exceeded execution budget", fn)
	}

	return sandbox.WrapErr(sandbox.KindWasm, callErr, "call %q", fn)
}

// Release closes an instance and frees its linear memory. Idempotent.
func (b *Backend) Release(_ context.Context, inst sandbox.Instance) error {
	b.mu.Lock()
	st, ok := b.instances[inst.ID()]
	delete(b.instances, inst.ID())
	b.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	backend.InstanceDown(sandbox.LevelWasm)
	if err := st.mod.Close(b.baseCtx); err != nil && !st.poisoned {
		return sandbox.WrapErr(sandbox.KindWasm, err, "close instance %s", inst.ID())
	}
	return nil
}

// ReleaseModule frees a compiled module. Idempotent.
func (b *Backend) ReleaseModule(_ context.Context, m sandbox.Module) error {
	b.mu.Lock()
	lm, ok := b.modules[m.ID()]
	delete(b.modules, m.ID())
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := lm.compiled.Close(b.baseCtx); err != nil {
		return sandbox.WrapErr(sandbox.KindWasm, err, "close module %q", m.Name())
	}
	return nil
}

// Shutdown releases everything, including the runtime. Idempotent.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	instances := b.instances
	b.instances = make(map[string]*instanceState)
	b.modules = make(map[string]*loadedModule)
	b.mu.Unlock()

	for range instances {
		backend.InstanceDown(sandbox.LevelWasm)
	}
	// Closing the runtime closes every module and compiled artifact.
	if err := b.runtime.Close(b.baseCtx); err != nil {
		return sandbox.WrapErr(sandbox.KindWasm, err, "close runtime")
	}
	return nil
}
