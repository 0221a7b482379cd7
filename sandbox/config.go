package sandbox

import (
	"slices"
	"time"
)

// FSGrant grants access to one filesystem path. Write access implies read.
type FSGrant struct {
	// Path is the host path being granted. Granting a directory grants
	// everything beneath it.
	Path string `json:"path"`

	// Write permits modification; false grants read-only access.
	Write bool `json:"write"`
}

// NetworkPolicy controls network egress for an instance.
type NetworkPolicy struct {
	// Allow enables egress. When false no network is ever configured.
	Allow bool `json:"allow"`

	// Hosts optionally restricts egress to the listed hosts. Empty with
	// Allow=true permits any destination.
	Hosts []string `json:"hosts,omitempty"`
}

// WasiCapabilities is the WASM-only subset of grants mediated through the
// WASI layer. Everything defaults to denied.
type WasiCapabilities struct {
	Stdin  bool `json:"stdin"`
	Stdout bool `json:"stdout"`
	Stderr bool `json:"stderr"`

	// Clocks permits wall/monotonic clock reads.
	Clocks bool `json:"clocks"`

	// Random permits the host random source.
	Random bool `json:"random"`

	// Args are command-line arguments passed to the module.
	Args []string `json:"args,omitempty"`
}

// CapabilitySet is the deny-by-default description of what an execution
// may touch. The zero value grants nothing; absence of an entry always
// means denial.
type CapabilitySet struct {
	// Filesystem lists granted paths. Empty denies all filesystem access.
	Filesystem []FSGrant `json:"filesystem,omitempty"`

	// Network controls egress. The zero value denies all network access.
	Network NetworkPolicy `json:"network"`

	// Env lists environment variable names passed through to the
	// instance. Empty passes nothing.
	Env []string `json:"env,omitempty"`

	// Wasi applies only under LevelWasm.
	Wasi WasiCapabilities `json:"wasi"`
}

// Clone returns a deep copy, so a sealed set held by an instance can never
// be widened through the caller's copy.
func (c CapabilitySet) Clone() CapabilitySet {
	out := c
	out.Filesystem = slices.Clone(c.Filesystem)
	out.Network.Hosts = slices.Clone(c.Network.Hosts)
	out.Env = slices.Clone(c.Env)
	out.Wasi.Args = slices.Clone(c.Wasi.Args)
	return out
}

// Config is the per-sandbox configuration record. The zero value denies
// every capability and applies backend defaults for resource ceilings.
type Config struct {
	// MaxMemoryBytes caps instance memory. Zero applies the backend
	// default ceiling.
	MaxMemoryBytes uint64 `json:"max_memory_bytes"`

	// CPUTimeLimit caps consumed CPU time per instance (namespace,
	// container, hardware levels). Zero applies the backend default.
	CPUTimeLimit time.Duration `json:"cpu_time_limit"`

	// WallClockTimeout bounds a single call. Zero applies
	// DefaultWallClockTimeout.
	WallClockTimeout time.Duration `json:"wall_clock_timeout"`

	// FuelLimit bounds WASM execution steps. Fuel is charged at guest
	// function granularity; a call exceeding the budget is interrupted
	// and reports resource exhaustion. Zero disables fuel metering.
	// Only meaningful under LevelWasm.
	FuelLimit uint64 `json:"fuel_limit"`

	// MaxMemoryPages caps the WASM linear memory in 64 KiB pages. Zero
	// derives the cap from MaxMemoryBytes, or applies the backend
	// default when both are zero. Only meaningful under LevelWasm.
	MaxMemoryPages uint32 `json:"max_memory_pages"`

	// IdleTimeout releases instances that have not been called for this
	// long. Zero disables the idle reaper.
	IdleTimeout time.Duration `json:"idle_timeout"`

	// Capabilities is sealed when the first instance is created.
	Capabilities CapabilitySet `json:"capabilities"`
}

// DefaultWallClockTimeout bounds calls when the config leaves
// WallClockTimeout at zero.
const DefaultWallClockTimeout = 30 * time.Second

// WasmPageSize is the WebAssembly linear memory page size.
const WasmPageSize = 64 * 1024

// MaxWasmPages is the architectural ceiling on WASM linear memory: 65536
// pages of 64 KiB, 4 GiB total. Page counts above it cannot exist.
const MaxWasmPages = 65536

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	out := c
	out.Capabilities = c.Capabilities.Clone()
	return out
}

// CallTimeout returns the effective wall-clock bound for a single call.
func (c Config) CallTimeout() time.Duration {
	if c.WallClockTimeout > 0 {
		return c.WallClockTimeout
	}
	return DefaultWallClockTimeout
}

// Validate checks the config against the chosen level. Limits that can
// never be satisfied are rejected here, before any module is loaded.
func (c Config) Validate(level IsolationLevel) error {
	if !level.Valid() {
		return Errorf(KindConfig, "invalid isolation level %d", int(level))
	}
	if c.WallClockTimeout < 0 {
		return Errorf(KindConfig, "wall clock timeout must not be negative")
	}
	if c.CPUTimeLimit < 0 {
		return Errorf(KindConfig, "cpu time limit must not be negative")
	}
	if c.IdleTimeout < 0 {
		return Errorf(KindConfig, "idle timeout must not be negative")
	}
	if level == LevelWasm {
		if c.MaxMemoryPages == 0 && c.MaxMemoryBytes > 0 && c.MaxMemoryBytes < WasmPageSize {
			return Errorf(KindConfig, "max memory %d is below one wasm page (%d)", c.MaxMemoryBytes, WasmPageSize)
		}
		if c.MaxMemoryPages > MaxWasmPages {
			return Errorf(KindConfig, "max memory pages %d exceeds the wasm ceiling of %d", c.MaxMemoryPages, MaxWasmPages)
		}
	} else {
		if c.FuelLimit > 0 {
			return Errorf(KindConfig, "fuel limit applies only to the wasm level")
		}
		if c.MaxMemoryPages > 0 {
			return Errorf(KindConfig, "max memory pages applies only to the wasm level")
		}
	}
	for _, g := range c.Capabilities.Filesystem {
		if g.Path == "" {
			return Errorf(KindConfig, "filesystem grant with empty path")
		}
	}
	return nil
}

// EffectiveWasmPages resolves the linear memory cap in pages, falling back
// to defaultPages when the config does not constrain memory. The result
// never exceeds MaxWasmPages: a byte cap at or past 4 GiB already spans
// the whole addressable linear memory.
func (c Config) EffectiveWasmPages(defaultPages uint32) uint32 {
	if c.MaxMemoryPages > 0 {
		return min(c.MaxMemoryPages, MaxWasmPages)
	}
	if c.MaxMemoryBytes > 0 {
		pages := c.MaxMemoryBytes / WasmPageSize
		if pages == 0 {
			pages = 1
		}
		if pages > MaxWasmPages {
			pages = MaxWasmPages
		}
		return uint32(pages)
	}
	return defaultPages
}
