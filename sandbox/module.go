package sandbox

// ModuleSource describes the input a backend loads a module from. Exactly
// the fields for the target level are consulted; the rest stay zero.
type ModuleSource struct {
	// Name identifies the module in logs, telemetry, and the audit store.
	Name string `json:"name"`

	// WasmBinary is a compiled WebAssembly module (LevelWasm). When
	// empty, WasmPath is read instead.
	WasmBinary []byte `json:"-"`

	// WasmPath is a filesystem path to a compiled WebAssembly module.
	WasmPath string `json:"wasm_path,omitempty"`

	// ImageRef is a container image reference (LevelContainer).
	ImageRef string `json:"image_ref,omitempty"`

	// KernelPath and RootfsPath form the bootable pair for LevelVM.
	KernelPath string `json:"kernel_path,omitempty"`
	RootfsPath string `json:"rootfs_path,omitempty"`

	// BitstreamPath is an FPGA bitstream file (LevelFPGA).
	BitstreamPath string `json:"bitstream_path,omitempty"`

	// ImagePath is a platform-defined loadable image (LevelHardware).
	ImagePath string `json:"image_path,omitempty"`

	// ExecutablePath is a native worker executable (LevelNamespace, and
	// LevelHardware when the image is a host binary).
	ExecutablePath string `json:"executable_path,omitempty"`
}

// Module is an opaque handle to a validated, loaded unit of untrusted
// code. A module is owned exclusively by the backend that loaded it and
// never crosses isolation levels.
type Module struct {
	id    string
	name  string
	level IsolationLevel
}

// NewModule builds a module handle. Intended for backend implementations.
func NewModule(id, name string, level IsolationLevel) Module {
	return Module{id: id, name: name, level: level}
}

// ID returns the unique handle identifier.
func (m Module) ID() string { return m.id }

// Name returns the caller-supplied module name.
func (m Module) Name() string { return m.name }

// Level returns the isolation level that owns this module.
func (m Module) Level() IsolationLevel { return m.level }

// Instance is an opaque handle to a live embodiment of a module inside
// the enforced boundary. An instance owns its runtime resources for its
// lifetime and is released exactly once.
type Instance struct {
	id     string
	module Module
}

// NewInstance builds an instance handle. Intended for backend
// implementations.
func NewInstance(id string, module Module) Instance {
	return Instance{id: id, module: module}
}

// ID returns the unique handle identifier.
func (i Instance) ID() string { return i.id }

// Module returns the module this instance was created from.
func (i Instance) Module() Module { return i.module }

// Level returns the isolation level that owns this instance.
func (i Instance) Level() IsolationLevel { return i.module.level }
