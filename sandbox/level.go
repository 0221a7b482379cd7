package sandbox

import "fmt"

// IsolationLevel selects the mechanism that encloses untrusted waveform
// code. The set is closed; the selection is immutable once a sandbox has
// been constructed.
type IsolationLevel int

const (
	// LevelNamespace isolates with OS namespaces, capability dropping,
	// and a seccomp syscall allow-list.
	LevelNamespace IsolationLevel = iota + 1

	// LevelContainer delegates isolation to a container runtime.
	LevelContainer

	// LevelVM boots a lightweight virtual machine per instance.
	LevelVM

	// LevelFPGA partitions reconfigurable logic; modules are bitstreams.
	LevelFPGA

	// LevelHardware uses hardware-assisted partitioning such as IOMMU
	// groups, cache allocation, and dedicated CPU sets.
	LevelHardware

	// LevelWasm runs modules in a WebAssembly/WASI linear-memory sandbox.
	LevelWasm
)

// levelNames is the canonical string form for each level.
var levelNames = map[IsolationLevel]string{
	LevelNamespace: "namespace",
	LevelContainer: "container",
	LevelVM:        "vm",
	LevelFPGA:      "fpga",
	LevelHardware:  "hardware",
	LevelWasm:      "wasm",
}

// Levels returns all isolation levels in ascending order.
func Levels() []IsolationLevel {
	return []IsolationLevel{
		LevelNamespace, LevelContainer, LevelVM,
		LevelFPGA, LevelHardware, LevelWasm,
	}
}

// String returns the canonical lowercase name of the level.
func (l IsolationLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is one of the six defined levels.
func (l IsolationLevel) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// ParseLevel converts a canonical level name back to its IsolationLevel.
func ParseLevel(s string) (IsolationLevel, error) {
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown isolation level %q", s)
}
