package sandbox

import (
	"errors"
	"fmt"
)

// Kind classifies a sandbox failure. Every error crossing the public
// boundary carries exactly one Kind.
type Kind int

const (
	// KindNamespace is a failure creating or entering OS namespaces.
	KindNamespace Kind = iota + 1
	// KindCapability is a failure dropping process capabilities.
	KindCapability
	// KindSeccomp is a failure building or installing a syscall filter.
	KindSeccomp
	// KindMemory is a failure enforcing memory protection or limits.
	KindMemory
	// KindIPC is a failure on the host/worker communication channel.
	KindIPC
	// KindContainer is a container runtime failure.
	KindContainer
	// KindVM is a virtual machine boot or control failure.
	KindVM
	// KindFPGA is an FPGA device or bitstream failure.
	KindFPGA
	// KindHardware is a hardware-partitioning failure.
	KindHardware
	// KindWasm is a WebAssembly validation, linking, or trap failure.
	KindWasm
	// KindConfig is an invalid configuration value.
	KindConfig
	// KindPolicyViolation is a policy-composition breach: a handle used
	// with a backend other than its owner, or an attempt to widen a
	// sealed capability set.
	KindPolicyViolation
	// KindPermissionDenied is a capability check denial: the instance
	// attempted an operation outside its granted CapabilitySet.
	KindPermissionDenied
	// KindResourceExhausted is a memory, fuel, or time budget breach
	// during execution.
	KindResourceExhausted
	// KindIo wraps an underlying I/O fault without reclassification.
	KindIo
	// KindUnsupportedLevel means the host lacks the primitive required
	// by the requested isolation level. Always raised at construction,
	// before any untrusted code is touched.
	KindUnsupportedLevel
)

// kindNames maps each Kind to its wire/log name.
var kindNames = map[Kind]string{
	KindNamespace:         "namespace_error",
	KindCapability:        "capability_error",
	KindSeccomp:           "seccomp_error",
	KindMemory:            "memory_error",
	KindIPC:               "ipc_error",
	KindContainer:         "container_error",
	KindVM:                "vm_error",
	KindFPGA:              "fpga_error",
	KindHardware:          "hardware_error",
	KindWasm:              "wasm_error",
	KindConfig:            "config_error",
	KindPolicyViolation:   "policy_violation",
	KindPermissionDenied:  "permission_denied",
	KindResourceExhausted: "resource_exhausted",
	KindIo:                "io_error",
	KindUnsupportedLevel:  "unsupported_level",
}

// ParseKind resolves a wire name back to its Kind. Returns 0 for names
// that carry no classification.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return 0
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the typed failure returned by every sandbox operation.
type Error struct {
	// Kind is the single classification of this failure.
	Kind Kind

	// Level is the isolation level the failure occurred under, when known.
	Level IsolationLevel

	// Resource names the offending resource (path, function, device,
	// syscall) when one exists.
	Resource string

	// Msg is a human-readable description.
	Msg string

	// Violation carries the denial record for permission and policy
	// failures.
	Violation *PolicyViolation

	// Err is the wrapped underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Level.Valid() {
		s += " [" + e.Level.String() + "]"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Resource != "" {
		s += " (" + e.Resource + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the wrapped underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr builds an *Error of the given kind around an underlying error.
func WrapErr(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IoError wraps an underlying I/O fault for the named resource.
func IoError(resource string, err error) *Error {
	return &Error{Kind: KindIo, Resource: resource, Err: err}
}

// Unsupported builds the construction-time error for a level the host
// cannot provide. The reason must name the missing primitive.
func Unsupported(level IsolationLevel, reason string) *Error {
	return &Error{Kind: KindUnsupportedLevel, Level: level, Msg: reason}
}

// Denied builds a KindPermissionDenied error carrying the violation record.
func Denied(v PolicyViolation) *Error {
	return &Error{
		Kind:      KindPermissionDenied,
		Resource:  v.Requested,
		Msg:       "capability not granted: " + v.Capability,
		Violation: &v,
	}
}

// KindOf extracts the Kind from err, unwrapping as needed. It returns 0
// when err carries no sandbox classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
