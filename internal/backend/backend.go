// Package backend defines the common contract every isolation backend
// (namespace, container, microVM, FPGA, hardware partition, WASM)
// implements, along with the registry that resolves a requested isolation
// level to an available backend or fails fast.
package backend

import (
	"context"

	"github.com/wavecage/wavecage/sandbox"
)

// Backend is the capability interface implemented by all six isolation
// mechanisms. Callers program against this interface, never against a
// concrete backend type, so error handling and tests stay uniform.
//
// Handle ownership: a Module or Instance returned by one backend is only
// valid with that backend. The facade enforces the level tag before
// dispatch; implementations may assume matching handles.
type Backend interface {
	// Level identifies the isolation mechanism.
	Level() sandbox.IsolationLevel

	// Load validates the module source against the mechanism's
	// constraints and returns a handle. The module is owned by this
	// backend and immutable once loaded.
	Load(ctx context.Context, src sandbox.ModuleSource) (sandbox.Module, error)

	// Instantiate creates a live instance of a loaded module under the
	// enforced resource limits. Construction may block on privileged
	// kernel or hypervisor calls.
	Instantiate(ctx context.Context, m sandbox.Module) (sandbox.Instance, error)

	// Call invokes a named exported function with serialized arguments.
	// Calls on one instance are strictly sequential.
	Call(ctx context.Context, inst sandbox.Instance, fn string, args []byte) (sandbox.CallResult, error)

	// Release tears down an instance and frees all of its resources.
	// Releasing an unknown or already-released instance is a no-op.
	Release(ctx context.Context, inst sandbox.Instance) error

	// ReleaseModule frees a loaded module. Instances created from it
	// must already be released.
	ReleaseModule(ctx context.Context, m sandbox.Module) error

	// Shutdown releases every remaining instance and module. Idempotent.
	Shutdown(ctx context.Context) error
}
