// Package sandbox defines the shared vocabulary of the wavecage isolation
// layer: isolation levels, per-execution configuration and capability
// grants, module/instance handles, call results, and the error taxonomy
// used by every backend.
//
// Types in this package carry no mechanism-specific behavior. The
// backends under internal/backend interpret them; callers construct a
// sandbox through the root wavecage package.
package sandbox
