package wasm

import (
	"io/fs"

	"github.com/wavecage/wavecage/internal/policy"
)

// denyFS is mounted at the guest root when no filesystem capability is
// granted. Every open attempt is recorded as a violation through the
// enforcer and refused with a permission error, so a module probing the
// filesystem is observable rather than just seeing an empty tree.
type denyFS struct {
	enforcer *policy.Enforcer
}

// Compile-time interface satisfaction check.
var _ fs.FS = denyFS{}

func (d denyFS) Open(name string) (fs.File, error) {
	// CheckPath always denies here (the enforcer holds no grants) and
	// records the violation as a side effect.
	_ = d.enforcer.CheckPath("/"+name, false)
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
}
