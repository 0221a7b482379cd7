//go:build !linux

package nsproc

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/wavecage/wavecage/internal/backend"
	"github.com/wavecage/wavecage/internal/policy"
	"github.com/wavecage/wavecage/sandbox"
)

// Probe always fails off Linux: namespaces and seccomp are Linux kernel
// primitives.
func Probe() error {
	return fmt.Errorf("namespace isolation requires a linux host (running %s)", runtime.GOOS)
}

// New fails on non-Linux hosts. The registry's probe normally rejects the
// level before construction reaches this point.
func New(sandbox.Config, *slog.Logger, policy.Recorder, string) (backend.Backend, error) {
	return nil, sandbox.Unsupported(sandbox.LevelNamespace, Probe().Error())
}
