//go:build !linux

package hwpart

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/wavecage/wavecage/internal/backend"
	"github.com/wavecage/wavecage/internal/policy"
	"github.com/wavecage/wavecage/sandbox"
)

// Probe always fails off Linux: CPU affinity, resctrl, and IOMMU group
// discovery are Linux kernel interfaces.
func Probe() error {
	return fmt.Errorf("hardware partitioning requires a linux host (running %s)", runtime.GOOS)
}

// New fails on non-Linux hosts.
func New(sandbox.Config, *slog.Logger, policy.Recorder) (backend.Backend, error) {
	return nil, sandbox.Unsupported(sandbox.LevelHardware, Probe().Error())
}
