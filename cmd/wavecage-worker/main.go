//go:build linux

// Command wavecage-worker is the namespace isolation helper. The host
// clones it into fresh namespaces; it applies resource limits, drops
// capabilities, installs the seccomp filter, and execs the module
// binary. It is never run by hand.
package main

import (
	"os"

	"github.com/wavecage/wavecage/internal/backend/nsproc"
)

func main() {
	if err := nsproc.RunWorker(); err != nil {
		// The failure was already reported to the host as a stage frame.
		os.Exit(1)
	}
}
