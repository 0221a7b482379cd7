// Package nsproc implements the lightweight process isolation backend:
// untrusted native modules run in dedicated Linux namespaces with a
// dropped capability bounding set, resource limits, and a seccomp
// syscall allow-list. A small worker helper performs the staged setup
// and then replaces itself with the module executable; the filter
// survives the exec.
package nsproc

import (
	"fmt"

	"github.com/wavecage/wavecage/sandbox"
)

// Stage is one step of the worker's isolation setup. Stages advance
// strictly forward; the worker never re-enters an earlier stage.
type Stage int

const (
	StageCreated Stage = iota
	StageNamespaces
	StageLimits
	StageCapabilities
	StageFilter
	StageRunning
	StageTerminated
)

var stageNames = map[Stage]string{
	StageCreated:      "created",
	StageNamespaces:   "namespaces_entered",
	StageLimits:       "limits_applied",
	StageCapabilities: "capabilities_dropped",
	StageFilter:       "filter_installed",
	StageRunning:      "running",
	StageTerminated:   "terminated",
}

// String returns the stage's wire name.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage resolves a wire name back to its Stage. Returns -1 for
// unknown names.
func ParseStage(name string) Stage {
	for s, n := range stageNames {
		if n == name {
			return s
		}
	}
	return -1
}

// KindForStage maps a setup stage to the error classification raised when
// that stage fails.
func KindForStage(s Stage) sandbox.Kind {
	switch s {
	case StageNamespaces:
		return sandbox.KindNamespace
	case StageLimits:
		return sandbox.KindMemory
	case StageCapabilities:
		return sandbox.KindCapability
	case StageFilter:
		return sandbox.KindSeccomp
	case StageRunning:
		return sandbox.KindIo
	default:
		return sandbox.KindIPC
	}
}

// Machine enforces the monotonic stage order.
type Machine struct {
	current Stage
}

// Current returns the current stage.
func (m *Machine) Current() Stage { return m.current }

// Advance moves to next. Only the immediate successor is legal, except
// StageTerminated, which is reachable from anywhere.
func (m *Machine) Advance(next Stage) error {
	if next == StageTerminated {
		m.current = next
		return nil
	}
	if next != m.current+1 {
		return fmt.Errorf("illegal stage transition %s -> %s", m.current, next)
	}
	m.current = next
	return nil
}
