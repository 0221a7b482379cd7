// Package policy centralizes deny-by-default capability checking. Every
// backend consults one Enforcer before a privileged action instead of
// duplicating checks at each operation site; denials produce a uniform
// violation record regardless of mechanism.
package policy

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/wavecage/wavecage/sandbox"
)

// Capability category names used in violation records.
const (
	CapFilesystem = "filesystem"
	CapNetwork    = "network"
	CapEnv        = "env"
)

// Recorder receives every violation as it happens, typically to persist
// it to the audit store. May be nil.
type Recorder func(sandbox.PolicyViolation)

// Enforcer holds the sealed CapabilitySet of one instance and answers
// capability checks. Safe for concurrent use.
type Enforcer struct {
	instanceID string
	caps       sandbox.CapabilitySet
	recorder   Recorder

	mu         sync.Mutex
	violations []sandbox.PolicyViolation
}

// NewEnforcer seals a copy of caps for the given instance. Later changes
// to the caller's CapabilitySet have no effect on the enforcer.
func NewEnforcer(instanceID string, caps sandbox.CapabilitySet, rec Recorder) *Enforcer {
	return &Enforcer{
		instanceID: instanceID,
		caps:       caps.Clone(),
		recorder:   rec,
	}
}

// Capabilities returns the sealed capability set.
func (e *Enforcer) Capabilities() sandbox.CapabilitySet {
	return e.caps.Clone()
}

// CheckPath checks access to a filesystem path. Write access requires a
// grant with Write set; a read is satisfied by any grant covering the
// path. Returns a KindPermissionDenied error on denial.
func (e *Enforcer) CheckPath(path string, write bool) error {
	cleaned := filepath.Clean(path)
	for _, g := range e.caps.Filesystem {
		if !pathCovers(g.Path, cleaned) {
			continue
		}
		if write && !g.Write {
			continue
		}
		return nil
	}

	mode := "read"
	if write {
		mode = "write"
	}
	return e.deny(CapFilesystem, fmt.Sprintf("%s %s", mode, cleaned), e.grantedPaths())
}

// CheckNetwork checks egress to a host. An empty allow-list with
// Allow=true permits any destination.
func (e *Enforcer) CheckNetwork(host string) error {
	if e.caps.Network.Allow {
		if len(e.caps.Network.Hosts) == 0 || slices.Contains(e.caps.Network.Hosts, host) {
			return nil
		}
	}
	granted := "deny all"
	if e.caps.Network.Allow {
		granted = "allow " + strings.Join(e.caps.Network.Hosts, ",")
	}
	return e.deny(CapNetwork, host, granted)
}

// NetworkAllowed reports whether any egress is granted at all, for
// backends that configure networking up front rather than per operation.
func (e *Enforcer) NetworkAllowed() bool {
	return e.caps.Network.Allow
}

// CheckEnv checks pass-through of one environment variable name.
func (e *Enforcer) CheckEnv(name string) error {
	if slices.Contains(e.caps.Env, name) {
		return nil
	}
	return e.deny(CapEnv, name, strings.Join(e.caps.Env, ","))
}

// FilterEnviron filters a KEY=VALUE environment down to the granted
// names. Ungranted entries are dropped without raising violations; this
// is the construction path, not an access attempt by untrusted code.
func (e *Enforcer) FilterEnviron(environ []string) []string {
	var out []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if ok && slices.Contains(e.caps.Env, name) {
			out = append(out, kv)
		}
	}
	return out
}

// Violations returns a copy of every denial recorded so far.
func (e *Enforcer) Violations() []sandbox.PolicyViolation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.violations)
}

// deny records the violation and returns the typed denial error.
func (e *Enforcer) deny(capability, requested, granted string) error {
	v := sandbox.PolicyViolation{
		InstanceID: e.instanceID,
		Capability: capability,
		Requested:  requested,
		Granted:    granted,
		At:         time.Now().UTC(),
	}

	e.mu.Lock()
	e.violations = append(e.violations, v)
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder(v)
	}
	return sandbox.Denied(v)
}

// grantedPaths summarizes filesystem grants for violation records.
func (e *Enforcer) grantedPaths() string {
	if len(e.caps.Filesystem) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(e.caps.Filesystem))
	for _, g := range e.caps.Filesystem {
		mode := "ro"
		if g.Write {
			mode = "rw"
		}
		parts = append(parts, g.Path+":"+mode)
	}
	return strings.Join(parts, ",")
}

// pathCovers reports whether target equals grant or lies beneath it.
func pathCovers(grant, target string) bool {
	grant = filepath.Clean(grant)
	if grant == target {
		return true
	}
	rel, err := filepath.Rel(grant, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
