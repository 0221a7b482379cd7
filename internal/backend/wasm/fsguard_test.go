package wasm

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/wavecage/wavecage/internal/policy"
	"github.com/wavecage/wavecage/sandbox"
)

func TestDenyFSRecordsViolations(t *testing.T) {
	enforcer := policy.NewEnforcer("inst-1", sandbox.CapabilitySet{}, nil)
	d := denyFS{enforcer: enforcer}

	_, err := d.Open("etc/passwd")
	if !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("Open = %v, want permission error", err)
	}

	violations := enforcer.Violations()
	if len(violations) != 1 {
		t.Fatalf("recorded %d violations, want 1", len(violations))
	}
	if violations[0].Requested != "read /etc/passwd" {
		t.Errorf("Requested = %q, want read /etc/passwd", violations[0].Requested)
	}
}
