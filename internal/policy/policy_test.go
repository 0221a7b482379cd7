package policy_test

import (
	"testing"

	"github.com/wavecage/wavecage/internal/policy"
	"github.com/wavecage/wavecage/sandbox"
)

func TestCheckPath(t *testing.T) {
	caps := sandbox.CapabilitySet{
		Filesystem: []sandbox.FSGrant{
			{Path: "/data/ro"},
			{Path: "/data/rw", Write: true},
		},
	}

	tests := []struct {
		name  string
		path  string
		write bool
		deny  bool
	}{
		{"read granted path", "/data/ro/samples.bin", false, false},
		{"read grant root itself", "/data/ro", false, false},
		{"write to read-only grant", "/data/ro/out.bin", true, true},
		{"write to writable grant", "/data/rw/out.bin", true, false},
		{"read writable grant", "/data/rw/out.bin", false, false},
		{"ungranted path", "/etc/passwd", false, true},
		{"sibling prefix is not covered", "/data/rofoo/x", false, true},
		{"dot-dot escape", "/data/ro/../../etc/passwd", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := policy.NewEnforcer("inst-1", caps, nil)
			err := e.CheckPath(tt.path, tt.write)
			if tt.deny {
				if !sandbox.IsKind(err, sandbox.KindPermissionDenied) {
					t.Fatalf("CheckPath(%q, %v) = %v, want permission denied", tt.path, tt.write, err)
				}
				if got := len(e.Violations()); got != 1 {
					t.Errorf("recorded %d violations, want 1", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckPath(%q, %v) = %v, want nil", tt.path, tt.write, err)
			}
			if got := len(e.Violations()); got != 0 {
				t.Errorf("recorded %d violations, want 0", got)
			}
		})
	}
}

func TestCheckNetwork(t *testing.T) {
	tests := []struct {
		name   string
		policy sandbox.NetworkPolicy
		host   string
		deny   bool
	}{
		{"deny all by default", sandbox.NetworkPolicy{}, "example.com", true},
		{"allow any with empty host list", sandbox.NetworkPolicy{Allow: true}, "example.com", false},
		{"allow listed host", sandbox.NetworkPolicy{Allow: true, Hosts: []string{"a.example"}}, "a.example", false},
		{"deny unlisted host", sandbox.NetworkPolicy{Allow: true, Hosts: []string{"a.example"}}, "b.example", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := policy.NewEnforcer("inst-1", sandbox.CapabilitySet{Network: tt.policy}, nil)
			err := e.CheckNetwork(tt.host)
			if tt.deny && !sandbox.IsKind(err, sandbox.KindPermissionDenied) {
				t.Fatalf("CheckNetwork(%q) = %v, want permission denied", tt.host, err)
			}
			if !tt.deny && err != nil {
				t.Fatalf("CheckNetwork(%q) = %v, want nil", tt.host, err)
			}
			if got := e.NetworkAllowed(); got != tt.policy.Allow {
				t.Errorf("NetworkAllowed() = %v, want %v", got, tt.policy.Allow)
			}
		})
	}
}

func TestCheckEnv(t *testing.T) {
	e := policy.NewEnforcer("inst-1", sandbox.CapabilitySet{Env: []string{"HOME", "LANG"}}, nil)

	if err := e.CheckEnv("HOME"); err != nil {
		t.Fatalf("CheckEnv(HOME) = %v, want nil", err)
	}
	if err := e.CheckEnv("PATH"); !sandbox.IsKind(err, sandbox.KindPermissionDenied) {
		t.Fatalf("CheckEnv(PATH) = %v, want permission denied", err)
	}
}

func TestFilterEnviron(t *testing.T) {
	e := policy.NewEnforcer("inst-1", sandbox.CapabilitySet{Env: []string{"HOME"}}, nil)

	got := e.FilterEnviron([]string{"HOME=/root", "PATH=/usr/bin", "MALFORMED"})
	if len(got) != 1 || got[0] != "HOME=/root" {
		t.Errorf("FilterEnviron() = %v, want [HOME=/root]", got)
	}
	if len(e.Violations()) != 0 {
		t.Error("FilterEnviron should not record violations")
	}
}

func TestRecorderReceivesViolations(t *testing.T) {
	var recorded []sandbox.PolicyViolation
	e := policy.NewEnforcer("inst-7", sandbox.CapabilitySet{}, func(v sandbox.PolicyViolation) {
		recorded = append(recorded, v)
	})

	_ = e.CheckPath("/secret", false)
	_ = e.CheckNetwork("evil.example")
	_ = e.CheckEnv("TOKEN")

	if len(recorded) != 3 {
		t.Fatalf("recorder saw %d violations, want 3", len(recorded))
	}
	wantCaps := []string{policy.CapFilesystem, policy.CapNetwork, policy.CapEnv}
	for i, v := range recorded {
		if v.InstanceID != "inst-7" {
			t.Errorf("violation %d instance = %q, want inst-7", i, v.InstanceID)
		}
		if v.Capability != wantCaps[i] {
			t.Errorf("violation %d capability = %q, want %q", i, v.Capability, wantCaps[i])
		}
		if v.At.IsZero() {
			t.Errorf("violation %d has zero timestamp", i)
		}
	}
}

func TestEnforcerSealsCapabilities(t *testing.T) {
	caps := sandbox.CapabilitySet{Env: []string{"HOME"}}
	e := policy.NewEnforcer("inst-1", caps, nil)

	caps.Env[0] = "PATH"
	if err := e.CheckEnv("HOME"); err != nil {
		t.Errorf("mutating the caller's set changed the sealed enforcer: %v", err)
	}

	got := e.Capabilities()
	got.Env[0] = "TERM"
	if err := e.CheckEnv("HOME"); err != nil {
		t.Errorf("mutating a returned copy changed the sealed enforcer: %v", err)
	}
}
