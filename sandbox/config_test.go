package sandbox_test

import (
	"testing"
	"time"

	"github.com/wavecage/wavecage/sandbox"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name     string
		level    sandbox.IsolationLevel
		cfg      sandbox.Config
		wantKind sandbox.Kind
	}{
		{
			name:  "zero config is valid",
			level: sandbox.LevelWasm,
			cfg:   sandbox.Config{},
		},
		{
			name:     "invalid level",
			level:    sandbox.IsolationLevel(0),
			cfg:      sandbox.Config{},
			wantKind: sandbox.KindConfig,
		},
		{
			name:     "negative wall clock timeout",
			level:    sandbox.LevelWasm,
			cfg:      sandbox.Config{WallClockTimeout: -time.Second},
			wantKind: sandbox.KindConfig,
		},
		{
			name:     "negative cpu time limit",
			level:    sandbox.LevelNamespace,
			cfg:      sandbox.Config{CPUTimeLimit: -time.Second},
			wantKind: sandbox.KindConfig,
		},
		{
			name:     "fuel on non-wasm level",
			level:    sandbox.LevelContainer,
			cfg:      sandbox.Config{FuelLimit: 1000},
			wantKind: sandbox.KindConfig,
		},
		{
			name:     "memory pages on non-wasm level",
			level:    sandbox.LevelVM,
			cfg:      sandbox.Config{MaxMemoryPages: 16},
			wantKind: sandbox.KindConfig,
		},
		{
			name:  "fuel on wasm level",
			level: sandbox.LevelWasm,
			cfg:   sandbox.Config{FuelLimit: 1000, MaxMemoryPages: 16},
		},
		{
			name:     "memory below one wasm page",
			level:    sandbox.LevelWasm,
			cfg:      sandbox.Config{MaxMemoryBytes: 1024},
			wantKind: sandbox.KindConfig,
		},
		{
			name:     "memory pages above the wasm ceiling",
			level:    sandbox.LevelWasm,
			cfg:      sandbox.Config{MaxMemoryPages: sandbox.MaxWasmPages + 1},
			wantKind: sandbox.KindConfig,
		},
		{
			name:  "memory pages at the wasm ceiling",
			level: sandbox.LevelWasm,
			cfg:   sandbox.Config{MaxMemoryPages: sandbox.MaxWasmPages},
		},
		{
			name:  "empty filesystem grant path",
			level: sandbox.LevelWasm,
			cfg: sandbox.Config{
				Capabilities: sandbox.CapabilitySet{
					Filesystem: []sandbox.FSGrant{{Path: ""}},
				},
			},
			wantKind: sandbox.KindConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate(tt.level)
			if tt.wantKind == 0 {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !sandbox.IsKind(err, tt.wantKind) {
				t.Fatalf("Validate() = %v, want kind %v", err, tt.wantKind)
			}
		})
	}
}

func TestCallTimeout(t *testing.T) {
	if got := (sandbox.Config{}).CallTimeout(); got != sandbox.DefaultWallClockTimeout {
		t.Errorf("zero config CallTimeout() = %v, want %v", got, sandbox.DefaultWallClockTimeout)
	}
	cfg := sandbox.Config{WallClockTimeout: 5 * time.Second}
	if got := cfg.CallTimeout(); got != 5*time.Second {
		t.Errorf("CallTimeout() = %v, want 5s", got)
	}
}

func TestEffectiveWasmPages(t *testing.T) {
	tests := []struct {
		name string
		cfg  sandbox.Config
		want uint32
	}{
		{"default", sandbox.Config{}, 4096},
		{"explicit pages win", sandbox.Config{MaxMemoryPages: 32, MaxMemoryBytes: 1 << 30}, 32},
		{"derived from bytes", sandbox.Config{MaxMemoryBytes: 128 * sandbox.WasmPageSize}, 128},
		{"sub-page rounds up to one", sandbox.Config{MaxMemoryBytes: 100}, 1},
		{"byte cap at 4 GiB saturates", sandbox.Config{MaxMemoryBytes: 4 << 30}, sandbox.MaxWasmPages},
		{"byte cap past 4 GiB saturates", sandbox.Config{MaxMemoryBytes: 8 << 30}, sandbox.MaxWasmPages},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.EffectiveWasmPages(4096); got != tt.want {
				t.Errorf("EffectiveWasmPages() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCapabilitySetClone(t *testing.T) {
	orig := sandbox.CapabilitySet{
		Filesystem: []sandbox.FSGrant{{Path: "/data", Write: true}},
		Network:    sandbox.NetworkPolicy{Allow: true, Hosts: []string{"a.example"}},
		Env:        []string{"HOME"},
		Wasi:       sandbox.WasiCapabilities{Args: []string{"-v"}},
	}

	clone := orig.Clone()
	clone.Filesystem[0].Path = "/changed"
	clone.Network.Hosts[0] = "b.example"
	clone.Env[0] = "PATH"
	clone.Wasi.Args[0] = "-q"

	if orig.Filesystem[0].Path != "/data" {
		t.Error("mutating clone filesystem changed the original")
	}
	if orig.Network.Hosts[0] != "a.example" {
		t.Error("mutating clone network hosts changed the original")
	}
	if orig.Env[0] != "HOME" {
		t.Error("mutating clone env changed the original")
	}
	if orig.Wasi.Args[0] != "-v" {
		t.Error("mutating clone wasi args changed the original")
	}
}
