package microvm_test

import (
	"testing"

	"github.com/wavecage/wavecage/internal/backend/microvm"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"WAVECAGE_FC_BIN",
		"WAVECAGE_FC_CNI_CONFIG_DIR",
		"WAVECAGE_FC_CNI_BIN_DIR",
		"WAVECAGE_FC_VSOCK_PORT",
		"WAVECAGE_FC_MAX_CONCURRENT_VMS",
	} {
		t.Setenv(key, "")
	}

	cfg := microvm.LoadConfig()
	if cfg.FirecrackerBin != "firecracker" {
		t.Errorf("FirecrackerBin = %q, want firecracker", cfg.FirecrackerBin)
	}
	if cfg.VsockPort != microvm.DefaultVsockPort {
		t.Errorf("VsockPort = %d, want %d", cfg.VsockPort, microvm.DefaultVsockPort)
	}
	if cfg.MaxConcurrentVMs != microvm.DefaultMaxConcurrentVMs {
		t.Errorf("MaxConcurrentVMs = %d, want %d", cfg.MaxConcurrentVMs, microvm.DefaultMaxConcurrentVMs)
	}
	if cfg.CIDBase != microvm.MinCID {
		t.Errorf("CIDBase = %d, want %d", cfg.CIDBase, microvm.MinCID)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("WAVECAGE_FC_BIN", "/opt/fc/firecracker")
	t.Setenv("WAVECAGE_FC_CNI_CONFIG_DIR", "/etc/cni/conf.d")
	t.Setenv("WAVECAGE_FC_CNI_BIN_DIR", "/opt/cni/bin")
	t.Setenv("WAVECAGE_FC_VSOCK_PORT", "2048")
	t.Setenv("WAVECAGE_FC_MAX_CONCURRENT_VMS", "4")

	cfg := microvm.LoadConfig()
	if cfg.FirecrackerBin != "/opt/fc/firecracker" {
		t.Errorf("FirecrackerBin = %q", cfg.FirecrackerBin)
	}
	if cfg.CNIConfigDir != "/etc/cni/conf.d" {
		t.Errorf("CNIConfigDir = %q", cfg.CNIConfigDir)
	}
	if cfg.CNIBinDir != "/opt/cni/bin" {
		t.Errorf("CNIBinDir = %q", cfg.CNIBinDir)
	}
	if cfg.VsockPort != 2048 {
		t.Errorf("VsockPort = %d, want 2048", cfg.VsockPort)
	}
	if cfg.MaxConcurrentVMs != 4 {
		t.Errorf("MaxConcurrentVMs = %d, want 4", cfg.MaxConcurrentVMs)
	}
}

func TestLoadConfigIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("WAVECAGE_FC_VSOCK_PORT", "not-a-port")
	t.Setenv("WAVECAGE_FC_MAX_CONCURRENT_VMS", "-3")

	cfg := microvm.LoadConfig()
	if cfg.VsockPort != microvm.DefaultVsockPort {
		t.Errorf("VsockPort = %d, want default %d", cfg.VsockPort, microvm.DefaultVsockPort)
	}
	if cfg.MaxConcurrentVMs != microvm.DefaultMaxConcurrentVMs {
		t.Errorf("MaxConcurrentVMs = %d, want default %d", cfg.MaxConcurrentVMs, microvm.DefaultMaxConcurrentVMs)
	}
}
