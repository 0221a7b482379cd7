package microvm

import (
	"os"
	"strconv"
)

// Environment variable names for Firecracker configuration.
const (
	envBin           = "WAVECAGE_FC_BIN"
	envCNIConfigDir  = "WAVECAGE_FC_CNI_CONFIG_DIR"
	envCNIBinDir     = "WAVECAGE_FC_CNI_BIN_DIR"
	envVsockPort     = "WAVECAGE_FC_VSOCK_PORT"
	envMaxConcurrent = "WAVECAGE_FC_MAX_CONCURRENT_VMS"
)

// Config holds host configuration for the microVM backend. Kernel and
// rootfs paths come from the module source, not from here.
type Config struct {
	// FirecrackerBin is the path to the firecracker binary.
	FirecrackerBin string

	// CNIConfigDir is the CNI configuration directory.
	CNIConfigDir string

	// CNIBinDir is the CNI plugin binary directory.
	CNIBinDir string

	// VsockPort is the guest agent vsock port.
	VsockPort uint32

	// CIDBase is the starting context ID for vsock allocation.
	CIDBase uint32

	// VCPUs is the vCPU count per microVM.
	VCPUs int

	// MemMB is the default memory in MB when the sandbox config does not
	// cap memory.
	MemMB int

	// MaxConcurrentVMs bounds concurrent microVMs.
	MaxConcurrentVMs int
}

// LoadConfig reads microVM configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin:   "firecracker",
		VsockPort:        DefaultVsockPort,
		CIDBase:          MinCID,
		VCPUs:            DefaultVCPUs,
		MemMB:            DefaultMemMB,
		MaxConcurrentVMs: DefaultMaxConcurrentVMs,
	}

	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envCNIConfigDir); v != "" {
		cfg.CNIConfigDir = v
	}
	if v := os.Getenv(envCNIBinDir); v != "" {
		cfg.CNIBinDir = v
	}
	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	if v := os.Getenv(envMaxConcurrent); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentVMs = n
		}
	}

	return cfg
}
