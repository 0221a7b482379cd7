// Package config loads host-level configuration from environment
// variables: paths to mechanism binaries and images, the audit database,
// and logging. Per-execution limits and capabilities live in
// sandbox.Config, not here.
package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	defaultAuditDBPath      = ""
	defaultContainerRuntime = ""
	defaultWorkerBin        = "wavecage-worker"

	envAuditDBPath      = "WAVECAGE_AUDIT_DB"
	envLogLevel         = "WAVECAGE_LOG_LEVEL"
	envContainerRuntime = "WAVECAGE_CONTAINER_RUNTIME"
	envWorkerBin        = "WAVECAGE_WORKER_BIN"
	envFirecrackerBin   = "WAVECAGE_FC_BIN"
	envCNIConfigDir     = "WAVECAGE_FC_CNI_CONFIG_DIR"
	envCNIBinDir        = "WAVECAGE_FC_CNI_BIN_DIR"
	envFPGADevice       = "WAVECAGE_FPGA_DEVICE"
)

// Host holds host configuration loaded from environment variables.
type Host struct {
	// AuditDBPath enables the SQLite audit store when non-empty.
	AuditDBPath string

	// LogLevel controls the slog handler level.
	LogLevel slog.Level

	// ContainerRuntime forces "docker" or "podman"; empty auto-detects.
	ContainerRuntime string

	// WorkerBin is the namespace worker helper binary; resolved via
	// PATH when not absolute.
	WorkerBin string

	// FirecrackerBin is the firecracker binary for the VM backend.
	FirecrackerBin string

	// CNIConfigDir and CNIBinDir locate CNI assets for VM networking.
	CNIConfigDir string
	CNIBinDir    string

	// FPGADevice overrides the probed FPGA manager device.
	FPGADevice string
}

// Load reads host configuration from environment variables with sensible
// defaults.
func Load() Host {
	cfg := Host{
		AuditDBPath:      defaultAuditDBPath,
		LogLevel:         slog.LevelInfo,
		ContainerRuntime: defaultContainerRuntime,
		WorkerBin:        defaultWorkerBin,
	}

	if v := os.Getenv(envAuditDBPath); v != "" {
		cfg.AuditDBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envContainerRuntime); v != "" {
		cfg.ContainerRuntime = v
	}
	if v := os.Getenv(envWorkerBin); v != "" {
		cfg.WorkerBin = v
	}
	if v := os.Getenv(envFirecrackerBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envCNIConfigDir); v != "" {
		cfg.CNIConfigDir = v
	}
	if v := os.Getenv(envCNIBinDir); v != "" {
		cfg.CNIBinDir = v
	}
	if v := os.Getenv(envFPGADevice); v != "" {
		cfg.FPGADevice = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the
// configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
