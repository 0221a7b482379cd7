// Package microvm implements the virtual machine isolation backend on
// Firecracker. A module at this level is a kernel image plus a rootfs
// carrying the module binary; the guest agent inside the VM bridges the
// call protocol over vsock.
package microvm

import "time"

// Default vsock settings.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the
	// microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum vsock context ID; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// Default machine shape.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 512

	// DefaultMaxConcurrentVMs bounds the CID allocator scan range.
	DefaultMaxConcurrentVMs = 10
)

// Guest paths baked into module rootfs images.
const (
	// GuestAgentPath is the guest agent binary; it runs as PID 1.
	GuestAgentPath = "/usr/local/bin/wavecage-guest"

	// GuestModulePath is where the rootfs carries the module executable.
	GuestModulePath = "/opt/wavecage/module"
)

// DefaultBootArgs are the kernel boot arguments for module microVMs.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

const (
	vsockDeviceID     = "vsock0"
	rootfsDriveID     = "rootfs"
	vmSocketSuffix    = ".sock"
	vsockSocketSuffix = "_vsock.sock"

	// gracefulShutdownTimeout is the time allowed for graceful VM
	// shutdown before StopVMM.
	gracefulShutdownTimeout = 3 * time.Second

	// bootTimeout bounds machine start plus the first guest handshake.
	bootTimeout = 30 * time.Second
)
