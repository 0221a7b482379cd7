package guest

import (
	"log"
	"os"
	"syscall"
)

// mountEntry describes a kernel filesystem mount performed before the
// agent serves.
type mountEntry struct {
	source string
	target string
	fstype string
	flags  uintptr
}

// The agent needs devtmpfs up before /dev/vsock can be opened, proc for
// reaping the module process, and a private tmpfs as module scratch
// space on the otherwise read-mostly rootfs.
var initMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc", flags: 0},
	{source: "sysfs", target: "/sys", fstype: "sysfs", flags: 0},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs", flags: 0},
	{source: "tmpfs", target: "/tmp", fstype: "tmpfs", flags: syscall.MS_NOSUID | syscall.MS_NODEV},
}

// SetupInit prepares the VM environment when the agent is PID 1. Mount
// failures are logged and skipped: a rootfs that pre-mounts some of these
// is fine, and the agent itself only hard-requires the vsock device.
func SetupInit() {
	if os.Getpid() != 1 {
		return
	}

	log.Println("running as PID 1, preparing guest environment")

	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			log.Printf("mkdir %s: %v", m.target, err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, m.flags, ""); err != nil {
			log.Printf("mount %s: %v", m.target, err)
		}
	}

	if err := syscall.Sethostname([]byte("wavecage-guest")); err != nil {
		log.Printf("sethostname: %v", err)
	}

	// The module inherits this environment through the agent.
	os.Setenv("HOME", "/root")
	os.Setenv("TMPDIR", "/tmp")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}
