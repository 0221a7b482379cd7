//go:build linux

// Command wavecage-guest is the microVM guest agent. It is baked into
// module rootfs images and started as init by the kernel boot arguments;
// it mounts the essential filesystems, listens on vsock, and bridges
// call frames to the module executable.
package main

import (
	"log"

	"github.com/mdlayher/vsock"

	"github.com/wavecage/wavecage/internal/backend/microvm"
	"github.com/wavecage/wavecage/internal/guest"
)

func main() {
	guest.SetupInit()

	listener, err := vsock.Listen(microvm.DefaultVsockPort, nil)
	if err != nil {
		log.Fatalf("listen on vsock port %d: %v", microvm.DefaultVsockPort, err)
	}

	agent := guest.New(listener, microvm.GuestModulePath)
	log.Printf("guest agent listening on vsock port %d", microvm.DefaultVsockPort)
	if err := agent.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
