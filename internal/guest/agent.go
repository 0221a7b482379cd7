// Package guest implements the microVM guest agent. It runs as PID 1
// inside the VM, owns the module process baked into the rootfs, and
// bridges call protocol frames between the vsock connection and the
// module's stdio.
package guest

import (
	"fmt"
	"io"
	"log"
	"net"
	"os/exec"
	"sync"
)

// Agent accepts vsock connections and forwards call frames to the module
// process.
type Agent struct {
	listener   net.Listener
	modulePath string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// New creates a guest agent serving the module executable at modulePath.
func New(listener net.Listener, modulePath string) *Agent {
	return &Agent{
		listener:   listener,
		modulePath: modulePath,
	}
}

// Serve accepts connections until the listener closes. The host opens one
// persistent connection per VM; connections are served one at a time so
// frames never interleave.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		a.handleConnection(conn)
	}
}

// handleConnection bridges one connection to the module process. Frames
// pass through unmodified in both directions: the host and the module
// already speak the same length-prefixed protocol.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	stdin, stdout, err := a.moduleStdio()
	if err != nil {
		log.Printf("start module: %v", err)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := io.Copy(stdin, conn); err != nil {
			log.Printf("forward to module: %v", err)
		}
	}()

	if _, err := io.Copy(conn, stdout); err != nil {
		log.Printf("forward to host: %v", err)
	}
	<-done
}

// moduleStdio starts the module process on first use and returns its
// pipes. The module lives for the lifetime of the VM.
func (a *Agent) moduleStdio() (io.Writer, io.Reader, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cmd != nil {
		return a.stdin, a.stdout, nil
	}

	cmd := exec.Command(a.modulePath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = log.Writer()

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", a.modulePath, err)
	}

	a.cmd = cmd
	a.stdin = stdin
	a.stdout = stdout
	log.Printf("module process started: %s (pid %d)", a.modulePath, cmd.Process.Pid)
	return stdin, stdout, nil
}
