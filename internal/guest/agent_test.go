//go:build linux

package guest_test

import (
	"net"
	"testing"
	"time"

	"github.com/wavecage/wavecage/internal/callproto"
	"github.com/wavecage/wavecage/internal/guest"
)

// TestAgentBridgesFrames drives the agent with /bin/cat standing in for a
// module: every frame written to the connection must come back unchanged,
// proving the bridge forwards bytes in both directions without touching
// them.
func TestAgentBridgesFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	agent := guest.New(ln, "/bin/cat")
	go func() { _ = agent.Serve() }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	for i := 0; i < 3; i++ {
		req := callproto.CallRequest{Function: "modulate", Args: []byte{byte(i)}, TimeoutMS: 1000}
		if err := callproto.WriteFrame(conn, req); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}

		var echoed callproto.CallRequest
		if err := callproto.ReadFrame(conn, &echoed); err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if echoed.Function != req.Function || len(echoed.Args) != 1 || echoed.Args[0] != byte(i) {
			t.Errorf("frame %d echoed as %+v, want %+v", i, echoed, req)
		}
	}
}
