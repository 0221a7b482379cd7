package microvm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/wavecage/wavecage/internal/callproto"
)

// Retry defaults for vsock connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// GuestConn is the persistent connection to the guest agent inside one
// microVM. Calls over a GuestConn are strictly sequential.
type GuestConn struct {
	conn   net.Conn
	reader io.Reader // buffered reader preserving bytes read ahead during handshake
}

// DialGuest connects to the guest agent via Firecracker's vsock UDS
// bridge, retrying with exponential backoff while the guest boots.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := 0; attempt < dialMaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		default:
		}

		gc, err := dialVsockUDS(ctx, udsPath, port)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial guest: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}
		return gc, nil
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS connects to Firecracker's UDS and performs the CONNECT
// handshake. Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
// The buffered reader from the handshake is kept for all subsequent reads
// so read-ahead bytes are not lost.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	connectMsg := fmt.Sprintf("CONNECT %d\n", port)
	if _, err := conn.Write([]byte(connectMsg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &GuestConn{conn: conn, reader: reader}, nil
}

// Invoke sends one call request and reads frames until the result,
// delivering log lines as they arrive. The deadline bounds the whole
// exchange.
func (gc *GuestConn) Invoke(req callproto.CallRequest, deadline time.Time, logLine func(string)) (callproto.CallResponse, error) {
	if err := gc.conn.SetDeadline(deadline); err != nil {
		return callproto.CallResponse{}, fmt.Errorf("set deadline: %w", err)
	}
	if err := callproto.WriteFrame(gc.conn, req); err != nil {
		return callproto.CallResponse{}, fmt.Errorf("send call: %w", err)
	}
	return callproto.ReadResult(gc.reader, logLine)
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
