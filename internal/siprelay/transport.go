// transport.go abstracts the connectionless channel Protocol B frames
// travel over. The default implementation speaks UDP with bounded
// deadlines; tests substitute a loopback.
package siprelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/medrelay-project/medrelay/internal/core"
)

// Transport delivers a frame to an endpoint and returns the response frame.
type Transport interface {
	Exchange(ctx context.Context, endpoint string, frame []byte) ([]byte, error)
}

// UDPTransport sends frames as single datagrams and waits for one response
// datagram within the deadline.
type UDPTransport struct {
	Timeout time.Duration
}

// NewUDPTransport creates a UDP transport with the given exchange deadline.
func NewUDPTransport(timeout time.Duration) *UDPTransport {
	return &UDPTransport{Timeout: timeout}
}

// Exchange writes the frame and reads one response datagram. Deadline hits
// surface as RelayTimeout; other failures as RelayTransportError.
func (t *UDPTransport) Exchange(ctx context.Context, endpoint string, frame []byte) ([]byte, error) {
	started := time.Now()
	deadline := started.Add(t.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", endpoint)
	if err != nil {
		return nil, &core.RelayTransportError{Target: endpoint, Cause: err}
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, &core.RelayTransportError{Target: endpoint, Cause: err}
	}

	if _, err := conn.Write(frame); err != nil {
		return nil, classify(endpoint, started, err)
	}

	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, classify(endpoint, started, err)
	}
	return buf[:n], nil
}

func classify(endpoint string, started time.Time, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &core.RelayTimeout{Target: endpoint, Elapsed: time.Since(started)}
	}
	return &core.RelayTransportError{Target: endpoint, Cause: err}
}

// LoopbackTransport delivers frames to an in-process handler. Used in tests
// and single-process deployments.
type LoopbackTransport struct {
	Handler func(frame []byte) ([]byte, error)
}

// Exchange invokes the handler directly.
func (t *LoopbackTransport) Exchange(_ context.Context, endpoint string, frame []byte) ([]byte, error) {
	if t.Handler == nil {
		return []byte(BuildResponse(200, "OK", "", "")), nil
	}
	resp, err := t.Handler(frame)
	if err != nil {
		return nil, &core.RelayTransportError{Target: endpoint, Cause: fmt.Errorf("loopback: %w", err)}
	}
	return resp, nil
}
