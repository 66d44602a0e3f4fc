package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	resolvererrors "github.com/dnsmesh/resolver/internal/errors"
)

// UDPTransport is a Transport backed by one unconnected UDP socket, used
// by internal/outbound to issue upstream queries to any number of
// resolvers without one socket per destination.
type UDPTransport struct {
	conn net.PacketConn
}

// NewUDPTransport opens a UDP socket on an ephemeral port of the given
// family ("udp4" or "udp6"), with the platform reuse options set the way
// Listener sockets get them (§4.1's coexistence rationale applies
// equally to an outbound-facing socket restarted alongside the
// resolver).
func NewUDPTransport(network string) (*UDPTransport, error) {
	lc := net.ListenConfig{Control: PlatformControl}
	conn, err := lc.ListenPacket(context.Background(), network, ":0")
	if err != nil {
		return nil, &resolvererrors.BindError{Operation: "create socket", Network: network, Address: ":0", Err: err}
	}
	return &UDPTransport{conn: conn}, nil
}

func (t *UDPTransport) Send(_ context.Context, packet []byte, dest net.Addr) error {
	n, err := t.conn.WriteTo(packet, dest)
	if err != nil {
		return fmt.Errorf("send to %s: %w", dest, err)
	}
	if n != len(packet) {
		return fmt.Errorf("send to %s: partial write %d/%d bytes", dest, n, len(packet))
	}
	return nil
}

func (t *UDPTransport) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}

	buf := GetBuffer()
	defer PutBuffer(buf)
	n, addr, err := t.conn.ReadFrom(*buf)
	if err != nil {
		return nil, nil, err
	}
	out := make([]byte, n)
	copy(out, (*buf)[:n])
	return out, addr, nil
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
