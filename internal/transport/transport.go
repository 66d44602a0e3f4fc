package transport

import (
	"context"
	"net"
)

// Transport is the send/receive contract an outbound adapter issues
// upstream queries through (§6 "Outbound adapter"), grounded on the
// teacher's querier.Querier's use of the same shape for its multicast
// socket. A concrete Transport wraps one unconnected UDP socket that
// sends to upstream resolvers; Receive blocks until a datagram arrives or
// ctx is done.
type Transport interface {
	Send(ctx context.Context, packet []byte, dest net.Addr) error
	Receive(ctx context.Context) ([]byte, net.Addr, error)
	Close() error
}
