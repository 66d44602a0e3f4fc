package transport

import (
	"context"
	"net"
	"sync"
)

// MockTransport is a Transport test double that records every Send call
// and, optionally, plays back a queued sequence of Receive results so
// internal/outbound can be tested without opening real sockets.
type MockTransport struct {
	mu        sync.Mutex
	sendCalls []SendCall
	queued    []queuedReceive
	closed    bool
}

// SendCall records a single Send() invocation.
type SendCall struct {
	Packet []byte
	Dest   net.Addr
}

type queuedReceive struct {
	packet []byte
	from   net.Addr
	err    error
}

// NewMockTransport creates a new mock transport for testing.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		sendCalls: make([]SendCall, 0),
	}
}

// QueueReceive arranges for the next Receive call to return packet/from.
func (m *MockTransport) QueueReceive(packet []byte, from net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, queuedReceive{packet: packet, from: from})
}

// QueueReceiveError arranges for the next Receive call to return err.
func (m *MockTransport) QueueReceiveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, queuedReceive{err: err})
}

// Send records the call for verification.
func (m *MockTransport) Send(_ context.Context, packet []byte, dest net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Record the call
	m.sendCalls = append(m.sendCalls, SendCall{
		Packet: append([]byte(nil), packet...), // Copy to avoid aliasing
		Dest:   dest,
	})

	return nil
}

// Receive returns the next queued response, blocking until ctx is done if
// nothing is queued.
func (m *MockTransport) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	m.mu.Lock()
	if len(m.queued) > 0 {
		next := m.queued[0]
		m.queued = m.queued[1:]
		m.mu.Unlock()
		return next.packet, next.from, next.err
	}
	m.mu.Unlock()

	<-ctx.Done()
	return nil, nil, ctx.Err()
}

// Close marks the transport as closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// SendCalls returns all recorded Send() calls.
func (m *MockTransport) SendCalls() []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Return a copy to avoid race conditions
	calls := make([]SendCall, len(m.sendCalls))
	copy(calls, m.sendCalls)
	return calls
}
