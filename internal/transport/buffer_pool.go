package transport

import (
	"sync"

	"github.com/dnsmesh/resolver/internal/wire"
)

// bufferPool holds the UDP receive scratch buffers UDPTransport.Receive
// draws from, one per call, each valid only until that call returns.
// The CommPoint receive loops in internal/commpoint do not use it: each
// UDP CommPoint allocates its own buffer, and TCP-accepted CommPoints
// allocate one per frame.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, wire.MaxTCPMessage)
		return &buf
	},
}

// GetBuffer returns a pointer to a scratch receive buffer from the pool.
// Callers MUST call PutBuffer before the event callback returns.
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer zeroes and returns a buffer to the pool. The caller must not
// retain any reference into the buffer's backing array afterward.
func PutBuffer(bufPtr *[]byte) {
	buf := *bufPtr
	for i := range buf {
		buf[i] = 0
	}
	bufferPool.Put(bufPtr)
}
