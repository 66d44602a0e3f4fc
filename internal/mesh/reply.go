package mesh

import "time"

// ReplyWriter is the destination handle a ClientReply delivers its final
// response through: a connected UDP socket/address pair, or one
// TCP-accepted connection. Write failures are non-fatal (§4.3.4,
// §7 WriteFailure) — the ClientReply is considered delivered regardless.
type ReplyWriter interface {
	WriteReply(msg []byte) error
}

// ClientReply is a pending delivery for one client query attached to a
// MeshState (§3). Several ClientReplies can share a state when multiple
// clients ask the identical question (deduplication, §8 scenario 1).
type ClientReply struct {
	Dest     ReplyWriter
	QID      uint16 // client's query id, echoed on the wire
	QFlags   uint16 // original client query flags (RD/CD among them)
	EDNSSize uint16 // requested UDP payload size, 0 if no EDNS
	DNSSECDO bool   // EDNS DO bit from the original query
	Arrival  time.Time
}
