// Package wire is the DNS message codec the mesh and listener share:
// decoding inbound queries into a mesh.Key plus the bits query_done needs
// to rewrite a reply per client, encoding a mesh.ReplyInfo back onto the
// wire, and framing TCP messages with their 16-bit length prefix (§6).
//
// Grounded on kdanielm-zeroconf's direct use of github.com/miekg/dns for
// every encode/decode it does (server.go, client.go) — this module pulls
// in the same library rather than hand-rolling a second DNS codec
// alongside the teacher's mDNS-only one.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dnsmesh/resolver/internal/queryinfo"
	"github.com/miekg/dns"
)

// MaxTCPMessage is the largest message FrameTCP/ReadTCPFrame will move;
// the wire format's own length prefix can address up to 65535 but nothing
// sane exceeds this.
const MaxTCPMessage = 65535

// Query is a decoded inbound query with everything QueryDone later needs
// to address a reply back to this one client.
type Query struct {
	Key      queryinfo.Key
	QID      uint16
	QFlags   uint16
	EDNSSize uint16
	DNSSECDO bool
}

// DecodeQuery parses raw into a Query. Malformed messages are a decode
// error; what a CommPoint does with that error (drop silently, respond
// FORMERR) is a module-pipeline concern (§6), not this package's.
func DecodeQuery(raw []byte) (*Query, error) {
	m := new(dns.Msg)
	if err := m.Unpack(raw); err != nil {
		return nil, fmt.Errorf("wire: decode query: %w", err)
	}
	if len(m.Question) != 1 {
		return nil, fmt.Errorf("wire: decode query: want exactly one question, got %d", len(m.Question))
	}
	q := m.Question[0]

	ednsSize := uint16(0)
	dnssecDO := false
	if opt := m.IsEdns0(); opt != nil {
		ednsSize = opt.UDPSize()
		dnssecDO = opt.Do()
	}

	return &Query{
		Key:      queryinfo.New(q.Name, q.Qtype, q.Qclass, m.RecursionDesired, m.CheckingDisabled, false),
		QID:      m.Id,
		QFlags:   packFlags(m),
		EDNSSize: ednsSize,
		DNSSECDO: dnssecDO,
	}, nil
}

// packFlags squashes the header bits query_done needs to echo back
// (RD and CD; the rest of the response header is the mesh/module's own
// decision) into one word, mirroring the source's qflags field.
func packFlags(m *dns.Msg) uint16 {
	var f uint16
	if m.RecursionDesired {
		f |= flagRD
	}
	if m.CheckingDisabled {
		f |= flagCD
	}
	return f
}

const (
	flagRD uint16 = 1 << 0
	flagCD uint16 = 1 << 1
)

// ReplyParams carries everything EncodeReply copies from the originating
// ClientReply into the response header.
type ReplyParams struct {
	QID      uint16
	QFlags   uint16
	EDNSSize uint16
	DNSSECDO bool
}

// EncodeReply builds the wire bytes for one client's copy of a finished
// state's answer (§4.3.4). qname/qtype/qclass identify the question
// section; answer/authority/extra are the RRs a module produced; rcode is
// 0 on success or an error code from ResultError.
//
// scratch is the caller's shared response-encoding buffer (§3): when its
// length is enough, dns.Msg.PackBuffer reuses it in place instead of
// allocating, and EncodeReply returns whichever slice PackBuffer actually
// filled so the caller can feed it back in as the next call's scratch.
// Pass nil to always allocate fresh (e.g. from tests).
func EncodeReply(scratch []byte, qname string, qtype, qclass uint16, rcode int, answer, authority, extra []dns.RR, p ReplyParams) ([]byte, error) {
	m := new(dns.Msg)
	m.Id = p.QID
	m.Response = true
	m.RecursionDesired = p.QFlags&flagRD != 0
	m.CheckingDisabled = p.QFlags&flagCD != 0
	m.RecursionAvailable = true
	m.Rcode = rcode
	m.Question = []dns.Question{{Name: queryinfo.CanonicalName(qname), Qtype: qtype, Qclass: qclass}}
	m.Answer = answer
	m.Ns = authority
	m.Extra = extra

	if p.EDNSSize > 0 {
		opt := new(dns.OPT)
		opt.Hdr.Name = "."
		opt.Hdr.Rrtype = dns.TypeOPT
		opt.SetUDPSize(p.EDNSSize)
		opt.SetDo(p.DNSSECDO)
		m.Extra = append(m.Extra, opt)
	}

	raw, err := m.PackBuffer(scratch)
	if err != nil {
		return nil, fmt.Errorf("wire: encode reply: %w", err)
	}
	if p.EDNSSize > 0 && len(raw) > int(p.EDNSSize) {
		m.Truncated = true
		m.Answer = nil
		m.Ns = nil
		raw, err = m.PackBuffer(scratch)
		if err != nil {
			return nil, fmt.Errorf("wire: encode truncated reply: %w", err)
		}
	}
	return raw, nil
}

// EncodeServfail builds a minimal SERVFAIL response directly from a
// decoded Query, for the synchronous-failure path in new_client (§4.3.1,
// §7 AllocFailure, §8 boundary behavior: "rcode=2, same qid, qr=1").
func EncodeServfail(scratch []byte, q *Query, qname string, qtype, qclass uint16) ([]byte, error) {
	return EncodeReply(scratch, qname, qtype, qclass, dns.RcodeServerFailure, nil, nil, nil, ReplyParams{
		QID:    q.QID,
		QFlags: q.QFlags,
	})
}

// FrameTCP prepends the 16-bit big-endian length prefix TCP transport
// requires (§6).
func FrameTCP(msg []byte) ([]byte, error) {
	if len(msg) > MaxTCPMessage {
		return nil, fmt.Errorf("wire: message too large for TCP framing: %d bytes", len(msg))
	}
	out := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(out, uint16(len(msg)))
	copy(out[2:], msg)
	return out, nil
}

// ReadTCPFrame reads one length-prefixed DNS message from r.
func ReadTCPFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read TCP frame body: %w", err)
	}
	return buf, nil
}
