// Package forward is a minimal demonstration Module: it sends every new
// state's query to a single fixed upstream resolver and finishes as soon
// as a reply (or failure) comes back. Module internals are explicitly a
// Non-goal — this exists only to exercise internal/mesh's pipeline
// driving end to end, not to be a real iterator/validator.
package forward

import (
	"context"
	"log/slog"
	"net"

	"github.com/miekg/dns"

	"github.com/dnsmesh/resolver/internal/mesh"
	"github.com/dnsmesh/resolver/internal/outbound"
)

// Module forwards every query it sees to Upstream and relays whatever
// comes back, unparsed beyond what's needed to populate a ReplyInfo.
type Module struct {
	Adapter  *outbound.Adapter
	Upstream net.Addr
	Log      *slog.Logger
}

func (f *Module) Init(*mesh.State, int)  {}
func (f *Module) Clear(*mesh.State, int) {}

func (f *Module) logger() *slog.Logger {
	if f.Log == nil {
		return slog.Default()
	}
	return f.Log
}

func (f *Module) Operate(s *mesh.State, _ int, ev mesh.Event, ob *mesh.OutboundReply) mesh.OperateResult {
	switch ev {
	case mesh.EventNew:
		return f.sendUpstream(s)
	case mesh.EventReply:
		return f.handleReply(s, ob)
	case mesh.EventCapsFail:
		s.RCode = dns.RcodeServerFailure
		return mesh.ResultError
	default:
		return mesh.ResultWait
	}
}

func (f *Module) sendUpstream(s *mesh.State) mesh.OperateResult {
	q := new(dns.Msg)
	q.SetQuestion(s.Key.QName, s.Key.QType)
	q.Id = dns.Id()
	q.RecursionDesired = s.Key.RD
	q.CheckingDisabled = s.Key.CD

	raw, err := q.Pack()
	if err != nil {
		f.logger().Warn("forward: pack failed", "query", s.Key.String(), "err", err)
		s.RCode = dns.RcodeServerFailure
		return mesh.ResultError
	}

	if err := f.Adapter.Send(context.Background(), s, f.Upstream, raw, q.Id); err != nil {
		f.logger().Warn("forward: send failed", "query", s.Key.String(), "err", err)
		s.RCode = dns.RcodeServerFailure
		return mesh.ResultError
	}
	return mesh.ResultWait
}

func (f *Module) handleReply(s *mesh.State, ob *mesh.OutboundReply) mesh.OperateResult {
	if ob == nil || !ob.OK {
		s.RCode = dns.RcodeServerFailure
		if ob != nil && ob.RCode != 0 {
			s.RCode = ob.RCode
		}
		return mesh.ResultError
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(ob.Message); err != nil {
		f.logger().Warn("forward: unpack failed", "query", s.Key.String(), "err", err)
		s.RCode = dns.RcodeServerFailure
		return mesh.ResultError
	}

	s.ReplyInfo = &mesh.ReplyInfo{
		RCode:     resp.Rcode,
		Answer:    resp.Answer,
		Authority: resp.Ns,
		Extra:     resp.Extra,
	}
	return mesh.ResultFinished
}
