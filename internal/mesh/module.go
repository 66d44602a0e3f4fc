// Package mesh is the per-worker graph of in-flight DNS resolution states
// described by original_source's services/mesh.h: it holds every
// MeshState keyed by its Query key, the dependency edges between them, the
// client replies attached to each, and a run queue that drives states
// through an ordered module pipeline. A Mesh is single-threaded
// cooperative (§5): every exported method here is meant to be called from
// the one goroutine that owns the Mesh's CommPoint set, and nothing in
// this package takes a lock.
package mesh

import (
	"fmt"

	"github.com/dnsmesh/resolver/internal/queryinfo"
	"github.com/miekg/dns"
)

// Event is delivered to a module's Operate call, telling it why it is
// being ticked.
type Event int

const (
	// EventNew is delivered on a state's first tick only; a module the
	// state reaches later through ResultNext or ResultRestart is ticked
	// with EventPass.
	EventNew Event = iota
	// EventPass is a generic wake with no attached payload.
	EventPass
	// EventReply is delivered when an outbound reply has been attached to
	// the state via ReportReply.
	EventReply
	// EventCapsFail is delivered when a 0x20/EDNS capability probe fails.
	EventCapsFail
	// EventModuleDone is delivered to a super-state when one of its subs
	// finishes.
	EventModuleDone
)

func (e Event) String() string {
	switch e {
	case EventNew:
		return "NEW"
	case EventPass:
		return "PASS"
	case EventReply:
		return "REPLY"
	case EventCapsFail:
		return "CAPSFAIL"
	case EventModuleDone:
		return "MODDONE"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// OperateResult is returned by Module.Operate and tells the scheduler what
// to do with the state next (§4.3.6).
type OperateResult int

const (
	// ResultNext advances the state to the next module downstream.
	ResultNext OperateResult = iota
	// ResultRestart re-enters the previous module upstream with a
	// produced result.
	ResultRestart
	// ResultWait suspends the state; it leaves the run queue until
	// something (a subquery finishing, an outbound reply, a fresh client)
	// re-arms it.
	ResultWait
	// ResultFinished means the state has produced its final reply.
	ResultFinished
	// ResultError means the state has failed with an rcode.
	ResultError
)

func (r OperateResult) String() string {
	switch r {
	case ResultNext:
		return "NEXT"
	case ResultRestart:
		return "RESTART"
	case ResultWait:
		return "WAIT"
	case ResultFinished:
		return "FINISHED"
	case ResultError:
		return "ERROR"
	default:
		return fmt.Sprintf("OperateResult(%d)", int(r))
	}
}

// OutboundReply is the optional payload delivered with EventReply: the
// result of an outbound query a module previously issued through the
// outbound adapter.
type OutboundReply struct {
	OK      bool
	Message []byte
	RCode   int
}

// ReplyInfo is the final answer a module produces for a state (§3: "a
// 'reply info' slot holding the final answer once produced"), either by
// returning ResultFinished (RCode should be 0, NOERROR, or whatever
// success code the module chose) or ResultError (RCode carries the
// failure code, e.g. 2 for SERVFAIL). It is intentionally opaque to the
// scheduler: QueryDone hands it to internal/wire to encode once per
// attached client, substituting each ClientReply's own qid/flags/EDNS.
type ReplyInfo struct {
	RCode     int
	Answer    []dns.RR
	Authority []dns.RR
	Extra     []dns.RR
}

// Module is one stage of the resolution pipeline. The Mesh drives a fixed,
// ordered list of Modules per state without interpreting what they do
// (§1 Non-goals, §4.2): a cache lookup, an iterator, a validator, or in
// this module's tests a trivial stub are all equally valid Modules.
type Module interface {
	// Init runs before Operate each time state enters this module at
	// moduleIndex: on the state's first tick, and again whenever a
	// ResultNext or ResultRestart moves the state onto this index. It is
	// not limited to the first entry; a module re-entered after a restart
	// is initialised again.
	Init(state *State, moduleIndex int)
	// Operate is the sole state-advancing call. It must not block; any
	// I/O goes through the outbound adapter, which calls back into
	// Mesh.ReportReply.
	Operate(state *State, moduleIndex int, event Event, outbound *OutboundReply) OperateResult
	// Clear releases any per-state data this module attached to state.
	Clear(state *State, moduleIndex int)
}

// Key re-exports queryinfo.Key so callers that only import mesh don't also
// need to import queryinfo for the common case of building one.
type Key = queryinfo.Key
