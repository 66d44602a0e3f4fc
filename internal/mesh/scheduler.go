package mesh

import (
	"log/slog"

	resolvererrors "github.com/dnsmesh/resolver/internal/errors"
	"github.com/dnsmesh/resolver/internal/queryinfo"
	"github.com/dnsmesh/resolver/internal/wire"
)

// NewClient is the client-ingress path (§4.3.1). qname/qtype/qclass/rd/cd
// form the Query key (is_priming is always false for client-originated
// queries); reply is attached to the resulting state's reply list.
//
// On allocation failure before a state is inserted, NewClient returns an
// AllocError and never leaves a half-finished state in "all";
// NewClientOrServfail is the form that then writes a SERVFAIL to
// reply.Dest. In Go there's no realistic allocator-exhaustion path, so the
// only way into that branch is q == nil or reply == nil, which this
// treats the same way the source treats a failed malloc.
func (m *Mesh) NewClient(q *wire.Query, reply *ClientReply) (*State, error) {
	if q == nil || reply == nil {
		return nil, &resolvererrors.AllocError{Operation: "new_client"}
	}

	key := q.Key

	if existing := m.lookup(key); existing != nil {
		wasDetached := existing.Detached()
		existing.ReplyList = append(existing.ReplyList, reply)
		m.counters.NumReplyAddrs++
		if len(existing.ReplyList) == 1 {
			m.counters.NumReplyStates++
		}
		m.updateDetached(existing, wasDetached)
		return existing, nil
	}

	s := newState(key, m.now())
	s.owner = m
	m.all.Insert(key, s)
	s.ReplyList = append(s.ReplyList, reply)
	m.counters.NumReplyAddrs++
	m.counters.NumReplyStates++
	m.insertRun(s)
	m.RunMesh()
	return s, nil
}

// NewClientOrServfail is the convenience form CommPoints call: on
// AllocError it synthesizes and writes a SERVFAIL itself (§4.3.1, §8
// boundary behavior) instead of making every caller repeat that logic.
// When reply or reply.Dest is nil there is nowhere to write, and only the
// error is returned; when q is nil the SERVFAIL carries reply's QID and
// flags and a root-name question of type and class 0.
func (m *Mesh) NewClientOrServfail(q *wire.Query, reply *ClientReply) (*State, error) {
	s, err := m.NewClient(q, reply)
	if err == nil {
		return s, nil
	}
	if reply == nil || reply.Dest == nil {
		return nil, err
	}
	if q == nil {
		q = &wire.Query{QID: reply.QID, QFlags: reply.QFlags}
	}
	raw, encErr := wire.EncodeServfail(m.scratch, q, q.Key.QName, q.Key.QType, q.Key.QClass)
	if encErr == nil {
		m.scratch = raw[:0:cap(raw)]
		_ = reply.Dest.WriteReply(raw)
	}
	return nil, err
}

// AttachSub is the subquery-attachment path (§4.3.2). It refuses to
// create a cycle and is idempotent on duplicate edges.
func (m *Mesh) AttachSub(parent *State, qname string, qtype, qclass uint16, rd, cd, prime bool) (sub *State, isNew bool, err error) {
	subKey := queryinfo.New(qname, qtype, qclass, rd, cd, prime)

	if m.DetectCycle(parent, subKey) {
		return nil, false, &resolvererrors.CycleError{From: parent.Key.String(), To: subKey.String()}
	}

	if existing := m.lookup(subKey); existing != nil {
		sub = existing
	} else {
		sub = newState(subKey, m.now())
		sub.owner = m
		m.all.Insert(subKey, sub)
		isNew = true
	}

	if parent.hasSub(subKey) {
		// duplicate-edge request: idempotent no-op (§4.3.2, §8 round-trip).
		return sub, false, nil
	}

	// A brand-new sub was never externally observable as detached (it
	// gains this super in the same call that creates it), so only an
	// already-existing sub's transition needs the counter update
	// (§4.3.2: "Update num_detached_states when the sub ... gains a
	// super").
	wasDetached := !isNew && sub.Detached()
	parent.subSet.Insert(subKey, sub)
	sub.superSet.Insert(parent.Key, parent)
	if !isNew {
		m.updateDetached(sub, wasDetached)
	}

	if isNew {
		m.insertRun(sub)
	}
	return sub, isNew, nil
}

// DetachSubs removes every edge from state to its subs (§4.3.3). It does
// not cascade: orphaned subs are collected lazily by the scheduler when
// they themselves finish or are swept.
func (m *Mesh) DetachSubs(state *State) {
	var subs []*State
	for n := state.subSet.Min(); n != nil; n = n.Next() {
		subs = append(subs, n.Value)
	}
	for _, sub := range subs {
		wasDetached := sub.Detached()
		sub.superSet.Delete(state.Key)
		state.subSet.Delete(sub.Key)
		m.updateDetached(sub, wasDetached)
	}
}

// QueryDone performs completion fan-out (§4.3.4): every attached client
// gets its own encoding of reply (or the error rcode) addressed with its
// own qid/flags/EDNS, then the reply list is drained.
func (m *Mesh) QueryDone(state *State, rcode int, reply *ReplyInfo) {
	if reply == nil {
		reply = &ReplyInfo{RCode: rcode}
	}
	wasDetached := state.Detached()
	qname, qtype, qclass := state.Key.QName, state.Key.QType, state.Key.QClass

	for _, cr := range state.ReplyList {
		raw, err := wire.EncodeReply(m.scratch, qname, qtype, qclass, rcode, reply.Answer, reply.Authority, reply.Extra, wire.ReplyParams{
			QID:      cr.QID,
			QFlags:   cr.QFlags,
			EDNSSize: cr.EDNSSize,
			DNSSECDO: cr.DNSSECDO,
		})
		if err != nil {
			m.log.Warn("query_done: encode failed", slog.String("key", state.Key.String()), slog.Any("err", err))
			continue
		}
		m.scratch = raw[:0:cap(raw)]
		if werr := cr.Dest.WriteReply(raw); werr != nil {
			// Non-fatal (§7 WriteFailure): the ClientReply is still
			// considered delivered.
			m.log.Debug("query_done: write failed", slog.Any("err", &resolvererrors.WriteError{Operation: "query_done", Err: werr}))
		}
		m.counters.Latency.Observe(m.now().Sub(cr.Arrival))
		m.counters.RepliesSumWait += m.now().Sub(cr.Arrival)
		m.counters.RepliesSent++
	}

	if len(state.ReplyList) > 0 {
		m.counters.NumReplyAddrs -= uint64(len(state.ReplyList))
		m.counters.NumReplyStates--
	}
	state.ReplyList = nil
	m.updateDetached(state, wasDetached)
}

// WalkSupers iterates state's super-set in Query-key order (§4.3.5).
func (m *Mesh) WalkSupers(state *State, fn func(super *State)) {
	state.WalkSupers(fn)
}

// DetectCycle reports whether from is reachable from subKey by following
// sub_set edges through "all" (§4.3.8). Bounded by |all|.
func (m *Mesh) DetectCycle(from *State, subKey queryinfo.Key) bool {
	start := m.lookup(subKey)
	if start == nil {
		return false
	}
	visited := make(map[queryinfo.Key]bool, m.all.Len())
	return m.reaches(start, from.Key, visited)
}

func (m *Mesh) reaches(s *State, target queryinfo.Key, visited map[queryinfo.Key]bool) bool {
	if s.Key == target {
		return true
	}
	if visited[s.Key] {
		return false
	}
	visited[s.Key] = true
	for n := s.subSet.Min(); n != nil; n = n.Next() {
		if m.reaches(n.Value, target, visited) {
			return true
		}
	}
	return false
}

// StateDelete forces immediate teardown of state outside the normal
// FINISHED/ERROR path: detaches it from every sub and super, removes it
// from "all", and releases its arena. Exposed to modules per §6; ordinary
// completion should go through a Module returning ResultFinished/
// ResultError instead.
func (m *Mesh) StateDelete(state *State) {
	state.WalkSupers(func(super *State) {
		super.subSet.Delete(state.Key)
	})
	m.DetachSubs(state)
	if state.inRun {
		m.run.Delete(state.Key)
		state.inRun = false
	}
	m.all.Delete(state.Key)
	state.Arena.Release()
}

// ReportReply is outbound-reply ingress (§4.3.7): it attaches the reply
// to the originating state, arms it with EventReply, and drives the
// scheduler.
func (m *Mesh) ReportReply(state *State, ok bool, msg []byte, rcode int) {
	state.PendingOutbound = &OutboundReply{OK: ok, Message: msg, RCode: rcode}
	state.PendingEvent = EventReply
	m.insertRun(state)
	m.RunMesh()
}

// RunMesh drains the run queue to completion (§4.3.6). It is re-entrant
// in the sense that module Operate calls may themselves insert new
// states into run (e.g. AttachSub arming a fresh sub) and those are
// picked up within the same call, since popRun keeps consulting the same
// tree until it is empty.
func (m *Mesh) RunMesh() {
	for {
		s := m.popRun()
		if s == nil {
			return
		}
		m.tick(s)
	}
}

func (m *Mesh) tick(s *State) {
	if s.ModuleIndex < 0 || s.ModuleIndex >= len(m.modules) {
		// A module advanced past the end of the pipeline without
		// finishing: treat it as a pipeline error (SERVFAIL).
		m.finish(s, 2, nil)
		return
	}
	mod := m.modules[s.ModuleIndex]
	if !s.ticked {
		mod.Init(s, s.ModuleIndex)
		s.ticked = true
	}
	s.started = true

	event := s.PendingEvent
	outbound := s.PendingOutbound
	s.PendingEvent = EventPass
	s.PendingOutbound = nil

	result := mod.Operate(s, s.ModuleIndex, event, outbound)
	switch result {
	case ResultNext:
		s.ModuleIndex++
		s.ticked = false
		m.insertRun(s)
	case ResultRestart:
		if s.ModuleIndex > 0 {
			s.ModuleIndex--
		}
		s.ticked = false
		m.insertRun(s)
	case ResultWait:
		// leave out of run until something re-arms it.
	case ResultFinished, ResultError:
		rcode := s.RCode
		var reply *ReplyInfo
		if s.ReplyInfo != nil {
			reply = s.ReplyInfo
			rcode = reply.RCode
		}
		mod.Clear(s, s.ModuleIndex)
		m.finish(s, rcode, reply)
	}
}

// finish implements the common FINISHED/ERROR tail of run_mesh (§4.3.6):
// completion fan-out, MODDONE signalling to every super, then full
// teardown of the state's edges and arena.
func (m *Mesh) finish(s *State, rcode int, reply *ReplyInfo) {
	m.QueryDone(s, rcode, reply)

	s.WalkSupers(func(super *State) {
		super.PendingEvent = EventModuleDone
		m.insertRun(super)
		super.subSet.Delete(s.Key)
	})

	// Detach every edge to s's own subs first: a sub that loses its last
	// super right here becomes an orphan, which sweepDetached below then
	// collects (§4.3.3: "garbage collection of orphans is done lazily by
	// the scheduler on state completion").
	m.DetachSubs(s)
	if s.Detached() {
		m.counters.NumDetachedStates--
	}
	m.all.Delete(s.Key)
	s.Arena.Release()

	m.sweepDetached()
}

// sweepDetached removes every state left in "all" that is detached (§3:
// empty reply list, empty super-set) AND whose own module pipeline has
// never been entered. It repeats until stable, since detaching one
// orphan's subs can orphan those subs in turn.
//
// A detached state whose pipeline HAS started (State.started) is left
// alone even though nothing depends on it any more: §3's Lifetime rule
// requires the pipeline to terminate too before teardown, and a started-
// but-not-finished state is typically parked in ResultWait on an
// outbound reply (internal/outbound's pending map holds a back-pointer
// to it). Deleting it here would run Clear on a state its own module is
// still going to Operate on again, and would leave that outbound entry
// dangling. It is collected instead by the ordinary finish() path once
// its own Operate call eventually returns FINISHED/ERROR (including via
// the outbound adapter's janitor timeout, which reports a SERVFAIL
// reply precisely so a permanently-detached, permanently-waiting state
// still reaches that path).
func (m *Mesh) sweepDetached() {
	for {
		var orphan *State
		for n := m.all.Min(); n != nil; n = n.Next() {
			if n.Value.Detached() && !n.Value.inRun && !n.Value.started {
				orphan = n.Value
				break
			}
		}
		if orphan == nil {
			return
		}
		m.DetachSubs(orphan)
		m.counters.NumDetachedStates--
		m.all.Delete(orphan.Key)
		orphan.Arena.Release()
	}
}
