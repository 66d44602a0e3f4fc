package mesh

import (
	"time"

	"github.com/dnsmesh/resolver/internal/arena"
	"github.com/dnsmesh/resolver/internal/queryinfo"
	"github.com/dnsmesh/resolver/internal/rbtree"
)

// State is one active resolution keyed by a Query key (§3 MeshState). All
// of its edge sets and reply list are drawn from its own Arena; destroying
// the state releases the arena in one step rather than walking these
// fields individually.
type State struct {
	Key   queryinfo.Key
	Arena *arena.Arena

	// module-pipeline position
	ModuleIndex     int
	PendingEvent    Event
	PendingOutbound *OutboundReply
	ticked          bool
	// started is set the first time tick ever calls into this state's
	// module pipeline and never cleared. It distinguishes a state parked
	// in ResultWait (e.g. on an outbound reply) from one that was
	// inserted but never activated, so sweepDetached can tell a live,
	// in-flight orphan from a truly inert one (§3 Lifetime).
	started bool

	ReplyList []*ClientReply

	// superSet holds states that depend on this one (they await its
	// result); subSet holds states this one depends on. Both are ordered
	// by Query key so duplicate-edge requests are a single O(log n)
	// lookup (§4.3.2).
	superSet *rbtree.Tree[queryinfo.Key, *State]
	subSet   *rbtree.Tree[queryinfo.Key, *State]

	DebugFlags uint32
	ReplyInfo  *ReplyInfo
	// RCode is the fallback error code for ResultError when the module
	// hasn't also set ReplyInfo (ReplyInfo.RCode wins when both are set).
	RCode int

	StartTime time.Time

	inRun bool
	owner *Mesh
}

// Mesh returns the owning Mesh, so a Module's Operate can call AttachSub,
// DetachSubs, WalkSupers, or DetectCycle without the Mesh needing to
// thread itself through every Module call (§6: "The mesh exposes to
// modules: attach_sub, detach_subs, walk_supers, query_done,
// detect_cycle, state_delete").
func (s *State) Mesh() *Mesh { return s.owner }

// newState allocates a fresh State for key, ready to be inserted into a
// Mesh's "all" container. Its reply list, edge sets, and pending
// module-pipeline data are all registered with the Arena so a single
// Release call at teardown drops every reference to them at once,
// instead of each of them only becoming collectible once the whole
// State struct itself falls out of reach (§3 Lifetime, §9 "implement a
// bump/slab allocator per state").
func newState(key queryinfo.Key, now time.Time) *State {
	s := &State{
		Key:          key,
		Arena:        arena.New(),
		PendingEvent: EventNew,
		superSet:     rbtree.New[queryinfo.Key, *State](queryinfo.Less),
		subSet:       rbtree.New[queryinfo.Key, *State](queryinfo.Less),
		StartTime:    now,
	}
	s.Arena.OnRelease(func() {
		s.ReplyList = nil
		s.superSet = nil
		s.subSet = nil
		s.PendingOutbound = nil
		s.ReplyInfo = nil
	})
	return s
}

// Detached reports whether the state has no attached client replies and no
// supers depending on it (§3: "A state is detached iff ...").
func (s *State) Detached() bool {
	return len(s.ReplyList) == 0 && s.superSet.Len() == 0
}

// SuperCount and SubCount expose edge-set sizes without leaking the
// underlying container type to callers outside this package.
func (s *State) SuperCount() int { return s.superSet.Len() }
func (s *State) SubCount() int   { return s.subSet.Len() }

// WalkSupers iterates the super-set in Query-key order and invokes fn with
// each super-state (§4.3.5). fn may mutate the super's module-private
// data; the mesh neither interprets nor caches what it records.
func (s *State) WalkSupers(fn func(super *State)) {
	for n := s.superSet.Min(); n != nil; n = n.Next() {
		fn(n.Value)
	}
}

// hasSub reports whether target is already a direct sub of s.
func (s *State) hasSub(key queryinfo.Key) bool {
	_, ok := s.subSet.Get(key)
	return ok
}

// hasSuper reports whether target is already a direct super of s.
func (s *State) hasSuper(key queryinfo.Key) bool {
	_, ok := s.superSet.Get(key)
	return ok
}
