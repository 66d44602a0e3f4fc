package mesh

import (
	"log/slog"
	"time"

	"github.com/dnsmesh/resolver/internal/queryinfo"
	"github.com/dnsmesh/resolver/internal/rbtree"
)

// Mesh owns every MeshState for one worker (§3). It is not safe for
// concurrent use; §5 requires a single goroutine to own it end to end.
type Mesh struct {
	all *rbtree.Tree[queryinfo.Key, *State]
	run *rbtree.Tree[queryinfo.Key, *State]

	modules []Module

	counters *Counters

	// scratch is the shared response-encoding buffer (§3), threaded
	// through wire.EncodeReply/EncodeServfail so a reply's wire bytes
	// reuse the last call's backing array instead of allocating fresh
	// every time. Only ever touched synchronously inside Mesh methods,
	// and reassigned after each use to whatever PackBuffer actually
	// filled (it grows via real allocation the first time a reply
	// outgrows it, then stays at that size).
	scratch []byte

	log *slog.Logger
	now func() time.Time
}

// Option configures a Mesh at construction, following the functional-
// options shape used across this module's config surfaces.
type Option func(*Mesh)

// WithLogger overrides the default slog.Logger (slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(m *Mesh) { m.log = l }
}

// WithScratchSize sets the size of the shared response scratch buffer.
func WithScratchSize(n int) Option {
	return func(m *Mesh) { m.scratch = make([]byte, n) }
}

// withClock overrides the time source; used by tests that need
// deterministic latency histograms.
func withClock(now func() time.Time) Option {
	return func(m *Mesh) { m.now = now }
}

// New builds an empty Mesh driving modules in pipeline order.
func New(modules []Module, opts ...Option) *Mesh {
	m := &Mesh{
		all:      rbtree.New[queryinfo.Key, *State](queryinfo.Less),
		run:      rbtree.New[queryinfo.Key, *State](queryinfo.Less),
		modules:  modules,
		counters: newCounters(),
		scratch:  make([]byte, 4096),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Counters exposes the running totals (§4.4); callers must treat the
// returned pointer as read-only.
func (m *Mesh) Counters() *Counters { return m.counters }

// Len returns the number of states currently in "all".
func (m *Mesh) Len() int { return m.all.Len() }

// RunLen returns the number of states currently scheduled to run.
func (m *Mesh) RunLen() int { return m.run.Len() }

// lookup finds an existing state by key, or nil.
func (m *Mesh) lookup(key queryinfo.Key) *State {
	s, ok := m.all.Get(key)
	if !ok {
		return nil
	}
	return s
}

// insertRun marks a state ready to run, unless it already is.
func (m *Mesh) insertRun(s *State) {
	if s.inRun {
		return
	}
	s.inRun = true
	m.run.Insert(s.Key, s)
}

// popRun removes and returns the run-ready state with the lowest Query
// key, implementing §4.3.6's deterministic tie-break.
func (m *Mesh) popRun() *State {
	n := m.run.Min()
	if n == nil {
		return nil
	}
	s := n.Value
	m.run.Delete(s.Key)
	s.inRun = false
	return s
}

// updateDetached adjusts NumDetachedStates after an edge or reply-list
// mutation that may have flipped a state's detached status.
func (m *Mesh) updateDetached(s *State, wasDetached bool) {
	isDetached := s.Detached()
	switch {
	case wasDetached && !isDetached:
		m.counters.NumDetachedStates--
	case !wasDetached && isDetached:
		m.counters.NumDetachedStates++
	}
}
