// Package arena implements the per-state region allocator spec.md §9
// prescribes: "implement a bump/slab allocator per state and require all
// state-local data structures to borrow from it." A mesh state's reply
// list, edge nodes, and module scratch are all drawn from one Arena and
// released in a single step when the state is destroyed (§3 Lifetime).
//
// This borrows the acquire/zero/release discipline of the teacher's
// internal/transport/buffer_pool.go (a sync.Pool of fixed buffers, cleared
// before reuse) but generalizes it from one fixed-size buffer to a
// variable number of arbitrarily-typed per-state objects, and from a
// shared pool to a per-state region whose whole contents die together.
package arena

import "sync"

// Arena hands out references that all become invalid at once when Release
// is called. It does not actually recycle memory at the byte level (Go's
// GC already reclaims unreachable objects); its contract is lifecycle, not
// layout: "everything allocated here dies in one step," which is what
// mesh.go's state-teardown path relies on to avoid per-field cleanup of a
// MeshState's reply list, edge sets, and module scratch.
type Arena struct {
	mu       sync.Mutex
	released bool
	onClear  []func()
}

// pool recycles Arena structs themselves, the way buffer_pool.go recycles
// byte slices, so that a resolver processing many short-lived mesh states
// serially (§8 "Arena release" scenario) doesn't churn the allocator.
var pool = sync.Pool{New: func() any { return &Arena{} }}

// New returns a fresh Arena ready for use.
func New() *Arena {
	a := pool.Get().(*Arena)
	a.released = false
	a.onClear = a.onClear[:0]
	return a
}

// OnRelease registers a cleanup function to run when Release is called.
// MeshState uses this to drop references to reply-list nodes, super/sub
// edge entries, and module-private scratch without per-field bookkeeping.
func (a *Arena) OnRelease(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		fn()
		return
	}
	a.onClear = append(a.onClear, fn)
}

// Release invalidates every reference handed out by this Arena in one
// step (§3: "Destruction drops its arena, invalidating all state-local
// memory in one step"). Safe to call more than once; only the first call
// runs cleanups.
func (a *Arena) Release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	fns := a.onClear
	a.onClear = nil
	a.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
	pool.Put(a)
}

// Released reports whether Release has already run.
func (a *Arena) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}
