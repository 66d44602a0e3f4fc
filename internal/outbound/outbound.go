// Package outbound issues upstream queries on behalf of in-flight mesh
// states and routes the responses back in through ReportReply (§4.3.7,
// §6's "opaque handle issued by the modules; the mesh only holds
// outbound_entry -> originating_state back-pointers"). It is grounded on
// the teacher's querier.Querier: the same send-then-background-receive
// shape, the same context-bounded Receive loop, generalized from one
// synchronous Query call collecting into a channel to many concurrent
// outstanding queries correlated by DNS message ID.
package outbound

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/dnsmesh/resolver/internal/mesh"
	"github.com/dnsmesh/resolver/internal/transport"
)

// receiveTimeout bounds each Receive call so the loop can notice done
// being closed without blocking on the transport indefinitely.
const receiveTimeout = 200 * time.Millisecond

// entryTTL is how long a pending query waits for a reply before the
// janitor times it out and reports failure upstream.
const entryTTL = 5 * time.Second

// pendingEntry is one outstanding upstream query (original_source's
// outbound_entry, minus the parts owned by the module itself).
type pendingEntry struct {
	state *mesh.State
	sent  time.Time
}

// Adapter issues outbound upstream queries and delivers replies back
// onto the caller-supplied consumer via deliver, never by calling Mesh
// methods from its own receiveLoop goroutine (§5).
type Adapter struct {
	transport transport.Transport
	deliver   func(job func())
	log       *slog.Logger

	mu      sync.Mutex
	pending map[uint16]pendingEntry

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an Adapter over t. deliver is normally
// (*commpoint.Manager).Enqueue, so every ReportReply call still runs on
// the single mesh-owning goroutine.
func New(t transport.Transport, deliver func(job func()), log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		transport: t,
		deliver:   deliver,
		log:       log,
		pending:   make(map[uint16]pendingEntry),
		done:      make(chan struct{}),
	}
	a.wg.Add(1)
	go a.receiveLoop()
	a.wg.Add(1)
	go a.janitorLoop()
	return a
}

// Send issues msg (a fully encoded DNS query whose header ID is qid) to
// upstream on behalf of state, which later receives ReportReply once a
// matching response arrives or the entry times out.
func (a *Adapter) Send(ctx context.Context, state *mesh.State, upstream net.Addr, msg []byte, qid uint16) error {
	if err := a.transport.Send(ctx, msg, upstream); err != nil {
		return err
	}
	a.mu.Lock()
	a.pending[qid] = pendingEntry{state: state, sent: time.Now()}
	a.mu.Unlock()
	return nil
}

// Close stops the background goroutines and closes the transport.
func (a *Adapter) Close() error {
	close(a.done)
	a.wg.Wait()
	return a.transport.Close()
}

func (a *Adapter) receiveLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), receiveTimeout)
		msg, _, err := a.transport.Receive(ctx)
		cancel()
		if err != nil {
			continue
		}

		a.handleResponse(msg)
	}
}

func (a *Adapter) handleResponse(msg []byte) {
	id, ok := peekID(msg)
	if !ok {
		a.log.Debug("dropping undecodable upstream response")
		return
	}

	a.mu.Lock()
	entry, found := a.pending[id]
	if found {
		delete(a.pending, id)
	}
	a.mu.Unlock()

	if !found {
		a.log.Debug("dropping upstream response with no matching query", "qid", id)
		return
	}

	state := entry.state
	a.deliver(func() {
		state.Mesh().ReportReply(state, true, msg, dns.RcodeSuccess)
	})
}

// janitorLoop times out pending entries older than entryTTL, reporting
// SERVFAIL upstream so a dead or slow upstream can't wedge a state
// forever (original_source's mesh.h pending-query timeout handling).
func (a *Adapter) janitorLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(entryTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.expireStale()
		}
	}
}

func (a *Adapter) expireStale() {
	now := time.Now()
	var expired []pendingEntry

	a.mu.Lock()
	for qid, entry := range a.pending {
		if now.Sub(entry.sent) > entryTTL {
			expired = append(expired, entry)
			delete(a.pending, qid)
		}
	}
	a.mu.Unlock()

	for _, entry := range expired {
		state := entry.state
		a.deliver(func() {
			state.Mesh().ReportReply(state, false, nil, dns.RcodeServerFailure)
		})
	}
}

// peekID reads just the 16-bit message ID from a raw DNS packet without
// a full unpack, since that's all handleResponse needs to correlate a
// reply with its pending entry.
func peekID(msg []byte) (uint16, bool) {
	if len(msg) < 2 {
		return 0, false
	}
	return uint16(msg[0])<<8 | uint16(msg[1]), true
}
