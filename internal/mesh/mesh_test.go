package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/dnsmesh/resolver/internal/queryinfo"
	"github.com/dnsmesh/resolver/internal/wire"
	"github.com/miekg/dns"
)

// recordingWriter is a ReplyWriter test double that records every write.
type recordingWriter struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (w *recordingWriter) WriteReply(msg []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msg)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

// stubModule is a single-stage test Module whose behavior is supplied by
// the test via the operate closure.
type stubModule struct {
	operate func(s *State, idx int, ev Event, ob *OutboundReply) OperateResult
	inits   int
	clears  int
}

func (m *stubModule) Init(s *State, idx int)  { m.inits++ }
func (m *stubModule) Clear(s *State, idx int) { m.clears++ }
func (m *stubModule) Operate(s *State, idx int, ev Event, ob *OutboundReply) OperateResult {
	return m.operate(s, idx, ev, ob)
}

func waitThenFinish() *stubModule {
	mod := &stubModule{}
	mod.operate = func(s *State, idx int, ev Event, ob *OutboundReply) OperateResult {
		if ev == EventReply {
			s.ReplyInfo = &ReplyInfo{RCode: dns.RcodeSuccess}
			return ResultFinished
		}
		return ResultWait
	}
	return mod
}

func mkQuery(name string) *wire.Query {
	key := queryinfo.New(name, dns.TypeA, dns.ClassINET, true, false, false)
	return &wire.Query{Key: key, QID: 0x1111, QFlags: 1}
}

func TestMesh_Deduplication(t *testing.T) {
	mod := waitThenFinish()
	m := New([]Module{mod})

	q := mkQuery("example.com.")
	w1, w2 := &recordingWriter{}, &recordingWriter{}

	s1, err := m.NewClient(q, &ClientReply{Dest: w1, QID: 1, Arrival: time.Now()})
	if err != nil {
		t.Fatalf("first NewClient: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after first client", m.Len())
	}

	s2, err := m.NewClient(q, &ClientReply{Dest: w2, QID: 2, Arrival: time.Now()})
	if err != nil {
		t.Fatalf("second NewClient: %v", err)
	}
	if s1 != s2 {
		t.Fatal("second client for identical query should reuse the same state")
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after dedup", m.Len())
	}
	if len(s1.ReplyList) != 2 {
		t.Fatalf("ReplyList len = %d, want 2", len(s1.ReplyList))
	}

	// Resolve the upstream query once; both clients should be answered.
	m.ReportReply(s1, true, nil, 0)

	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after completion", m.Len())
	}
	if w1.count() != 1 || w2.count() != 1 {
		t.Fatalf("write counts = %d,%d want 1,1", w1.count(), w2.count())
	}
	if m.Counters().RepliesSent != 2 {
		t.Fatalf("RepliesSent = %d, want 2", m.Counters().RepliesSent)
	}
}

func TestMesh_CycleRefusal(t *testing.T) {
	mod := &stubModule{operate: func(s *State, idx int, ev Event, ob *OutboundReply) OperateResult {
		return ResultWait
	}}
	m := New([]Module{mod})

	q := mkQuery("a.test.")
	w := &recordingWriter{}
	s, err := m.NewClient(q, &ClientReply{Dest: w, QID: 7, Arrival: time.Now()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	sub, isNew, err := m.AttachSub(s, "b.test.", dns.TypeA, dns.ClassINET, true, false, false)
	if err != nil {
		t.Fatalf("AttachSub(a->b): %v", err)
	}
	if !isNew {
		t.Fatal("expected b.test. sub to be new")
	}

	_, _, err = m.AttachSub(sub, "a.test.", dns.TypeA, dns.ClassINET, true, false, false)
	if err == nil {
		t.Fatal("expected CycleRefusal attaching a.test. as a sub of b.test.")
	}
	if sub.SuperCount() != 1 {
		t.Fatalf("sub SuperCount() = %d, want 1 (no new edge from the refused attempt)", sub.SuperCount())
	}
}

func TestMesh_SuperFanOut(t *testing.T) {
	var mu sync.Mutex
	var order []string

	subTicks := 0
	mod := &stubModule{}
	mod.operate = func(s *State, idx int, ev Event, ob *OutboundReply) OperateResult {
		if s.Key.QName == "u.test." {
			subTicks++
			if subTicks == 1 {
				return ResultWait
			}
			s.ReplyInfo = &ReplyInfo{RCode: dns.RcodeSuccess}
			return ResultFinished
		}
		if ev == EventModuleDone {
			mu.Lock()
			order = append(order, s.Key.QName)
			mu.Unlock()
			s.ReplyInfo = &ReplyInfo{RCode: dns.RcodeSuccess}
			return ResultFinished
		}
		if _, _, err := s.Mesh().AttachSub(s, "u.test.", dns.TypeA, dns.ClassINET, true, false, false); err != nil {
			t.Errorf("AttachSub: %v", err)
		}
		return ResultWait
	}

	m := New([]Module{mod})

	w1 := &recordingWriter{}
	w2 := &recordingWriter{}

	if _, err := m.NewClient(mkQuery("s1.test."), &ClientReply{Dest: w1, QID: 1, Arrival: time.Now()}); err != nil {
		t.Fatalf("NewClient s1: %v", err)
	}
	if _, err := m.NewClient(mkQuery("s2.test."), &ClientReply{Dest: w2, QID: 2, Arrival: time.Now()}); err != nil {
		t.Fatalf("NewClient s2: %v", err)
	}

	uKey := queryinfo.New("u.test.", dns.TypeA, dns.ClassINET, true, false, false)
	uState := m.lookup(uKey)
	if uState == nil {
		t.Fatal("expected u.test. state to exist")
	}
	if uState.SuperCount() != 2 {
		t.Fatalf("u.test. SuperCount() = %d, want 2", uState.SuperCount())
	}

	m.ReportReply(uState, true, nil, 0)

	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after fan-out completes", m.Len())
	}
	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "s1.test." || got[1] != "s2.test." {
		t.Fatalf("MODDONE order = %v, want insertion order [s1.test. s2.test.]", got)
	}
}

func TestMesh_ArenaReleasedOnCompletion(t *testing.T) {
	var mu sync.Mutex
	var released int

	mod := &stubModule{}
	mod.operate = func(s *State, idx int, ev Event, ob *OutboundReply) OperateResult {
		s.Arena.OnRelease(func() {
			mu.Lock()
			released++
			mu.Unlock()
		})
		s.ReplyInfo = &ReplyInfo{RCode: dns.RcodeSuccess}
		return ResultFinished
	}
	m := New([]Module{mod})

	const n = 50
	for i := 0; i < n; i++ {
		q := mkQuery(randName(i))
		w := &recordingWriter{}
		if _, err := m.NewClient(q, &ClientReply{Dest: w, QID: uint16(i), Arrival: time.Now()}); err != nil {
			t.Fatalf("NewClient %d: %v", i, err)
		}
	}
	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0: all states should finish synchronously", m.Len())
	}
	if released != n {
		t.Fatalf("released %d arenas, want %d", released, n)
	}
}

func TestMesh_ScratchBufferReusedAcrossReplies(t *testing.T) {
	mod := &stubModule{}
	mod.operate = func(s *State, idx int, ev Event, ob *OutboundReply) OperateResult {
		s.ReplyInfo = &ReplyInfo{RCode: dns.RcodeSuccess}
		return ResultFinished
	}
	m := New([]Module{mod})
	if cap(m.scratch) == 0 {
		t.Fatal("scratch buffer should be preallocated at construction")
	}

	w := &recordingWriter{}
	if _, err := m.NewClient(mkQuery("a.test."), &ClientReply{Dest: w, Arrival: time.Now()}); err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if w.count() != 1 {
		t.Fatalf("count() = %d, want 1", w.count())
	}
	if len(m.scratch) != 0 {
		t.Fatalf("len(m.scratch) = %d, want 0 (reset for the next encode after being filled)", len(m.scratch))
	}
	if cap(m.scratch) == 0 {
		t.Fatal("scratch buffer capacity should survive across replies for reuse")
	}
}

func randName(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return string([]byte{letters[i%26], letters[(i/26)%26], '.', 't', 'e', 's', 't', '.'})
}
