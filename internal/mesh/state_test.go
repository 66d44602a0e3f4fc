package mesh

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func waitForever() *stubModule {
	return &stubModule{operate: func(s *State, idx int, ev Event, ob *OutboundReply) OperateResult {
		return ResultWait
	}}
}

func TestAttachSub_MutualEdges(t *testing.T) {
	m := New([]Module{waitForever()})
	w := &recordingWriter{}
	parent, err := m.NewClient(mkQuery("parent.test."), &ClientReply{Dest: w, Arrival: time.Now()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	sub, isNew, err := m.AttachSub(parent, "child.test.", dns.TypeA, dns.ClassINET, true, false, false)
	if err != nil {
		t.Fatalf("AttachSub: %v", err)
	}
	if !isNew {
		t.Fatal("expected a new sub state")
	}
	if !parent.hasSub(sub.Key) {
		t.Fatal("parent.sub_set must contain sub")
	}
	if !sub.hasSuper(parent.Key) {
		t.Fatal("sub.super_set must contain parent")
	}
}

func TestAttachSub_IdempotentDuplicate(t *testing.T) {
	m := New([]Module{waitForever()})
	w := &recordingWriter{}
	parent, _ := m.NewClient(mkQuery("parent.test."), &ClientReply{Dest: w, Arrival: time.Now()})

	sub1, _, err := m.AttachSub(parent, "child.test.", dns.TypeA, dns.ClassINET, true, false, false)
	if err != nil {
		t.Fatalf("first AttachSub: %v", err)
	}
	before := parent.SubCount()

	sub2, isNew, err := m.AttachSub(parent, "child.test.", dns.TypeA, dns.ClassINET, true, false, false)
	if err != nil {
		t.Fatalf("second AttachSub: %v", err)
	}
	if isNew {
		t.Fatal("duplicate attach_sub should report isNew=false")
	}
	if sub1 != sub2 {
		t.Fatal("duplicate attach_sub should return the same sub state")
	}
	if parent.SubCount() != before {
		t.Fatalf("SubCount() changed on duplicate attach: %d -> %d", before, parent.SubCount())
	}
}

func TestAttachSub_ThenDetachRestoresCounters(t *testing.T) {
	m := New([]Module{waitForever()})
	w := &recordingWriter{}
	parent, _ := m.NewClient(mkQuery("parent.test."), &ClientReply{Dest: w, Arrival: time.Now()})

	sub, _, err := m.AttachSub(parent, "child.test.", dns.TypeA, dns.ClassINET, true, false, false)
	if err != nil {
		t.Fatalf("AttachSub: %v", err)
	}
	beforeDetached := m.Counters().NumDetachedStates

	m.DetachSubs(parent)

	if parent.SubCount() != 0 {
		t.Fatalf("parent.SubCount() = %d, want 0 after DetachSubs", parent.SubCount())
	}
	if sub.SuperCount() != 0 {
		t.Fatalf("sub.SuperCount() = %d, want 0 after DetachSubs", sub.SuperCount())
	}
	if m.Counters().NumDetachedStates != beforeDetached+1 {
		t.Fatalf("NumDetachedStates = %d, want %d (sub became detached)", m.Counters().NumDetachedStates, beforeDetached+1)
	}
}

func TestState_DetachedInvariant(t *testing.T) {
	m := New([]Module{waitForever()})
	w := &recordingWriter{}
	parent, _ := m.NewClient(mkQuery("parent.test."), &ClientReply{Dest: w, Arrival: time.Now()})
	if parent.Detached() {
		t.Fatal("a state with an attached client reply must not be detached")
	}

	sub, _, _ := m.AttachSub(parent, "child.test.", dns.TypeA, dns.ClassINET, true, false, false)
	if sub.Detached() {
		t.Fatal("a state with a super must not be detached")
	}
}
