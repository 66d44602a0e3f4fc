package commpoint

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/dnsmesh/resolver/internal/listener"
	"github.com/dnsmesh/resolver/internal/mesh"
	"github.com/dnsmesh/resolver/internal/ratelimit"
)

// instantAnswer is a single-stage Module that answers every new query
// immediately with NOERROR and no records, so the test can exercise a
// full socket round trip without a real module pipeline.
type instantAnswer struct{}

func (instantAnswer) Init(*mesh.State, int)  {}
func (instantAnswer) Clear(*mesh.State, int) {}
func (instantAnswer) Operate(s *mesh.State, _ int, ev mesh.Event, _ *mesh.OutboundReply) mesh.OperateResult {
	if ev != mesh.EventNew {
		return mesh.ResultFinished
	}
	s.ReplyInfo = &mesh.ReplyInfo{RCode: dns.RcodeSuccess}
	return mesh.ResultFinished
}

func TestManager_UDPRoundTrip(t *testing.T) {
	m := mesh.New([]mesh.Module{instantAnswer{}})
	sockets, err := listener.Open(listener.Config{
		Port: 0, DoIPv4: true, DoUDP: true, IncomingNumTCP: 0,
		Interfaces: []string{"127.0.0.1"},
	}, nil)
	if err != nil {
		t.Fatalf("listener.Open: %v", err)
	}
	defer func() {
		for _, s := range sockets {
			_ = s.Close()
		}
	}()
	if len(sockets) != 1 {
		t.Fatalf("len(sockets) = %d, want 1 udp socket", len(sockets))
	}

	mgr := New(m)
	mgr.Serve(sockets)
	defer mgr.Close()

	client, err := net.Dial("udp4", sockets[0].LocalAddr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	raw, err := q.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if _, err := client.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(buf[:n]); err != nil {
		t.Fatalf("unpack response: %v", err)
	}
	if resp.Id != q.Id {
		t.Fatalf("response id = %d, want %d", resp.Id, q.Id)
	}
	if resp.Rcode != dns.RcodeSuccess {
		t.Fatalf("response rcode = %d, want NOERROR", resp.Rcode)
	}
}

// TestManager_UDPAncillaryRoundTrip exercises a KindUDPAncillary socket
// end to end: readUDP must pull the destination address off the control
// message and udpReplyWriter must write the reply back through the same
// ipv4.PacketConn/ipv6.PacketConn, not the plain net.PacketConn path.
func TestManager_UDPAncillaryRoundTrip(t *testing.T) {
	m := mesh.New([]mesh.Module{instantAnswer{}})
	sockets, err := listener.Open(listener.Config{
		Port: 0, DoIPv4: true, DoIPv6: true, DoUDP: true, IfAutomatic: true,
		Interfaces: []string{"127.0.0.1", "::1"},
	}, nil)
	if err != nil {
		t.Fatalf("listener.Open: %v", err)
	}
	defer func() {
		for _, s := range sockets {
			_ = s.Close()
		}
	}()

	var udpSocket *listener.Socket
	for _, s := range sockets {
		if s.Kind == listener.KindUDPAncillary {
			udpSocket = s
			break
		}
	}
	if udpSocket == nil {
		t.Fatal("expected at least one KindUDPAncillary socket with if_automatic set")
	}

	mgr := New(m)
	mgr.Serve(sockets)
	defer mgr.Close()

	netw := "udp4"
	if udpSocket.IPv6PC != nil {
		netw = "udp6"
	}
	client, err := net.Dial(netw, udpSocket.LocalAddr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	raw, err := q.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if _, err := client.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(buf[:n]); err != nil {
		t.Fatalf("unpack response: %v", err)
	}
	if resp.Id != q.Id {
		t.Fatalf("response id = %d, want %d", resp.Id, q.Id)
	}
}

func TestManager_PushbackPausesAdmission(t *testing.T) {
	m := mesh.New([]mesh.Module{instantAnswer{}})
	mgr := New(m)
	mgr.Serve(nil)
	defer mgr.Close()

	mgr.Pushback()
	if !mgr.paused.Load() {
		t.Fatal("Pushback must set the paused flag")
	}
	mgr.Resume()
	if mgr.paused.Load() {
		t.Fatal("Resume must clear the paused flag")
	}
}

// TestManager_PushbackStopsNewQueries exercises §8 scenario 4: once
// Pushback is called, a burst of datagrams sent afterward produces at
// most one new_client call (a datagram whose read was already under way
// when the pause landed) until Resume.
func TestManager_PushbackStopsNewQueries(t *testing.T) {
	m := mesh.New([]mesh.Module{instantAnswer{}})
	sockets, err := listener.Open(listener.Config{
		Port: 0, DoIPv4: true, DoUDP: true, IncomingNumTCP: 0,
		Interfaces: []string{"127.0.0.1"},
	}, nil)
	if err != nil {
		t.Fatalf("listener.Open: %v", err)
	}
	defer func() {
		for _, s := range sockets {
			_ = s.Close()
		}
	}()

	mgr := New(m)
	mgr.Serve(sockets)
	defer mgr.Close()

	client, err := net.Dial("udp4", sockets[0].LocalAddr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	mgr.Pushback()
	// Give serveUDP a chance to observe the pause before the burst lands.
	time.Sleep(50 * time.Millisecond)

	q := new(dns.Msg)
	q.SetQuestion("paused.example.", dns.TypeA)
	raw, _ := q.Pack()
	for i := 0; i < 5; i++ {
		_, _ = client.Write(raw)
	}

	_ = client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 4096)
	pausedReplies := 0
	for {
		if _, err := client.Read(buf); err != nil {
			break
		}
		pausedReplies++
	}
	if pausedReplies > 1 {
		t.Fatalf("got %d replies while paused, want at most one", pausedReplies)
	}

	mgr.Resume()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("expected a reply after Resume, got: %v", err)
	}
}

func TestManager_RateLimiterRefusesSource(t *testing.T) {
	m := mesh.New([]mesh.Module{instantAnswer{}})
	sockets, err := listener.Open(listener.Config{
		Port: 0, DoIPv4: true, DoUDP: true, IncomingNumTCP: 0,
		Interfaces: []string{"127.0.0.1"},
	}, nil)
	if err != nil {
		t.Fatalf("listener.Open: %v", err)
	}
	defer func() {
		for _, s := range sockets {
			_ = s.Close()
		}
	}()

	limiter := ratelimit.New(1, time.Minute, 100) // 1 query/sec, 1 minute cooldown after that
	mgr := New(m, WithRateLimiter(limiter))
	mgr.Serve(sockets)
	defer mgr.Close()

	client, err := net.Dial("udp4", sockets[0].LocalAddr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	raw, _ := q.Pack()

	// First query from this source is always admitted.
	if _, err := client.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("expected the first query to be admitted, got: %v", err)
	}

	// Second query within the same window exceeds the threshold and is
	// refused before it ever reaches NewClient.
	if _, err := client.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected no reply: second query should be refused by the rate limiter")
	}
}

func TestManager_EnqueueRunsOnConsumerGoroutine(t *testing.T) {
	m := mesh.New([]mesh.Module{instantAnswer{}})
	mgr := New(m)
	mgr.Serve(nil)
	defer mgr.Close()

	done := make(chan struct{})
	mgr.Enqueue(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueued job never ran")
	}
}
