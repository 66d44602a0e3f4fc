// Package commpoint runs the CommPoints described in §4.2: one
// receiver goroutine per listening socket, all of them handing decoded
// queries to a single consumer goroutine that is the only caller into
// Mesh methods. §5 forbids internal locking on mesh data, so the
// dispatch shape here is HydraDNS's receiver/worker split
// (other_examples jroosing-HydraDNS udp_server.go recvLoop/workerLoop)
// collapsed from N workers down to exactly one, since Mesh itself must
// only ever be touched from a single goroutine.
package commpoint

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/dnsmesh/resolver/internal/listener"
	"github.com/dnsmesh/resolver/internal/mesh"
	"github.com/dnsmesh/resolver/internal/ratelimit"
	"github.com/dnsmesh/resolver/internal/wire"
)

// pollInterval bounds how long a blocked Read/Accept call can hold a
// receiver goroutine before it rechecks the pause flag and shutdown
// channel. It trades a small amount of wakeup latency for
// interruptibility, since net.Conn has no cancel-by-context.
const pollInterval = 200 * time.Millisecond

// Manager owns the CommPoint goroutines for one Mesh's socket set and
// the single channel that serializes all access into it (§5).
type Manager struct {
	mesh    *mesh.Mesh
	log     *slog.Logger
	limiter *ratelimit.Limiter

	work chan func()
	done chan struct{}
	wg   sync.WaitGroup

	paused atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithRateLimiter installs per-source-IP admission control; queries
// from a source the limiter refuses are dropped before they ever reach
// the work channel.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithQueueDepth overrides the work channel's buffer size (default 64).
func WithQueueDepth(n int) Option {
	return func(m *Manager) { m.work = make(chan func(), n) }
}

// New creates a Manager bound to mesh m. Call Serve to start the
// CommPoint goroutines for a socket set.
func New(m *mesh.Mesh, opts ...Option) *Manager {
	mgr := &Manager{
		mesh: m,
		log:  slog.Default(),
		work: make(chan func(), 64),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// Enqueue hands job to the single consumer goroutine. internal/outbound
// uses this so its own receive-loop goroutine never calls Mesh methods
// directly, preserving the single-writer invariant across the outbound
// boundary as well as the listening side.
func (m *Manager) Enqueue(job func()) {
	select {
	case m.work <- job:
	case <-m.done:
	}
}

// Serve starts one receiver goroutine per socket plus the single
// consumer goroutine, and returns immediately; call Close to stop.
func (m *Manager) Serve(sockets []*listener.Socket) {
	m.wg.Add(1)
	go m.consume()

	for _, s := range sockets {
		s := s
		switch s.Kind {
		case listener.KindUDP, listener.KindUDPAncillary:
			m.wg.Add(1)
			go m.serveUDP(s)
		case listener.KindTCPAccept:
			m.wg.Add(1)
			go m.serveTCPAccept(s)
		}
	}
}

// Pushback pauses new_client admission on udp and tcp_accept points
// (§4.2): established TCP connections are read to completion
// regardless, since pausing those would stall clients mid-response
// rather than shed load at the front door.
func (m *Manager) Pushback() {
	m.paused.Store(true)
}

// Resume lifts a prior Pushback.
func (m *Manager) Resume() {
	m.paused.Store(false)
}

// Close stops all CommPoint goroutines and waits for them to exit.
func (m *Manager) Close() error {
	close(m.done)
	m.wg.Wait()
	return nil
}

func (m *Manager) consume() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case job := <-m.work:
			job()
		}
	}
}

func (m *Manager) serveUDP(s *listener.Socket) {
	defer m.wg.Done()
	buf := make([]byte, wire.MaxTCPMessage)
	for {
		select {
		case <-m.done:
			return
		default:
		}

		if m.paused.Load() {
			time.Sleep(pollInterval)
			continue
		}

		n, addr, dstIP, err := readUDP(s, buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-m.done:
				return
			default:
				m.log.Warn("udp read failed", "local", s.LocalAddr, "err", err)
				return
			}
		}

		if m.limiter != nil && !m.limiter.Allow(hostOf(addr)) {
			continue
		}

		raw := append([]byte(nil), buf[:n]...)
		m.handleDatagram(s, raw, addr, dstIP)
	}
}

// readUDP reads one datagram off s, using the ancillary-data path for
// KindUDPAncillary sockets so the packet's original local destination
// address is recovered (§4.2's "additionally reports the local
// destination address" for if_automatic wildcard sockets serving many
// interface IPs). Plain KindUDP sockets never had SetControlMessage
// called on them and always return a nil dstIP.
func readUDP(s *listener.Socket, buf []byte) (n int, addr net.Addr, dstIP net.IP, err error) {
	switch {
	case s.IPv4PC != nil:
		_ = s.IPv4PC.SetReadDeadline(time.Now().Add(pollInterval))
		var cm *ipv4.ControlMessage
		n, cm, addr, err = s.IPv4PC.ReadFrom(buf)
		if cm != nil {
			dstIP = cm.Dst
		}
	case s.IPv6PC != nil:
		_ = s.IPv6PC.SetReadDeadline(time.Now().Add(pollInterval))
		var cm *ipv6.ControlMessage
		n, cm, addr, err = s.IPv6PC.ReadFrom(buf)
		if cm != nil {
			dstIP = cm.Dst
		}
	default:
		_ = s.PacketConn.SetReadDeadline(time.Now().Add(pollInterval))
		n, addr, err = s.PacketConn.ReadFrom(buf)
	}
	return n, addr, dstIP, err
}

func (m *Manager) handleDatagram(s *listener.Socket, raw []byte, from net.Addr, dstIP net.IP) {
	q, err := wire.DecodeQuery(raw)
	if err != nil {
		m.log.Debug("dropping undecodable udp query", "from", from, "err", err)
		return
	}

	dest := &udpReplyWriter{conn: s.PacketConn, ipv4PC: s.IPv4PC, ipv6PC: s.IPv6PC, to: from, srcIP: dstIP}
	cr := &mesh.ClientReply{
		Dest:     dest,
		QID:      q.QID,
		QFlags:   q.QFlags,
		EDNSSize: q.EDNSSize,
		DNSSECDO: q.DNSSECDO,
		Arrival:  time.Now(),
	}

	m.Enqueue(func() {
		if _, err := m.mesh.NewClientOrServfail(q, cr); err != nil {
			m.log.Debug("new_client failed", "query", q.Key.String(), "err", err)
		}
	})
}

func (m *Manager) serveTCPAccept(s *listener.Socket) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		default:
		}

		if m.paused.Load() {
			time.Sleep(pollInterval)
			continue
		}

		if dl, ok := s.Listener.(interface{ SetDeadline(time.Time) error }); ok {
			_ = dl.SetDeadline(time.Now().Add(pollInterval))
		}

		conn, err := s.Listener.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-m.done:
				return
			default:
				m.log.Warn("tcp accept failed", "local", s.LocalAddr, "err", err)
				return
			}
		}

		if m.limiter != nil && !m.limiter.Allow(hostOf(conn.RemoteAddr())) {
			_ = conn.Close()
			continue
		}

		m.wg.Add(1)
		go m.serveTCPConn(conn)
	}
}

// serveTCPConn reads frame after frame off an established connection
// until it closes or errors; pushback never interrupts it (§4.2).
func (m *Manager) serveTCPConn(conn net.Conn) {
	defer m.wg.Done()
	defer conn.Close()

	for {
		select {
		case <-m.done:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		msg, err := wire.ReadTCPFrame(conn)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}

		q, err := wire.DecodeQuery(msg)
		if err != nil {
			m.log.Debug("dropping undecodable tcp query", "from", conn.RemoteAddr(), "err", err)
			continue
		}

		cr := &mesh.ClientReply{
			Dest:     &tcpReplyWriter{conn: conn},
			QID:      q.QID,
			QFlags:   q.QFlags,
			EDNSSize: q.EDNSSize,
			DNSSECDO: q.DNSSECDO,
			Arrival:  time.Now(),
		}
		m.Enqueue(func() {
			if _, err := m.mesh.NewClientOrServfail(q, cr); err != nil {
				m.log.Debug("new_client failed", "query", q.Key.String(), "err", err)
			}
		})
	}
}

// udpReplyWriter implements mesh.ReplyWriter by writing a datagram back
// to the originating source address on the shared listening socket.
// Truncation to EDNSSize already happened in wire.EncodeReply. On a
// KindUDPAncillary socket, srcIP is the destination address the query
// actually arrived on (captured off the read's control message) and is
// set as the reply's source via a write-side control message, so an
// if_automatic wildcard socket answers from the same interface address
// the client queried rather than whatever the kernel picks by default.
type udpReplyWriter struct {
	conn   net.PacketConn
	ipv4PC *ipv4.PacketConn
	ipv6PC *ipv6.PacketConn
	to     net.Addr
	srcIP  net.IP
}

func (w *udpReplyWriter) WriteReply(msg []byte) error {
	switch {
	case w.ipv4PC != nil:
		_, err := w.ipv4PC.WriteTo(msg, &ipv4.ControlMessage{Src: w.srcIP}, w.to)
		return err
	case w.ipv6PC != nil:
		_, err := w.ipv6PC.WriteTo(msg, &ipv6.ControlMessage{Src: w.srcIP}, w.to)
		return err
	default:
		_, err := w.conn.WriteTo(msg, w.to)
		return err
	}
}

// tcpReplyWriter implements mesh.ReplyWriter by framing the reply with
// the two-byte TCP length prefix (§4.1) before writing it back on the
// established connection.
type tcpReplyWriter struct {
	conn net.Conn
}

func (w *tcpReplyWriter) WriteReply(msg []byte) error {
	framed, err := wire.FrameTCP(msg)
	if err != nil {
		return err
	}
	_, err = w.conn.Write(framed)
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap().String()
	}
	return host
}
