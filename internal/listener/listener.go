// Package listener opens the socket set a Mesh's CommPoints run on
// (§4.1), grounded on the teacher's internal/network socket-construction
// style (ipv4.NewPacketConn for control-message-bearing sockets,
// platform-specific reuse options) generalized from mDNS multicast to
// unicast resolver listening.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	resolvererrors "github.com/dnsmesh/resolver/internal/errors"
	"github.com/dnsmesh/resolver/internal/network"
	"github.com/dnsmesh/resolver/internal/transport"
)

// Kind tags a bound socket by the CommPoint behavior it needs (§4.1/§4.2).
type Kind int

const (
	KindUDP Kind = iota
	KindUDPAncillary
	KindTCPAccept
)

func (k Kind) String() string {
	switch k {
	case KindUDP:
		return "udp"
	case KindUDPAncillary:
		return "udp_with_ancillary"
	case KindTCPAccept:
		return "tcp_accept"
	default:
		return "unknown"
	}
}

// Socket is one opened, non-blocking listening socket (§4.1's
// "{fd, transport_tag}" pair). Exactly one of PacketConn/Listener is set,
// selected by Kind.
type Socket struct {
	Kind       Kind
	PacketConn net.PacketConn // KindUDP, KindUDPAncillary
	IPv4PC     *ipv4.PacketConn
	IPv6PC     *ipv6.PacketConn
	Listener   net.Listener // KindTCPAccept
	LocalAddr  net.Addr
}

// Close releases the underlying fd.
func (s *Socket) Close() error {
	if s.Listener != nil {
		return s.Listener.Close()
	}
	if s.PacketConn != nil {
		return s.PacketConn.Close()
	}
	return nil
}

// Config mirrors §6's Listener option table.
type Config struct {
	Port           int
	DoIPv4         bool
	DoIPv6         bool
	DoUDP          bool
	DoTCP          bool
	IfAutomatic    bool
	Interfaces     []string
	IncomingNumTCP int
}

// Open builds the socket set described by cfg. On any hard failure it
// closes every socket opened so far and returns no partial result
// (§4.1's failure policy).
func Open(cfg Config, log *slog.Logger) ([]*Socket, error) {
	if log == nil {
		log = slog.Default()
	}

	if cfg.IfAutomatic && !(cfg.DoIPv4 && cfg.DoIPv6) {
		log.Warn("if_automatic requires both address families, disabling")
		cfg.IfAutomatic = false
	}
	if cfg.IncomingNumTCP == 0 {
		cfg.DoTCP = false
	}

	addrs, err := network.ResolveConfigured(cfg.Interfaces, cfg.IfAutomatic, cfg.DoIPv4, cfg.DoIPv6)
	if err != nil {
		return nil, fmt.Errorf("resolve interfaces: %w", err)
	}

	var opened []*Socket
	closeAll := func() {
		for _, s := range opened {
			_ = s.Close()
		}
	}

	for _, addr := range addrs {
		if cfg.DoUDP {
			s, err := openUDP(addr, cfg.Port, cfg.IfAutomatic)
			if err != nil {
				if addr.IsIPv6 && isIPv6Unsupported(err) {
					log.Warn("ipv6 udp socket unsupported, skipping", "addr", addr.IP, "err", err)
				} else {
					closeAll()
					return nil, err
				}
			} else {
				opened = append(opened, s)
			}
		}
		if cfg.DoTCP {
			s, err := openTCP(addr, cfg.Port)
			if err != nil {
				if addr.IsIPv6 && isIPv6Unsupported(err) {
					log.Warn("ipv6 tcp socket unsupported, skipping", "addr", addr.IP, "err", err)
				} else {
					closeAll()
					return nil, err
				}
			} else {
				opened = append(opened, s)
			}
		}
	}

	return opened, nil
}

func openUDP(addr network.Addr, port int, ancillary bool) (*Socket, error) {
	netw := "udp4"
	control := transport.PlatformControl
	if addr.IsIPv6 {
		netw = "udp6"
		control = transport.V6OnlyControl
	}

	lc := net.ListenConfig{Control: control}
	bindAddr := net.JoinHostPort(addr.IP.String(), strconv.Itoa(port))
	conn, err := lc.ListenPacket(context.Background(), netw, bindAddr)
	if err != nil {
		return nil, &resolvererrors.BindError{Operation: "bind", Network: netw, Address: bindAddr, Err: err}
	}

	if !ancillary {
		return &Socket{Kind: KindUDP, PacketConn: conn, LocalAddr: conn.LocalAddr()}, nil
	}

	if addr.IsIPv6 {
		p := ipv6.NewPacketConn(conn)
		if err := p.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
			_ = conn.Close()
			return nil, &resolvererrors.ProtocolError{Feature: "if_automatic destination-address reporting (ipv6)", Err: err}
		}
		return &Socket{Kind: KindUDPAncillary, PacketConn: conn, IPv6PC: p, LocalAddr: conn.LocalAddr()}, nil
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		_ = conn.Close()
		return nil, &resolvererrors.ProtocolError{Feature: "if_automatic destination-address reporting (ipv4)", Err: err}
	}
	return &Socket{Kind: KindUDPAncillary, PacketConn: conn, IPv4PC: p, LocalAddr: conn.LocalAddr()}, nil
}

func openTCP(addr network.Addr, port int) (*Socket, error) {
	tcpAddr := &net.TCPAddr{IP: addr.IP, Port: port}
	ln, err := transport.ListenTCPBacklog(tcpAddr, addr.IsIPv6)
	if err != nil {
		netw := "tcp4"
		if addr.IsIPv6 {
			netw = "tcp6"
		}
		return nil, &resolvererrors.BindError{Operation: "listen", Network: netw, Address: tcpAddr.String(), Err: err}
	}
	return &Socket{Kind: KindTCPAccept, Listener: ln, LocalAddr: ln.Addr()}, nil
}

// isIPv6Unsupported reports whether err is the "address-family-not-
// supported or invalid-argument" class §4.1 demotes to a warning
// (FreeBSD jail without IPv6, kernels built without IPv6 support).
func isIPv6Unsupported(err error) bool {
	return errors.Is(err, syscall.EAFNOSUPPORT) || errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.EPROTONOSUPPORT)
}
