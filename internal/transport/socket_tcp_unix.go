//go:build linux || darwin

package transport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ListenBacklog is the TCP accept backlog §4.1 specifies for the
// resolver's listening sockets.
const ListenBacklog = 5

// ListenTCPBacklog opens a TCP listening socket bound to addr with an
// explicit accept backlog. net.ListenTCP never exposes the backlog
// argument to callers, so the socket is built with raw syscalls instead
// (§4.1: "begin listening with a backlog of 5") and handed back as an
// ordinary net.Listener via net.FileListener.
func ListenTCPBacklog(addr *net.TCPAddr, v6only bool) (net.Listener, error) {
	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil {
		s := &unix.SockaddrInet4{Port: addr.Port}
		copy(s.Addr[:], ip4)
		sa = s
	} else {
		domain = unix.AF_INET6
		s := &unix.SockaddrInet6{Port: addr.Port}
		copy(s.Addr[:], addr.IP.To16())
		sa = s
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := setSocketOptions(uintptr(fd)); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if domain == unix.AF_INET6 && v6only {
		if err := setV6Only(uintptr(fd)); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	f := os.NewFile(uintptr(fd), "tcp-listener")
	ln, err := net.FileListener(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("FileListener: %w", err)
	}
	return ln, nil
}
