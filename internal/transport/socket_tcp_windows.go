//go:build windows

package transport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/windows"
)

// ListenBacklog is the TCP accept backlog §4.1 specifies for the
// resolver's listening sockets.
const ListenBacklog = 5

// ListenTCPBacklog opens a TCP listening socket bound to addr with an
// explicit accept backlog, the Windows counterpart to the unix raw-socket
// implementation (§4.1: "begin listening with a backlog of 5").
func ListenTCPBacklog(addr *net.TCPAddr, v6only bool) (net.Listener, error) {
	domain := windows.AF_INET
	var sa windows.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil {
		s := &windows.SockaddrInet4{Port: addr.Port}
		copy(s.Addr[:], ip4)
		sa = s
	} else {
		domain = windows.AF_INET6
		s := &windows.SockaddrInet6{Port: addr.Port}
		copy(s.Addr[:], addr.IP.To16())
		sa = s
	}

	fd, err := windows.Socket(domain, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := setSocketOptions(uintptr(fd)); err != nil {
		_ = windows.Closesocket(fd)
		return nil, err
	}
	if domain == windows.AF_INET6 && v6only {
		if err := setV6Only(uintptr(fd)); err != nil {
			_ = windows.Closesocket(fd)
			return nil, err
		}
	}
	if err := windows.Bind(fd, sa); err != nil {
		_ = windows.Closesocket(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := windows.Listen(fd, ListenBacklog); err != nil {
		_ = windows.Closesocket(fd)
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
