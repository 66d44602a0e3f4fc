//go:build linux

package transport

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketOptions sets SO_REUSEADDR and, where the kernel supports it,
// SO_REUSEPORT, so a restarted listener can rebind immediately instead of
// waiting out TIME_WAIT (§4.1's bind/listen path).
func setSocketOptions(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}

	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		if err != unix.ENOPROTOOPT {
			return fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
		}
	}

	return nil
}

// setV6Only sets IPV6_V6ONLY so the socket serves only IPv6 traffic; IPv4
// is always served by a separate socket (§4.1).
func setV6Only(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
		return fmt.Errorf("failed to set IPV6_V6ONLY: %w", err)
	}
	return nil
}

// platformControl is the net.ListenConfig.Control hook for Linux.
func platformControl(_, _ string, c syscall.RawConn) error {
	var sockoptErr error
	err := c.Control(func(fd uintptr) {
		sockoptErr = setSocketOptions(fd)
	})
	if err != nil {
		return fmt.Errorf("raw conn control failed: %w", err)
	}
	return sockoptErr
}

// v6OnlyControl is the net.ListenConfig.Control hook for an AF_INET6
// socket that additionally needs IPV6_V6ONLY.
func v6OnlyControl(_, _ string, c syscall.RawConn) error {
	var sockoptErr error
	err := c.Control(func(fd uintptr) {
		if sockoptErr = setSocketOptions(fd); sockoptErr != nil {
			return
		}
		sockoptErr = setV6Only(fd)
	})
	if err != nil {
		return fmt.Errorf("raw conn control failed: %w", err)
	}
	return sockoptErr
}

// PlatformControl returns the reuse-address/reuse-port control function
// for net.ListenConfig.
func PlatformControl(network, address string, c syscall.RawConn) error {
	return platformControl(network, address, c)
}

// V6OnlyControl returns the control function for an IPv6-only listening
// socket.
func V6OnlyControl(network, address string, c syscall.RawConn) error {
	return v6OnlyControl(network, address, c)
}
