//go:build windows

package transport

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/windows"
)

// setSocketOptions sets SO_REUSEADDR so a restarted listener can rebind
// immediately. Windows has no SO_REUSEPORT; SO_REUSEADDR already permits
// multiple binds to the same port (§4.1's bind/listen path).
func setSocketOptions(fd uintptr) error {
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	return nil
}

// setV6Only sets IPV6_V6ONLY so the socket serves only IPv6 traffic; IPv4
// is always served by a separate socket (§4.1).
func setV6Only(fd uintptr) error {
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, 1); err != nil {
		return fmt.Errorf("failed to set IPV6_V6ONLY: %w", err)
	}
	return nil
}

// platformControl is the net.ListenConfig.Control hook for Windows.
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

// PlatformControl returns the reuse-address control function for
// net.ListenConfig.
func PlatformControl(network, address string, c syscall.RawConn) error {
	return platformControl(network, address, c)
}

// V6OnlyControl returns the control function for an IPv6-only listening
// socket.
func V6OnlyControl(network, address string, c syscall.RawConn) error {
	return v6OnlyControl(network, address, c)
}
