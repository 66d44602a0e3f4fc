// Package network resolves the Listener's configured interface literals
// into bindable addresses (§4.1). Unlike the teacher's interface
// discovery, the resolver never enumerates or filters system interfaces
// by name or flags — it resolves the literal IPs an operator configured,
// numerically, with no DNS lookup, and supplies the two defaults §4.1
// names when none are configured.
package network

import (
	"fmt"
	"net"
)

// DefaultLoopback is used when no interfaces are configured and
// if_automatic is off.
var DefaultLoopback = []string{"::1", "127.0.0.1"}

// DefaultWildcard is used when no interfaces are configured and
// if_automatic is on.
var DefaultWildcard = []string{"::0", "0.0.0.0"}

// Addr is one resolved bind address, tagged by family so the Listener
// can decide v6-only vs. plain binding without re-parsing the string.
type Addr struct {
	IP     net.IP
	IsIPv6 bool
}

// Resolve parses literal, a numeric IPv4 or IPv6 address, with no DNS
// lookup (§4.1: "Resolve the interface literal via numeric address
// lookup"). A literal that does not parse is an error; ResolveConfigured
// returns that error for the whole configured list, so the Listener
// opens no sockets at all.
func Resolve(literal string) (Addr, error) {
	ip := net.ParseIP(literal)
	if ip == nil {
		return Addr{}, fmt.Errorf("resolve interface %q: not a numeric IP address", literal)
	}
	return Addr{IP: ip, IsIPv6: ip.To4() == nil}, nil
}

// ResolveConfigured resolves every literal in interfaces. When
// interfaces is empty it returns the loopback or wildcard default pair
// depending on ifAutomatic, filtered by the enabled address families.
func ResolveConfigured(interfaces []string, ifAutomatic, doIPv4, doIPv6 bool) ([]Addr, error) {
	if len(interfaces) == 0 {
		defaults := DefaultLoopback
		if ifAutomatic {
			defaults = DefaultWildcard
		}
		var out []Addr
		for _, lit := range defaults {
			a, err := Resolve(lit)
			if err != nil {
				return nil, err
			}
			if (a.IsIPv6 && !doIPv6) || (!a.IsIPv6 && !doIPv4) {
				continue
			}
			out = append(out, a)
		}
		return out, nil
	}

	out := make([]Addr, 0, len(interfaces))
	for _, lit := range interfaces {
		a, err := Resolve(lit)
		if err != nil {
			return nil, err
		}
		if (a.IsIPv6 && !doIPv6) || (!a.IsIPv6 && !doIPv4) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
