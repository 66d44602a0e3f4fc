// Package queryinfo defines the Query key (§3) that identifies a mesh
// state: the tuple (qname, qtype, qclass, rd_flag, cd_flag, is_priming).
// Names are compared in canonical lowercase form, the way original_source's
// mesh_state_create keys states off query_info plus the RD/CD flags and the
// is_priming bit.
package queryinfo

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Key uniquely identifies a mesh state. It is comparable and usable as a
// map key; Less gives the stable, total ordering spec.md §3/§4.3.6
// requires for the mesh's "all"/"run" containers and for deterministic
// run-queue tie-breaks.
type Key struct {
	QName     string // canonical lowercase, fully qualified (trailing dot)
	QType     uint16
	QClass    uint16
	RD        bool
	CD        bool
	IsPriming bool
}

// New builds a Key from a raw query name and the wire qtype/qclass,
// canonicalizing the name with dns.CanonicalName (lowercase, fully
// qualified) so that "Example.COM." and "example.com" key the same state.
func New(qname string, qtype, qclass uint16, rd, cd, priming bool) Key {
	return Key{
		QName:     dns.CanonicalName(qname),
		QType:     qtype,
		QClass:    qclass,
		RD:        rd,
		CD:        cd,
		IsPriming: priming,
	}
}

// String renders the key in a stable, human-readable form:
// "name type class flags". Used for debug output and error messages;
// Less compares the fields directly and does not use it.
func (k Key) String() string {
	flags := ""
	if k.RD {
		flags += "D"
	}
	if k.CD {
		flags += "C"
	}
	if k.IsPriming {
		flags += "P"
	}
	return fmt.Sprintf("%s %d %d %s", k.QName, k.QType, k.QClass, flags)
}

// Less gives a total, deterministic order over Keys, used by the mesh's
// ordered "all"/"run" containers (§3 Ordering) and by the scheduler's
// lowest-key-first tie-break (§4.3.6).
func Less(a, b Key) bool {
	if a.QName != b.QName {
		return a.QName < b.QName
	}
	if a.QType != b.QType {
		return a.QType < b.QType
	}
	if a.QClass != b.QClass {
		return a.QClass < b.QClass
	}
	if a.RD != b.RD {
		return !a.RD
	}
	if a.CD != b.CD {
		return !a.CD
	}
	return !a.IsPriming && b.IsPriming
}

// CanonicalName lowercases and fully-qualifies a DNS name the way the mesh
// requires for key comparison, without performing any DNS lookup.
func CanonicalName(name string) string {
	if name == "" {
		return "."
	}
	return dns.CanonicalName(strings.TrimSpace(name))
}
