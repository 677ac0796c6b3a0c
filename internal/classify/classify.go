// Package classify buckets an IPv4 address into a coarse address-space
// class, used to decide whether a hop is worth enriching.
package classify

import "net"

// Class is the address-space bucket an IP falls into.
type Class int

const (
	// ClassUnknown is returned for unparseable input.
	ClassUnknown Class = iota
	ClassLoopback
	ClassLinkLocal
	ClassMulticast
	ClassPrivate
	ClassCGNAT
	ClassReserved
	ClassPublic
)

// String returns the lowercase name used in reports and cache tags.
func (c Class) String() string {
	switch c {
	case ClassLoopback:
		return "loopback"
	case ClassLinkLocal:
		return "linklocal"
	case ClassMulticast:
		return "multicast"
	case ClassPrivate:
		return "private"
	case ClassCGNAT:
		return "cgnat"
	case ClassReserved:
		return "reserved"
	case ClassPublic:
		return "public"
	default:
		return "unknown"
	}
}

// Tag returns the diagnostic tag the enrichment orchestrator attaches for
// this class, or "" for classes that don't get one (public, multicast,
// unknown).
func (c Class) Tag() string {
	switch c {
	case ClassLoopback, ClassLinkLocal, ClassPrivate, ClassCGNAT, ClassReserved:
		return c.String()
	default:
		return ""
	}
}

// EnrichmentEligible reports whether hops of this class should be sent
// through ASN/Geo/PTR lookups.
func (c Class) EnrichmentEligible() bool {
	return c == ClassPublic
}

var (
	cgnatNet = mustParseCIDR("100.64.0.0/10")

	reservedNets = []*net.IPNet{
		mustParseCIDR("0.0.0.0/8"),
		mustParseCIDR("192.0.0.0/24"),
		mustParseCIDR("192.0.2.0/24"),
		mustParseCIDR("198.18.0.0/15"),
		mustParseCIDR("198.51.100.0/24"),
		mustParseCIDR("203.0.113.0/24"),
		mustParseCIDR("240.0.0.0/4"),
		mustParseCIDR("255.255.255.255/32"),
	}
)

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Classify evaluates the ordered rule set from the spec: loopback ->
// link-local -> multicast -> private -> CGNAT -> reserved -> public.
func Classify(ip net.IP) Class {
	if ip == nil {
		return ClassUnknown
	}
	v4 := ip.To4()
	if v4 == nil {
		return ClassUnknown
	}

	switch {
	case v4.IsLoopback():
		return ClassLoopback
	case v4.IsLinkLocalUnicast():
		return ClassLinkLocal
	case v4.IsMulticast():
		return ClassMulticast
	case v4.IsPrivate():
		return ClassPrivate
	case cgnatNet.Contains(v4):
		return ClassCGNAT
	case isReserved(v4):
		return ClassReserved
	case v4.IsGlobalUnicast():
		return ClassPublic
	default:
		return ClassReserved
	}
}

func isReserved(ip net.IP) bool {
	for _, n := range reservedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
