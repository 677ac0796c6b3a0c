// Package trace provides traceroute functionality.
package trace

import (
	"net"
	"time"

	"github.com/xcvex/tracelens/internal/cache"
	"github.com/xcvex/tracelens/internal/classify"
)

// Hop is a single evolving record for one TTL: the tracer fills the raw
// probe fields, the enrichment orchestrator appends PTR/ASN/Geo/class
// data, and the diagnostics pass appends its own tags afterward. RTTs and
// the derived statistics are represented as *float64 (nil meaning
// "absent") rather than a sentinel value, so a genuine zero-RTT loopback
// probe is never confused with a timeout.
type Hop struct {
	// Number is the hop number (TTL value that triggered the response).
	Number int `json:"hop"`

	// IP is the IP address of the responding router/host.
	IP net.IP `json:"ip,omitempty"`

	// Hostname is the reverse DNS name, if resolved.
	Hostname string `json:"hostname,omitempty"`

	// ASN contains Autonomous System information.
	ASN *cache.ASNInfo `json:"asn,omitempty"`

	// Geo contains geographic information.
	Geo *cache.GeoInfo `json:"geo,omitempty"`

	// IPClass is the address-space bucket the responder falls into.
	IPClass classify.Class `json:"-"`

	// Tags accumulates diagnostic labels from enrichment (address-class
	// tags) and the diagnostics pass (latency/jitter/spike/destination).
	Tags []string `json:"tags,omitempty"`

	// RTTs contains individual round-trip times in milliseconds; a nil
	// entry means that probe timed out.
	RTTs []*float64 `json:"rtts"`

	// AvgRTT/MinRTT/MaxRTT are nil when no probe in this hop succeeded.
	AvgRTT *float64 `json:"avg_rtt,omitempty"`
	MinRTT *float64 `json:"min_rtt,omitempty"`
	MaxRTT *float64 `json:"max_rtt,omitempty"`

	// Jitter is the difference between max and min RTT.
	Jitter *float64 `json:"jitter,omitempty"`

	// LossPercent is the packet loss percentage (0-100).
	LossPercent float64 `json:"loss_percent"`

	// Responded indicates at least one probe got a response of any kind.
	Responded bool `json:"responded"`

	// Reached indicates a probe in this hop returned a terminal outcome:
	// the target itself was reached.
	Reached bool `json:"reached"`
}

// IsDestination checks if this hop is the final destination.
func (h *Hop) IsDestination(dest net.IP) bool {
	if h.IP == nil {
		return false
	}
	return h.IP.Equal(dest)
}

// Result contains the complete result of a trace operation.
type Result struct {
	// Target is the original target (hostname or IP).
	Target string `json:"target"`

	// ResolvedIP is the resolved IP address of the target.
	ResolvedIP net.IP `json:"resolved_ip"`

	// Timestamp is when the trace was performed.
	Timestamp time.Time `json:"timestamp"`

	// ProbeMethod is the probe method used (icmp, udp, tcp).
	ProbeMethod string `json:"probe_method"`

	// Hops contains all the hops in the trace.
	Hops []*Hop `json:"hops"`

	// Completed indicates if the trace reached the destination.
	Completed bool `json:"completed"`
}
