package trace

import (
	"time"
)

// ProbeMethod represents the type of probe to use.
type ProbeMethod int

const (
	// ProbeICMP uses ICMP Echo Request packets.
	ProbeICMP ProbeMethod = iota
	// ProbeUDP uses UDP packets to a rotating window of high ports.
	ProbeUDP
	// ProbeTCP uses TCP SYN packets.
	ProbeTCP
)

// String returns the string representation of the probe method.
func (p ProbeMethod) String() string {
	switch p {
	case ProbeICMP:
		return "icmp"
	case ProbeUDP:
		return "udp"
	case ProbeTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// ParseProbeMethod parses the -p/--protocol flag value.
func ParseProbeMethod(s string) (ProbeMethod, error) {
	switch s {
	case "icmp":
		return ProbeICMP, nil
	case "udp":
		return ProbeUDP, nil
	case "tcp":
		return ProbeTCP, nil
	default:
		return 0, ErrProtocolUnsupported
	}
}

// Config holds the configuration for a trace operation.
type Config struct {
	// Probe settings
	ProbeMethod ProbeMethod   // Probe method to use (default: ICMP)
	ProbeCount  int           // Number of probes per hop (default: 3)
	MaxHops     int           // Maximum TTL/hops (default: 30)
	FirstHop    int           // Starting TTL (default: 1)
	Timeout     time.Duration // Per-probe timeout (default: 2s)

	// DestPort is the destination port for TCP/UDP probes (default: 80).
	DestPort int

	// Enrichment settings
	EnableEnrichment bool // Enable any enrichment
	EnableRDNS       bool // Enable reverse DNS lookup
	EnableASN        bool // Enable ASN lookup
	EnableGeoIP      bool // Enable GeoIP lookup
	NoCache          bool // Disable the persistent cache entirely

	// Callback for real-time hop updates (streaming output). Invoked
	// exactly once per hop, in order, before the next TTL begins probing.
	OnHop func(hop *Hop)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeMethod:      ProbeICMP,
		ProbeCount:       3,
		MaxHops:          30,
		FirstHop:         1,
		Timeout:          2 * time.Second,
		DestPort:         80,
		EnableEnrichment: true,
		EnableRDNS:       true,
		EnableASN:        true,
		EnableGeoIP:      true,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxHops < 1 || c.MaxHops > 255 {
		return ErrInvalidMaxHops
	}
	if c.ProbeCount < 1 || c.ProbeCount > 10 {
		return ErrInvalidProbeCount
	}
	if c.Timeout < 100*time.Millisecond {
		return ErrInvalidTimeout
	}
	if c.FirstHop < 1 || c.FirstHop > c.MaxHops {
		return ErrInvalidFirstHop
	}
	return nil
}
