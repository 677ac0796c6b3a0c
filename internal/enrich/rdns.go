// Package enrich provides IP enrichment functionality including
// reverse DNS, ASN lookups, and GeoIP information.
package enrich

import (
	"context"
	"net"
	"strings"
	"time"
)

// RDNSResolver performs reverse DNS lookups.
type RDNSResolver struct {
	timeout time.Duration
}

// RDNSConfig holds configuration for the rDNS resolver.
type RDNSConfig struct {
	Timeout time.Duration
}

// DefaultRDNSConfig returns default rDNS configuration.
func DefaultRDNSConfig() RDNSConfig {
	return RDNSConfig{Timeout: 2 * time.Second}
}

// NewRDNSResolver creates a new reverse DNS resolver.
func NewRDNSResolver(config RDNSConfig) *RDNSResolver {
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Second
	}
	return &RDNSResolver{timeout: config.Timeout}
}

// Lookup performs a reverse DNS lookup for the given IP address. DNS
// failures are absorbed and reported as an empty hostname, not an error —
// PTR misses are common and not worth surfacing per spec.md §7.
func (r *RDNSResolver) Lookup(ctx context.Context, ip net.IP) (string, error) {
	if ip == nil {
		return "", nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(lookupCtx, ip.String())
	if err != nil || len(names) == 0 {
		return "", nil
	}

	return strings.TrimSuffix(names[0], "."), nil
}

// Close releases resources held by the resolver.
func (r *RDNSResolver) Close() error { return nil }
