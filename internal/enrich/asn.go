package enrich

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/xcvex/tracelens/internal/cache"
)

// ASNLookup defines the interface for ASN lookups.
type ASNLookup interface {
	Lookup(ctx context.Context, ip net.IP) (*cache.ASNInfo, error)
	Close() error
}

// TeamCymruASN implements ASN lookup using Team Cymru's DNS service.
// This is a free service that doesn't require any database files.
// See: https://www.team-cymru.com/ip-asn-mapping
type TeamCymruASN struct {
	timeout time.Duration
}

// TeamCymruConfig holds configuration for Team Cymru ASN lookups.
type TeamCymruConfig struct {
	Timeout time.Duration
}

// DefaultTeamCymruConfig returns default configuration.
func DefaultTeamCymruConfig() TeamCymruConfig {
	return TeamCymruConfig{
		Timeout: 3 * time.Second,
	}
}

// NewTeamCymruASN creates a new Team Cymru ASN resolver.
func NewTeamCymruASN(config TeamCymruConfig) *TeamCymruASN {
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Second
	}
	return &TeamCymruASN{timeout: config.Timeout}
}

// Lookup performs an ASN lookup using Team Cymru's DNS service: first the
// origin query (ASN + prefix + country), then a second query for the AS
// name. The combined timeout bound is 2x the configured timeout, per
// spec.md §4.5.
func (t *TeamCymruASN) Lookup(ctx context.Context, ip net.IP) (*cache.ASNInfo, error) {
	if ip == nil {
		return nil, nil
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 2*t.timeout)
	defer cancel()

	query := fmt.Sprintf("%d.%d.%d.%d.origin.asn.cymru.com", ip4[3], ip4[2], ip4[1], ip4[0])

	records, err := net.DefaultResolver.LookupTXT(lookupCtx, query)
	if err != nil || len(records) == 0 {
		return nil, nil
	}

	info := parseTeamCymruResponse(records[0])
	if info == nil {
		return nil, nil
	}

	info.Org = t.lookupASName(lookupCtx, info.ASN)

	return info, nil
}

// lookupASName queries Team Cymru for the AS name, given an "AS<number>" id.
func (t *TeamCymruASN) lookupASName(ctx context.Context, asn string) string {
	if asn == "" {
		return ""
	}

	records, err := net.DefaultResolver.LookupTXT(ctx, asn+".asn.cymru.com")
	if err != nil || len(records) == 0 {
		return ""
	}

	// Format: "ASN | Country | Registry | Date | Name"
	parts := strings.Split(records[0], "|")
	if len(parts) >= 5 {
		return strings.TrimSpace(parts[4])
	}
	return ""
}

// Close releases resources.
func (t *TeamCymruASN) Close() error { return nil }

// parseTeamCymruResponse parses the origin TXT record response:
// "ASN | IP/Prefix | Country | Registry | Date". The ASN field is kept
// as an opaque token rather than parsed as an integer: multi-origin
// announcements report it space-separated (e.g. "15169 701"), which
// isn't a single number.
func parseTeamCymruResponse(txt string) *cache.ASNInfo {
	parts := strings.Split(txt, "|")
	if len(parts) < 3 {
		return nil
	}

	asnStr := strings.TrimSpace(parts[0])
	prefix := strings.TrimSpace(parts[1])
	country := strings.TrimSpace(parts[2])

	if asnStr == "" {
		return nil
	}

	return &cache.ASNInfo{
		ASN:     "AS" + asnStr,
		Prefix:  prefix,
		Country: country,
	}
}
