package enrich

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/xcvex/tracelens/internal/cache"
	"github.com/xcvex/tracelens/internal/classify"
)

// Result is the per-IP outcome of the enrichment orchestrator: reverse
// hostname, ASN/Geo records (nil when unavailable), the address-space
// class, and any diagnostic tags the classification itself contributes
// (e.g. "private", "cgnat").
type Result struct {
	Hostname string
	ASN      *cache.ASNInfo
	Geo      *cache.GeoInfo
	Class    classify.Class
	Tags     []string
}

// OrchestratorConfig holds configuration for the enrichment orchestrator.
type OrchestratorConfig struct {
	EnableRDNS  bool
	EnableASN   bool
	EnableGeoIP bool

	// CachePath overrides the default (~/.tracelens/cache.json). Empty
	// keeps the default; use an explicit path only for tests.
	CachePath string

	// CacheTTL is how long cached entries remain valid. Zero selects
	// cache.DefaultTTL (via cache.UnsetTTL); spec.md's "no-cache run"
	// mode is requested via NoCache, not by passing a zero TTL here.
	CacheTTL time.Duration

	// NoCache disables the persistent cache, per spec.md §6's --no-cache
	// flag: reads always miss, and writes only reach an in-memory map
	// that is never saved to disk.
	NoCache bool

	RDNSTimeout time.Duration
	ASNTimeout  time.Duration
	GeoTimeout  time.Duration
}

// DefaultOrchestratorConfig returns default orchestrator configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		EnableRDNS:  true,
		EnableASN:   true,
		EnableGeoIP: true,
		CacheTTL:    cache.DefaultTTL,
		RDNSTimeout: 2 * time.Second,
		ASNTimeout:  3 * time.Second,
		GeoTimeout:  5 * time.Second,
	}
}

// Orchestrator performs IP enrichment with rDNS, ASN, and GeoIP data,
// backed by the persistent cache.
type Orchestrator struct {
	config OrchestratorConfig
	cache  *cache.Cache
	rdns   *RDNSResolver
	asn    ASNLookup
	geo    GeoLookup
	sem    chan struct{}
}

// NewOrchestrator creates a new enrichment orchestrator.
func NewOrchestrator(config OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		config: config,
		sem:    make(chan struct{}, 10),
	}

	if config.NoCache {
		// A literal 0 TTL, not UnsetTTL: entries are never read back as
		// valid, so every lookup falls through to a live query.
		o.cache = cache.OpenAt("", 0)
	} else {
		ttl := config.CacheTTL
		if ttl == 0 {
			ttl = cache.UnsetTTL
		}
		if config.CachePath != "" {
			o.cache = cache.OpenAt(config.CachePath, ttl)
		} else {
			o.cache = cache.Open(ttl)
		}
	}

	if config.EnableRDNS {
		o.rdns = NewRDNSResolver(RDNSConfig{Timeout: config.RDNSTimeout})
	}
	if config.EnableASN {
		o.asn = NewTeamCymruASN(TeamCymruConfig{Timeout: config.ASNTimeout})
	}
	if config.EnableGeoIP {
		o.geo = NewIPAPIGeo(IPAPIConfig{Timeout: config.GeoTimeout})
	}

	return o
}

// EnrichIP runs the per-hop enrichment algorithm for a single responder
// IP, per spec.md §4.8:
//  1. classify the address;
//  2. if it's not globally routable, stop — no lookups are attempted;
//  3. read the persistent cache for any of the three record types;
//  4. fan out the lookups still missing, bounded by a shared semaphore;
//  5. merge results and write them back to the cache;
//  6. if geo is still absent but the ASN resolved a country, synthesize
//     a country-only GeoInfo from it.
func (o *Orchestrator) EnrichIP(ctx context.Context, ip net.IP) *Result {
	if ip == nil {
		return nil
	}

	class := classify.Classify(ip)
	result := &Result{Class: class}
	if tag := class.Tag(); tag != "" {
		result.Tags = append(result.Tags, tag)
	}
	if !class.EnrichmentEligible() {
		return result
	}

	ipStr := ip.String()

	if asn, ok := o.cache.GetASN(ipStr); ok {
		result.ASN = &asn
	}
	if geo, ok := o.cache.GetGeo(ipStr); ok {
		result.Geo = &geo
	}
	if ptr, ok := o.cache.GetPTR(ipStr); ok {
		result.Hostname = ptr
	}

	needASN := o.asn != nil && result.ASN == nil
	needGeo := o.geo != nil && result.Geo == nil
	needPTR := o.rdns != nil && result.Hostname == ""

	if needASN || needGeo || needPTR {
		o.fanOut(ctx, ip, result, needASN, needGeo, needPTR)
	}

	o.cache.Set(ipStr, result.ASN, result.Geo, strPtrOrNil(result.Hostname))

	if result.Geo == nil && result.ASN != nil && result.ASN.Country != "" {
		result.Geo = &cache.GeoInfo{CountryCode: result.ASN.Country}
	}

	return result
}

func (o *Orchestrator) fanOut(ctx context.Context, ip net.IP, result *Result, needASN, needGeo, needPTR bool) {
	var wg sync.WaitGroup
	var mu sync.Mutex

	if needASN {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.sem <- struct{}{}
			defer func() { <-o.sem }()

			asn, _ := o.asn.Lookup(ctx, ip)
			if asn != nil {
				mu.Lock()
				result.ASN = asn
				mu.Unlock()
			}
		}()
	}

	if needGeo {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.sem <- struct{}{}
			defer func() { <-o.sem }()

			geo, _ := o.geo.Lookup(ctx, ip)
			if geo != nil {
				mu.Lock()
				result.Geo = geo
				mu.Unlock()
			}
		}()
	}

	if needPTR {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.sem <- struct{}{}
			defer func() { <-o.sem }()

			hostname, _ := o.rdns.Lookup(ctx, ip)
			if hostname != "" {
				mu.Lock()
				result.Hostname = hostname
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Flush saves the persistent cache to disk. It is best-effort: a write
// failure is never fatal.
func (o *Orchestrator) Flush() {
	o.cache.Save()
}

// Close flushes the cache and releases resources held by the lookups.
func (o *Orchestrator) Close() error {
	o.Flush()
	if o.rdns != nil {
		o.rdns.Close()
	}
	if o.asn != nil {
		o.asn.Close()
	}
	if o.geo != nil {
		o.geo.Close()
	}
	return nil
}
