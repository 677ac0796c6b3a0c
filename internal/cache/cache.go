// Package cache implements the persistent, on-disk IP metadata cache.
//
// It is the only cache in front of the enrichment lookups (internal/enrich
// keeps no in-process memo of its own) and it survives across runs: entries are written to a single JSON document under the
// user's home directory and merged field-by-field on every write, so a
// later PTR-only update never clobbers an earlier ASN or Geo record.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultTTL is how long a cache entry stays valid after its last write.
const DefaultTTL = 7 * 24 * time.Hour

// UnsetTTL tells Open/OpenAt "no TTL was configured, use DefaultTTL". It
// is distinct from a caller-supplied 0, which means "never read as
// valid" (the --no-cache policy) and must survive construction
// unchanged.
const UnsetTTL time.Duration = -1

// ASNInfo is the ASN sub-record stored in a cache entry.
type ASNInfo struct {
	ASN     string `json:"asn,omitempty"`
	Org     string `json:"org,omitempty"`
	Prefix  string `json:"prefix,omitempty"`
	Country string `json:"asn_country,omitempty"`
}

// GeoInfo is the geolocation sub-record stored in a cache entry.
type GeoInfo struct {
	Country     string  `json:"geo_country,omitempty"`
	CountryCode string  `json:"geo_country_code,omitempty"`
	City        string  `json:"geo_city,omitempty"`
	Lat         float64 `json:"geo_lat,omitempty"`
	Lon         float64 `json:"geo_lon,omitempty"`
}

// entry is the on-disk shape for one cached IP, matching spec.md §6's
// cache file schema exactly (flat keys, not nested sub-objects).
type entry struct {
	Timestamp int64 `json:"_ts"`

	ASN     string `json:"asn,omitempty"`
	Org     string `json:"org,omitempty"`
	Prefix  string `json:"prefix,omitempty"`
	ASNCC   string `json:"asn_country,omitempty"`

	GeoCountry string  `json:"geo_country,omitempty"`
	GeoCC      string  `json:"geo_country_code,omitempty"`
	GeoCity    string  `json:"geo_city,omitempty"`
	GeoLat     float64 `json:"geo_lat,omitempty"`
	GeoLon     float64 `json:"geo_lon,omitempty"`

	PTR string `json:"ptr,omitempty"`

	hasASN bool
	hasGeo bool
	hasPTR bool
}

// Cache is the persistent IP metadata store. One instance is owned by the
// enrichment orchestrator for the lifetime of a single trace process.
type Cache struct {
	mu      sync.Mutex
	path    string
	ttl     time.Duration
	entries map[string]entry
	dirty   bool
}

// Open loads the cache at the default path (~/.tracelens/cache.json),
// sweeping expired entries. A missing or corrupt file is never an error —
// it yields an empty cache, matching the CacheIO "degrade to in-memory
// only" disposition.
func Open(ttl time.Duration) *Cache {
	path, err := defaultPath()
	if err != nil {
		path = ""
	}
	return OpenAt(path, ttl)
}

// OpenAt loads the cache at an explicit path. Passing "" disables disk
// persistence entirely (reads/writes only affect the in-memory map).
// ttl == UnsetTTL requests DefaultTTL; ttl == 0 is preserved as-is and
// makes every entry permanently invalid (see valid).
func OpenAt(path string, ttl time.Duration) *Cache {
	if ttl == UnsetTTL {
		ttl = DefaultTTL
	}
	c := &Cache{
		path:    path,
		ttl:     ttl,
		entries: make(map[string]entry),
	}
	c.load()
	return c
}

func defaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tracelens", "cache.json"), nil
}

func (c *Cache) load() {
	if c.path == "" {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var raw map[string]entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	now := time.Now().Unix()
	removed := false
	for ip, e := range raw {
		if now-e.Timestamp >= int64(c.ttl.Seconds()) {
			removed = true
			continue
		}
		e.hasASN = e.ASN != ""
		e.hasGeo = e.GeoCountry != "" || e.GeoCC != "" || e.GeoCity != "" || e.GeoLat != 0 || e.GeoLon != 0
		e.hasPTR = e.PTR != ""
		c.entries[ip] = e
	}
	if removed {
		c.dirty = true
	}
}

// valid reports whether an entry is still within TTL. A TTL of 0 means
// "no caching": entries never read as valid even if freshly written.
// This path is live: OpenAt preserves a caller-supplied 0 rather than
// normalizing it to DefaultTTL, so --no-cache actually reaches here.
func (c *Cache) valid(e entry) bool {
	if c.ttl == 0 {
		return false
	}
	return time.Now().Unix()-e.Timestamp < int64(c.ttl.Seconds())
}

// GetASN returns the cached ASN record for ip, if present and fresh.
func (c *Cache) GetASN(ip string) (ASNInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ip]
	if !ok || !c.valid(e) || !e.hasASN {
		return ASNInfo{}, false
	}
	return ASNInfo{ASN: e.ASN, Org: e.Org, Prefix: e.Prefix, Country: e.ASNCC}, true
}

// GetGeo returns the cached geolocation record for ip, if present and fresh.
func (c *Cache) GetGeo(ip string) (GeoInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ip]
	if !ok || !c.valid(e) || !e.hasGeo {
		return GeoInfo{}, false
	}
	return GeoInfo{Country: e.GeoCountry, CountryCode: e.GeoCC, City: e.GeoCity, Lat: e.GeoLat, Lon: e.GeoLon}, true
}

// GetPTR returns the cached reverse-DNS hostname for ip, if present and fresh.
func (c *Cache) GetPTR(ip string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ip]
	if !ok || !c.valid(e) || !e.hasPTR {
		return "", false
	}
	return e.PTR, true
}

// Set merges asn/geo/ptr into ip's entry, leaving any field not passed
// (nil) untouched. This is the field-wise "merge, not replace" write the
// spec requires so concurrent partial lookups never clobber each other.
func (c *Cache) Set(ip string, asn *ASNInfo, geo *GeoInfo, ptr *string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[ip]
	e.Timestamp = time.Now().Unix()

	if asn != nil {
		e.ASN, e.Org, e.Prefix, e.ASNCC = asn.ASN, asn.Org, asn.Prefix, asn.Country
		e.hasASN = true
	}
	if geo != nil {
		e.GeoCountry, e.GeoCC, e.GeoCity, e.GeoLat, e.GeoLon = geo.Country, geo.CountryCode, geo.City, geo.Lat, geo.Lon
		e.hasGeo = true
	}
	if ptr != nil {
		e.PTR = *ptr
		e.hasPTR = true
	}

	c.entries[ip] = e
	c.dirty = true
}

// Save flushes the cache to disk. It is a no-op unless the cache was
// modified since load, and write failures are swallowed — the cache is
// best-effort per the CacheIO disposition in spec.md §7.
func (c *Cache) Save() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty || c.path == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return
	}
	c.dirty = false
}
