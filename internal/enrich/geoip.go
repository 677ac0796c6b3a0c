package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/xcvex/tracelens/internal/cache"
)

// geoBatchMax is the largest batch ip-api.com's /batch endpoint accepts
// in one request.
const geoBatchMax = 100

// geoBatchPause is the minimum delay between successive batch requests,
// to stay under ip-api.com's free-tier rate limit.
const geoBatchPause = time.Second

// GeoLookup defines the interface for GeoIP lookups.
type GeoLookup interface {
	Lookup(ctx context.Context, ip net.IP) (*cache.GeoInfo, error)
	LookupMany(ctx context.Context, ips []net.IP) (map[string]*cache.GeoInfo, error)
	Close() error
}

// IPAPIGeo implements GeoIP lookup using the free ip-api.com service.
// Rate limit: 45 requests per minute (free tier).
type IPAPIGeo struct {
	client *http.Client
}

// IPAPIConfig holds configuration for ip-api.com lookups.
type IPAPIConfig struct {
	Timeout time.Duration
}

// DefaultIPAPIConfig returns default configuration.
func DefaultIPAPIConfig() IPAPIConfig {
	return IPAPIConfig{Timeout: 5 * time.Second}
}

// NewIPAPIGeo creates a new ip-api.com GeoIP resolver.
func NewIPAPIGeo(config IPAPIConfig) *IPAPIGeo {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	return &IPAPIGeo{client: &http.Client{Timeout: config.Timeout}}
}

type geoQuery struct {
	Query  string `json:"query"`
	Fields string `json:"fields"`
}

type geoBatchResponse struct {
	Status      string  `json:"status"`
	Query       string  `json:"query"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// Lookup performs a GeoIP lookup for a single IP.
func (g *IPAPIGeo) Lookup(ctx context.Context, ip net.IP) (*cache.GeoInfo, error) {
	if ip == nil {
		return nil, nil
	}
	results, err := g.LookupMany(ctx, []net.IP{ip})
	if err != nil {
		return nil, err
	}
	return results[ip.String()], nil
}

// LookupMany performs GeoIP lookups for multiple IPs, using ip-api.com's
// batch endpoint: IPs are deduplicated, chunked into groups of up to 100,
// and POSTed as a JSON array. Between chunks the call pauses at least
// geoBatchPause to stay under the free-tier rate limit, per
// original_source/tracelens/enrichment/geo_lookup.py's lookup_many. A
// failed chunk falls back to per-IP GET requests.
func (g *IPAPIGeo) LookupMany(ctx context.Context, ips []net.IP) (map[string]*cache.GeoInfo, error) {
	results := make(map[string]*cache.GeoInfo)

	seen := make(map[string]bool)
	unique := make([]string, 0, len(ips))
	for _, ip := range ips {
		if ip == nil {
			continue
		}
		s := ip.String()
		if !seen[s] {
			seen[s] = true
			unique = append(unique, s)
		}
	}
	if len(unique) == 0 {
		return results, nil
	}

	for i := 0; i < len(unique); i += geoBatchMax {
		end := i + geoBatchMax
		if end > len(unique) {
			end = len(unique)
		}
		chunk := unique[i:end]

		if i > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(geoBatchPause):
			}
		}

		chunkResults, err := g.batchLookup(ctx, chunk)
		if err != nil {
			for _, ipStr := range chunk {
				if info, _ := g.individualLookup(ctx, ipStr); info != nil {
					results[ipStr] = info
				}
			}
			continue
		}
		for k, v := range chunkResults {
			results[k] = v
		}
	}

	return results, nil
}

func (g *IPAPIGeo) batchLookup(ctx context.Context, ips []string) (map[string]*cache.GeoInfo, error) {
	queries := make([]geoQuery, len(ips))
	for i, ip := range ips {
		queries[i] = geoQuery{Query: ip, Fields: "status,query,country,countryCode,city,lat,lon"}
	}

	body, err := json.Marshal(queries)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://ip-api.com/batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ip-api.com batch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var batch []geoBatchResponse
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}

	results := make(map[string]*cache.GeoInfo)
	for _, r := range batch {
		if r.Status != "success" {
			continue
		}
		results[r.Query] = &cache.GeoInfo{
			Country:     r.Country,
			CountryCode: r.CountryCode,
			City:        r.City,
			Lat:         r.Lat,
			Lon:         r.Lon,
		}
	}
	return results, nil
}

func (g *IPAPIGeo) individualLookup(ctx context.Context, ipStr string) (*cache.GeoInfo, error) {
	url := fmt.Sprintf("http://ip-api.com/json/%s?fields=status,country,countryCode,city,lat,lon", ipStr)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil
	}

	var r geoBatchResponse
	if err := json.Unmarshal(body, &r); err != nil || r.Status != "success" {
		return nil, nil
	}

	return &cache.GeoInfo{
		Country:     r.Country,
		CountryCode: r.CountryCode,
		City:        r.City,
		Lat:         r.Lat,
		Lon:         r.Lon,
	}, nil
}

// Close releases resources held by the GeoIP resolver.
func (g *IPAPIGeo) Close() error {
	g.client.CloseIdleConnections()
	return nil
}
