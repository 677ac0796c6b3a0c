package enrich

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestRDNSResolver(t *testing.T) {
	resolver := NewRDNSResolver(RDNSConfig{Timeout: 5 * time.Second})
	defer resolver.Close()

	ctx := context.Background()

	hostname, err := resolver.Lookup(ctx, net.ParseIP("127.0.0.1"))
	if err != nil {
		t.Logf("Localhost rDNS lookup returned error: %v", err)
	}
	t.Logf("127.0.0.1 -> %q", hostname)

	hostname, err = resolver.Lookup(ctx, nil)
	if err != nil {
		t.Errorf("nil IP lookup should not error: %v", err)
	}
	if hostname != "" {
		t.Errorf("nil IP should return empty hostname, got %q", hostname)
	}
}

func TestTeamCymruASN_NilIP(t *testing.T) {
	asn := NewTeamCymruASN(DefaultTeamCymruConfig())
	defer asn.Close()

	ctx := context.Background()
	info, err := asn.Lookup(ctx, nil)
	if err != nil {
		t.Errorf("nil IP lookup should not error: %v", err)
	}
	if info != nil {
		t.Error("nil IP should return nil ASN info")
	}
}

func TestTeamCymruASN_PublicIP(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping network test in short mode")
	}

	asn := NewTeamCymruASN(DefaultTeamCymruConfig())
	defer asn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := asn.Lookup(ctx, net.ParseIP("8.8.8.8"))
	if err != nil {
		t.Logf("ASN lookup for 8.8.8.8 error: %v", err)
		return
	}
	if info != nil {
		t.Logf("8.8.8.8 -> %s %s (%s)", info.ASN, info.Org, info.Country)
	}
}

func TestParseTeamCymruResponse(t *testing.T) {
	tests := []struct {
		input   string
		wantASN string
		wantCC  string
		wantNil bool
	}{
		{"15169 | 8.8.8.0/24 | US | arin | 2014-03-14", "AS15169", "US", false},
		{"15169 701 | 8.8.8.0/24 | US | arin | 2014-03-14", "AS15169 701", "US", false},
		{"invalid", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		result := parseTeamCymruResponse(tt.input)
		if tt.wantNil {
			if result != nil {
				t.Errorf("parseTeamCymruResponse(%q) = %v, want nil", tt.input, result)
			}
			continue
		}
		if result == nil {
			t.Errorf("parseTeamCymruResponse(%q) = nil, want non-nil", tt.input)
			continue
		}
		if result.ASN != tt.wantASN {
			t.Errorf("ASN = %q, want %q", result.ASN, tt.wantASN)
		}
		if result.Country != tt.wantCC {
			t.Errorf("Country = %q, want %q", result.Country, tt.wantCC)
		}
	}
}

func TestIPAPIGeo_PublicIP(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping network test in short mode")
	}

	geo := NewIPAPIGeo(DefaultIPAPIConfig())
	defer geo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := geo.Lookup(ctx, net.ParseIP("8.8.8.8"))
	if err != nil {
		t.Logf("GeoIP lookup for 8.8.8.8 error: %v", err)
		return
	}
	if info != nil {
		t.Logf("8.8.8.8 -> %s, %s (%s)", info.City, info.Country, info.CountryCode)
	}
}

func TestOrchestrator_PrivateIPSkipsLookups(t *testing.T) {
	dir := t.TempDir()
	config := DefaultOrchestratorConfig()
	config.CachePath = filepath.Join(dir, "cache.json")
	o := NewOrchestrator(config)
	defer o.Close()

	ctx := context.Background()
	result := o.EnrichIP(ctx, net.ParseIP("192.168.1.1"))

	if result.ASN != nil {
		t.Error("private IP should not have ASN info")
	}
	if result.Geo != nil {
		t.Error("private IP should not have GeoIP info")
	}
	if len(result.Tags) == 0 || result.Tags[0] != "private" {
		t.Errorf("expected private tag, got %v", result.Tags)
	}
}

func TestOrchestrator_Disabled(t *testing.T) {
	dir := t.TempDir()
	config := OrchestratorConfig{CachePath: filepath.Join(dir, "cache.json")}
	o := NewOrchestrator(config)
	defer o.Close()

	ctx := context.Background()
	result := o.EnrichIP(ctx, net.ParseIP("8.8.8.8"))

	if result.Hostname != "" {
		t.Error("rDNS should be disabled")
	}
	if result.ASN != nil {
		t.Error("ASN should be disabled")
	}
	if result.Geo != nil {
		t.Error("GeoIP should be disabled")
	}
}

func TestOrchestrator_NilIP(t *testing.T) {
	dir := t.TempDir()
	config := DefaultOrchestratorConfig()
	config.CachePath = filepath.Join(dir, "cache.json")
	o := NewOrchestrator(config)
	defer o.Close()

	if o.EnrichIP(context.Background(), nil) != nil {
		t.Error("nil IP should return nil result")
	}
}
