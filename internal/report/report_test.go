package report

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/xcvex/tracelens/internal/cache"
	"github.com/xcvex/tracelens/internal/classify"
	"github.com/xcvex/tracelens/internal/diagnose"
	"github.com/xcvex/tracelens/internal/trace"
)

func f(v float64) *float64 { return &v }

func sampleResult() *trace.Result {
	avg1, min1, max1 := f(1.0001), f(0.999), f(1.234)
	avg2 := f(32.3333)

	return &trace.Result{
		Target:      "example.com",
		ResolvedIP:  net.ParseIP("93.184.216.34"),
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ProbeMethod: "icmp",
		Completed:   true,
		Hops: []*trace.Hop{
			{
				Number:  1,
				IP:      net.ParseIP("10.0.0.1"),
				RTTs:    []*float64{min1, avg1, max1},
				MinRTT:  min1,
				AvgRTT:  avg1,
				MaxRTT:  max1,
				IPClass: classify.ClassPrivate,
				Tags:    []string{"private"},
			},
			{
				Number:   2,
				IP:       net.ParseIP("93.184.216.34"),
				Hostname: "example.com",
				ASN:      &cache.ASNInfo{ASN: "AS15133", Org: "Edgecast Inc.", Country: "US"},
				Geo:      &cache.GeoInfo{Country: "United States", CountryCode: "US", City: "Los Angeles", Lat: 34.05, Lon: -118.25},
				RTTs:     []*float64{avg2, avg2, avg2},
				MinRTT:   avg2,
				AvgRTT:   avg2,
				MaxRTT:   avg2,
				IPClass:  classify.ClassPublic,
				Reached:  true,
				Tags:     []string{"destination"},
			},
		},
	}
}

func TestBuild_FieldRounding(t *testing.T) {
	result := sampleResult()
	d := diagnose.Diagnosis{
		Reachable:    true,
		TotalHops:    2,
		AvgRTTMs:     f(32.3333),
		FilteredHops: []int{},
		LatencyJumps: []diagnose.LatencyJump{{Hop: 2, DeltaMs: 31.333}},
		Issues:       []string{},
	}

	r := Build(result, d, 80, "2026-01-02T03:04:05Z")

	if r.Target != "example.com" {
		t.Errorf("Target = %q", r.Target)
	}
	if r.ResolvedIP != "93.184.216.34" {
		t.Errorf("ResolvedIP = %q", r.ResolvedIP)
	}
	if r.Protocol != "icmp" {
		t.Errorf("Protocol = %q", r.Protocol)
	}
	if r.Port != 80 {
		t.Errorf("Port = %d", r.Port)
	}

	hop1 := r.Hops[0]
	if *hop1.RTTAvg != 1.0 {
		t.Errorf("hop1 RTTAvg = %v, want 1.0 (rounded from 1.0001)", *hop1.RTTAvg)
	}
	if *hop1.RTTMax != 1.23 {
		t.Errorf("hop1 RTTMax = %v, want 1.23 (rounded from 1.234)", *hop1.RTTMax)
	}
	if hop1.IPType != "private" {
		t.Errorf("hop1 IPType = %q, want private", hop1.IPType)
	}

	hop2 := r.Hops[1]
	if *hop2.RTTAvg != 32.33 {
		t.Errorf("hop2 RTTAvg = %v, want 32.33 (rounded from 32.3333)", *hop2.RTTAvg)
	}
	if hop2.ASN != "AS15133" {
		t.Errorf("hop2 ASN = %q", hop2.ASN)
	}
	if hop2.Geo == nil || hop2.Geo.City != "Los Angeles" {
		t.Errorf("hop2 Geo = %+v", hop2.Geo)
	}
	if hop2.IPType != "public" {
		t.Errorf("hop2 IPType = %q, want public", hop2.IPType)
	}

	if r.Diagnosis.LatencyJumps[0].DeltaMs != 31.3 {
		t.Errorf("diagnosis jump delta = %v, want 31.3 (rounded from 31.333)", r.Diagnosis.LatencyJumps[0].DeltaMs)
	}
}

func TestReport_JSONRoundTrip(t *testing.T) {
	result := sampleResult()
	d := diagnose.Analyze(result.Hops)

	r := Build(result, d, 80, "2026-01-02T03:04:05Z")

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if decoded.Target != r.Target {
		t.Errorf("Target round-trip: got %q, want %q", decoded.Target, r.Target)
	}
	if decoded.ResolvedIP != r.ResolvedIP {
		t.Errorf("ResolvedIP round-trip: got %q, want %q", decoded.ResolvedIP, r.ResolvedIP)
	}
	if len(decoded.Hops) != len(r.Hops) {
		t.Fatalf("len(Hops) round-trip: got %d, want %d", len(decoded.Hops), len(r.Hops))
	}
	for i := range r.Hops {
		if decoded.Hops[i].Hop != r.Hops[i].Hop {
			t.Errorf("hop %d Hop round-trip mismatch", i)
		}
		if decoded.Hops[i].IP != r.Hops[i].IP {
			t.Errorf("hop %d IP round-trip mismatch", i)
		}
		if (decoded.Hops[i].RTTAvg == nil) != (r.Hops[i].RTTAvg == nil) {
			t.Errorf("hop %d RTTAvg presence round-trip mismatch", i)
		} else if decoded.Hops[i].RTTAvg != nil && *decoded.Hops[i].RTTAvg != *r.Hops[i].RTTAvg {
			t.Errorf("hop %d RTTAvg round-trip mismatch: got %v, want %v", i, *decoded.Hops[i].RTTAvg, *r.Hops[i].RTTAvg)
		}
	}
	if decoded.Diagnosis.Reachable != r.Diagnosis.Reachable {
		t.Errorf("Diagnosis.Reachable round-trip mismatch")
	}
}

func TestRoundFloat(t *testing.T) {
	tests := []struct {
		val       float64
		precision int
		want      float64
	}{
		{1.005, 2, 1.0},
		{1.2345, 2, 1.23},
		{148.666, 1, 148.7},
		{-1.55, 1, -1.6},
		{0, 2, 0},
	}

	for _, tt := range tests {
		got := roundFloat(tt.val, tt.precision)
		if got != tt.want {
			t.Errorf("roundFloat(%v, %d) = %v, want %v", tt.val, tt.precision, got, tt.want)
		}
	}
}
