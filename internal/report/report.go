// Package report builds the JSON report document described in the
// external-interfaces contract and serializes it to disk.
package report

import (
	"encoding/json"
	"os"

	"github.com/xcvex/tracelens/internal/classify"
	"github.com/xcvex/tracelens/internal/diagnose"
	"github.com/xcvex/tracelens/internal/trace"
)

// Generator identifies this tool in the meta block.
const Generator = "tracelens"

// Version is the report schema/tool version, overridable at build time
// via the same ldflags mechanism as the CLI's own version string.
var Version = "dev"

// Meta carries provenance information about how the report was produced.
type Meta struct {
	Version     string   `json:"version"`
	Generator   string   `json:"generator"`
	DataSources []string `json:"data_sources"`
	GeneratedAt string   `json:"generated_at"`
}

// Geo is the JSON-serializable geographic sub-record for one hop.
type Geo struct {
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	City        string  `json:"city,omitempty"`
	Lat         float64 `json:"lat,omitempty"`
	Lon         float64 `json:"lon,omitempty"`
}

// Hop is the JSON-serializable representation of one traced hop.
type Hop struct {
	Hop     int        `json:"hop"`
	IP      string     `json:"ip,omitempty"`
	Probes  []*float64 `json:"probes"`
	RTTMin  *float64   `json:"rtt_min,omitempty"`
	RTTAvg  *float64   `json:"rtt_avg,omitempty"`
	RTTMax  *float64   `json:"rtt_max,omitempty"`
	PTR     string     `json:"ptr,omitempty"`
	ASN     string     `json:"asn,omitempty"`
	Org     string     `json:"org,omitempty"`
	Geo     *Geo       `json:"geo,omitempty"`
	IPType  string     `json:"ip_type,omitempty"`
	Tags    []string   `json:"tags"`
}

// LatencyJump is the JSON {hop, delta_ms} pair for one detected jump.
type LatencyJump struct {
	Hop     int     `json:"hop"`
	DeltaMs float64 `json:"delta_ms"`
}

// Diagnosis is the JSON-serializable diagnosis block.
type Diagnosis struct {
	Reachable    bool          `json:"reachable"`
	TotalHops    int           `json:"total_hops"`
	AvgRTTMs     *float64      `json:"avg_rtt_ms,omitempty"`
	FilteredHops []int         `json:"filtered_hops"`
	LatencyJumps []LatencyJump `json:"latency_jumps"`
	EgressHop    *int          `json:"egress_hop,omitempty"`
	Summary      []string      `json:"summary"`
}

// Report is the top-level JSON document written to the --json path.
type Report struct {
	Meta       Meta      `json:"meta"`
	Target     string    `json:"target"`
	ResolvedIP string    `json:"resolved_ip"`
	Protocol   string    `json:"protocol"`
	Port       int       `json:"port"`
	Timestamp  string    `json:"timestamp"`
	Hops       []Hop     `json:"hops"`
	Diagnosis  Diagnosis `json:"diagnosis"`
}

// dataSources lists the external services a fully-enriched trace may
// have consulted; used verbatim in the meta block regardless of whether
// a given run actually reached every source (a cache hit skips the
// network call but the source is still the record's provenance).
var dataSources = []string{
	"cymru-asn-dns",
	"ip-api.com",
}

// Build assembles a Report from a completed trace result and its
// diagnosis. generatedAt and the trace's own Timestamp are both
// formatted as RFC3339 (ISO 8601).
func Build(result *trace.Result, d diagnose.Diagnosis, port int, generatedAt string) *Report {
	r := &Report{
		Meta: Meta{
			Version:     Version,
			Generator:   Generator,
			DataSources: dataSources,
			GeneratedAt: generatedAt,
		},
		Target:     result.Target,
		Protocol:   result.ProbeMethod,
		Port:       port,
		Timestamp:  result.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		Hops:       make([]Hop, len(result.Hops)),
		Diagnosis:  buildDiagnosis(d),
	}
	if result.ResolvedIP != nil {
		r.ResolvedIP = result.ResolvedIP.String()
	}

	for i, hop := range result.Hops {
		r.Hops[i] = buildHop(hop)
	}

	return r
}

func buildHop(hop *trace.Hop) Hop {
	jh := Hop{
		Hop:    hop.Number,
		Probes: make([]*float64, len(hop.RTTs)),
		RTTMin: round2(hop.MinRTT),
		RTTAvg: round2(hop.AvgRTT),
		RTTMax: round2(hop.MaxRTT),
		Tags:   hop.Tags,
	}
	if jh.Tags == nil {
		jh.Tags = []string{}
	}

	for i, rtt := range hop.RTTs {
		jh.Probes[i] = round2(rtt)
	}

	if hop.IP != nil {
		jh.IP = hop.IP.String()
	}
	jh.PTR = hop.Hostname

	if hop.ASN != nil {
		jh.ASN = hop.ASN.ASN
		jh.Org = hop.ASN.Org
	}

	if hop.Geo != nil {
		jh.Geo = &Geo{
			Country:     hop.Geo.Country,
			CountryCode: hop.Geo.CountryCode,
			City:        hop.Geo.City,
			Lat:         hop.Geo.Lat,
			Lon:         hop.Geo.Lon,
		}
	}

	if hop.IPClass != classify.ClassUnknown {
		jh.IPType = hop.IPClass.String()
	}

	return jh
}

func buildDiagnosis(d diagnose.Diagnosis) Diagnosis {
	out := Diagnosis{
		Reachable:    d.Reachable,
		TotalHops:    d.TotalHops,
		AvgRTTMs:     round2(d.AvgRTTMs),
		FilteredHops: d.FilteredHops,
		LatencyJumps: make([]LatencyJump, len(d.LatencyJumps)),
		EgressHop:    d.EgressHop,
		Summary:      d.Issues,
	}
	if out.FilteredHops == nil {
		out.FilteredHops = []int{}
	}
	if out.Summary == nil {
		out.Summary = []string{}
	}
	for i, jump := range d.LatencyJumps {
		out.LatencyJumps[i] = LatencyJump{Hop: jump.Hop, DeltaMs: roundFloat(jump.DeltaMs, 1)}
	}
	return out
}

// round2 rounds an optional RTT to 2 decimal places, per §6's "numeric
// RTTs rounded to 2 decimal places".
func round2(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := roundFloat(*v, 2)
	return &r
}

// roundFloat rounds val to the given number of decimal places, in the
// teacher's own non-strconv style.
func roundFloat(val float64, precision int) float64 {
	p := 1.0
	for i := 0; i < precision; i++ {
		p *= 10
	}
	if val < 0 {
		return -float64(int(-val*p+0.5)) / p
	}
	return float64(int(val*p+0.5)) / p
}

// WriteFile marshals the report as indented JSON and writes it to path.
func WriteFile(r *Report, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
