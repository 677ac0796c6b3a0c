// Package diagnose runs a post-trace analysis pass over a completed hop
// sequence: it tags individual hops with diagnostic labels and builds a
// human-readable summary of what the trace found.
package diagnose

import (
	"fmt"
	"math"

	"github.com/xcvex/tracelens/internal/trace"
)

// Default thresholds, all in milliseconds unless noted.
const (
	LatencyJumpThresholdMs         = 80
	InternationalEgressThresholdMs = 120
	HighJitterThresholdMs          = 100
	SpikeMultiplier                = 2.0
	SpikeAbsoluteThresholdMs       = 300
)

// LatencyJump records a TTL and the RTT increase observed there relative
// to the previous responsive hop.
type LatencyJump struct {
	Hop     int     `json:"hop"`
	DeltaMs float64 `json:"delta_ms"`
}

// Diagnosis is the summary produced by Analyze.
type Diagnosis struct {
	Reachable    bool          `json:"reachable"`
	TotalHops    int           `json:"total_hops"`
	AvgRTTMs     *float64      `json:"avg_rtt_ms,omitempty"`
	FilteredHops []int         `json:"filtered_hops"`
	LatencyJumps []LatencyJump `json:"latency_jumps"`
	EgressHop    *int          `json:"egress_hop,omitempty"`
	Issues       []string      `json:"summary"`
}

// Thresholds bundles the tunable diagnostic cutoffs, defaulting to the
// package constants.
type Thresholds struct {
	LatencyJumpMs   float64
	EgressMs        float64
	JitterMs        float64
	SpikeMultiplier float64
	SpikeAbsoluteMs float64
}

// DefaultThresholds returns the default threshold set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LatencyJumpMs:   LatencyJumpThresholdMs,
		EgressMs:        InternationalEgressThresholdMs,
		JitterMs:        HighJitterThresholdMs,
		SpikeMultiplier: SpikeMultiplier,
		SpikeAbsoluteMs: SpikeAbsoluteThresholdMs,
	}
}

// hasTag reports whether tags already contains s.
func hasTag(tags []string, s string) bool {
	for _, t := range tags {
		if t == s {
			return true
		}
	}
	return false
}

func addTag(hop *trace.Hop, tag string) {
	if !hasTag(hop.Tags, tag) {
		hop.Tags = append(hop.Tags, tag)
	}
}

// Tag mutates hops in place, running the three tagging passes described
// in the diagnostics design: filtering, latency, then jitter/spike, and
// finally marking the destination hop.
func Tag(hops []*trace.Hop) {
	TagWithThresholds(hops, DefaultThresholds())
}

// TagWithThresholds is Tag parameterized on explicit thresholds, used by
// tests that exercise non-default cutoffs.
func TagWithThresholds(hops []*trace.Hop, th Thresholds) {
	tagFiltering(hops)
	tagLatency(hops, th)
	tagJitter(hops, th)

	if len(hops) > 0 && hops[len(hops)-1].Reached {
		addTag(hops[len(hops)-1], "destination")
	}
}

// tagFiltering tags hops whose probes all timed out and which produced no
// responder IP: "icmp_filtered" if a later hop did respond, "unreachable"
// if it's the final hop and the trace never reached the target.
func tagFiltering(hops []*trace.Hop) {
	lastResponseIdx := -1
	for i, hop := range hops {
		if hop.IP != nil {
			lastResponseIdx = i
		}
	}

	for i, hop := range hops {
		if !allTimeout(hop) || hop.IP != nil {
			continue
		}
		switch {
		case i < lastResponseIdx:
			addTag(hop, "icmp_filtered")
		case i == len(hops)-1 && !hop.Reached:
			addTag(hop, "unreachable")
		}
	}
}

func allTimeout(hop *trace.Hop) bool {
	if len(hop.RTTs) == 0 {
		return true
	}
	for _, r := range hop.RTTs {
		if r != nil {
			return false
		}
	}
	return true
}

// tagLatency walks the sequence carrying the mean RTT of the last hop
// that had one, tagging "latency_jump" (and "international_egress" for
// the larger threshold) wherever the current hop's mean rises sharply
// above it.
func tagLatency(hops []*trace.Hop, th Thresholds) {
	var prevAvg *float64

	for _, hop := range hops {
		curr := hop.AvgRTT

		if curr != nil && prevAvg != nil {
			delta := *curr - *prevAvg

			switch {
			case delta >= th.EgressMs:
				addTag(hop, "latency_jump")
				addTag(hop, "international_egress")
			case delta >= th.LatencyJumpMs:
				addTag(hop, "latency_jump")
			}
		}

		if curr != nil {
			prevAvg = curr
		}
	}
}

// tagJitter tags hops whose probe spread is wide ("high_jitter") or that
// contain a single outsized probe ("spike").
func tagJitter(hops []*trace.Hop, th Thresholds) {
	for _, hop := range hops {
		var valid []float64
		for _, r := range hop.RTTs {
			if r != nil {
				valid = append(valid, *r)
			}
		}
		if len(valid) < 2 {
			continue
		}

		min, max, sum := valid[0], valid[0], 0.0
		for _, v := range valid {
			sum += v
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		avg := sum / float64(len(valid))

		if max-min > th.JitterMs {
			addTag(hop, "high_jitter")
		}

		for _, v := range valid {
			if v > avg*th.SpikeMultiplier && v > th.SpikeAbsoluteMs {
				addTag(hop, "spike")
				break
			}
		}
	}
}

// Analyze builds a Diagnosis summarizing the (already tagged) hop
// sequence. It can be run before or after Tag — it recomputes filtering
// and latency-jump detection independently rather than reading hop.Tags,
// since the Diagnosis shape (TTL/delta pairs, an egress TTL) carries more
// structure than a tag string does.
func Analyze(hops []*trace.Hop) Diagnosis {
	d := Diagnosis{
		FilteredHops: []int{},
		LatencyJumps: []LatencyJump{},
		Issues:       []string{},
	}
	if len(hops) == 0 {
		return d
	}

	th := DefaultThresholds()

	last := hops[len(hops)-1]
	d.Reachable = last.Reached
	d.TotalHops = len(hops)
	if last.AvgRTT != nil {
		avg := *last.AvgRTT
		d.AvgRTTMs = &avg
	}

	detectFiltering(hops, &d)
	detectLatencyJumps(hops, &d, th)
	generateIssues(&d, th)

	return d
}

func detectFiltering(hops []*trace.Hop, d *Diagnosis) {
	lastResponseIdx := -1
	for i, hop := range hops {
		if hop.IP != nil {
			lastResponseIdx = i
		}
	}

	for i, hop := range hops {
		if allTimeout(hop) && hop.IP == nil && i < lastResponseIdx {
			d.FilteredHops = append(d.FilteredHops, hop.Number)
		}
	}
}

func detectLatencyJumps(hops []*trace.Hop, d *Diagnosis, th Thresholds) {
	var prevAvg *float64

	for _, hop := range hops {
		curr := hop.AvgRTT

		if curr != nil && prevAvg != nil {
			delta := *curr - *prevAvg

			if delta >= th.LatencyJumpMs {
				rounded := math.Round(delta*10) / 10
				d.LatencyJumps = append(d.LatencyJumps, LatencyJump{Hop: hop.Number, DeltaMs: rounded})

				if delta >= th.EgressMs && d.EgressHop == nil {
					egress := hop.Number
					d.EgressHop = &egress
				}
			}
		}

		if curr != nil {
			prevAvg = curr
		}
	}
}

func generateIssues(d *Diagnosis, th Thresholds) {
	if !d.Reachable {
		d.Issues = append(d.Issues, "Target unreachable")
	}

	if len(d.FilteredHops) > 0 {
		n := len(d.FilteredHops)
		shown := d.FilteredHops
		if n > 5 {
			shown = shown[:5]
		}
		hopsStr := joinInts(shown)
		if n > 5 {
			hopsStr += fmt.Sprintf(" (+%d more)", n-5)
		}
		d.Issues = append(d.Issues, fmt.Sprintf("ICMP filtering detected at hop(s): %s", hopsStr))
	}

	for _, jump := range d.LatencyJumps {
		if jump.DeltaMs >= th.EgressMs {
			d.Issues = append(d.Issues, fmt.Sprintf("Latency jump +%gms at hop %d (likely international transit)", jump.DeltaMs, jump.Hop))
		} else {
			d.Issues = append(d.Issues, fmt.Sprintf("Latency jump +%gms at hop %d", jump.DeltaMs, jump.Hop))
		}
	}
}

func joinInts(vs []int) string {
	s := ""
	for i, v := range vs {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d", v)
	}
	return s
}
