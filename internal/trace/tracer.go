// Package trace provides traceroute functionality.
package trace

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/xcvex/tracelens/internal/enrich"
	"github.com/xcvex/tracelens/internal/probe"
)

// Tracer performs network path tracing operations.
type Tracer struct {
	config       *Config
	prober       probe.Prober
	orchestrator *enrich.Orchestrator
}

// New creates a new Tracer with the given configuration.
func New(config *Config) (*Tracer, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	var prober probe.Prober
	var err error

	switch config.ProbeMethod {
	case ProbeICMP:
		prober, err = probe.NewICMPProber(probe.ICMPProberConfig{
			Timeout: config.Timeout,
		})
	case ProbeUDP:
		prober, err = probe.NewUDPProber(probe.UDPProberConfig{
			Timeout:  config.Timeout,
			BasePort: config.DestPort,
		})
	case ProbeTCP:
		prober, err = probe.NewTCPProber(probe.TCPProberConfig{
			Timeout: config.Timeout,
			Port:    config.DestPort,
		})
	default:
		return nil, ErrProtocolUnsupported
	}

	if err != nil {
		if err == probe.ErrPermissionDenied {
			return nil, ErrPrivilegeDenied
		}
		return nil, fmt.Errorf("failed to create prober: %w", err)
	}

	var orchestrator *enrich.Orchestrator
	if config.EnableEnrichment {
		oc := enrich.DefaultOrchestratorConfig()
		oc.EnableRDNS = config.EnableRDNS
		oc.EnableASN = config.EnableASN
		oc.EnableGeoIP = config.EnableGeoIP
		oc.NoCache = config.NoCache
		orchestrator = enrich.NewOrchestrator(oc)
	}

	return &Tracer{
		config:       config,
		prober:       prober,
		orchestrator: orchestrator,
	}, nil
}

// Trace performs a traceroute to the specified target. The configured
// OnHop callback, if any, is invoked exactly once per hop, in order,
// before the next TTL begins probing.
func (t *Tracer) Trace(ctx context.Context, target string) (*Result, error) {
	dest, err := t.resolveTarget(ctx, target)
	if err != nil {
		return nil, err
	}

	hops, err := t.traceSequential(ctx, dest)
	if err != nil {
		return nil, err
	}

	return t.buildResult(target, dest, hops), nil
}

// Close flushes the enrichment cache and releases resources held by the
// tracer.
func (t *Tracer) Close() error {
	var errs []error

	if t.prober != nil {
		if err := t.prober.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if t.orchestrator != nil {
		if err := t.orchestrator.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// resolveTarget resolves a hostname or IP string to an IPv4 net.IP.
func (t *Tracer) resolveTarget(ctx context.Context, target string) (net.IP, error) {
	if ip := net.ParseIP(target); ip != nil {
		if ip.To4() == nil {
			return nil, fmt.Errorf("%s is an IPv6 address, only IPv4 is supported: %w", target, ErrResolveFailed)
		}
		return ip, nil
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", target, ErrResolveFailed)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPv4 addresses found for %s: %w", target, ErrResolveFailed)
	}

	return ips[0], nil
}

// traceSequential performs a sequential traceroute: within a hop, probes
// run strictly in order; each hop is fully probed, enriched, and handed
// to OnHop before the next TTL begins.
func (t *Tracer) traceSequential(ctx context.Context, dest net.IP) ([]*Hop, error) {
	hops := make([]*Hop, 0, t.config.MaxHops)

	for ttl := t.config.FirstHop; ttl <= t.config.MaxHops; ttl++ {
		select {
		case <-ctx.Done():
			return hops, ctx.Err()
		default:
		}

		hop := t.probeHop(ctx, dest, ttl)

		if hop.IP != nil && t.orchestrator != nil {
			if result := t.orchestrator.EnrichIP(ctx, hop.IP); result != nil {
				hop.Hostname = result.Hostname
				hop.ASN = result.ASN
				hop.Geo = result.Geo
				hop.IPClass = result.Class
				hop.Tags = append(hop.Tags, result.Tags...)
			}
		}

		if t.config.OnHop != nil {
			t.config.OnHop(hop)
		}

		hops = append(hops, hop)

		if hop.Reached {
			break
		}
	}

	return hops, nil
}

// probeHop sends ProbeCount probes for a single hop, strictly sequentially,
// and aggregates the results.
func (t *Tracer) probeHop(ctx context.Context, dest net.IP, ttl int) *Hop {
	hop := &Hop{
		Number: ttl,
		RTTs:   make([]*float64, 0, t.config.ProbeCount),
	}

	var lastIP net.IP

probeLoop:
	for i := 0; i < t.config.ProbeCount; i++ {
		select {
		case <-ctx.Done():
			break probeLoop
		default:
		}

		result, err := t.prober.Probe(ctx, dest, ttl)
		if err != nil {
			hop.RTTs = append(hop.RTTs, nil)
			continue
		}

		rtt := float64(result.RTT.Microseconds()) / 1000.0
		hop.RTTs = append(hop.RTTs, &rtt)
		hop.Responded = true

		if result.ResponseIP != nil {
			lastIP = result.ResponseIP
		}
		if result.Terminal {
			hop.Reached = true
		}
	}

	if lastIP != nil {
		hop.IP = lastIP
	}

	hop.AvgRTT, hop.MinRTT, hop.MaxRTT, hop.Jitter = calculateRTTStats(hop.RTTs)
	hop.LossPercent = calculateLossPercent(hop.RTTs)

	return hop
}

// buildResult creates a Result from the collected hops.
func (t *Tracer) buildResult(target string, dest net.IP, hops []*Hop) *Result {
	result := &Result{
		Target:      target,
		ResolvedIP:  dest,
		Timestamp:   time.Now(),
		ProbeMethod: t.prober.Name(),
		Hops:        hops,
	}

	if len(hops) > 0 && hops[len(hops)-1].Reached {
		result.Completed = true
	}

	return result
}

// calculateRTTStats calculates RTT statistics from a slice of RTT values.
// A nil entry is a timeout and excluded from the calculation; all stats
// are nil when no probe in the hop succeeded.
func calculateRTTStats(rtts []*float64) (avg, min, max, jitter *float64) {
	var valid []float64
	for _, rtt := range rtts {
		if rtt != nil {
			valid = append(valid, *rtt)
		}
	}

	if len(valid) == 0 {
		return nil, nil, nil, nil
	}

	minV, maxV := valid[0], valid[0]
	sum := 0.0
	for _, rtt := range valid {
		sum += rtt
		if rtt < minV {
			minV = rtt
		}
		if rtt > maxV {
			maxV = rtt
		}
	}

	avgV := sum / float64(len(valid))
	jitterV := maxV - minV

	return &avgV, &minV, &maxV, &jitterV
}

// calculateLossPercent calculates packet loss percentage. A nil RTT entry
// indicates a timeout.
func calculateLossPercent(rtts []*float64) float64 {
	if len(rtts) == 0 {
		return 0
	}

	timeouts := 0
	for _, rtt := range rtts {
		if rtt == nil {
			timeouts++
		}
	}

	return float64(timeouts) / float64(len(rtts)) * 100
}
