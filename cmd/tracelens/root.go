package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xcvex/tracelens/internal/diagnose"
	"github.com/xcvex/tracelens/internal/render"
	"github.com/xcvex/tracelens/internal/report"
	"github.com/xcvex/tracelens/internal/trace"
)

var (
	protocol    string
	destPort    int
	maxHops     int
	probeCount  int
	timeoutSecs float64
	enableDNS   bool
	enableGeo   bool
	jsonPath    string
	noCache     bool
)

// errInterrupted marks a run that ended because the user sent an
// interrupt; main() maps it to exit code 130 instead of 1.
var errInterrupted = errors.New("interrupted")

var rootCmd = &cobra.Command{
	Use:   "tracelens <target>",
	Short: "Diagnostic traceroute with ASN, GeoIP, and latency analysis",
	Long: `TraceLens traces the route packets take to reach a destination host,
enriching each hop with reverse DNS, ASN, and geographic information, and
running a diagnostic pass that flags ICMP filtering, latency jumps, and
international transit.

Examples:
  tracelens google.com              Basic ICMP trace
  tracelens -p udp google.com       UDP probes
  tracelens -p tcp --port 443 host  TCP SYN probe to port 443
  tracelens --json out.json host    Write a JSON report`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	rootCmd.Flags().StringVarP(&protocol, "protocol", "p", "icmp", "Probe protocol: icmp, udp, tcp")
	rootCmd.Flags().IntVar(&destPort, "port", 80, "Destination port (TCP/UDP probes)")
	rootCmd.Flags().IntVarP(&maxHops, "max-hops", "m", 30, "Maximum number of hops")
	rootCmd.Flags().IntVarP(&probeCount, "probes", "q", 3, "Number of probes per hop")
	rootCmd.Flags().Float64VarP(&timeoutSecs, "timeout", "w", 2.0, "Per-probe timeout in seconds")
	rootCmd.Flags().BoolVar(&enableDNS, "dns", true, "Enable reverse DNS lookups")
	rootCmd.Flags().BoolVar(&enableGeo, "geo", true, "Enable GeoIP lookups")
	rootCmd.Flags().StringVar(&jsonPath, "json", "", "Write a JSON report to this path")
	rootCmd.Flags().BoolVar(&noCache, "no-cache", false, "Disable the persistent enrichment cache")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tracelens %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", date)
	},
}

func runTrace(cmd *cobra.Command, args []string) error {
	target := args[0]

	probeMethod, err := trace.ParseProbeMethod(protocol)
	if err != nil {
		return err
	}

	config := trace.DefaultConfig()
	config.ProbeMethod = probeMethod
	config.DestPort = destPort
	config.MaxHops = maxHops
	config.ProbeCount = probeCount
	config.Timeout = time.Duration(timeoutSecs * float64(time.Second))
	config.EnableRDNS = enableDNS
	config.EnableASN = true
	config.EnableGeoIP = enableGeo
	config.EnableEnrichment = true
	config.NoCache = noCache

	stream := render.NewStreamWriter(os.Stdout)
	config.OnHop = func(hop *trace.Hop) {
		stream.Hop(hop)
	}

	tracer, err := trace.New(config)
	if err != nil {
		return privilegeMessage(err)
	}
	defer tracer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("traceroute to %s, %d hops max, %s probes\n\n", target, maxHops, protocol)

	result, err := tracer.Trace(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return errInterrupted
		}
		return err
	}

	diagnose.Tag(result.Hops)
	d := diagnose.Analyze(result.Hops)

	render.Summary(os.Stdout, result, d)

	if jsonPath != "" {
		rpt := report.Build(result, d, destPort, time.Now().UTC().Format("2006-01-02T15:04:05Z07:00"))
		if err := report.WriteFile(rpt, jsonPath); err != nil {
			return fmt.Errorf("failed to write JSON report: %w", err)
		}
		fmt.Fprintf(os.Stderr, "\nJSON report written to: %s\n", jsonPath)
	}

	if ctx.Err() != nil {
		return errInterrupted
	}

	return nil
}

// privilegeMessage adds a platform-appropriate hint when raw-socket
// creation failed for lack of privilege.
func privilegeMessage(err error) error {
	if !errors.Is(err, trace.ErrPrivilegeDenied) {
		return err
	}
	if runtime.GOOS == "windows" {
		return fmt.Errorf("%w: re-run this command from an elevated (Administrator) prompt", err)
	}
	return fmt.Errorf("%w: re-run this command with sudo or as root", err)
}

// exitCodeFor maps a top-level error to a process exit code: 130 for a
// user interrupt, 1 for anything else.
func exitCodeFor(err error) int {
	if errors.Is(err, errInterrupted) || errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets version information for the CLI and the JSON report's
// meta.version field.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = v
	report.Version = v
}
