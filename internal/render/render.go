// Package render turns a trace into user-facing output: a streaming
// per-hop line as the trace progresses, and a final summary table once
// the diagnostic pass has completed.
package render

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"

	"github.com/xcvex/tracelens/internal/diagnose"
	"github.com/xcvex/tracelens/internal/trace"
)

// ColorScheme defines colors for different output elements, following
// the same RTT buckets throughout the renderer.
type ColorScheme struct {
	Hop      *color.Color
	IP       *color.Color
	Hostname *color.Color
	RTTLow   *color.Color // < 50ms
	RTTMed   *color.Color // 50-150ms
	RTTHigh  *color.Color // > 150ms
	Timeout  *color.Color
	Tag      *color.Color
}

// DefaultColorScheme returns the default color scheme.
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Hop:      color.New(color.FgCyan, color.Bold),
		IP:       color.New(color.FgWhite),
		Hostname: color.New(color.FgGreen),
		RTTLow:   color.New(color.FgGreen),
		RTTMed:   color.New(color.FgYellow),
		RTTHigh:  color.New(color.FgRed),
		Timeout:  color.New(color.FgRed, color.Bold),
		Tag:      color.New(color.FgMagenta),
	}
}

// StreamWriter renders one line per hop as the trace progresses. Colors
// are auto-disabled when stdout isn't a terminal.
type StreamWriter struct {
	out    io.Writer
	colors *ColorScheme
}

// NewStreamWriter creates a StreamWriter targeting out. Colors are
// enabled only if out is a terminal.
func NewStreamWriter(out *os.File) *StreamWriter {
	var colors *ColorScheme
	if isTerminal(out) {
		colors = DefaultColorScheme()
	}
	return &StreamWriter{out: out, colors: colors}
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Hop writes a single streaming line for hop. Per the streaming-vs-final
// distinction, this renders only in-flight data — IP, PTR if already
// resolved, the coarse IP-class tag — never diagnostic tags, which are
// only available after the full-sequence post-pass.
func (w *StreamWriter) Hop(hop *trace.Hop) {
	var buf bytes.Buffer
	w.formatHop(&buf, hop)
	fmt.Fprint(w.out, buf.String())
	if f, ok := w.out.(*os.File); ok {
		f.Sync()
	}
}

func (w *StreamWriter) formatHop(buf *bytes.Buffer, hop *trace.Hop) {
	hopNum := fmt.Sprintf("%3d  ", hop.Number)
	if w.colors != nil {
		hopNum = w.colors.Hop.Sprint(hopNum)
	}
	buf.WriteString(hopNum)

	if !hop.Responded {
		timeout := "* * *"
		if w.colors != nil {
			timeout = w.colors.Timeout.Sprint(timeout)
		}
		buf.WriteString(timeout)
		buf.WriteString("\n")
		return
	}

	ipStr := hop.IP.String()
	if w.colors != nil {
		ipStr = w.colors.IP.Sprint(ipStr)
	}

	if hop.Hostname != "" {
		hostname := hop.Hostname
		if w.colors != nil {
			hostname = w.colors.Hostname.Sprint(hostname)
		}
		fmt.Fprintf(buf, "%s (%s)  ", hostname, ipStr)
	} else {
		fmt.Fprintf(buf, "%s  ", ipStr)
	}

	for _, rtt := range hop.RTTs {
		if rtt == nil {
			timeout := "*"
			if w.colors != nil {
				timeout = w.colors.Timeout.Sprint(timeout)
			}
			fmt.Fprintf(buf, "%s  ", timeout)
		} else {
			fmt.Fprintf(buf, "%s  ", w.colorizeRTT(*rtt))
		}
	}

	if tag := hop.IPClass.Tag(); tag != "" {
		tagStr := fmt.Sprintf("[%s]", tag)
		if w.colors != nil {
			tagStr = w.colors.Tag.Sprint(tagStr)
		}
		buf.WriteString(tagStr)
	}

	buf.WriteString("\n")
}

func (w *StreamWriter) colorizeRTT(rtt float64) string {
	str := fmt.Sprintf("%.3f ms", rtt)
	if w.colors == nil {
		return str
	}
	switch {
	case rtt < 50:
		return w.colors.RTTLow.Sprint(str)
	case rtt < 150:
		return w.colors.RTTMed.Sprint(str)
	default:
		return w.colors.RTTHigh.Sprint(str)
	}
}

// Summary writes the final header/table/diagnosis block to out, using
// the fully-tagged hops and the computed diagnosis.
func Summary(out io.Writer, result *trace.Result, d diagnose.Diagnosis) {
	colors := false
	if f, ok := out.(*os.File); ok {
		colors = isTerminal(f)
	}

	writeHeader(out, result, colors)
	writeTable(out, result)
	writeDiagnosis(out, d)
}

func writeHeader(out io.Writer, result *trace.Result, useColor bool) {
	header := fmt.Sprintf("Target: %s (%s)\n", result.Target, result.ResolvedIP)
	header += fmt.Sprintf("Method: %s | Time: %s\n\n",
		strings.ToUpper(result.ProbeMethod),
		result.Timestamp.Format("2006-01-02 15:04:05"))

	if useColor {
		header = color.New(color.FgWhite, color.Bold).Sprint(header)
	}
	fmt.Fprint(out, header)
}

func writeTable(out io.Writer, result *trace.Result) {
	table := tablewriter.NewWriter(out)
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("│")
	table.SetColumnSeparator("│")
	table.SetRowSeparator("─")
	table.SetHeaderLine(true)
	table.SetTablePadding(" ")

	table.SetHeader([]string{"Hop", "IP Address", "Hostname", "ASN", "Org", "Location", "Avg", "Min", "Max", "Loss", "Tags"})

	for _, hop := range result.Hops {
		table.Append(hopRow(hop))
	}

	table.Render()
}

func hopRow(hop *trace.Hop) []string {
	row := []string{fmt.Sprintf("%d", hop.Number)}

	if !hop.Responded {
		row = append(row, "*", "-")
	} else {
		row = append(row, hop.IP.String(), truncate(hop.Hostname, 25))
	}

	if hop.ASN != nil {
		row = append(row, hop.ASN.ASN, truncate(hop.ASN.Org, 20))
	} else {
		row = append(row, "-", "-")
	}

	if hop.Geo != nil {
		location := hop.Geo.CountryCode
		if hop.Geo.City != "" {
			location = fmt.Sprintf("%s, %s", hop.Geo.City, hop.Geo.CountryCode)
		}
		row = append(row, truncate(location, 20))
	} else {
		row = append(row, "-")
	}

	if hop.Responded && hop.AvgRTT != nil {
		row = append(row,
			formatRTT(hop.AvgRTT),
			formatRTT(hop.MinRTT),
			formatRTT(hop.MaxRTT),
			fmt.Sprintf("%.0f%%", hop.LossPercent))
	} else {
		row = append(row, "-", "-", "-", "-")
	}

	row = append(row, strings.Join(hop.Tags, ","))

	return row
}

func formatRTT(rtt *float64) string {
	if rtt == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *rtt)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func writeDiagnosis(out io.Writer, d diagnose.Diagnosis) {
	fmt.Fprintln(out)
	if d.Reachable {
		fmt.Fprintf(out, "Trace complete. %d hops", d.TotalHops)
		if d.AvgRTTMs != nil {
			fmt.Fprintf(out, ", %.2f ms to destination", *d.AvgRTTMs)
		}
		fmt.Fprintln(out)
	} else {
		fmt.Fprintf(out, "Trace incomplete after %d hops\n", d.TotalHops)
	}

	for _, issue := range d.Issues {
		fmt.Fprintf(out, "  - %s\n", issue)
	}
}
