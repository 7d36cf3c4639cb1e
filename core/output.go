package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Printer handles all display output for the CLI.
type Printer struct {
	JSON    bool
	Verbose bool
	Writer  io.Writer
}

// NewPrinter creates a default Printer writing to stdout.
func NewPrinter(jsonMode, verbose bool) *Printer {
	return &Printer{JSON: jsonMode, Verbose: verbose, Writer: os.Stdout}
}

// Report is what `inspect` prints for one file.
type Report struct {
	File     string   `json:"file"`
	Format   FormatID `json:"format"`
	Findings Findings `json:"findings"`
}

// PrintReport renders an inspection report to the configured output.
func (p *Printer) PrintReport(r Report) {
	if p.JSON {
		p.printJSON(r)
		return
	}
	fmt.Fprintf(p.Writer, "File  : %s\n", r.File)
	fmt.Fprintf(p.Writer, "Format: %s\n", r.Format)
	if len(r.Findings.Kinds()) == 0 {
		fmt.Fprintln(p.Writer, "(no metadata found)")
		return
	}
	fmt.Fprintln(p.Writer)
	for _, f := range r.Findings {
		if !f.Detected {
			continue
		}
		flag := ""
		if f.Sensitive {
			flag = " [sensitive]"
		}
		fmt.Fprintf(p.Writer, "  %-24s %d field(s)%s\n", f.Kind.Label()+":", f.FieldCount, flag)
	}
	fmt.Fprintln(p.Writer)
}

// PrintOutcome renders one batch outcome.
func (p *Printer) PrintOutcome(o CleaningOutcome) {
	if p.JSON {
		p.printJSON(o)
		return
	}
	if !o.Succeeded() {
		fmt.Fprintf(p.Writer, "✗ %s: %s\n", o.Name, o.Error)
		return
	}
	fmt.Fprintf(p.Writer, "✓ %s → %s (%s, removed %d categories, %s)\n",
		o.Name, o.Output, formatBytes(*o.OutputSize), len(o.Removed), o.Elapsed.Round(time.Millisecond))
	if p.Verbose {
		for _, k := range o.Removed {
			fmt.Fprintf(p.Writer, "    - %s\n", k.Label())
		}
	}
}

// PrintSummary prints totals for a finished batch (suppressed in JSON mode).
func (p *Printer) PrintSummary(outcomes []CleaningOutcome) {
	if p.JSON {
		return
	}
	var ok, failed int
	var saved int64
	for _, o := range outcomes {
		if o.Succeeded() {
			ok++
			saved += o.SpaceSaved()
		} else {
			failed++
		}
	}
	fmt.Fprintf(p.Writer, "\n%d cleaned, %d failed, %s saved\n", ok, failed, formatBytes(saved))
}

func (p *Printer) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(p.Writer, string(b))
}

// PrintInfo prints an info line (suppressed in JSON mode).
func (p *Printer) PrintInfo(msg string) {
	if !p.JSON {
		fmt.Fprintln(p.Writer, msg)
	}
}

// PrintError prints an error to stderr.
func PrintError(msg string) {
	fmt.Fprintln(os.Stderr, "✗ Error: "+msg)
}

func formatBytes(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	const unit = 1024
	var s string
	if n < unit {
		s = fmt.Sprintf("%d B", n)
	} else {
		div, exp := int64(unit), 0
		for m := n / unit; m >= unit; m /= unit {
			div *= unit
			exp++
		}
		s = fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
	}
	if neg {
		return "-" + s
	}
	return s
}
