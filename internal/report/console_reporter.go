package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
)

// maxListedResources bounds how many affected resources one finding prints
// before collapsing the rest into a count.
const maxListedResources = 5

// ConsoleReporter renders a human-readable summary.
type ConsoleReporter struct {
	writer io.WriteCloser
}

// NewConsoleReporter creates a reporter for terminal consumption. It takes
// ownership of the writer.
func NewConsoleReporter(writer io.WriteCloser) *ConsoleReporter {
	return &ConsoleReporter{writer: writer}
}

func (r *ConsoleReporter) Write(report *schemas.Report) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", report.Tool, report.Version)
	fmt.Fprintf(&b, "Run %s, generated %s\n\n", report.RunID, report.GeneratedAt.Format(time.RFC3339))

	if report.Summary.TotalFindings == 0 {
		b.WriteString("No findings.\n")
	} else {
		tw := tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEVERITY\tFINDINGS")
		for _, sev := range schemas.Severities() {
			if count := report.Summary.BySeverity[sev]; count > 0 {
				fmt.Fprintf(tw, "%s\t%d\n", sev, count)
			}
		}
		fmt.Fprintf(tw, "TOTAL\t%d\n", report.Summary.TotalFindings)
		tw.Flush()
		fmt.Fprintf(&b, "\n%d affected resource(s)\n\n", report.Summary.AffectedResources)

		for _, f := range sortedBySeverity(report.Findings) {
			fmt.Fprintf(&b, "[%s] %s (%s)\n", f.Severity, f.RuleName, f.RuleID)
			fmt.Fprintf(&b, "    %s\n", f.Description)
			for i, ref := range f.AffectedResources {
				if i == maxListedResources {
					fmt.Fprintf(&b, "      ... and %d more\n", len(f.AffectedResources)-maxListedResources)
					break
				}
				if ref.Name != "" {
					fmt.Fprintf(&b, "      - %s %s (%s)\n", ref.Kind, ref.ID, ref.Name)
				} else {
					fmt.Fprintf(&b, "      - %s %s\n", ref.Kind, ref.ID)
				}
			}
			if f.Recommendation != "" {
				fmt.Fprintf(&b, "    Fix: %s\n", f.Recommendation)
			}
			b.WriteString("\n")
		}
	}

	if len(report.Failures) > 0 {
		b.WriteString("Failed rules:\n")
		for _, fail := range report.Failures {
			fmt.Fprintf(&b, "  - %s: %s\n", fail.RuleID, fail.Error)
		}
	}

	if _, err := io.WriteString(r.writer, b.String()); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func (r *ConsoleReporter) Close() error {
	return r.writer.Close()
}

// sortedBySeverity orders findings most severe first, then by rule ID so
// output is stable run to run.
func sortedBySeverity(findings []schemas.Finding) []schemas.Finding {
	out := append([]schemas.Finding(nil), findings...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}
