package report

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
)

// XMLReporter renders the report envelope as an XML document.
type XMLReporter struct {
	writer io.WriteCloser
}

// NewXMLReporter creates a reporter that writes indented XML. It takes
// ownership of the writer.
func NewXMLReporter(writer io.WriteCloser) *XMLReporter {
	return &XMLReporter{writer: writer}
}

func (r *XMLReporter) Write(report *schemas.Report) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("report")
	root.CreateAttr("tool", report.Tool)
	root.CreateAttr("version", report.Version)
	root.CreateAttr("runId", report.RunID)
	root.CreateAttr("generatedAt", report.GeneratedAt.Format(time.RFC3339))

	summary := root.CreateElement("summary")
	summary.CreateAttr("totalFindings", strconv.Itoa(report.Summary.TotalFindings))
	summary.CreateAttr("affectedResources", strconv.Itoa(report.Summary.AffectedResources))
	for _, sev := range schemas.Severities() {
		if count := report.Summary.BySeverity[sev]; count > 0 {
			el := summary.CreateElement("severity")
			el.CreateAttr("level", string(sev))
			el.CreateAttr("count", strconv.Itoa(count))
		}
	}

	findings := root.CreateElement("findings")
	for _, f := range report.Findings {
		el := findings.CreateElement("finding")
		el.CreateAttr("ruleId", f.RuleID)
		el.CreateAttr("severity", string(f.Severity))
		el.CreateElement("name").SetText(f.RuleName)
		el.CreateElement("description").SetText(f.Description)
		if f.Recommendation != "" {
			el.CreateElement("recommendation").SetText(f.Recommendation)
		}
		resources := el.CreateElement("resources")
		for _, ref := range f.AffectedResources {
			res := resources.CreateElement("resource")
			res.CreateAttr("kind", ref.Kind)
			res.CreateAttr("id", ref.ID)
			if ref.Name != "" {
				res.CreateAttr("name", ref.Name)
			}
		}
	}

	if len(report.Failures) > 0 {
		failures := root.CreateElement("failures")
		for _, fail := range report.Failures {
			el := failures.CreateElement("failure")
			el.CreateAttr("ruleId", fail.RuleID)
			el.SetText(fail.Error)
		}
	}

	doc.Indent(2)
	if _, err := doc.WriteTo(r.writer); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func (r *XMLReporter) Close() error {
	return r.writer.Close()
}
