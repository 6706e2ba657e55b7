// Package schemas defines the stable data shapes exchanged with consumers of
// analysis output: findings, resource references, and run summaries. Field
// names are part of the public contract and must not change.
package schemas

import "time"

// Severity defines the severity level of a finding.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// severityRanks orders severities for sorting and aggregation. Higher is
// more severe. Unknown severities rank below INFO.
var severityRanks = map[Severity]int{
	SeverityCritical: 5,
	SeverityHigh:     4,
	SeverityMedium:   3,
	SeverityLow:      2,
	SeverityInfo:     1,
}

// Rank returns the numeric order of the severity, higher meaning more
// severe. Unrecognized values return 0.
func (s Severity) Rank() int {
	return severityRanks[s]
}

// Valid reports whether s is one of the defined severity levels.
func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// Severities lists all defined levels from most to least severe.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// ResourceRef identifies one resource affected by a finding, carrying the
// resource kind, its identity, and whatever salient fields the rule chose to
// surface.
type ResourceRef struct {
	Kind    string         `json:"kind"`
	ID      string         `json:"id"`
	Name    string         `json:"name,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Finding is one structured output of a rule evaluation. The JSON field
// names are consumed by external report tooling and are stable.
type Finding struct {
	RuleID            string        `json:"ruleId"`
	RuleName          string        `json:"ruleName"`
	Severity          Severity      `json:"severity"`
	Description       string        `json:"description"`
	AffectedResources []ResourceRef `json:"affectedResources"`
	Recommendation    string        `json:"recommendation"`

	// Metadata carries free-form rule output; every finding includes at
	// least a "count" entry.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AnalysisSummary aggregates findings by severity and by rule. It is derived
// data, recomputed on demand rather than persisted.
type AnalysisSummary struct {
	TotalFindings     int              `json:"totalFindings"`
	BySeverity        map[Severity]int `json:"bySeverity"`
	ByRule            map[string]int   `json:"byRule"`
	AffectedResources int              `json:"affectedResources"`
}

// RuleFailure records a rule whose evaluation failed after retries. Sibling
// rules keep running; the failure travels with the result instead.
type RuleFailure struct {
	RuleID string `json:"ruleId"`
	Error  string `json:"error"`
}

// Report is the envelope written by the reporting layer.
type Report struct {
	Tool        string          `json:"tool"`
	Version     string          `json:"version"`
	RunID       string          `json:"runId"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Findings    []Finding       `json:"findings"`
	Summary     AnalysisSummary `json:"summary"`
	Failures    []RuleFailure   `json:"failures,omitempty"`
}
