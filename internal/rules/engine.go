// Package rules implements the rule evaluation engine: a registry of
// named, severity-tagged graph-pattern rules that run against the graph
// session and produce structured findings. One rule's failure never
// silences its siblings, and two analysis runs never overlap on the same
// engine, because rules are allowed to write derived annotations onto
// nodes.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/graph"
)

// ErrAlreadyRunning is returned when Run is entered while another run is
// still in flight. Callers should treat it as "try again later", not as
// an analysis failure.
var ErrAlreadyRunning = errors.New("rules: analysis already running")

// Rule is a pure predicate over current graph state. Implementations are
// stateless between invocations; everything they learn comes from the
// session, and everything they produce leaves as findings. The only write
// a rule may perform is a derived annotation on nodes it matched.
type Rule interface {
	ID() string
	Name() string
	Severity() schemas.Severity
	Evaluate(ctx context.Context, sess graph.Session) ([]schemas.Finding, error)
}

// Info describes a registered rule for listings.
type Info struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Severity schemas.Severity `json:"severity"`
}

// AnalysisResult carries everything one Run produced: the findings, the
// rules that failed after the gateway gave up retrying, and any requested
// rule IDs that matched nothing.
type AnalysisResult struct {
	RunID     string                `json:"runId"`
	StartedAt time.Time             `json:"startedAt"`
	Duration  time.Duration         `json:"duration"`
	Findings  []schemas.Finding     `json:"findings"`
	Failures  []schemas.RuleFailure `json:"failures,omitempty"`
	Unknown   []string              `json:"unknown,omitempty"`
}

// Engine holds the active rule set and runs analyses against a graph
// session. Rule mutation and Run follow a single-writer discipline:
// AddRule/RemoveRule must not race with an in-flight Run.
type Engine struct {
	sess graph.Session
	log  *zap.Logger

	mu    sync.Mutex
	order []string
	byID  map[string]Rule

	// stateLock guards the running flag so a second Run fails fast
	// instead of interleaving annotation writes with the first.
	stateLock sync.Mutex
	isRunning bool
}

// NewEngine returns an engine with an empty rule set.
func NewEngine(sess graph.Session, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		sess: sess,
		log:  logger.Named("rules"),
		byID: make(map[string]Rule),
	}
}

// AddRule registers a rule. IDs are unique; registering a duplicate is a
// configuration error.
func (e *Engine) AddRule(r Rule) error {
	if r == nil {
		return errors.New("rules: nil rule")
	}
	if r.ID() == "" {
		return errors.New("rules: rule with empty ID")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.byID[r.ID()]; exists {
		return fmt.Errorf("rules: duplicate rule ID %q", r.ID())
	}
	e.byID[r.ID()] = r
	e.order = append(e.order, r.ID())
	return nil
}

// RemoveRule unregisters a rule by ID and reports whether it was present.
func (e *Engine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.byID[id]; !exists {
		return false
	}
	delete(e.byID, id)
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

// Rules lists the registered rules in registration order.
func (e *Engine) Rules() []Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Info, 0, len(e.order))
	for _, id := range e.order {
		r := e.byID[id]
		out = append(out, Info{ID: r.ID(), Name: r.Name(), Severity: r.Severity()})
	}
	return out
}

// Run evaluates the registered rules, or the subset named by ruleIDs, in
// registration order. A rule whose evaluation fails is recorded on the
// result and skipped; the remaining rules still run, so one broken rule
// cannot blind the operator to everything else. Requested IDs that match
// no registered rule land in Unknown. Store-level retries happen inside
// the gateway, so an error surfacing here has already exhausted backoff.
func (e *Engine) Run(ctx context.Context, ruleIDs []string) (*AnalysisResult, error) {
	e.stateLock.Lock()
	if e.isRunning {
		e.stateLock.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.isRunning = true
	e.stateLock.Unlock()

	defer func() {
		e.stateLock.Lock()
		e.isRunning = false
		e.stateLock.Unlock()
	}()

	selected, unknown := e.selectRules(ruleIDs)

	result := &AnalysisResult{
		RunID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
		Unknown:   unknown,
	}
	log := e.log.With(zap.String("run_id", result.RunID))
	log.Info("Starting analysis run", zap.Int("rules", len(selected)))
	for _, id := range unknown {
		log.Warn("Requested rule is not registered", zap.String("rule_id", id))
	}

	for _, rule := range selected {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(result.StartedAt)
			return result, err
		}

		findings, err := rule.Evaluate(ctx, e.sess)
		if err != nil {
			log.Error("Rule evaluation failed; continuing with remaining rules",
				zap.String("rule_id", rule.ID()), zap.Error(err))
			result.Failures = append(result.Failures, schemas.RuleFailure{
				RuleID: rule.ID(),
				Error:  err.Error(),
			})
			continue
		}
		result.Findings = append(result.Findings, findings...)
		log.Debug("Rule evaluated",
			zap.String("rule_id", rule.ID()), zap.Int("findings", len(findings)))
	}

	result.Duration = time.Since(result.StartedAt)
	log.Info("Analysis run finished",
		zap.Int("findings", len(result.Findings)),
		zap.Int("failed_rules", len(result.Failures)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// selectRules resolves the requested subset against the registry while
// holding the rule-set lock, preserving registration order.
func (e *Engine) selectRules(ruleIDs []string) ([]Rule, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(ruleIDs) == 0 {
		all := make([]Rule, 0, len(e.order))
		for _, id := range e.order {
			all = append(all, e.byID[id])
		}
		return all, nil
	}

	requested := make(map[string]bool, len(ruleIDs))
	var unknown []string
	for _, id := range ruleIDs {
		if _, exists := e.byID[id]; !exists {
			unknown = append(unknown, id)
			continue
		}
		requested[id] = true
	}

	selected := make([]Rule, 0, len(requested))
	for _, id := range e.order {
		if requested[id] {
			selected = append(selected, e.byID[id])
		}
	}
	return selected, unknown
}

// Summarize aggregates findings by severity and rule. Pure computation,
// no I/O: severity buckets never merge, and the affected-resource total is
// the sum of every finding's affectedResources length.
func (e *Engine) Summarize(findings []schemas.Finding) schemas.AnalysisSummary {
	summary := schemas.AnalysisSummary{
		TotalFindings: len(findings),
		BySeverity:    make(map[schemas.Severity]int),
		ByRule:        make(map[string]int),
	}
	for _, f := range findings {
		summary.BySeverity[f.Severity]++
		summary.ByRule[f.RuleID]++
		summary.AffectedResources += len(f.AffectedResources)
	}
	return summary
}
