package report

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
)

// archiveSchema keeps run history locally. Findings cascade with their run
// so pruning old runs needs one DELETE.
const archiveSchema = `
CREATE TABLE IF NOT EXISTS analysis_runs (
    run_id          TEXT PRIMARY KEY,
    tool_version    TEXT,
    generated_at    TEXT NOT NULL,
    duration_ms     INTEGER DEFAULT 0,
    total_findings  INTEGER DEFAULT 0,
    critical_count  INTEGER DEFAULT 0,
    high_count      INTEGER DEFAULT 0,
    medium_count    INTEGER DEFAULT 0,
    low_count       INTEGER DEFAULT 0,
    info_count      INTEGER DEFAULT 0,
    failed_rules    INTEGER DEFAULT 0,
    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_analysis_runs_generated
    ON analysis_runs(generated_at DESC);

CREATE TABLE IF NOT EXISTS findings (
    finding_id      INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id          TEXT NOT NULL,
    rule_id         TEXT NOT NULL,
    rule_name       TEXT NOT NULL,
    severity        TEXT NOT NULL,
    description     TEXT NOT NULL,
    recommendation  TEXT,
    resource_count  INTEGER DEFAULT 0,
    resources       TEXT,
    FOREIGN KEY (run_id) REFERENCES analysis_runs(run_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_findings_run ON findings(run_id);
CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity);
`

// Archive persists analysis history to a local SQLite database.
type Archive struct {
	db  *sql.DB
	log *zap.Logger
}

// RunSummary is one archived run listed by RecentRuns.
type RunSummary struct {
	RunID         string
	Version       string
	GeneratedAt   time.Time
	Duration      time.Duration
	TotalFindings int
	BySeverity    map[schemas.Severity]int
	FailedRules   int
}

// OpenArchive opens (creating if needed) the archive at path.
func OpenArchive(path string, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	// WAL keeps readers unblocked while a run is being recorded.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating archive schema: %w", err)
	}
	return &Archive{db: db, log: logger.Named("archive")}, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Record inserts one run and its findings atomically.
func (a *Archive) Record(ctx context.Context, report *schemas.Report, duration time.Duration) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO analysis_runs (
			run_id, tool_version, generated_at, duration_ms,
			total_findings, critical_count, high_count, medium_count,
			low_count, info_count, failed_rules
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RunID,
		report.Version,
		report.GeneratedAt.UTC().Format(time.RFC3339Nano),
		duration.Milliseconds(),
		report.Summary.TotalFindings,
		report.Summary.BySeverity[schemas.SeverityCritical],
		report.Summary.BySeverity[schemas.SeverityHigh],
		report.Summary.BySeverity[schemas.SeverityMedium],
		report.Summary.BySeverity[schemas.SeverityLow],
		report.Summary.BySeverity[schemas.SeverityInfo],
		len(report.Failures),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", report.RunID, err)
	}

	for _, f := range report.Findings {
		resources, err := json.Marshal(f.AffectedResources)
		if err != nil {
			return fmt.Errorf("marshaling resources for rule %s: %w", f.RuleID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO findings (
				run_id, rule_id, rule_name, severity, description,
				recommendation, resource_count, resources
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			report.RunID, f.RuleID, f.RuleName, string(f.Severity),
			f.Description, f.Recommendation, len(f.AffectedResources),
			string(resources),
		)
		if err != nil {
			return fmt.Errorf("inserting finding %s: %w", f.RuleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing archive transaction: %w", err)
	}
	a.log.Debug("Archived analysis run",
		zap.String("run_id", report.RunID),
		zap.Int("findings", report.Summary.TotalFindings))
	return nil
}

// RecentRuns lists up to n archived runs, newest first.
func (a *Archive) RecentRuns(ctx context.Context, n int) ([]RunSummary, error) {
	if n < 1 {
		n = 10
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT run_id, tool_version, generated_at, duration_ms,
		       total_findings, critical_count, high_count, medium_count,
		       low_count, info_count, failed_rules
		FROM analysis_runs
		ORDER BY generated_at DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying recent runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			run                               RunSummary
			generatedAt                       string
			durationMS                        int64
			critical, high, medium, low, info int
		)
		if err := rows.Scan(
			&run.RunID, &run.Version, &generatedAt, &durationMS,
			&run.TotalFindings, &critical, &high, &medium, &low, &info,
			&run.FailedRules,
		); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		run.GeneratedAt, err = time.Parse(time.RFC3339Nano, generatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing run timestamp %q: %w", generatedAt, err)
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		run.BySeverity = map[schemas.Severity]int{}
		for sev, count := range map[schemas.Severity]int{
			schemas.SeverityCritical: critical,
			schemas.SeverityHigh:     high,
			schemas.SeverityMedium:   medium,
			schemas.SeverityLow:      low,
			schemas.SeverityInfo:     info,
		} {
			if count > 0 {
				run.BySeverity[sev] = count
			}
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run rows: %w", err)
	}
	return out, nil
}

// RunFindings loads the archived findings of one run.
func (a *Archive) RunFindings(ctx context.Context, runID string) ([]schemas.Finding, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT rule_id, rule_name, severity, description, recommendation, resources
		FROM findings
		WHERE run_id = ?
		ORDER BY finding_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying findings for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []schemas.Finding
	for rows.Next() {
		var (
			f         schemas.Finding
			severity  string
			resources sql.NullString
		)
		if err := rows.Scan(&f.RuleID, &f.RuleName, &severity, &f.Description,
			&f.Recommendation, &resources); err != nil {
			return nil, fmt.Errorf("scanning finding row: %w", err)
		}
		f.Severity = schemas.Severity(severity)
		if resources.Valid && resources.String != "" {
			if err := json.Unmarshal([]byte(resources.String), &f.AffectedResources); err != nil {
				return nil, fmt.Errorf("decoding resources for rule %s: %w", f.RuleID, err)
			}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating finding rows: %w", err)
	}
	return out, nil
}
