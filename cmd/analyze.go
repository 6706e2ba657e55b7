// File: cmd/analyze.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/config"
	"github.com/xkilldash9x/atlas-cli/internal/observability"
	"github.com/xkilldash9x/atlas-cli/internal/report"
	"github.com/xkilldash9x/atlas-cli/internal/rules"
)

// newAnalyzeCmd creates and configures the `analyze` command.
func newAnalyzeCmd(provider sessionProvider) *cobra.Command {
	analyzeCmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run analysis rules against the property graph",
		Long: `Evaluates the registered rule set against the current graph and renders
a findings report. Rules run in isolation: one failing rule is reported
alongside the findings of the rest instead of aborting the run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := finalizeConfig(cmd, map[string]string{
				"analysis.rules":      "rules",
				"report.format":       "format",
				"report.output":       "output",
				"report.archive_path": "archive",
			})
			if err != nil {
				return err
			}

			return runAnalyze(ctx, logger, cfg, provider, cmd.OutOrStdout())
		},
	}

	analyzeCmd.Flags().StringSlice("rules", nil, "Rule IDs to run (default: all registered rules)")
	analyzeCmd.Flags().StringP("format", "f", "", "Report format: json, xml, or console. (Overrides config/env)")
	analyzeCmd.Flags().StringP("output", "o", "", "Report destination file (default: stdout)")
	analyzeCmd.Flags().String("archive", "", "SQLite run-history archive path. (Overrides config/env)")
	return analyzeCmd
}

// runAnalyze contains the core, testable logic for the analyze command.
func runAnalyze(ctx context.Context, logger *zap.Logger, cfg config.Interface, provider sessionProvider, out io.Writer) error {
	sess, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open graph session: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	engine := rules.NewEngine(sess, logger)
	if err := rules.RegisterBuiltins(engine); err != nil {
		return fmt.Errorf("registering rules: %w", err)
	}

	result, err := engine.Run(ctx, cfg.Analysis().Rules)
	if err != nil {
		return fmt.Errorf("analysis run failed: %w", err)
	}
	if len(result.Unknown) > 0 {
		logger.Warn("Requested rules are not registered", zap.Strings("rule_ids", result.Unknown))
	}

	rep := &schemas.Report{
		Tool:        "atlas",
		Version:     Version,
		RunID:       result.RunID,
		GeneratedAt: time.Now().UTC(),
		Findings:    result.Findings,
		Summary:     engine.Summarize(result.Findings),
		Failures:    result.Failures,
	}

	repCfg := cfg.Report()
	if err := writeReport(repCfg, rep); err != nil {
		return err
	}
	if repCfg.Output != "" && repCfg.Output != "stdout" {
		fmt.Fprintf(out, "Report written to %s\n", repCfg.Output)
	}

	// History is best effort: the report has already been delivered, so a
	// broken archive demotes to a warning rather than a failed run.
	if repCfg.ArchivePath != "" {
		if err := archiveRun(ctx, logger, repCfg.ArchivePath, rep, result.Duration); err != nil {
			logger.Warn("Failed to archive analysis run", zap.Error(err))
		}
	}

	logger.Info("Analysis complete",
		zap.String("run_id", result.RunID),
		zap.Int("findings", len(result.Findings)),
		zap.Int("failed_rules", len(result.Failures)),
		zap.Duration("duration", result.Duration))
	return nil
}

// writeReport renders the report envelope in the configured format.
func writeReport(repCfg config.ReportConfig, rep *schemas.Report) error {
	r, err := report.New(repCfg.Format, repCfg.Output)
	if err != nil {
		return err
	}
	if err := r.Write(rep); err != nil {
		r.Close()
		return fmt.Errorf("writing report: %w", err)
	}
	return r.Close()
}

// archiveRun appends the run to the SQLite history archive.
func archiveRun(ctx context.Context, logger *zap.Logger, path string, rep *schemas.Report, duration time.Duration) error {
	arch, err := report.OpenArchive(path, logger)
	if err != nil {
		return err
	}
	defer arch.Close()
	return arch.Record(ctx, rep, duration)
}
