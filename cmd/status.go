// File: cmd/status.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/internal/config"
	"github.com/xkilldash9x/atlas-cli/internal/ingest"
	"github.com/xkilldash9x/atlas-cli/internal/observability"
	"github.com/xkilldash9x/atlas-cli/internal/report"
	"github.com/xkilldash9x/atlas-cli/internal/schema"
)

// newStatusCmd creates and configures the `status` command.
func newStatusCmd(provider sessionProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show graph contents and recent analysis runs",
		Long: `Counts nodes and edges per label in the property graph and, when a run
archive exists, lists the most recent analysis runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runStatus(ctx, logger, cfg, provider, cmd.OutOrStdout())
		},
	}
}

// runStatus contains the core, testable logic for the status command.
func runStatus(ctx context.Context, logger *zap.Logger, cfg config.Interface, provider sessionProvider, out io.Writer) error {
	sess, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open graph session: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	ing := ingest.New(sess, schema.NewDefault(), ingest.Config{}, logger)
	stats, err := ing.Statistics(ctx)
	if err != nil {
		return fmt.Errorf("collecting graph statistics: %w", err)
	}
	printStats(out, stats)

	archivePath := cfg.Report().ArchivePath
	if archivePath == "" {
		return nil
	}
	if _, err := os.Stat(archivePath); err != nil {
		// No archive yet means no runs to list, not a broken status command.
		return nil
	}
	arch, err := report.OpenArchive(archivePath, logger)
	if err != nil {
		return fmt.Errorf("opening run archive: %w", err)
	}
	defer arch.Close()

	runs, err := arch.RecentRuns(ctx, 5)
	if err != nil {
		return fmt.Errorf("listing recent runs: %w", err)
	}
	printRecentRuns(out, runs)
	return nil
}

// printStats renders per-label node and edge counts.
func printStats(out io.Writer, stats *ingest.Stats) {
	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODES\tCOUNT")
	for _, label := range sortedKeys(stats.NodesByLabel) {
		fmt.Fprintf(tw, "%s\t%d\n", label, stats.NodesByLabel[label])
	}
	fmt.Fprintf(tw, "TOTAL\t%d\n", stats.TotalNodes)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "EDGES\tCOUNT")
	for _, label := range sortedKeys(stats.EdgesByLabel) {
		fmt.Fprintf(tw, "%s\t%d\n", label, stats.EdgesByLabel[label])
	}
	fmt.Fprintf(tw, "TOTAL\t%d\n", stats.TotalEdges)
	tw.Flush()
}

// printRecentRuns renders the archived run history, newest first.
func printRecentRuns(out io.Writer, runs []report.RunSummary) {
	if len(runs) == 0 {
		return
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tGENERATED\tFINDINGS\tFAILED RULES\tDURATION")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			run.RunID,
			run.GeneratedAt.Format(time.RFC3339),
			run.TotalFindings,
			run.FailedRules,
			run.Duration.Round(time.Millisecond))
	}
	tw.Flush()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
