package report

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := OpenArchive(filepath.Join(t.TempDir(), "history.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	return a
}

func TestArchiveRecordAndList(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	first := sampleReport()
	require.NoError(t, a.Record(ctx, first, 1500*time.Millisecond))

	second := sampleReport()
	second.RunID = "0f2c8a31-9a77-49a2-8e43-1a2b3c4d5e6f"
	second.GeneratedAt = first.GeneratedAt.Add(time.Hour)
	second.Findings = second.Findings[:1]
	second.Summary = schemas.AnalysisSummary{
		TotalFindings:     1,
		BySeverity:        map[schemas.Severity]int{schemas.SeverityLow: 1},
		ByRule:            map[string]int{"orphaned-volume": 1},
		AffectedResources: 2,
	}
	second.Failures = nil
	require.NoError(t, a.Record(ctx, second, 900*time.Millisecond))

	t.Run("lists newest run first", func(t *testing.T) {
		runs, err := a.RecentRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)

		assert.Equal(t, second.RunID, runs[0].RunID)
		assert.Equal(t, first.RunID, runs[1].RunID)

		assert.Equal(t, 1, runs[0].TotalFindings)
		assert.Equal(t, 2, runs[1].TotalFindings)
		assert.Equal(t, 1, runs[1].BySeverity[schemas.SeverityCritical])
		assert.Equal(t, 1, runs[1].FailedRules)
		assert.Equal(t, 1500*time.Millisecond, runs[1].Duration)
		assert.True(t, runs[1].GeneratedAt.Equal(first.GeneratedAt))
	})

	t.Run("honors the limit", func(t *testing.T) {
		runs, err := a.RecentRuns(ctx, 1)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, second.RunID, runs[0].RunID)
	})

	t.Run("reloads findings with resources intact", func(t *testing.T) {
		findings, err := a.RunFindings(ctx, first.RunID)
		require.NoError(t, err)
		require.Len(t, findings, 2)

		assert.Equal(t, "orphaned-volume", findings[0].RuleID)
		assert.Equal(t, schemas.SeverityLow, findings[0].Severity)
		require.Len(t, findings[0].AffectedResources, 2)
		assert.Equal(t, "vol-2", findings[0].AffectedResources[0].ID)
		assert.Equal(t, "scratch", findings[0].AffectedResources[0].Name)
	})

	t.Run("unknown run has no findings", func(t *testing.T) {
		findings, err := a.RunFindings(ctx, "no-such-run")
		require.NoError(t, err)
		assert.Empty(t, findings)
	})
}

func TestArchiveRejectsDuplicateRun(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	rep := sampleReport()
	require.NoError(t, a.Record(ctx, rep, time.Second))

	// run_id is the primary key; recording the same run twice must fail
	// and must not leave partial findings behind.
	err := a.Record(ctx, rep, time.Second)
	require.Error(t, err)

	findings, err := a.RunFindings(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Len(t, findings, 2)
}
