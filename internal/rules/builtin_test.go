package rules

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/graph"
	"github.com/xkilldash9x/atlas-cli/internal/retry"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// newMockSession returns a gateway backed by a pgxmock pool, so rule SQL
// and arguments flow through the same path they take in production.
func newMockSession(t *testing.T) (graph.Session, pgxmock.PgxPoolIface) {
	t.Helper()

	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	sess, err := graph.New(context.Background(), mockPool, graph.Options{Retry: fastRetry()}, zap.NewNop())
	require.NoError(t, err)
	return sess, mockPool
}

func TestRegisterBuiltins(t *testing.T) {
	e := NewEngine(fakeSession{}, zaptest.NewLogger(t))
	require.NoError(t, RegisterBuiltins(e))

	infos := e.Rules()
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	assert.Equal(t, []string{
		RuleExposedSSH,
		RuleExposedRDP,
		RulePermissiveIngress,
		RuleUnencryptedVolume,
		RuleOrphanedVolume,
		RuleUnusedFirewallGroup,
		RuleNetworkSegmentation,
		RuleStoppedInstance,
		RuleSingleZoneNetwork,
	}, ids)

	// Registering twice on the same engine collides on every ID.
	assert.Error(t, RegisterBuiltins(e))
}

func TestManagementPortRule(t *testing.T) {
	ctx := context.Background()
	rule := &managementPortRule{
		id:      RuleExposedSSH,
		name:    "Exposed SSH service",
		service: "SSH",
		port:    22,
		flag:    "exposed_ssh",
	}

	exposureCols := []string{"instance_id", "instance_name", "public_ip", "group_name"}

	t.Run("one exposed instance produces exactly one finding", func(t *testing.T) {
		sess, mockPool := newMockSession(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(managementPortSQL)).
			WithArgs(22).
			WillReturnRows(pgxmock.NewRows(exposureCols).
				AddRow("i-0001", "web-1", "203.0.113.10", "g-edge"))
		mockPool.ExpectExec(flexibleSQLMatcher(annotateInstanceFlagSQL)).
			WithArgs([]string{"i-0001"}, []string{"exposed_ssh"}).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		findings, err := rule.Evaluate(ctx, sess)
		require.NoError(t, err)
		require.Len(t, findings, 1)

		f := findings[0]
		assert.Equal(t, RuleExposedSSH, f.RuleID)
		assert.Equal(t, schemas.SeverityHigh, f.Severity)
		require.Len(t, f.AffectedResources, 1)
		assert.Equal(t, "i-0001", f.AffectedResources[0].ID)
		assert.Equal(t, "web-1", f.AffectedResources[0].Name)
		assert.Equal(t, []string{"g-edge"}, f.AffectedResources[0].Details["firewall_groups"])
		assert.Equal(t, 1, f.Metadata["count"])
		assert.Equal(t, 22, f.Metadata["port"])

		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("no rows means no finding and no annotation", func(t *testing.T) {
		sess, mockPool := newMockSession(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(managementPortSQL)).
			WithArgs(22).
			WillReturnRows(pgxmock.NewRows(exposureCols))

		findings, err := rule.Evaluate(ctx, sess)
		require.NoError(t, err)
		assert.Empty(t, findings)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("rows for the same instance fold into one resource", func(t *testing.T) {
		sess, mockPool := newMockSession(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(managementPortSQL)).
			WithArgs(22).
			WillReturnRows(pgxmock.NewRows(exposureCols).
				AddRow("i-0001", "web-1", "203.0.113.10", "g-edge").
				AddRow("i-0001", "web-1", "203.0.113.10", "g-mgmt").
				AddRow("i-0002", "web-2", "203.0.113.11", "g-edge"))
		mockPool.ExpectExec(flexibleSQLMatcher(annotateInstanceFlagSQL)).
			WithArgs([]string{"i-0001", "i-0002"}, []string{"exposed_ssh"}).
			WillReturnResult(pgxmock.NewResult("UPDATE", 2))

		findings, err := rule.Evaluate(ctx, sess)
		require.NoError(t, err)
		require.Len(t, findings, 1)
		require.Len(t, findings[0].AffectedResources, 2)
		assert.Equal(t, []string{"g-edge", "g-mgmt"},
			findings[0].AffectedResources[0].Details["firewall_groups"])
		assert.Equal(t, 2, findings[0].Metadata["count"])
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("query failure surfaces as an error", func(t *testing.T) {
		sess, mockPool := newMockSession(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(managementPortSQL)).
			WithArgs(22).
			WillReturnError(errors.New("relation does not exist"))

		_, err := rule.Evaluate(ctx, sess)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SSH")
	})

	t.Run("annotation failure fails the rule", func(t *testing.T) {
		sess, mockPool := newMockSession(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(managementPortSQL)).
			WithArgs(22).
			WillReturnRows(pgxmock.NewRows(exposureCols).
				AddRow("i-0001", "web-1", "203.0.113.10", "g-edge"))
		mockPool.ExpectExec(flexibleSQLMatcher(annotateInstanceFlagSQL)).
			WillReturnError(errors.New("permission denied"))

		_, err := rule.Evaluate(ctx, sess)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "annotating")
	})
}

func TestPermissiveIngressRule(t *testing.T) {
	ctx := context.Background()
	rule := &permissiveIngressRule{}

	t.Run("flags and annotates wide-open groups", func(t *testing.T) {
		sess, mockPool := newMockSession(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(permissiveIngressSQL)).
			WillReturnRows(pgxmock.NewRows([]string{"group_id", "group_name", "rule_id"}).
				AddRow("g-open", "allow-all", "r-1").
				AddRow("g-open", "allow-all", "r-2"))
		mockPool.ExpectExec(flexibleSQLMatcher(annotateGroupFlagSQL)).
			WithArgs([]string{"g-open"}).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		findings, err := rule.Evaluate(ctx, sess)
		require.NoError(t, err)
		require.Len(t, findings, 1)
		assert.Equal(t, schemas.SeverityCritical, findings[0].Severity)
		require.Len(t, findings[0].AffectedResources, 1)
		assert.Equal(t, []string{"r-1", "r-2"}, findings[0].AffectedResources[0].Details["rules"])
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("clean graph yields nothing", func(t *testing.T) {
		sess, mockPool := newMockSession(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(permissiveIngressSQL)).
			WillReturnRows(pgxmock.NewRows([]string{"group_id", "group_name", "rule_id"}))

		findings, err := rule.Evaluate(ctx, sess)
		require.NoError(t, err)
		assert.Empty(t, findings)
	})
}

func TestOrphanedVolumeRule(t *testing.T) {
	ctx := context.Background()
	rule := &orphanedVolumeRule{}

	t.Run("lists exactly the unattached volumes", func(t *testing.T) {
		sess, mockPool := newMockSession(t)

		// Three volumes exist; the query returns only the two orphans.
		mockPool.ExpectQuery(flexibleSQLMatcher(orphanedVolumeSQL)).
			WillReturnRows(pgxmock.NewRows([]string{"volume_id", "volume_name", "size_gb"}).
				AddRow("vol-2", "scratch", "100").
				AddRow("vol-3", "old-backup", "500"))

		findings, err := rule.Evaluate(ctx, sess)
		require.NoError(t, err)
		require.Len(t, findings, 1)

		f := findings[0]
		require.Len(t, f.AffectedResources, 2)
		assert.Equal(t, "vol-2", f.AffectedResources[0].ID)
		assert.Equal(t, "vol-3", f.AffectedResources[1].ID)
		assert.Equal(t, 2, f.Metadata["count"])
		assert.Equal(t, int64(600), f.Metadata["total_size_gb"])
		assert.InDelta(t, 60.0, f.Metadata["estimated_monthly_cost_usd"], 0.001)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("fully attached fleet yields nothing", func(t *testing.T) {
		sess, mockPool := newMockSession(t)

		mockPool.ExpectQuery(flexibleSQLMatcher(orphanedVolumeSQL)).
			WillReturnRows(pgxmock.NewRows([]string{"volume_id", "volume_name", "size_gb"}))

		findings, err := rule.Evaluate(ctx, sess)
		require.NoError(t, err)
		assert.Empty(t, findings)
	})
}

func TestUnencryptedVolumeRule(t *testing.T) {
	sess, mockPool := newMockSession(t)

	mockPool.ExpectQuery(flexibleSQLMatcher(unencryptedVolumeSQL)).
		WillReturnRows(pgxmock.NewRows([]string{"volume_id", "volume_name", "size_gb", "instance_id"}).
			AddRow("vol-1", "data", "200", "i-0001"))

	findings, err := (&unencryptedVolumeRule{}).Evaluate(context.Background(), sess)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, schemas.SeverityMedium, findings[0].Severity)
	assert.Equal(t, "i-0001", findings[0].AffectedResources[0].Details["attached_to"])
	assert.Equal(t, int64(200), findings[0].AffectedResources[0].Details["size_gb"])
}

func TestNetworkSegmentationRule(t *testing.T) {
	sess, mockPool := newMockSession(t)

	mockPool.ExpectQuery(flexibleSQLMatcher(networkSegmentationSQL)).
		WillReturnRows(pgxmock.NewRows([]string{"network_id", "network_name", "subnets", "instances"}).
			AddRow("net-1", "prod", int64(2), int64(5)).
			AddRow("net-2", "staging", int64(1), int64(0)))

	findings, err := (&networkSegmentationRule{}).Evaluate(context.Background(), sess)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, schemas.SeverityInfo, f.Severity)
	require.Len(t, f.AffectedResources, 2)
	assert.Equal(t, int64(2), f.AffectedResources[0].Details["subnets"])
	assert.Equal(t, int64(3), f.Metadata["total_subnets"])
	assert.Equal(t, int64(5), f.Metadata["total_instances"])
}

func TestStoppedInstanceRule(t *testing.T) {
	sess, mockPool := newMockSession(t)

	mockPool.ExpectQuery(flexibleSQLMatcher(stoppedInstanceSQL)).
		WillReturnRows(pgxmock.NewRows([]string{"instance_id", "instance_name", "attached_gb"}).
			AddRow("i-0009", "batch-old", int64(250)).
			AddRow("i-0010", "batch-older", int64(0)))

	findings, err := (&stoppedInstanceRule{}).Evaluate(context.Background(), sess)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, int64(250), findings[0].AffectedResources[0].Details["attached_gb"])
	assert.InDelta(t, 100.0, findings[0].Metadata["estimated_monthly_savings_usd"], 0.001)
}

func TestSingleZoneNetworkRule(t *testing.T) {
	sess, mockPool := newMockSession(t)

	mockPool.ExpectQuery(flexibleSQLMatcher(singleZoneNetworkSQL)).
		WillReturnRows(pgxmock.NewRows([]string{"network_id", "network_name", "zones"}).
			AddRow("net-2", "staging", int64(1)))

	findings, err := (&singleZoneNetworkRule{}).Evaluate(context.Background(), sess)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, schemas.SeverityMedium, findings[0].Severity)
	assert.Equal(t, "net-2", findings[0].AffectedResources[0].ID)
}

func TestUnusedFirewallGroupRule(t *testing.T) {
	sess, mockPool := newMockSession(t)

	mockPool.ExpectQuery(flexibleSQLMatcher(unusedFirewallGroupSQL)).
		WillReturnRows(pgxmock.NewRows([]string{"group_id", "group_name"}).
			AddRow("g-stale", "legacy-db"))

	findings, err := (&unusedFirewallGroupRule{}).Evaluate(context.Background(), sess)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, schemas.SeverityLow, findings[0].Severity)
	assert.Equal(t, "g-stale", findings[0].AffectedResources[0].ID)
}
