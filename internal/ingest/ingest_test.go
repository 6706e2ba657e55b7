package ingest

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/atlas-cli/internal/graph"
	"github.com/xkilldash9x/atlas-cli/internal/retry"
	"github.com/xkilldash9x/atlas-cli/internal/schema"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// fastRetry keeps backoff out of test runtime.
func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func newTestIngestor(t *testing.T, cfg Config) (*Ingestor, pgxmock.PgxPoolIface) {
	t.Helper()

	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	g, err := graph.New(context.Background(), mockPool, graph.Options{Retry: fastRetry()}, zap.NewNop())
	require.NoError(t, err)
	return New(g, schema.NewDefault(), cfg, zap.NewNop()), mockPool
}

func TestIngestNodes(t *testing.T) {
	ctx := context.Background()

	t.Run("should upsert valid records in batches", func(t *testing.T) {
		ing, mockPool := newTestIngestor(t, Config{BatchSize: 2})
		epoch := ing.BeginEpoch()

		records := []graph.Record{
			{"instance_id": "i-1"},
			{"instance_id": "i-2"},
			{"instance_id": "i-3"},
			{"name": "no-identity"},
		}

		mockPool.ExpectBegin()
		first := mockPool.ExpectBatch()
		first.ExpectExec(flexibleSQLMatcher(upsertNodeSQL)).
			WithArgs("Instance", "i-1", []byte(`{"instance_id":"i-1"}`), epoch).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		first.ExpectExec(flexibleSQLMatcher(upsertNodeSQL)).
			WithArgs("Instance", "i-2", []byte(`{"instance_id":"i-2"}`), epoch).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		mockPool.ExpectBegin()
		second := mockPool.ExpectBatch()
		second.ExpectExec(flexibleSQLMatcher(upsertNodeSQL)).
			WithArgs("Instance", "i-3", []byte(`{"instance_id":"i-3"}`), epoch).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		result, err := ing.IngestNodes(ctx, schema.KindInstance, records)
		require.NoError(t, err)
		assert.Equal(t, 4, result.Total)
		assert.Equal(t, 3, result.Upserted)
		assert.Equal(t, 1, result.Rejected)
		assert.True(t, result.Complete())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should isolate a poison batch and keep going", func(t *testing.T) {
		ing, mockPool := newTestIngestor(t, Config{BatchSize: 1})
		epoch := ing.BeginEpoch()

		permErr := &pgconn.PgError{Code: "23502", Message: "null value in column"}
		mockPool.ExpectBegin()
		poisoned := mockPool.ExpectBatch()
		poisoned.ExpectExec(flexibleSQLMatcher(upsertNodeSQL)).
			WithArgs("Volume", "vol-1", []byte(`{"volume_id":"vol-1"}`), epoch).
			WillReturnError(permErr)
		mockPool.ExpectRollback()

		mockPool.ExpectBegin()
		healthy := mockPool.ExpectBatch()
		healthy.ExpectExec(flexibleSQLMatcher(upsertNodeSQL)).
			WithArgs("Volume", "vol-2", []byte(`{"volume_id":"vol-2"}`), epoch).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		records := []graph.Record{{"volume_id": "vol-1"}, {"volume_id": "vol-2"}}
		result, err := ing.IngestNodes(ctx, schema.KindVolume, records)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Upserted)
		assert.False(t, result.Complete())
		require.Len(t, result.FailedBatches, 1)
		assert.Equal(t, 1, result.FailedBatches[0].Batch)
		assert.Equal(t, schema.KindVolume, result.FailedBatches[0].Kind)
		assert.ErrorIs(t, result.FailedBatches[0], permErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject unknown kinds", func(t *testing.T) {
		ing, _ := newTestIngestor(t, Config{})

		_, err := ing.IngestNodes(ctx, "dns-zone", nil)
		var unknown *schema.UnknownKindError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "dns-zone", unknown.Kind)
	})

	t.Run("should warn about records missing identity", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		ing := New(nil, schema.NewDefault(), Config{}, zap.New(core))

		// Every record is invalid, so no batch ever reaches the session.
		result, err := ing.IngestNodes(ctx, schema.KindInstance, []graph.Record{{"name": "nameless"}})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Rejected)
		assert.Equal(t, 1, logs.FilterMessage("Rejected records missing identity").Len())
	})

	t.Run("should stop on cancellation", func(t *testing.T) {
		ing, _ := newTestIngestor(t, Config{})

		canceled, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := ing.IngestNodes(canceled, schema.KindInstance, []graph.Record{{"instance_id": "i-1"}})
		require.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, result)
		assert.Zero(t, result.Upserted)
	})
}

func TestIngestAllNodes(t *testing.T) {
	t.Run("should ingest kinds in sorted order when serialized", func(t *testing.T) {
		ing, mockPool := newTestIngestor(t, Config{Concurrency: 1})
		epoch := ing.BeginEpoch()

		// instance sorts before volume, so its transaction comes first.
		mockPool.ExpectBegin()
		instances := mockPool.ExpectBatch()
		instances.ExpectExec(flexibleSQLMatcher(upsertNodeSQL)).
			WithArgs("Instance", "i-1", []byte(`{"instance_id":"i-1"}`), epoch).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		mockPool.ExpectBegin()
		volumes := mockPool.ExpectBatch()
		volumes.ExpectExec(flexibleSQLMatcher(upsertNodeSQL)).
			WithArgs("Volume", "vol-1", []byte(`{"volume_id":"vol-1"}`), epoch).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		byKind := map[string][]graph.Record{
			schema.KindVolume:   {{"volume_id": "vol-1"}},
			schema.KindInstance: {{"instance_id": "i-1"}},
		}
		results, err := ing.IngestAllNodes(context.Background(), byKind)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, 1, results[schema.KindInstance].Upserted)
		assert.Equal(t, 1, results[schema.KindVolume].Upserted)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestIngestRelationships(t *testing.T) {
	ctx := context.Background()

	t.Run("should count pairs with unresolved endpoints as skipped", func(t *testing.T) {
		ing, mockPool := newTestIngestor(t, Config{})
		epoch := ing.BeginEpoch()

		mockPool.ExpectBegin()
		batch := mockPool.ExpectBatch()
		batch.ExpectExec(flexibleSQLMatcher(upsertEdgeSQL)).
			WithArgs(schema.RelMemberOf, epoch, "Instance", "instance_id", "i-1", "FirewallGroup", "group_id", "fwg-1").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		batch.ExpectExec(flexibleSQLMatcher(upsertEdgeSQL)).
			WithArgs(schema.RelMemberOf, epoch, "Instance", "instance_id", "i-2", "FirewallGroup", "group_id", "fwg-9").
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		pairs := []Pair{
			{SourceID: "i-1", TargetID: "fwg-1"},
			{SourceID: "i-2", TargetID: "fwg-9"}, // group never ingested
			{SourceID: "", TargetID: "fwg-1"},
		}
		result, err := ing.IngestRelationships(ctx, schema.RelMemberOf, pairs)
		require.NoError(t, err)
		assert.Equal(t, 3, result.Total)
		assert.Equal(t, 1, result.Upserted)
		assert.Equal(t, 1, result.Skipped)
		assert.Equal(t, 1, result.Rejected)
		assert.True(t, result.Complete())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should swap endpoints for inward relationships", func(t *testing.T) {
		ing, mockPool := newTestIngestor(t, Config{})
		epoch := ing.BeginEpoch()

		// HAS_RULE is declared by the rule but stored group -> rule, so the
		// group resolves as the statement's source endpoint.
		mockPool.ExpectBegin()
		batch := mockPool.ExpectBatch()
		batch.ExpectExec(flexibleSQLMatcher(upsertEdgeSQL)).
			WithArgs(schema.RelHasRule, epoch, "FirewallGroup", "group_id", "fwg-1", "FirewallRule", "rule_id", "rule-1").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		result, err := ing.IngestRelationships(ctx, schema.RelHasRule, []Pair{{SourceID: "rule-1", TargetID: "fwg-1"}})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Upserted)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should record a failed batch and keep later batches", func(t *testing.T) {
		ing, mockPool := newTestIngestor(t, Config{BatchSize: 1})
		epoch := ing.BeginEpoch()

		permErr := &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}
		mockPool.ExpectBegin()
		poisoned := mockPool.ExpectBatch()
		poisoned.ExpectExec(flexibleSQLMatcher(upsertEdgeSQL)).
			WithArgs(schema.RelAttachedTo, epoch, "Volume", "volume_id", "vol-1", "Instance", "instance_id", "i-1").
			WillReturnError(permErr)
		mockPool.ExpectRollback()

		mockPool.ExpectBegin()
		healthy := mockPool.ExpectBatch()
		healthy.ExpectExec(flexibleSQLMatcher(upsertEdgeSQL)).
			WithArgs(schema.RelAttachedTo, epoch, "Volume", "volume_id", "vol-2", "Instance", "instance_id", "i-2").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		pairs := []Pair{
			{SourceID: "vol-1", TargetID: "i-1"},
			{SourceID: "vol-2", TargetID: "i-2"},
		}
		result, err := ing.IngestRelationships(ctx, schema.RelAttachedTo, pairs)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Upserted)
		require.Len(t, result.FailedBatches, 1)
		assert.Equal(t, 1, result.FailedBatches[0].Batch)
		assert.ErrorIs(t, result.FailedBatches[0], permErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject unknown labels", func(t *testing.T) {
		ing, _ := newTestIngestor(t, Config{})

		_, err := ing.IngestRelationships(ctx, "PEERS_WITH", nil)
		var unknown *schema.UnknownRelationshipError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "PEERS_WITH", unknown.Label)
	})
}

func TestDerivePairs(t *testing.T) {
	ing := New(nil, schema.NewDefault(), Config{}, nil)

	records := []graph.Record{
		{"instance_id": "i-1", "group_id": "fwg-1", "subnet_id": "sn-1"},
		{"instance_id": "i-2", "subnet_id": "sn-2"}, // no group membership
		{"name": "no-identity", "group_id": "fwg-1"},
	}
	pairs, err := ing.DerivePairs(schema.KindInstance, records)
	require.NoError(t, err)

	assert.Equal(t, []Pair{{SourceID: "i-1", TargetID: "fwg-1"}}, pairs[schema.RelMemberOf])
	assert.Equal(t, []Pair{
		{SourceID: "i-1", TargetID: "sn-1"},
		{SourceID: "i-2", TargetID: "sn-2"},
	}, pairs[schema.RelLocatedIn])

	_, err = ing.DerivePairs("dns-zone", nil)
	assert.Error(t, err)
}

func TestEpochTags(t *testing.T) {
	ing := New(nil, schema.NewDefault(), Config{}, nil)

	first := ing.BeginEpoch()
	second := ing.BeginEpoch()
	assert.Greater(t, second, first, "two passes must never share a tag")
	assert.Equal(t, second, ing.Epoch())
}

func TestConfigNormalized(t *testing.T) {
	cfg := Config{}.normalized()
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, 1000, cfg.SweepLimit)
	assert.Equal(t, 1, cfg.Concurrency)

	custom := Config{BatchSize: 50, SweepLimit: 10, Concurrency: 4}.normalized()
	assert.Equal(t, Config{BatchSize: 50, SweepLimit: 10, Concurrency: 4}, custom)
}
