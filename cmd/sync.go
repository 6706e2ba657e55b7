// File: cmd/sync.go
package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	// Register the pgx database/sql driver for the migration handle.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/internal/config"
	"github.com/xkilldash9x/atlas-cli/internal/feed"
	"github.com/xkilldash9x/atlas-cli/internal/graph"
	"github.com/xkilldash9x/atlas-cli/internal/ingest"
	"github.com/xkilldash9x/atlas-cli/internal/observability"
	"github.com/xkilldash9x/atlas-cli/internal/retry"
	"github.com/xkilldash9x/atlas-cli/internal/schema"
	"github.com/xkilldash9x/atlas-cli/internal/synth"
)

// sessionProvider defines an interface for components that can create a
// graph session. This abstraction is crucial for testing, as it allows
// the injection of a fake session instead of a live database connection.
type sessionProvider interface {
	// Create initializes and returns a graph.Session, a cleanup function
	// to release resources, and an error if the creation fails.
	Create(ctx context.Context, cfg config.Interface) (graph.Session, func(), error)
}

// defaultSessionProvider is the concrete implementation used in
// production. It connects a pgx pool and wraps it in the retrying
// gateway.
type defaultSessionProvider struct{}

// NewSessionProvider returns the production session provider.
func NewSessionProvider() sessionProvider {
	return &defaultSessionProvider{}
}

func (p *defaultSessionProvider) Create(ctx context.Context, cfg config.Interface) (graph.Session, func(), error) {
	logger := observability.GetLogger()
	dbCfg := cfg.Database()
	if dbCfg.URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (ATLAS_DATABASE_URL)")
	}

	pool, err := pgxpool.New(ctx, dbCfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	ingCfg := cfg.Ingest()
	gw, err := graph.New(ctx, pool, graph.Options{
		Retry: retry.Config{
			MaxAttempts:  ingCfg.MaxRetries,
			InitialDelay: ingCfg.RetryBaseDelay,
			MaxDelay:     ingCfg.RetryMaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
		WriteRate:  dbCfg.WriteRate,
		WriteBurst: dbCfg.WriteBurst,
	}, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to open graph gateway: %w", err)
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return gw, cleanup, nil
}

// migrateFn applies pending schema migrations before a sync touches the
// graph. It is a variable so tests can swap it out.
var migrateFn = func(logger *zap.Logger, cfg config.Interface) error {
	dbCfg := cfg.Database()
	if dbCfg.URL == "" {
		return fmt.Errorf("database URL is not configured (ATLAS_DATABASE_URL)")
	}
	db, err := sql.Open("pgx", dbCfg.URL)
	if err != nil {
		return fmt.Errorf("opening migration handle: %w", err)
	}
	defer db.Close()
	return graph.RunMigrations(logger, db, dbCfg.MigrationsPath)
}

// newSyncCmd creates and configures the `sync` command.
func newSyncCmd(provider sessionProvider) *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Ingest an infrastructure feed into the property graph",
		Long: `Reads a resource feed (NDJSON, optionally brotli-compressed), upserts
nodes and relationships under a fresh epoch, then sweeps everything the
feed no longer contains. With --follow the feed is tailed and each
snapshot is ingested as the next epoch marker arrives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := finalizeConfig(cmd, map[string]string{
				"ingest.batch_size":  "batch-size",
				"ingest.sweep_limit": "sweep-limit",
			})
			if err != nil {
				return err
			}

			input, _ := cmd.Flags().GetString("input")
			follow, _ := cmd.Flags().GetBool("follow")
			mock, _ := cmd.Flags().GetBool("mock")
			seed, _ := cmd.Flags().GetInt64("seed")
			cfg.SetSyncConfig(config.SyncConfig{
				Input:  input,
				Follow: follow,
				Mock:   mock,
				Seed:   seed,
			})

			return runSync(ctx, logger, cfg, provider, cmd.OutOrStdout())
		},
	}

	syncCmd.Flags().StringP("input", "i", "", "Feed file to ingest (NDJSON; a .br suffix is decompressed transparently)")
	syncCmd.Flags().Bool("follow", false, "Keep tailing the feed and ingest each snapshot as its next epoch marker arrives")
	syncCmd.Flags().Bool("mock", false, "Ingest a generated synthetic dataset instead of a feed file")
	syncCmd.Flags().Int64("seed", 1, "Seed for the synthetic dataset (with --mock)")
	syncCmd.Flags().Int("batch-size", 0, "Records per write transaction. (Overrides config/env)")
	syncCmd.Flags().Int("sweep-limit", 0, "Rows removed per stale-sweep statement. (Overrides config/env)")
	return syncCmd
}

// runSync contains the core, testable logic for the sync command.
func runSync(ctx context.Context, logger *zap.Logger, cfg config.Interface, provider sessionProvider, out io.Writer) error {
	sc := cfg.Sync()
	if !sc.Mock && sc.Input == "" {
		return errors.New("either --input or --mock is required")
	}
	if sc.Mock && sc.Follow {
		return errors.New("--follow cannot be combined with --mock")
	}

	if err := migrateFn(logger, cfg); err != nil {
		return fmt.Errorf("applying graph migrations: %w", err)
	}

	sess, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open graph session: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	ingCfg := cfg.Ingest()
	ing := ingest.New(sess, schema.NewDefault(), ingest.Config{
		BatchSize:   ingCfg.BatchSize,
		SweepLimit:  ingCfg.SweepLimit,
		Concurrency: ingCfg.Concurrency,
	}, logger)

	if err := ing.EnsureAllIndexes(ctx); err != nil {
		return fmt.Errorf("ensuring indexes: %w", err)
	}

	run := &syncRun{ing: ing, log: logger}

	switch {
	case sc.Mock:
		logger.Info("Ingesting synthetic dataset", zap.Int64("seed", sc.Seed))
		ds := synth.New(sc.Seed, synth.DefaultSpec()).Generate()
		snap := feed.NewSnapshot()
		snap.RecordsByKind = ds.RecordsByKind
		snap.PairsByRel = ds.PairsByRel
		snap.Epoch = time.Now().Unix()
		if err := run.ingestSnapshot(ctx, snap); err != nil {
			return err
		}
	case sc.Follow:
		return run.followFeed(ctx, sc.Input)
	default:
		snap, err := feed.ReadFile(sc.Input, logger)
		if err != nil {
			return err
		}
		if err := run.ingestSnapshot(ctx, snap); err != nil {
			return err
		}
	}

	stats, err := ing.Statistics(ctx)
	if err != nil {
		return fmt.Errorf("collecting graph statistics: %w", err)
	}
	printStats(out, stats)
	return nil
}

// syncRun bundles what one ingestion pass operates on.
type syncRun struct {
	ing *ingest.Ingestor
	log *zap.Logger
}

// ingestSnapshot writes one complete snapshot: nodes first, then
// relationships (pairs derived from the records plus the feed's explicit
// ones), then sweeps everything the snapshot no longer contains.
func (r *syncRun) ingestSnapshot(ctx context.Context, snap *feed.Snapshot) error {
	epoch := r.ing.BeginEpoch()

	nodeResults, err := r.ing.IngestAllNodes(ctx, snap.RecordsByKind)
	if err != nil {
		return fmt.Errorf("ingesting nodes: %w", err)
	}

	pairs := make(map[string][]ingest.Pair)
	kinds := make([]string, 0, len(snap.RecordsByKind))
	for kind := range snap.RecordsByKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		derived, derr := r.ing.DerivePairs(kind, snap.RecordsByKind[kind])
		if derr != nil {
			return fmt.Errorf("deriving %s relationships: %w", kind, derr)
		}
		for rel, ps := range derived {
			pairs[rel] = append(pairs[rel], ps...)
		}
	}
	for rel, ps := range snap.PairsByRel {
		pairs[rel] = append(pairs[rel], ps...)
	}

	rels := make([]string, 0, len(pairs))
	for rel := range pairs {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	var failedBatches int
	for _, res := range nodeResults {
		failedBatches += len(res.FailedBatches)
	}
	for _, rel := range rels {
		res, rerr := r.ing.IngestRelationships(ctx, rel, pairs[rel])
		if rerr != nil {
			return fmt.Errorf("ingesting %s relationships: %w", rel, rerr)
		}
		failedBatches += len(res.FailedBatches)
	}

	nodesSwept, edgesSwept, err := r.ing.SweepAll(ctx, epoch)
	if err != nil {
		return fmt.Errorf("sweeping stale rows: %w", err)
	}

	r.log.Info("Snapshot ingested",
		zap.Int64("epoch", epoch),
		zap.Int64("feed_epoch", snap.Epoch),
		zap.Int("malformed_lines", snap.Malformed),
		zap.Int64("nodes_swept", nodesSwept),
		zap.Int64("edges_swept", edgesSwept),
		zap.Int("failed_batches", failedBatches))
	return nil
}

// followFeed tails the feed and ingests a snapshot whenever the NEXT
// epoch marker arrives; the marker that opens a snapshot is the only
// signal that the previous one is complete. Runs until the context is
// canceled.
func (r *syncRun) followFeed(ctx context.Context, path string) error {
	pending := feed.NewSnapshot()
	var open bool

	r.log.Info("Following feed", zap.String("path", path))
	err := feed.Follow(ctx, path, func(env *feed.Envelope) error {
		if env.Epoch > 0 {
			if open && pending.Records() > 0 {
				if err := r.ingestSnapshot(ctx, pending); err != nil {
					return err
				}
			}
			pending = feed.NewSnapshot()
			pending.Add(env)
			open = true
			return nil
		}
		pending.Add(env)
		return nil
	}, r.log)

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("following feed: %w", err)
	}
	r.log.Info("Feed follow stopped")
	return nil
}
