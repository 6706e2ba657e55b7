// Package ingest implements the schema-driven write path: batched
// idempotent node and edge upserts stamped with a monotonic epoch, stale
// sweeps for resources that stopped appearing upstream, and secondary
// index management. All writes go through the graph gateway, which owns
// retries, so a failure surfacing here has already exhausted its backoff.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/atlas-cli/internal/graph"
	"github.com/xkilldash9x/atlas-cli/internal/schema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const upsertNodeSQL = `
	INSERT INTO graph_nodes (label, id, properties, last_seen)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (label, id) DO UPDATE SET
		properties = EXCLUDED.properties,
		last_seen  = EXCLUDED.last_seen;
`

// upsertEdgeSQL resolves both endpoints in the same statement. A pair
// whose endpoints are not both present inserts zero rows, which the
// caller counts as skipped rather than failing the batch.
const upsertEdgeSQL = `
	INSERT INTO graph_edges (src_label, src_id, rel_label, dst_label, dst_id, last_seen)
	SELECT s.label, s.id, $1, d.label, d.id, $2
	FROM graph_nodes s, graph_nodes d
	WHERE s.label = $3 AND s.properties->>$4 = $5
	  AND d.label = $6 AND d.properties->>$7 = $8
	ON CONFLICT (src_label, src_id, rel_label, dst_label, dst_id) DO UPDATE SET
		last_seen = EXCLUDED.last_seen;
`

// Config tunes the ingestion engine. Zero values fall back to safe
// defaults so a partially populated config cannot stall ingestion.
type Config struct {
	// BatchSize is the number of records per write transaction.
	BatchSize int
	// SweepLimit bounds how many stale rows one sweep statement removes.
	SweepLimit int
	// Concurrency caps the independent kinds ingested in parallel.
	Concurrency int
}

func (c Config) normalized() Config {
	if c.BatchSize < 1 {
		c.BatchSize = 500
	}
	if c.SweepLimit < 1 {
		c.SweepLimit = 1000
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	return c
}

// Ingestor writes resource records into the graph according to their
// registered schemas. It is safe for concurrent use.
type Ingestor struct {
	sess     graph.Session
	registry *schema.Registry
	cfg      Config
	log      *zap.Logger

	mu    sync.Mutex
	epoch int64
}

// New returns an ingestor bound to a session and schema registry.
func New(sess graph.Session, registry *schema.Registry, cfg Config, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		sess:     sess,
		registry: registry,
		cfg:      cfg.normalized(),
		log:      logger,
	}
}

// BeginEpoch advances the ingestion epoch to the current unix timestamp.
// When the clock has not moved since the previous epoch the tag still
// advances by one, so two passes never share a tag.
func (in *Ingestor) BeginEpoch() int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	tag := time.Now().Unix()
	if tag <= in.epoch {
		tag = in.epoch + 1
	}
	in.epoch = tag
	return tag
}

// Epoch returns the current epoch tag, starting one if none is active.
func (in *Ingestor) Epoch() int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.epoch == 0 {
		in.epoch = time.Now().Unix()
	}
	return in.epoch
}

// IngestNodes upserts one kind's records as nodes. Records missing their
// identity field are rejected up front; the rest are written in batches,
// each batch one transaction. A batch that fails after retries is
// recorded on the result and ingestion moves to the next batch, so a
// poison batch cannot take the whole pass down. Re-ingesting a record in
// the same epoch is a no-op by construction.
func (in *Ingestor) IngestNodes(ctx context.Context, kind string, records []graph.Record) (*Result, error) {
	res, err := in.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	epoch := in.Epoch()
	result := &Result{Kind: kind, Label: res.Label, Total: len(records)}

	type row struct {
		id    string
		props []byte
	}
	rows := make([]row, 0, len(records))
	for _, rec := range records {
		id, _ := rec[res.IdentityField].(string)
		if id == "" {
			result.Rejected++
			continue
		}
		props, merr := json.Marshal(rec)
		if merr != nil {
			in.log.Warn("Dropping record that does not marshal",
				zap.String("kind", kind), zap.String("id", id), zap.Error(merr))
			result.Rejected++
			continue
		}
		rows = append(rows, row{id: id, props: props})
	}
	if result.Rejected > 0 {
		in.log.Warn("Rejected records missing identity",
			zap.String("kind", kind),
			zap.String("identity_field", res.IdentityField),
			zap.Int("rejected", result.Rejected))
	}

	for start := 0; start < len(rows); start += in.cfg.BatchSize {
		end := start + in.cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		batchNo := start/in.cfg.BatchSize + 1

		err := in.sess.WriteTx(ctx, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, r := range chunk {
				batch.Queue(upsertNodeSQL, res.Label, r.id, r.props, epoch)
			}
			br := tx.SendBatch(ctx, batch)
			defer br.Close()
			for _, r := range chunk {
				if _, execErr := br.Exec(); execErr != nil {
					return fmt.Errorf("upsert %s node %q: %w", res.Label, r.id, execErr)
				}
			}
			return nil
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			result.FailedBatches = append(result.FailedBatches, &BatchError{Kind: kind, Batch: batchNo, Err: err})
			in.log.Error("Node batch failed after retries",
				zap.String("kind", kind), zap.Int("batch", batchNo), zap.Error(err))
			continue
		}
		result.Upserted += len(chunk)
	}

	in.log.Info("Node ingestion finished",
		zap.String("kind", kind),
		zap.Int("total", result.Total),
		zap.Int("upserted", result.Upserted),
		zap.Int("rejected", result.Rejected),
		zap.Int("failed_batches", len(result.FailedBatches)),
		zap.Int64("epoch", epoch))
	return result, nil
}

// IngestAllNodes ingests several kinds concurrently. Kinds are
// independent: a batch failure inside one kind is reported on its result
// and does not stop the others. The returned error is reserved for
// configuration problems and cancellation.
func (in *Ingestor) IngestAllNodes(ctx context.Context, byKind map[string][]graph.Record) (map[string]*Result, error) {
	kinds := make([]string, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(in.cfg.Concurrency)

	var mu sync.Mutex
	results := make(map[string]*Result, len(byKind))

	for _, kind := range kinds {
		records := byKind[kind]
		eg.Go(func() error {
			res, err := in.IngestNodes(gctx, kind, records)
			if res != nil {
				mu.Lock()
				results[kind] = res
				mu.Unlock()
			}
			if err != nil {
				return fmt.Errorf("ingest %s nodes: %w", kind, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// IngestRelationships upserts edges for one relationship label. Endpoint
// resolution happens inside the upsert statement: a pair whose source or
// target node is absent affects zero rows and is counted as skipped,
// because relationships must never create nodes.
func (in *Ingestor) IngestRelationships(ctx context.Context, label string, pairs []Pair) (*Result, error) {
	binding, err := in.registry.Relationship(label)
	if err != nil {
		return nil, err
	}
	target, err := in.registry.Get(binding.Rel.TargetKind)
	if err != nil {
		return nil, err
	}
	epoch := in.Epoch()
	result := &Result{Kind: binding.Source.Kind, Label: label, Total: len(pairs)}

	valid := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		if p.SourceID == "" || p.TargetID == "" {
			result.Rejected++
			continue
		}
		valid = append(valid, p)
	}

	declLabel, declField := binding.Source.Label, binding.Source.IdentityField
	tgtLabel, tgtField := target.Label, binding.Rel.TargetMatchField
	inward := binding.Rel.Direction == schema.DirectionInward

	for start := 0; start < len(valid); start += in.cfg.BatchSize {
		end := start + in.cfg.BatchSize
		if end > len(valid) {
			end = len(valid)
		}
		chunk := valid[start:end]
		batchNo := start/in.cfg.BatchSize + 1

		var upserted, skipped int
		err := in.sess.WriteTx(ctx, func(tx pgx.Tx) error {
			upserted, skipped = 0, 0
			batch := &pgx.Batch{}
			for _, p := range chunk {
				if inward {
					batch.Queue(upsertEdgeSQL, label, epoch,
						tgtLabel, tgtField, p.TargetID,
						declLabel, declField, p.SourceID)
				} else {
					batch.Queue(upsertEdgeSQL, label, epoch,
						declLabel, declField, p.SourceID,
						tgtLabel, tgtField, p.TargetID)
				}
			}
			br := tx.SendBatch(ctx, batch)
			defer br.Close()
			for _, p := range chunk {
				tag, execErr := br.Exec()
				if execErr != nil {
					return fmt.Errorf("upsert %s edge %s->%s: %w", label, p.SourceID, p.TargetID, execErr)
				}
				if tag.RowsAffected() == 0 {
					skipped++
				} else {
					upserted++
				}
			}
			return nil
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			result.FailedBatches = append(result.FailedBatches, &BatchError{Kind: binding.Source.Kind, Batch: batchNo, Err: err})
			in.log.Error("Relationship batch failed after retries",
				zap.String("relationship", label), zap.Int("batch", batchNo), zap.Error(err))
			continue
		}
		result.Upserted += upserted
		result.Skipped += skipped
	}

	if result.Skipped > 0 {
		in.log.Warn("Skipped relationship pairs with unresolved endpoints",
			zap.String("relationship", label), zap.Int("skipped", result.Skipped))
	}
	in.log.Info("Relationship ingestion finished",
		zap.String("relationship", label),
		zap.Int("total", result.Total),
		zap.Int("upserted", result.Upserted),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed_batches", len(result.FailedBatches)),
		zap.Int64("epoch", epoch))
	return result, nil
}

// DerivePairs extracts relationship pairs from a kind's own records: for
// every declared relationship, a record contributes a pair when it
// carries a non-empty source match field. The result is keyed by
// relationship label, ready for IngestRelationships.
func (in *Ingestor) DerivePairs(kind string, records []graph.Record) (map[string][]Pair, error) {
	res, err := in.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Pair)
	for _, rel := range res.Relationships {
		for _, rec := range records {
			src, _ := rec[res.IdentityField].(string)
			tgt, _ := rec[rel.SourceMatchField].(string)
			if src == "" || tgt == "" {
				continue
			}
			out[rel.Label] = append(out[rel.Label], Pair{SourceID: src, TargetID: tgt})
		}
	}
	return out, nil
}
