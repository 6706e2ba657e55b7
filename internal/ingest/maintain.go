package ingest

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/internal/schema"
)

// Stale rows are removed in bounded chunks so a sweep after a large
// upstream contraction cannot hold long row locks. Callers loop until a
// chunk comes back short.
const sweepNodesSQL = `
	WITH stale AS (
		SELECT label, id
		FROM graph_nodes
		WHERE label = ANY($1) AND last_seen <> $2
		LIMIT $3
	)
	DELETE FROM graph_nodes n
	USING stale s
	WHERE n.label = s.label AND n.id = s.id;
`

const sweepEdgesSQL = `
	WITH stale AS (
		SELECT src_label, src_id, rel_label, dst_label, dst_id
		FROM graph_edges
		WHERE last_seen <> $1
		LIMIT $2
	)
	DELETE FROM graph_edges e
	USING stale s
	WHERE e.src_label = s.src_label AND e.src_id = s.src_id
	  AND e.rel_label = s.rel_label
	  AND e.dst_label = s.dst_label AND e.dst_id = s.dst_id;
`

const nodeStatsSQL = `SELECT label, count(*) AS total FROM graph_nodes GROUP BY label ORDER BY label;`

const edgeStatsSQL = `SELECT rel_label, count(*) AS total FROM graph_edges GROUP BY rel_label ORDER BY rel_label;`

// SweepStale deletes up to limit nodes of the given kinds whose last_seen
// tag differs from epoch. Incident edges go with them through the foreign
// keys. Returns the number of nodes removed; a full chunk means another
// call is needed.
func (in *Ingestor) SweepStale(ctx context.Context, kinds []string, epoch int64, limit int) (int64, error) {
	labels := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		res, err := in.registry.Get(kind)
		if err != nil {
			return 0, err
		}
		labels = append(labels, res.Label)
	}
	if len(labels) == 0 {
		return 0, nil
	}
	if limit < 1 {
		limit = in.cfg.SweepLimit
	}
	deleted, err := in.sess.Exec(ctx, sweepNodesSQL, labels, epoch, limit)
	if err != nil {
		return 0, fmt.Errorf("sweep stale nodes: %w", err)
	}
	return deleted, nil
}

// SweepStaleEdges deletes up to limit edges whose last_seen tag differs
// from epoch. This catches relationships that vanished upstream while
// both endpoint nodes survived.
func (in *Ingestor) SweepStaleEdges(ctx context.Context, epoch int64, limit int) (int64, error) {
	if limit < 1 {
		limit = in.cfg.SweepLimit
	}
	deleted, err := in.sess.Exec(ctx, sweepEdgesSQL, epoch, limit)
	if err != nil {
		return 0, fmt.Errorf("sweep stale edges: %w", err)
	}
	return deleted, nil
}

// SweepAll repeats bounded sweeps across every registered kind, then the
// edge table, until nothing stale remains for the given epoch.
func (in *Ingestor) SweepAll(ctx context.Context, epoch int64) (nodesDeleted, edgesDeleted int64, err error) {
	kinds := in.registry.Kinds()
	for {
		n, serr := in.SweepStale(ctx, kinds, epoch, in.cfg.SweepLimit)
		if serr != nil {
			return nodesDeleted, edgesDeleted, serr
		}
		nodesDeleted += n
		if n < int64(in.cfg.SweepLimit) {
			break
		}
	}
	for {
		n, serr := in.SweepStaleEdges(ctx, epoch, in.cfg.SweepLimit)
		if serr != nil {
			return nodesDeleted, edgesDeleted, serr
		}
		edgesDeleted += n
		if n < int64(in.cfg.SweepLimit) {
			break
		}
	}
	if nodesDeleted > 0 || edgesDeleted > 0 {
		in.log.Info("Stale sweep finished",
			zap.Int64("nodes_deleted", nodesDeleted),
			zap.Int64("edges_deleted", edgesDeleted),
			zap.Int64("epoch", epoch))
	}
	return nodesDeleted, edgesDeleted, nil
}

// EnsureIndexes creates the identity index and the declared secondary
// indexes for one kind. Index statements that fail are logged at WARN and
// do not abort: a missing index slows queries down, it does not corrupt
// them.
func (in *Ingestor) EnsureIndexes(ctx context.Context, res schema.Resource) error {
	fields := make([]string, 0, len(res.IndexedFields)+1)
	fields = append(fields, res.IdentityField)
	fields = append(fields, res.IndexedFields...)

	for _, field := range fields {
		if _, err := in.sess.Exec(ctx, indexStatement(res.Label, field)); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			in.log.Warn("Index creation failed",
				zap.String("label", res.Label), zap.String("field", field), zap.Error(err))
		}
	}
	return nil
}

// EnsureAllIndexes runs EnsureIndexes for every registered kind.
func (in *Ingestor) EnsureAllIndexes(ctx context.Context) error {
	for _, res := range in.registry.All() {
		if err := in.EnsureIndexes(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

// Statistics counts nodes per label and edges per relationship label.
func (in *Ingestor) Statistics(ctx context.Context) (*Stats, error) {
	nodeRows, err := in.sess.Run(ctx, nodeStatsSQL)
	if err != nil {
		return nil, fmt.Errorf("node statistics: %w", err)
	}
	edgeRows, err := in.sess.Run(ctx, edgeStatsSQL)
	if err != nil {
		return nil, fmt.Errorf("edge statistics: %w", err)
	}

	stats := &Stats{
		NodesByLabel: make(map[string]int64, len(nodeRows)),
		EdgesByLabel: make(map[string]int64, len(edgeRows)),
	}
	for _, row := range nodeRows {
		n := row.Int64("total")
		stats.NodesByLabel[row.String("label")] = n
		stats.TotalNodes += n
	}
	for _, row := range edgeRows {
		n := row.Int64("total")
		stats.EdgesByLabel[row.String("rel_label")] = n
		stats.TotalEdges += n
	}
	return stats, nil
}

// indexStatement builds the expression index DDL for one property field.
// Identifiers cannot be bound as parameters, so the label and field pass
// through a strict sanitizer even though they originate in code.
func indexStatement(label, field string) string {
	name := fmt.Sprintf("idx_nodes_%s_%s", sanitizeIdent(label), sanitizeIdent(field))
	return fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON graph_nodes ((properties->>'%s')) WHERE label = '%s';`,
		name, sanitizeLiteral(field), sanitizeLiteral(label),
	)
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-':
			b.WriteRune('_')
		}
	}
	return b.String()
}

func sanitizeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "")
}
