package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/atlas-cli/internal/retry"
)

// Options tunes the gateway. WriteRate throttles write statements and
// transactions to that many per second; zero disables throttling.
type Options struct {
	Retry      retry.Config
	WriteRate  float64
	WriteBurst int
}

// Gateway mediates all access to the graph tables. Reads and writes go
// through the retry policy; writes additionally pass the rate limiter so
// bulk ingestion cannot starve the database.
type Gateway struct {
	db      DB
	log     *zap.Logger
	retry   retry.Config
	limiter *rate.Limiter
}

var _ Session = (*Gateway)(nil)

// New verifies connectivity and returns a ready gateway. The initial ping
// runs under the retry policy because a freshly started database may not
// accept connections immediately.
func New(ctx context.Context, db DB, opts Options, logger *zap.Logger) (*Gateway, error) {
	if db == nil {
		return nil, errors.New("graph: nil database handle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{db: db, log: logger, retry: opts.Retry}
	if opts.WriteRate > 0 {
		burst := opts.WriteBurst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.WriteRate), burst)
	}
	if err := retry.Do(ctx, g.retry, func() error {
		return classify(db.Ping(ctx))
	}); err != nil {
		return nil, fmt.Errorf("graph: database unreachable: %w", err)
	}
	return g, nil
}

// Run executes a read query and collects every row into a Record slice.
func (g *Gateway) Run(ctx context.Context, query string, args ...any) ([]Record, error) {
	return retry.DoWithResult(ctx, g.retry, func() ([]Record, error) {
		rows, err := g.db.Query(ctx, query, args...)
		if err != nil {
			return nil, classify(fmt.Errorf("query: %w", err))
		}
		recs, err := collectRows(rows)
		if err != nil {
			return nil, classify(err)
		}
		return recs, nil
	})
}

// Exec executes a single write statement and returns the affected row count.
func (g *Gateway) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return retry.DoWithResult(ctx, g.retry, func() (int64, error) {
		if err := g.throttle(ctx); err != nil {
			return 0, retry.NonRetryable(err)
		}
		tag, err := g.db.Exec(ctx, query, args...)
		if err != nil {
			return 0, classify(fmt.Errorf("exec: %w", err))
		}
		return tag.RowsAffected(), nil
	})
}

// WriteTx runs fn inside a transaction. The whole transaction is the retry
// unit: on a transient failure the rollback runs and fn is invoked again on
// a fresh transaction, so fn must be safe to re-execute.
func (g *Gateway) WriteTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return retry.Do(ctx, g.retry, func() error {
		if err := g.throttle(ctx); err != nil {
			return retry.NonRetryable(err)
		}
		tx, err := g.db.Begin(ctx)
		if err != nil {
			return classify(fmt.Errorf("begin transaction: %w", err))
		}
		defer func() {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				g.log.Error("Failed to rollback transaction", zap.Error(rbErr))
			}
		}()
		if err := fn(tx); err != nil {
			return classify(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return classify(fmt.Errorf("commit transaction: %w", err))
		}
		return nil
	})
}

// Ping checks connectivity without retrying.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.db.Ping(ctx)
}

// Close releases the underlying pool.
func (g *Gateway) Close() {
	g.db.Close()
}

func (g *Gateway) throttle(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

func collectRows(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		rec := make(Record, len(fields))
		for i, fd := range fields {
			rec[fd.Name] = values[i]
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// classify marks errors that will fail identically on every attempt as
// non-retryable so the backoff loop gives up immediately.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return err
	}
	return retry.NonRetryable(err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return true
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return true
		case strings.HasPrefix(pgErr.Code, "57P"): // operator intervention
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
