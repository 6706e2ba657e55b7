// Package graph provides the property-graph persistence layer backed by
// PostgreSQL. Nodes and edges live in two relational tables with JSONB
// properties; the Gateway wraps every store call in the shared retry
// policy so callers never see a transient failure that backoff could
// have absorbed.
package graph

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB abstracts the pgxpool.Pool to allow for mocking in tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Verify that the concrete pool satisfies the interface.
var _ DB = (*pgxpool.Pool)(nil)

// Session is the query surface shared by the ingestion engine and the
// rule engine. Run returns rows as generic records, Exec returns the
// affected row count, and WriteTx runs fn inside a single transaction.
type Session interface {
	Run(ctx context.Context, query string, args ...any) ([]Record, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	WriteTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Record is one result row keyed by column name. Inbound resource records
// share the same shape, so the type doubles as the ingestion payload.
type Record map[string]any

// String returns the value for key coerced to a string. Missing keys and
// NULLs come back empty.
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Int64 returns the value for key coerced to an int64, or zero when the
// value is missing or not numeric.
func (r Record) Int64(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int16:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// Bool returns the value for key coerced to a bool. Anything that is not
// a bool or a parseable boolean string is false.
func (r Record) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false
		}
		return b
	default:
		return false
	}
}
