package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the slice of pgx shared by pgxpool.Pool and pgx.Tx: just enough
// to run the repositories' statements, regardless of whether a transaction is
// in flight.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BaseRepository carries the connection pool shared by the thread, message,
// token-usage and tool-selection repositories.
type BaseRepository struct {
	pool *pgxpool.Pool
}

func NewBaseRepository(pool *pgxpool.Pool) BaseRepository {
	return BaseRepository{pool: pool}
}

func (r *BaseRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// conn resolves the executor for one call: the transaction TransactionManager
// stored in ctx when there is one, the pool otherwise.
func (r *BaseRepository) conn(ctx context.Context) querier {
	return GetConn(ctx, r.pool)
}
