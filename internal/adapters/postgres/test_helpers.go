package postgres

import (
	"context"

	"github.com/pashagolub/pgxmock/v4"
)

// setupMockContext creates a context carrying the mock as a transaction so
// BaseRepository.conn() resolves to the mock.
func setupMockContext(mock pgxmock.PgxPoolIface) context.Context {
	return context.WithValue(context.Background(), txKey, mock)
}
