package checkpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStore builds a Store from a DSN: postgres:// / postgresql:// selects the
// Postgres backend (stateKey distinguishes concurrent migrations sharing one
// database); anything else is treated as a file path. The returned cleanup
// releases backend resources and is safe to call once the store is done with.
func NewStore(ctx context.Context, dsn, stateKey string) (Store, func(), error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil, fmt.Errorf("checkpoint DSN is empty")
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect checkpoint database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("checkpoint database not reachable: %w", err)
		}
		return NewPostgresStore(pool, stateKey), pool.Close, nil
	}

	return NewFileStore(dsn), func() {}, nil
}
