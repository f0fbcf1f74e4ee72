package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/CedrosPay/vouchers/internal/config"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// SharedPool is the one *sql.DB behind the voucher table, the transaction
// ledger and cmd/seed-vouchers.
type SharedPool struct {
	db *sql.DB
}

const pingTimeout = 10 * time.Second

// NewSharedPool opens the pool, applies the configured limits and fails fast
// when the database is unreachable.
func NewSharedPool(ctx context.Context, connectionString string, poolConfig config.PostgresPoolConfig) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &SharedPool{db: db}, nil
}

func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Close is safe to call more than once.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
