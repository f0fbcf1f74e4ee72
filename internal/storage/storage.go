package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/vouchers/internal/config"
	"github.com/CedrosPay/vouchers/internal/metrics"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrNoVoucherAvailable is returned when no unused voucher matches the product.
var ErrNoVoucherAvailable = errors.New("storage: no voucher available")

// ErrVoucherTaken is returned when a voucher is already held by another PENDING transaction.
var ErrVoucherTaken = errors.New("storage: voucher already held by a pending transaction")

// ErrNotPending is returned when a conditional write finds the transaction already terminal.
var ErrNotPending = errors.New("storage: transaction is no longer pending")

// ErrDuplicate is returned when a transaction id or gateway id already exists.
var ErrDuplicate = errors.New("storage: duplicate key")

// VoucherPool exposes the voucher pool as atomic primitives.
type VoucherPool interface {
	// AddVouchers inserts new codes, skipping codes that already exist. Returns the inserted count.
	AddVouchers(ctx context.Context, vouchers []Voucher) (int, error)
	GetVoucher(ctx context.Context, code string) (Voucher, error)

	// ClaimVoucher flips the oldest unused voucher of product from used=false to used=true
	// in a single conditional write. An empty product matches any product.
	ClaimVoucher(ctx context.Context, product string) (Voucher, error)

	// ReleaseVoucher flips used=true back to false, only while the voucher was never sold.
	// Returns false when nothing changed, which makes retries harmless.
	ReleaseVoucher(ctx context.Context, code string) (bool, error)

	// FinalizeVoucher marks the voucher sold to usedBy at usedAt with expiry usedAt+validity.
	// A voucher that is already sold is returned unchanged.
	FinalizeVoucher(ctx context.Context, code, usedBy string, usedAt time.Time, validity time.Duration) (Voucher, error)

	// BackfillVoucherExpiry stamps used_at/expiry_date only when expiry_date is missing.
	BackfillVoucherExpiry(ctx context.Context, code string, usedAt time.Time, validity time.Duration) (bool, error)

	DeleteVoucher(ctx context.Context, code string) error
	InventorySummary(ctx context.Context) ([]InventoryItem, error)
}

// Ledger exposes the transaction ledger as atomic primitives.
type Ledger interface {
	// CreateTransaction inserts a new transaction. Returns ErrVoucherTaken when its voucher
	// is already attached to another PENDING transaction.
	CreateTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, tempID string) (Transaction, error)
	GetTransactionByGatewayID(ctx context.Context, transactionID string) (Transaction, error)
	GetTransactionByBillLinkID(ctx context.Context, billLinkID string) (Transaction, error)
	FindLatestPending(ctx context.Context, q PendingQuery) (Transaction, error)

	// LinkGateway attaches gateway ids while the transaction is still PENDING.
	LinkGateway(ctx context.Context, tempID, transactionID, billLinkID string) error

	// TransitionStatus applies t only if the transaction is PENDING at write time.
	TransitionStatus(ctx context.Context, tempID string, t Transition) (Transaction, error)

	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
}

// Store captures the persistence requirements for the voucher checkout.
type Store interface {
	VoucherPool
	Ledger
	Ping(ctx context.Context) error
	Close() error
}

// AtomicReserver is implemented by stores that can claim a voucher and insert its
// PENDING transaction inside one database transaction.
type AtomicReserver interface {
	ReserveVoucher(ctx context.Context, product string, tx Transaction) (Voucher, error)
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig

	// Schema mapping (table names for Postgres, collection names for MongoDB)
	VouchersTableName     string // Default: "vouchers"
	TransactionsTableName string // Default: "transactions"

	Metrics *metrics.Metrics
}

// StoreConfigFrom builds a StoreConfig from application config.
func StoreConfigFrom(cfg config.StorageConfig, m *metrics.Metrics) StoreConfig {
	return StoreConfig{
		Backend:               cfg.Backend,
		PostgresURL:           cfg.PostgresURL,
		MongoDBURL:            cfg.MongoDBURL,
		MongoDBDatabase:       cfg.MongoDBDatabase,
		PostgresPool:          cfg.PostgresPool,
		VouchersTableName:     cfg.SchemaMapping.Vouchers.TableName,
		TransactionsTableName: cfg.SchemaMapping.Transactions.TableName,
		Metrics:               m,
	}
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(ctx, cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database pool.
// If sharedDB is non-nil for the postgres backend it is used instead of opening a new pool.
func NewStoreWithDB(ctx context.Context, cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		// Memory backend loses the ledger on restart; development and tests only.
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" && sharedDB == nil {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		var store *PostgresStore
		var err error
		if sharedDB != nil {
			store, err = NewPostgresStoreWithDB(ctx, sharedDB, cfg.VouchersTableName, cfg.TransactionsTableName)
		} else {
			store, err = NewPostgresStore(ctx, cfg.PostgresURL, cfg.PostgresPool, cfg.VouchersTableName, cfg.TransactionsTableName)
		}
		if err != nil {
			return nil, err
		}
		return store.WithMetrics(cfg.Metrics), nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(ctx, cfg.MongoDBURL, cfg.MongoDBDatabase, cfg.VouchersTableName, cfg.TransactionsTableName)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
