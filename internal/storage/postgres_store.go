package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/vouchers/internal/config"
	"github.com/CedrosPay/vouchers/internal/metrics"
	"github.com/lib/pq"
)

const postgresUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db                    *sql.DB
	ownsDB                bool   // Track if we created the DB connection (for Close())
	vouchersTableName     string // Configurable table name (default: "vouchers")
	transactionsTableName string // Configurable table name (default: "transactions")
	metrics               *metrics.Metrics
}

// NewPostgresStore opens a pool and creates a PostgreSQL-backed store.
func NewPostgresStore(ctx context.Context, connectionString string, poolConfig config.PostgresPoolConfig, vouchersTable, transactionsTable string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := newPostgresStore(db, true, vouchersTable, transactionsTable)
	if err := store.createPostgresTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing connection pool.
// The pool is not closed by Close.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB, vouchersTable, transactionsTable string) (*PostgresStore, error) {
	store := newPostgresStore(db, false, vouchersTable, transactionsTable)
	if err := store.createPostgresTables(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newPostgresStore(db *sql.DB, owns bool, vouchersTable, transactionsTable string) *PostgresStore {
	if vouchersTable == "" {
		vouchersTable = "vouchers"
	}
	if transactionsTable == "" {
		transactionsTable = "transactions"
	}
	return &PostgresStore{
		db:                    db,
		ownsDB:                owns,
		vouchersTableName:     vouchersTable,
		transactionsTableName: transactionsTable,
	}
}

// WithMetrics enables query duration instrumentation.
func (s *PostgresStore) WithMetrics(m *metrics.Metrics) *PostgresStore {
	s.metrics = m
	return s
}

// createPostgresTables creates the voucher pool and ledger tables if missing.
// The partial unique index on voucher_code keeps a voucher attached to at most one PENDING transaction.
func (s *PostgresStore) createPostgresTables(ctx context.Context) error {
	v, t := s.vouchersTableName, s.transactionsTableName
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			code TEXT PRIMARY KEY,
			product_name TEXT NOT NULL,
			amount BIGINT NOT NULL,
			discounted_amount BIGINT,
			used BOOLEAN NOT NULL DEFAULT FALSE,
			used_by TEXT,
			used_at TIMESTAMPTZ,
			expiry_date TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_%[1]s_claim ON %[1]s(product_name, used, created_at);

		CREATE TABLE IF NOT EXISTS %[2]s (
			temp_id TEXT PRIMARY KEY,
			transaction_id TEXT UNIQUE,
			bill_link_id TEXT,
			email TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			product_name TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			discounted_amount BIGINT,
			voucher_code TEXT,
			status TEXT NOT NULL,
			payment_method TEXT,
			expiry_date TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_%[2]s_pending_voucher
			ON %[2]s(voucher_code) WHERE status = 'PENDING' AND voucher_code IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_%[2]s_status_expiry ON %[2]s(status, expiry_date);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_email_status ON %[2]s(email, status, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_bill_link ON %[2]s(bill_link_id);
	`, v, t)

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create postgres tables: %w", err)
	}
	return nil
}

func (s *PostgresStore) measure(operation string) func() {
	return metrics.MeasureDBQuery(s.metrics, operation, "postgres")
}

const voucherColumns = "code, product_name, amount, discounted_amount, used, used_by, used_at, expiry_date, created_at"

const transactionColumns = "temp_id, transaction_id, bill_link_id, email, name, product_name, amount, discounted_amount, voucher_code, status, payment_method, expiry_date, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVoucher(row rowScanner) (Voucher, error) {
	var (
		v          Voucher
		discounted sql.NullInt64
		usedBy     sql.NullString
		usedAt     sql.NullTime
		expiry     sql.NullTime
	)
	if err := row.Scan(&v.Code, &v.ProductName, &v.Amount, &discounted, &v.Used, &usedBy, &usedAt, &expiry, &v.CreatedAt); err != nil {
		return Voucher{}, err
	}
	if discounted.Valid {
		v.DiscountedAmount = ptrInt64(discounted.Int64)
	}
	v.UsedBy = usedBy.String
	if usedAt.Valid {
		v.UsedAt = ptrTime(usedAt.Time.UTC())
	}
	if expiry.Valid {
		v.ExpiryDate = ptrTime(expiry.Time.UTC())
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return v, nil
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		tx            Transaction
		transactionID sql.NullString
		billLinkID    sql.NullString
		discounted    sql.NullInt64
		voucherCode   sql.NullString
		status        string
		paymentMethod sql.NullString
	)
	err := row.Scan(&tx.TempID, &transactionID, &billLinkID, &tx.Email, &tx.Name, &tx.ProductName,
		&tx.Amount, &discounted, &voucherCode, &status, &paymentMethod, &tx.ExpiryDate, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return Transaction{}, err
	}
	tx.TransactionID = transactionID.String
	tx.BillLinkID = billLinkID.String
	if discounted.Valid {
		tx.DiscountedAmount = ptrInt64(discounted.Int64)
	}
	tx.VoucherCode = voucherCode.String
	tx.Status = Status(status)
	tx.PaymentMethod = paymentMethod.String
	tx.ExpiryDate = tx.ExpiryDate.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return tx, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// translateInsertError maps unique violations onto storage errors.
func translateInsertError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == postgresUniqueViolation {
		if strings.Contains(pqErr.Constraint, "pending_voucher") {
			return ErrVoucherTaken
		}
		return ErrDuplicate
	}
	return err
}

// AddVouchers inserts vouchers in one transaction, skipping existing codes.
func (s *PostgresStore) AddVouchers(ctx context.Context, vouchers []Voucher) (int, error) {
	if len(vouchers) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	for i := range vouchers {
		if err := validateAndPrepareVoucher(&vouchers[i], now); err != nil {
			return 0, err
		}
	}

	defer s.measure("add_vouchers")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	stmt, err := dbTx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (code, product_name, amount, discounted_amount, used, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
		ON CONFLICT (code) DO NOTHING
	`, s.vouchersTableName))
	if err != nil {
		return 0, fmt.Errorf("prepare insert voucher: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, v := range vouchers {
		res, err := stmt.ExecContext(ctx, v.Code, v.ProductName, v.Amount, nullInt64(v.DiscountedAmount), v.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("insert voucher %s: %w", v.Code, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("check rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := dbTx.Commit(); err != nil {
		return 0, fmt.Errorf("commit vouchers: %w", err)
	}
	return inserted, nil
}

// GetVoucher retrieves a voucher by code.
func (s *PostgresStore) GetVoucher(ctx context.Context, code string) (Voucher, error) {
	defer s.measure("get_voucher")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE code = $1`, voucherColumns, s.vouchersTableName)
	v, err := scanVoucher(s.db.QueryRowContext(ctx, query, code))
	if errors.Is(err, sql.ErrNoRows) {
		return Voucher{}, ErrNotFound
	}
	if err != nil {
		return Voucher{}, fmt.Errorf("get voucher: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) claimQuery() string {
	return fmt.Sprintf(`
		UPDATE %[1]s SET used = TRUE
		WHERE code = (
			SELECT code FROM %[1]s
			WHERE used = FALSE AND ($1::text = '' OR product_name = $1::text)
			ORDER BY created_at, code
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND used = FALSE
		RETURNING %[2]s
	`, s.vouchersTableName, voucherColumns)
}

// ClaimVoucher atomically reserves the oldest unused voucher for product.
func (s *PostgresStore) ClaimVoucher(ctx context.Context, product string) (Voucher, error) {
	defer s.measure("claim_voucher")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	v, err := scanVoucher(s.db.QueryRowContext(ctx, s.claimQuery(), product))
	if errors.Is(err, sql.ErrNoRows) {
		return Voucher{}, ErrNoVoucherAvailable
	}
	if err != nil {
		return Voucher{}, fmt.Errorf("claim voucher: %w", err)
	}
	return v, nil
}

// ReleaseVoucher returns a reserved, unsold voucher to the pool.
func (s *PostgresStore) ReleaseVoucher(ctx context.Context, code string) (bool, error) {
	defer s.measure("release_voucher")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET used = FALSE, used_by = NULL
		WHERE code = $1 AND used = TRUE AND used_at IS NULL
	`, s.vouchersTableName)
	res, err := s.db.ExecContext(ctx, query, code)
	if err != nil {
		return false, fmt.Errorf("release voucher: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// FinalizeVoucher records the sale once; later calls return the stored voucher.
func (s *PostgresStore) FinalizeVoucher(ctx context.Context, code, usedBy string, usedAt time.Time, validity time.Duration) (Voucher, error) {
	defer s.measure("finalize_voucher")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	expiry := usedAt.Add(validityOrDefault(validity))
	query := fmt.Sprintf(`
		UPDATE %s SET used = TRUE, used_by = $2, used_at = $3, expiry_date = $4
		WHERE code = $1 AND used_at IS NULL
		RETURNING %s
	`, s.vouchersTableName, voucherColumns)
	v, err := scanVoucher(s.db.QueryRowContext(ctx, query, code, normalizeEmail(usedBy), usedAt.UTC(), expiry.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		// Already finalized or missing.
		return s.GetVoucher(ctx, code)
	}
	if err != nil {
		return Voucher{}, fmt.Errorf("finalize voucher: %w", err)
	}
	return v, nil
}

// BackfillVoucherExpiry sets expiry_date from used_at when it was never recorded.
func (s *PostgresStore) BackfillVoucherExpiry(ctx context.Context, code string, usedAt time.Time, validity time.Duration) (bool, error) {
	defer s.measure("backfill_voucher_expiry")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET used = TRUE,
			used_at = COALESCE(used_at, $2),
			expiry_date = COALESCE(used_at, $2) + make_interval(secs => $3::double precision)
		WHERE code = $1 AND expiry_date IS NULL
	`, s.vouchersTableName)
	res, err := s.db.ExecContext(ctx, query, code, usedAt.UTC(), validityOrDefault(validity).Seconds())
	if err != nil {
		return false, fmt.Errorf("backfill voucher expiry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteVoucher removes a voucher from the pool.
func (s *PostgresStore) DeleteVoucher(ctx context.Context, code string) error {
	defer s.measure("delete_voucher")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE code = $1`, s.vouchersTableName), code)
	if err != nil {
		return fmt.Errorf("delete voucher: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InventorySummary groups the pool by product.
func (s *PostgresStore) InventorySummary(ctx context.Context) ([]InventoryItem, error) {
	defer s.measure("inventory_summary")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT product_name,
			COUNT(*) FILTER (WHERE used = FALSE),
			COUNT(*),
			MIN(amount),
			MIN(discounted_amount)
		FROM %s
		GROUP BY product_name
		ORDER BY product_name
	`, s.vouchersTableName)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	defer rows.Close()

	var items []InventoryItem
	for rows.Next() {
		var (
			item       InventoryItem
			discounted sql.NullInt64
		)
		if err := rows.Scan(&item.ProductName, &item.Available, &item.Total, &item.Amount, &discounted); err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		if discounted.Valid {
			item.DiscountedAmount = ptrInt64(discounted.Int64)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) insertTransactionQuery() string {
	return fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, s.transactionsTableName, transactionColumns)
}

func transactionArgs(tx Transaction) []any {
	return []any{
		tx.TempID, nullString(tx.TransactionID), nullString(tx.BillLinkID), tx.Email, tx.Name, tx.ProductName,
		tx.Amount, nullInt64(tx.DiscountedAmount), nullString(tx.VoucherCode), string(tx.Status),
		nullString(tx.PaymentMethod), tx.ExpiryDate.UTC(), tx.CreatedAt.UTC(), tx.UpdatedAt.UTC(),
	}
}

// CreateTransaction inserts a transaction into the ledger.
func (s *PostgresStore) CreateTransaction(ctx context.Context, tx Transaction) error {
	if err := validateAndPrepareTransaction(&tx, time.Now().UTC()); err != nil {
		return err
	}
	defer s.measure("create_transaction")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.insertTransactionQuery(), transactionArgs(tx)...); err != nil {
		if mapped := translateInsertError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// ReserveVoucher claims a voucher and inserts its PENDING transaction in one SQL transaction.
func (s *PostgresStore) ReserveVoucher(ctx context.Context, product string, tx Transaction) (Voucher, error) {
	if err := validateAndPrepareTransaction(&tx, time.Now().UTC()); err != nil {
		return Voucher{}, err
	}
	defer s.measure("reserve_voucher")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Voucher{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	v, err := scanVoucher(dbTx.QueryRowContext(ctx, s.claimQuery(), product))
	if errors.Is(err, sql.ErrNoRows) {
		return Voucher{}, ErrNoVoucherAvailable
	}
	if err != nil {
		return Voucher{}, fmt.Errorf("claim voucher: %w", err)
	}

	tx.VoucherCode = v.Code
	tx.Amount = v.Amount
	tx.DiscountedAmount = v.DiscountedAmount
	if _, err := dbTx.ExecContext(ctx, s.insertTransactionQuery(), transactionArgs(tx)...); err != nil {
		if mapped := translateInsertError(err); mapped != err {
			return Voucher{}, mapped
		}
		return Voucher{}, fmt.Errorf("insert transaction: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return Voucher{}, fmt.Errorf("commit reservation: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) getTransactionBy(ctx context.Context, operation, column, value string) (Transaction, error) {
	if value == "" {
		return Transaction{}, ErrNotFound
	}
	defer s.measure(operation)()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 ORDER BY created_at DESC LIMIT 1`,
		transactionColumns, s.transactionsTableName, column)
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("%s: %w", operation, err)
	}
	return tx, nil
}

// GetTransaction retrieves a transaction by temp id.
func (s *PostgresStore) GetTransaction(ctx context.Context, tempID string) (Transaction, error) {
	return s.getTransactionBy(ctx, "get_transaction", "temp_id", tempID)
}

// GetTransactionByGatewayID retrieves a transaction by gateway transaction id.
func (s *PostgresStore) GetTransactionByGatewayID(ctx context.Context, transactionID string) (Transaction, error) {
	return s.getTransactionBy(ctx, "get_transaction_by_gateway_id", "transaction_id", transactionID)
}

// GetTransactionByBillLinkID retrieves a transaction by bill link id.
func (s *PostgresStore) GetTransactionByBillLinkID(ctx context.Context, billLinkID string) (Transaction, error) {
	return s.getTransactionBy(ctx, "get_transaction_by_bill_link", "bill_link_id", billLinkID)
}

// FindLatestPending returns the newest PENDING transaction for an email and effective amount.
func (s *PostgresStore) FindLatestPending(ctx context.Context, q PendingQuery) (Transaction, error) {
	defer s.measure("find_latest_pending")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE email = $1 AND status = 'PENDING'
			AND ($2::bigint <= 0 OR COALESCE(discounted_amount, amount) = $2::bigint)
			AND (NOT $3::boolean OR transaction_id IS NULL)
		ORDER BY created_at DESC
		LIMIT 1
	`, transactionColumns, s.transactionsTableName)
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, normalizeEmail(q.Email), q.Amount, q.Unlinked))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("find latest pending: %w", err)
	}
	return tx, nil
}

// LinkGateway attaches gateway identifiers while the transaction is PENDING.
func (s *PostgresStore) LinkGateway(ctx context.Context, tempID, transactionID, billLinkID string) error {
	defer s.measure("link_gateway")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET transaction_id = COALESCE($2, transaction_id),
			bill_link_id = COALESCE($3, bill_link_id),
			updated_at = $4
		WHERE temp_id = $1 AND status = 'PENDING'
	`, s.transactionsTableName)
	res, err := s.db.ExecContext(ctx, query, tempID, nullString(transactionID), nullString(billLinkID), time.Now().UTC())
	if err != nil {
		if mapped := translateInsertError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("link gateway: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetTransaction(ctx, tempID); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

// TransitionStatus applies t only while the row is PENDING.
// On ErrNotPending the current row is returned alongside the error.
func (s *PostgresStore) TransitionStatus(ctx context.Context, tempID string, t Transition) (Transaction, error) {
	defer s.measure("transition_status")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2,
			transaction_id = COALESCE($3, transaction_id),
			bill_link_id = COALESCE($4, bill_link_id),
			voucher_code = COALESCE($5, voucher_code),
			payment_method = COALESCE($6, payment_method),
			updated_at = $7
		WHERE temp_id = $1 AND status = 'PENDING'
		RETURNING %s
	`, s.transactionsTableName, transactionColumns)
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, tempID, string(t.To),
		nullString(t.TransactionID), nullString(t.BillLinkID), nullString(t.VoucherCode),
		nullString(t.PaymentMethod), transitionAt(t).UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetTransaction(ctx, tempID)
		if getErr != nil {
			return Transaction{}, getErr
		}
		return current, ErrNotPending
	}
	if err != nil {
		if mapped := translateInsertError(err); mapped != err {
			return Transaction{}, mapped
		}
		return Transaction{}, fmt.Errorf("transition status: %w", err)
	}
	return tx, nil
}

// ListExpiredPending returns PENDING transactions past their expiry, oldest first.
func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Transaction, error) {
	defer s.measure("list_expired_pending")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = 'PENDING' AND expiry_date < $1
		ORDER BY expiry_date
		LIMIT $2
	`, transactionColumns, s.transactionsTableName)
	return s.queryTransactions(ctx, query, now.UTC(), limitOrDefault(limit))
}

// ListTransactions returns transactions matching filter, newest first.
func (s *PostgresStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	defer s.measure("list_transactions")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	var since any
	if !filter.Since.IsZero() {
		since = filter.Since.UTC()
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
			AND ($2::text = '' OR email = $2::text)
			AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, transactionColumns, s.transactionsTableName)
	return s.queryTransactions(ctx, query, pq.Array(statuses), normalizeEmail(filter.Email), since, limitOrDefault(filter.Limit))
}

func (s *PostgresStore) queryTransactions(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database connection if this store owns it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
