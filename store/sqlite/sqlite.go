/*
Package sqlite provides a SQLite-backed implementation of points.Store.

PURPOSE:
  Persists every record type the engine owns - balances, transactions,
  purchases, swaps, quota windows, idempotency keys - using SQLite. In
  production the same patterns apply to PostgreSQL with minor dialect
  differences.

APPEND-ONLY ENFORCEMENT:
  The transactions table is append-only:
  - No UPDATE statements on transactions
  - No DELETE statements on transactions
  - Rows are written only inside Commit

ATOMIC COMMITS:
  Commit wraps every write of a points.Mutation in one SQL transaction.
  A balance write is conditioned on the stored version being exactly one
  behind the incoming row; losing that race rolls the whole transaction
  back with points.ErrConcurrentModification.

KEY TABLES:
  balances:          One row per user, version-guarded
  transactions:      Immutable ledger (seq AUTOINCREMENT breaks time ties)
  purchases:         Purchase workflow rows, unique external_ref
  swaps:             Swap workflow rows
  quota_windows:     Rolling usage per user+window
  idempotency_keys:  Scoped keys with expiry

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block, single writer at a time, better crash
  recovery.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - points/store.go: Interface and atomicity contract
  - points/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/points-engine/points"
)

// Store implements points.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: writes are serialized by mu anyway, and a pooled
	// ":memory:" database would otherwise be a fresh DB per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Balances (one row per user, version-guarded)
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		free_points INTEGER NOT NULL DEFAULT 0,
		paid_points INTEGER NOT NULL DEFAULT 0,
		locked_points INTEGER NOT NULL DEFAULT 0,
		total_earned INTEGER NOT NULL DEFAULT 0,
		total_spent INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		last_updated TEXT NOT NULL,

		CHECK (free_points >= 0),
		CHECK (paid_points >= 0),
		CHECK (locked_points >= 0)
	);

	-- Transactions (append-only ledger)
	-- seq is the insertion sequence; it breaks ordering ties when two
	-- rows share a created_at timestamp.
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		point_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		description TEXT,
		reference_type TEXT,
		reference_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Hot path: per-user history, reverse chronological
	CREATE INDEX IF NOT EXISTS idx_transactions_user_created
		ON transactions(user_id, created_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_user_type
		ON transactions(user_id, tx_type);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference_id) WHERE reference_id IS NOT NULL;

	-- Purchases
	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		package_id TEXT NOT NULL,
		package_name TEXT NOT NULL,
		method TEXT NOT NULL,
		points_amount INTEGER NOT NULL,
		price TEXT NOT NULL,
		currency TEXT NOT NULL,
		external_ref TEXT NOT NULL UNIQUE,
		payment_address TEXT,
		status TEXT NOT NULL,
		confirmations INTEGER NOT NULL DEFAULT 0,
		min_confirmations INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_user
		ON purchases(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_purchases_status
		ON purchases(status, created_at);

	-- Swaps
	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		points_amount INTEGER NOT NULL,
		token_amount TEXT NOT NULL,
		exchange_rate TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		status TEXT NOT NULL,
		tx_hash TEXT,
		confirmations INTEGER NOT NULL DEFAULT 0,
		min_confirmations INTEGER NOT NULL,
		failure_reason TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_user
		ON swaps(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_swaps_status
		ON swaps(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_swaps_tx_hash
		ON swaps(tx_hash) WHERE tx_hash IS NOT NULL;

	-- Quota windows
	CREATE TABLE IF NOT EXISTS quota_windows (
		user_id TEXT NOT NULL,
		window_type TEXT NOT NULL,
		limit_amount INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		PRIMARY KEY (user_id, window_type)
	);

	-- Idempotency keys (scoped, with TTL)
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		scope TEXT NOT NULL,
		key TEXT NOT NULL,
		result TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (scope, key)
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_expires
		ON idempotency_keys(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BALANCES & COMMIT
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, userID points.UserID) (*points.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT user_id, free_points, paid_points, locked_points,
		       total_earned, total_spent, version, last_updated
		FROM balances WHERE user_id = ?
	`

	var b points.Balance
	var lastUpdated string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&b.UserID, &b.FreePoints, &b.PaidPoints, &b.LockedPoints,
		&b.TotalEarned, &b.TotalSpent, &b.Version, &lastUpdated,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	b.LastUpdated = parseTime(lastUpdated)
	return &b, nil
}

// Commit applies the mutation in one SQL transaction. See points.Mutation.
func (s *Store) Commit(ctx context.Context, mut points.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if mut.Balance != nil {
		if err := s.writeBalance(ctx, sqlTx, mut.Balance); err != nil {
			return err
		}
	}
	for _, tx := range mut.Transactions {
		if err := s.appendTransaction(ctx, sqlTx, tx); err != nil {
			return err
		}
	}
	if mut.InsertPurchase != nil {
		if err := s.insertPurchase(ctx, sqlTx, mut.InsertPurchase); err != nil {
			return err
		}
	}
	if mut.UpdatePurchase != nil {
		if err := s.updatePurchase(ctx, sqlTx, mut.UpdatePurchase); err != nil {
			return err
		}
	}
	if mut.InsertSwap != nil {
		if err := s.insertSwap(ctx, sqlTx, mut.InsertSwap); err != nil {
			return err
		}
	}
	if mut.UpdateSwap != nil {
		if err := s.updateSwap(ctx, sqlTx, mut.UpdateSwap); err != nil {
			return err
		}
	}
	for _, w := range mut.QuotaWindows {
		if err := putQuotaWindowTx(ctx, sqlTx, w); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

// writeBalance performs the version check. Version 1 means the row must
// not exist yet; anything else conditions the update on version-1.
func (s *Store) writeBalance(ctx context.Context, sqlTx *sql.Tx, b *points.Balance) error {
	if b.Version == 1 {
		query := `
			INSERT INTO balances
			(user_id, free_points, paid_points, locked_points, total_earned, total_spent, version, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := sqlTx.ExecContext(ctx, query,
			b.UserID, b.FreePoints, b.PaidPoints, b.LockedPoints,
			b.TotalEarned, b.TotalSpent, b.Version, formatTime(b.LastUpdated),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return points.ErrConcurrentModification
			}
			return fmt.Errorf("failed to insert balance: %w", err)
		}
		return nil
	}

	query := `
		UPDATE balances
		SET free_points = ?, paid_points = ?, locked_points = ?,
		    total_earned = ?, total_spent = ?, version = ?, last_updated = ?
		WHERE user_id = ? AND version = ?
	`
	res, err := sqlTx.ExecContext(ctx, query,
		b.FreePoints, b.PaidPoints, b.LockedPoints,
		b.TotalEarned, b.TotalSpent, b.Version, formatTime(b.LastUpdated),
		b.UserID, b.Version-1,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check balance update: %w", err)
	}
	if n == 0 {
		return points.ErrConcurrentModification
	}
	return nil
}

func (s *Store) appendTransaction(ctx context.Context, sqlTx *sql.Tx, tx points.Transaction) error {
	metadataJSON, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions
		(id, user_id, tx_type, point_type, amount, balance_after,
		 description, reference_type, reference_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := sqlTx.ExecContext(ctx, query,
		tx.ID, tx.UserID, tx.Type, tx.PointType, tx.Amount, tx.BalanceAfter,
		tx.Description, tx.ReferenceType, tx.ReferenceID, string(metadataJSON),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, user_id, tx_type, point_type, amount, balance_after,
	description, reference_type, reference_id, metadata_json, seq, created_at`

func (s *Store) QueryTransactions(ctx context.Context, userID points.UserID, filter points.TransactionFilter, page points.Page) ([]points.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"user_id = ?"}
	args := []any{userID}
	if filter.Type != "" {
		where = append(where, "tx_type = ?")
		args = append(args, filter.Type)
	}
	if filter.PointType != "" {
		where = append(where, "point_type = ?")
		args = append(args, filter.PointType)
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(filter.To))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM transactions
		WHERE %s
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?
	`, transactionColumns, clause)
	args = append(args, page.Size, page.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	txs := []points.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		txs = append(txs, tx)
	}
	return txs, total, rows.Err()
}

func (s *Store) GetTransaction(ctx context.Context, userID points.UserID, id points.TransactionID) (*points.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf("SELECT %s FROM transactions WHERE id = ? AND user_id = ?", transactionColumns)
	rows, err := s.db.QueryContext(ctx, query, id, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	tx, err := scanTransaction(rows)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) TransactionStats(ctx context.Context, userID points.UserID) (points.TransactionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN amount > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN amount < 0 THEN 1 ELSE 0 END), 0),
		       MAX(created_at)
		FROM transactions WHERE user_id = ?
	`
	var stats points.TransactionStats
	var lastAt sql.NullString
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&stats.Total, &stats.Credits, &stats.Debits, &lastAt)
	if err != nil {
		return points.TransactionStats{}, fmt.Errorf("failed to get transaction stats: %w", err)
	}
	if lastAt.Valid {
		at := parseTime(lastAt.String)
		stats.LastAt = &at
	}
	return stats, nil
}

func scanTransaction(rows *sql.Rows) (points.Transaction, error) {
	var tx points.Transaction
	var metadataJSON sql.NullString
	var createdAt string

	err := rows.Scan(
		&tx.ID, &tx.UserID, &tx.Type, &tx.PointType, &tx.Amount, &tx.BalanceAfter,
		&tx.Description, &tx.ReferenceType, &tx.ReferenceID, &metadataJSON, &tx.Seq, &createdAt,
	)
	if err != nil {
		return points.Transaction{}, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata)
	}
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

// =============================================================================
// PURCHASES
// =============================================================================

const purchaseColumns = `id, user_id, package_id, package_name, method, points_amount,
	price, currency, external_ref, payment_address, status, confirmations,
	min_confirmations, created_at, completed_at`

func (s *Store) insertPurchase(ctx context.Context, sqlTx *sql.Tx, p *points.Purchase) error {
	query := `
		INSERT INTO purchases
		(id, user_id, package_id, package_name, method, points_amount, price, currency,
		 external_ref, payment_address, status, confirmations, min_confirmations, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := sqlTx.ExecContext(ctx, query,
		p.ID, p.UserID, p.PackageID, p.PackageName, p.Method, p.PointsAmount,
		p.Price.String(), p.Currency, p.ExternalRef, p.PaymentAddress, p.Status,
		p.Confirmations, p.MinConfirmations, formatTime(p.CreatedAt), formatTimePtr(p.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	return nil
}

func (s *Store) updatePurchase(ctx context.Context, sqlTx *sql.Tx, p *points.Purchase) error {
	query := `
		UPDATE purchases
		SET status = ?, confirmations = ?, completed_at = ?
		WHERE id = ?
	`
	_, err := sqlTx.ExecContext(ctx, query, p.Status, p.Confirmations, formatTimePtr(p.CompletedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update purchase: %w", err)
	}
	return nil
}

func (s *Store) GetPurchase(ctx context.Context, id points.PurchaseID) (*points.Purchase, error) {
	return s.getPurchaseBy(ctx, "id = ?", id)
}

func (s *Store) GetPurchaseByExternalRef(ctx context.Context, externalRef string) (*points.Purchase, error) {
	return s.getPurchaseBy(ctx, "external_ref = ?", externalRef)
}

func (s *Store) getPurchaseBy(ctx context.Context, cond string, arg any) (*points.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf("SELECT %s FROM purchases WHERE %s", purchaseColumns, cond)
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	p, err := scanPurchase(rows)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPurchases(ctx context.Context, userID points.UserID, status points.PurchaseStatus, page points.Page) ([]points.Purchase, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "user_id = ?"
	args := []any{userID}
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM purchases WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count purchases: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM purchases
		WHERE %s
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, purchaseColumns, where)
	args = append(args, page.Size, page.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	out := []points.Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (s *Store) ListPurchasesBefore(ctx context.Context, statuses []points.PurchaseStatus, cutoff time.Time) ([]points.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, formatTime(cutoff))

	query := fmt.Sprintf(`
		SELECT %s FROM purchases
		WHERE status IN (%s) AND created_at < ?
		ORDER BY created_at ASC
	`, purchaseColumns, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale purchases: %w", err)
	}
	defer rows.Close()

	var out []points.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPurchase(rows *sql.Rows) (points.Purchase, error) {
	var p points.Purchase
	var price, createdAt string
	var paymentAddress, completedAt sql.NullString

	err := rows.Scan(
		&p.ID, &p.UserID, &p.PackageID, &p.PackageName, &p.Method, &p.PointsAmount,
		&price, &p.Currency, &p.ExternalRef, &paymentAddress, &p.Status,
		&p.Confirmations, &p.MinConfirmations, &createdAt, &completedAt,
	)
	if err != nil {
		return points.Purchase{}, fmt.Errorf("failed to scan purchase: %w", err)
	}
	p.Price, _ = decimal.NewFromString(price)
	p.PaymentAddress = paymentAddress.String
	p.CreatedAt = parseTime(createdAt)
	p.CompletedAt = parseTimePtr(completedAt)
	return p, nil
}

// =============================================================================
// SWAPS
// =============================================================================

const swapColumns = `id, user_id, points_amount, token_amount, exchange_rate,
	wallet_address, status, tx_hash, confirmations, min_confirmations,
	failure_reason, created_at, completed_at`

func (s *Store) insertSwap(ctx context.Context, sqlTx *sql.Tx, sw *points.Swap) error {
	query := `
		INSERT INTO swaps
		(id, user_id, points_amount, token_amount, exchange_rate, wallet_address,
		 status, tx_hash, confirmations, min_confirmations, failure_reason, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := sqlTx.ExecContext(ctx, query,
		sw.ID, sw.UserID, sw.PointsAmount, sw.TokenAmount.String(), sw.ExchangeRateAtRequest.String(),
		sw.WalletAddress, sw.Status, sw.BlockchainTxHash, sw.Confirmations, sw.MinConfirmations,
		sw.FailureReason, formatTime(sw.CreatedAt), formatTimePtr(sw.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert swap: %w", err)
	}
	return nil
}

func (s *Store) updateSwap(ctx context.Context, sqlTx *sql.Tx, sw *points.Swap) error {
	query := `
		UPDATE swaps
		SET status = ?, tx_hash = ?, confirmations = ?, failure_reason = ?, completed_at = ?
		WHERE id = ?
	`
	_, err := sqlTx.ExecContext(ctx, query,
		sw.Status, sw.BlockchainTxHash, sw.Confirmations, sw.FailureReason,
		formatTimePtr(sw.CompletedAt), sw.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update swap: %w", err)
	}
	return nil
}

func (s *Store) GetSwap(ctx context.Context, id points.SwapID) (*points.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf("SELECT %s FROM swaps WHERE id = ?", swapColumns)
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	sw, err := scanSwap(rows)
	if err != nil {
		return nil, err
	}
	return &sw, nil
}

func (s *Store) ListSwaps(ctx context.Context, userID points.UserID, status points.SwapStatus, page points.Page) ([]points.Swap, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "user_id = ?"
	args := []any{userID}
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM swaps WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count swaps: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM swaps
		WHERE %s
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, swapColumns, where)
	args = append(args, page.Size, page.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list swaps: %w", err)
	}
	defer rows.Close()

	out := []points.Swap{}
	for rows.Next() {
		sw, err := scanSwap(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sw)
	}
	return out, total, rows.Err()
}

func (s *Store) ListSwapsBefore(ctx context.Context, statuses []points.SwapStatus, cutoff time.Time) ([]points.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, formatTime(cutoff))

	query := fmt.Sprintf(`
		SELECT %s FROM swaps
		WHERE status IN (%s) AND created_at < ?
		ORDER BY created_at ASC
	`, swapColumns, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale swaps: %w", err)
	}
	defer rows.Close()

	var out []points.Swap
	for rows.Next() {
		sw, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

func scanSwap(rows *sql.Rows) (points.Swap, error) {
	var sw points.Swap
	var tokenAmount, exchangeRate, createdAt string
	var txHash, failureReason, completedAt sql.NullString

	err := rows.Scan(
		&sw.ID, &sw.UserID, &sw.PointsAmount, &tokenAmount, &exchangeRate,
		&sw.WalletAddress, &sw.Status, &txHash, &sw.Confirmations, &sw.MinConfirmations,
		&failureReason, &createdAt, &completedAt,
	)
	if err != nil {
		return points.Swap{}, fmt.Errorf("failed to scan swap: %w", err)
	}
	sw.TokenAmount, _ = decimal.NewFromString(tokenAmount)
	sw.ExchangeRateAtRequest, _ = decimal.NewFromString(exchangeRate)
	sw.BlockchainTxHash = txHash.String
	sw.FailureReason = failureReason.String
	sw.CreatedAt = parseTime(createdAt)
	sw.CompletedAt = parseTimePtr(completedAt)
	return sw, nil
}

// =============================================================================
// QUOTA WINDOWS
// =============================================================================

func (s *Store) GetQuotaWindow(ctx context.Context, userID points.UserID, window points.WindowType) (*points.QuotaWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT user_id, window_type, limit_amount, used, period_start, period_end
		FROM quota_windows WHERE user_id = ? AND window_type = ?
	`
	var w points.QuotaWindow
	var start, end string
	err := s.db.QueryRowContext(ctx, query, userID, window).Scan(
		&w.UserID, &w.Window, &w.Limit, &w.Used, &start, &end,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota window: %w", err)
	}
	w.PeriodStart = parseTime(start)
	w.PeriodEnd = parseTime(end)
	return &w, nil
}

func (s *Store) PutQuotaWindows(ctx context.Context, windows []points.QuotaWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, w := range windows {
		if err := putQuotaWindowTx(ctx, sqlTx, w); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

func putQuotaWindowTx(ctx context.Context, sqlTx *sql.Tx, w points.QuotaWindow) error {
	query := `
		INSERT INTO quota_windows (user_id, window_type, limit_amount, used, period_start, period_end)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, window_type) DO UPDATE SET
			limit_amount = excluded.limit_amount,
			used = excluded.used,
			period_start = excluded.period_start,
			period_end = excluded.period_end
	`
	if _, err := sqlTx.ExecContext(ctx, query,
		w.UserID, w.Window, w.Limit, w.Used, formatTime(w.PeriodStart), formatTime(w.PeriodEnd),
	); err != nil {
		return fmt.Errorf("failed to put quota window: %w", err)
	}
	return nil
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

func (s *Store) PutIdempotencyKey(ctx context.Context, rec points.IdempotencyRecord) (*points.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var existing points.IdempotencyRecord
	var createdAt, expiresAt string
	err = sqlTx.QueryRowContext(ctx,
		"SELECT scope, key, result, created_at, expires_at FROM idempotency_keys WHERE scope = ? AND key = ?",
		rec.Scope, rec.Key,
	).Scan(&existing.Scope, &existing.Key, &existing.Result, &createdAt, &expiresAt)

	switch {
	case err == nil:
		existing.CreatedAt = parseTime(createdAt)
		existing.ExpiresAt = parseTime(expiresAt)
		if rec.CreatedAt.Before(existing.ExpiresAt) {
			return &existing, false, nil
		}
		// Expired: the new reservation takes the slot.
		if _, err := sqlTx.ExecContext(ctx,
			"UPDATE idempotency_keys SET result = ?, created_at = ?, expires_at = ? WHERE scope = ? AND key = ?",
			rec.Result, formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt), rec.Scope, rec.Key,
		); err != nil {
			return nil, false, fmt.Errorf("failed to replace idempotency key: %w", err)
		}
	case err == sql.ErrNoRows:
		if _, err := sqlTx.ExecContext(ctx,
			"INSERT INTO idempotency_keys (scope, key, result, created_at, expires_at) VALUES (?, ?, ?, ?, ?)",
			rec.Scope, rec.Key, rec.Result, formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt),
		); err != nil {
			return nil, false, fmt.Errorf("failed to insert idempotency key: %w", err)
		}
	default:
		return nil, false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

func (s *Store) DeleteIdempotencyKey(ctx context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM idempotency_keys WHERE scope = ? AND key = ?", scope, key); err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM idempotency_keys WHERE expires_at <= ?", formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
