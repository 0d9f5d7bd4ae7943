/*
Package sqlite provides a SQLite-backed implementation of the ledger stores.

PURPOSE:
  Implements ledger.TxStore, ledger.UnitDirectory and ledger.BillingConfigSource
  using SQLite through database/sql. In production, the same patterns apply to
  PostgreSQL with minor dialect differences.

KEY TABLES:
  transactions:     income/expense records with lifecycle status
  adjustments:      append-only penalty/discount lines per transaction
  dues_statements:  one row per (tenant, unit, year, month)
  credit_accounts:  current credit balance per unit
  credit_entries:   append-only credit history with running balance
  discount_policies, penalty_policies: tenant adjustment rules
  units, billing_configs: collaborator data for the standalone server

CONSTRAINTS DOING REAL WORK:
  - idx_statements_period (UNIQUE): idempotent statement generation; a
    duplicate insert maps to ledger.ErrDuplicateStatement
  - CHECK balance >= 0 on credit_accounts and credit_entries: a missed
    balance check surfaces as ledger.ErrNegativeBalance instead of bad data

MONEY:
  Amounts are stored as fixed two-decimal TEXT and parsed back into
  decimal.Decimal. No floating point touches stored values.

CONCURRENCY:
  The pool is capped at one connection and WithTx holds a mutex around the
  database transaction, so there is a single writer. Inside WithTx, queries
  run on the *sql.Tx; never call back into the outer Store from fn.

USAGE:
  store, err := sqlite.New("./data/dues.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/ledger"
)

// querier is the subset of *sql.DB and *sql.Tx the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements every read and write against a querier.
type queries struct {
	q querier
}

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// txStore is the view handed to WithTx callbacks.
type txStore struct {
	queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection: one writer, and ":memory:" keeps one database.
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
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

// Ping checks the connection, used by the ops health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		unit_id TEXT,
		asset_id TEXT,
		tx_type TEXT NOT NULL CHECK (tx_type IN ('INCOME', 'EXPENSE')),
		status TEXT NOT NULL CHECK (status IN ('DRAFT', 'PENDING', 'POSTED', 'CANCELLED')),
		payment_mode TEXT NOT NULL,
		gross_amount TEXT NOT NULL,
		net_amount TEXT NOT NULL CHECK (CAST(net_amount AS REAL) >= 0),
		category TEXT NOT NULL,
		description TEXT,
		payer_name TEXT,
		reference_number TEXT,
		transaction_date TEXT NOT NULL,
		periods INTEGER NOT NULL DEFAULT 1,
		statement_id TEXT,
		credit_to_add TEXT NOT NULL DEFAULT '0.00',
		created_by TEXT,
		approved_by TEXT,
		approved_at TEXT,
		verified_by TEXT,
		verified_at TEXT,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_tenant_date
		ON transactions(tenant_id, transaction_date);
	CREATE INDEX IF NOT EXISTS idx_transactions_unit
		ON transactions(unit_id, status);

	CREATE TABLE IF NOT EXISTS adjustments (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		kind TEXT NOT NULL CHECK (kind IN ('DISCOUNT', 'PENALTY')),
		amount TEXT NOT NULL CHECK (CAST(amount AS REAL) >= 0),
		reason TEXT,
		policy_id TEXT,
		statement_id TEXT,
		periods_overdue INTEGER NOT NULL DEFAULT 0,
		rate_applied TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_adjustments_transaction
		ON adjustments(transaction_id);

	CREATE TABLE IF NOT EXISTS dues_statements (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		statement_year INTEGER NOT NULL,
		statement_month INTEGER NOT NULL CHECK (statement_month BETWEEN 1 AND 12),
		base_amount TEXT NOT NULL,
		penalty_amount TEXT NOT NULL,
		discount_amount TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		status TEXT NOT NULL,
		due_date TEXT NOT NULL,
		paid_date TEXT,
		payment_transaction_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_statements_period
		ON dues_statements(tenant_id, unit_id, statement_year, statement_month);
	CREATE INDEX IF NOT EXISTS idx_statements_outstanding
		ON dues_statements(tenant_id, unit_id, status);

	CREATE TABLE IF NOT EXISTS credit_accounts (
		unit_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		balance TEXT NOT NULL CHECK (CAST(balance AS REAL) >= 0),
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('DEPOSIT', 'DEDUCTION')),
		delta TEXT NOT NULL,
		balance_after TEXT NOT NULL CHECK (CAST(balance_after AS REAL) >= 0),
		reason TEXT,
		transaction_id TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_credit_entries_unit
		ON credit_entries(unit_id, seq);

	CREATE TABLE IF NOT EXISTS discount_policies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		discount_type TEXT NOT NULL CHECK (discount_type IN ('PERCENTAGE', 'FLAT')),
		value TEXT NOT NULL,
		min_periods INTEGER NOT NULL DEFAULT 1,
		categories TEXT NOT NULL DEFAULT '[]',
		valid_from TEXT,
		valid_until TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_discount_policies_tenant
		ON discount_policies(tenant_id);

	CREATE TABLE IF NOT EXISTS penalty_policies (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		rate_type TEXT NOT NULL CHECK (rate_type IN ('FLAT', 'PERCENT')),
		rate_value TEXT NOT NULL,
		grace_days INTEGER,
		categories TEXT NOT NULL DEFAULT '[]',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_penalty_policies_tenant
		ON penalty_policies(tenant_id);

	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		label TEXT,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_units_tenant ON units(tenant_id, active);

	CREATE TABLE IF NOT EXISTS billing_configs (
		tenant_id TEXT PRIMARY KEY,
		monthly_amount TEXT NOT NULL,
		billing_day INTEGER NOT NULL CHECK (billing_day BETWEEN 1 AND 28),
		grace_days INTEGER,
		dues_category TEXT,
		active INTEGER NOT NULL DEFAULT 1
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL SUPPORT
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{queries{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AppendCreditEntry writes the entry and the account balance together even
// when called outside WithTx.
func (s *Store) AppendCreditEntry(ctx context.Context, e ledger.CreditEntry) error {
	return s.WithTx(ctx, func(ts ledger.Store) error {
		return ts.AppendCreditEntry(ctx, e)
	})
}

// Reset deletes all data (for testing/dev).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, table := range []string{
		"adjustments", "credit_entries", "credit_accounts", "dues_statements", "transactions",
		"discount_policies", "penalty_policies", "units", "billing_configs",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, tenant_id, unit_id, asset_id, tx_type, status, payment_mode,
	gross_amount, net_amount, category, description, payer_name, reference_number,
	transaction_date, periods, statement_id, credit_to_add, created_by, approved_by,
	approved_at, verified_by, verified_at, notes, created_at, updated_at`

func (s queries) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.TenantID, nullString(tx.UnitID), nullString(tx.AssetID), tx.Type, tx.Status, tx.PaymentMode,
		money(tx.GrossAmount), money(tx.NetAmount), tx.Category, tx.Description, tx.PayerName, tx.ReferenceNumber,
		formatDate(tx.TransactionDate), tx.Periods, nullString(tx.StatementID), money(tx.CreditToAdd),
		tx.CreatedBy, tx.ApprovedBy, nullTime(tx.ApprovedAt), tx.VerifiedBy, nullTime(tx.VerifiedAt), tx.Notes,
		formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (s queries) UpdateTransaction(ctx context.Context, tx ledger.Transaction) error {
	res, err := s.q.ExecContext(ctx, `UPDATE transactions SET
		status = ?, gross_amount = ?, net_amount = ?, category = ?, description = ?,
		statement_id = ?, credit_to_add = ?, approved_by = ?, approved_at = ?,
		verified_by = ?, verified_at = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		tx.Status, money(tx.GrossAmount), money(tx.NetAmount), tx.Category, tx.Description,
		nullString(tx.StatementID), money(tx.CreditToAdd), tx.ApprovedBy, nullTime(tx.ApprovedAt),
		tx.VerifiedBy, nullTime(tx.VerifiedAt), tx.Notes, formatTime(tx.UpdatedAt),
		tx.ID,
	)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", tx.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

func (s queries) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	txs, err := s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return txs[0], nil
}

func (s queries) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1 = 1`
	var args []any
	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if f.UnitID != "" {
		query += ` AND unit_id = ?`
		args = append(args, f.UnitID)
	}
	if f.Type != "" {
		query += ` AND tx_type = ?`
		args = append(args, f.Type)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.From != nil {
		query += ` AND transaction_date >= ?`
		args = append(args, formatDate(*f.From))
	}
	if f.To != nil {
		query += ` AND transaction_date <= ?`
		args = append(args, formatDate(*f.To))
	}
	query += ` ORDER BY transaction_date, created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryTransactions(ctx, query, args...)
}

func (s queries) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			tx                                       ledger.Transaction
			unitID, assetID, statementID             sql.NullString
			description, payer, reference, notes     sql.NullString
			createdBy, approvedBy, verifiedBy        sql.NullString
			approvedAt, verifiedAt                   sql.NullString
			gross, net, credit, txDate, created, upd string
		)
		if err := rows.Scan(
			&tx.ID, &tx.TenantID, &unitID, &assetID, &tx.Type, &tx.Status, &tx.PaymentMode,
			&gross, &net, &tx.Category, &description, &payer, &reference,
			&txDate, &tx.Periods, &statementID, &credit, &createdBy, &approvedBy,
			&approvedAt, &verifiedBy, &verifiedAt, &notes, &created, &upd,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.UnitID = unitID.String
		tx.AssetID = assetID.String
		tx.StatementID = statementID.String
		tx.Description = description.String
		tx.PayerName = payer.String
		tx.ReferenceNumber = reference.String
		tx.Notes = notes.String
		tx.CreatedBy = createdBy.String
		tx.ApprovedBy = approvedBy.String
		tx.VerifiedBy = verifiedBy.String
		var d decoder
		tx.GrossAmount = d.money("gross_amount", gross)
		tx.NetAmount = d.money("net_amount", net)
		tx.CreditToAdd = d.money("credit_to_add", credit)
		tx.TransactionDate = d.date("transaction_date", txDate)
		tx.ApprovedAt = d.optTimestamp("approved_at", approvedAt)
		tx.VerifiedAt = d.optTimestamp("verified_at", verifiedAt)
		tx.CreatedAt = d.timestamp("created_at", created)
		tx.UpdatedAt = d.timestamp("updated_at", upd)
		if d.err != nil {
			return nil, fmt.Errorf("scan transaction %s: %w", tx.ID, d.err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func (s queries) InsertAdjustments(ctx context.Context, adjustments []ledger.Adjustment) error {
	for _, a := range adjustments {
		_, err := s.q.ExecContext(ctx, `INSERT INTO adjustments
			(id, transaction_id, kind, amount, reason, policy_id, statement_id, periods_overdue, rate_applied, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.TransactionID, a.Kind, money(a.Amount), a.Reason, nullString(a.PolicyID),
			nullString(a.StatementID), a.PeriodsOverdue, a.RateApplied.String(), formatTime(a.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert adjustment %s: %w", a.ID, err)
		}
	}
	return nil
}

func (s queries) ListAdjustments(ctx context.Context, transactionID string) ([]ledger.Adjustment, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, transaction_id, kind, amount, reason, policy_id,
		statement_id, periods_overdue, rate_applied, created_at
		FROM adjustments WHERE transaction_id = ? ORDER BY created_at, rowid`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query adjustments: %w", err)
	}
	defer rows.Close()

	var out []ledger.Adjustment
	for rows.Next() {
		var (
			a                             ledger.Adjustment
			reason, policyID, statementID sql.NullString
			amount, rate, created         string
		)
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.Kind, &amount, &reason, &policyID,
			&statementID, &a.PeriodsOverdue, &rate, &created); err != nil {
			return nil, fmt.Errorf("scan adjustment: %w", err)
		}
		var d decoder
		a.Amount = d.money("amount", amount)
		a.RateApplied = d.number("rate_applied", rate)
		a.Reason = reason.String
		a.PolicyID = policyID.String
		a.StatementID = statementID.String
		a.CreatedAt = d.timestamp("created_at", created)
		if d.err != nil {
			return nil, fmt.Errorf("scan adjustment %s: %w", a.ID, d.err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// DUES STATEMENTS
// =============================================================================

const statementColumns = `id, tenant_id, unit_id, statement_year, statement_month, base_amount,
	penalty_amount, discount_amount, net_amount, amount_paid, status, due_date, paid_date,
	payment_transaction_id, created_at, updated_at`

func (s queries) InsertStatement(ctx context.Context, st ledger.DuesStatement) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO dues_statements (`+statementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.TenantID, st.UnitID, st.Period.Year, int(st.Period.Month), money(st.BaseAmount),
		money(st.PenaltyAmount), money(st.DiscountAmount), money(st.NetAmount), money(st.AmountPaid),
		st.Status, formatDate(st.DueDate), nullDate(st.PaidDate), nullString(st.PaymentTransactionID),
		formatTime(st.CreatedAt), formatTime(st.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateStatement
		}
		return fmt.Errorf("insert statement %s: %w", st.ID, err)
	}
	return nil
}

func (s queries) UpdateStatement(ctx context.Context, st ledger.DuesStatement) error {
	if st.BalanceDue().IsNegative() {
		return &ledger.ValidationError{Field: "amount_paid", Reason: "statement would be overpaid"}
	}
	res, err := s.q.ExecContext(ctx, `UPDATE dues_statements SET
		penalty_amount = ?, discount_amount = ?, net_amount = ?, amount_paid = ?, status = ?,
		paid_date = ?, payment_transaction_id = ?, updated_at = ?
		WHERE id = ?`,
		money(st.PenaltyAmount), money(st.DiscountAmount), money(st.NetAmount), money(st.AmountPaid), st.Status,
		nullDate(st.PaidDate), nullString(st.PaymentTransactionID), formatTime(st.UpdatedAt),
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("update statement %s: %w", st.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrStatementNotFound
	}
	return nil
}

func (s queries) GetStatement(ctx context.Context, id string) (ledger.DuesStatement, error) {
	sts, err := s.queryStatements(ctx, `SELECT `+statementColumns+` FROM dues_statements WHERE id = ?`, id)
	if err != nil {
		return ledger.DuesStatement{}, err
	}
	if len(sts) == 0 {
		return ledger.DuesStatement{}, ledger.ErrStatementNotFound
	}
	return sts[0], nil
}

func (s queries) FindStatement(ctx context.Context, tenantID, unitID string, p ledger.Period) (ledger.DuesStatement, bool, error) {
	sts, err := s.queryStatements(ctx, `SELECT `+statementColumns+` FROM dues_statements
		WHERE tenant_id = ? AND unit_id = ? AND statement_year = ? AND statement_month = ?`,
		tenantID, unitID, p.Year, int(p.Month))
	if err != nil {
		return ledger.DuesStatement{}, false, err
	}
	if len(sts) == 0 {
		return ledger.DuesStatement{}, false, nil
	}
	return sts[0], true, nil
}

func (s queries) OutstandingStatements(ctx context.Context, tenantID, unitID string) ([]ledger.DuesStatement, error) {
	return s.queryStatements(ctx, `SELECT `+statementColumns+` FROM dues_statements
		WHERE tenant_id = ? AND unit_id = ? AND status IN ('UNPAID', 'PARTIAL', 'OVERDUE')
		ORDER BY statement_year, statement_month`, tenantID, unitID)
}

func (s queries) queryStatements(ctx context.Context, query string, args ...any) ([]ledger.DuesStatement, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query statements: %w", err)
	}
	defer rows.Close()

	var out []ledger.DuesStatement
	for rows.Next() {
		var (
			st                                 ledger.DuesStatement
			month                              int
			base, penalty, discount, net, paid string
			due, created, updated              string
			paidDate, paymentTx                sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.TenantID, &st.UnitID, &st.Period.Year, &month, &base,
			&penalty, &discount, &net, &paid, &st.Status, &due, &paidDate,
			&paymentTx, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan statement: %w", err)
		}
		st.Period.Month = time.Month(month)
		var d decoder
		st.BaseAmount = d.money("base_amount", base)
		st.PenaltyAmount = d.money("penalty_amount", penalty)
		st.DiscountAmount = d.money("discount_amount", discount)
		st.NetAmount = d.money("net_amount", net)
		st.AmountPaid = d.money("amount_paid", paid)
		st.DueDate = d.date("due_date", due)
		st.PaidDate = d.optDate("paid_date", paidDate)
		st.PaymentTransactionID = paymentTx.String
		st.CreatedAt = d.timestamp("created_at", created)
		st.UpdatedAt = d.timestamp("updated_at", updated)
		if d.err != nil {
			return nil, fmt.Errorf("scan statement %s: %w", st.ID, d.err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// =============================================================================
// CREDIT
// =============================================================================

func (s queries) GetCreditAccount(ctx context.Context, unitID string) (ledger.CreditAccount, error) {
	var balance, updated string
	acct := ledger.CreditAccount{UnitID: unitID}
	err := s.q.QueryRowContext(ctx,
		`SELECT tenant_id, balance, updated_at FROM credit_accounts WHERE unit_id = ?`, unitID,
	).Scan(&acct.TenantID, &balance, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		acct.Balance = decimal.Zero
		return acct, nil
	}
	if err != nil {
		return ledger.CreditAccount{}, fmt.Errorf("load credit account %s: %w", unitID, err)
	}
	var d decoder
	acct.Balance = d.money("balance", balance)
	acct.UpdatedAt = d.timestamp("updated_at", updated)
	if d.err != nil {
		return ledger.CreditAccount{}, fmt.Errorf("load credit account %s: %w", unitID, d.err)
	}
	return acct, nil
}

func (s queries) AppendCreditEntry(ctx context.Context, e ledger.CreditEntry) error {
	if e.BalanceAfter.IsNegative() {
		return ledger.ErrNegativeBalance
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO credit_entries
		(id, tenant_id, unit_id, kind, delta, balance_after, reason, transaction_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.UnitID, e.Kind, money(e.Delta), money(e.BalanceAfter), e.Reason,
		nullString(e.TransactionID), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert credit entry: %w", translate(err))
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO credit_accounts (unit_id, tenant_id, balance, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(unit_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		e.UnitID, e.TenantID, money(e.BalanceAfter), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("update credit balance: %w", translate(err))
	}
	return nil
}

func (s queries) CreditEntries(ctx context.Context, unitID string, limit int) ([]ledger.CreditEntry, error) {
	query := `SELECT seq, id, tenant_id, unit_id, kind, delta, balance_after, reason, transaction_id, created_at
		FROM credit_entries WHERE unit_id = ? ORDER BY seq DESC`
	args := []any{unitID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query credit entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.CreditEntry
	for rows.Next() {
		var (
			e                     ledger.CreditEntry
			delta, after, created string
			reason, txID          sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.TenantID, &e.UnitID, &e.Kind, &delta, &after,
			&reason, &txID, &created); err != nil {
			return nil, fmt.Errorf("scan credit entry: %w", err)
		}
		var d decoder
		e.Delta = d.money("delta", delta)
		e.BalanceAfter = d.money("balance_after", after)
		e.Reason = reason.String
		e.TransactionID = txID.String
		e.CreatedAt = d.timestamp("created_at", created)
		if d.err != nil {
			return nil, fmt.Errorf("scan credit entry %s: %w", e.ID, d.err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// POLICIES
// =============================================================================

func (s queries) SaveDiscountPolicy(ctx context.Context, p ledger.DiscountPolicy) error {
	cats, err := json.Marshal(nonNil(p.Categories))
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO discount_policies
		(id, tenant_id, name, discount_type, value, min_periods, categories, valid_from, valid_until, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, discount_type = excluded.discount_type, value = excluded.value,
			min_periods = excluded.min_periods, categories = excluded.categories,
			valid_from = excluded.valid_from, valid_until = excluded.valid_until, active = excluded.active`,
		p.ID, p.TenantID, p.Name, p.Type, p.Value.String(), p.MinPeriods, string(cats),
		nullDate(p.ValidFrom), nullDate(p.ValidUntil), p.Active, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save discount policy %s: %w", p.ID, err)
	}
	return nil
}

func (s queries) DiscountPolicies(ctx context.Context, tenantID string) ([]ledger.DiscountPolicy, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, tenant_id, name, discount_type, value, min_periods,
		categories, valid_from, valid_until, active, created_at
		FROM discount_policies WHERE tenant_id = ? ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query discount policies: %w", err)
	}
	defer rows.Close()

	var out []ledger.DiscountPolicy
	for rows.Next() {
		var (
			p                     ledger.DiscountPolicy
			value, cats, created  string
			validFrom, validUntil sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Type, &value, &p.MinPeriods,
			&cats, &validFrom, &validUntil, &p.Active, &created); err != nil {
			return nil, fmt.Errorf("scan discount policy: %w", err)
		}
		if err := json.Unmarshal([]byte(cats), &p.Categories); err != nil {
			return nil, fmt.Errorf("decode categories for %s: %w", p.ID, err)
		}
		var d decoder
		p.Value = d.number("value", value)
		p.ValidFrom = d.optDate("valid_from", validFrom)
		p.ValidUntil = d.optDate("valid_until", validUntil)
		p.CreatedAt = d.timestamp("created_at", created)
		if d.err != nil {
			return nil, fmt.Errorf("scan discount policy %s: %w", p.ID, d.err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s queries) SavePenaltyPolicy(ctx context.Context, p ledger.PenaltyPolicy) error {
	cats, err := json.Marshal(nonNil(p.Categories))
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO penalty_policies
		(id, tenant_id, name, rate_type, rate_value, grace_days, categories, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, rate_type = excluded.rate_type, rate_value = excluded.rate_value,
			grace_days = excluded.grace_days, categories = excluded.categories, active = excluded.active`,
		p.ID, p.TenantID, p.Name, p.RateType, p.RateValue.String(), nullInt(p.GraceDays), string(cats),
		p.Active, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save penalty policy %s: %w", p.ID, err)
	}
	return nil
}

func (s queries) PenaltyPolicies(ctx context.Context, tenantID string) ([]ledger.PenaltyPolicy, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, tenant_id, name, rate_type, rate_value, grace_days,
		categories, active, created_at
		FROM penalty_policies WHERE tenant_id = ? ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query penalty policies: %w", err)
	}
	defer rows.Close()

	var out []ledger.PenaltyPolicy
	for rows.Next() {
		var (
			p                   ledger.PenaltyPolicy
			rate, cats, created string
			grace               sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.RateType, &rate, &grace,
			&cats, &p.Active, &created); err != nil {
			return nil, fmt.Errorf("scan penalty policy: %w", err)
		}
		var d decoder
		p.RateValue = d.number("rate_value", rate)
		if grace.Valid {
			g := int(grace.Int64)
			p.GraceDays = &g
		}
		if err := json.Unmarshal([]byte(cats), &p.Categories); err != nil {
			return nil, fmt.Errorf("decode categories for %s: %w", p.ID, err)
		}
		p.CreatedAt = d.timestamp("created_at", created)
		if d.err != nil {
			return nil, fmt.Errorf("scan penalty policy %s: %w", p.ID, d.err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// UNITS & BILLING CONFIG
// =============================================================================

func (s queries) SaveUnit(ctx context.Context, u ledger.Unit) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO units (id, tenant_id, label, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET tenant_id = excluded.tenant_id, label = excluded.label, active = excluded.active`,
		u.ID, u.TenantID, u.Label, u.Active)
	if err != nil {
		return fmt.Errorf("save unit %s: %w", u.ID, err)
	}
	return nil
}

func (s queries) Unit(ctx context.Context, unitID string) (ledger.Unit, error) {
	var u ledger.Unit
	var label sql.NullString
	err := s.q.QueryRowContext(ctx, `SELECT id, tenant_id, label, active FROM units WHERE id = ?`, unitID).
		Scan(&u.ID, &u.TenantID, &label, &u.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Unit{}, ledger.ErrUnitNotFound
	}
	if err != nil {
		return ledger.Unit{}, fmt.Errorf("load unit %s: %w", unitID, err)
	}
	u.Label = label.String
	return u, nil
}

func (s queries) ActiveUnits(ctx context.Context, tenantID string) ([]ledger.Unit, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, tenant_id, label, active FROM units WHERE tenant_id = ? AND active = 1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	var out []ledger.Unit
	for rows.Next() {
		var u ledger.Unit
		var label sql.NullString
		if err := rows.Scan(&u.ID, &u.TenantID, &label, &u.Active); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u.Label = label.String
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s queries) SaveBillingConfig(ctx context.Context, cfg ledger.BillingConfig) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO billing_configs
		(tenant_id, monthly_amount, billing_day, grace_days, dues_category, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			monthly_amount = excluded.monthly_amount, billing_day = excluded.billing_day,
			grace_days = excluded.grace_days, dues_category = excluded.dues_category, active = excluded.active`,
		cfg.TenantID, money(cfg.MonthlyAmount), cfg.BillingDay, nullInt(cfg.GraceDays), nullString(cfg.DuesCategory), cfg.Active)
	if err != nil {
		return fmt.Errorf("save billing config %s: %w", cfg.TenantID, err)
	}
	return nil
}

func (s queries) BillingConfig(ctx context.Context, tenantID string) (ledger.BillingConfig, bool, error) {
	var (
		cfg      ledger.BillingConfig
		amount   string
		grace    sql.NullInt64
		category sql.NullString
	)
	err := s.q.QueryRowContext(ctx, `SELECT tenant_id, monthly_amount, billing_day, grace_days, dues_category, active
		FROM billing_configs WHERE tenant_id = ?`, tenantID).
		Scan(&cfg.TenantID, &amount, &cfg.BillingDay, &grace, &category, &cfg.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.BillingConfig{}, false, nil
	}
	if err != nil {
		return ledger.BillingConfig{}, false, fmt.Errorf("load billing config %s: %w", tenantID, err)
	}
	var d decoder
	cfg.MonthlyAmount = d.money("monthly_amount", amount)
	if d.err != nil {
		return ledger.BillingConfig{}, false, fmt.Errorf("load billing config %s: %w", tenantID, d.err)
	}
	if grace.Valid {
		g := int(grace.Int64)
		cfg.GraceDays = &g
	}
	cfg.DuesCategory = category.String
	return cfg, true, nil
}

// BillingTenants lists tenants with an active billing configuration.
func (s queries) BillingTenants(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT tenant_id FROM billing_configs WHERE active = 1 ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("query billing tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func money(d decimal.Decimal) string { return ledger.Round(d).StringFixed(ledger.MinorUnits) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatDate(t time.Time) string { return t.UTC().Format(time.DateOnly) }

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(*t), Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

// decoder converts stored TEXT columns and keeps the first failure, so a
// corrupt row is rejected rather than read back as zero values.
type decoder struct {
	err error
}

func (d *decoder) fail(column, raw string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("column %s: cannot decode %q: %w", column, raw, err)
	}
}

func (d *decoder) number(column, raw string) decimal.Decimal {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		d.fail(column, raw, err)
		return decimal.Zero
	}
	return v
}

func (d *decoder) money(column, raw string) decimal.Decimal {
	return ledger.Round(d.number(column, raw))
}

func (d *decoder) timestamp(column, raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		d.fail(column, raw, err)
	}
	return t
}

func (d *decoder) optTimestamp(column string, raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t := d.timestamp(column, raw.String)
	return &t
}

func (d *decoder) date(column, raw string) time.Time {
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		d.fail(column, raw, err)
	}
	return t
}

func (d *decoder) optDate(column string, raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t := d.date(column, raw.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isCheckConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintCheck
}

// translate maps credit CHECK failures onto ErrNegativeBalance.
func translate(err error) error {
	if isCheckConstraintError(err) {
		return fmt.Errorf("%w: %v", ledger.ErrNegativeBalance, err)
	}
	return err
}

var (
	_ ledger.TxStore             = (*Store)(nil)
	_ ledger.UnitDirectory       = (*Store)(nil)
	_ ledger.BillingConfigSource = (*Store)(nil)
	_ ledger.Store               = (*txStore)(nil)
)
