/*
store.go - Persistence contracts for the ledger

PURPOSE:
  Defines the interface between the ledger services and the database.
  Services never talk SQL; they read and write through Store and group
  multi-record changes with TxStore.WithTx.

KEY INTERFACES:
  Store:               Transactions, adjustments, statements, credit, policies
  TxStore:             Store plus atomic multi-record writes
  UnitDirectory:       Unit lookup (collaborator, the property registry)
  BillingConfigSource: Tenant billing setup (collaborator)

APPEND-ONLY PARTS:
  Credit entries and adjustments are only ever appended. Transactions and
  statements are updated in place, but only through lifecycle operations.

ATOMICITY:
  Marking a statement paid, depositing or deducting credit and posting the
  transaction happen inside one WithTx call. If fn returns an error nothing
  it wrote survives.

SERIALIZATION:
  Implementations serialize WithTx calls (single writer). A deduction reads
  the balance and writes the entry inside one WithTx, so two concurrent
  deductions can never both see the same "sufficient" balance.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, snapshot rollback
  - store/sqlite/sqlite.go: SQLite via database/sql

IMPORTANT:
  Inside fn, only use the Store passed to fn. Calling back into the outer
  store from inside a transaction blocks on the single writer.
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// TransactionFilter narrows ListTransactions. Zero fields match everything.
type TransactionFilter struct {
	TenantID string
	UnitID   string
	Type     TxType
	Status   TxStatus
	Category string
	From     *time.Time // inclusive, on TransactionDate
	To       *time.Time // inclusive, on TransactionDate
	Limit    int        // <= 0 means no limit
}

// Matches applies the filter to a single transaction.
func (f TransactionFilter) Matches(tx Transaction) bool {
	switch {
	case f.TenantID != "" && tx.TenantID != f.TenantID,
		f.UnitID != "" && tx.UnitID != f.UnitID,
		f.Type != "" && tx.Type != f.Type,
		f.Status != "" && tx.Status != f.Status,
		f.Category != "" && tx.Category != f.Category:
		return false
	}
	d := Day(tx.TransactionDate)
	if f.From != nil && d.Before(Day(*f.From)) {
		return false
	}
	if f.To != nil && d.After(Day(*f.To)) {
		return false
	}
	return true
}

// Store handles persistence of every ledger record.
type Store interface {
	// Transactions
	InsertTransaction(ctx context.Context, tx Transaction) error
	UpdateTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	// ListTransactions returns matches ordered by TransactionDate then CreatedAt.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)

	// Adjustments (append-only)
	InsertAdjustments(ctx context.Context, adjustments []Adjustment) error
	ListAdjustments(ctx context.Context, transactionID string) ([]Adjustment, error)

	// Statements. InsertStatement returns ErrDuplicateStatement when the
	// (tenant, unit, period) key is taken.
	InsertStatement(ctx context.Context, st DuesStatement) error
	UpdateStatement(ctx context.Context, st DuesStatement) error
	GetStatement(ctx context.Context, id string) (DuesStatement, error)
	FindStatement(ctx context.Context, tenantID, unitID string, period Period) (DuesStatement, bool, error)
	// OutstandingStatements returns UNPAID, PARTIAL and OVERDUE statements,
	// oldest period first.
	OutstandingStatements(ctx context.Context, tenantID, unitID string) ([]DuesStatement, error)

	// Credit. GetCreditAccount returns a zero-balance account when the unit
	// has none yet. AppendCreditEntry assigns Seq and moves the account
	// balance to entry.BalanceAfter in the same write.
	GetCreditAccount(ctx context.Context, unitID string) (CreditAccount, error)
	AppendCreditEntry(ctx context.Context, entry CreditEntry) error
	// CreditEntries returns entries newest first. limit <= 0 returns all.
	CreditEntries(ctx context.Context, unitID string, limit int) ([]CreditEntry, error)

	// Policies, ordered by CreatedAt.
	DiscountPolicies(ctx context.Context, tenantID string) ([]DiscountPolicy, error)
	PenaltyPolicies(ctx context.Context, tenantID string) ([]PenaltyPolicy, error)
}

// TxStore extends Store with transactional support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error, every
	// write fn made is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// UnitDirectory resolves units. Unit returns ErrUnitNotFound when missing.
type UnitDirectory interface {
	Unit(ctx context.Context, unitID string) (Unit, error)
	ActiveUnits(ctx context.Context, tenantID string) ([]Unit, error)
}

// BillingConfigSource resolves tenant billing setup. ok is false when the
// tenant has none.
type BillingConfigSource interface {
	BillingConfig(ctx context.Context, tenantID string) (cfg BillingConfig, ok bool, err error)
}
