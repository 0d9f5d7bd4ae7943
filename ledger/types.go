/*
Package ledger is the financial core of the association backend.

PURPOSE:
  Records income and expense transactions for a tenant (an HOA or condo
  association), computes penalty and discount adjustments, keeps a prepaid
  credit account per unit and generates the recurring monthly dues statements.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: an income or expense entry moving DRAFT -> PENDING -> POSTED
  - Adjustment: a penalty or discount line attached to a transaction
  - DuesStatement: one bill per (tenant, unit, year, month)
  - CreditEntry: an append-only change to a unit's prepaid credit
  - DiscountPolicy / PenaltyPolicy: tenant-configured adjustment rules

DESIGN PRINCIPLES:
  1. Precision: every amount is a decimal.Decimal rounded to two places per step
  2. Single-entry: balances are derived from entries, not from double postings
  3. Atomicity: statement, credit and transaction writes share one store transaction
  4. Idempotency: (tenant, unit, year, month) identifies a statement exactly once

USAGE:
  store := store.NewMemory()
  credit := ledger.NewCreditAccounts(store, ledger.Options{})
  txl := ledger.NewTransactionLedger(store, store, store, credit, ledger.Options{})
  tx, breakdown, err := txl.RecordIncome(ctx, ledger.IncomeRequest{...})

SEE ALSO:
  - adjustment.go: penalty and discount math
  - payment.go: direct payment rules
  - credit.go: credit account operations
  - transaction.go: transaction lifecycle
  - billing.go: monthly statement generation
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENUMERATIONS
// =============================================================================

type TxType string

const (
	TxIncome  TxType = "INCOME"
	TxExpense TxType = "EXPENSE"
)

type TxStatus string

const (
	StatusDraft     TxStatus = "DRAFT"
	StatusPending   TxStatus = "PENDING"
	StatusPosted    TxStatus = "POSTED"
	StatusCancelled TxStatus = "CANCELLED"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s TxStatus) Terminal() bool { return s == StatusPosted || s == StatusCancelled }

type PaymentMode string

const (
	PaymentExact   PaymentMode = "EXACT"
	PaymentAdvance PaymentMode = "ADVANCE"
)

func (m PaymentMode) Valid() bool { return m == PaymentExact || m == PaymentAdvance }

type AdjustmentKind string

const (
	AdjustmentDiscount AdjustmentKind = "DISCOUNT"
	AdjustmentPenalty  AdjustmentKind = "PENALTY"
)

type StatementStatus string

const (
	StatementUnpaid  StatementStatus = "UNPAID"
	StatementPartial StatementStatus = "PARTIAL"
	StatementPaid    StatementStatus = "PAID"
	StatementOverdue StatementStatus = "OVERDUE"
	StatementWaived  StatementStatus = "WAIVED"
)

// Outstanding reports whether a statement in this status can still be paid.
func (s StatementStatus) Outstanding() bool {
	return s == StatementUnpaid || s == StatementPartial || s == StatementOverdue
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "PERCENTAGE"
	DiscountFlat       DiscountType = "FLAT"
)

type RateType string

const (
	RateFlat    RateType = "FLAT"
	RatePercent RateType = "PERCENT"
)

type CreditEntryKind string

const (
	CreditDeposit   CreditEntryKind = "DEPOSIT"
	CreditDeduction CreditEntryKind = "DEDUCTION"
)

// =============================================================================
// TRANSACTION
// =============================================================================

// Transaction is a single-entry income or expense record.
// NetAmount = GrossAmount + penalties - discounts and is never negative.
type Transaction struct {
	ID          string
	TenantID    string
	UnitID      string // empty when not tied to a unit
	AssetID     string
	Type        TxType
	Status      TxStatus
	PaymentMode PaymentMode

	GrossAmount decimal.Decimal
	NetAmount   decimal.Decimal

	Category        string
	Description     string
	PayerName       string
	ReferenceNumber string
	TransactionDate time.Time
	Periods         int // months covered by the payment

	// Resolved when the transaction posts.
	StatementID string
	CreditToAdd decimal.Decimal

	CreatedBy  string
	ApprovedBy string
	ApprovedAt *time.Time
	VerifiedBy string
	VerifiedAt *time.Time
	Notes      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Adjustment is a penalty or discount line. Amount is never negative; the
// kind carries the sign. Penalty audit fields are stored as applied and are
// never recomputed from a policy that may since have changed.
type Adjustment struct {
	ID             string
	TransactionID  string
	Kind           AdjustmentKind
	Amount         decimal.Decimal
	Reason         string
	PolicyID       string
	StatementID    string
	PeriodsOverdue int
	RateApplied    decimal.Decimal
	CreatedAt      time.Time
}

// =============================================================================
// POLICIES
// =============================================================================

// DiscountPolicy grants a percentage or flat reduction when enough periods are
// paid at once. All applicable policies stack.
type DiscountPolicy struct {
	ID         string
	TenantID   string
	Name       string
	Type       DiscountType
	Value      decimal.Decimal
	MinPeriods int
	Categories []string // empty = every category
	ValidFrom  *time.Time
	ValidUntil *time.Time
	Active     bool
	CreatedAt  time.Time
}

// PenaltyPolicy charges simple interest on overdue dues. RateValue is per
// period; for RatePercent it is a percentage (2.00 means 2%).
type PenaltyPolicy struct {
	ID         string
	TenantID   string
	Name       string
	RateType   RateType
	RateValue  decimal.Decimal
	GraceDays  *int // nil = tenant default
	Categories []string
	Active     bool
	CreatedAt  time.Time
}

// =============================================================================
// DUES STATEMENT
// =============================================================================

type DuesStatement struct {
	ID       string
	TenantID string
	UnitID   string
	Period   Period

	BaseAmount     decimal.Decimal
	PenaltyAmount  decimal.Decimal
	DiscountAmount decimal.Decimal
	NetAmount      decimal.Decimal
	AmountPaid     decimal.Decimal

	Status               StatementStatus
	DueDate              time.Time
	PaidDate             *time.Time
	PaymentTransactionID string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// BalanceDue is what remains to be paid on the statement.
func (s DuesStatement) BalanceDue() decimal.Decimal {
	return s.NetAmount.Sub(s.AmountPaid)
}

// =============================================================================
// CREDIT
// =============================================================================

// CreditAccount is the prepaid balance of one unit. Balance always equals the
// sum of the unit's entry deltas.
type CreditAccount struct {
	TenantID  string
	UnitID    string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// CreditEntry is an append-only credit change. Delta is signed; BalanceAfter
// is the running balance once the entry is applied.
type CreditEntry struct {
	ID            string
	Seq           int64 // assigned by the store, increasing per unit
	TenantID      string
	UnitID        string
	Kind          CreditEntryKind
	Delta         decimal.Decimal
	BalanceAfter  decimal.Decimal
	Reason        string
	TransactionID string
	CreatedAt     time.Time
}

// =============================================================================
// COLLABORATOR DATA
// =============================================================================

// Unit is the slice of the property registry the ledger needs.
type Unit struct {
	ID       string
	TenantID string
	Label    string
	Active   bool
}

// BillingConfig is the tenant's recurring dues setup.
type BillingConfig struct {
	TenantID      string
	MonthlyAmount decimal.Decimal
	BillingDay    int // 1-28
	GraceDays     *int // nil = Options.DefaultGraceDays
	DuesCategory  string
	Active        bool
}

// Category returns the dues category, falling back to the default catalogue.
func (c BillingConfig) Category() string {
	if c.DuesCategory == "" {
		return CategoryMonthlyDues
	}
	return c.DuesCategory
}

// Grace returns the tenant's grace period for policies that set none, or
// fallback when the tenant has no grace period of its own.
func (c BillingConfig) Grace(fallback int) int {
	if c.GraceDays != nil {
		return *c.GraceDays
	}
	return fallback
}
