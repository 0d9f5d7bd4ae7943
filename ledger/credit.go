/*
credit.go - Per-unit prepaid credit

PURPOSE:
  Each unit owns one credit account fed by ADVANCE overpayments and drained
  by billing's automatic settlement.

INVARIANTS:
  - Entries are append-only; each carries its signed delta and the balance
    after applying it.
  - The account balance equals the sum of all entry deltas.
  - No entry ever leaves a negative running balance.

DEDUCTION:
  Deduct never fails on a short balance. It returns Applied=false and leaves
  the account untouched; callers must check the flag.

CONCURRENCY:
  The balance read and the entry write happen inside one WithTx, which the
  store serializes, so concurrent deductions cannot overdraw.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreditAccounts manages unit credit balances.
type CreditAccounts struct {
	store TxStore
	opts  Options
}

func NewCreditAccounts(store TxStore, opts Options) *CreditAccounts {
	return &CreditAccounts{store: store, opts: opts.withDefaults()}
}

// DeductResult reports the outcome of a deduction.
type DeductResult struct {
	Applied bool
	Balance decimal.Decimal // balance after the call
	Entry   *CreditEntry    // nil when not applied
}

// CreditAudit compares the stored balance with the entry history.
type CreditAudit struct {
	UnitID        string
	Balance       decimal.Decimal
	EntrySum      decimal.Decimal
	Entries       int
	NegativeAtSeq int64 // first entry whose running balance went negative, 0 if none
	MismatchAtSeq int64 // first entry whose BalanceAfter disagrees with the running sum
}

// Consistent reports whether balance, entries and running balances agree.
func (a CreditAudit) Consistent() bool {
	return a.Balance.Equal(a.EntrySum) && a.NegativeAtSeq == 0 && a.MismatchAtSeq == 0
}

// Deposit adds credit to a unit.
func (c *CreditAccounts) Deposit(ctx context.Context, tenantID, unitID string, amount decimal.Decimal, reason, transactionID string) (CreditEntry, error) {
	var entry CreditEntry
	err := c.store.WithTx(ctx, func(s Store) error {
		var err error
		entry, err = c.deposit(ctx, s, tenantID, unitID, amount, reason, transactionID)
		return err
	})
	if err != nil {
		return CreditEntry{}, err
	}
	return entry, nil
}

// Deduct removes credit if the balance covers amount.
func (c *CreditAccounts) Deduct(ctx context.Context, tenantID, unitID string, amount decimal.Decimal, reason, transactionID string) (DeductResult, error) {
	var res DeductResult
	err := c.store.WithTx(ctx, func(s Store) error {
		var err error
		res, err = c.deduct(ctx, s, tenantID, unitID, amount, reason, transactionID)
		return err
	})
	if err != nil {
		return DeductResult{}, err
	}
	return res, nil
}

// Balance returns the unit's current credit.
func (c *CreditAccounts) Balance(ctx context.Context, unitID string) (decimal.Decimal, error) {
	acct, err := c.store.GetCreditAccount(ctx, unitID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load credit account %s: %w", unitID, err)
	}
	return acct.Balance, nil
}

// History returns the newest entries first. limit <= 0 returns all of them.
func (c *CreditAccounts) History(ctx context.Context, unitID string, limit int) ([]CreditEntry, error) {
	entries, err := c.store.CreditEntries(ctx, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("load credit history %s: %w", unitID, err)
	}
	return entries, nil
}

// Verify replays the unit's entries and reports any drift from the stored
// balance.
func (c *CreditAccounts) Verify(ctx context.Context, unitID string) (CreditAudit, error) {
	var audit CreditAudit
	err := c.store.WithTx(ctx, func(s Store) error {
		acct, err := s.GetCreditAccount(ctx, unitID)
		if err != nil {
			return err
		}
		entries, err := s.CreditEntries(ctx, unitID, 0)
		if err != nil {
			return err
		}
		audit = auditEntries(acct, entries)
		return nil
	})
	if err != nil {
		return CreditAudit{}, fmt.Errorf("verify credit %s: %w", unitID, err)
	}
	if !audit.Consistent() {
		c.opts.Logger.Error("credit ledger drift",
			zap.String("unit_id", unitID),
			zap.String("balance", audit.Balance.StringFixed(2)),
			zap.String("entry_sum", audit.EntrySum.StringFixed(2)),
			zap.Int64("negative_at_seq", audit.NegativeAtSeq),
			zap.Int64("mismatch_at_seq", audit.MismatchAtSeq),
		)
	}
	return audit, nil
}

// entries arrive newest first.
func auditEntries(acct CreditAccount, entries []CreditEntry) CreditAudit {
	audit := CreditAudit{UnitID: acct.UnitID, Balance: acct.Balance, EntrySum: decimal.Zero, Entries: len(entries)}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		audit.EntrySum = audit.EntrySum.Add(e.Delta)
		if audit.NegativeAtSeq == 0 && audit.EntrySum.IsNegative() {
			audit.NegativeAtSeq = e.Seq
		}
		if audit.MismatchAtSeq == 0 && !audit.EntrySum.Equal(e.BalanceAfter) {
			audit.MismatchAtSeq = e.Seq
		}
	}
	return audit
}

// =============================================================================
// IN-TRANSACTION HELPERS - shared with posting and billing
// =============================================================================

func (c *CreditAccounts) deposit(ctx context.Context, s Store, tenantID, unitID string, amount decimal.Decimal, reason, transactionID string) (CreditEntry, error) {
	amount = Round(amount)
	if !amount.IsPositive() {
		return CreditEntry{}, invalid("amount", "credit deposit must be positive, got %s", amount.StringFixed(2))
	}
	acct, err := c.account(ctx, s, tenantID, unitID)
	if err != nil {
		return CreditEntry{}, err
	}
	entry := c.newEntry(tenantID, unitID, CreditDeposit, amount, acct.Balance.Add(amount), reason, transactionID)
	if err := s.AppendCreditEntry(ctx, entry); err != nil {
		return CreditEntry{}, fmt.Errorf("append credit deposit: %w", err)
	}
	c.opts.Metrics.CreditEntry(CreditDeposit, amount)
	c.opts.Logger.Info("credit deposited",
		zap.String("tenant_id", tenantID),
		zap.String("unit_id", unitID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("balance", entry.BalanceAfter.StringFixed(2)),
		zap.String("transaction_id", transactionID),
	)
	return entry, nil
}

func (c *CreditAccounts) deduct(ctx context.Context, s Store, tenantID, unitID string, amount decimal.Decimal, reason, transactionID string) (DeductResult, error) {
	amount = Round(amount)
	if !amount.IsPositive() {
		return DeductResult{}, invalid("amount", "credit deduction must be positive, got %s", amount.StringFixed(2))
	}
	acct, err := c.account(ctx, s, tenantID, unitID)
	if err != nil {
		return DeductResult{}, err
	}
	if acct.Balance.LessThan(amount) {
		c.opts.Logger.Debug("credit deduction not applied",
			zap.String("unit_id", unitID),
			zap.String("requested", amount.StringFixed(2)),
			zap.String("balance", acct.Balance.StringFixed(2)),
		)
		return DeductResult{Applied: false, Balance: acct.Balance}, nil
	}
	entry := c.newEntry(tenantID, unitID, CreditDeduction, amount.Neg(), acct.Balance.Sub(amount), reason, transactionID)
	if err := s.AppendCreditEntry(ctx, entry); err != nil {
		return DeductResult{}, fmt.Errorf("append credit deduction: %w", err)
	}
	c.opts.Metrics.CreditEntry(CreditDeduction, amount)
	c.opts.Logger.Info("credit deducted",
		zap.String("tenant_id", tenantID),
		zap.String("unit_id", unitID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("balance", entry.BalanceAfter.StringFixed(2)),
		zap.String("transaction_id", transactionID),
	)
	return DeductResult{Applied: true, Balance: entry.BalanceAfter, Entry: &entry}, nil
}

// account loads the unit's account and refuses cross-tenant access.
func (c *CreditAccounts) account(ctx context.Context, s Store, tenantID, unitID string) (CreditAccount, error) {
	if unitID == "" {
		return CreditAccount{}, invalid("unit_id", "unit is required for credit operations")
	}
	acct, err := s.GetCreditAccount(ctx, unitID)
	if err != nil {
		return CreditAccount{}, fmt.Errorf("load credit account %s: %w", unitID, err)
	}
	if acct.TenantID != "" && acct.TenantID != tenantID {
		return CreditAccount{}, fmt.Errorf("credit account %s: %w", unitID, ErrUnitNotFound)
	}
	return acct, nil
}

func (c *CreditAccounts) newEntry(tenantID, unitID string, kind CreditEntryKind, delta, after decimal.Decimal, reason, transactionID string) CreditEntry {
	return CreditEntry{
		ID:            c.opts.NewID(),
		TenantID:      tenantID,
		UnitID:        unitID,
		Kind:          kind,
		Delta:         delta,
		BalanceAfter:  after,
		Reason:        reason,
		TransactionID: transactionID,
		CreatedAt:     c.opts.now().Truncate(time.Microsecond),
	}
}
