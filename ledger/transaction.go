/*
transaction.go - Income/expense recording and the approval lifecycle

LIFECYCLE:
  DRAFT   -> PENDING    Submit
  DRAFT   -> POSTED     Post (direct workflow)
  PENDING -> POSTED     Approve
  PENDING -> DRAFT      Reject (annotated)
  DRAFT   -> CANCELLED  Cancel (annotated, permanent)
  PENDING -> CANCELLED  Cancel
  POSTED and CANCELLED are terminal. Verify stamps a POSTED transaction.

POSTING AN INCOME FOR A UNIT:
  Inside one store transaction:
    1. re-validate the payment against the unit's current oldest statement
    2. mark that statement PAID
    3. deposit the ADVANCE excess into the unit's credit account
    4. flip the transaction to POSTED
  Any failure rolls back every step.

RECORDING:
  RecordIncome validates the payment, builds the breakdown (pending penalties
  plus selected discounts) and stores the transaction as DRAFT together with
  one adjustment row per penalty and discount. PreviewBreakdown runs the same
  computation without writing anything.
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// REQUESTS
// =============================================================================

// IncomeRequest describes an income to record or preview.
type IncomeRequest struct {
	TenantID            string      `validate:"required"`
	UnitID              string      `validate:"omitempty"`
	AssetID             string      `validate:"omitempty"`
	Category            string      `validate:"required,max=100"`
	Description         string      `validate:"max=500"`
	GrossAmount         decimal.Decimal
	PaymentMode         PaymentMode `validate:"omitempty,oneof=EXACT ADVANCE"`
	Periods             int         `validate:"gte=0,lte=120"`
	SelectedDiscountIDs []string    `validate:"dive,required"`
	PayerName           string      `validate:"max=200"`
	ReferenceNumber     string      `validate:"max=100"`
	TransactionDate     time.Time
	CreatedBy           string
}

// ExpenseRequest describes an expense. Expenses are never matched against
// dues and carry no adjustments.
type ExpenseRequest struct {
	TenantID        string `validate:"required"`
	UnitID          string `validate:"omitempty"`
	AssetID         string `validate:"omitempty"`
	Category        string `validate:"required,max=100"`
	Description     string `validate:"max=500"`
	Amount          decimal.Decimal
	PayeeName       string `validate:"max=200"`
	ReferenceNumber string `validate:"max=100"`
	TransactionDate time.Time
	CreatedBy       string
}

var validate = validator.New()

func validateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return invalid(strings.ToLower(fe.Field()), "failed %q rule", fe.Tag())
		}
		return invalid("", "%v", err)
	}
	return nil
}

// =============================================================================
// TRANSACTION LEDGER
// =============================================================================

// TransactionLedger records transactions and drives their lifecycle.
type TransactionLedger struct {
	store   TxStore
	units   UnitDirectory
	configs BillingConfigSource
	credit  *CreditAccounts
	calc    AdjustmentCalculator
	opts    Options
}

// NewTransactionLedger wires the ledger. units and configs are usually the
// same store in the standalone server.
func NewTransactionLedger(store TxStore, units UnitDirectory, configs BillingConfigSource, credit *CreditAccounts, opts Options) *TransactionLedger {
	opts = opts.withDefaults()
	if credit == nil {
		credit = NewCreditAccounts(store, opts)
	}
	return &TransactionLedger{
		store:   store,
		units:   units,
		configs: configs,
		credit:  credit,
		calc:    AdjustmentCalculator{DefaultGraceDays: opts.DefaultGraceDays},
		opts:    opts,
	}
}

// unitContext is everything looked up outside the store transaction.
type unitContext struct {
	cfg      BillingConfig
	hasUnit  bool
	category string
	calc     AdjustmentCalculator
}

func (l *TransactionLedger) resolveUnit(ctx context.Context, tenantID, unitID string) (unitContext, error) {
	uc := unitContext{calc: l.calc, category: CategoryMonthlyDues}
	if l.configs != nil {
		cfg, ok, err := l.configs.BillingConfig(ctx, tenantID)
		if err != nil {
			return uc, fmt.Errorf("load billing config %s: %w", tenantID, err)
		}
		if ok {
			uc.cfg = cfg
			uc.category = cfg.Category()
			uc.calc.DefaultGraceDays = cfg.Grace(l.calc.DefaultGraceDays)
		}
	}
	if unitID == "" {
		return uc, nil
	}
	if l.units == nil {
		return uc, fmt.Errorf("unit %s: %w", unitID, ErrUnitNotFound)
	}
	unit, err := l.units.Unit(ctx, unitID)
	if err != nil {
		return uc, fmt.Errorf("unit %s: %w", unitID, err)
	}
	if unit.TenantID != tenantID {
		return uc, fmt.Errorf("unit %s: %w", unitID, ErrUnitNotFound)
	}
	if !unit.Active {
		return uc, fmt.Errorf("unit %s: %w", unitID, ErrUnitInactive)
	}
	uc.hasUnit = true
	return uc, nil
}

func normalizeIncome(req *IncomeRequest, now time.Time) {
	if req.PaymentMode == "" {
		req.PaymentMode = PaymentExact
	}
	if req.Periods == 0 {
		req.Periods = 1
	}
	if req.TransactionDate.IsZero() {
		req.TransactionDate = now
	}
	req.GrossAmount = Round(req.GrossAmount)
}

// computeIncome validates the payment and builds the breakdown against s.
func (l *TransactionLedger) computeIncome(ctx context.Context, s Store, req IncomeRequest, uc unitContext) (Breakdown, error) {
	asOf := l.opts.now()

	var outstanding []DuesStatement
	if uc.hasUnit {
		var err error
		outstanding, err = s.OutstandingStatements(ctx, req.TenantID, req.UnitID)
		if err != nil {
			return Breakdown{}, fmt.Errorf("load outstanding statements: %w", err)
		}
	}

	decision := PaymentDecision{Accepted: true, CreditToAdd: decimal.Zero, Outstanding: decimal.Zero}
	if uc.hasUnit {
		decision = ValidatePayment(oldest(outstanding), req.GrossAmount, req.PaymentMode)
		if err := decision.Err(); err != nil {
			return Breakdown{}, err
		}
	}

	var penalties []PenaltyLine
	if uc.hasUnit {
		policies, err := s.PenaltyPolicies(ctx, req.TenantID)
		if err != nil {
			return Breakdown{}, fmt.Errorf("load penalty policies: %w", err)
		}
		penalties = uc.calc.UnitPenalties(policies, uc.category, outstanding, asOf)
	}

	discounts, err := s.DiscountPolicies(ctx, req.TenantID)
	if err != nil {
		return Breakdown{}, fmt.Errorf("load discount policies: %w", err)
	}

	b, err := uc.calc.Breakdown(BreakdownInput{
		Gross:            req.GrossAmount,
		Category:         req.Category,
		Periods:          req.Periods,
		SelectedIDs:      req.SelectedDiscountIDs,
		Penalties:        penalties,
		DiscountPolicies: discounts,
		AsOf:             asOf,
	})
	if err != nil {
		return Breakdown{}, err
	}
	if req.PaymentMode == PaymentAdvance {
		b.CreditToAdd = decision.CreditToAdd
	}
	b.Outstanding = decision.Outstanding
	b.StatementID = decision.StatementID
	return b, nil
}

// PreviewBreakdown computes what RecordIncome would store, without storing it.
func (l *TransactionLedger) PreviewBreakdown(ctx context.Context, req IncomeRequest) (Breakdown, error) {
	normalizeIncome(&req, l.opts.now())
	if err := l.checkIncome(req); err != nil {
		return Breakdown{}, err
	}
	uc, err := l.resolveUnit(ctx, req.TenantID, req.UnitID)
	if err != nil {
		return Breakdown{}, err
	}
	return l.computeIncome(ctx, l.store, req, uc)
}

func (l *TransactionLedger) checkIncome(req IncomeRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	if !req.GrossAmount.IsPositive() {
		return invalid("amount", "amount must be greater than zero")
	}
	return nil
}

// RecordIncome stores an income as DRAFT with its adjustments. The returned
// breakdown carries the credit that will be deposited when it posts.
func (l *TransactionLedger) RecordIncome(ctx context.Context, req IncomeRequest) (Transaction, Breakdown, error) {
	now := l.opts.now()
	normalizeIncome(&req, now)
	if err := l.checkIncome(req); err != nil {
		return Transaction{}, Breakdown{}, err
	}
	uc, err := l.resolveUnit(ctx, req.TenantID, req.UnitID)
	if err != nil {
		return Transaction{}, Breakdown{}, err
	}

	var tx Transaction
	var b Breakdown
	err = l.store.WithTx(ctx, func(s Store) error {
		b, err = l.computeIncome(ctx, s, req, uc)
		if err != nil {
			return err
		}
		tx = Transaction{
			ID:              l.opts.NewID(),
			TenantID:        req.TenantID,
			UnitID:          req.UnitID,
			AssetID:         req.AssetID,
			Type:            TxIncome,
			Status:          StatusDraft,
			PaymentMode:     req.PaymentMode,
			GrossAmount:     b.Gross,
			NetAmount:       b.Net,
			Category:        req.Category,
			Description:     req.Description,
			PayerName:       req.PayerName,
			ReferenceNumber: req.ReferenceNumber,
			TransactionDate: Day(req.TransactionDate),
			Periods:         req.Periods,
			StatementID:     b.StatementID,
			CreditToAdd:     b.CreditToAdd,
			CreatedBy:       req.CreatedBy,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.InsertTransaction(ctx, tx); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if adj := b.Adjustments(tx.ID, l.opts.NewID, now); len(adj) > 0 {
			if err := s.InsertAdjustments(ctx, adj); err != nil {
				return fmt.Errorf("insert adjustments: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Transaction{}, Breakdown{}, err
	}

	l.opts.Metrics.TransactionStatus(tx.Type, tx.Status)
	l.opts.Logger.Info("income recorded",
		zap.String("transaction_id", tx.ID),
		zap.String("tenant_id", tx.TenantID),
		zap.String("unit_id", tx.UnitID),
		zap.String("mode", string(tx.PaymentMode)),
		zap.String("gross", tx.GrossAmount.StringFixed(2)),
		zap.String("net", tx.NetAmount.StringFixed(2)),
		zap.String("credit_to_add", b.CreditToAdd.StringFixed(2)),
	)
	return tx, b, nil
}

// RecordExpense stores an expense as DRAFT.
func (l *TransactionLedger) RecordExpense(ctx context.Context, req ExpenseRequest) (Transaction, error) {
	now := l.opts.now()
	req.Amount = Round(req.Amount)
	if req.TransactionDate.IsZero() {
		req.TransactionDate = now
	}
	if err := validateRequest(req); err != nil {
		return Transaction{}, err
	}
	if !req.Amount.IsPositive() {
		return Transaction{}, invalid("amount", "amount must be greater than zero")
	}
	if _, err := l.resolveUnit(ctx, req.TenantID, req.UnitID); err != nil {
		return Transaction{}, err
	}

	tx := Transaction{
		ID:              l.opts.NewID(),
		TenantID:        req.TenantID,
		UnitID:          req.UnitID,
		AssetID:         req.AssetID,
		Type:            TxExpense,
		Status:          StatusDraft,
		PaymentMode:     PaymentExact,
		GrossAmount:     req.Amount,
		NetAmount:       req.Amount,
		Category:        req.Category,
		Description:     req.Description,
		PayerName:       req.PayeeName,
		ReferenceNumber: req.ReferenceNumber,
		TransactionDate: Day(req.TransactionDate),
		Periods:         1,
		CreditToAdd:     decimal.Zero,
		CreatedBy:       req.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.store.InsertTransaction(ctx, tx); err != nil {
		return Transaction{}, fmt.Errorf("insert expense: %w", err)
	}
	l.opts.Metrics.TransactionStatus(tx.Type, tx.Status)
	l.opts.Logger.Info("expense recorded",
		zap.String("transaction_id", tx.ID),
		zap.String("tenant_id", tx.TenantID),
		zap.String("amount", tx.NetAmount.StringFixed(2)),
	)
	return tx, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

var transitions = map[TxStatus][]TxStatus{
	StatusDraft:   {StatusPending, StatusPosted, StatusCancelled},
	StatusPending: {StatusPosted, StatusDraft, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to TxStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Submit moves a DRAFT to PENDING for approval.
func (l *TransactionLedger) Submit(ctx context.Context, id, by string) (Transaction, error) {
	return l.transition(ctx, id, StatusPending, []TxStatus{StatusDraft}, func(_ Store, tx *Transaction, now time.Time) error {
		return nil
	})
}

// Post moves a DRAFT straight to POSTED, applying the same side effects as
// Approve.
func (l *TransactionLedger) Post(ctx context.Context, id, by string) (Transaction, error) {
	return l.transition(ctx, id, StatusPosted, []TxStatus{StatusDraft}, func(s Store, tx *Transaction, now time.Time) error {
		return l.applyPosting(ctx, s, tx, by, now)
	})
}

// Approve moves a PENDING to POSTED. For a unit income the matching
// statement is marked PAID and any ADVANCE excess is deposited, atomically.
func (l *TransactionLedger) Approve(ctx context.Context, id, by string) (Transaction, error) {
	return l.transition(ctx, id, StatusPosted, []TxStatus{StatusPending}, func(s Store, tx *Transaction, now time.Time) error {
		return l.applyPosting(ctx, s, tx, by, now)
	})
}

// Reject returns a PENDING transaction to DRAFT with the reason appended.
func (l *TransactionLedger) Reject(ctx context.Context, id, by, reason string) (Transaction, error) {
	if strings.TrimSpace(reason) == "" {
		return Transaction{}, invalid("reason", "a rejection reason is required")
	}
	return l.transition(ctx, id, StatusDraft, []TxStatus{StatusPending}, func(_ Store, tx *Transaction, _ time.Time) error {
		tx.Notes = annotate(tx.Notes, "REJECTED", reason)
		return nil
	})
}

// Cancel permanently cancels a non-terminal transaction. The record is kept
// with the reason appended.
func (l *TransactionLedger) Cancel(ctx context.Context, id, by, reason string) (Transaction, error) {
	if strings.TrimSpace(reason) == "" {
		return Transaction{}, invalid("reason", "a cancellation reason is required")
	}
	return l.transition(ctx, id, StatusCancelled, []TxStatus{StatusDraft, StatusPending}, func(_ Store, tx *Transaction, _ time.Time) error {
		tx.Notes = annotate(tx.Notes, "CANCELLED", reason)
		return nil
	})
}

// Verify stamps a POSTED transaction as checked by a second person.
func (l *TransactionLedger) Verify(ctx context.Context, id, by string) (Transaction, error) {
	if by == "" {
		return Transaction{}, invalid("verified_by", "verifier is required")
	}
	var tx Transaction
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		tx, err = s.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx.Status != StatusPosted {
			return invalid("status", "only posted transactions can be verified, %s is %s", id, tx.Status)
		}
		if tx.VerifiedAt != nil {
			return invalid("status", "transaction %s already verified by %s", id, tx.VerifiedBy)
		}
		now := l.opts.now()
		tx.VerifiedBy = by
		tx.VerifiedAt = &now
		tx.UpdatedAt = now
		return s.UpdateTransaction(ctx, tx)
	})
	if err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func annotate(notes, label, reason string) string {
	note := fmt.Sprintf("[%s: %s]", label, strings.TrimSpace(reason))
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}

func (l *TransactionLedger) transition(ctx context.Context, id string, to TxStatus, from []TxStatus, apply func(Store, *Transaction, time.Time) error) (Transaction, error) {
	var tx Transaction
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		tx, err = s.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, f := range from {
			if tx.Status == f {
				allowed = true
			}
		}
		if !allowed || !CanTransition(tx.Status, to) {
			return &TransitionError{TransactionID: id, From: tx.Status, To: to}
		}
		now := l.opts.now()
		if err := apply(s, &tx, now); err != nil {
			return err
		}
		tx.Status = to
		tx.UpdatedAt = now
		return s.UpdateTransaction(ctx, tx)
	})
	if err != nil {
		l.opts.Logger.Warn("transaction transition failed",
			zap.String("transaction_id", id),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return Transaction{}, err
	}
	l.opts.Metrics.TransactionStatus(tx.Type, tx.Status)
	l.opts.Logger.Info("transaction transitioned",
		zap.String("transaction_id", tx.ID),
		zap.String("tenant_id", tx.TenantID),
		zap.String("status", string(tx.Status)),
	)
	return tx, nil
}

// applyPosting runs the side effects of posting inside the caller's store
// transaction.
func (l *TransactionLedger) applyPosting(ctx context.Context, s Store, tx *Transaction, by string, now time.Time) error {
	tx.ApprovedBy = by
	tx.ApprovedAt = &now
	tx.CreditToAdd = decimal.Zero
	if tx.Type != TxIncome || tx.UnitID == "" {
		return nil
	}

	outstanding, err := s.OutstandingStatements(ctx, tx.TenantID, tx.UnitID)
	if err != nil {
		return fmt.Errorf("load outstanding statements: %w", err)
	}
	st := oldest(outstanding)
	decision := ValidatePayment(st, tx.GrossAmount, tx.PaymentMode)
	if err := decision.Err(); err != nil {
		return err
	}

	if st != nil {
		paid := now
		st.AmountPaid = st.NetAmount
		st.Status = StatementPaid
		st.PaidDate = &paid
		st.PaymentTransactionID = tx.ID
		st.UpdatedAt = now
		if err := s.UpdateStatement(ctx, *st); err != nil {
			return fmt.Errorf("mark statement %s paid: %w", st.ID, err)
		}
		tx.StatementID = st.ID
	}

	if tx.PaymentMode == PaymentAdvance && decision.CreditToAdd.IsPositive() {
		reason := fmt.Sprintf("Advance payment excess from transaction %s", tx.ID)
		if _, err := l.credit.deposit(ctx, s, tx.TenantID, tx.UnitID, decision.CreditToAdd, reason, tx.ID); err != nil {
			return err
		}
		tx.CreditToAdd = decision.CreditToAdd
	}
	return nil
}

func oldest(statements []DuesStatement) *DuesStatement {
	if len(statements) == 0 {
		return nil
	}
	sorted := append([]DuesStatement(nil), statements...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Period.Before(sorted[j].Period) })
	st := sorted[0]
	return &st
}

// =============================================================================
// QUERIES
// =============================================================================

func (l *TransactionLedger) Get(ctx context.Context, id string) (Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

func (l *TransactionLedger) List(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if filter.TenantID == "" {
		return nil, invalid("tenant_id", "tenant is required")
	}
	return l.store.ListTransactions(ctx, filter)
}

func (l *TransactionLedger) Adjustments(ctx context.Context, transactionID string) ([]Adjustment, error) {
	return l.store.ListAdjustments(ctx, transactionID)
}
