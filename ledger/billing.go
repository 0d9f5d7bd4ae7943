/*
billing.go - Recurring monthly dues statements

PURPOSE:
  Creates one DuesStatement per active unit per month and settles it from
  the unit's prepaid credit where possible.

PER UNIT (one store transaction):
  1. Skip if the (tenant, unit, year, month) statement already exists,
     before anything is written
  2. Sweep: earlier UNPAID statements past due date plus grace become OVERDUE
  3. Base amount from the tenant's billing configuration
  4. Carried penalty across the unit's earlier outstanding statements
  5. Single-period discounts for the dues category, capped at the base
  6. Insert the statement: net = base - discount + penalty
  7. Auto-settle from credit: deduct min(credit, balance due). Unlike direct
     payments this may settle only part of the statement (PARTIAL). The
     settled amount is recorded as a POSTED income transaction.

IDEMPOTENCY:
  Re-running a unit for a period it already has is a no-op reported as
  skipped. Two concurrent runs racing on the same key collapse into one
  statement through the store's unique key; the loser rolls back and is
  reported as skipped too.

FAN-OUT:
  GenerateStatementsForTenant runs units concurrently with a bounded
  errgroup. A failing unit never aborts the others; failures are collected
  in the report so the unit can be retried on its own.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UnitOutcome is the result class of one unit's generation.
type UnitOutcome string

const (
	OutcomeCreated UnitOutcome = "created"
	OutcomeSkipped UnitOutcome = "skipped"
	OutcomeFailed  UnitOutcome = "failed"
)

// SystemActor is recorded as approver on engine-generated transactions.
const SystemActor = "system"

// DefaultBillingConcurrency bounds the per-tenant fan-out.
const DefaultBillingConcurrency = 8

// UnitResult reports what happened to one unit.
type UnitResult struct {
	UnitID        string
	Outcome       UnitOutcome
	Reason        string
	StatementID   string
	Settled       decimal.Decimal // credit applied to the new statement
	TransactionID string          // income recorded for the settled amount
	MarkedOverdue int
	Err           error
}

// RunReport summarizes a tenant-wide run.
type RunReport struct {
	TenantID string
	Period   Period
	Created  int
	Skipped  int
	Failed   int
	Results  []UnitResult
	Duration time.Duration
}

// FailedUnits returns the ids worth retrying.
func (r RunReport) FailedUnits() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			ids = append(ids, res.UnitID)
		}
	}
	return ids
}

// BillingCycleGenerator creates monthly statements.
type BillingCycleGenerator struct {
	store       TxStore
	units       UnitDirectory
	configs     BillingConfigSource
	credit      *CreditAccounts
	opts        Options
	concurrency int
}

func NewBillingCycleGenerator(store TxStore, units UnitDirectory, configs BillingConfigSource, credit *CreditAccounts, opts Options) *BillingCycleGenerator {
	opts = opts.withDefaults()
	if credit == nil {
		credit = NewCreditAccounts(store, opts)
	}
	return &BillingCycleGenerator{
		store:       store,
		units:       units,
		configs:     configs,
		credit:      credit,
		opts:        opts,
		concurrency: DefaultBillingConcurrency,
	}
}

// SetConcurrency bounds how many units are processed at once.
func (g *BillingCycleGenerator) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	g.concurrency = n
}

var errAlreadyGenerated = errors.New("statement already generated")

// GenerateStatementsForTenant bills every active unit of the tenant.
func (g *BillingCycleGenerator) GenerateStatementsForTenant(ctx context.Context, tenantID string, period Period) (RunReport, error) {
	start := g.opts.Now()
	report := RunReport{TenantID: tenantID, Period: period}
	if err := period.Validate(); err != nil {
		return report, err
	}
	units, err := g.units.ActiveUnits(ctx, tenantID)
	if err != nil {
		return report, fmt.Errorf("list active units for %s: %w", tenantID, err)
	}

	results := make([]UnitResult, len(units))
	var eg errgroup.Group
	eg.SetLimit(g.concurrency)
	for i, u := range units {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = UnitResult{UnitID: u.ID, Outcome: OutcomeFailed, Reason: err.Error(), Err: err}
				return nil
			}
			res, err := g.GenerateForUnit(ctx, tenantID, u.ID, period)
			if err != nil {
				res = UnitResult{UnitID: u.ID, Outcome: OutcomeFailed, Reason: err.Error(), Err: err}
			}
			results[i] = res
			return nil
		})
	}
	_ = eg.Wait()

	report.Results = results
	for _, r := range results {
		switch r.Outcome {
		case OutcomeCreated:
			report.Created++
		case OutcomeSkipped:
			report.Skipped++
		default:
			report.Failed++
			g.opts.Logger.Error("unit billing failed",
				zap.String("tenant_id", tenantID),
				zap.String("unit_id", r.UnitID),
				zap.String("period", period.String()),
				zap.Error(r.Err),
			)
		}
	}
	report.Duration = g.opts.Now().Sub(start)
	g.opts.Metrics.BillingRun(report.Duration)
	g.opts.Logger.Info("billing run completed",
		zap.String("tenant_id", tenantID),
		zap.String("period", period.String()),
		zap.Int("units", len(units)),
		zap.Int("created", report.Created),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
	return report, ctx.Err()
}

// GenerateForUnit bills a single unit. It is safe to call repeatedly; every
// call after the first for the same period reports OutcomeSkipped.
func (g *BillingCycleGenerator) GenerateForUnit(ctx context.Context, tenantID, unitID string, period Period) (UnitResult, error) {
	res, err := g.generateForUnit(ctx, tenantID, unitID, period)
	if err != nil {
		g.opts.Metrics.StatementOutcome(OutcomeFailed)
		return UnitResult{UnitID: unitID, Outcome: OutcomeFailed, Reason: err.Error(), Err: err}, err
	}
	g.opts.Metrics.StatementOutcome(res.Outcome)
	return res, nil
}

func (g *BillingCycleGenerator) generateForUnit(ctx context.Context, tenantID, unitID string, period Period) (UnitResult, error) {
	res := UnitResult{UnitID: unitID, Settled: decimal.Zero}
	if err := period.Validate(); err != nil {
		return res, err
	}

	cfg, ok, err := g.configs.BillingConfig(ctx, tenantID)
	if err != nil {
		return res, fmt.Errorf("load billing config %s: %w", tenantID, err)
	}
	if !ok || !cfg.Active {
		res.Outcome = OutcomeSkipped
		res.Reason = "no active billing configuration"
		return res, nil
	}

	unit, err := g.units.Unit(ctx, unitID)
	if err != nil {
		return res, fmt.Errorf("unit %s: %w", unitID, err)
	}
	if unit.TenantID != tenantID {
		return res, fmt.Errorf("unit %s: %w", unitID, ErrUnitNotFound)
	}
	if !unit.Active {
		res.Outcome = OutcomeSkipped
		res.Reason = "unit inactive"
		return res, nil
	}

	calc := AdjustmentCalculator{DefaultGraceDays: cfg.Grace(g.opts.DefaultGraceDays)}
	category := cfg.Category()

	err = g.store.WithTx(ctx, func(s Store) error {
		now := g.opts.now()

		existing, found, err := s.FindStatement(ctx, tenantID, unitID, period)
		if err != nil {
			return fmt.Errorf("find statement: %w", err)
		}
		if found {
			res.Outcome = OutcomeSkipped
			res.Reason = "statement already exists"
			res.StatementID = existing.ID
			return nil
		}

		penaltyPolicies, err := s.PenaltyPolicies(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("load penalty policies: %w", err)
		}
		policy, hasPolicy := SelectPenaltyPolicy(penaltyPolicies, category)
		grace := calc.DefaultGraceDays
		if hasPolicy {
			grace = calc.graceDays(policy)
		}

		outstanding, err := s.OutstandingStatements(ctx, tenantID, unitID)
		if err != nil {
			return fmt.Errorf("load outstanding statements: %w", err)
		}
		var prior []DuesStatement
		for _, st := range outstanding {
			if !st.Period.Before(period) {
				continue
			}
			if st.Status == StatementUnpaid && calc.PastGrace(st, grace, now) {
				st.Status = StatementOverdue
				st.UpdatedAt = now
				if err := s.UpdateStatement(ctx, st); err != nil {
					return fmt.Errorf("mark statement %s overdue: %w", st.ID, err)
				}
				res.MarkedOverdue++
			}
			prior = append(prior, st)
		}

		base := Round(cfg.MonthlyAmount)

		penalty := decimal.Zero
		if hasPolicy {
			penalty = totalPenalties(calc.Penalties(policy, prior, now))
		}

		discountPolicies, err := s.DiscountPolicies(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("load discount policies: %w", err)
		}
		discount := minMoney(totalDiscounts(calc.Discounts(discountPolicies, category, base, 1, now)), base)

		st := DuesStatement{
			ID:             g.opts.NewID(),
			TenantID:       tenantID,
			UnitID:         unitID,
			Period:         period,
			BaseAmount:     base,
			PenaltyAmount:  penalty,
			DiscountAmount: discount,
			NetAmount:      base.Sub(discount).Add(penalty),
			AmountPaid:     decimal.Zero,
			Status:         StatementUnpaid,
			DueDate:        period.DueDate(cfg.BillingDay),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.InsertStatement(ctx, st); err != nil {
			if errors.Is(err, ErrDuplicateStatement) {
				return errAlreadyGenerated
			}
			return fmt.Errorf("insert statement: %w", err)
		}
		res.Outcome = OutcomeCreated
		res.StatementID = st.ID

		return g.settleFromCredit(ctx, s, &st, category, now, &res)
	})
	if errors.Is(err, errAlreadyGenerated) {
		return UnitResult{UnitID: unitID, Outcome: OutcomeSkipped, Reason: "statement already exists", Settled: decimal.Zero}, nil
	}
	if err != nil {
		return res, err
	}

	if res.Outcome == OutcomeCreated {
		g.opts.Logger.Info("dues statement generated",
			zap.String("tenant_id", tenantID),
			zap.String("unit_id", unitID),
			zap.String("period", period.String()),
			zap.String("statement_id", res.StatementID),
			zap.String("settled_from_credit", res.Settled.StringFixed(2)),
			zap.Int("marked_overdue", res.MarkedOverdue),
		)
	}
	return res, nil
}

// settleFromCredit applies as much of the unit's credit as the statement can
// absorb. Partial settlement is allowed here and only here.
func (g *BillingCycleGenerator) settleFromCredit(ctx context.Context, s Store, st *DuesStatement, category string, now time.Time, res *UnitResult) error {
	acct, err := s.GetCreditAccount(ctx, st.UnitID)
	if err != nil {
		return fmt.Errorf("load credit account: %w", err)
	}
	amount := minMoney(acct.Balance, st.BalanceDue())
	if !amount.IsPositive() {
		return nil
	}

	txID := g.opts.NewID()
	reason := fmt.Sprintf("Auto-applied to dues %s", st.Period)
	deducted, err := g.credit.deduct(ctx, s, st.TenantID, st.UnitID, amount, reason, txID)
	if err != nil {
		return err
	}
	if !deducted.Applied {
		return fmt.Errorf("credit for unit %s changed during settlement: %w", st.UnitID, ErrNegativeBalance)
	}

	st.AmountPaid = st.AmountPaid.Add(amount)
	st.PaymentTransactionID = txID
	st.UpdatedAt = now
	if st.BalanceDue().IsZero() {
		paid := now
		st.Status = StatementPaid
		st.PaidDate = &paid
	} else {
		st.Status = StatementPartial
	}
	if err := s.UpdateStatement(ctx, *st); err != nil {
		return fmt.Errorf("update statement %s: %w", st.ID, err)
	}

	tx := Transaction{
		ID:              txID,
		TenantID:        st.TenantID,
		UnitID:          st.UnitID,
		Type:            TxIncome,
		Status:          StatusPosted,
		PaymentMode:     PaymentExact,
		GrossAmount:     amount,
		NetAmount:       amount,
		Category:        category,
		Description:     fmt.Sprintf("Credit applied to %s dues", st.Period),
		TransactionDate: Day(now),
		Periods:         1,
		StatementID:     st.ID,
		CreditToAdd:     decimal.Zero,
		CreatedBy:       SystemActor,
		ApprovedBy:      SystemActor,
		ApprovedAt:      &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.InsertTransaction(ctx, tx); err != nil {
		return fmt.Errorf("record credit settlement: %w", err)
	}
	g.opts.Metrics.TransactionStatus(tx.Type, tx.Status)

	res.Settled = amount
	res.TransactionID = txID
	return nil
}
