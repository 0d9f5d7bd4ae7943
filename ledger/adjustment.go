/*
adjustment.go - Penalty and discount computation

PURPOSE:
  Pure functions turning policy records plus elapsed time into money.
  No store access, no clock: callers pass asOf explicitly.

PENALTIES (simple interest, never compound):
  For every outstanding statement whose due date plus grace has passed:
    days_after_grace = days since due date - grace days
    periods          = max(1, days_after_grace / 30)
    PERCENT:  penalty = principal * rate/100 * periods   (rounded once)
    FLAT:     penalty = rate * periods
  principal is the unpaid part of the statement's own dues (base minus
  discount), so a penalty already carried onto a statement never accrues
  interest itself.

DISCOUNTS:
  Every active policy whose MinPeriods <= periods, whose validity window
  contains asOf and whose category scope matches applies. Percentages are
  rounded to two places per policy before summing.

EXAMPLE:
  principal 1000.00, 2% per month, 3 months late -> 60.00
*/
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// AdjustmentCalculator computes penalties and discounts.
// DefaultGraceDays applies to policies without their own grace period.
type AdjustmentCalculator struct {
	DefaultGraceDays int
}

// =============================================================================
// PENALTIES
// =============================================================================

// PenaltyLine is the penalty accrued by a single statement.
type PenaltyLine struct {
	StatementID    string
	Period         Period
	PolicyID       string
	PolicyName     string
	RateType       RateType
	RateApplied    decimal.Decimal
	Principal      decimal.Decimal
	DaysOverdue    int
	PeriodsOverdue int
	Amount         decimal.Decimal
}

// SimpleInterest returns principal * ratePercent/100 * periods, rounded.
func SimpleInterest(principal, ratePercent decimal.Decimal, periods int) decimal.Decimal {
	return Round(principal.Mul(ratePercent).Div(hundred).Mul(decimal.NewFromInt(int64(periods))))
}

// SelectPenaltyPolicy picks the earliest-created active policy whose category
// scope covers category. ok is false when the tenant has none, which means
// no penalty.
func SelectPenaltyPolicy(policies []PenaltyPolicy, category string) (PenaltyPolicy, bool) {
	sorted := append([]PenaltyPolicy(nil), policies...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	for _, p := range sorted {
		if p.Active && inScope(p.Categories, category) {
			return p, true
		}
	}
	return PenaltyPolicy{}, false
}

func (c AdjustmentCalculator) graceDays(p PenaltyPolicy) int {
	if p.GraceDays != nil {
		return *p.GraceDays
	}
	return c.DefaultGraceDays
}

// PastGrace reports whether st is outstanding and its grace period has elapsed
// as of asOf.
func (c AdjustmentCalculator) PastGrace(st DuesStatement, graceDays int, asOf time.Time) bool {
	return st.Status.Outstanding() && daysBetween(st.DueDate, asOf)-graceDays > 0
}

// Penalties computes the penalty for each overdue statement independently.
// Statements that are settled, waived or still inside grace produce no line.
func (c AdjustmentCalculator) Penalties(policy PenaltyPolicy, statements []DuesStatement, asOf time.Time) []PenaltyLine {
	if !policy.Active || policy.RateValue.IsNegative() {
		return nil
	}
	grace := c.graceDays(policy)

	var lines []PenaltyLine
	for _, st := range statements {
		if !c.PastGrace(st, grace, asOf) {
			continue
		}
		principal := minMoney(st.BalanceDue(), st.BaseAmount.Sub(st.DiscountAmount))
		if !principal.IsPositive() {
			continue
		}
		daysOverdue := daysBetween(st.DueDate, asOf)
		periods := (daysOverdue - grace) / DaysPerPeriod
		if periods < 1 {
			periods = 1
		}

		var amount decimal.Decimal
		switch policy.RateType {
		case RatePercent:
			amount = SimpleInterest(principal, policy.RateValue, periods)
		case RateFlat:
			amount = Round(policy.RateValue.Mul(decimal.NewFromInt(int64(periods))))
		default:
			continue
		}

		lines = append(lines, PenaltyLine{
			StatementID:    st.ID,
			Period:         st.Period,
			PolicyID:       policy.ID,
			PolicyName:     policy.Name,
			RateType:       policy.RateType,
			RateApplied:    policy.RateValue,
			Principal:      principal,
			DaysOverdue:    daysOverdue,
			PeriodsOverdue: periods,
			Amount:         amount,
		})
	}
	return lines
}

// UnitPenalties selects the tenant's policy for category and computes the
// penalties across the unit's outstanding statements.
func (c AdjustmentCalculator) UnitPenalties(policies []PenaltyPolicy, category string, statements []DuesStatement, asOf time.Time) []PenaltyLine {
	policy, ok := SelectPenaltyPolicy(policies, category)
	if !ok {
		return nil
	}
	return c.Penalties(policy, statements, asOf)
}

func totalPenalties(lines []PenaltyLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}
	return total
}

// =============================================================================
// DISCOUNTS
// =============================================================================

// DiscountLine is one applicable discount and its computed amount.
type DiscountLine struct {
	PolicyID string
	Name     string
	Type     DiscountType
	Value    decimal.Decimal
	Amount   decimal.Decimal
}

// DiscountApplies reports whether a policy covers the given request.
func DiscountApplies(p DiscountPolicy, category string, periods int, asOf time.Time) bool {
	if !p.Active || p.MinPeriods > periods || !inScope(p.Categories, category) {
		return false
	}
	day := Day(asOf)
	if p.ValidFrom != nil && day.Before(Day(*p.ValidFrom)) {
		return false
	}
	if p.ValidUntil != nil && day.After(Day(*p.ValidUntil)) {
		return false
	}
	return true
}

// Discounts returns every policy applicable to amount, in policy order.
func (c AdjustmentCalculator) Discounts(policies []DiscountPolicy, category string, amount decimal.Decimal, periods int, asOf time.Time) []DiscountLine {
	var lines []DiscountLine
	for _, p := range policies {
		if !DiscountApplies(p, category, periods, asOf) {
			continue
		}
		var value decimal.Decimal
		switch p.Type {
		case DiscountPercentage:
			value = Percent(amount, p.Value)
		case DiscountFlat:
			value = Round(p.Value)
		default:
			continue
		}
		if value.IsNegative() {
			continue
		}
		lines = append(lines, DiscountLine{PolicyID: p.ID, Name: p.Name, Type: p.Type, Value: p.Value, Amount: value})
	}
	return lines
}

// ApplyDiscounts keeps the applicable lines the caller selected and sums them.
// Selecting a policy that does not apply is a validation error.
func ApplyDiscounts(applicable []DiscountLine, selectedIDs []string) ([]DiscountLine, decimal.Decimal, error) {
	byID := make(map[string]DiscountLine, len(applicable))
	for _, l := range applicable {
		byID[l.PolicyID] = l
	}
	var applied []DiscountLine
	seen := make(map[string]bool, len(selectedIDs))
	total := decimal.Zero
	for _, id := range selectedIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		line, ok := byID[id]
		if !ok {
			return nil, decimal.Zero, invalid("discount_ids", "discount %s does not apply to this payment", id)
		}
		applied = append(applied, line)
		total = total.Add(line.Amount)
	}
	return applied, total, nil
}

func totalDiscounts(lines []DiscountLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}
	return total
}

// =============================================================================
// BREAKDOWN
// =============================================================================

// Breakdown is the full computation behind a transaction, returned before and
// after persisting it.
type Breakdown struct {
	Gross               decimal.Decimal
	Penalties           []PenaltyLine
	ApplicableDiscounts []DiscountLine
	AppliedDiscounts    []DiscountLine
	TotalPenalties      decimal.Decimal
	TotalDiscounts      decimal.Decimal
	Net                 decimal.Decimal
	CreditToAdd         decimal.Decimal
	Outstanding         decimal.Decimal
	StatementID         string
}

// BreakdownInput gathers everything a breakdown depends on.
type BreakdownInput struct {
	Gross            decimal.Decimal
	Category         string
	Periods          int
	SelectedIDs      []string
	Penalties        []PenaltyLine
	DiscountPolicies []DiscountPolicy
	AsOf             time.Time
}

// Breakdown composes penalties and selected discounts into the net amount:
// net = gross + penalties - discounts. A negative net is rejected.
func (c AdjustmentCalculator) Breakdown(in BreakdownInput) (Breakdown, error) {
	applicable := c.Discounts(in.DiscountPolicies, in.Category, in.Gross, in.Periods, in.AsOf)
	applied, discounts, err := ApplyDiscounts(applicable, in.SelectedIDs)
	if err != nil {
		return Breakdown{}, err
	}
	penalties := totalPenalties(in.Penalties)
	net := in.Gross.Add(penalties).Sub(discounts)
	if net.IsNegative() {
		return Breakdown{}, invalid("amount", "discounts of %s exceed the payable amount %s", discounts.StringFixed(2), in.Gross.Add(penalties).StringFixed(2))
	}
	return Breakdown{
		Gross:               in.Gross,
		Penalties:           in.Penalties,
		ApplicableDiscounts: applicable,
		AppliedDiscounts:    applied,
		TotalPenalties:      penalties,
		TotalDiscounts:      discounts,
		Net:                 net,
		CreditToAdd:         decimal.Zero,
		Outstanding:         decimal.Zero,
	}, nil
}

// Adjustments converts the breakdown into rows for transactionID.
func (b Breakdown) Adjustments(transactionID string, newID func() string, at time.Time) []Adjustment {
	var out []Adjustment
	for _, p := range b.Penalties {
		out = append(out, Adjustment{
			ID:             newID(),
			TransactionID:  transactionID,
			Kind:           AdjustmentPenalty,
			Amount:         p.Amount,
			Reason:         fmt.Sprintf("%s: %s overdue %d period(s)", p.PolicyName, p.Period, p.PeriodsOverdue),
			PolicyID:       p.PolicyID,
			StatementID:    p.StatementID,
			PeriodsOverdue: p.PeriodsOverdue,
			RateApplied:    p.RateApplied,
			CreatedAt:      at,
		})
	}
	for _, d := range b.AppliedDiscounts {
		out = append(out, Adjustment{
			ID:            newID(),
			TransactionID: transactionID,
			Kind:          AdjustmentDiscount,
			Amount:        d.Amount,
			Reason:        d.Name,
			PolicyID:      d.PolicyID,
			RateApplied:   d.Value,
			CreatedAt:     at,
		})
	}
	return out
}
