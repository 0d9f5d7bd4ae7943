package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/ledger"
)

func overdueStatement(id string, period ledger.Period, base string, due time.Time) ledger.DuesStatement {
	return ledger.DuesStatement{
		ID:             id,
		TenantID:       tenantID,
		UnitID:         unitID,
		Period:         period,
		BaseAmount:     m(base),
		PenaltyAmount:  decimal.Zero,
		DiscountAmount: decimal.Zero,
		NetAmount:      m(base),
		AmountPaid:     decimal.Zero,
		Status:         ledger.StatementUnpaid,
		DueDate:        due,
	}
}

func percentPolicy(rate string, grace *int) ledger.PenaltyPolicy {
	return ledger.PenaltyPolicy{
		ID:        "pen-1",
		Name:      "Late fee",
		RateType:  ledger.RatePercent,
		RateValue: m(rate),
		GraceDays: grace,
		Active:    true,
	}
}

// =============================================================================
// PENALTIES
// =============================================================================

func TestSimpleInterest_ThreeMonthsAtTwoPercent(t *testing.T) {
	got := ledger.SimpleInterest(m("1000.00"), m("2"), 3)
	requireMoney(t, "60.00", got)
}

func TestPenalties_NinetyDaysLate_ThreePeriods(t *testing.T) {
	// GIVEN: 1000.00 due Jan 1, 2% per period, no grace
	// WHEN: Evaluated 90 days later
	// THEN: 3 periods of simple interest = 60.00, not compounded

	calc := ledger.AdjustmentCalculator{}
	st := overdueStatement("st-jan", ledger.NewPeriod(2025, time.January), "1000", date(2025, time.January, 1))

	lines := calc.Penalties(percentPolicy("2", intPtr(0)), []ledger.DuesStatement{st}, date(2025, time.April, 1))

	require.Len(t, lines, 1)
	assert.Equal(t, 90, lines[0].DaysOverdue)
	assert.Equal(t, 3, lines[0].PeriodsOverdue)
	assert.Equal(t, "st-jan", lines[0].StatementID)
	requireMoney(t, "60.00", lines[0].Amount)
}

func TestPenalties_GraceNotElapsed_NoPenalty(t *testing.T) {
	calc := ledger.AdjustmentCalculator{}
	st := overdueStatement("st-jan", ledger.NewPeriod(2025, time.January), "1000", date(2025, time.January, 1))

	lines := calc.Penalties(percentPolicy("2", intPtr(10)), []ledger.DuesStatement{st}, date(2025, time.January, 11))

	assert.Empty(t, lines, "day 10 of a 10-day grace is still inside grace")
}

func TestPenalties_FirstDayAfterGrace_MinimumOnePeriod(t *testing.T) {
	calc := ledger.AdjustmentCalculator{}
	st := overdueStatement("st-jan", ledger.NewPeriod(2025, time.January), "1000", date(2025, time.January, 1))

	lines := calc.Penalties(percentPolicy("2", intPtr(10)), []ledger.DuesStatement{st}, date(2025, time.January, 12))

	require.Len(t, lines, 1)
	assert.Equal(t, 1, lines[0].PeriodsOverdue)
	requireMoney(t, "20.00", lines[0].Amount)
}

func TestPenalties_NilGrace_UsesCalculatorDefault(t *testing.T) {
	calc := ledger.AdjustmentCalculator{DefaultGraceDays: 15}
	st := overdueStatement("st-jan", ledger.NewPeriod(2025, time.January), "1000", date(2025, time.January, 1))

	assert.Empty(t, calc.Penalties(percentPolicy("2", nil), []ledger.DuesStatement{st}, date(2025, time.January, 16)))
	assert.Len(t, calc.Penalties(percentPolicy("2", nil), []ledger.DuesStatement{st}, date(2025, time.January, 17)), 1)
}

func TestPenalties_FlatRate_PerPeriod(t *testing.T) {
	calc := ledger.AdjustmentCalculator{}
	policy := ledger.PenaltyPolicy{ID: "flat", RateType: ledger.RateFlat, RateValue: m("25"), GraceDays: intPtr(0), Active: true}
	st := overdueStatement("st-jan", ledger.NewPeriod(2025, time.January), "1000", date(2025, time.January, 1))

	// Jan 1 -> Mar 2 is 60 days: two periods.
	lines := calc.Penalties(policy, []ledger.DuesStatement{st}, date(2025, time.March, 2))

	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].PeriodsOverdue)
	requireMoney(t, "50.00", lines[0].Amount)
}

func TestPenalties_SettledOrWaived_Ignored(t *testing.T) {
	calc := ledger.AdjustmentCalculator{}
	paid := overdueStatement("st-paid", ledger.NewPeriod(2025, time.January), "1000", date(2025, time.January, 1))
	paid.Status = ledger.StatementPaid
	paid.AmountPaid = m("1000")
	waived := overdueStatement("st-waived", ledger.NewPeriod(2025, time.February), "1000", date(2025, time.February, 1))
	waived.Status = ledger.StatementWaived

	lines := calc.Penalties(percentPolicy("2", intPtr(0)), []ledger.DuesStatement{paid, waived}, date(2025, time.June, 1))

	assert.Empty(t, lines)
}

func TestPenalties_CarriedPenaltyNeverCompounds(t *testing.T) {
	// GIVEN: A statement whose net already includes a 100.00 carried penalty
	// WHEN: It accrues another period
	// THEN: Interest is charged on the 1000.00 dues only

	calc := ledger.AdjustmentCalculator{}
	st := overdueStatement("st-feb", ledger.NewPeriod(2025, time.February), "1000", date(2025, time.February, 1))
	st.PenaltyAmount = m("100")
	st.NetAmount = m("1100")

	lines := calc.Penalties(percentPolicy("2", intPtr(0)), []ledger.DuesStatement{st}, date(2025, time.March, 3))

	require.Len(t, lines, 1)
	requireMoney(t, "1000.00", lines[0].Principal)
	requireMoney(t, "20.00", lines[0].Amount)
}

func TestPenalties_PartiallyPaid_UsesRemainingBalance(t *testing.T) {
	calc := ledger.AdjustmentCalculator{}
	st := overdueStatement("st-jan", ledger.NewPeriod(2025, time.January), "1000", date(2025, time.January, 1))
	st.AmountPaid = m("400")
	st.Status = ledger.StatementPartial

	lines := calc.Penalties(percentPolicy("2", intPtr(0)), []ledger.DuesStatement{st}, date(2025, time.February, 15))

	require.Len(t, lines, 1)
	requireMoney(t, "600.00", lines[0].Principal)
	requireMoney(t, "12.00", lines[0].Amount)
}

func TestSelectPenaltyPolicy_EarliestActiveInScope(t *testing.T) {
	policies := []ledger.PenaltyPolicy{
		{ID: "newer", Active: true, CreatedAt: date(2024, time.June, 1)},
		{ID: "inactive", Active: false, CreatedAt: date(2023, time.January, 1)},
		{ID: "other-scope", Active: true, Categories: []string{"Parking Fee"}, CreatedAt: date(2023, time.June, 1)},
		{ID: "oldest", Active: true, Categories: []string{ledger.CategoryMonthlyDues}, CreatedAt: date(2024, time.January, 1)},
	}

	p, ok := ledger.SelectPenaltyPolicy(policies, ledger.CategoryMonthlyDues)

	require.True(t, ok)
	assert.Equal(t, "oldest", p.ID)

	_, ok = ledger.SelectPenaltyPolicy(nil, ledger.CategoryMonthlyDues)
	assert.False(t, ok, "no policy means no penalty")
}

// =============================================================================
// DISCOUNTS
// =============================================================================

func TestDiscounts_MinPeriodsAndWindow(t *testing.T) {
	calc := ledger.AdjustmentCalculator{}
	from := date(2025, time.January, 1)
	until := date(2025, time.March, 31)
	policies := []ledger.DiscountPolicy{
		{ID: "prepay", Name: "Quarterly prepay", Type: ledger.DiscountPercentage, Value: m("5"), MinPeriods: 3, Active: true},
		{ID: "promo", Name: "Q1 promo", Type: ledger.DiscountFlat, Value: m("50"), MinPeriods: 1, ValidFrom: &from, ValidUntil: &until, Active: true},
		{ID: "parking", Name: "Parking only", Type: ledger.DiscountFlat, Value: m("10"), MinPeriods: 1, Categories: []string{"Parking Fee"}, Active: true},
		{ID: "off", Name: "Disabled", Type: ledger.DiscountFlat, Value: m("99"), MinPeriods: 1, Active: false},
	}

	tests := []struct {
		name    string
		periods int
		asOf    time.Time
		want    []string
	}{
		{"single period inside window", 1, date(2025, time.February, 10), []string{"promo"}},
		{"three periods inside window", 3, date(2025, time.March, 31), []string{"prepay", "promo"}},
		{"three periods after window", 3, date(2025, time.April, 1), []string{"prepay"}},
		{"single period before window", 1, date(2024, time.December, 31), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := calc.Discounts(policies, ledger.CategoryMonthlyDues, m("3000"), tt.periods, tt.asOf)
			var ids []string
			for _, l := range lines {
				ids = append(ids, l.PolicyID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestDiscounts_PercentageRoundedPerPolicy(t *testing.T) {
	calc := ledger.AdjustmentCalculator{}
	policies := []ledger.DiscountPolicy{
		{ID: "ten", Type: ledger.DiscountPercentage, Value: m("10"), MinPeriods: 1, Active: true},
	}

	lines := calc.Discounts(policies, "", m("10.25"), 1, date(2025, time.January, 1))

	require.Len(t, lines, 1)
	// 1.025 rounds half to even.
	requireMoney(t, "1.02", lines[0].Amount)
}

func TestApplyDiscounts_UnknownSelection_Rejected(t *testing.T) {
	applicable := []ledger.DiscountLine{{PolicyID: "prepay", Amount: m("150")}}

	_, _, err := ledger.ApplyDiscounts(applicable, []string{"prepay", "missing"})

	require.ErrorIs(t, err, ledger.ErrValidation)
}

func TestApplyDiscounts_DuplicateSelectionCountedOnce(t *testing.T) {
	applicable := []ledger.DiscountLine{{PolicyID: "prepay", Amount: m("150")}}

	applied, total, err := ledger.ApplyDiscounts(applicable, []string{"prepay", "prepay"})

	require.NoError(t, err)
	assert.Len(t, applied, 1)
	requireMoney(t, "150.00", total)
}

// =============================================================================
// BREAKDOWN
// =============================================================================

func TestBreakdown_NetEqualsGrossPlusPenaltiesMinusDiscounts(t *testing.T) {
	calc := ledger.AdjustmentCalculator{}
	b, err := calc.Breakdown(ledger.BreakdownInput{
		Gross:       m("3000"),
		Category:    ledger.CategoryMonthlyDues,
		Periods:     3,
		SelectedIDs: []string{"prepay"},
		Penalties:   []ledger.PenaltyLine{{StatementID: "st-jan", Amount: m("60")}},
		DiscountPolicies: []ledger.DiscountPolicy{
			{ID: "prepay", Name: "Quarterly prepay", Type: ledger.DiscountPercentage, Value: m("5"), MinPeriods: 3, Active: true},
		},
		AsOf: date(2025, time.April, 1),
	})

	require.NoError(t, err)
	requireMoney(t, "60.00", b.TotalPenalties)
	requireMoney(t, "150.00", b.TotalDiscounts)
	requireMoney(t, "2910.00", b.Net)
	requireMoney(t, b.Gross.Add(b.TotalPenalties).Sub(b.TotalDiscounts).StringFixed(2), b.Net)

	adj := b.Adjustments("tx-1", sequentialIDs("adj"), date(2025, time.April, 1))
	require.Len(t, adj, 2)
	assert.Equal(t, ledger.AdjustmentPenalty, adj[0].Kind)
	assert.Equal(t, "st-jan", adj[0].StatementID)
	assert.Equal(t, ledger.AdjustmentDiscount, adj[1].Kind)
	assert.Equal(t, "prepay", adj[1].PolicyID)
}

func TestBreakdown_NegativeNet_Rejected(t *testing.T) {
	calc := ledger.AdjustmentCalculator{}
	_, err := calc.Breakdown(ledger.BreakdownInput{
		Gross:       m("100"),
		Periods:     1,
		SelectedIDs: []string{"big"},
		DiscountPolicies: []ledger.DiscountPolicy{
			{ID: "big", Type: ledger.DiscountFlat, Value: m("150"), MinPeriods: 1, Active: true},
		},
		AsOf: date(2025, time.January, 1),
	})

	require.ErrorIs(t, err, ledger.ErrValidation)
}
