package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/ledger"
)

type outcomeCounter struct {
	ledger.NopMetrics
	mu     sync.Mutex
	counts map[ledger.UnitOutcome]int
}

func (c *outcomeCounter) StatementOutcome(o ledger.UnitOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[ledger.UnitOutcome]int{}
	}
	c.counts[o]++
}

func (f *fixture) generate(t *testing.T, period ledger.Period) (ledger.UnitResult, ledger.DuesStatement) {
	t.Helper()
	res, err := f.billing.GenerateForUnit(f.ctx, tenantID, unitID, period)
	require.NoError(t, err)
	st, found, err := f.mem.FindStatement(f.ctx, tenantID, unitID, period)
	require.NoError(t, err)
	require.True(t, found)
	return res, st
}

func TestGenerateForUnit_CreatesStatement(t *testing.T) {
	f := newFixture(t, date(2025, time.March, 1))

	res, st := f.generate(t, march)

	assert.Equal(t, ledger.OutcomeCreated, res.Outcome)
	assert.Equal(t, st.ID, res.StatementID)
	assert.Equal(t, ledger.StatementUnpaid, st.Status)
	assert.Equal(t, date(2025, time.March, 5), st.DueDate)
	requireMoney(t, "1000.00", st.BaseAmount)
	requireMoney(t, "1000.00", st.NetAmount)
	requireMoney(t, "0.00", st.AmountPaid)
}

func TestGenerateForUnit_Idempotent(t *testing.T) {
	// GIVEN: March already generated for the unit
	// WHEN: Generating March again
	// THEN: The run is skipped and the original statement is kept

	f := newFixture(t, date(2025, time.March, 1))
	first, _ := f.generate(t, march)

	again, st := f.generate(t, march)

	assert.Equal(t, ledger.OutcomeSkipped, again.Outcome)
	assert.Equal(t, first.StatementID, again.StatementID)
	assert.Equal(t, first.StatementID, st.ID)
}

func TestGenerateForUnit_ConcurrentRuns_OneStatement(t *testing.T) {
	f := newFixture(t, date(2025, time.March, 1))

	var wg sync.WaitGroup
	results := make([]ledger.UnitResult, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.billing.GenerateForUnit(f.ctx, tenantID, unitID, march)
			if err != nil {
				t.Error(err)
			}
			results[i] = res
		}()
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		if r.Outcome == ledger.OutcomeCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestGenerateForUnit_Skips(t *testing.T) {
	f := newFixture(t, date(2025, time.March, 1))
	f.addUnit(t, "unit-closed", tenantID, false)
	f.addUnit(t, "unit-elsewhere", "hoa-2", true)

	res, err := f.billing.GenerateForUnit(f.ctx, tenantID, "unit-closed", march)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeSkipped, res.Outcome)
	assert.Equal(t, "unit inactive", res.Reason)

	res, err = f.billing.GenerateForUnit(f.ctx, "hoa-2", "unit-elsewhere", march)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeSkipped, res.Outcome)
	assert.Equal(t, "no active billing configuration", res.Reason)
}

func TestGenerateForUnit_WrongTenant_Fails(t *testing.T) {
	f := newFixture(t, date(2025, time.March, 1))
	f.addUnit(t, "unit-elsewhere", "hoa-2", true)

	res, err := f.billing.GenerateForUnit(f.ctx, tenantID, "unit-elsewhere", march)

	require.ErrorIs(t, err, ledger.ErrUnitNotFound)
	assert.Equal(t, ledger.OutcomeFailed, res.Outcome)
}

func TestGenerateForUnit_CarriesPenaltyAndMarksOverdue(t *testing.T) {
	// GIVEN: January dues left unpaid, 2% per period, no grace
	// WHEN: April is generated 90 days after January's due date
	// THEN: January becomes OVERDUE and April carries 60.00 of penalty

	f := newFixture(t, date(2025, time.January, 1))
	f.addPenaltyPolicy(t, ledger.RatePercent, "2", intPtr(0))
	_, jan := f.generate(t, ledger.NewPeriod(2025, time.January))

	f.clock.Set(date(2025, time.April, 5))
	res, apr := f.generate(t, ledger.NewPeriod(2025, time.April))

	assert.Equal(t, ledger.OutcomeCreated, res.Outcome)
	assert.Equal(t, 1, res.MarkedOverdue)
	assert.Equal(t, ledger.StatementOverdue, f.statement(t, jan.ID).Status)
	requireMoney(t, "60.00", apr.PenaltyAmount)
	requireMoney(t, "1060.00", apr.NetAmount)
}

func TestGenerateForUnit_NoPenaltyWithoutPolicy(t *testing.T) {
	f := newFixture(t, date(2025, time.January, 1))
	f.generate(t, ledger.NewPeriod(2025, time.January))

	f.clock.Set(date(2025, time.April, 5))
	_, apr := f.generate(t, ledger.NewPeriod(2025, time.April))

	requireMoney(t, "0.00", apr.PenaltyAmount)
	requireMoney(t, "1000.00", apr.NetAmount)
}

func TestGenerateForUnit_AutoSettle_Partial(t *testing.T) {
	// GIVEN: 400.00 of credit against 1000.00 dues
	// WHEN: The statement is generated
	// THEN: Credit settles part of it; direct payments could never do this

	f := newFixture(t, date(2025, time.March, 1))
	_, err := f.credit.Deposit(f.ctx, tenantID, unitID, m("400"), "prepayment", "")
	require.NoError(t, err)

	res, st := f.generate(t, march)

	assert.Equal(t, ledger.StatementPartial, st.Status)
	requireMoney(t, "400.00", st.AmountPaid)
	requireMoney(t, "600.00", st.BalanceDue())
	requireMoney(t, "400.00", res.Settled)
	requireMoney(t, "0.00", f.balance(t))

	tx, err := f.ledger.Get(f.ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPosted, tx.Status)
	assert.Equal(t, ledger.SystemActor, tx.CreatedBy)
	assert.Equal(t, st.ID, tx.StatementID)
	requireMoney(t, "400.00", tx.NetAmount)
}

func TestGenerateForUnit_AutoSettle_Full(t *testing.T) {
	f := newFixture(t, date(2025, time.March, 1))
	_, err := f.credit.Deposit(f.ctx, tenantID, unitID, m("1500"), "prepayment", "")
	require.NoError(t, err)

	_, st := f.generate(t, march)

	assert.Equal(t, ledger.StatementPaid, st.Status)
	require.NotNil(t, st.PaidDate)
	requireMoney(t, "500.00", f.balance(t))

	audit, err := f.credit.Verify(f.ctx, unitID)
	require.NoError(t, err)
	assert.True(t, audit.Consistent())
}

func TestGenerateForUnit_DiscountsCappedAtBase(t *testing.T) {
	f := newFixture(t, date(2025, time.March, 1))
	require.NoError(t, f.mem.SaveDiscountPolicy(f.ctx, ledger.DiscountPolicy{
		ID: "loyalty", TenantID: tenantID, Name: "Loyalty", Type: ledger.DiscountFlat,
		Value: m("50"), MinPeriods: 1, Active: true, CreatedAt: date(2024, time.January, 1),
	}))
	require.NoError(t, f.mem.SaveDiscountPolicy(f.ctx, ledger.DiscountPolicy{
		ID: "annual", TenantID: tenantID, Name: "Annual", Type: ledger.DiscountPercentage,
		Value: m("10"), MinPeriods: 12, Active: true, CreatedAt: date(2024, time.January, 2),
	}))

	_, st := f.generate(t, march)
	requireMoney(t, "50.00", st.DiscountAmount)
	requireMoney(t, "950.00", st.NetAmount)

	require.NoError(t, f.mem.SaveDiscountPolicy(f.ctx, ledger.DiscountPolicy{
		ID: "hardship", TenantID: tenantID, Name: "Hardship", Type: ledger.DiscountFlat,
		Value: m("5000"), MinPeriods: 1, Active: true, CreatedAt: date(2024, time.January, 3),
	}))
	_, apr := f.generate(t, ledger.NewPeriod(2025, time.April))
	requireMoney(t, "1000.00", apr.DiscountAmount)
	requireMoney(t, "0.00", apr.NetAmount)
}

func TestGenerateStatementsForTenant_Report(t *testing.T) {
	f := newFixture(t, date(2025, time.March, 1))
	f.addUnit(t, "unit-102", tenantID, true)
	f.addUnit(t, "unit-103", tenantID, false)
	f.addUnit(t, "unit-900", "hoa-2", true)
	counter := &outcomeCounter{}
	opts := f.opts
	opts.Metrics = counter
	gen := ledger.NewBillingCycleGenerator(f.mem, f.mem, f.mem, f.credit, opts)
	gen.SetConcurrency(2)

	report, err := gen.GenerateStatementsForTenant(f.ctx, tenantID, march)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, report.Results, 2)
	assert.Empty(t, report.FailedUnits())

	report, err = gen.GenerateStatementsForTenant(f.ctx, tenantID, march)

	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 2, counter.counts[ledger.OutcomeCreated])
	assert.Equal(t, 2, counter.counts[ledger.OutcomeSkipped])
}

func TestGenerateStatementsForTenant_InvalidPeriod(t *testing.T) {
	f := newFixture(t, date(2025, time.March, 1))

	_, err := f.billing.GenerateStatementsForTenant(f.ctx, tenantID, ledger.NewPeriod(2025, time.Month(13)))

	require.ErrorIs(t, err, ledger.ErrValidation)
}

func TestGenerateStatementsForTenant_Cancelled(t *testing.T) {
	f := newFixture(t, date(2025, time.March, 1))
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	report, err := f.billing.GenerateStatementsForTenant(ctx, tenantID, march)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{unitID}, report.FailedUnits())
}

func TestGenerateForUnit_RerunWritesNothing(t *testing.T) {
	// GIVEN: January unpaid under a 30-day grace, February already generated
	// WHEN: February is generated again after January's grace has run out
	// THEN: The re-run is skipped without touching January; the next new
	//       statement is the one that marks it overdue

	f := newFixture(t, date(2025, time.January, 1))
	f.addPenaltyPolicy(t, ledger.RatePercent, "2", intPtr(30))
	_, jan := f.generate(t, ledger.NewPeriod(2025, time.January))
	f.clock.Set(date(2025, time.February, 1))
	_, feb := f.generate(t, ledger.NewPeriod(2025, time.February))
	assert.Equal(t, ledger.StatementUnpaid, f.statement(t, jan.ID).Status)

	f.clock.Set(date(2025, time.February, 10))
	again, _ := f.generate(t, ledger.NewPeriod(2025, time.February))

	assert.Equal(t, ledger.OutcomeSkipped, again.Outcome)
	assert.Equal(t, feb.ID, again.StatementID)
	assert.Equal(t, 0, again.MarkedOverdue)
	after := f.statement(t, jan.ID)
	assert.Equal(t, ledger.StatementUnpaid, after.Status)
	assert.Equal(t, jan.UpdatedAt, after.UpdatedAt)

	f.clock.Set(date(2025, time.March, 1))
	res, _ := f.generate(t, march)
	assert.Equal(t, 1, res.MarkedOverdue)
	assert.Equal(t, ledger.StatementOverdue, f.statement(t, jan.ID).Status)
}

func TestGenerateForUnit_GraceFallsBackToDefault(t *testing.T) {
	// GIVEN: A penalty policy and a tenant config without grace periods,
	//        and a 20-day engine default
	// WHEN: February is generated 15 and then 25 days after January's due date
	// THEN: The default decides whether January is penalised

	tests := []struct {
		name    string
		asOf    time.Time
		penalty string
	}{
		{"inside default grace", date(2025, time.January, 20), "0.00"},
		{"past default grace", date(2025, time.January, 30), "20.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, date(2025, time.January, 1))
			f.addPenaltyPolicy(t, ledger.RatePercent, "2", nil)
			opts := f.opts
			opts.DefaultGraceDays = 20
			gen := ledger.NewBillingCycleGenerator(f.mem, f.mem, f.mem, f.credit, opts)
			_, err := gen.GenerateForUnit(f.ctx, tenantID, unitID, ledger.NewPeriod(2025, time.January))
			require.NoError(t, err)

			f.clock.Set(tt.asOf)
			_, err = gen.GenerateForUnit(f.ctx, tenantID, unitID, ledger.NewPeriod(2025, time.February))
			require.NoError(t, err)

			feb, found, err := f.mem.FindStatement(f.ctx, tenantID, unitID, ledger.NewPeriod(2025, time.February))
			require.NoError(t, err)
			require.True(t, found)
			requireMoney(t, tt.penalty, feb.PenaltyAmount)
		})
	}
}

func TestGenerateForUnit_TenantGraceOverridesDefault(t *testing.T) {
	f := newFixture(t, date(2025, time.January, 1))
	f.addPenaltyPolicy(t, ledger.RatePercent, "2", nil)
	require.NoError(t, f.mem.SaveBillingConfig(f.ctx, ledger.BillingConfig{
		TenantID: tenantID, MonthlyAmount: m("1000"), BillingDay: 5, GraceDays: intPtr(30), Active: true,
	}))
	opts := f.opts
	opts.DefaultGraceDays = 20
	gen := ledger.NewBillingCycleGenerator(f.mem, f.mem, f.mem, f.credit, opts)
	_, err := gen.GenerateForUnit(f.ctx, tenantID, unitID, ledger.NewPeriod(2025, time.January))
	require.NoError(t, err)

	f.clock.Set(date(2025, time.January, 30))
	res, err := gen.GenerateForUnit(f.ctx, tenantID, unitID, ledger.NewPeriod(2025, time.February))

	require.NoError(t, err)
	assert.Equal(t, 0, res.MarkedOverdue)
	feb, _, err := f.mem.FindStatement(f.ctx, tenantID, unitID, ledger.NewPeriod(2025, time.February))
	require.NoError(t, err)
	requireMoney(t, "0.00", feb.PenaltyAmount)
}
