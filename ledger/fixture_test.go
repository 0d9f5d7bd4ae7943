package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/ledger/store"
)

const (
	tenantID = "hoa-1"
	unitID   = "unit-101"
)

func m(s string) decimal.Decimal { return ledger.MustMoney(s) }

func date(y int, mo time.Month, d int) time.Time {
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// requireMoney compares decimals by value; decimal.Decimal equality through
// require.Equal would compare internal representations.
func requireMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, m(want).Equal(got), "want %s, got %s", want, got.StringFixed(2))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

// fixture is one tenant with one active unit billed 1000.00 on the 5th.
type fixture struct {
	ctx     context.Context
	mem     *store.Memory
	clock   *clock
	opts    ledger.Options
	credit  *ledger.CreditAccounts
	ledger  *ledger.TransactionLedger
	billing *ledger.BillingCycleGenerator
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	clk := &clock{now: now}
	opts := ledger.Options{Now: clk.Now, NewID: sequentialIDs("id")}
	credit := ledger.NewCreditAccounts(mem, opts)

	require.NoError(t, mem.SaveUnit(ctx, ledger.Unit{ID: unitID, TenantID: tenantID, Label: "A-101", Active: true}))
	require.NoError(t, mem.SaveBillingConfig(ctx, ledger.BillingConfig{
		TenantID:      tenantID,
		MonthlyAmount: m("1000"),
		BillingDay:    5,
		Active:        true,
	}))

	return &fixture{
		ctx:     ctx,
		mem:     mem,
		clock:   clk,
		opts:    opts,
		credit:  credit,
		ledger:  ledger.NewTransactionLedger(mem, mem, mem, credit, opts),
		billing: ledger.NewBillingCycleGenerator(mem, mem, mem, credit, opts),
	}
}

func (f *fixture) addUnit(t *testing.T, id, tenant string, active bool) {
	t.Helper()
	require.NoError(t, f.mem.SaveUnit(f.ctx, ledger.Unit{ID: id, TenantID: tenant, Active: active}))
}

// seedStatement stores an UNPAID statement for unitID due on the 5th.
func (f *fixture) seedStatement(t *testing.T, period ledger.Period, net string) ledger.DuesStatement {
	t.Helper()
	st := ledger.DuesStatement{
		ID:             "st-" + period.String(),
		TenantID:       tenantID,
		UnitID:         unitID,
		Period:         period,
		BaseAmount:     m(net),
		PenaltyAmount:  decimal.Zero,
		DiscountAmount: decimal.Zero,
		NetAmount:      m(net),
		AmountPaid:     decimal.Zero,
		Status:         ledger.StatementUnpaid,
		DueDate:        period.DueDate(5),
		CreatedAt:      f.clock.Now(),
		UpdatedAt:      f.clock.Now(),
	}
	require.NoError(t, f.mem.WithTx(f.ctx, func(s ledger.Store) error {
		return s.InsertStatement(f.ctx, st)
	}))
	return st
}

func (f *fixture) statement(t *testing.T, id string) ledger.DuesStatement {
	t.Helper()
	st, err := f.mem.GetStatement(f.ctx, id)
	require.NoError(t, err)
	return st
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := f.credit.Balance(f.ctx, unitID)
	require.NoError(t, err)
	return b
}

func (f *fixture) addPenaltyPolicy(t *testing.T, rateType ledger.RateType, rate string, grace *int) {
	t.Helper()
	require.NoError(t, f.mem.SavePenaltyPolicy(f.ctx, ledger.PenaltyPolicy{
		ID:        "pen-1",
		TenantID:  tenantID,
		Name:      "Late fee",
		RateType:  rateType,
		RateValue: m(rate),
		GraceDays: grace,
		Active:    true,
		CreatedAt: date(2024, time.January, 1),
	}))
}

func intPtr(i int) *int { return &i }
