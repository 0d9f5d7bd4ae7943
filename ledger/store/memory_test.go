package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/ledger/store"
)

func statement(id string, period ledger.Period) ledger.DuesStatement {
	return ledger.DuesStatement{
		ID:             id,
		TenantID:       "hoa-1",
		UnitID:         "unit-1",
		Period:         period,
		BaseAmount:     decimal.NewFromInt(1000),
		PenaltyAmount:  decimal.Zero,
		DiscountAmount: decimal.Zero,
		NetAmount:      decimal.NewFromInt(1000),
		AmountPaid:     decimal.Zero,
		Status:         ledger.StatementUnpaid,
		DueDate:        period.DueDate(5),
	}
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	boom := errors.New("boom")

	err := mem.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.InsertStatement(ctx, statement("st-1", ledger.NewPeriod(2025, time.March))))
		require.NoError(t, s.AppendCreditEntry(ctx, ledger.CreditEntry{
			ID: "ce-1", TenantID: "hoa-1", UnitID: "unit-1", Kind: ledger.CreditDeposit,
			Delta: decimal.NewFromInt(50), BalanceAfter: decimal.NewFromInt(50),
		}))
		return boom
	})

	require.ErrorIs(t, err, boom)
	_, err = mem.GetStatement(ctx, "st-1")
	require.ErrorIs(t, err, ledger.ErrStatementNotFound)
	acct, err := mem.GetCreditAccount(ctx, "unit-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
}

func TestMemory_DuplicateStatement(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	march := ledger.NewPeriod(2025, time.March)

	require.NoError(t, mem.InsertStatement(ctx, statement("st-1", march)))
	err := mem.InsertStatement(ctx, statement("st-2", march))

	require.ErrorIs(t, err, ledger.ErrDuplicateStatement)
	found, ok, err := mem.FindStatement(ctx, "hoa-1", "unit-1", march)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "st-1", found.ID)
}

func TestMemory_StatementOverpayment_Rejected(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	st := statement("st-1", ledger.NewPeriod(2025, time.March))
	require.NoError(t, mem.InsertStatement(ctx, st))

	st.AmountPaid = decimal.NewFromInt(1001)
	err := mem.UpdateStatement(ctx, st)

	require.ErrorIs(t, err, ledger.ErrValidation)
}

func TestMemory_OutstandingStatements_OldestFirst(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	apr := statement("st-apr", ledger.NewPeriod(2025, time.April))
	jan := statement("st-jan", ledger.NewPeriod(2025, time.January))
	feb := statement("st-feb", ledger.NewPeriod(2025, time.February))
	feb.Status = ledger.StatementPaid
	feb.AmountPaid = feb.NetAmount
	for _, st := range []ledger.DuesStatement{apr, jan, feb} {
		require.NoError(t, mem.InsertStatement(ctx, st))
	}

	out, err := mem.OutstandingStatements(ctx, "hoa-1", "unit-1")

	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "st-jan", out[0].ID)
	assert.Equal(t, "st-apr", out[1].ID)
}

func TestMemory_CreditEntries(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	err := mem.AppendCreditEntry(ctx, ledger.CreditEntry{
		ID: "bad", UnitID: "unit-1", Delta: decimal.NewFromInt(-1), BalanceAfter: decimal.NewFromInt(-1),
	})
	require.ErrorIs(t, err, ledger.ErrNegativeBalance)

	balance := decimal.Zero
	for i, delta := range []int64{100, -30, 20} {
		balance = balance.Add(decimal.NewFromInt(delta))
		require.NoError(t, mem.AppendCreditEntry(ctx, ledger.CreditEntry{
			ID: string(rune('a' + i)), TenantID: "hoa-1", UnitID: "unit-1",
			Delta: decimal.NewFromInt(delta), BalanceAfter: balance,
		}))
	}

	latest, err := mem.CreditEntries(ctx, "unit-1", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "c", latest[0].ID)
	assert.Equal(t, "b", latest[1].ID)
	assert.Greater(t, latest[0].Seq, latest[1].Seq)

	acct, err := mem.GetCreditAccount(ctx, "unit-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(90).Equal(acct.Balance))
	assert.Equal(t, "hoa-1", acct.TenantID)
}

func TestMemory_Collaborators(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveUnit(ctx, ledger.Unit{ID: "u-2", TenantID: "hoa-1", Active: true}))
	require.NoError(t, mem.SaveUnit(ctx, ledger.Unit{ID: "u-1", TenantID: "hoa-1", Active: true}))
	require.NoError(t, mem.SaveUnit(ctx, ledger.Unit{ID: "u-3", TenantID: "hoa-1", Active: false}))
	require.NoError(t, mem.SaveBillingConfig(ctx, ledger.BillingConfig{TenantID: "hoa-2", Active: true}))
	require.NoError(t, mem.SaveBillingConfig(ctx, ledger.BillingConfig{TenantID: "hoa-1", Active: true}))
	require.NoError(t, mem.SaveBillingConfig(ctx, ledger.BillingConfig{TenantID: "hoa-off", Active: false}))

	units, err := mem.ActiveUnits(ctx, "hoa-1")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "u-1", units[0].ID)

	_, err = mem.Unit(ctx, "missing")
	require.ErrorIs(t, err, ledger.ErrUnitNotFound)

	tenants, err := mem.BillingTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hoa-1", "hoa-2"}, tenants)

	_, ok, err := mem.BillingConfig(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}
