package tasks_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/ledger/store"
	"github.com/warp/dues-engine/tasks"
)

func newBillingTasks(t *testing.T) (*store.Memory, *tasks.LocalDispatcher) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveBillingConfig(ctx, ledger.BillingConfig{
		TenantID: "hoa-1", MonthlyAmount: ledger.MustMoney("1000"), BillingDay: 5, Active: true,
	}))
	for _, u := range []ledger.Unit{
		{ID: "unit-1", TenantID: "hoa-1", Active: true},
		{ID: "unit-2", TenantID: "hoa-1", Active: true},
		{ID: "unit-3", TenantID: "hoa-1", Active: false},
	} {
		require.NoError(t, mem.SaveUnit(ctx, u))
	}

	opts := ledger.Options{Now: func() time.Time { return time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC) }}
	credit := ledger.NewCreditAccounts(mem, opts)
	gen := ledger.NewBillingCycleGenerator(mem, mem, mem, credit, opts)

	registry := tasks.NewRegistry()
	d := tasks.NewLocalDispatcher(registry, nil, 4)
	d.Sync = true
	d.Backoff = 0
	bt := &tasks.BillingTasks{Generator: gen, Units: mem, Dispatcher: d}
	require.NoError(t, bt.Register(registry))
	return mem, d
}

func TestBillingTasks_FanOutCreatesOneStatementPerActiveUnit(t *testing.T) {
	// GIVEN: Two active units and one inactive unit
	// WHEN: The monthly fan-out runs twice for March
	// THEN: Each active unit has exactly one March statement

	mem, d := newBillingTasks(t)
	ctx := context.Background()
	march := ledger.NewPeriod(2025, time.March)

	require.NoError(t, d.Enqueue(ctx, tasks.TaskGenerateMonthlyDues, tasks.MonthlyDuesPayload("hoa-1", march)))
	require.NoError(t, d.Enqueue(ctx, tasks.TaskGenerateMonthlyDues, tasks.MonthlyDuesPayload("hoa-1", march)))

	for _, unitID := range []string{"unit-1", "unit-2"} {
		st, found, err := mem.FindStatement(ctx, "hoa-1", unitID, march)
		require.NoError(t, err)
		require.True(t, found, unitID)
		assert.Equal(t, ledger.StatementUnpaid, st.Status)
	}
	_, found, err := mem.FindStatement(ctx, "hoa-1", "unit-3", march)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBillingTasks_BadPayloads(t *testing.T) {
	_, d := newBillingTasks(t)
	ctx := context.Background()

	cases := []tasks.Payload{
		{tasks.KeyYear: "2025", tasks.KeyMonth: "3"},
		{tasks.KeyTenantID: "hoa-1", tasks.KeyYear: "x", tasks.KeyMonth: "3"},
		{tasks.KeyTenantID: "hoa-1", tasks.KeyYear: "2025", tasks.KeyMonth: "13"},
	}
	for _, p := range cases {
		err := d.Enqueue(ctx, tasks.TaskGenerateMonthlyDues, p)
		assert.ErrorIs(t, err, tasks.ErrBadPayload)
	}

	err := d.Enqueue(ctx, tasks.TaskGenerateDuesForUnit, tasks.MonthlyDuesPayload("hoa-1", ledger.NewPeriod(2025, time.March)))
	assert.ErrorIs(t, err, tasks.ErrBadPayload)
}

func TestMonthlyDuesPayload(t *testing.T) {
	p := tasks.MonthlyDuesPayload("hoa-1", ledger.NewPeriod(2025, time.November))

	assert.Equal(t, tasks.Payload{
		tasks.KeyTenantID: "hoa-1",
		tasks.KeyYear:     "2025",
		tasks.KeyMonth:    "11",
	}, p)
}

// countingUnits counts unit lookups, one per billing attempt.
type countingUnits struct {
	ledger.UnitDirectory
	lookups atomic.Int32
}

func (c *countingUnits) Unit(ctx context.Context, unitID string) (ledger.Unit, error) {
	c.lookups.Add(1)
	return c.UnitDirectory.Unit(ctx, unitID)
}

func TestBillingTasks_PermanentFailuresNotRetried(t *testing.T) {
	// GIVEN: A unit that belongs to another tenant
	// WHEN: Its billing task is dispatched with retries enabled
	// THEN: The handler reports a bad payload and runs exactly once

	mem, _ := newBillingTasks(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveUnit(ctx, ledger.Unit{ID: "unit-9", TenantID: "hoa-2", Active: true}))

	opts := ledger.Options{Now: func() time.Time { return time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC) }}
	units := &countingUnits{UnitDirectory: mem}
	registry := tasks.NewRegistry()
	d := tasks.NewLocalDispatcher(registry, nil, 1)
	d.Sync = true
	d.Backoff = 0
	d.MaxAttempts = 3
	bt := &tasks.BillingTasks{
		Generator:  ledger.NewBillingCycleGenerator(mem, units, mem, ledger.NewCreditAccounts(mem, opts), opts),
		Units:      mem,
		Dispatcher: d,
	}
	require.NoError(t, bt.Register(registry))

	payload := tasks.MonthlyDuesPayload("hoa-1", ledger.NewPeriod(2025, time.March))
	payload[tasks.KeyUnitID] = "unit-9"
	err := d.Enqueue(ctx, tasks.TaskGenerateDuesForUnit, payload)

	require.ErrorIs(t, err, tasks.ErrBadPayload)
	assert.ErrorContains(t, err, ledger.ErrUnitNotFound.Error())
	assert.Equal(t, int32(1), units.lookups.Load())
}
