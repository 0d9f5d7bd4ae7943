/*
scheduler_test.go - Tests for the monthly billing scheduler

Tests for:
- RunDay gating
- One enqueue per tenant and period
- Retry after a failed enqueue
*/
package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/tasks"
)

type tenantList []string

func (l tenantList) BillingTenants(context.Context) ([]string, error) { return l, nil }

func newTestScheduler(d tasks.Dispatcher, now *time.Time) *BillingScheduler {
	bs := NewBillingScheduler(tenantList{"hoa-1", "hoa-2"}, d, nil)
	bs.RunDay = 3
	bs.Now = func() time.Time { return *now }
	return bs
}

func TestScheduler_WaitsForRunDay(t *testing.T) {
	d := &fakeDispatcher{}
	now := time.Date(2025, time.March, 2, 12, 0, 0, 0, time.UTC)
	bs := newTestScheduler(d, &now)

	assert.Equal(t, 0, bs.RunNow())
	assert.Empty(t, d.Calls())
}

func TestScheduler_EnqueuesOncePerPeriod(t *testing.T) {
	// GIVEN: Two billable tenants on the run day
	// WHEN: The scheduler checks repeatedly, then the month rolls over
	// THEN: Each tenant is enqueued once per period

	d := &fakeDispatcher{}
	now := time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC)
	bs := newTestScheduler(d, &now)

	assert.Equal(t, 2, bs.RunNow())
	assert.Equal(t, 0, bs.RunNow())

	now = time.Date(2025, time.April, 20, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 2, bs.RunNow())

	calls := d.Calls()
	require.Len(t, calls, 4)
	for _, c := range calls {
		assert.Equal(t, tasks.TaskGenerateMonthlyDues, c.name)
	}
	assert.Equal(t, tasks.MonthlyDuesPayload("hoa-1", ledger.NewPeriod(2025, time.March)), calls[0].payload)
	assert.Equal(t, tasks.MonthlyDuesPayload("hoa-2", ledger.NewPeriod(2025, time.April)), calls[3].payload)
}

func TestScheduler_RetriesAfterFailedEnqueue(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("queue down")}
	now := time.Date(2025, time.March, 5, 0, 0, 0, 0, time.UTC)
	bs := newTestScheduler(d, &now)

	assert.Equal(t, 0, bs.RunNow())

	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	assert.Equal(t, 2, bs.RunNow())
}

func TestScheduler_StartStop(t *testing.T) {
	d := &fakeDispatcher{}
	now := time.Date(2025, time.March, 5, 0, 0, 0, 0, time.UTC)
	bs := newTestScheduler(d, &now)
	bs.CheckInterval = time.Hour

	bs.Start()
	bs.Stop()
	bs.Stop()

	// The first check runs as soon as the loop starts.
	assert.Len(t, d.Calls(), 2)
	assert.Equal(t, now.Add(time.Hour), bs.GetNextRunTime())
}

func TestScheduler_Disabled(t *testing.T) {
	d := &fakeDispatcher{}
	now := time.Date(2025, time.March, 5, 0, 0, 0, 0, time.UTC)
	bs := newTestScheduler(d, &now)
	bs.Enabled = false

	bs.Start()
	bs.Stop()

	assert.Empty(t, d.Calls())
}
