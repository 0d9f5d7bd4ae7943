/*
scheduler.go - Automated monthly billing scheduler

PURPOSE:
  Periodically checks whether the current month's billing run has been
  enqueued for every tenant with an active billing configuration and, if
  not, enqueues the fan-out task for it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Waits until RunDay of the month before enqueuing
  - Remembers which (tenant, period) it already enqueued in this process
  - Enqueuing twice is harmless: statement generation is idempotent, so a
    restart that forgets its memory only produces skipped units

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - RunDay: First day of the month to bill on (default: 1)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewBillingScheduler(store, dispatcher, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - tasks/billing.go: the fan-out and per-unit handlers
  - ledger/billing.go: statement generation
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/tasks"
	"go.uber.org/zap"
)

// TenantLister lists tenants that should be billed.
type TenantLister interface {
	BillingTenants(ctx context.Context) ([]string, error)
}

// BillingScheduler enqueues the monthly billing fan-out.
type BillingScheduler struct {
	Tenants       TenantLister
	Dispatcher    tasks.Dispatcher
	Logger        *zap.Logger
	CheckInterval time.Duration
	RunDay        int
	Enabled       bool
	Now           func() time.Time

	enqueued map[string]ledger.Period
	seenMu   sync.Mutex
	ticker   *time.Ticker
	stop     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewBillingScheduler creates a new scheduler.
func NewBillingScheduler(tenants TenantLister, dispatcher tasks.Dispatcher, logger *zap.Logger) *BillingScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BillingScheduler{
		Tenants:       tenants,
		Dispatcher:    dispatcher,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		RunDay:        1,
		Enabled:       true,
		Now:           time.Now,
		enqueued:      make(map[string]ledger.Period),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (bs *BillingScheduler) Start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if !bs.Enabled {
		bs.Logger.Info("billing scheduler disabled")
		return
	}

	bs.ticker = time.NewTicker(bs.CheckInterval)
	bs.wg.Add(1)

	go bs.run()

	bs.Logger.Info("billing scheduler started",
		zap.Duration("check_interval", bs.CheckInterval),
		zap.Int("run_day", bs.RunDay),
	)
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (bs *BillingScheduler) Stop() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ticker != nil {
		bs.ticker.Stop()
		close(bs.stop)
		bs.wg.Wait()
		bs.ticker = nil
		bs.Logger.Info("billing scheduler stopped")
	}
}

func (bs *BillingScheduler) run() {
	defer bs.wg.Done()

	// Run immediately on start
	bs.checkAndEnqueue()

	for {
		select {
		case <-bs.ticker.C:
			bs.checkAndEnqueue()
		case <-bs.stop:
			return
		}
	}
}

// RunNow triggers an immediate check and returns how many tenants were
// enqueued.
func (bs *BillingScheduler) RunNow() int {
	return bs.checkAndEnqueue()
}

// GetNextRunTime returns when the next scheduled check will occur.
func (bs *BillingScheduler) GetNextRunTime() time.Time {
	return bs.Now().Add(bs.CheckInterval)
}

func (bs *BillingScheduler) checkAndEnqueue() int {
	ctx := context.Background()
	now := bs.Now().UTC()
	if now.Day() < bs.RunDay {
		return 0
	}
	period := ledger.PeriodOf(now)

	tenantIDs, err := bs.Tenants.BillingTenants(ctx)
	if err != nil {
		bs.Logger.Error("list billing tenants failed", zap.Error(err))
		return 0
	}

	enqueued, skipped := 0, 0
	for _, tenantID := range tenantIDs {
		if bs.alreadyEnqueued(tenantID, period) {
			skipped++
			continue
		}
		err := bs.Dispatcher.Enqueue(ctx, tasks.TaskGenerateMonthlyDues, tasks.MonthlyDuesPayload(tenantID, period))
		if err != nil {
			bs.Logger.Error("enqueue monthly billing failed",
				zap.String("tenant_id", tenantID),
				zap.String("period", period.String()),
				zap.Error(err),
			)
			continue
		}
		bs.markEnqueued(tenantID, period)
		enqueued++
	}

	if enqueued > 0 {
		bs.Logger.Info("monthly billing enqueued",
			zap.String("period", period.String()),
			zap.Int("enqueued", enqueued),
			zap.Int("skipped", skipped),
		)
	}
	return enqueued
}

func (bs *BillingScheduler) alreadyEnqueued(tenantID string, period ledger.Period) bool {
	bs.seenMu.Lock()
	defer bs.seenMu.Unlock()
	last, ok := bs.enqueued[tenantID]
	return ok && last == period
}

func (bs *BillingScheduler) markEnqueued(tenantID string, period ledger.Period) {
	bs.seenMu.Lock()
	defer bs.seenMu.Unlock()
	bs.enqueued[tenantID] = period
}
