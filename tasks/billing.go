package tasks

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/warp/dues-engine/ledger"
	"go.uber.org/zap"
)

// Billing task names.
const (
	TaskGenerateMonthlyDues = "generate_monthly_dues_fanout"
	TaskGenerateDuesForUnit = "generate_dues_for_unit"
)

// Payload keys.
const (
	KeyTenantID = "tenant_id"
	KeyUnitID   = "unit_id"
	KeyYear     = "year"
	KeyMonth    = "month"
)

// BillingTasks fans a tenant's monthly run out into one task per unit, so
// each unit can fail and be retried on its own.
type BillingTasks struct {
	Generator  *ledger.BillingCycleGenerator
	Units      ledger.UnitDirectory
	Dispatcher Dispatcher
	Logger     *zap.Logger
}

// Register adds the billing handlers to r.
func (b *BillingTasks) Register(r *Registry) error {
	if b.Logger == nil {
		b.Logger = zap.NewNop()
	}
	if err := r.Register(TaskGenerateMonthlyDues, b.fanOut); err != nil {
		return err
	}
	return r.Register(TaskGenerateDuesForUnit, b.generateForUnit)
}

// MonthlyDuesPayload builds the fan-out payload for a tenant and period.
func MonthlyDuesPayload(tenantID string, period ledger.Period) Payload {
	return Payload{
		KeyTenantID: tenantID,
		KeyYear:     strconv.Itoa(period.Year),
		KeyMonth:    strconv.Itoa(int(period.Month)),
	}
}

func (b *BillingTasks) fanOut(ctx context.Context, p Payload) error {
	tenantID, period, err := parseTenantPeriod(p)
	if err != nil {
		return err
	}
	units, err := b.Units.ActiveUnits(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list active units for %s: %w", tenantID, err)
	}

	enqueued := 0
	for _, u := range units {
		payload := MonthlyDuesPayload(tenantID, period)
		payload[KeyUnitID] = u.ID
		if err := b.Dispatcher.Enqueue(ctx, TaskGenerateDuesForUnit, payload); err != nil {
			// Keep going: the units already enqueued are independent, and
			// re-running the fan-out later only creates what is missing.
			b.Logger.Error("enqueue unit billing failed",
				zap.String("tenant_id", tenantID),
				zap.String("unit_id", u.ID),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}
	b.Logger.Info("monthly dues fan-out",
		zap.String("tenant_id", tenantID),
		zap.String("period", period.String()),
		zap.Int("units", len(units)),
		zap.Int("enqueued", enqueued),
	)
	if enqueued < len(units) {
		return fmt.Errorf("enqueued %d of %d units for %s", enqueued, len(units), tenantID)
	}
	return nil
}

func (b *BillingTasks) generateForUnit(ctx context.Context, p Payload) error {
	tenantID, period, err := parseTenantPeriod(p)
	if err != nil {
		return err
	}
	unitID := p[KeyUnitID]
	if unitID == "" {
		return fmt.Errorf("%w: %s is required", ErrBadPayload, KeyUnitID)
	}
	res, err := b.Generator.GenerateForUnit(ctx, tenantID, unitID, period)
	if err != nil {
		// A unit outside the tenant or a rejected period fails the same way
		// on every attempt.
		if ledger.IsClientError(err) || ledger.IsNotFound(err) {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return err
	}
	b.Logger.Debug("unit billing finished",
		zap.String("unit_id", unitID),
		zap.String("outcome", string(res.Outcome)),
		zap.String("reason", res.Reason),
	)
	return nil
}

func parseTenantPeriod(p Payload) (string, ledger.Period, error) {
	tenantID := p[KeyTenantID]
	if tenantID == "" {
		return "", ledger.Period{}, fmt.Errorf("%w: %s is required", ErrBadPayload, KeyTenantID)
	}
	year, err := strconv.Atoi(p[KeyYear])
	if err != nil {
		return "", ledger.Period{}, fmt.Errorf("%w: year %q", ErrBadPayload, p[KeyYear])
	}
	month, err := strconv.Atoi(p[KeyMonth])
	if err != nil {
		return "", ledger.Period{}, fmt.Errorf("%w: month %q", ErrBadPayload, p[KeyMonth])
	}
	period := ledger.NewPeriod(year, time.Month(month))
	if err := period.Validate(); err != nil {
		return "", ledger.Period{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return tenantID, period, nil
}
