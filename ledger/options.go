package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Metrics receives ledger events. observability.Metrics implements it with
// Prometheus collectors.
type Metrics interface {
	StatementOutcome(outcome UnitOutcome)
	CreditEntry(kind CreditEntryKind, amount decimal.Decimal)
	TransactionStatus(txType TxType, status TxStatus)
	BillingRun(d time.Duration)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) StatementOutcome(UnitOutcome)                {}
func (NopMetrics) CreditEntry(CreditEntryKind, decimal.Decimal) {}
func (NopMetrics) TransactionStatus(TxType, TxStatus)          {}
func (NopMetrics) BillingRun(time.Duration)                    {}

// Options carries the ambient dependencies shared by the ledger services.
// Zero values fall back to wall clock, uuid ids, a nop logger and nop metrics.
type Options struct {
	Now              func() time.Time
	NewID            func() string
	Logger           *zap.Logger
	Metrics          Metrics
	DefaultGraceDays int
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = NopMetrics{}
	}
	return o
}

func (o Options) now() time.Time { return o.Now().UTC() }
