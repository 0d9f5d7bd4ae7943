package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/ledger"
)

// Metrics holds the Prometheus collectors for the ledger. It implements
// ledger.Metrics.
type Metrics struct {
	// Registry is exposed so the /metrics endpoint can serve it.
	Registry *prometheus.Registry

	statements   *prometheus.CounterVec
	creditEvents *prometheus.CounterVec
	creditAmount *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	billingRuns  prometheus.Histogram
	taskRuns     *prometheus.CounterVec
}

// NewMetrics registers every collector on a private registry, so building it
// twice (as tests do) never panics on duplicate registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		statements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dues_statements_total",
				Help: "Statement generation attempts by outcome.",
			},
			[]string{"outcome"},
		),
		creditEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dues_credit_entries_total",
				Help: "Credit ledger entries appended, by kind.",
			},
			[]string{"kind"},
		),
		creditAmount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dues_credit_amount_total",
				Help: "Credit moved through the ledger, by kind, in currency units.",
			},
			[]string{"kind"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dues_transaction_status_total",
				Help: "Transactions reaching a status, by type.",
			},
			[]string{"type", "status"},
		),
		billingRuns: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dues_billing_run_duration_seconds",
				Help:    "Duration of tenant billing runs.",
				Buckets: prometheus.DefBuckets,
			},
		),
		taskRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dues_tasks_total",
				Help: "Dispatched tasks by name and result.",
			},
			[]string{"task", "result"},
		),
	}
}

func (m *Metrics) StatementOutcome(outcome ledger.UnitOutcome) {
	m.statements.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) CreditEntry(kind ledger.CreditEntryKind, amount decimal.Decimal) {
	m.creditEvents.WithLabelValues(string(kind)).Inc()
	// Exposition only; the ledger never reads this back.
	f, _ := amount.Abs().Float64()
	m.creditAmount.WithLabelValues(string(kind)).Add(f)
}

func (m *Metrics) TransactionStatus(txType ledger.TxType, status ledger.TxStatus) {
	m.transitions.WithLabelValues(string(txType), string(status)).Inc()
}

func (m *Metrics) BillingRun(d time.Duration) {
	m.billingRuns.Observe(d.Seconds())
}

// TaskRun records a dispatched task; result is "ok" or "error".
func (m *Metrics) TaskRun(task, result string) {
	m.taskRuns.WithLabelValues(task, result).Inc()
}

var _ ledger.Metrics = (*Metrics)(nil)
