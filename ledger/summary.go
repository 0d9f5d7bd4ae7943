package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CategoryTotal aggregates posted transactions of one type and category.
type CategoryTotal struct {
	Type     TxType
	Category string
	Total    decimal.Decimal
	Count    int
}

// FinancialSummary covers POSTED transactions only. Drafts, pending and
// cancelled entries never count toward reported income or expense.
type FinancialSummary struct {
	TenantID     string
	From, To     time.Time
	TotalIncome  decimal.Decimal
	TotalExpense decimal.Decimal
	Net          decimal.Decimal
	ByCategory   []CategoryTotal
}

// Summary totals the tenant's posted transactions dated within [from, to].
func (l *TransactionLedger) Summary(ctx context.Context, tenantID string, from, to time.Time) (FinancialSummary, error) {
	if to.Before(from) {
		return FinancialSummary{}, invalid("period", "end %s is before start %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	txs, err := l.store.ListTransactions(ctx, TransactionFilter{
		TenantID: tenantID,
		Status:   StatusPosted,
		From:     &from,
		To:       &to,
	})
	if err != nil {
		return FinancialSummary{}, fmt.Errorf("list posted transactions: %w", err)
	}
	return summarize(tenantID, from, to, txs), nil
}

func summarize(tenantID string, from, to time.Time, txs []Transaction) FinancialSummary {
	sum := FinancialSummary{
		TenantID:     tenantID,
		From:         Day(from),
		To:           Day(to),
		TotalIncome:  decimal.Zero,
		TotalExpense: decimal.Zero,
	}
	type key struct {
		t TxType
		c string
	}
	totals := map[key]*CategoryTotal{}
	for _, tx := range txs {
		if tx.Status != StatusPosted {
			continue
		}
		switch tx.Type {
		case TxIncome:
			sum.TotalIncome = sum.TotalIncome.Add(tx.NetAmount)
		case TxExpense:
			sum.TotalExpense = sum.TotalExpense.Add(tx.NetAmount)
		}
		k := key{tx.Type, tx.Category}
		ct, ok := totals[k]
		if !ok {
			ct = &CategoryTotal{Type: tx.Type, Category: tx.Category, Total: decimal.Zero}
			totals[k] = ct
		}
		ct.Total = ct.Total.Add(tx.NetAmount)
		ct.Count++
	}
	sum.Net = sum.TotalIncome.Sub(sum.TotalExpense)
	for _, ct := range totals {
		sum.ByCategory = append(sum.ByCategory, *ct)
	}
	sort.Slice(sum.ByCategory, func(i, j int) bool {
		a, b := sum.ByCategory[i], sum.ByCategory[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if !a.Total.Equal(b.Total) {
			return a.Total.GreaterThan(b.Total)
		}
		return a.Category < b.Category
	})
	return sum
}
