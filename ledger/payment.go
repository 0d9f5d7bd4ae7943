package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentDecision is the verdict on a direct payment.
type PaymentDecision struct {
	Accepted    bool
	Reason      string
	Outstanding decimal.Decimal // balance due on the matched statement, zero if none
	StatementID string
	CreditToAdd decimal.Decimal // ADVANCE excess, deposited once the payment posts
}

// Err returns the rejection as a validation error, or nil when accepted.
func (d PaymentDecision) Err() error {
	if d.Accepted {
		return nil
	}
	return &ValidationError{Field: "amount", Reason: d.Reason}
}

// ValidatePayment applies the direct payment rules to the unit's oldest
// outstanding statement (nil when nothing is owed):
//
//   - amount must be positive
//   - nothing owed: EXACT is rejected, ADVANCE becomes credit in full
//   - amount below the balance due is rejected in every mode
//   - EXACT must match the balance due to the cent
//   - ADVANCE above the balance due credits the excess
//
// Partial settlement only ever happens through billing's credit auto-apply.
func ValidatePayment(outstanding *DuesStatement, amount decimal.Decimal, mode PaymentMode) PaymentDecision {
	reject := func(format string, args ...any) PaymentDecision {
		return PaymentDecision{Reason: fmt.Sprintf(format, args...), CreditToAdd: decimal.Zero, Outstanding: decimal.Zero}
	}

	if !mode.Valid() {
		return reject("unknown payment mode %q", mode)
	}
	if !amount.IsPositive() {
		return reject("payment amount must be greater than zero")
	}

	if outstanding == nil || !outstanding.BalanceDue().IsPositive() {
		if mode == PaymentExact {
			return reject("no outstanding dues to pay exactly; use ADVANCE to prepay")
		}
		return PaymentDecision{Accepted: true, Outstanding: decimal.Zero, CreditToAdd: amount}
	}

	due := outstanding.BalanceDue()
	d := PaymentDecision{Outstanding: due, StatementID: outstanding.ID, CreditToAdd: decimal.Zero}

	if amount.LessThan(due) {
		d.Reason = fmt.Sprintf("partial payments are not allowed: amount %s is below the %s due", amount.StringFixed(2), due.StringFixed(2))
		return d
	}
	if mode == PaymentExact {
		if !amount.Equal(due) {
			d.Reason = fmt.Sprintf("exact payment must equal %s, got %s", due.StringFixed(2), amount.StringFixed(2))
			return d
		}
		d.Accepted = true
		return d
	}

	d.Accepted = true
	d.CreditToAdd = amount.Sub(due)
	return d
}
