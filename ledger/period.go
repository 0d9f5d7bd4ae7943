package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// BILLING PERIOD - One calendar month
// =============================================================================

// DaysPerPeriod is the length used to turn overdue days into overdue periods.
const DaysPerPeriod = 30

// Period identifies a monthly billing period. Together with tenant and unit it
// is the idempotency key of a dues statement.
type Period struct {
	Year  int
	Month time.Month
}

func NewPeriod(year int, month time.Month) Period {
	return Period{Year: year, Month: month}
}

// PeriodOf returns the billing period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod accepts "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, &ValidationError{Field: "period", Reason: fmt.Sprintf("expected YYYY-MM, got %q", s)}
	}
	return PeriodOf(t), nil
}

func (p Period) Validate() error {
	if p.Year < 1 || p.Month < time.January || p.Month > time.December {
		return &ValidationError{Field: "period", Reason: fmt.Sprintf("invalid period %d-%d", p.Year, p.Month)}
	}
	return nil
}

func (p Period) String() string { return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month)) }

// Before reports whether p is an earlier month than other.
func (p Period) Before(other Period) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Month < other.Month
}

func (p Period) Next() Period     { return PeriodOf(p.firstDay().AddDate(0, 1, 0)) }
func (p Period) Previous() Period { return PeriodOf(p.firstDay().AddDate(0, -1, 0)) }

// DueDate places the billing day inside the period. Days past the end of the
// month clamp to its last day.
func (p Period) DueDate(billingDay int) time.Time {
	if billingDay < 1 {
		billingDay = 1
	}
	last := p.firstDay().AddDate(0, 1, -1).Day()
	if billingDay > last {
		billingDay = last
	}
	return time.Date(p.Year, p.Month, billingDay, 0, 0, 0, 0, time.UTC)
}

func (p Period) firstDay() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// Day truncates t to its calendar date in UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// daysBetween counts whole calendar days from a to b (negative when b is earlier).
func daysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}
