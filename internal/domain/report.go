package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// YearMonth identifies a calendar month. It is comparable and usable as a map key.
type YearMonth struct {
	Year  int
	Month time.Month
}

// YearMonthOf returns the month containing t, evaluated in UTC.
func YearMonthOf(t time.Time) YearMonth {
	t = t.UTC()
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// AddMonths shifts ym by n months (n may be negative).
func (ym YearMonth) AddMonths(n int) YearMonth {
	t := time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// Start returns the first instant of the month in UTC.
func (ym YearMonth) Start() time.Time {
	return time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, time.UTC)
}

// Before reports whether ym is earlier than other.
func (ym YearMonth) Before(other YearMonth) bool {
	if ym.Year != other.Year {
		return ym.Year < other.Year
	}
	return ym.Month < other.Month
}

func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month))
}

// MarshalText renders the month as YYYY-MM.
func (ym YearMonth) MarshalText() ([]byte, error) {
	return []byte(ym.String()), nil
}

// UnmarshalText parses YYYY-MM.
func (ym *YearMonth) UnmarshalText(text []byte) error {
	t, err := time.Parse("2006-01", string(text))
	if err != nil {
		return fmt.Errorf("invalid year-month %q: %w", string(text), err)
	}
	*ym = YearMonthOf(t)
	return nil
}

// TrailingMonths returns the n months ending with the month of now, oldest first.
func TrailingMonths(now time.Time, n int) []YearMonth {
	if n <= 0 {
		return nil
	}
	last := YearMonthOf(now)
	months := make([]YearMonth, n)
	for i := 0; i < n; i++ {
		months[i] = last.AddMonths(i - n + 1)
	}
	return months
}

// MonthlyIncome is one month bucket of net commission.
type MonthlyIncome struct {
	Month      YearMonth `json:"month"`
	TotalCents int64     `json:"total_cents"`
}

// ZeroFillMonths turns sparse per-month totals into one bucket per month of months.
func ZeroFillMonths(months []YearMonth, totals map[YearMonth]int64) []MonthlyIncome {
	buckets := make([]MonthlyIncome, len(months))
	for i, month := range months {
		buckets[i] = MonthlyIncome{Month: month, TotalCents: totals[month]}
	}
	return buckets
}

// TierTypeTotal is the lifetime net amount for one tier and event type.
type TierTypeTotal struct {
	Tier       Tier      `json:"tier"`
	EventType  EventType `json:"event_type"`
	TotalCents int64     `json:"total_cents"`
}

// Balances are the current sums per ledger status. Available includes entries
// claimed by an in-flight payout.
type Balances struct {
	PendingCents   int64 `json:"pending_cents"`
	AvailableCents int64 `json:"available_cents"`
	PaidCents      int64 `json:"paid_cents"`
	DebtCents      int64 `json:"debt_cents"`
}

// AffiliateSummary is the admin view of one affiliate's earnings.
type AffiliateSummary struct {
	AffiliateID        uuid.UUID       `json:"affiliate_id"`
	LifetimeTotalCents int64           `json:"lifetime_total_cents"`
	LifetimeByTierType []TierTypeTotal `json:"lifetime_by_tier_type"`
	Monthly            []MonthlyIncome `json:"monthly"`
	Balances           Balances        `json:"balances"`
}

// TopPerformer is one row of the lifetime income ranking.
type TopPerformer struct {
	Rank               int       `json:"rank"`
	AffiliateID        uuid.UUID `json:"affiliate_id"`
	UserAccountID      string    `json:"user_account_id"`
	LifetimeTotalCents int64     `json:"lifetime_total_cents"`
}
