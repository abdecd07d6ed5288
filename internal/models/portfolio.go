package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserPortfolio holds a user's balances. CurrentBalance is a write-time cache
// of OpeningBalance plus the pnl of every closed trade.
type UserPortfolio struct {
	UserID         string          `json:"user_id"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DailyMetric is a per-day rollup of realized pnl
type DailyMetric struct {
	Date         string          `json:"date"`
	GrossPnl     decimal.Decimal `json:"gross_pnl"`
	TradesClosed int             `json:"trades_closed"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DateLayout is the calendar-date format used for daily rollups and chart series.
const DateLayout = "2006-01-02"

// DateKey returns the UTC calendar day of t.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
