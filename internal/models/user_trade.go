package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User trade status constants
const (
	TradeStatusOpen      = "open"
	TradeStatusClosed    = "closed"
	TradeStatusCancelled = "cancelled"
)

var hundred = decimal.NewFromInt(100)

// tradeCategories is the set accepted when a user records a trade by hand.
var tradeCategories = map[string]bool{
	CategoryArbitrage: true,
	CategoryStock:     true,
	CategoryCrypto:    true,
	CategoryValueBet:  true,
	CategoryOther:     true,
}

// IsTradeCategory reports whether c may be used for a manually entered trade.
func IsTradeCategory(c string) bool {
	return tradeCategories[c]
}

// UserTrade is a per-user ledger entry
type UserTrade struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	OpportunityID *string          `json:"opportunity_id,omitempty"`
	Category      string           `json:"category"`
	Title         string           `json:"title,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	EntryAmount   decimal.Decimal  `json:"entry_amount"`
	ExitAmount    *decimal.Decimal `json:"exit_amount"`
	Pnl           *decimal.Decimal `json:"pnl"`
	PnlPercent    *decimal.Decimal `json:"pnl_percent"`
	Status        string           `json:"status"`
	OpenedAt      time.Time        `json:"opened_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
}

// IsOpen reports whether the trade is still open.
func (t *UserTrade) IsOpen() bool {
	return t.Status == TradeStatusOpen
}

// RealizedPnl returns the trade's pnl, or zero when it has none.
func (t *UserTrade) RealizedPnl() decimal.Decimal {
	if t.Pnl == nil {
		return decimal.Zero
	}
	return *t.Pnl
}

// Close marks the trade closed at exit and derives pnl and pnl_percent.
func (t *UserTrade) Close(exit decimal.Decimal, at time.Time) {
	pnl := exit.Sub(t.EntryAmount)
	pct := decimal.Zero
	if t.EntryAmount.IsPositive() {
		pct = pnl.Div(t.EntryAmount).Mul(hundred).Round(4)
	}
	t.ExitAmount = &exit
	t.Pnl = &pnl
	t.PnlPercent = &pct
	t.Status = TradeStatusClosed
	t.ClosedAt = &at
}

// Cancel marks the trade cancelled. A cancelled trade carries no pnl.
func (t *UserTrade) Cancel(at time.Time) {
	t.Status = TradeStatusCancelled
	t.ExitAmount = nil
	t.Pnl = nil
	t.PnlPercent = nil
	t.ClosedAt = &at
}
