package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position status constants
const (
	PositionStatusOpen    = "open"
	PositionStatusClosed  = "closed"
	PositionStatusStopped = "stopped"
)

// Position represents capital committed against an opportunity
type Position struct {
	ID            int              `json:"id"`
	OpportunityID *string          `json:"opportunity_id,omitempty"`
	AssetClass    string           `json:"asset_class"`
	StakeAmount   decimal.Decimal  `json:"stake_amount"`
	EntryPrice    decimal.Decimal  `json:"entry_price"`
	Status        string           `json:"status"`
	Pnl           *decimal.Decimal `json:"pnl"`
	OpenedAt      time.Time        `json:"opened_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
}

// IsOpen reports whether the position still holds capital.
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// Validate checks that pnl is set exactly when the position is no longer open.
func (p *Position) Validate() error {
	switch p.Status {
	case PositionStatusOpen:
		if p.Pnl != nil {
			return NewValidationError("pnl", "open position must not carry pnl")
		}
	case PositionStatusClosed, PositionStatusStopped:
		if p.Pnl == nil {
			return NewValidationError("pnl", "closed position requires pnl")
		}
	default:
		return NewValidationError("status", "unknown position status: "+p.Status)
	}
	if p.StakeAmount.IsNegative() {
		return NewValidationError("stake_amount", "must not be negative")
	}
	return nil
}

// PositionSummary is the roll-up returned alongside a page of positions
type PositionSummary struct {
	OpenCount   int             `json:"openCount"`
	ClosedCount int             `json:"closedCount"`
	TotalPnl    decimal.Decimal `json:"totalPnl"`
	OpenValue   decimal.Decimal `json:"openValue"`
}
