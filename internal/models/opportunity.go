package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Well-known opportunity categories. The set is open: scanners may emit new
// categories and aggregation keys them by their literal value.
const (
	CategoryArbitrage = "arbitrage"
	CategoryValueBet  = "value_bet"
	CategoryStock     = "stock"
	CategoryCrypto    = "crypto"
	CategoryOther     = "other"
)

// Opportunity status constants
const (
	OpportunityStatusOpen    = "open"
	OpportunityStatusTaken   = "taken"
	OpportunityStatusExpired = "expired"
)

// Opportunity is a scanner-detected trade idea
type Opportunity struct {
	ID              string           `json:"id"`
	Category        string           `json:"category"`
	Status          string           `json:"status"`
	Title           string           `json:"title,omitempty"`
	ConfidenceScore int              `json:"confidence_score"`
	ExpectedValue   *decimal.Decimal `json:"expected_value,omitempty"`
	Margin          *decimal.Decimal `json:"margin,omitempty"`
	Data            json.RawMessage  `json:"data,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
}

// EffectiveMargin returns the margin used for best-margin selection:
// the explicit margin, then the expected value, then zero.
func (o *Opportunity) EffectiveMargin() decimal.Decimal {
	if o.Margin != nil {
		return *o.Margin
	}
	if o.ExpectedValue != nil {
		return *o.ExpectedValue
	}
	return decimal.Zero
}

// IsExpired reports whether an open opportunity has passed its expiry at now.
func (o *Opportunity) IsExpired(now time.Time) bool {
	return o.Status == OpportunityStatusOpen && o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}
