package models

import (
	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places money columns keep
const AmountScale = 8

// maxAmount is the smallest magnitude a NUMERIC(20,8) column cannot hold
var maxAmount = decimal.New(1, 20-AmountScale)

// CheckAmount rejects money values the store would overflow or round
func CheckAmount(field string, d decimal.Decimal) error {
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return NewValidationError(field, "must be less than 1e12 in magnitude")
	}
	if !d.Equal(d.Truncate(AmountScale)) {
		return NewValidationError(field, "must have at most 8 decimal places")
	}
	return nil
}
