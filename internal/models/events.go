package models

import (
	"encoding/json"
	"time"
)

// Trade event types published on every portfolio mutation
const (
	EventTradeOpened    = "TRADE_OPENED"
	EventTradeClosed    = "TRADE_CLOSED"
	EventTradeCancelled = "TRADE_CANCELLED"
	EventTradeDeleted   = "TRADE_DELETED"
	EventPortfolioSetup = "PORTFOLIO_SETUP"
)

// Scanner event types consumed from the scanner topic
const (
	EventOpportunityDetected = "OPPORTUNITY_DETECTED"
	EventPositionOpened      = "POSITION_OPENED"
	EventPositionClosed      = "POSITION_CLOSED"
)

// TradeEvent represents a Kafka event for user trade changes
type TradeEvent struct {
	EventType string         `json:"event_type"`
	UserID    string         `json:"user_id"`
	Trade     *UserTrade     `json:"trade,omitempty"`
	Portfolio *UserPortfolio `json:"portfolio,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ScannerEvent is a message emitted by an opportunity scanner
type ScannerEvent struct {
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// OpportunityEventData is the payload of OPPORTUNITY_DETECTED
type OpportunityEventData struct {
	ID              string          `json:"id"`
	Category        string          `json:"category"`
	Title           string          `json:"title"`
	ConfidenceScore int             `json:"confidence_score"`
	ExpectedValue   *string         `json:"expected_value"`
	Margin          *string         `json:"margin"`
	ExpiresAt       *string         `json:"expires_at"`
	Details         json.RawMessage `json:"details"`
}

// PositionEventData is the payload of POSITION_OPENED and POSITION_CLOSED.
// Positions are keyed by the opportunity they were opened against.
type PositionEventData struct {
	OpportunityID string  `json:"opportunity_id"`
	AssetClass    string  `json:"asset_class"`
	StakeAmount   string  `json:"stake_amount"`
	EntryPrice    string  `json:"entry_price"`
	Status        string  `json:"status"`
	Pnl           *string `json:"pnl"`
	At            *string `json:"at"`
}
