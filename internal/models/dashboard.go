package models

import "github.com/shopspring/decimal"

func init() {
	// Clients consume money fields as plain JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Dashboard section names, used when a section is served degraded
const (
	SectionOpportunities = "today"
	SectionPositions     = "positions"
	SectionWeekPnl       = "weekPnl"
	SectionClosed        = "performance"
)

// DashboardMetrics is the payload served by GET /metrics. Summary repeats
// values from the other sections and must always match them.
type DashboardMetrics struct {
	Today       TodayMetrics       `json:"today"`
	Positions   PositionMetrics    `json:"positions"`
	Performance PerformanceMetrics `json:"performance"`
	Summary     MetricsSummary     `json:"summary"`
	Degraded    []string           `json:"degraded,omitempty"`
}

// TodayMetrics describes opportunities opened since UTC midnight
type TodayMetrics struct {
	Opportunities int             `json:"opportunities"`
	ByCategory    map[string]int  `json:"byCategory"`
	BestMargin    decimal.Decimal `json:"bestMargin"`
}

// PositionMetrics describes currently open positions
type PositionMetrics struct {
	Open      int             `json:"open"`
	OpenValue decimal.Decimal `json:"openValue"`
}

// PerformanceMetrics describes realized results
type PerformanceMetrics struct {
	WeekPnl     decimal.Decimal `json:"weekPnl"`
	TotalPnl    decimal.Decimal `json:"totalPnl"`
	WinRate     decimal.Decimal `json:"winRate"`
	TotalTrades int             `json:"totalTrades"`
}

// MetricsSummary duplicates headline figures for client convenience
type MetricsSummary struct {
	TodayOpportunities int             `json:"todayOpportunities"`
	OpenPositions      int             `json:"openPositions"`
	WeekPnl            decimal.Decimal `json:"weekPnl"`
	TotalPnl           decimal.Decimal `json:"totalPnl"`
}
