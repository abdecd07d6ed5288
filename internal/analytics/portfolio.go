package analytics

import (
	"github.com/shopspring/decimal"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

// PortfolioStats is the read-time snapshot of a user's portfolio
type PortfolioStats struct {
	TotalPnl           decimal.Decimal `json:"totalPnl"`
	PnlPercent         decimal.Decimal `json:"pnlPercent"`
	WinRate            decimal.Decimal `json:"winRate"`
	TotalTrades        int             `json:"totalTrades"`
	OpenTrades         int             `json:"openTrades"`
	OpenPositionsValue decimal.Decimal `json:"openPositionsValue"`
	WinningTrades      int             `json:"winningTrades"`
	LosingTrades       int             `json:"losingTrades"`
	AvgWin             decimal.Decimal `json:"avgWin"`
	AvgLoss            decimal.Decimal `json:"avgLoss"`
	CurrentBalance     decimal.Decimal `json:"currentBalance"`
}

// ComposePortfolioStats recomputes portfolio statistics from the source
// trades. A nil portfolio is treated as an opening balance of zero.
func ComposePortfolioStats(p *models.UserPortfolio, trades []*models.UserTrade) PortfolioStats {
	opening := decimal.Zero
	if p != nil {
		opening = p.OpeningBalance
	}

	pnl := SummarizePnL(FromUserTrades(trades))

	stats := PortfolioStats{
		TotalPnl:      pnl.TotalPnl,
		WinRate:       pnl.WinRate,
		WinningTrades: pnl.WinningTrades,
		LosingTrades:  pnl.LosingTrades,
		AvgWin:        pnl.AvgWin,
		AvgLoss:       pnl.AvgLoss,
	}

	for _, t := range trades {
		if t == nil {
			continue
		}
		stats.TotalTrades++
		if t.IsOpen() {
			stats.OpenTrades++
			stats.OpenPositionsValue = stats.OpenPositionsValue.Add(t.EntryAmount)
		}
	}

	if opening.IsPositive() {
		stats.PnlPercent = pnl.TotalPnl.Div(opening).Mul(hundred).Round(2)
	}
	stats.CurrentBalance = opening.Add(pnl.TotalPnl)

	return stats
}

// Drift is the stored balance minus the recomputed one. Zero when the write
// path and the read path agree.
func (s PortfolioStats) Drift(p *models.UserPortfolio) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.CurrentBalance.Sub(s.CurrentBalance)
}
