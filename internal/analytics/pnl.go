package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

var hundred = decimal.NewFromInt(100)

// PnLRecord is the common shape the P&L aggregator works on. Positions and
// user trades are both adapted into it.
type PnLRecord struct {
	Category string
	Amount   decimal.Decimal
	Pnl      *decimal.Decimal
	Closed   bool
	ClosedAt *time.Time
}

func (r PnLRecord) pnl() decimal.Decimal {
	if r.Pnl == nil {
		return decimal.Zero
	}
	return *r.Pnl
}

// FromPositions adapts positions. Closed and stopped positions count as closed.
func FromPositions(positions []*models.Position) []PnLRecord {
	records := make([]PnLRecord, 0, len(positions))
	for _, p := range positions {
		if p == nil {
			continue
		}
		records = append(records, PnLRecord{
			Category: p.AssetClass,
			Amount:   p.StakeAmount,
			Pnl:      p.Pnl,
			Closed:   p.Status == models.PositionStatusClosed || p.Status == models.PositionStatusStopped,
			ClosedAt: p.ClosedAt,
		})
	}
	return records
}

// FromUserTrades adapts user trades. Cancelled trades are never closed.
func FromUserTrades(trades []*models.UserTrade) []PnLRecord {
	records := make([]PnLRecord, 0, len(trades))
	for _, t := range trades {
		if t == nil {
			continue
		}
		records = append(records, PnLRecord{
			Category: t.Category,
			Amount:   t.EntryAmount,
			Pnl:      t.Pnl,
			Closed:   t.Status == models.TradeStatusClosed,
			ClosedAt: t.ClosedAt,
		})
	}
	return records
}

// PnLSummary holds realized performance statistics
type PnLSummary struct {
	TotalPnl      decimal.Decimal `json:"totalPnl"`
	WinRate       decimal.Decimal `json:"winRate"`
	AvgWin        decimal.Decimal `json:"avgWin"`
	AvgLoss       decimal.Decimal `json:"avgLoss"`
	ClosedTrades  int             `json:"closedTrades"`
	WinningTrades int             `json:"winningTrades"`
	LosingTrades  int             `json:"losingTrades"`
}

// SummarizePnL aggregates closed records. Missing pnl counts as zero; win
// rate is rounded to one decimal and is zero when nothing is closed.
func SummarizePnL(records []PnLRecord) PnLSummary {
	var s PnLSummary
	sumWins, sumLosses := decimal.Zero, decimal.Zero

	for _, r := range records {
		if !r.Closed {
			continue
		}
		s.ClosedTrades++
		pnl := r.pnl()
		s.TotalPnl = s.TotalPnl.Add(pnl)

		switch {
		case pnl.IsPositive():
			s.WinningTrades++
			sumWins = sumWins.Add(pnl)
		case pnl.IsNegative():
			s.LosingTrades++
			sumLosses = sumLosses.Add(pnl)
		}
	}

	if s.ClosedTrades > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.WinningTrades)).
			Div(decimal.NewFromInt(int64(s.ClosedTrades))).
			Mul(hundred).
			Round(1)
	}
	if s.WinningTrades > 0 {
		s.AvgWin = sumWins.Div(decimal.NewFromInt(int64(s.WinningTrades)))
	}
	if s.LosingTrades > 0 {
		s.AvgLoss = sumLosses.Div(decimal.NewFromInt(int64(s.LosingTrades)))
	}

	return s
}

// DailyPoint is one day of the P&L chart series
type DailyPoint struct {
	Date          string          `json:"date"`
	DailyPnl      decimal.Decimal `json:"dailyPnl"`
	CumulativePnl decimal.Decimal `json:"cumulativePnl"`
}

// DailySeries groups closed records by the UTC day of closed_at and returns
// ascending days with a running total. Records without closed_at are skipped.
func DailySeries(records []PnLRecord) []DailyPoint {
	byDay := make(map[string]decimal.Decimal)
	for _, r := range records {
		if !r.Closed || r.ClosedAt == nil {
			continue
		}
		day := models.DateKey(*r.ClosedAt)
		byDay[day] = byDay[day].Add(r.pnl())
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	series := make([]DailyPoint, 0, len(days))
	running := decimal.Zero
	for _, day := range days {
		running = running.Add(byDay[day])
		series = append(series, DailyPoint{
			Date:          day,
			DailyPnl:      byDay[day],
			CumulativePnl: running,
		})
	}
	return series
}

// CategoryPnL is realized pnl for one category
type CategoryPnL struct {
	Category string          `json:"category"`
	Pnl      decimal.Decimal `json:"pnl"`
	Trades   int             `json:"trades"`
	Wins     int             `json:"wins"`
}

// PnLByCategory sums closed pnl per category, sorted by category name.
func PnLByCategory(records []PnLRecord) []CategoryPnL {
	idx := make(map[string]int)
	var out []CategoryPnL

	for _, r := range records {
		if !r.Closed {
			continue
		}
		i, ok := idx[r.Category]
		if !ok {
			i = len(out)
			idx[r.Category] = i
			out = append(out, CategoryPnL{Category: r.Category})
		}
		pnl := r.pnl()
		out[i].Pnl = out[i].Pnl.Add(pnl)
		out[i].Trades++
		if pnl.IsPositive() {
			out[i].Wins++
		}
	}

	sort.Slice(out, func(a, b int) bool { return out[a].Category < out[b].Category })
	if out == nil {
		out = []CategoryPnL{}
	}
	return out
}

// SumDailyMetrics totals gross pnl over a set of daily rollups.
func SumDailyMetrics(metrics []*models.DailyMetric) decimal.Decimal {
	total := decimal.Zero
	for _, m := range metrics {
		if m == nil {
			continue
		}
		total = total.Add(m.GrossPnl)
	}
	return total
}
