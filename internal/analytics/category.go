// Package analytics holds the pure aggregation functions behind the dashboard
// and portfolio endpoints. Nothing here returns an error: empty or partially
// null input degrades to zero values.
package analytics

import (
	"github.com/shopspring/decimal"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

// CategorySummary counts opportunities per category and tracks the best margin
type CategorySummary struct {
	Total      int             `json:"total"`
	ByCategory map[string]int  `json:"byCategory"`
	BestMargin decimal.Decimal `json:"bestMargin"`
	// BestOpportunityID identifies the opportunity that set BestMargin.
	BestOpportunityID string `json:"bestOpportunityId,omitempty"`
}

// SummarizeCategories counts opportunities by their literal category and
// selects the best effective margin, starting from zero. A later opportunity
// replaces the running best only when strictly greater, so the first one seen
// wins ties.
func SummarizeCategories(opps []*models.Opportunity) CategorySummary {
	summary := CategorySummary{
		ByCategory: make(map[string]int),
		BestMargin: decimal.Zero,
	}

	for _, o := range opps {
		if o == nil {
			continue
		}
		summary.Total++
		summary.ByCategory[o.Category]++

		if m := o.EffectiveMargin(); m.GreaterThan(summary.BestMargin) {
			summary.BestMargin = m
			summary.BestOpportunityID = o.ID
		}
	}

	return summary
}
