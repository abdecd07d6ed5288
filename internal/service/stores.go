// Package service composes store reads into the dashboard, portfolio and
// position views, and owns every write that changes them.
package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trogers1052/opportunity-metrics/internal/database"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

// DashboardStore is the read side used by DashboardService
type DashboardStore interface {
	ListAllOpportunities(ctx context.Context, f database.Filter) ([]*models.Opportunity, int, error)
	SummarizePositions(ctx context.Context, f database.Filter) (*models.PositionSummary, error)
	ListDailyMetrics(ctx context.Context, fromDate, toDate string) ([]*models.DailyMetric, error)
	ListClosedPositions(ctx context.Context) ([]*models.Position, error)
}

// PortfolioStore is the storage used by PortfolioService
type PortfolioStore interface {
	GetPortfolio(ctx context.Context, userID string) (*models.UserPortfolio, error)
	UpsertPortfolio(ctx context.Context, userID string, opening decimal.Decimal) (*models.UserPortfolio, error)
	ReconcilePortfolio(ctx context.Context, userID string) (*models.UserPortfolio, error)
	ReconcileAllPortfolios(ctx context.Context) ([]string, error)
	ListAllUserTrades(ctx context.Context, userID string) ([]*models.UserTrade, error)
	CreateUserTrade(ctx context.Context, t *models.UserTrade) error
	GetUserTrade(ctx context.Context, id string) (*models.UserTrade, error)
	CloseUserTrade(ctx context.Context, id string, exit decimal.Decimal, at time.Time, notes *string) (*models.UserTrade, error)
	CancelUserTrade(ctx context.Context, id string, at time.Time, notes *string) (*models.UserTrade, error)
	UpdateUserTradeNotes(ctx context.Context, id, notes string) (*models.UserTrade, error)
	DeleteUserTrade(ctx context.Context, id string) (*models.UserTrade, error)
}

// PositionStore is the read side used by PositionService
type PositionStore interface {
	ListPositions(ctx context.Context, f database.Filter, p database.Page) ([]*models.Position, int, error)
	SummarizePositions(ctx context.Context, f database.Filter) (*models.PositionSummary, error)
}

// OpportunityStore is the storage used by OpportunityService
type OpportunityStore interface {
	CreateOpportunity(ctx context.Context, o *models.Opportunity) (bool, error)
	ExpireOpportunities(ctx context.Context, now time.Time) (int64, error)
	CreatePosition(ctx context.Context, p *models.Position) (bool, error)
	ClosePositionByOpportunity(ctx context.Context, opportunityID string, status string, pnl decimal.Decimal, at time.Time) (*models.Position, error)
	RebuildDailyMetrics(ctx context.Context, since time.Time) (int64, error)
}

// EventPublisher publishes portfolio changes for downstream consumers
type EventPublisher interface {
	PublishTradeEvent(ctx context.Context, event *models.TradeEvent) error
}
