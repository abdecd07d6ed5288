package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/trogers1052/opportunity-metrics/internal/cache"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

// OpportunityService applies scanner events and the periodic maintenance
// that changes dashboard inputs. Every applied change drops the cached
// dashboard.
type OpportunityService struct {
	store  OpportunityStore
	cache  *cache.Aggregates
	logger *zap.Logger
	now    func() time.Time
}

func NewOpportunityService(store OpportunityStore, aggregates *cache.Aggregates, logger *zap.Logger) *OpportunityService {
	return &OpportunityService{store: store, cache: aggregates, logger: logger, now: time.Now}
}

// RecordOpportunity stores a detected opportunity. Redelivered IDs are
// ignored and reported as not inserted.
func (s *OpportunityService) RecordOpportunity(ctx context.Context, o *models.Opportunity) (bool, error) {
	if o.ID == "" {
		return false, models.NewValidationError("id", "is required")
	}
	if o.Category == "" {
		o.Category = models.CategoryOther
	}
	if o.ConfidenceScore < 0 || o.ConfidenceScore > 100 {
		return false, models.NewValidationError("confidence_score", "must be between 0 and 100")
	}

	inserted, err := s.store.CreateOpportunity(ctx, o)
	if err != nil {
		return false, err
	}
	if inserted {
		s.cache.Invalidate(ctx, cache.DashboardKey)
	}
	return inserted, nil
}

// OpenPosition opens a position and marks its opportunity taken
func (s *OpportunityService) OpenPosition(ctx context.Context, p *models.Position) (bool, error) {
	inserted, err := s.store.CreatePosition(ctx, p)
	if err != nil {
		return false, err
	}
	if inserted {
		s.cache.Invalidate(ctx, cache.DashboardKey)
	}
	return inserted, nil
}

// ClosePosition closes the position opened against opportunityID
func (s *OpportunityService) ClosePosition(ctx context.Context, opportunityID, status string, pnl decimal.Decimal, at time.Time) (*models.Position, error) {
	if at.IsZero() {
		at = s.now()
	}
	p, err := s.store.ClosePositionByOpportunity(ctx, opportunityID, status, pnl, at)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, cache.DashboardKey)
	return p, nil
}

// ExpireStale moves open opportunities past their expiry to expired
func (s *OpportunityService) ExpireStale(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireOpportunities(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.cache.Invalidate(ctx, cache.DashboardKey)
		s.logger.Info("expired opportunities", zap.Int64("count", n))
	}
	return n, nil
}

// RebuildDailyMetrics recomputes daily rollups for the trailing lookback
func (s *OpportunityService) RebuildDailyMetrics(ctx context.Context, lookback time.Duration) (int64, error) {
	since := s.now().UTC().Add(-lookback)
	n, err := s.store.RebuildDailyMetrics(ctx, since)
	if err != nil {
		return 0, err
	}
	s.cache.Invalidate(ctx, cache.DashboardKey)
	s.logger.Info("rebuilt daily metrics", zap.String("since", models.DateKey(since)), zap.Int64("days", n))
	return n, nil
}
