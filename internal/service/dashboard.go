package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trogers1052/opportunity-metrics/internal/analytics"
	"github.com/trogers1052/opportunity-metrics/internal/cache"
	"github.com/trogers1052/opportunity-metrics/internal/database"
	"github.com/trogers1052/opportunity-metrics/internal/models"
	"github.com/trogers1052/opportunity-metrics/internal/telemetry"
)

// weekDays is the trailing window, in calendar days including today, summed
// into weekPnl.
const weekDays = 7

// DashboardService builds the GET /metrics payload
type DashboardService struct {
	store  DashboardStore
	cache  *cache.Aggregates
	logger *zap.Logger
	strict bool
	now    func() time.Time
}

// NewDashboardService creates a DashboardService. In strict mode any failed
// section fails the request; otherwise failed sections are served zeroed and
// listed under degraded.
func NewDashboardService(store DashboardStore, aggregates *cache.Aggregates, logger *zap.Logger, strict bool) *DashboardService {
	return &DashboardService{
		store:  store,
		cache:  aggregates,
		logger: logger,
		strict: strict,
		now:    time.Now,
	}
}

// cachedDashboard is the cache entry for GET /metrics. Day is the UTC date
// the today section was counted for; an entry from another day is a miss.
type cachedDashboard struct {
	Day     string                   `json:"day"`
	Metrics *models.DashboardMetrics `json:"metrics"`
}

// section is the outcome of one concurrent fetch
type section struct {
	name string
	err  error
}

// Metrics returns today's opportunity counts, open exposure and realized
// performance
func (s *DashboardService) Metrics(ctx context.Context) (*models.DashboardMetrics, error) {
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	today := models.DateKey(now)

	var cached cachedDashboard
	if s.cache.Get(ctx, cache.DashboardKey, &cached) && cached.Day == today && cached.Metrics != nil {
		return cached.Metrics, nil
	}
	gen := s.cache.Generation(ctx)

	weekStart := models.DateKey(midnight.AddDate(0, 0, -(weekDays - 1)))

	var (
		todayCount int
		categories analytics.CategorySummary
		positions  *models.PositionSummary
		week       []*models.DailyMetric
		closed     []*models.Position
	)

	sections := []section{
		{name: models.SectionOpportunities},
		{name: models.SectionPositions},
		{name: models.SectionWeekPnl},
		{name: models.SectionClosed},
	}

	g, gctx := errgroup.WithContext(ctx)
	if !s.strict {
		// Siblings must not be cancelled when one section fails.
		g, gctx = &errgroup.Group{}, ctx
	}

	g.Go(func() error {
		opps, total, err := s.store.ListAllOpportunities(gctx, database.Filter{
			Status:   models.OpportunityStatusOpen,
			DateFrom: &midnight,
			DateTo:   &now,
		})
		if err != nil {
			sections[0].err = err
			return err
		}
		todayCount = total
		categories = analytics.SummarizeCategories(opps)
		return nil
	})
	g.Go(func() error {
		summary, err := s.store.SummarizePositions(gctx, database.Filter{})
		if err != nil {
			sections[1].err = err
			return err
		}
		positions = summary
		return nil
	})
	g.Go(func() error {
		metrics, err := s.store.ListDailyMetrics(gctx, weekStart, today)
		if err != nil {
			sections[2].err = err
			return err
		}
		week = metrics
		return nil
	})
	g.Go(func() error {
		rows, err := s.store.ListClosedPositions(gctx)
		if err != nil {
			sections[3].err = err
			return err
		}
		closed = rows
		return nil
	})

	if err := g.Wait(); err != nil && s.strict {
		return nil, err
	}

	var degraded []string
	var firstErr error
	for _, sec := range sections {
		if sec.err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = sec.err
		}
		degraded = append(degraded, sec.name)
		telemetry.DegradedSection(sec.name)
		s.logger.Error("dashboard section unavailable", zap.String("section", sec.name), zap.Error(sec.err))
	}
	if len(degraded) == len(sections) {
		return nil, fmt.Errorf("all dashboard sections failed: %w", firstErr)
	}

	result := composeDashboard(todayCount, categories, positions, week, closed)
	result.Degraded = degraded

	if len(degraded) == 0 {
		s.cache.Put(ctx, cache.DashboardKey, gen, cachedDashboard{Day: today, Metrics: result})
	}
	return result, nil
}

// composeDashboard assembles the payload from fetched sections. Missing
// sections are zeroed. Summary is filled from the same values as the sections.
func composeDashboard(todayCount int, categories analytics.CategorySummary, positions *models.PositionSummary,
	week []*models.DailyMetric, closed []*models.Position) *models.DashboardMetrics {

	m := &models.DashboardMetrics{}

	m.Today.Opportunities = todayCount
	m.Today.ByCategory = categories.ByCategory
	if m.Today.ByCategory == nil {
		m.Today.ByCategory = map[string]int{}
	}
	m.Today.BestMargin = categories.BestMargin

	if positions != nil {
		m.Positions.Open = positions.OpenCount
		m.Positions.OpenValue = positions.OpenValue
	}

	m.Performance.WeekPnl = analytics.SumDailyMetrics(week)
	pnl := analytics.SummarizePnL(analytics.FromPositions(closed))
	m.Performance.TotalPnl = pnl.TotalPnl
	m.Performance.WinRate = pnl.WinRate
	m.Performance.TotalTrades = pnl.ClosedTrades

	m.Summary.TodayOpportunities = m.Today.Opportunities
	m.Summary.OpenPositions = m.Positions.Open
	m.Summary.WeekPnl = m.Performance.WeekPnl
	m.Summary.TotalPnl = m.Performance.TotalPnl

	return m
}
