package service

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/trogers1052/opportunity-metrics/internal/database"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

// PositionQuery selects a page of positions
type PositionQuery struct {
	Status     string
	AssetClass string
	Limit      int
	Offset     int
}

// PositionsPage is the GET /positions payload
type PositionsPage struct {
	Positions []*models.Position     `json:"positions"`
	Total     int                    `json:"total"`
	Limit     int                    `json:"limit"`
	Offset    int                    `json:"offset"`
	Summary   models.PositionSummary `json:"summary"`
}

// PositionService serves paginated positions
type PositionService struct {
	store PositionStore
}

func NewPositionService(store PositionStore) *PositionService {
	return &PositionService{store: store}
}

// List returns one page of positions, the exact match count and a summary
// over every position of the asset class regardless of status
func (s *PositionService) List(ctx context.Context, q PositionQuery) (*PositionsPage, error) {
	switch q.Status {
	case "", models.PositionStatusOpen, models.PositionStatusClosed, models.PositionStatusStopped:
	default:
		return nil, models.NewValidationError("status", "must be open, closed or stopped")
	}
	if q.Limit < 0 {
		return nil, models.NewValidationError("limit", "must not be negative")
	}
	if q.Offset < 0 {
		return nil, models.NewValidationError("offset", "must not be negative")
	}

	filter := database.Filter{Status: q.Status, AssetClass: q.AssetClass}
	page := database.Page{Limit: q.Limit, Offset: q.Offset}.Normalize()

	var (
		positions []*models.Position
		total     int
		summary   *models.PositionSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		positions, total, err = s.store.ListPositions(gctx, filter, page)
		return err
	})
	g.Go(func() error {
		var err error
		summary, err = s.store.SummarizePositions(gctx, filter)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if positions == nil {
		positions = []*models.Position{}
	}
	return &PositionsPage{
		Positions: positions,
		Total:     total,
		Limit:     page.Limit,
		Offset:    page.Offset,
		Summary:   *summary,
	}, nil
}
