package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trogers1052/opportunity-metrics/internal/analytics"
	"github.com/trogers1052/opportunity-metrics/internal/cache"
	"github.com/trogers1052/opportunity-metrics/internal/models"
	"github.com/trogers1052/opportunity-metrics/internal/telemetry"
)

// recentTradesLimit caps recentTrades in the portfolio view
const recentTradesLimit = 10

const publishTimeout = 5 * time.Second

// PortfolioView is the GET /portfolio payload
type PortfolioView struct {
	Portfolio     *models.UserPortfolio    `json:"portfolio"`
	Stats         analytics.PortfolioStats `json:"stats"`
	PnlByCategory []analytics.CategoryPnL  `json:"pnlByCategory"`
	ChartData     []analytics.DailyPoint   `json:"chartData"`
	RecentTrades  []*models.UserTrade      `json:"recentTrades"`
}

// OpenTradeRequest is the input of OpenTrade
type OpenTradeRequest struct {
	UserID        string
	Category      string
	EntryAmount   *decimal.Decimal
	OpportunityID *string
	Title         string
	Notes         string
}

// UpdateTradeRequest is the input of UpdateTrade. A trade is closed when an
// exit amount is given or status is closed, cancelled when status is
// cancelled, and otherwise only its notes change.
type UpdateTradeRequest struct {
	ExitAmount *decimal.Decimal
	Status     string
	Notes      *string
}

// PortfolioService owns user portfolios and their trade ledgers
type PortfolioService struct {
	store  PortfolioStore
	cache  *cache.Aggregates
	events EventPublisher
	logger *zap.Logger
	locks  *userLocks
	now    func() time.Time
}

// NewPortfolioService creates a PortfolioService. events may be nil.
func NewPortfolioService(store PortfolioStore, aggregates *cache.Aggregates, events EventPublisher, logger *zap.Logger) *PortfolioService {
	return &PortfolioService{
		store:  store,
		cache:  aggregates,
		events: events,
		logger: logger,
		locks:  newUserLocks(),
		now:    time.Now,
	}
}

// Get returns the user's portfolio with statistics recomputed from the
// trade ledger. Portfolio is nil when the user never ran setup.
func (s *PortfolioService) Get(ctx context.Context, userID string) (*PortfolioView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, models.NewValidationError("userId", "is required")
	}

	key := cache.PortfolioKey(userID)
	var cached PortfolioView
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}
	gen := s.cache.Generation(ctx)

	// Reading under the user lock keeps the stored balance and the ledger
	// from straddling an in-flight close.
	unlock := s.locks.Lock(userID)
	defer unlock()

	var (
		portfolio *models.UserPortfolio
		trades    []*models.UserTrade
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.store.GetPortfolio(gctx, userID)
		if err != nil && !models.IsNotFound(err) {
			return err
		}
		portfolio = p
		return nil
	})
	g.Go(func() error {
		t, err := s.store.ListAllUserTrades(gctx, userID)
		if err != nil {
			return err
		}
		trades = t
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	view := composePortfolioView(portfolio, trades)

	if drift := view.Stats.Drift(portfolio); !drift.IsZero() {
		telemetry.PortfolioDrift(drift.InexactFloat64())
		s.logger.Warn("portfolio balance drift",
			zap.String("user_id", userID),
			zap.String("stored", portfolio.CurrentBalance.String()),
			zap.String("recomputed", view.Stats.CurrentBalance.String()),
			zap.String("drift", drift.String()),
		)
	}

	s.cache.Put(ctx, key, gen, view)
	return view, nil
}

func composePortfolioView(portfolio *models.UserPortfolio, trades []*models.UserTrade) *PortfolioView {
	records := analytics.FromUserTrades(trades)

	recent := trades
	if len(recent) > recentTradesLimit {
		recent = recent[:recentTradesLimit]
	}
	if recent == nil {
		recent = []*models.UserTrade{}
	}

	return &PortfolioView{
		Portfolio:     portfolio,
		Stats:         analytics.ComposePortfolioStats(portfolio, trades),
		PnlByCategory: analytics.PnLByCategory(records),
		ChartData:     analytics.DailySeries(records),
		RecentTrades:  recent,
	}
}

// Setup creates the user's portfolio or changes its opening balance
func (s *PortfolioService) Setup(ctx context.Context, userID string, opening *decimal.Decimal) (*models.UserPortfolio, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, models.NewValidationError("userId", "is required")
	}
	if opening == nil {
		return nil, models.NewValidationError("openingBalance", "is required")
	}
	if opening.IsNegative() {
		return nil, models.NewValidationError("openingBalance", "must not be negative")
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	p, err := s.store.UpsertPortfolio(ctx, userID, *opening)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, cache.PortfolioKey(userID))
	s.publish(ctx, &models.TradeEvent{EventType: models.EventPortfolioSetup, UserID: userID, Portfolio: p})

	s.logger.Info("portfolio set up", zap.String("user_id", userID), zap.String("opening_balance", p.OpeningBalance.String()))
	return p, nil
}

// OpenTrade records a new open trade
func (s *PortfolioService) OpenTrade(ctx context.Context, req OpenTradeRequest) (*models.UserTrade, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, models.NewValidationError("userId", "is required")
	}
	if req.Category == "" {
		return nil, models.NewValidationError("category", "is required")
	}
	if !models.IsTradeCategory(req.Category) {
		return nil, models.NewValidationError("category", "must be one of arbitrage, stock, crypto, value_bet, other")
	}
	if req.EntryAmount == nil {
		return nil, models.NewValidationError("entryAmount", "is required")
	}
	if req.EntryAmount.IsNegative() {
		return nil, models.NewValidationError("entryAmount", "must not be negative")
	}

	trade := &models.UserTrade{
		UserID:        userID,
		OpportunityID: req.OpportunityID,
		Category:      req.Category,
		Title:         req.Title,
		Notes:         req.Notes,
		EntryAmount:   *req.EntryAmount,
		Status:        models.TradeStatusOpen,
		OpenedAt:      s.now().UTC(),
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	if err := s.store.CreateUserTrade(ctx, trade); err != nil {
		return nil, err
	}
	s.invalidateUser(ctx, userID)
	s.publish(ctx, &models.TradeEvent{EventType: models.EventTradeOpened, UserID: userID, Trade: trade})
	return trade, nil
}

// UpdateTrade closes, cancels or annotates a trade. Closing moves the stored
// balance by the trade's pnl in the same transaction.
func (s *PortfolioService) UpdateTrade(ctx context.Context, id string, req UpdateTradeRequest) (*models.UserTrade, error) {
	status := req.Status
	if status == "" && req.ExitAmount != nil {
		status = models.TradeStatusClosed
	}

	switch status {
	case models.TradeStatusClosed:
		if req.ExitAmount == nil {
			return nil, models.NewValidationError("exitAmount", "is required to close a trade")
		}
		if req.ExitAmount.IsNegative() {
			return nil, models.NewValidationError("exitAmount", "must not be negative")
		}
	case models.TradeStatusCancelled:
		if req.ExitAmount != nil {
			return nil, models.NewValidationError("exitAmount", "must be empty when cancelling")
		}
	case "":
		if req.Notes == nil {
			return nil, models.NewValidationError("status", "nothing to update")
		}
	default:
		return nil, models.NewValidationError("status", "must be closed or cancelled")
	}

	if _, err := uuid.Parse(id); err != nil {
		return nil, models.NotFound("trade", id)
	}
	existing, err := s.store.GetUserTrade(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(existing.UserID)
	defer unlock()

	var trade *models.UserTrade
	var eventType string
	at := s.now().UTC()
	switch status {
	case models.TradeStatusClosed:
		trade, err = s.store.CloseUserTrade(ctx, id, *req.ExitAmount, at, req.Notes)
		eventType = models.EventTradeClosed
	case models.TradeStatusCancelled:
		trade, err = s.store.CancelUserTrade(ctx, id, at, req.Notes)
		eventType = models.EventTradeCancelled
	default:
		trade, err = s.store.UpdateUserTradeNotes(ctx, id, *req.Notes)
	}
	if err != nil {
		return nil, err
	}

	s.invalidateUser(ctx, trade.UserID)
	if eventType != "" {
		s.publish(ctx, &models.TradeEvent{EventType: eventType, UserID: trade.UserID, Trade: trade})
		s.logger.Info("trade updated",
			zap.String("trade_id", trade.ID),
			zap.String("user_id", trade.UserID),
			zap.String("status", trade.Status),
			zap.String("pnl", trade.RealizedPnl().String()),
		)
	}
	return trade, nil
}

// DeleteTrade removes a trade, reversing its pnl on the stored balance when
// it was closed
func (s *PortfolioService) DeleteTrade(ctx context.Context, id string) (*models.UserTrade, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.NotFound("trade", id)
	}
	existing, err := s.store.GetUserTrade(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(existing.UserID)
	defer unlock()

	trade, err := s.store.DeleteUserTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	s.invalidateUser(ctx, trade.UserID)
	s.publish(ctx, &models.TradeEvent{EventType: models.EventTradeDeleted, UserID: trade.UserID, Trade: trade})
	return trade, nil
}

// Reconcile rewrites the user's stored balance from the trade ledger
func (s *PortfolioService) Reconcile(ctx context.Context, userID string) (*models.UserPortfolio, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, models.NewValidationError("userId", "is required")
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	p, err := s.store.ReconcilePortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, cache.PortfolioKey(userID))
	return p, nil
}

// ReconcileAll corrects every drifted balance and returns how many changed
func (s *PortfolioService) ReconcileAll(ctx context.Context) (int, error) {
	users, err := s.store.ReconcileAllPortfolios(ctx)
	if err != nil {
		return 0, err
	}
	if len(users) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(users))
	for _, u := range users {
		keys = append(keys, cache.PortfolioKey(u))
	}
	s.cache.Invalidate(ctx, keys...)
	s.logger.Warn("reconciled drifted portfolios", zap.Strings("user_ids", users))
	return len(users), nil
}

func (s *PortfolioService) invalidateUser(ctx context.Context, userID string) {
	s.cache.Invalidate(ctx, cache.PortfolioKey(userID), cache.DashboardKey)
}

// publish sends event without failing the caller. The write it describes
// has already committed.
func (s *PortfolioService) publish(ctx context.Context, event *models.TradeEvent) {
	if s.events == nil {
		return
	}
	event.Timestamp = s.now().UTC()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.PublishTradeEvent(ctx, event); err != nil {
		s.logger.Warn("failed to publish trade event",
			zap.String("event_type", event.EventType),
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
	}
}
