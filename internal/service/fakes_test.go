package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/trogers1052/opportunity-metrics/internal/cache"
	"github.com/trogers1052/opportunity-metrics/internal/database"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

func newTestCache() *cache.Aggregates {
	return cache.NewAggregates(cache.NewMemoryStore(), cache.BackendMemory, time.Minute, zap.NewNop())
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func storeDown(op string) error {
	return &models.StoreError{Op: op, Err: context.DeadlineExceeded}
}

// fakeDashboardStore serves fixed rows and per-section errors
type fakeDashboardStore struct {
	mu sync.Mutex

	opportunities []*models.Opportunity
	summary       *models.PositionSummary
	daily         []*models.DailyMetric
	closed        []*models.Position

	oppErr, posErr, dailyErr, closedErr error

	calls      int
	lastFilter database.Filter
	lastFrom   string
	lastTo     string
}

func (f *fakeDashboardStore) ListAllOpportunities(ctx context.Context, filter database.Filter) ([]*models.Opportunity, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastFilter = filter
	if f.oppErr != nil {
		return nil, 0, f.oppErr
	}
	return f.opportunities, len(f.opportunities), nil
}

func (f *fakeDashboardStore) SummarizePositions(ctx context.Context, filter database.Filter) (*models.PositionSummary, error) {
	if f.posErr != nil {
		return nil, f.posErr
	}
	if f.summary == nil {
		return &models.PositionSummary{}, nil
	}
	return f.summary, nil
}

func (f *fakeDashboardStore) ListDailyMetrics(ctx context.Context, fromDate, toDate string) ([]*models.DailyMetric, error) {
	f.mu.Lock()
	f.lastFrom, f.lastTo = fromDate, toDate
	f.mu.Unlock()
	if f.dailyErr != nil {
		return nil, f.dailyErr
	}
	return f.daily, nil
}

func (f *fakeDashboardStore) ListClosedPositions(ctx context.Context) ([]*models.Position, error) {
	if f.closedErr != nil {
		return nil, f.closedErr
	}
	return f.closed, nil
}

// fakeLedger is an in-memory PortfolioStore that keeps the stored balance
// incrementally, the way the database does
type fakeLedger struct {
	mu         sync.Mutex
	portfolios map[string]*models.UserPortfolio
	trades     map[string]*models.UserTrade
	seq        int
	err        error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		portfolios: make(map[string]*models.UserPortfolio),
		trades:     make(map[string]*models.UserTrade),
	}
}

func (f *fakeLedger) realized(userID string) decimal.Decimal {
	total := decimal.Zero
	for _, t := range f.trades {
		if t.UserID == userID && t.Status == models.TradeStatusClosed {
			total = total.Add(t.RealizedPnl())
		}
	}
	return total
}

func (f *fakeLedger) adjust(userID string, delta decimal.Decimal) {
	if p, ok := f.portfolios[userID]; ok {
		p.CurrentBalance = p.CurrentBalance.Add(delta)
	}
}

func copyTrade(t *models.UserTrade) *models.UserTrade {
	c := *t
	return &c
}

func (f *fakeLedger) GetPortfolio(ctx context.Context, userID string) (*models.UserPortfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.portfolios[userID]
	if !ok {
		return nil, models.NotFound("portfolio", userID)
	}
	c := *p
	return &c, nil
}

func (f *fakeLedger) UpsertPortfolio(ctx context.Context, userID string, opening decimal.Decimal) (*models.UserPortfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &models.UserPortfolio{
		UserID:         userID,
		OpeningBalance: opening,
		CurrentBalance: opening.Add(f.realized(userID)),
	}
	f.portfolios[userID] = p
	c := *p
	return &c, nil
}

func (f *fakeLedger) ReconcilePortfolio(ctx context.Context, userID string) (*models.UserPortfolio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.portfolios[userID]
	if !ok {
		return nil, models.NotFound("portfolio", userID)
	}
	p.CurrentBalance = p.OpeningBalance.Add(f.realized(userID))
	c := *p
	return &c, nil
}

func (f *fakeLedger) ReconcileAllPortfolios(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var users []string
	for id, p := range f.portfolios {
		want := p.OpeningBalance.Add(f.realized(id))
		if !want.Equal(p.CurrentBalance) {
			p.CurrentBalance = want
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (f *fakeLedger) ListAllUserTrades(ctx context.Context, userID string) ([]*models.UserTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.UserTrade
	for _, t := range f.trades {
		if t.UserID == userID {
			out = append(out, copyTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (f *fakeLedger) CreateUserTrade(ctx context.Context, t *models.UserTrade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	// Distinct opened_at keeps newest-first ordering stable.
	f.seq++
	t.OpenedAt = t.OpenedAt.Add(time.Duration(f.seq) * time.Millisecond)
	f.trades[t.ID] = copyTrade(t)
	return nil
}

func (f *fakeLedger) GetUserTrade(ctx context.Context, id string) (*models.UserTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trades[id]
	if !ok {
		return nil, models.NotFound("trade", id)
	}
	return copyTrade(t), nil
}

func (f *fakeLedger) mutateOpen(id string, fn func(t *models.UserTrade) decimal.Decimal) (*models.UserTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trades[id]
	if !ok {
		return nil, models.NotFound("trade", id)
	}
	if !t.IsOpen() {
		return nil, models.NewValidationError("status", "trade is already "+t.Status)
	}
	f.adjust(t.UserID, fn(t))
	return copyTrade(t), nil
}

func (f *fakeLedger) CloseUserTrade(ctx context.Context, id string, exit decimal.Decimal, at time.Time, notes *string) (*models.UserTrade, error) {
	return f.mutateOpen(id, func(t *models.UserTrade) decimal.Decimal {
		t.Close(exit, at)
		if notes != nil {
			t.Notes = *notes
		}
		return t.RealizedPnl()
	})
}

func (f *fakeLedger) CancelUserTrade(ctx context.Context, id string, at time.Time, notes *string) (*models.UserTrade, error) {
	return f.mutateOpen(id, func(t *models.UserTrade) decimal.Decimal {
		t.Cancel(at)
		return decimal.Zero
	})
}

func (f *fakeLedger) UpdateUserTradeNotes(ctx context.Context, id, notes string) (*models.UserTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trades[id]
	if !ok {
		return nil, models.NotFound("trade", id)
	}
	t.Notes = notes
	return copyTrade(t), nil
}

func (f *fakeLedger) DeleteUserTrade(ctx context.Context, id string) (*models.UserTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trades[id]
	if !ok {
		return nil, models.NotFound("trade", id)
	}
	delete(f.trades, id)
	if t.Status == models.TradeStatusClosed {
		f.adjust(t.UserID, t.RealizedPnl().Neg())
	}
	return t, nil
}

// fakePublisher records published events
type fakePublisher struct {
	mu     sync.Mutex
	events []*models.TradeEvent
	err    error
}

func (p *fakePublisher) PublishTradeEvent(ctx context.Context, event *models.TradeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}
