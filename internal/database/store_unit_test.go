package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

var userTradeRowColumns = []string{
	"id", "user_id", "opportunity_id", "category", "title", "notes",
	"entry_amount", "exit_amount", "pnl", "pnl_percent", "status", "opened_at", "closed_at",
}

const (
	tradeID        = "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d"
	missingTradeID = "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
)

var positionRowColumns = []string{
	"id", "opportunity_id", "asset_class", "stake_amount", "entry_price", "status", "pnl", "opened_at", "closed_at",
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return &DB{conn: sqlDB, queryTimeout: time.Second}, mock
}

func TestCloseUserTrade_UpdatesTradeAndBalanceInOneTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	openedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	closedAt := openedAt.Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM user_trades WHERE id = \\$1 FOR UPDATE").
		WithArgs(tradeID).
		WillReturnRows(sqlmock.NewRows(userTradeRowColumns).
			AddRow(tradeID, "u1", nil, "stock", "AAPL", nil, "100", nil, nil, nil, "open", openedAt, nil))
	mock.ExpectExec("UPDATE user_trades SET").
		WithArgs(tradeID, sqlmock.AnyArg(), decimal.NewFromInt(130), decimal.NewFromInt(30), decimal.NewFromInt(30), "closed", closedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE user_portfolios SET current_balance = current_balance \\+ \\$2").
		WithArgs("u1", decimal.NewFromInt(30), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	trade, err := db.CloseUserTrade(context.Background(), tradeID, decimal.NewFromInt(130), closedAt, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusClosed, trade.Status)
	assert.True(t, decimal.NewFromInt(30).Equal(*trade.Pnl))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelUserTrade_DoesNotTouchBalance(t *testing.T) {
	db, mock := newMockDB(t)
	openedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(userTradeRowColumns).
			AddRow(tradeID, "u1", nil, "stock", nil, nil, "100", nil, nil, nil, "open", openedAt, nil))
	mock.ExpectExec("UPDATE user_trades SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	trade, err := db.CancelUserTrade(context.Background(), tradeID, openedAt.Add(time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusCancelled, trade.Status)
	assert.Nil(t, trade.Pnl)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseUserTrade_RejectsTradeThatIsNotOpen(t *testing.T) {
	db, mock := newMockDB(t)
	openedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(userTradeRowColumns).
			AddRow(tradeID, "u1", nil, "stock", nil, nil, "100", "90", "-10", "-10", "closed", openedAt, openedAt))
	mock.ExpectRollback()

	_, err := db.CloseUserTrade(context.Background(), tradeID, decimal.NewFromInt(130), openedAt, nil)
	ve, ok := models.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, "status", ve.Field)
	assert.Contains(t, ve.Message, "already closed")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUserTrade_ReversesRealizedPnl(t *testing.T) {
	db, mock := newMockDB(t)
	openedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(userTradeRowColumns).
			AddRow(tradeID, "u1", nil, "stock", nil, nil, "100", "130", "30", "30", "closed", openedAt, openedAt))
	mock.ExpectExec("DELETE FROM user_trades WHERE id = \\$1").
		WithArgs(tradeID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE user_portfolios").
		WithArgs("u1", decimal.NewFromInt(-30), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	trade, err := db.DeleteUserTrade(context.Background(), tradeID)
	require.NoError(t, err)
	assert.Equal(t, tradeID, trade.ID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUserTrade_OpenTradeLeavesBalance(t *testing.T) {
	db, mock := newMockDB(t)
	openedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(userTradeRowColumns).
			AddRow(tradeID, "u1", nil, "stock", nil, nil, "100", nil, nil, nil, "open", openedAt, nil))
	mock.ExpectExec("DELETE FROM user_trades").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := db.DeleteUserTrade(context.Background(), tradeID)
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMutateTrade_MissingTradeIsNotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(sqlmock.NewRows(userTradeRowColumns))
	mock.ExpectRollback()

	_, err := db.CloseUserTrade(context.Background(), missingTradeID, decimal.NewFromInt(1), time.Now(), nil)
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
	assert.False(t, models.IsStoreUnavailable(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserTrades_MalformedIDIsNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()

	_, err := db.GetUserTrade(ctx, "not-a-uuid")
	assert.True(t, models.IsNotFound(err))
	assert.False(t, models.IsStoreUnavailable(err))

	_, err = db.CloseUserTrade(ctx, "abc", decimal.NewFromInt(1), time.Now(), nil)
	assert.True(t, models.IsNotFound(err))

	_, err = db.CancelUserTrade(ctx, "abc", time.Now(), nil)
	assert.True(t, models.IsNotFound(err))

	_, err = db.UpdateUserTradeNotes(ctx, "abc", "note")
	assert.True(t, models.IsNotFound(err))

	_, err = db.DeleteUserTrade(ctx, "abc")
	assert.True(t, models.IsNotFound(err))

	// None of them reached the database.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileAllPortfolios_LocksBeforeRecomputing(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("FROM user_portfolios ORDER BY user_id FOR UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery("UPDATE user_portfolios p SET").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u2"))
	mock.ExpectCommit()

	users, err := db.ReconcileAllPortfolios(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, users)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcilePortfolio_UnknownUserRollsBack(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectRollback()

	_, err := db.ReconcilePortfolio(context.Background(), "nobody")
	assert.True(t, models.IsNotFound(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_BeginFailureIsStoreUnavailable(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin().WillReturnError(errors.New("begin failed"))

	_, err := db.DeleteUserTrade(context.Background(), tradeID)
	require.Error(t, err)
	assert.True(t, models.IsStoreUnavailable(err))
	assert.Contains(t, err.Error(), "failed to begin transaction")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_CommitFailureIsStoreUnavailable(t *testing.T) {
	db, mock := newMockDB(t)
	openedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(userTradeRowColumns).
			AddRow(tradeID, "u1", nil, "stock", nil, nil, "100", nil, nil, nil, "open", openedAt, nil))
	mock.ExpectExec("DELETE FROM user_trades").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("commit failed"))

	_, err := db.DeleteUserTrade(context.Background(), tradeID)
	require.Error(t, err)
	assert.True(t, models.IsStoreUnavailable(err))
	assert.Contains(t, err.Error(), "failed to commit transaction")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_StatementFailureRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	openedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(userTradeRowColumns).
			AddRow(tradeID, "u1", nil, "stock", nil, nil, "100", nil, nil, nil, "open", openedAt, nil))
	mock.ExpectExec("UPDATE user_trades SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE user_portfolios").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := db.CloseUserTrade(context.Background(), tradeID, decimal.NewFromInt(150), openedAt, nil)
	require.Error(t, err)
	assert.True(t, models.IsStoreUnavailable(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryTimeout_IsStoreUnavailable(t *testing.T) {
	db, mock := newMockDB(t)
	db.queryTimeout = 10 * time.Millisecond

	mock.ExpectQuery("FROM user_portfolios").
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	_, err := db.GetPortfolio(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, models.IsStoreUnavailable(err))
}

func TestListPositions_CountsAndPagesInOneSnapshot(t *testing.T) {
	db, mock := newMockDB(t)
	openedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM positions WHERE status = \\$1 AND asset_class = \\$2").
		WithArgs("open", "stock").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("FROM positions WHERE status = \\$1 AND asset_class = \\$2 ORDER BY opened_at DESC, id DESC LIMIT \\$3 OFFSET \\$4").
		WithArgs("open", "stock", 2, 0).
		WillReturnRows(sqlmock.NewRows(positionRowColumns).
			AddRow(3, nil, "stock", "100", "10", "open", nil, openedAt, nil).
			AddRow(2, "opp-2", "stock", "50", "5", "open", nil, openedAt, nil))
	mock.ExpectCommit()

	positions, total, err := db.ListPositions(context.Background(),
		Filter{Status: "open", AssetClass: "stock"}, Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, positions, 2)
	assert.Nil(t, positions[0].OpportunityID)
	assert.Equal(t, "opp-2", *positions[1].OpportunityID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPositions_EmptyCountSkipsPageQuery(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM positions").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectCommit()

	positions, total, err := db.ListPositions(context.Background(), Filter{}, Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, positions)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAllOpportunities_ReadsWithoutLimit(t *testing.T) {
	db, mock := newMockDB(t)
	createdAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	columns := []string{"id", "category", "status", "title", "confidence_score", "expected_value", "margin", "data", "created_at", "expires_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM opportunities WHERE status = \\$1").
		WithArgs("open").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("FROM opportunities WHERE status = \\$1 ORDER BY created_at DESC, id$").
		WithArgs("open").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("a", "arbitrage", "open", "A", 80, nil, "2.5", []byte(`{"book":"x"}`), createdAt, nil).
			AddRow("b", "crypto", "open", nil, 60, "1.1", nil, nil, createdAt, nil))
	mock.ExpectCommit()

	opps, total, err := db.ListAllOpportunities(context.Background(), Filter{Status: "open"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, opps, 2)
	assert.True(t, decimal.RequireFromString("2.5").Equal(opps[0].EffectiveMargin()))
	assert.True(t, decimal.RequireFromString("1.1").Equal(opps[1].EffectiveMargin()))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPortfolio_QueryFailureIsStoreUnavailable(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM user_portfolios WHERE user_id = \\$1").
		WithArgs("u1").
		WillReturnError(errors.New("dial tcp: connection refused"))

	_, err := db.GetPortfolio(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, models.IsStoreUnavailable(err))
	assert.Contains(t, err.Error(), "failed to get portfolio")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildWhere(t *testing.T) {
	t.Run("empty filter renders nothing", func(t *testing.T) {
		where, args := buildWhere(Filter{}, userTradeColumns)
		assert.Empty(t, where)
		assert.Empty(t, args)
	})

	t.Run("unsupported filters are ignored", func(t *testing.T) {
		where, args := buildWhere(Filter{UserID: "u1", AssetClass: "stock"}, opportunityColumns)
		assert.Empty(t, where)
		assert.Empty(t, args)
	})

	t.Run("placeholders are numbered in order", func(t *testing.T) {
		from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		to := from.Add(24 * time.Hour)
		where, args := buildWhere(Filter{Status: "closed", UserID: "u1", DateFrom: &from, DateTo: &to}, userTradeColumns)
		assert.Equal(t, " WHERE status = $1 AND user_id = $2 AND opened_at >= $3 AND opened_at <= $4", where)
		assert.Equal(t, []interface{}{"closed", "u1", from, to}, args)
	})
}

func TestPageNormalize(t *testing.T) {
	assert.Equal(t, Page{Limit: DefaultPageLimit}, Page{}.Normalize())
	assert.Equal(t, Page{Limit: MaxPageLimit, Offset: 10}, Page{Limit: 10000, Offset: 10}.Normalize())
	assert.Equal(t, Page{Limit: 5}, Page{Limit: 5, Offset: -3}.Normalize())
}

func TestStoreErr(t *testing.T) {
	assert.NoError(t, storeErr("op", nil))

	nf := models.NotFound("trade", tradeID)
	assert.Same(t, nf, storeErr("op", nf))

	ve := models.NewValidationError("f", "bad")
	assert.Equal(t, error(ve), storeErr("op", ve))

	wrapped := storeErr("list things", errors.New("boom"))
	assert.True(t, models.IsStoreUnavailable(wrapped))
	assert.Equal(t, "failed to list things: boom", wrapped.Error())
}
