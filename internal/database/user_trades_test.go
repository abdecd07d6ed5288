package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

func openTrade(t *testing.T, db *TestDB, userID, entry string) *models.UserTrade {
	t.Helper()
	trade := &models.UserTrade{
		UserID:      userID,
		Category:    models.CategoryStock,
		Title:       "AAPL swing",
		EntryAmount: decimal.RequireFromString(entry),
	}
	require.NoError(t, db.CreateUserTrade(context.Background(), trade))
	return trade
}

func TestUserTradesRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Cleanup(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("CreateUserTrade assigns an ID and opens the trade", func(t *testing.T) {
		testDB.TruncateAll(t)

		trade := openTrade(t, testDB, "u1", "100")
		assert.NotEmpty(t, trade.ID)

		got, err := testDB.GetUserTrade(ctx, trade.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TradeStatusOpen, got.Status)
		assert.Nil(t, got.Pnl)
		assert.Equal(t, "AAPL swing", got.Title)
	})

	t.Run("GetUserTrade returns not found", func(t *testing.T) {
		testDB.TruncateAll(t)

		_, err := testDB.GetUserTrade(ctx, "00000000-0000-0000-0000-000000000000")
		assert.True(t, models.IsNotFound(err))
	})

	t.Run("CloseUserTrade applies pnl to the stored balance", func(t *testing.T) {
		testDB.TruncateAll(t)

		_, err := testDB.UpsertPortfolio(ctx, "u1", decimal.NewFromInt(1000))
		require.NoError(t, err)
		trade := openTrade(t, testDB, "u1", "100")

		closed, err := testDB.CloseUserTrade(ctx, trade.ID, decimal.NewFromInt(130), now, strPtr("took profit"))
		require.NoError(t, err)
		assert.Equal(t, models.TradeStatusClosed, closed.Status)
		assert.True(t, decimal.NewFromInt(30).Equal(*closed.Pnl))
		assert.True(t, decimal.NewFromInt(30).Equal(*closed.PnlPercent))
		assert.Equal(t, "took profit", closed.Notes)

		p, err := testDB.GetPortfolio(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(1030).Equal(p.CurrentBalance))

		_, err = testDB.CloseUserTrade(ctx, trade.ID, decimal.NewFromInt(150), now, nil)
		ve, ok := models.AsValidation(err)
		require.True(t, ok)
		assert.Equal(t, "status", ve.Field)
	})

	t.Run("CancelUserTrade leaves the balance unchanged", func(t *testing.T) {
		testDB.TruncateAll(t)

		_, err := testDB.UpsertPortfolio(ctx, "u1", decimal.NewFromInt(500))
		require.NoError(t, err)
		trade := openTrade(t, testDB, "u1", "100")

		cancelled, err := testDB.CancelUserTrade(ctx, trade.ID, now, nil)
		require.NoError(t, err)
		assert.Equal(t, models.TradeStatusCancelled, cancelled.Status)
		assert.Nil(t, cancelled.Pnl)

		p, err := testDB.GetPortfolio(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(500).Equal(p.CurrentBalance))
	})

	t.Run("closing then deleting a trade restores the balance", func(t *testing.T) {
		testDB.TruncateAll(t)

		_, err := testDB.UpsertPortfolio(ctx, "u1", decimal.NewFromInt(1000))
		require.NoError(t, err)
		trade := openTrade(t, testDB, "u1", "200")

		_, err = testDB.CloseUserTrade(ctx, trade.ID, decimal.NewFromInt(150), now, nil)
		require.NoError(t, err)
		p, err := testDB.GetPortfolio(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(950).Equal(p.CurrentBalance))

		deleted, err := testDB.DeleteUserTrade(ctx, trade.ID)
		require.NoError(t, err)
		assert.Equal(t, trade.ID, deleted.ID)

		p, err = testDB.GetPortfolio(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(1000).Equal(p.CurrentBalance))

		_, err = testDB.DeleteUserTrade(ctx, trade.ID)
		assert.True(t, models.IsNotFound(err))
	})

	t.Run("stored balance matches opening plus realized pnl under concurrent closes", func(t *testing.T) {
		testDB.TruncateAll(t)

		_, err := testDB.UpsertPortfolio(ctx, "u1", decimal.NewFromInt(10000))
		require.NoError(t, err)

		var trades []*models.UserTrade
		for i := 0; i < 20; i++ {
			trades = append(trades, openTrade(t, testDB, "u1", "100"))
		}

		var wg sync.WaitGroup
		for i, trade := range trades {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				exit := decimal.NewFromInt(int64(90 + i))
				_, err := testDB.CloseUserTrade(ctx, id, exit, now, nil)
				assert.NoError(t, err)
			}(i, trade.ID)
		}
		wg.Wait()

		all, err := testDB.ListAllUserTrades(ctx, "u1")
		require.NoError(t, err)
		realized := decimal.Zero
		for _, tr := range all {
			realized = realized.Add(tr.RealizedPnl())
		}

		p, err := testDB.GetPortfolio(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, p.OpeningBalance.Add(realized).Equal(p.CurrentBalance),
			"balance %s should equal opening %s plus realized %s", p.CurrentBalance, p.OpeningBalance, realized)
	})

	t.Run("UpdateUserTradeNotes keeps the status", func(t *testing.T) {
		testDB.TruncateAll(t)

		trade := openTrade(t, testDB, "u1", "10")
		updated, err := testDB.UpdateUserTradeNotes(ctx, trade.ID, "watching")
		require.NoError(t, err)
		assert.Equal(t, "watching", updated.Notes)
		assert.Equal(t, models.TradeStatusOpen, updated.Status)
	})

	t.Run("ListUserTrades filters by user and status", func(t *testing.T) {
		testDB.TruncateAll(t)

		for i := 0; i < 3; i++ {
			openTrade(t, testDB, "u1", "10")
		}
		openTrade(t, testDB, "u2", "10")

		trades, total, err := testDB.ListUserTrades(ctx, Filter{UserID: "u1", Status: models.TradeStatusOpen}, Page{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, trades, 2)
		for _, tr := range trades {
			assert.Equal(t, "u1", tr.UserID)
		}
	})
}

func TestPortfoliosRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Cleanup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("GetPortfolio returns not found", func(t *testing.T) {
		testDB.TruncateAll(t)

		_, err := testDB.GetPortfolio(ctx, "nobody")
		assert.True(t, models.IsNotFound(err))
	})

	t.Run("UpsertPortfolio rejects a negative opening balance", func(t *testing.T) {
		testDB.TruncateAll(t)

		_, err := testDB.UpsertPortfolio(ctx, "u1", decimal.NewFromInt(-1))
		ve, ok := models.AsValidation(err)
		require.True(t, ok)
		assert.Equal(t, "openingBalance", ve.Field)
	})

	t.Run("UpsertPortfolio rebases onto realized pnl", func(t *testing.T) {
		testDB.TruncateAll(t)

		trade := openTrade(t, testDB, "u1", "100")
		_, err := testDB.CloseUserTrade(ctx, trade.ID, decimal.NewFromInt(125), now, nil)
		require.NoError(t, err)

		p, err := testDB.UpsertPortfolio(ctx, "u1", decimal.NewFromInt(1000))
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(1000).Equal(p.OpeningBalance))
		assert.True(t, decimal.NewFromInt(1025).Equal(p.CurrentBalance))

		p, err = testDB.UpsertPortfolio(ctx, "u1", decimal.NewFromInt(2000))
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(2025).Equal(p.CurrentBalance))
	})

	t.Run("ReconcileAllPortfolios corrects drifted balances", func(t *testing.T) {
		testDB.TruncateAll(t)

		_, err := testDB.UpsertPortfolio(ctx, "u1", decimal.NewFromInt(1000))
		require.NoError(t, err)
		_, err = testDB.UpsertPortfolio(ctx, "u2", decimal.NewFromInt(500))
		require.NoError(t, err)
		_, err = testDB.GetRawConn().Exec(`UPDATE user_portfolios SET current_balance = 1 WHERE user_id = 'u1'`)
		require.NoError(t, err)

		users, err := testDB.ReconcileAllPortfolios(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"u1"}, users)

		p, err := testDB.GetPortfolio(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(1000).Equal(p.CurrentBalance))
	})

	t.Run("ReconcileAllPortfolios keeps a close that commits while it waits", func(t *testing.T) {
		testDB.TruncateAll(t)

		_, err := testDB.UpsertPortfolio(ctx, "u1", decimal.NewFromInt(1000))
		require.NoError(t, err)
		trade := openTrade(t, testDB, "u1", "100")

		// Close the trade the way CloseUserTrade does, but hold the commit.
		tx, err := testDB.GetRawConn().BeginTx(ctx, nil)
		require.NoError(t, err)
		_, err = tx.Exec(`UPDATE user_trades SET status = 'closed', exit_amount = 130, pnl = 30, closed_at = NOW() WHERE id = $1`, trade.ID)
		require.NoError(t, err)
		_, err = tx.Exec(`UPDATE user_portfolios SET current_balance = current_balance + 30 WHERE user_id = 'u1'`)
		require.NoError(t, err)

		type result struct {
			users []string
			err   error
		}
		done := make(chan result, 1)
		go func() {
			users, err := testDB.ReconcileAllPortfolios(ctx)
			done <- result{users, err}
		}()

		time.Sleep(200 * time.Millisecond)
		require.NoError(t, tx.Commit())

		res := <-done
		require.NoError(t, res.err)
		assert.Empty(t, res.users)

		p, err := testDB.GetPortfolio(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(1030).Equal(p.CurrentBalance), "balance %s", p.CurrentBalance)
	})

	t.Run("ReconcilePortfolio returns not found for unknown user", func(t *testing.T) {
		testDB.TruncateAll(t)

		_, err := testDB.ReconcilePortfolio(ctx, "nobody")
		assert.True(t, models.IsNotFound(err))
	})
}
