package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

const userTradeSelectColumns = `id, user_id, opportunity_id, category, title, notes,
	entry_amount, exit_amount, pnl, pnl_percent, status, opened_at, closed_at`

var userTradeWindow = window{
	op:      "list user trades",
	table:   "user_trades",
	columns: userTradeSelectColumns,
	order:   "opened_at DESC, id",
	cols:    userTradeColumns,
}

// CreateUserTrade inserts a new open trade, assigning an ID when missing
func (db *DB) CreateUserTrade(ctx context.Context, t *models.UserTrade) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.TradeStatusOpen
	}
	if t.OpenedAt.IsZero() {
		t.OpenedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO user_trades (
			id, user_id, opportunity_id, category, title, notes,
			entry_amount, exit_amount, pnl, pnl_percent, status, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := db.conn.ExecContext(ctx, query,
		t.ID, t.UserID, t.OpportunityID, t.Category, nullString(t.Title), nullString(t.Notes),
		t.EntryAmount, t.ExitAmount, t.Pnl, t.PnlPercent, t.Status, t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return storeErr("create user trade", err)
	}
	return nil
}

// GetUserTrade retrieves a trade by ID
func (db *DB) GetUserTrade(ctx context.Context, id string) (*models.UserTrade, error) {
	if err := checkTradeID(id); err != nil {
		return nil, err
	}
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + userTradeSelectColumns + ` FROM user_trades WHERE id = $1`
	t, err := scanUserTrade(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.NotFound("trade", id)
	}
	if err != nil {
		return nil, storeErr("get user trade", err)
	}
	return t, nil
}

// ListUserTrades returns one page of trades and the exact number of matches
func (db *DB) ListUserTrades(ctx context.Context, f Filter, p Page) ([]*models.UserTrade, int, error) {
	p = p.Normalize()
	var trades []*models.UserTrade
	total, err := db.fetchWindow(ctx, userTradeWindow, f, &p, func(rows *sql.Rows) error {
		for rows.Next() {
			t, err := scanUserTrade(rows)
			if err != nil {
				return err
			}
			trades = append(trades, t)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return trades, total, nil
}

// ListAllUserTrades returns every trade for a user, newest first
func (db *DB) ListAllUserTrades(ctx context.Context, userID string) ([]*models.UserTrade, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + userTradeSelectColumns + ` FROM user_trades WHERE user_id = $1 ORDER BY opened_at DESC, id`
	rows, err := db.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, storeErr("list user trades", err)
	}
	defer rows.Close()

	var trades []*models.UserTrade
	for rows.Next() {
		t, err := scanUserTrade(rows)
		if err != nil {
			return nil, storeErr("scan user trade", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list user trades", err)
	}
	return trades, nil
}

// CloseUserTrade closes an open trade at exit and applies its pnl to the
// owner's stored balance in the same transaction.
func (db *DB) CloseUserTrade(ctx context.Context, id string, exit decimal.Decimal, at time.Time, notes *string) (*models.UserTrade, error) {
	return db.mutateOpenTrade(ctx, "close user trade", id, func(t *models.UserTrade) decimal.Decimal {
		t.Close(exit, at.UTC())
		if notes != nil {
			t.Notes = *notes
		}
		return t.RealizedPnl()
	})
}

// CancelUserTrade cancels an open trade. The balance is unchanged.
func (db *DB) CancelUserTrade(ctx context.Context, id string, at time.Time, notes *string) (*models.UserTrade, error) {
	return db.mutateOpenTrade(ctx, "cancel user trade", id, func(t *models.UserTrade) decimal.Decimal {
		t.Cancel(at.UTC())
		if notes != nil {
			t.Notes = *notes
		}
		return decimal.Zero
	})
}

// mutateOpenTrade locks an open trade, applies fn, persists the result and
// moves the owner's balance by the delta fn returns.
func (db *DB) mutateOpenTrade(ctx context.Context, op, id string, fn func(t *models.UserTrade) decimal.Decimal) (*models.UserTrade, error) {
	if err := checkTradeID(id); err != nil {
		return nil, err
	}
	var trade *models.UserTrade
	err := db.withTx(ctx, op, nil, func(ctx context.Context, tx *sql.Tx) error {
		t, err := lockUserTrade(ctx, tx, id)
		if err != nil {
			return err
		}
		if !t.IsOpen() {
			return models.NewValidationError("status", fmt.Sprintf("trade is already %s", t.Status))
		}

		delta := fn(t)
		if err := saveUserTrade(ctx, tx, t); err != nil {
			return err
		}
		if err := adjustBalance(ctx, tx, t.UserID, delta); err != nil {
			return err
		}
		trade = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// UpdateUserTradeNotes replaces a trade's notes without touching its status
func (db *DB) UpdateUserTradeNotes(ctx context.Context, id, notes string) (*models.UserTrade, error) {
	if err := checkTradeID(id); err != nil {
		return nil, err
	}
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `UPDATE user_trades SET notes = $2 WHERE id = $1 RETURNING ` + userTradeSelectColumns
	t, err := scanUserTrade(db.conn.QueryRowContext(ctx, query, id, nullString(notes)))
	if err == sql.ErrNoRows {
		return nil, models.NotFound("trade", id)
	}
	if err != nil {
		return nil, storeErr("update user trade notes", err)
	}
	return t, nil
}

// DeleteUserTrade removes a trade. Deleting a closed trade reverses its pnl
// on the owner's stored balance.
func (db *DB) DeleteUserTrade(ctx context.Context, id string) (*models.UserTrade, error) {
	if err := checkTradeID(id); err != nil {
		return nil, err
	}
	var trade *models.UserTrade
	err := db.withTx(ctx, "delete user trade", nil, func(ctx context.Context, tx *sql.Tx) error {
		t, err := lockUserTrade(ctx, tx, id)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM user_trades WHERE id = $1`, id); err != nil {
			return storeErr("delete user trade", err)
		}

		if t.Status == models.TradeStatusClosed {
			if err := adjustBalance(ctx, tx, t.UserID, t.RealizedPnl().Neg()); err != nil {
				return err
			}
		}
		trade = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// checkTradeID reports a non-UUID id as a missing trade instead of letting
// the uuid cast fail in Postgres.
func checkTradeID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return models.NotFound("trade", id)
	}
	return nil
}

func lockUserTrade(ctx context.Context, tx *sql.Tx, id string) (*models.UserTrade, error) {
	query := `SELECT ` + userTradeSelectColumns + ` FROM user_trades WHERE id = $1 FOR UPDATE`
	t, err := scanUserTrade(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.NotFound("trade", id)
	}
	if err != nil {
		return nil, storeErr("lock user trade", err)
	}
	return t, nil
}

func saveUserTrade(ctx context.Context, tx *sql.Tx, t *models.UserTrade) error {
	query := `
		UPDATE user_trades SET
			notes = $2, exit_amount = $3, pnl = $4, pnl_percent = $5, status = $6, closed_at = $7
		WHERE id = $1
	`
	_, err := tx.ExecContext(ctx, query,
		t.ID, nullString(t.Notes), t.ExitAmount, t.Pnl, t.PnlPercent, t.Status, t.ClosedAt,
	)
	if err != nil {
		return storeErr("update user trade", err)
	}
	return nil
}

// adjustBalance moves the stored balance by delta with a single-row update.
// Users without a portfolio row have nothing to adjust.
func adjustBalance(ctx context.Context, tx *sql.Tx, userID string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE user_portfolios SET current_balance = current_balance + $2, updated_at = $3 WHERE user_id = $1`,
		userID, delta, time.Now().UTC(),
	)
	if err != nil {
		return storeErr("adjust portfolio balance", err)
	}
	return nil
}

func scanUserTrade(row rowScanner) (*models.UserTrade, error) {
	var t models.UserTrade
	var opportunityID, title, notes sql.NullString
	var exitAmount, pnl, pnlPercent decimal.NullDecimal
	var closedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.UserID, &opportunityID, &t.Category, &title, &notes,
		&t.EntryAmount, &exitAmount, &pnl, &pnlPercent, &t.Status, &t.OpenedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}

	if opportunityID.Valid {
		t.OpportunityID = &opportunityID.String
	}
	if title.Valid {
		t.Title = title.String
	}
	if notes.Valid {
		t.Notes = notes.String
	}
	if exitAmount.Valid {
		t.ExitAmount = &exitAmount.Decimal
	}
	if pnl.Valid {
		t.Pnl = &pnl.Decimal
	}
	if pnlPercent.Valid {
		t.PnlPercent = &pnlPercent.Decimal
	}
	if closedAt.Valid {
		t.ClosedAt = &closedAt.Time
	}
	return &t, nil
}
