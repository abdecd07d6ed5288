package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

const portfolioSelectColumns = `user_id, opening_balance, current_balance, created_at, updated_at`

// closedPnlSum is the realized pnl of every closed trade for user $1
const closedPnlSum = `(SELECT COALESCE(SUM(pnl), 0) FROM user_trades WHERE user_id = $1 AND status = 'closed')`

// GetPortfolio retrieves a user's portfolio
func (db *DB) GetPortfolio(ctx context.Context, userID string) (*models.UserPortfolio, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + portfolioSelectColumns + ` FROM user_portfolios WHERE user_id = $1`
	p, err := scanPortfolio(db.conn.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, models.NotFound("portfolio", userID)
	}
	if err != nil {
		return nil, storeErr("get portfolio", err)
	}
	return p, nil
}

// UpsertPortfolio creates or updates a user's opening balance. The stored
// balance is rebased onto the new opening balance plus realized pnl.
func (db *DB) UpsertPortfolio(ctx context.Context, userID string, opening decimal.Decimal) (*models.UserPortfolio, error) {
	if opening.IsNegative() {
		return nil, models.NewValidationError("openingBalance", "must not be negative")
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO user_portfolios (user_id, opening_balance, current_balance, created_at, updated_at)
		VALUES ($1, $2::numeric, $2::numeric + ` + closedPnlSum + `, $3, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			opening_balance = EXCLUDED.opening_balance,
			current_balance = EXCLUDED.current_balance,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + portfolioSelectColumns
	p, err := scanPortfolio(db.conn.QueryRowContext(ctx, query, userID, opening, time.Now().UTC()))
	if err != nil {
		return nil, storeErr("upsert portfolio", err)
	}
	return p, nil
}

// ReconcilePortfolio rewrites the stored balance from the trade ledger
func (db *DB) ReconcilePortfolio(ctx context.Context, userID string) (*models.UserPortfolio, error) {
	var p *models.UserPortfolio
	err := db.withTx(ctx, "reconcile portfolio", nil, func(ctx context.Context, tx *sql.Tx) error {
		// The row lock waits out any in-flight balance update, so the sum
		// below is read from a snapshot that includes it.
		var locked string
		err := tx.QueryRowContext(ctx, `SELECT user_id FROM user_portfolios WHERE user_id = $1 FOR UPDATE`, userID).Scan(&locked)
		if err == sql.ErrNoRows {
			return models.NotFound("portfolio", userID)
		}
		if err != nil {
			return storeErr("lock portfolio", err)
		}

		query := `
			UPDATE user_portfolios SET
				current_balance = opening_balance + ` + closedPnlSum + `,
				updated_at = $2
			WHERE user_id = $1
			RETURNING ` + portfolioSelectColumns
		p, err = scanPortfolio(tx.QueryRowContext(ctx, query, userID, time.Now().UTC()))
		if err != nil {
			return storeErr("reconcile portfolio", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ReconcileAllPortfolios corrects every stored balance that drifted from the
// ledger. Returns the users whose balance was corrected.
func (db *DB) ReconcileAllPortfolios(ctx context.Context) ([]string, error) {
	var users []string
	err := db.withTx(ctx, "reconcile portfolios", nil, func(ctx context.Context, tx *sql.Tx) error {
		// Lock every portfolio before summing so the recompute cannot
		// overwrite a close that committed while it waited.
		if _, err := tx.ExecContext(ctx, `SELECT user_id FROM user_portfolios ORDER BY user_id FOR UPDATE`); err != nil {
			return storeErr("lock portfolios", err)
		}

		query := `
			UPDATE user_portfolios p SET
				current_balance = p.opening_balance + COALESCE(t.realized, 0),
				updated_at = $1
			FROM (
				SELECT up.user_id, SUM(ut.pnl) FILTER (WHERE ut.status = 'closed') AS realized
				FROM user_portfolios up
				LEFT JOIN user_trades ut ON ut.user_id = up.user_id
				GROUP BY up.user_id
			) t
			WHERE t.user_id = p.user_id
			  AND p.current_balance <> p.opening_balance + COALESCE(t.realized, 0)
			RETURNING p.user_id
		`
		rows, err := tx.QueryContext(ctx, query, time.Now().UTC())
		if err != nil {
			return storeErr("reconcile portfolios", err)
		}
		defer rows.Close()

		for rows.Next() {
			var userID string
			if err := rows.Scan(&userID); err != nil {
				return storeErr("reconcile portfolios", err)
			}
			users = append(users, userID)
		}
		if err := rows.Err(); err != nil {
			return storeErr("reconcile portfolios", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func scanPortfolio(row rowScanner) (*models.UserPortfolio, error) {
	var p models.UserPortfolio
	err := row.Scan(&p.UserID, &p.OpeningBalance, &p.CurrentBalance, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
