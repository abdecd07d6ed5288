package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

const positionSelectColumns = `id, opportunity_id, asset_class, stake_amount, entry_price, status, pnl, opened_at, closed_at`

var positionWindow = window{
	op:      "list positions",
	table:   "positions",
	columns: positionSelectColumns,
	order:   "opened_at DESC, id DESC",
	cols:    positionColumns,
}

// CreatePosition inserts an open position and marks its opportunity taken in
// the same transaction. A position already opened against the same
// opportunity is left untouched and false is returned.
func (db *DB) CreatePosition(ctx context.Context, p *models.Position) (bool, error) {
	if p.Status == "" {
		p.Status = models.PositionStatusOpen
	}
	if err := p.Validate(); err != nil {
		return false, err
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	if p.AssetClass == "" {
		p.AssetClass = models.CategoryOther
	}

	inserted := false
	err := db.withTx(ctx, "create position", nil, func(ctx context.Context, tx *sql.Tx) error {
		query := `
			INSERT INTO positions (opportunity_id, asset_class, stake_amount, entry_price, status, pnl, opened_at, closed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (opportunity_id) DO NOTHING
			RETURNING id
		`
		err := tx.QueryRowContext(ctx, query,
			p.OpportunityID, p.AssetClass, p.StakeAmount, p.EntryPrice, p.Status, p.Pnl, p.OpenedAt, p.ClosedAt,
		).Scan(&p.ID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return storeErr("create position", err)
		}
		inserted = true

		if p.OpportunityID != nil {
			_, err := tx.ExecContext(ctx,
				`UPDATE opportunities SET status = $2 WHERE id = $1 AND status = $3`,
				*p.OpportunityID, models.OpportunityStatusTaken, models.OpportunityStatusOpen,
			)
			if err != nil {
				return storeErr("mark opportunity taken", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// GetPositionByID retrieves a position by ID
func (db *DB) GetPositionByID(ctx context.Context, id int) (*models.Position, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + positionSelectColumns + ` FROM positions WHERE id = $1`
	p, err := scanPosition(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.NotFound("position", strconv.Itoa(id))
	}
	if err != nil {
		return nil, storeErr("get position", err)
	}
	return p, nil
}

// ListPositions returns one page of positions and the exact number of matches
func (db *DB) ListPositions(ctx context.Context, f Filter, p Page) ([]*models.Position, int, error) {
	p = p.Normalize()
	var positions []*models.Position
	total, err := db.fetchWindow(ctx, positionWindow, f, &p, func(rows *sql.Rows) error {
		for rows.Next() {
			pos, err := scanPosition(rows)
			if err != nil {
				return err
			}
			positions = append(positions, pos)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return positions, total, nil
}

// ListClosedPositions returns every closed or stopped position, newest first
func (db *DB) ListClosedPositions(ctx context.Context) ([]*models.Position, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + positionSelectColumns + ` FROM positions WHERE status IN ($1, $2) ORDER BY closed_at DESC NULLS LAST, id DESC`
	rows, err := db.conn.QueryContext(ctx, query, models.PositionStatusClosed, models.PositionStatusStopped)
	if err != nil {
		return nil, storeErr("list closed positions", err)
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, storeErr("scan position", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list closed positions", err)
	}
	return positions, nil
}

// SummarizePositions returns open/closed counts, realized pnl and open stake
// over every position matching f. The status filter is ignored.
func (db *DB) SummarizePositions(ctx context.Context, f Filter) (*models.PositionSummary, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	f.Status = ""
	where, args := buildWhere(f, positionColumns)
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'open') AS open_count,
			COUNT(*) FILTER (WHERE status IN ('closed', 'stopped')) AS closed_count,
			COALESCE(SUM(pnl) FILTER (WHERE status IN ('closed', 'stopped')), 0) AS total_pnl,
			COALESCE(SUM(stake_amount) FILTER (WHERE status = 'open'), 0) AS open_value
		FROM positions` + where

	var s models.PositionSummary
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(&s.OpenCount, &s.ClosedCount, &s.TotalPnl, &s.OpenValue)
	if err != nil {
		return nil, storeErr("summarize positions", err)
	}
	return &s, nil
}

// ClosePosition closes an open position with the given pnl and rolls the pnl
// into the daily metric for the close date.
func (db *DB) ClosePosition(ctx context.Context, id int, status string, pnl decimal.Decimal, at time.Time) (*models.Position, error) {
	return db.closePosition(ctx, "id = $1", id, strconv.Itoa(id), status, pnl, at)
}

// ClosePositionByOpportunity closes the position opened against opportunityID
func (db *DB) ClosePositionByOpportunity(ctx context.Context, opportunityID string, status string, pnl decimal.Decimal, at time.Time) (*models.Position, error) {
	return db.closePosition(ctx, "opportunity_id = $1", opportunityID, opportunityID, status, pnl, at)
}

func (db *DB) closePosition(ctx context.Context, where string, key interface{}, label, status string, pnl decimal.Decimal, at time.Time) (*models.Position, error) {
	if status == "" {
		status = models.PositionStatusClosed
	}
	if status != models.PositionStatusClosed && status != models.PositionStatusStopped {
		return nil, models.NewValidationError("status", "must be closed or stopped")
	}

	var pos *models.Position
	err := db.withTx(ctx, "close position", nil, func(ctx context.Context, tx *sql.Tx) error {
		query := `SELECT ` + positionSelectColumns + ` FROM positions WHERE ` + where + ` FOR UPDATE`
		p, err := scanPosition(tx.QueryRowContext(ctx, query, key))
		if err == sql.ErrNoRows {
			return models.NotFound("position", label)
		}
		if err != nil {
			return storeErr("lock position", err)
		}
		if !p.IsOpen() {
			return models.NewValidationError("status", fmt.Sprintf("position %d is already %s", p.ID, p.Status))
		}

		closedAt := at.UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE positions SET status = $2, pnl = $3, closed_at = $4 WHERE id = $1`,
			p.ID, status, pnl, closedAt,
		)
		if err != nil {
			return storeErr("close position", err)
		}

		if err := addDailyPnl(ctx, tx, models.DateKey(closedAt), pnl, closedAt); err != nil {
			return err
		}

		p.Status = status
		p.Pnl = &pnl
		p.ClosedAt = &closedAt
		pos = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pos, nil
}

func scanPosition(row rowScanner) (*models.Position, error) {
	var p models.Position
	var opportunityID sql.NullString
	var pnl decimal.NullDecimal
	var closedAt sql.NullTime

	err := row.Scan(
		&p.ID, &opportunityID, &p.AssetClass, &p.StakeAmount, &p.EntryPrice,
		&p.Status, &pnl, &p.OpenedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}

	if opportunityID.Valid {
		p.OpportunityID = &opportunityID.String
	}
	if pnl.Valid {
		p.Pnl = &pnl.Decimal
	}
	if closedAt.Valid {
		p.ClosedAt = &closedAt.Time
	}
	return &p, nil
}
