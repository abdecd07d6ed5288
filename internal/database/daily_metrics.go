package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

// ListDailyMetrics returns rollups whose calendar date lies in [fromDate, toDate].
// Dates are YYYY-MM-DD strings.
func (db *DB) ListDailyMetrics(ctx context.Context, fromDate, toDate string) ([]*models.DailyMetric, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT to_char(date, 'YYYY-MM-DD'), gross_pnl, trades_closed, updated_at
		FROM daily_metrics
		WHERE date >= $1::date AND date <= $2::date
		ORDER BY date ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, fromDate, toDate)
	if err != nil {
		return nil, storeErr("list daily metrics", err)
	}
	defer rows.Close()

	var metrics []*models.DailyMetric
	for rows.Next() {
		var m models.DailyMetric
		if err := rows.Scan(&m.Date, &m.GrossPnl, &m.TradesClosed, &m.UpdatedAt); err != nil {
			return nil, storeErr("scan daily metric", err)
		}
		metrics = append(metrics, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list daily metrics", err)
	}
	return metrics, nil
}

// RebuildDailyMetrics recomputes rollups from closed positions for every day
// on or after since. Returns the number of days written.
func (db *DB) RebuildDailyMetrics(ctx context.Context, since time.Time) (int64, error) {
	sinceDate := models.DateKey(since)

	var written int64
	err := db.withTx(ctx, "rebuild daily metrics", nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM daily_metrics WHERE date >= $1::date`, sinceDate); err != nil {
			return storeErr("clear daily metrics", err)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO daily_metrics (date, gross_pnl, trades_closed, updated_at)
			SELECT (closed_at AT TIME ZONE 'UTC')::date, SUM(pnl), COUNT(*), NOW()
			FROM positions
			WHERE status IN ('closed', 'stopped')
			  AND closed_at IS NOT NULL
			  AND (closed_at AT TIME ZONE 'UTC')::date >= $1::date
			GROUP BY 1
		`, sinceDate)
		if err != nil {
			return storeErr("rebuild daily metrics", err)
		}
		written, _ = result.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// addDailyPnl adds pnl to the rollup for date inside tx
func addDailyPnl(ctx context.Context, tx *sql.Tx, date string, pnl decimal.Decimal, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO daily_metrics (date, gross_pnl, trades_closed, updated_at)
		VALUES ($1::date, $2, 1, $3)
		ON CONFLICT (date) DO UPDATE SET
			gross_pnl = daily_metrics.gross_pnl + EXCLUDED.gross_pnl,
			trades_closed = daily_metrics.trades_closed + 1,
			updated_at = EXCLUDED.updated_at
	`, date, pnl, at)
	if err != nil {
		return storeErr("update daily metric", err)
	}
	return nil
}
