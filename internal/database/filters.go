package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Pagination bounds
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Filter narrows a windowed fetch. Zero values are ignored.
type Filter struct {
	Status     string
	Category   string
	AssetClass string
	UserID     string
	DateFrom   *time.Time
	DateTo     *time.Time
}

// Page selects a slice of an ordered result set
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page into the supported range
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// filterColumns maps filter fields onto one table's columns. An empty column
// means the table does not support that filter.
type filterColumns struct {
	status   string
	category string
	asset    string
	user     string
	date     string
}

var (
	opportunityColumns = filterColumns{status: "status", category: "category", date: "created_at"}
	positionColumns    = filterColumns{status: "status", asset: "asset_class", date: "opened_at"}
	userTradeColumns   = filterColumns{status: "status", category: "category", user: "user_id", date: "opened_at"}
)

// buildWhere renders the WHERE clause and its positional arguments
func buildWhere(f Filter, cols filterColumns) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(col, op string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s %s $%d", col, op, len(args)))
	}

	if f.Status != "" && cols.status != "" {
		add(cols.status, "=", f.Status)
	}
	if f.Category != "" && cols.category != "" {
		add(cols.category, "=", f.Category)
	}
	if f.AssetClass != "" && cols.asset != "" {
		add(cols.asset, "=", f.AssetClass)
	}
	if f.UserID != "" && cols.user != "" {
		add(cols.user, "=", f.UserID)
	}
	if f.DateFrom != nil && cols.date != "" {
		add(cols.date, ">=", *f.DateFrom)
	}
	if f.DateTo != nil && cols.date != "" {
		add(cols.date, "<=", *f.DateTo)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// window describes one paginated fetch
type window struct {
	op      string
	table   string
	columns string
	order   string
	cols    filterColumns
}

// fetchWindow returns the exact count of matching rows and hands the
// requested page to scan. Both queries share a read-only snapshot so the
// total and the page agree under concurrent writes. A nil page selects every
// matching row.
func (db *DB) fetchWindow(ctx context.Context, w window, f Filter, p *Page, scan func(*sql.Rows) error) (int, error) {
	where, args := buildWhere(f, w.cols)

	var total int
	err := db.withTx(ctx, w.op, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}, func(ctx context.Context, tx *sql.Tx) error {
		countQuery := "SELECT COUNT(*) FROM " + w.table + where
		if err := tx.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
			return storeErr(w.op, err)
		}
		if total == 0 {
			return nil
		}

		pageArgs := args
		pageQuery := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s", w.columns, w.table, where, w.order)
		if p != nil {
			pageArgs = append(append([]interface{}{}, args...), p.Limit, p.Offset)
			pageQuery += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		}

		rows, err := tx.QueryContext(ctx, pageQuery, pageArgs...)
		if err != nil {
			return storeErr(w.op, err)
		}
		defer rows.Close()

		if err := scan(rows); err != nil {
			return storeErr(w.op, err)
		}
		return storeErr(w.op, rows.Err())
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// count returns the exact number of rows matching f
func (db *DB) count(ctx context.Context, op, table string, cols filterColumns, f Filter) (int, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	where, args := buildWhere(f, cols)
	var total int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+where, args...).Scan(&total); err != nil {
		return 0, storeErr(op, err)
	}
	return total, nil
}
