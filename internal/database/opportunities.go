package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/opportunity-metrics/internal/models"
)

const opportunitySelectColumns = `id, category, status, title, confidence_score, expected_value, margin, data, created_at, expires_at`

var opportunityWindow = window{
	op:      "list opportunities",
	table:   "opportunities",
	columns: opportunitySelectColumns,
	order:   "created_at DESC, id",
	cols:    opportunityColumns,
}

// CreateOpportunity inserts a scanner opportunity. Re-delivered IDs are ignored.
// Returns true when a row was inserted.
func (db *DB) CreateOpportunity(ctx context.Context, o *models.Opportunity) (bool, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO opportunities (
			id, category, status, title, confidence_score, expected_value, margin, data, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	if o.Status == "" {
		o.Status = models.OpportunityStatusOpen
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	var data interface{}
	if len(o.Data) > 0 {
		data = string(o.Data)
	}

	result, err := db.conn.ExecContext(ctx, query,
		o.ID, o.Category, o.Status, nullString(o.Title), o.ConfidenceScore,
		o.ExpectedValue, o.Margin, data, o.CreatedAt, o.ExpiresAt,
	)
	if err != nil {
		return false, storeErr("create opportunity", err)
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// GetOpportunityByID retrieves an opportunity by ID
func (db *DB) GetOpportunityByID(ctx context.Context, id string) (*models.Opportunity, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + opportunitySelectColumns + ` FROM opportunities WHERE id = $1`
	o, err := scanOpportunity(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.NotFound("opportunity", id)
	}
	if err != nil {
		return nil, storeErr("get opportunity", err)
	}
	return o, nil
}

// ListOpportunities returns one page of opportunities and the exact number of matches
func (db *DB) ListOpportunities(ctx context.Context, f Filter, p Page) ([]*models.Opportunity, int, error) {
	p = p.Normalize()
	var opps []*models.Opportunity
	total, err := db.fetchWindow(ctx, opportunityWindow, f, &p, func(rows *sql.Rows) error {
		for rows.Next() {
			o, err := scanOpportunity(rows)
			if err != nil {
				return err
			}
			opps = append(opps, o)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return opps, total, nil
}

// ListAllOpportunities returns every matching opportunity together with the
// exact count, both read from one snapshot
func (db *DB) ListAllOpportunities(ctx context.Context, f Filter) ([]*models.Opportunity, int, error) {
	var opps []*models.Opportunity
	total, err := db.fetchWindow(ctx, opportunityWindow, f, nil, func(rows *sql.Rows) error {
		for rows.Next() {
			o, err := scanOpportunity(rows)
			if err != nil {
				return err
			}
			opps = append(opps, o)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return opps, total, nil
}

// CountOpportunities returns the exact number of matching opportunities
func (db *DB) CountOpportunities(ctx context.Context, f Filter) (int, error) {
	return db.count(ctx, "count opportunities", "opportunities", opportunityColumns, f)
}

// MarkOpportunityTaken moves an open opportunity to taken
func (db *DB) MarkOpportunityTaken(ctx context.Context, id string) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE opportunities SET status = $2 WHERE id = $1 AND status = $3`,
		id, models.OpportunityStatusTaken, models.OpportunityStatusOpen,
	)
	if err != nil {
		return storeErr("mark opportunity taken", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return models.NotFound("open opportunity", id)
	}
	return nil
}

// ExpireOpportunities moves every open opportunity whose expiry has passed to expired
func (db *DB) ExpireOpportunities(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE opportunities SET status = $1 WHERE status = $2 AND expires_at IS NOT NULL AND expires_at <= $3`,
		models.OpportunityStatusExpired, models.OpportunityStatusOpen, now,
	)
	if err != nil {
		return 0, storeErr("expire opportunities", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOpportunity(row rowScanner) (*models.Opportunity, error) {
	var o models.Opportunity
	var title sql.NullString
	var expectedValue, margin decimal.NullDecimal
	var data []byte
	var expiresAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.Category, &o.Status, &title, &o.ConfidenceScore,
		&expectedValue, &margin, &data, &o.CreatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	if title.Valid {
		o.Title = title.String
	}
	if expectedValue.Valid {
		o.ExpectedValue = &expectedValue.Decimal
	}
	if margin.Valid {
		o.Margin = &margin.Decimal
	}
	if len(data) > 0 {
		o.Data = data
	}
	if expiresAt.Valid {
		o.ExpiresAt = &expiresAt.Time
	}
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
