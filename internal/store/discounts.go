package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/safar/shop-inventory/internal/database"
	"github.com/safar/shop-inventory/internal/models"
	"github.com/shopspring/decimal"
)

type CreateDiscountRequest struct {
	Code       string
	PercentOff decimal.Decimal
	ValidFrom  *time.Time
	ValidUntil *time.Time
}

const discountColumns = `id, code, percent_off, active, valid_from, valid_until, created_at`

func scanDiscount(row rowScanner) (*models.Discount, error) {
	d := &models.Discount{}
	var validFrom, validUntil sql.NullTime
	err := row.Scan(
		&d.ID,
		&d.Code,
		&d.PercentOff,
		&d.Active,
		&validFrom,
		&validUntil,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if validFrom.Valid {
		d.ValidFrom = &validFrom.Time
	}
	if validUntil.Valid {
		d.ValidUntil = &validUntil.Time
	}
	return d, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func CreateDiscount(ctx context.Context, q Querier, req CreateDiscountRequest) (*models.Discount, error) {
	if req.PercentOff.LessThanOrEqual(decimal.Zero) || req.PercentOff.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("%w, got %s", database.ErrInvalidDiscount, req.PercentOff)
	}

	query := `
		INSERT INTO discounts (code, percent_off, active, valid_from, valid_until, created_at)
		VALUES ($1, $2, TRUE, $3, $4, NOW())
		RETURNING ` + discountColumns

	d, err := scanDiscount(q.QueryRowContext(ctx, query,
		normalizeCode(req.Code), req.PercentOff, req.ValidFrom, req.ValidUntil))
	if err != nil {
		return nil, fmt.Errorf("create discount: %w", err)
	}

	return d, nil
}

func GetActiveDiscount(ctx context.Context, q Querier, code string, at time.Time) (*models.Discount, error) {
	query := `
		SELECT ` + discountColumns + `
		FROM discounts
		WHERE code = $1
		  AND active
		  AND (valid_from IS NULL OR valid_from <= $2)
		  AND (valid_until IS NULL OR valid_until > $2)`

	d, err := scanDiscount(q.QueryRowContext(ctx, query, normalizeCode(code), at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrDiscountNotFound
		}
		return nil, fmt.Errorf("get discount: %w", err)
	}

	return d, nil
}

func DeactivateDiscount(ctx context.Context, q Querier, code string) error {
	result, err := q.ExecContext(ctx,
		`UPDATE discounts SET active = FALSE WHERE code = $1`,
		normalizeCode(code))
	if err != nil {
		return fmt.Errorf("deactivate discount: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrDiscountNotFound
	}

	return nil
}
