package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/shop-inventory/internal/database"
	"github.com/safar/shop-inventory/internal/models"
	"github.com/shopspring/decimal"
)

type CreateVariantRequest struct {
	ProductID    int64
	SKU          string
	ColorID      *int64
	SizeID       *int64
	Price        decimal.Decimal
	InitialStock int
	ReorderPoint int
}

// CreateVariant inserts a variant and its inventory record together; a
// variant never exists without exactly one inventory row.
func CreateVariant(ctx context.Context, db *sql.DB, req CreateVariantRequest) (*models.Variant, error) {
	if req.InitialStock < 0 || req.ReorderPoint < 0 {
		return nil, database.ErrInvalidQuantity
	}
	if req.Price.IsNegative() {
		return nil, fmt.Errorf("create variant: price must not be negative")
	}

	var variant *models.Variant
	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)",
			req.ProductID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check product exists: %w", err)
		}
		if !exists {
			return database.ErrProductNotFound
		}

		var variantID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO variants (product_id, sku, color_id, size_id, price, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			 RETURNING id`,
			req.ProductID, req.SKU, nullableInt64(req.ColorID), nullableInt64(req.SizeID), req.Price).Scan(&variantID)
		if err != nil {
			return fmt.Errorf("create variant: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO inventory (variant_id, stock, reorder_point, updated_at, version)
			 VALUES ($1, $2, $3, NOW(), 1)`,
			variantID, req.InitialStock, req.ReorderPoint)
		if err != nil {
			return fmt.Errorf("create inventory: %w", err)
		}

		variant, err = GetVariant(ctx, tx, variantID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return variant, nil
}

func GetVariant(ctx context.Context, q Querier, id int64) (*models.Variant, error) {
	query := `
		SELECT v.id, v.product_id, v.sku, v.color_id, v.size_id, v.price, v.created_at, v.updated_at,
		       i.stock, i.reorder_point, i.updated_at, i.version
		FROM variants v
		JOIN inventory i ON i.variant_id = v.id
		WHERE v.id = $1`

	variant := &models.Variant{Inventory: &models.Inventory{}}
	var colorID, sizeID sql.NullInt64
	err := q.QueryRowContext(ctx, query, id).Scan(
		&variant.ID,
		&variant.ProductID,
		&variant.SKU,
		&colorID,
		&sizeID,
		&variant.Price,
		&variant.CreatedAt,
		&variant.UpdatedAt,
		&variant.Inventory.Stock,
		&variant.Inventory.ReorderPoint,
		&variant.Inventory.UpdatedAt,
		&variant.Inventory.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrVariantNotFound
		}
		return nil, fmt.Errorf("get variant: %w", err)
	}

	variant.ColorID = int64Ptr(colorID)
	variant.SizeID = int64Ptr(sizeID)
	variant.Inventory.VariantID = variant.ID
	return variant, nil
}

func variantPrice(ctx context.Context, q Querier, id int64) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := q.QueryRowContext(ctx, `SELECT price FROM variants WHERE id = $1`, id).Scan(&price)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, database.ErrVariantNotFound
		}
		return decimal.Zero, fmt.Errorf("get variant price: %w", err)
	}
	return price, nil
}
