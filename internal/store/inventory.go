package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/shop-inventory/internal/database"
	"github.com/safar/shop-inventory/internal/models"
)

const inventoryColumns = `variant_id, stock, reorder_point, updated_at, version`

func scanInventory(row rowScanner) (*models.Inventory, error) {
	inv := &models.Inventory{}
	err := row.Scan(
		&inv.VariantID,
		&inv.Stock,
		&inv.ReorderPoint,
		&inv.UpdatedAt,
		&inv.Version,
	)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func GetInventory(ctx context.Context, q Querier, variantID int64) (*models.Inventory, error) {
	query := `SELECT ` + inventoryColumns + ` FROM inventory WHERE variant_id = $1`

	inv, err := scanInventory(q.QueryRowContext(ctx, query, variantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrVariantNotFound
		}
		return nil, fmt.Errorf("get inventory: %w", err)
	}

	return inv, nil
}

// ReserveStock locks the variant's inventory row for the rest of tx and
// checks that quantity units are available. It writes nothing; the row lock
// is what keeps a following DecrementStock from racing other orders.
func ReserveStock(ctx context.Context, tx *sql.Tx, variantID int64, quantity int) (*models.Inventory, error) {
	return reserveStock(ctx, tx, variantID, quantity, "FOR UPDATE")
}

func ReserveStockNoWait(ctx context.Context, tx *sql.Tx, variantID int64, quantity int) (*models.Inventory, error) {
	return reserveStock(ctx, tx, variantID, quantity, "FOR UPDATE NOWAIT")
}

func reserveStock(ctx context.Context, tx *sql.Tx, variantID int64, quantity int, lockClause string) (*models.Inventory, error) {
	if quantity <= 0 {
		return nil, database.ErrInvalidQuantity
	}

	query := `SELECT ` + inventoryColumns + ` FROM inventory WHERE variant_id = $1 ` + lockClause

	inv, err := scanInventory(tx.QueryRowContext(ctx, query, variantID))
	if err != nil {
		if database.IsLockNotAvailable(err) {
			return nil, fmt.Errorf("%w: %w", database.ErrLockTimeout, err)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrVariantNotFound
		}
		return nil, fmt.Errorf("lock inventory %d: %w", variantID, err)
	}

	if inv.Stock < quantity {
		return nil, database.ErrInsufficientStock
	}

	return inv, nil
}

// DecrementStock removes quantity units in a single conditional update, so
// it can never drive stock negative even without a prior ReserveStock.
func DecrementStock(ctx context.Context, tx *sql.Tx, variantID int64, quantity int) error {
	if quantity <= 0 {
		return database.ErrInvalidQuantity
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE inventory
		 SET stock = stock - $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE variant_id = $2
		   AND stock >= $1`,
		quantity, variantID)
	if err != nil {
		if translated := database.TranslateStockError(err); translated != err {
			return translated
		}
		return fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrInsufficientStock
	}

	return nil
}

// RestoreStock returns every unit of the order's items to inventory and
// reports how many units were restored. Rows are updated in ascending
// variant order. Callers must only invoke it on the first transition into
// cancelled; it does not check the order status itself.
func RestoreStock(ctx context.Context, tx *sql.Tx, orderID int64) (int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT variant_id, SUM(quantity)
		 FROM order_items
		 WHERE order_id = $1
		 GROUP BY variant_id
		 ORDER BY variant_id`,
		orderID)
	if err != nil {
		return 0, fmt.Errorf("sum order items: %w", err)
	}

	type line struct {
		variantID int64
		quantity  int
	}
	var lines []line
	for rows.Next() {
		var l line
		if err := rows.Scan(&l.variantID, &l.quantity); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan order item sum: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("rows error: %w", err)
	}
	rows.Close()

	restored := 0
	for _, l := range lines {
		result, err := tx.ExecContext(ctx,
			`UPDATE inventory
			 SET stock = stock + $1,
			     version = version + 1,
			     updated_at = NOW()
			 WHERE variant_id = $2`,
			l.quantity, l.variantID)
		if err != nil {
			return 0, fmt.Errorf("restore stock for variant %d: %w", l.variantID, err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return 0, fmt.Errorf("restore stock for variant %d: %w", l.variantID, database.ErrVariantNotFound)
		}

		restored += l.quantity
	}

	return restored, nil
}

func RestockVariant(ctx context.Context, q Querier, variantID int64, quantity int) (*models.Inventory, error) {
	if quantity <= 0 {
		return nil, database.ErrInvalidQuantity
	}

	query := `
		UPDATE inventory
		SET stock = stock + $1,
		    version = version + 1,
		    updated_at = NOW()
		WHERE variant_id = $2
		RETURNING ` + inventoryColumns

	inv, err := scanInventory(q.QueryRowContext(ctx, query, quantity, variantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrVariantNotFound
		}
		return nil, fmt.Errorf("restock variant: %w", err)
	}

	return inv, nil
}

// UpdateStockOptimistic overwrites stock only if the row is still at the
// given version, for stock-take corrections made outside any order.
func UpdateStockOptimistic(ctx context.Context, q Querier, variantID int64, newStock int, version int) error {
	if newStock < 0 {
		return database.ErrInvalidQuantity
	}

	result, err := q.ExecContext(ctx,
		`UPDATE inventory
		 SET stock = $1, version = version + 1, updated_at = NOW()
		 WHERE variant_id = $2 AND version = $3`,
		newStock, variantID, version)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrOptimisticLockFailed
	}

	return nil
}

func ListLowStock(ctx context.Context, q Querier, limit int) ([]models.LowStockVariant, error) {
	if limit < 1 || limit > MaxPageSize {
		limit = DefaultPageSize
	}

	rows, err := q.QueryContext(ctx,
		`SELECT variant_id, sku, product_id, product_name, stock, reorder_point
		 FROM low_stock_variants
		 ORDER BY stock ASC, variant_id ASC
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list low stock: %w", err)
	}
	defer rows.Close()

	variants := []models.LowStockVariant{}
	for rows.Next() {
		var v models.LowStockVariant
		if err := rows.Scan(&v.VariantID, &v.SKU, &v.ProductID, &v.ProductName, &v.Stock, &v.ReorderPoint); err != nil {
			return nil, fmt.Errorf("scan low stock variant: %w", err)
		}
		variants = append(variants, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return variants, nil
}
