package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/safar/shop-inventory/internal/database"
	"github.com/safar/shop-inventory/internal/models"
	"github.com/shopspring/decimal"
)

// NoWait makes a line fail with ErrLockTimeout when another transaction
// holds its inventory row, instead of queueing behind it.
type CreateOrderRequest struct {
	UserID       int64
	Items        []OrderItemRequest
	DiscountCode string
	NoWait       bool
}

type OrderItemRequest struct {
	VariantID int64
	Quantity  int
}

// TransitionResult describes what TransitionOrderStatus did. Changed is
// false for a repeated cancellation, which leaves the order untouched.
type TransitionResult struct {
	Order    *models.Order
	From     models.OrderStatus
	Changed  bool
	Restored int
}

const orderColumns = `id, user_id, order_number, status, subtotal, discount_amount, total_amount, discount_id, created_at, updated_at, version`

func generateOrderNumber() string {
	return "ORD-" + uuid.NewString()
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var discountID sql.NullInt64
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&order.Status,
		&order.Subtotal,
		&order.DiscountAmount,
		&order.TotalAmount,
		&discountID,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}
	order.DiscountID = int64Ptr(discountID)
	return order, nil
}

func validateOrderRequest(req CreateOrderRequest) error {
	if len(req.Items) == 0 {
		return database.ErrEmptyOrder
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return database.ErrInvalidQuantity
		}
	}
	return nil
}

// sortedItems returns the items ordered by variant id so that concurrent
// multi-line orders lock inventory rows in the same order.
func sortedItems(items []OrderItemRequest) []OrderItemRequest {
	sorted := make([]OrderItemRequest, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].VariantID < sorted[j].VariantID
	})
	return sorted
}

// CreateOrder places an order in one transaction. Each line is reserved,
// written and decremented before the next one is touched; any failure,
// including ErrInsufficientStock on a later line, rolls back every earlier
// line and the order row.
func CreateOrder(ctx context.Context, db *sql.DB, opts database.TxOptions, req CreateOrderRequest) (*models.Order, error) {
	if err := validateOrderRequest(req); err != nil {
		return nil, err
	}

	items := sortedItems(req.Items)

	var order *models.Order
	err := database.WithRetry(ctx, db, opts, func(tx *sql.Tx) error {
		exists, err := userExists(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if !exists {
			return database.ErrUserNotFound
		}

		var discount *models.Discount
		if req.DiscountCode != "" {
			discount, err = GetActiveDiscount(ctx, tx, req.DiscountCode, time.Now())
			if err != nil {
				return err
			}
		}

		var orderID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (user_id, order_number, status, created_at, updated_at, version)
			 VALUES ($1, $2, $3, NOW(), NOW(), 1)
			 RETURNING id`,
			req.UserID, generateOrderNumber(), models.OrderStatusPending).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		reserve := ReserveStock
		if req.NoWait {
			reserve = ReserveStockNoWait
		}

		subtotal := decimal.Zero
		for _, item := range items {
			if _, err := reserve(ctx, tx, item.VariantID, item.Quantity); err != nil {
				return err
			}

			unitPrice, err := variantPrice(ctx, tx, item.VariantID)
			if err != nil {
				return err
			}
			lineTotal := unitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))

			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, variant_id, quantity, unit_price, subtotal, created_at)
				 VALUES ($1, $2, $3, $4, $5, NOW())`,
				orderID, item.VariantID, item.Quantity, unitPrice, lineTotal)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}

			if err := DecrementStock(ctx, tx, item.VariantID, item.Quantity); err != nil {
				return err
			}

			subtotal = subtotal.Add(lineTotal)
		}

		discountAmount := discount.Apply(subtotal)
		var discountID *int64
		if discount != nil {
			discountID = &discount.ID
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET subtotal = $1, discount_amount = $2, total_amount = $3, discount_id = $4
			 WHERE id = $5`,
			subtotal, discountAmount, subtotal.Sub(discountAmount), nullableInt64(discountID), orderID)
		if err != nil {
			return fmt.Errorf("update order totals: %w", err)
		}

		order, err = GetOrder(ctx, tx, orderID)
		if err != nil {
			return fmt.Errorf("fetch created order: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return order, nil
}

// TransitionOrderStatus moves an order to status to inside tx. The order row
// is locked first, so concurrent transitions of the same order serialize and
// the prior status read here is authoritative. Entering cancelled restores
// stock in the same transaction; cancelling an already cancelled order is a
// no-op.
func TransitionOrderStatus(ctx context.Context, tx *sql.Tx, orderID int64, to models.OrderStatus) (*TransitionResult, error) {
	var from models.OrderStatus
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM orders WHERE id = $1 FOR UPDATE`,
		orderID).Scan(&from)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	result := &TransitionResult{From: from}

	if from == models.OrderStatusCancelled && to == models.OrderStatusCancelled {
		result.Order, err = GetOrder(ctx, tx, orderID)
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", database.ErrInvalidTransition, from, to)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE orders
		 SET status = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2`,
		to, orderID)
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	result.Changed = true

	if models.RestoresStock(from, to) {
		result.Restored, err = RestoreStock(ctx, tx, orderID)
		if err != nil {
			return nil, err
		}
	}

	result.Order, err = GetOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	return result, nil
}

func GetOrder(ctx context.Context, q Querier, id int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	order.Items, err = getOrderItems(ctx, q, id)
	if err != nil {
		return nil, err
	}

	return order, nil
}

func getOrderItems(ctx context.Context, q Querier, orderID int64) ([]models.OrderItem, error) {
	itemsQuery := `
		SELECT id, order_id, variant_id, quantity, unit_price, subtotal, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`

	rows, err := q.QueryContext(ctx, itemsQuery, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.VariantID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func ListOrdersCursor(ctx context.Context, q Querier, userID int64, cursor string, limit int) (*CursorPage, error) {
	if limit < 1 || limit > MaxPageSize {
		limit = DefaultPageSize
	}

	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", database.ErrInvalidCursor, err)
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := q.QueryContext(ctx, query, userID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

func GetNextPendingOrder(ctx context.Context, tx *sql.Tx) (*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	order, err := scanOrder(tx.QueryRowContext(ctx, query, models.OrderStatusPending))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get next pending order: %w", err)
	}

	return order, nil
}
