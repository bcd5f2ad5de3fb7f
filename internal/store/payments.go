package store

import (
	"context"
	"fmt"

	"github.com/safar/shop-inventory/internal/models"
	"github.com/shopspring/decimal"
)

const paymentColumns = `id, order_id, amount, provider, provider_reference, created_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	p := &models.Payment{}
	err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.Amount,
		&p.Provider,
		&p.ProviderReference,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func RecordPayment(ctx context.Context, q Querier, orderID int64, amount decimal.Decimal, provider, reference string) (*models.Payment, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("record payment: amount must not be negative")
	}

	query := `
		INSERT INTO payments (order_id, amount, provider, provider_reference, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING ` + paymentColumns

	p, err := scanPayment(q.QueryRowContext(ctx, query, orderID, amount, provider, reference))
	if err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	return p, nil
}

func ListPayments(ctx context.Context, q Querier, orderID int64) ([]models.Payment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at, id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return payments, nil
}
