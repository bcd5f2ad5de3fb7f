package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// Lookup is a named catalog attribute: category, brand, color or size.
type Lookup struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Product struct {
	ID          int64           `json:"id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	CategoryID  *int64          `json:"category_id,omitempty"`
	BrandID     *int64          `json:"brand_id,omitempty"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Version     int             `json:"version"`
}

type Variant struct {
	ID        int64           `json:"id"`
	ProductID int64           `json:"product_id"`
	SKU       string          `json:"sku"`
	ColorID   *int64          `json:"color_id,omitempty"`
	SizeID    *int64          `json:"size_id,omitempty"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Inventory *Inventory      `json:"inventory,omitempty"`
}

type Inventory struct {
	VariantID    int64     `json:"variant_id"`
	Stock        int       `json:"stock"`
	ReorderPoint int       `json:"reorder_point"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int       `json:"version"`
}

type LowStockVariant struct {
	VariantID    int64  `json:"variant_id"`
	SKU          string `json:"sku"`
	ProductID    int64  `json:"product_id"`
	ProductName  string `json:"product_name"`
	Stock        int    `json:"stock"`
	ReorderPoint int    `json:"reorder_point"`
}

type Order struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	OrderNumber    string          `json:"order_number"`
	Status         OrderStatus     `json:"status"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	DiscountID     *int64          `json:"discount_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int             `json:"version"`
	Items          []OrderItem     `json:"items,omitempty"`
}

type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	VariantID int64           `json:"variant_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	CreatedAt time.Time       `json:"created_at"`
}

type Discount struct {
	ID         int64           `json:"id"`
	Code       string          `json:"code"`
	PercentOff decimal.Decimal `json:"percent_off"`
	Active     bool            `json:"active"`
	ValidFrom  *time.Time      `json:"valid_from,omitempty"`
	ValidUntil *time.Time      `json:"valid_until,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (d *Discount) Apply(amount decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return amount.Mul(d.PercentOff).Div(decimal.NewFromInt(100)).Round(2)
}

type Payment struct {
	ID                int64           `json:"id"`
	OrderID           int64           `json:"order_id"`
	Amount            decimal.Decimal `json:"amount"`
	Provider          string          `json:"provider"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}
