package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/safar/shop-inventory/internal/models"
	"github.com/shopspring/decimal"
)

var fixtureSeq atomic.Int64

func createTestUser(t *testing.T, db *sql.DB) *models.User {
	t.Helper()

	n := fixtureSeq.Add(1)
	user, err := CreateUser(context.Background(), db, fmt.Sprintf("user%d@example.com", n), fmt.Sprintf("User %d", n))
	if err != nil {
		t.Fatalf("Create user: %v", err)
	}
	return user
}

func createTestVariant(t *testing.T, db *sql.DB, price int64, stock int) *models.Variant {
	t.Helper()

	ctx := context.Background()
	n := fixtureSeq.Add(1)

	product, err := CreateProduct(ctx, db, CreateProductRequest{
		SKU:   fmt.Sprintf("TEST-P-%03d", n),
		Name:  fmt.Sprintf("Product %d", n),
		Price: decimal.NewFromInt(price),
	})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	variant, err := CreateVariant(ctx, db, CreateVariantRequest{
		ProductID:    product.ID,
		SKU:          fmt.Sprintf("TEST-V-%03d", n),
		Price:        decimal.NewFromInt(price),
		InitialStock: stock,
		ReorderPoint: 2,
	})
	if err != nil {
		t.Fatalf("Create variant: %v", err)
	}
	return variant
}

func stockOf(t *testing.T, db *sql.DB, variantID int64) int {
	t.Helper()

	inv, err := GetInventory(context.Background(), db, variantID)
	if err != nil {
		t.Fatalf("Get inventory: %v", err)
	}
	return inv.Stock
}
