package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/safar/shop-inventory/internal/models"
)

type lookupTable string

const (
	lookupCategories lookupTable = "categories"
	lookupBrands     lookupTable = "brands"
	lookupColors     lookupTable = "colors"
	lookupSizes      lookupTable = "sizes"
)

func ensureLookup(ctx context.Context, q Querier, table lookupTable, name string) (*models.Lookup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%s name must not be empty", table)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name`, table)

	lookup := &models.Lookup{}
	if err := q.QueryRowContext(ctx, query, name).Scan(&lookup.ID, &lookup.Name); err != nil {
		return nil, fmt.Errorf("ensure %s %q: %w", table, name, err)
	}

	return lookup, nil
}

func EnsureCategory(ctx context.Context, q Querier, name string) (*models.Lookup, error) {
	return ensureLookup(ctx, q, lookupCategories, name)
}

func EnsureBrand(ctx context.Context, q Querier, name string) (*models.Lookup, error) {
	return ensureLookup(ctx, q, lookupBrands, name)
}

func EnsureColor(ctx context.Context, q Querier, name string) (*models.Lookup, error) {
	return ensureLookup(ctx, q, lookupColors, name)
}

func EnsureSize(ctx context.Context, q Querier, name string) (*models.Lookup, error) {
	return ensureLookup(ctx, q, lookupSizes, name)
}
