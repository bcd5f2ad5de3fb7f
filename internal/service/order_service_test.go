package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/safar/shop-inventory/internal/cache"
	"github.com/safar/shop-inventory/internal/database"
	"github.com/safar/shop-inventory/internal/events"
	"github.com/safar/shop-inventory/internal/models"
	"github.com/safar/shop-inventory/internal/store"
	"github.com/safar/shop-inventory/internal/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Mock StockCache
type memoryCache struct {
	mu    sync.Mutex
	stock map[int64][2]int
	keys  map[string]bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		stock: make(map[int64][2]int),
		keys:  make(map[string]bool),
	}
}

func (m *memoryCache) SetStock(_ context.Context, variantID int64, stock, version int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.stock[variantID]; ok && cur[1] > version {
		return false, nil
	}
	m.stock[variantID] = [2]int{stock, version}
	return true, nil
}

func (m *memoryCache) GetStock(_ context.Context, variantID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.stock[variantID]
	if !ok {
		return 0, cache.ErrMiss
	}
	return cur[0], nil
}

func (m *memoryCache) InvalidateStock(_ context.Context, variantID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stock, variantID)
	return nil
}

func (m *memoryCache) AcquireIdempotency(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *memoryCache) ReleaseIdempotency(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evs ...events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evs...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()

	var types []events.Type
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

var fixtureSeq atomic.Int64

type fixture struct {
	db        *sql.DB
	svc       *OrderService
	cache     *memoryCache
	publisher *recordingPublisher
	userID    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.SetupTestDB(t)
	f := &fixture{
		db:        db,
		cache:     newMemoryCache(),
		publisher: &recordingPublisher{},
	}
	f.svc = NewOrderService(Dependencies{
		DB:        db,
		Cache:     f.cache,
		Publisher: f.publisher,
		Logger:    zap.NewNop(),
	})

	user, err := store.CreateUser(context.Background(), db, "buyer@example.com", "Buyer")
	if err != nil {
		t.Fatalf("Create user: %v", err)
	}
	f.userID = user.ID

	return f
}

func (f *fixture) variant(t *testing.T, stock int) int64 {
	t.Helper()

	ctx := context.Background()
	n := fixtureSeq.Add(1)

	product, err := store.CreateProduct(ctx, f.db, store.CreateProductRequest{
		SKU:   fmt.Sprintf("SVC-P-%03d", n),
		Name:  "Product",
		Price: decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	variant, err := store.CreateVariant(ctx, f.db, store.CreateVariantRequest{
		ProductID:    product.ID,
		SKU:          fmt.Sprintf("SVC-V-%03d", n),
		Price:        decimal.NewFromInt(10),
		InitialStock: stock,
	})
	if err != nil {
		t.Fatalf("Create variant: %v", err)
	}
	return variant.ID
}

func (f *fixture) order(variantID int64, qty int, key string) PlaceOrderRequest {
	return PlaceOrderRequest{
		CreateOrderRequest: store.CreateOrderRequest{
			UserID: f.userID,
			Items:  []store.OrderItemRequest{{VariantID: variantID, Quantity: qty}},
		},
		IdempotencyKey: key,
	}
}

func (f *fixture) stock(t *testing.T, variantID int64) int {
	t.Helper()

	inv, err := store.GetInventory(context.Background(), f.db, variantID)
	if err != nil {
		t.Fatalf("Get inventory: %v", err)
	}
	return inv.Stock
}

func TestPlaceAndCancelOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	variantID := f.variant(t, 10)

	orderA, err := f.svc.PlaceOrder(ctx, f.order(variantID, 6, ""))
	if err != nil {
		t.Fatalf("Place order A: %v", err)
	}
	if got := f.stock(t, variantID); got != 4 {
		t.Fatalf("Expected stock 4, got %d", got)
	}

	cached, err := f.cache.GetStock(ctx, variantID)
	if err != nil || cached != 4 {
		t.Errorf("Expected cached stock 4, got %d (%v)", cached, err)
	}

	_, err = f.svc.PlaceOrder(ctx, f.order(variantID, 5, ""))
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Fatalf("Expected insufficient stock, got: %v", err)
	}
	if got := f.stock(t, variantID); got != 4 {
		t.Fatalf("Expected stock to stay 4, got %d", got)
	}

	result, err := f.svc.CancelOrder(ctx, orderA.ID)
	if err != nil {
		t.Fatalf("Cancel order A: %v", err)
	}
	if result.Restored != 6 {
		t.Errorf("Expected 6 units restored, got %d", result.Restored)
	}
	if got := f.stock(t, variantID); got != 10 {
		t.Errorf("Expected stock 10 after cancel, got %d", got)
	}

	cached, err = f.svc.VariantStock(ctx, variantID)
	if err != nil || cached != 10 {
		t.Errorf("Expected stock 10 from service, got %d (%v)", cached, err)
	}

	result, err = f.svc.CancelOrder(ctx, orderA.ID)
	if err != nil {
		t.Fatalf("Second cancel: %v", err)
	}
	if result.Changed {
		t.Error("Second cancel must not change the order")
	}
	if got := f.stock(t, variantID); got != 10 {
		t.Errorf("Expected stock 10 after second cancel, got %d", got)
	}

	want := []events.Type{events.TypeOrderCreated, events.TypeOrderStatusChanged, events.TypeInventoryRestored}
	got := f.publisher.types()
	if len(got) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestPlaceOrderIdempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	variantID := f.variant(t, 10)

	if _, err := f.svc.PlaceOrder(ctx, f.order(variantID, 1, "req-1")); err != nil {
		t.Fatalf("First purchase: %v", err)
	}

	_, err := f.svc.PlaceOrder(ctx, f.order(variantID, 1, "req-1"))
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("Expected duplicate request, got: %v", err)
	}
	if got := f.stock(t, variantID); got != 9 {
		t.Errorf("Stock should only be decremented once, got %d", got)
	}

	_, err = f.svc.PlaceOrder(ctx, f.order(variantID, 50, "req-2"))
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Fatalf("Expected insufficient stock, got: %v", err)
	}
	if _, err := f.svc.PlaceOrder(ctx, f.order(variantID, 2, "req-2")); err != nil {
		t.Errorf("Key of a failed request should be released, got: %v", err)
	}
}

func TestFulfilmentDoesNotRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	variantID := f.variant(t, 10)

	order, err := f.svc.PlaceOrder(ctx, f.order(variantID, 3, ""))
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	paid, payment, err := f.svc.PayOrder(ctx, order.ID, "card", "ch_1")
	if err != nil {
		t.Fatalf("Pay order: %v", err)
	}
	if paid.Status != models.OrderStatusPaid {
		t.Errorf("Expected paid, got %s", paid.Status)
	}
	if !payment.Amount.Equal(order.TotalAmount) {
		t.Errorf("Expected payment of %s, got %s", order.TotalAmount, payment.Amount)
	}

	for _, to := range []models.OrderStatus{models.OrderStatusShipped, models.OrderStatusCompleted} {
		result, err := f.svc.TransitionOrder(ctx, order.ID, to)
		if err != nil {
			t.Fatalf("Transition to %s: %v", to, err)
		}
		if result.Restored != 0 {
			t.Errorf("Transition to %s restored %d units", to, result.Restored)
		}
	}

	if got := f.stock(t, variantID); got != 7 {
		t.Errorf("Expected stock 7, got %d", got)
	}

	for _, e := range f.publisher.types() {
		if e == events.TypeInventoryRestored {
			t.Error("Fulfilment must not publish inventory.restored")
		}
	}

	if _, err := f.svc.CancelOrder(ctx, order.ID); !errors.Is(err, database.ErrInvalidTransition) {
		t.Errorf("Expected completed order cancel to be rejected, got: %v", err)
	}
}

func TestPayOrderRejectsCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	variantID := f.variant(t, 5)

	order, err := f.svc.PlaceOrder(ctx, f.order(variantID, 1, ""))
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}
	if _, err := f.svc.CancelOrder(ctx, order.ID); err != nil {
		t.Fatalf("Cancel order: %v", err)
	}

	_, _, err = f.svc.PayOrder(ctx, order.ID, "card", "ch_2")
	if !errors.Is(err, database.ErrInvalidTransition) {
		t.Errorf("Expected invalid transition, got: %v", err)
	}

	payments, err := store.ListPayments(ctx, f.db, order.ID)
	if err != nil {
		t.Fatalf("List payments: %v", err)
	}
	if len(payments) != 0 {
		t.Errorf("Rejected payment must not be recorded, found %d", len(payments))
	}
}

func TestConcurrentPlaceOrderSameVariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	variantID := f.variant(t, 10)

	var wg sync.WaitGroup
	var successCount, failCount atomic.Int32

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.PlaceOrder(ctx, f.order(variantID, 6, ""))
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, database.ErrInsufficientStock):
				failCount.Add(1)
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 1 || failCount.Load() != 1 {
		t.Errorf("Expected one success and one failure, got %d and %d", successCount.Load(), failCount.Load())
	}
	if got := f.stock(t, variantID); got != 4 {
		t.Errorf("Expected stock 4, got %d", got)
	}
}

func TestRestockRefreshesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	variantID := f.variant(t, 2)

	if stock, err := f.svc.VariantStock(ctx, variantID); err != nil || stock != 2 {
		t.Fatalf("Expected stock 2, got %d (%v)", stock, err)
	}

	if _, err := f.svc.Restock(ctx, variantID, 8); err != nil {
		t.Fatalf("Restock: %v", err)
	}

	stock, err := f.cache.GetStock(ctx, variantID)
	if err != nil || stock != 10 {
		t.Errorf("Expected cached stock 10, got %d (%v)", stock, err)
	}

	if _, err := f.svc.VariantStock(ctx, variantID+1000); !errors.Is(err, database.ErrVariantNotFound) {
		t.Errorf("Expected variant not found, got: %v", err)
	}
}

func TestServiceWithoutCache(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := NewOrderService(Dependencies{DB: db})

	if _, err := svc.VariantStock(context.Background(), 1); !errors.Is(err, database.ErrVariantNotFound) {
		t.Errorf("Expected variant not found, got: %v", err)
	}
}

func TestStockTakeRequiresCurrentVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	variantID := f.variant(t, 10)

	inv, err := store.GetInventory(ctx, f.db, variantID)
	if err != nil {
		t.Fatalf("Get inventory: %v", err)
	}

	counted, err := f.svc.StockTake(ctx, variantID, 7, inv.Version)
	if err != nil {
		t.Fatalf("Stock take: %v", err)
	}
	if counted.Stock != 7 || counted.Version != inv.Version+1 {
		t.Errorf("Expected stock 7 at version %d, got %d at %d", inv.Version+1, counted.Stock, counted.Version)
	}
	if stock, err := f.cache.GetStock(ctx, variantID); err != nil || stock != 7 {
		t.Errorf("Expected cached stock 7, got %d (%v)", stock, err)
	}

	_, err = f.svc.StockTake(ctx, variantID, 3, inv.Version)
	if !errors.Is(err, database.ErrOptimisticLockFailed) {
		t.Errorf("Expected optimistic lock failure, got: %v", err)
	}
	if got := f.stock(t, variantID); got != 7 {
		t.Errorf("Stale stock take changed stock to %d", got)
	}
}
