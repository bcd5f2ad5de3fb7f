package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/shop-inventory/internal/cache"
	"github.com/safar/shop-inventory/internal/database"
	"github.com/safar/shop-inventory/internal/events"
	"github.com/safar/shop-inventory/internal/models"
	"github.com/safar/shop-inventory/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

var ErrDuplicateRequest = errors.New("duplicate request")

// StockCache holds read-side stock snapshots and request idempotency keys.
// The database stays the source of truth; nothing here is consulted when
// deciding whether stock is available.
type StockCache interface {
	SetStock(ctx context.Context, variantID int64, stock, version int) (bool, error)
	GetStock(ctx context.Context, variantID int64) (int, error)
	InvalidateStock(ctx context.Context, variantID int64) error
	AcquireIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseIdempotency(ctx context.Context, key string) error
}

type Dependencies struct {
	DB             *sql.DB
	Cache          StockCache
	Publisher      events.Publisher
	Logger         *zap.Logger
	Tracer         trace.Tracer
	TxOptions      database.TxOptions
	IdempotencyTTL time.Duration
}

type OrderService struct {
	db             *sql.DB
	cache          StockCache
	publisher      events.Publisher
	logger         *zap.Logger
	tracer         trace.Tracer
	txOpts         database.TxOptions
	idempotencyTTL time.Duration
}

type PlaceOrderRequest struct {
	store.CreateOrderRequest
	IdempotencyKey string
}

func NewOrderService(deps Dependencies) *OrderService {
	s := &OrderService{
		db:             deps.DB,
		cache:          deps.Cache,
		publisher:      deps.Publisher,
		logger:         deps.Logger,
		tracer:         deps.Tracer,
		txOpts:         deps.TxOptions,
		idempotencyTTL: deps.IdempotencyTTL,
	}

	if s.publisher == nil {
		s.publisher = events.NopPublisher{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("")
	}
	if s.txOpts.IsolationLevel == sql.LevelDefault {
		s.txOpts = database.DefaultTxOptions()
	}
	if s.idempotencyTTL <= 0 {
		s.idempotencyTTL = 24 * time.Hour
	}

	return s
}

func (s *OrderService) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// PlaceOrder creates an order, reserving and decrementing stock for every
// line in one transaction. With an idempotency key and a cache configured,
// a second request with the same key fails with ErrDuplicateRequest; the
// key is released again if placement fails.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (order *models.Order, err error) {
	ctx, span := s.startSpan(ctx, "order.place",
		attribute.Int64("user.id", req.UserID),
		attribute.Int("order.lines", len(req.Items)),
	)
	defer func() { endSpan(span, err) }()

	if req.IdempotencyKey != "" && s.cache != nil {
		ok, err := s.cache.AcquireIdempotency(ctx, req.IdempotencyKey, s.idempotencyTTL)
		if err != nil {
			return nil, fmt.Errorf("idempotency check: %w", err)
		}
		if !ok {
			return nil, ErrDuplicateRequest
		}
		defer func() {
			if order != nil {
				return
			}
			if relErr := s.cache.ReleaseIdempotency(context.WithoutCancel(ctx), req.IdempotencyKey); relErr != nil {
				s.logger.Warn("Failed to release idempotency key",
					zap.String("idempotency_key", req.IdempotencyKey), zap.Error(relErr))
			}
		}()
	}

	order, err = store.CreateOrder(ctx, s.db, s.txOpts, req.CreateOrderRequest)
	if err != nil {
		if errors.Is(err, database.ErrInsufficientStock) {
			s.logger.Info("Order rejected for insufficient stock", zap.Int64("user_id", req.UserID))
		} else {
			s.logger.Error("Failed to place order", zap.Int64("user_id", req.UserID), zap.Error(err))
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("order.id", order.ID),
		attribute.String("order.number", order.OrderNumber),
	)
	s.logger.Info("Order placed",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.TotalAmount.StringFixed(2)),
	)

	s.refreshStock(ctx, itemVariants(order.Items))
	s.publish(ctx, events.New(events.TypeOrderCreated, order))

	return order, nil
}

// TransitionOrder moves an order along its status machine. Moving into
// cancelled restores the order's stock in the same transaction; repeating
// a cancellation returns the current order with Changed set to false.
func (s *OrderService) TransitionOrder(ctx context.Context, orderID int64, to models.OrderStatus) (result *store.TransitionResult, err error) {
	ctx, span := s.startSpan(ctx, "order.transition",
		attribute.Int64("order.id", orderID),
		attribute.String("order.status.to", string(to)),
	)
	defer func() { endSpan(span, err) }()

	err = database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		var err error
		result, err = store.TransitionOrderStatus(ctx, tx, orderID, to)
		return err
	})
	if err != nil {
		s.logger.Info("Order transition rejected",
			zap.Int64("order_id", orderID), zap.String("to", string(to)), zap.Error(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("order.status.from", string(result.From)),
		attribute.Bool("order.status.changed", result.Changed),
		attribute.Int("inventory.restored_units", result.Restored),
	)

	if !result.Changed {
		s.logger.Info("Order already in requested status",
			zap.Int64("order_id", orderID), zap.String("status", string(to)))
		return result, nil
	}

	s.logger.Info("Order status changed",
		zap.Int64("order_id", orderID),
		zap.String("from", string(result.From)),
		zap.String("to", string(to)),
		zap.Int("restored_units", result.Restored),
	)

	changed := events.New(events.TypeOrderStatusChanged, result.Order)
	changed.PrevStatus = result.From
	published := []events.Event{changed}

	if models.RestoresStock(result.From, to) {
		restored := events.New(events.TypeInventoryRestored, result.Order)
		restored.PrevStatus = result.From
		restored.Units = result.Restored
		published = append(published, restored)
		s.refreshStock(ctx, itemVariants(result.Order.Items))
	}

	s.publish(ctx, published...)

	return result, nil
}

func (s *OrderService) CancelOrder(ctx context.Context, orderID int64) (*store.TransitionResult, error) {
	return s.TransitionOrder(ctx, orderID, models.OrderStatusCancelled)
}

func (s *OrderService) PayOrder(ctx context.Context, orderID int64, provider, reference string) (order *models.Order, payment *models.Payment, err error) {
	ctx, span := s.startSpan(ctx, "order.pay",
		attribute.Int64("order.id", orderID),
		attribute.String("payment.provider", provider),
	)
	defer func() { endSpan(span, err) }()

	var result *store.TransitionResult
	err = database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		var err error
		result, err = store.TransitionOrderStatus(ctx, tx, orderID, models.OrderStatusPaid)
		if err != nil {
			return err
		}

		payment, err = store.RecordPayment(ctx, tx, orderID, result.Order.TotalAmount, provider, reference)
		return err
	})
	if err != nil {
		s.logger.Info("Order payment rejected", zap.Int64("order_id", orderID), zap.Error(err))
		return nil, nil, err
	}

	s.logger.Info("Order paid",
		zap.Int64("order_id", orderID),
		zap.Int64("payment_id", payment.ID),
		zap.String("amount", payment.Amount.StringFixed(2)),
	)

	changed := events.New(events.TypeOrderStatusChanged, result.Order)
	changed.PrevStatus = result.From
	s.publish(ctx, changed)

	return result.Order, payment, nil
}

func (s *OrderService) Restock(ctx context.Context, variantID int64, quantity int) (inv *models.Inventory, err error) {
	ctx, span := s.startSpan(ctx, "inventory.restock",
		attribute.Int64("variant.id", variantID),
		attribute.Int("inventory.quantity", quantity),
	)
	defer func() { endSpan(span, err) }()

	inv, err = store.RestockVariant(ctx, s.db, variantID, quantity)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Variant restocked",
		zap.Int64("variant_id", variantID), zap.Int("quantity", quantity), zap.Int("stock", inv.Stock))
	s.cacheInventory(ctx, inv)

	return inv, nil
}

// StockTake overwrites a variant's stock with a counted level. version must
// match the inventory row, otherwise ErrOptimisticLockFailed is returned and
// nothing changes.
func (s *OrderService) StockTake(ctx context.Context, variantID int64, counted, version int) (inv *models.Inventory, err error) {
	ctx, span := s.startSpan(ctx, "inventory.stock_take",
		attribute.Int64("variant.id", variantID),
		attribute.Int("inventory.counted", counted),
		attribute.Int("inventory.version", version),
	)
	defer func() { endSpan(span, err) }()

	if err := store.UpdateStockOptimistic(ctx, s.db, variantID, counted, version); err != nil {
		s.logger.Info("Stock take rejected", zap.Int64("variant_id", variantID), zap.Error(err))
		return nil, err
	}

	inv, err = store.GetInventory(ctx, s.db, variantID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Stock counted",
		zap.Int64("variant_id", variantID), zap.Int("stock", inv.Stock), zap.Int("version", inv.Version))
	s.cacheInventory(ctx, inv)

	return inv, nil
}

func (s *OrderService) VariantStock(ctx context.Context, variantID int64) (stock int, err error) {
	ctx, span := s.startSpan(ctx, "inventory.stock", attribute.Int64("variant.id", variantID))
	defer func() { endSpan(span, err) }()

	if s.cache != nil {
		stock, err := s.cache.GetStock(ctx, variantID)
		if err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return stock, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("Stock cache read failed", zap.Int64("variant_id", variantID), zap.Error(err))
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	inv, err := store.GetInventory(ctx, s.db, variantID)
	if err != nil {
		return 0, err
	}
	s.cacheInventory(ctx, inv)

	return inv.Stock, nil
}

func (s *OrderService) refreshStock(ctx context.Context, variantIDs []int64) {
	if s.cache == nil {
		return
	}

	for _, id := range variantIDs {
		inv, err := store.GetInventory(ctx, s.db, id)
		if err != nil {
			s.logger.Warn("Failed to read stock for cache refresh", zap.Int64("variant_id", id), zap.Error(err))
			if err := s.cache.InvalidateStock(ctx, id); err != nil {
				s.logger.Warn("Failed to invalidate cached stock", zap.Int64("variant_id", id), zap.Error(err))
			}
			continue
		}
		s.cacheInventory(ctx, inv)
	}
}

func (s *OrderService) cacheInventory(ctx context.Context, inv *models.Inventory) {
	if s.cache == nil {
		return
	}

	if _, err := s.cache.SetStock(ctx, inv.VariantID, inv.Stock, inv.Version); err != nil {
		s.logger.Warn("Failed to cache stock", zap.Int64("variant_id", inv.VariantID), zap.Error(err))
	}
}

func (s *OrderService) publish(ctx context.Context, evs ...events.Event) {
	if err := s.publisher.Publish(ctx, evs...); err != nil {
		for _, e := range evs {
			s.logger.Error("Failed to publish event",
				zap.String("event_type", string(e.Type)), zap.Int64("order_id", e.OrderID), zap.Error(err))
		}
	}
}

func itemVariants(items []models.OrderItem) []int64 {
	seen := make(map[int64]bool, len(items))
	var ids []int64
	for _, item := range items {
		if !seen[item.VariantID] {
			seen[item.VariantID] = true
			ids = append(ids, item.VariantID)
		}
	}
	return ids
}
