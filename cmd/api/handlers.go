package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/safar/shop-inventory/internal/database"
	"github.com/safar/shop-inventory/internal/models"
	"github.com/safar/shop-inventory/internal/service"
	"github.com/safar/shop-inventory/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type api struct {
	db     *sql.DB
	orders *service.OrderService
	logger *zap.Logger
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /users", a.handleCreateUser)
	mux.HandleFunc("GET /users", a.handleListUsers)
	mux.HandleFunc("GET /users/{id}", a.handleGetUser)
	mux.HandleFunc("GET /users/{id}/orders", a.handleListUserOrders)

	mux.HandleFunc("POST /products", a.handleCreateProduct)
	mux.HandleFunc("GET /products", a.handleListProducts)
	mux.HandleFunc("GET /products/{id}", a.handleGetProduct)

	mux.HandleFunc("POST /variants", a.handleCreateVariant)
	mux.HandleFunc("GET /variants/{id}", a.handleGetVariant)
	mux.HandleFunc("GET /variants/{id}/stock", a.handleVariantStock)
	mux.HandleFunc("PUT /variants/{id}/stock", a.handleStockTake)
	mux.HandleFunc("POST /variants/{id}/restock", a.handleRestock)
	mux.HandleFunc("GET /inventory/low-stock", a.handleLowStock)

	mux.HandleFunc("POST /discounts", a.handleCreateDiscount)
	mux.HandleFunc("DELETE /discounts/{code}", a.handleDeactivateDiscount)

	mux.HandleFunc("POST /orders", a.handleCreateOrder)
	mux.HandleFunc("GET /orders/{id}", a.handleGetOrder)
	mux.HandleFunc("POST /orders/{id}/status", a.handleOrderStatus)
	mux.HandleFunc("POST /orders/{id}/cancel", a.handleCancelOrder)
	mux.HandleFunc("POST /orders/{id}/pay", a.handlePayOrder)

	return mux
}

func (a *api) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := store.CreateUser(r.Context(), a.db, req.Email, req.Name)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusCreated, user)
}

func (a *api) handleListUsers(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)

	result, err := store.ListUsers(r.Context(), a.db, page, pageSize)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, result)
}

func (a *api) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r, "Invalid user ID")
	if !ok {
		return
	}

	user, err := store.GetUser(r.Context(), a.db, id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, user)
}

func (a *api) handleListUserOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r, "Invalid user ID")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	page, err := store.ListOrdersCursor(r.Context(), a.db, id, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, page)
}

func (a *api) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SKU         string          `json:"sku"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Category    string          `json:"category"`
		Brand       string          `json:"brand"`
		Price       decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()
	create := store.CreateProductRequest{
		SKU:         req.SKU,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
	}

	if req.Category != "" {
		category, err := store.EnsureCategory(ctx, a.db, req.Category)
		if err != nil {
			a.respondStoreError(w, err)
			return
		}
		create.CategoryID = &category.ID
	}
	if req.Brand != "" {
		brand, err := store.EnsureBrand(ctx, a.db, req.Brand)
		if err != nil {
			a.respondStoreError(w, err)
			return
		}
		create.BrandID = &brand.ID
	}

	product, err := store.CreateProduct(ctx, a.db, create)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusCreated, product)
}

func (a *api) handleListProducts(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)

	result, err := store.ListProducts(r.Context(), a.db, page, pageSize)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, result)
}

func (a *api) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r, "Invalid product ID")
	if !ok {
		return
	}

	product, err := store.GetProduct(r.Context(), a.db, id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, product)
}

func (a *api) handleCreateVariant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID    int64           `json:"product_id"`
		SKU          string          `json:"sku"`
		Color        string          `json:"color"`
		Size         string          `json:"size"`
		Price        decimal.Decimal `json:"price"`
		Stock        int             `json:"stock"`
		ReorderPoint int             `json:"reorder_point"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()
	create := store.CreateVariantRequest{
		ProductID:    req.ProductID,
		SKU:          req.SKU,
		Price:        req.Price,
		InitialStock: req.Stock,
		ReorderPoint: req.ReorderPoint,
	}

	if req.Color != "" {
		color, err := store.EnsureColor(ctx, a.db, req.Color)
		if err != nil {
			a.respondStoreError(w, err)
			return
		}
		create.ColorID = &color.ID
	}
	if req.Size != "" {
		size, err := store.EnsureSize(ctx, a.db, req.Size)
		if err != nil {
			a.respondStoreError(w, err)
			return
		}
		create.SizeID = &size.ID
	}

	variant, err := store.CreateVariant(ctx, a.db, create)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusCreated, variant)
}

func (a *api) handleGetVariant(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r, "Invalid variant ID")
	if !ok {
		return
	}

	variant, err := store.GetVariant(r.Context(), a.db, id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, variant)
}

func (a *api) handleVariantStock(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r, "Invalid variant ID")
	if !ok {
		return
	}

	stock, err := a.orders.VariantStock(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, map[string]any{"variant_id": id, "stock": stock})
}

func (a *api) handleStockTake(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r, "Invalid variant ID")
	if !ok {
		return
	}

	var req struct {
		Stock   int `json:"stock"`
		Version int `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	inv, err := a.orders.StockTake(r.Context(), id, req.Stock, req.Version)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, inv)
}

func (a *api) handleRestock(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r, "Invalid variant ID")
	if !ok {
		return
	}

	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	inv, err := a.orders.Restock(r.Context(), id, req.Quantity)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, inv)
}

func (a *api) handleLowStock(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	variants, err := store.ListLowStock(r.Context(), a.db, limit)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, variants)
}

func (a *api) handleCreateDiscount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code       string          `json:"code"`
		PercentOff decimal.Decimal `json:"percent_off"`
		ValidFrom  *time.Time      `json:"valid_from"`
		ValidUntil *time.Time      `json:"valid_until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	discount, err := store.CreateDiscount(r.Context(), a.db, store.CreateDiscountRequest{
		Code:       req.Code,
		PercentOff: req.PercentOff,
		ValidFrom:  req.ValidFrom,
		ValidUntil: req.ValidUntil,
	})
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusCreated, discount)
}

func (a *api) handleDeactivateDiscount(w http.ResponseWriter, r *http.Request) {
	if err := store.DeactivateDiscount(r.Context(), a.db, r.PathValue("code")); err != nil {
		a.respondStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       int64  `json:"user_id"`
		DiscountCode string `json:"discount_code"`
		Items        []struct {
			VariantID int64 `json:"variant_id"`
			Quantity  int   `json:"quantity"`
		} `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var items []store.OrderItemRequest
	for _, item := range req.Items {
		items = append(items, store.OrderItemRequest{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}

	order, err := a.orders.PlaceOrder(r.Context(), service.PlaceOrderRequest{
		CreateOrderRequest: store.CreateOrderRequest{
			UserID:       req.UserID,
			Items:        items,
			DiscountCode: req.DiscountCode,
			NoWait:       r.URL.Query().Get("nowait") == "true",
		},
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusCreated, order)
}

func (a *api) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r, "Invalid order ID")
	if !ok {
		return
	}

	order, err := store.GetOrder(r.Context(), a.db, id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, order)
}

func (a *api) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r, "Invalid order ID")
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	status, err := models.ParseOrderStatus(req.Status)
	if err != nil {
		a.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	result, err := a.orders.TransitionOrder(r.Context(), id, status)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, result.Order)
}

func (a *api) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r, "Invalid order ID")
	if !ok {
		return
	}

	result, err := a.orders.CancelOrder(r.Context(), id)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, map[string]any{
		"order":          result.Order,
		"restored_units": result.Restored,
	})
}

func (a *api) handlePayOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r, "Invalid order ID")
	if !ok {
		return
	}

	var req struct {
		Provider  string `json:"provider"`
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, payment, err := a.orders.PayOrder(r.Context(), id, req.Provider, req.Reference)
	if err != nil {
		a.respondStoreError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, map[string]any{"order": order, "payment": payment})
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	return store.NormalizePage(page, pageSize)
}

func (a *api) pathID(w http.ResponseWriter, r *http.Request, message string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		a.respondError(w, http.StatusBadRequest, message)
		return 0, false
	}
	return id, true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrVariantNotFound),
		errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrDiscountNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrInsufficientStock),
		errors.Is(err, service.ErrDuplicateRequest),
		errors.Is(err, database.ErrOptimisticLockFailed),
		errors.Is(err, database.ErrLockTimeout):
		return http.StatusConflict
	case errors.Is(err, database.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrInvalidTransition),
		errors.Is(err, database.ErrInvalidQuantity),
		errors.Is(err, database.ErrInvalidDiscount),
		errors.Is(err, database.ErrEmptyOrder):
		return http.StatusUnprocessableEntity
	case database.IsUniqueViolation(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) respondStoreError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("Request failed", zap.Error(err))
		a.respondError(w, status, "Internal server error")
		return
	}
	a.respondError(w, status, err.Error())
}

func (a *api) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("Error encoding JSON response", zap.Error(err))
	}
}

func (a *api) respondError(w http.ResponseWriter, status int, message string) {
	a.respondJSON(w, status, map[string]string{"error": message})
}
