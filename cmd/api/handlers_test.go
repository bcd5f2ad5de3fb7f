package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/safar/shop-inventory/internal/database"
	"github.com/safar/shop-inventory/internal/service"
	"go.uber.org/zap"
)

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{database.ErrVariantNotFound, http.StatusNotFound},
		{fmt.Errorf("get order: %w", database.ErrOrderNotFound), http.StatusNotFound},
		{fmt.Errorf("reserve variant 3: %w", database.ErrInsufficientStock), http.StatusConflict},
		{service.ErrDuplicateRequest, http.StatusConflict},
		{&pq.Error{Code: "23505"}, http.StatusConflict},
		{fmt.Errorf("%w: completed -> cancelled", database.ErrInvalidTransition), http.StatusUnprocessableEntity},
		{database.ErrInvalidQuantity, http.StatusUnprocessableEntity},
		{database.ErrEmptyOrder, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: illegal base64 data", database.ErrInvalidCursor), http.StatusBadRequest},
		{fmt.Errorf("%w, got 150", database.ErrInvalidDiscount), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: %w", database.ErrLockTimeout, &pq.Error{Code: "55P03"}), http.StatusConflict},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRejectsMalformedRequests(t *testing.T) {
	a := &api{logger: zap.NewNop()}
	handler := a.routes()

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/orders/abc", "", http.StatusBadRequest},
		{http.MethodGet, "/variants/0/stock", "", http.StatusBadRequest},
		{http.MethodPost, "/orders", "{not json", http.StatusBadRequest},
		{http.MethodPost, "/orders/1/status", "{not json", http.StatusBadRequest},
		{http.MethodPost, "/orders/1/status", `{"status":"lost"}`, http.StatusUnprocessableEntity},
		{http.MethodDelete, "/orders/1", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/users/1/orders?cursor=!!!notbase64", "", http.StatusBadRequest},
		{http.MethodPost, "/discounts", `{"code":"BIG","percent_off":"150"}`, http.StatusUnprocessableEntity},
		{http.MethodPut, "/variants/1/stock", "{not json", http.StatusBadRequest},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != tt.want {
			t.Errorf("%s %s: status = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func TestRespondErrorBody(t *testing.T) {
	a := &api{logger: zap.NewNop()}
	rec := httptest.NewRecorder()

	a.respondStoreError(rec, errors.New("dial tcp: refused"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "Internal server error" {
		t.Errorf("internal error leaked: %q", body["error"])
	}
}
