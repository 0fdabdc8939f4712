package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/cart-inventory/internal/adapter/storage"
	"github.com/rl1809/cart-inventory/internal/core/domain"
	"github.com/rl1809/cart-inventory/internal/core/service"
)

type cartEnvelope struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Code    string           `json:"code"`
	Data    *domain.CartView `json:"data"`
}

type updateEnvelope struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Data    *domain.LineUpdate `json:"data"`
}

func setupHTTP(t *testing.T, opts ...service.Option) (http.Handler, *storage.MemoryStore) {
	t.Helper()

	store := storage.NewMemoryStore()
	_, err := store.ProvisionProduct(context.Background(), "item-1", "Keyboard", decimal.RequireFromString("12.50"), 2)
	require.NoError(t, err)

	svc := service.NewCartService(store, store, opts...)
	h := NewHTTPHandler(svc, zerolog.Nop())
	return h.Routes(nil), store
}

func doRequest(t *testing.T, router http.Handler, method, path, userID string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_AddItem(t *testing.T) {
	router, store := setupHTTP(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/cart/items", "user-1", AddItemHTTPRequest{ProductID: "item-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp cartEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Data)
	require.Len(t, resp.Data.Items, 1)
	assert.Equal(t, 1, resp.Data.Items[0].Quantity)
	assert.True(t, resp.Data.TotalPrice.Equal(decimal.RequireFromString("12.5")))

	stock, _ := store.Stock("item-1")
	assert.Equal(t, 1, stock)
}

func TestHTTP_AddItemErrors(t *testing.T) {
	router, _ := setupHTTP(t)

	tests := []struct {
		name       string
		userID     string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{"missing user", "", AddItemHTTPRequest{ProductID: "item-1"}, http.StatusUnauthorized, "unauthorized"},
		{"missing product", "user-1", AddItemHTTPRequest{}, http.StatusBadRequest, "invalid_argument"},
		{"unknown product", "user-1", AddItemHTTPRequest{ProductID: "ghost"}, http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/api/v1/cart/items", tt.userID, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp cartEnvelope
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}

func TestHTTP_AddItemInvalidJSON(t *testing.T) {
	router, _ := setupHTTP(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", bytes.NewBufferString("{"))
	req.Header.Set(UserIDHeader, "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_OutOfStock(t *testing.T) {
	router, _ := setupHTTP(t)

	for _, user := range []string{"user-1", "user-2"} {
		rec := doRequest(t, router, http.MethodPost, "/api/v1/cart/items", user, AddItemHTTPRequest{ProductID: "item-1"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(t, router, http.MethodPost, "/api/v1/cart/items", "user-3", AddItemHTTPRequest{ProductID: "item-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp cartEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "out_of_stock", resp.Code)
}

func TestHTTP_IdempotencyKey(t *testing.T) {
	cache := storage.NewRedisAdapter(newTestRedis(t), 0)
	router, store := setupHTTP(t, service.WithCache(cache))

	rec := doRequest(t, router, http.MethodPost, "/api/v1/cart/items", "user-1", AddItemHTTPRequest{ProductID: "item-1"}, IdempotencyKeyHeader, "req-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/cart/items", "user-1", AddItemHTTPRequest{ProductID: "item-1"}, IdempotencyKeyHeader, "req-1")
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp cartEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "duplicate_request", resp.Code)

	stock, _ := store.Stock("item-1")
	assert.Equal(t, 1, stock)
}

func TestHTTP_UpdateItem(t *testing.T) {
	router, _ := setupHTTP(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/cart/items", "user-1", AddItemHTTPRequest{ProductID: "item-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodPatch, "/api/v1/cart/items/item-1", "user-1", UpdateItemHTTPRequest{Action: "increment"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp updateEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Data.Line)
	assert.Equal(t, 2, resp.Data.Line.Quantity)
	assert.Equal(t, "Cart item updated", resp.Message)

	rec = doRequest(t, router, http.MethodPatch, "/api/v1/cart/items/item-1", "user-1", UpdateItemHTTPRequest{Action: "explode"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for i := 0; i < 2; i++ {
		rec = doRequest(t, router, http.MethodPatch, "/api/v1/cart/items/item-1", "user-1", UpdateItemHTTPRequest{Action: "decrement"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	resp = updateEnvelope{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Data.Removed)
	assert.Equal(t, "Product removed from cart", resp.Message)
	assert.True(t, resp.Data.Cart.IsEmpty())

	rec = doRequest(t, router, http.MethodPatch, "/api/v1/cart/items/item-1", "user-1", UpdateItemHTTPRequest{Action: "decrement"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_DeleteAndGetCart(t *testing.T) {
	router, store := setupHTTP(t)

	for i := 0; i < 2; i++ {
		rec := doRequest(t, router, http.MethodPost, "/api/v1/cart/items", "user-1", AddItemHTTPRequest{ProductID: "item-1"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/v1/cart/", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp cartEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Data.TotalPrice.Equal(decimal.NewFromInt(25)))

	rec = doRequest(t, router, http.MethodDelete, "/api/v1/cart/items/item-1", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stock, _ := store.Stock("item-1")
	assert.Equal(t, 2, stock)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/cart/", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = cartEnvelope{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Cart is empty", resp.Message)
	assert.Empty(t, resp.Data.Items)
	assert.True(t, resp.Data.TotalPrice.IsZero())
}

func TestHTTP_HealthCheck(t *testing.T) {
	router, _ := setupHTTP(t)

	rec := doRequest(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(domain.KindConflict))
	assert.Equal(t, http.StatusNotFound, httpStatus(domain.KindLineNotFound))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(domain.KindInternal))
}
