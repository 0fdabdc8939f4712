package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/rl1809/cart-inventory/internal/core/domain"
)

const (
	// UserIDHeader carries the caller identity resolved by the upstream auth layer.
	UserIDHeader         = "X-User-ID"
	IdempotencyKeyHeader = "Idempotency-Key"

	maxRequestBodySize = 1 << 16
)

// CartService is the engine surface exposed over the transports.
type CartService interface {
	AddItem(ctx context.Context, userID, productID string) (*domain.CartView, error)
	AddItemOnce(ctx context.Context, requestID, userID, productID string) (*domain.CartView, error)
	UpdateItem(ctx context.Context, userID, productID, action string) (*domain.LineUpdate, error)
	DeleteItem(ctx context.Context, userID, productID string) (*domain.CartView, error)
	GetCart(ctx context.Context, userID string) (*domain.CartView, error)
}

type HTTPHandler struct {
	cartService CartService
	log         zerolog.Logger
}

type AddItemHTTPRequest struct {
	ProductID string `json:"product_id"`
}

type UpdateItemHTTPRequest struct {
	Action string `json:"action"`
}

type HTTPResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewHTTPHandler(cartService CartService, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{cartService: cartService, log: log}
}

// Routes mounts the cart API. metrics may be nil.
func (h *HTTPHandler) Routes(metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/api/v1/cart", func(r chi.Router) {
		r.Use(requireUser)
		r.Get("/", h.GetCart)
		r.Post("/items", h.AddItem)
		r.Patch("/items/{product_id}", h.UpdateItem)
		r.Delete("/items/{product_id}", h.DeleteItem)
	})

	return r
}

func (h *HTTPHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{
			Message: "product_id is required",
			Code:    string(domain.KindInvalidArgument),
		})
		return
	}

	view, err := h.cartService.AddItemOnce(r.Context(), r.Header.Get(IdempotencyKeyHeader), userIDFrom(r.Context()), req.ProductID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, HTTPResponse{
		Success: true,
		Message: "Product added to cart",
		Data:    view,
	})
}

func (h *HTTPHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}

	update, err := h.cartService.UpdateItem(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "product_id"), req.Action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	message := "Cart item updated"
	if update.Removed {
		message = "Product removed from cart"
	}
	writeJSON(w, http.StatusOK, HTTPResponse{
		Success: true,
		Message: message,
		Data:    update,
	})
}

func (h *HTTPHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	view, err := h.cartService.DeleteItem(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "product_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HTTPResponse{
		Success: true,
		Message: "Product removed from cart",
		Data:    view,
	})
}

func (h *HTTPHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	view, err := h.cartService.GetCart(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	message := "Cart fetched"
	if view.IsEmpty() {
		message = "Cart is empty"
	}
	writeJSON(w, http.StatusOK, HTTPResponse{
		Success: true,
		Message: message,
		Data:    view,
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := httpStatus(kind)

	message := err.Error()
	if kind == domain.KindInternal {
		h.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		message = "internal error"
	}

	writeJSON(w, status, HTTPResponse{
		Message: message,
		Code:    string(kind),
	})
}

func httpStatus(kind domain.Kind) int {
	switch kind {
	case domain.KindNotFound, domain.KindLineNotFound:
		return http.StatusNotFound
	case domain.KindOutOfStock, domain.KindDuplicateRequest:
		return http.StatusConflict
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type ctxKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, HTTPResponse{
				Message: "missing user identity",
				Code:    "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(ctxKey{}).(string)
	return userID
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		message := "invalid request body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			message = "request body too large"
		}
		writeJSON(w, http.StatusBadRequest, HTTPResponse{
			Message: message,
			Code:    string(domain.KindInvalidArgument),
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
