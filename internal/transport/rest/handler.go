// Package rest exposes the cart over HTTP. The cart lives in a cookie, so every
// request builds its own cart.Manager over the request/response pair.
package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/abgdnv/cartsync/internal/cart"
	"github.com/abgdnv/cartsync/internal/cart/store"
	carterrors "github.com/abgdnv/cartsync/internal/errors"
	"github.com/abgdnv/cartsync/pkg/web"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type Handler struct {
	fetcher  cart.ProductFetcher
	cookie   store.CookieOptions
	opts     []cart.Option
	validate *validator.Validate
	logger   *slog.Logger

	// cartLogger is handed to the per-request manager and store.
	cartLogger *slog.Logger
}

type AddItemRequest struct {
	ID string `json:"id" validate:"required,max=128"`
}

type ChangeCountRequest struct {
	ID   string `json:"-" validate:"required,max=128"`
	Mode string `json:"mode" validate:"required,oneof=increase decrease"`
}

type itemPath struct {
	ID string `validate:"required,max=128"`
}

// CartResponse is the body of every successful cart response.
type CartResponse struct {
	Items []cart.Entry `json:"items"`
	IDs   []string     `json:"ids"`
	State string       `json:"state"`
}

// NewHandler creates a cart handler. opts are applied to every per-request manager.
func NewHandler(fetcher cart.ProductFetcher, cookie store.CookieOptions, logger *slog.Logger, opts ...cart.Option) *Handler {
	return &Handler{
		fetcher:  fetcher,
		cookie:   cookie,
		opts:     opts,
		validate: validator.New(),
		logger:   logger.With("component", "rest"),

		cartLogger: logger,
	}
}

// RegisterRoutes registers the HTTP routes for the cart.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/cart", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Clear)
		r.Route("/items", func(r chi.Router) {
			r.Post("/", h.AddItem)
			r.Patch("/{id}", h.ChangeCount)
			r.Delete("/{id}", h.RemoveItem)
		})
	})
	r.Get("/healthz", h.HealthCheck)
}

// Get returns the cart entries for the identifiers in the request cookie.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.withCart(w, r, func(context.Context, *cart.Manager) error { return nil })
}

// AddItem adds one unit of a product.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequest
	if !web.DecodeAndValidate(w, r, h.logger, h.validate, &req) {
		return
	}
	h.logger.DebugContext(r.Context(), "Received request to add cart item", "product_id", req.ID)
	h.withCart(w, r, func(ctx context.Context, m *cart.Manager) error {
		return m.AddItem(ctx, req.ID)
	})
}

// ChangeCount increases or decreases the units of a product already in the cart.
func (h *Handler) ChangeCount(w http.ResponseWriter, r *http.Request) {
	req := ChangeCountRequest{ID: chi.URLParam(r, "id")}
	if !web.DecodeAndValidate(w, r, h.logger, h.validate, &req) {
		return
	}
	h.logger.DebugContext(r.Context(), "Received request to change cart item count", "product_id", req.ID, "mode", req.Mode)
	h.withCart(w, r, func(ctx context.Context, m *cart.Manager) error {
		return m.ChangeCount(ctx, req.ID, cart.Mode(req.Mode))
	})
}

// RemoveItem removes every unit of a product.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	path := itemPath{ID: chi.URLParam(r, "id")}
	if !web.Validate(w, r, h.logger, h.validate, path) {
		return
	}
	h.logger.DebugContext(r.Context(), "Received request to remove cart item", "product_id", path.ID)
	h.withCart(w, r, func(ctx context.Context, m *cart.Manager) error {
		return m.RemoveItem(ctx, path.ID)
	})
}

// Clear empties the cart.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	h.logger.DebugContext(r.Context(), "Received request to clear cart")
	h.withCart(w, r, func(ctx context.Context, m *cart.Manager) error {
		return m.Clear(ctx)
	})
}

// HealthCheck is a simple health check endpoint.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// withCart loads the cart from the request cookie, applies op and answers with
// the synced entries. The sync runs once, for the identifiers left after op.
// The cookie is written by op before any sync error is reported.
func (h *Handler) withCart(w http.ResponseWriter, r *http.Request, op func(context.Context, *cart.Manager) error) {
	ctx := r.Context()
	logger := h.logger
	m := cart.NewManager(store.NewCookieStore(w, r, h.cookie, h.cartLogger), h.fetcher, h.cartLogger, h.opts...)
	defer m.Close()

	if err := m.Load(ctx, cart.DeferSync()); err != nil {
		logger.ErrorContext(ctx, "Error loading cart", "error", err)
		web.RespondError(w, logger, http.StatusInternalServerError, "Failed to load cart")
		return
	}
	if err := op(ctx, m); err != nil {
		if errors.Is(err, carterrors.ErrInvalidMode) {
			web.RespondError(w, logger, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, carterrors.ErrCartTooLarge) {
			logger.WarnContext(ctx, "Rejected cart change", "error", err)
			web.RespondError(w, logger, http.StatusRequestEntityTooLarge, "Cart is too large")
			return
		}
		logger.ErrorContext(ctx, "Error updating cart", "error", err)
		web.RespondError(w, logger, http.StatusInternalServerError, "Failed to update cart")
		return
	}
	// no-op when op already started a sync
	if err := m.Sync(ctx); err != nil {
		logger.ErrorContext(ctx, "Error syncing cart", "error", err)
		web.RespondError(w, logger, http.StatusInternalServerError, "Failed to sync cart")
		return
	}

	entries, err := m.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.DebugContext(ctx, "Client went away before the cart was synced", "error", err)
			return
		}
		status, message := syncErrorStatus(err)
		logger.WarnContext(ctx, "Cart sync failed", "status", status, "error", err)
		web.RespondError(w, logger, status, message)
		return
	}
	web.RespondJSON(w, logger, http.StatusOK, CartResponse{
		Items: entries,
		IDs:   m.IDs(),
		State: m.State().String(),
	})
}

// syncErrorStatus maps a failed sync to an HTTP status and message.
func syncErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, carterrors.ErrProductNotFound):
		return http.StatusNotFound, "One or more products in the cart were not found"
	case errors.Is(err, carterrors.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "Product service is unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Product service timed out"
	default:
		return http.StatusBadGateway, "Failed to fetch cart products"
	}
}
