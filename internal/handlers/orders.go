package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/platform/pagination"
	"github.com/storefront/api/internal/services"
)

type placeOrderRequest struct {
	CartID string `json:"cartId"`
	Notes  string `json:"notes"`
}

type statusTransitionRequest struct {
	Status string `json:"status"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers serves the /orders endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithPlacementMiddleware wraps POST /orders, typically with the idempotency middleware.
func WithPlacementMiddleware(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// NewOrderHandlers constructs OrderHandlers.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the order endpoints on r.
func (h *OrderHandlers) Routes(r chi.Router) {
	r.Group(func(user chi.Router) {
		user.Use(h.authn.RequireUser())
		user.With(h.placementMiddleware()).Post("/", h.placeOrder)
		user.Get("/me", h.listMyOrders)
		user.Get("/{orderID}", h.getOrder)
		user.Post("/{orderID}/cancel", h.cancelOrder)
	})
	r.Group(func(admin chi.Router) {
		admin.Use(h.authn.RequireAdmin())
		admin.Get("/", h.listOrders)
		admin.Patch("/{orderID}/status", h.transitionStatus)
	})
}

func (h *OrderHandlers) placementMiddleware() func(http.Handler) http.Handler {
	if h.idempotency != nil {
		return h.idempotency
	}
	return func(next http.Handler) http.Handler { return next }
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req placeOrderRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}

	placed, err := h.orders.PlaceOrder(ctx, services.PlaceOrderCommand{
		UserID: identity.UID,
		CartID: strings.TrimSpace(req.CartID),
		Notes:  req.Notes,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+url.PathEscape(placed.Order.ID))
	httpx.WriteJSON(w, http.StatusCreated, placedOrderPayload{
		orderPayload: buildOrderPayload(placed.Order),
		Payment: paymentOutcomePayload{
			State:           string(placed.Payment.State),
			PaymentIntentID: placed.Payment.IntentID,
			ClientSecret:    placed.Payment.ClientSecret,
			Reason:          placed.Payment.Reason,
		},
	})
}

func (h *OrderHandlers) listMyOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}

	page, err := h.orders.ListUserOrders(ctx, identity.UID, domain.Pagination{
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPagePayload(page))
}

// listOrders is the admin view across every customer.
func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}

	page, err := h.orders.ListOrders(ctx, domain.Pagination{
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPagePayload(page))
}

func buildOrderPagePayload(page domain.CursorPage[services.Order]) orderPagePayload {
	payload := orderPagePayload{
		Items:         make([]orderPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		payload.Items = append(payload.Items, buildOrderPayload(order))
	}
	return payload
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: identity.UID,
		IsAdmin: identity.IsAdmin(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req statusTransitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	target := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !target.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_status", "unknown order status "+req.Status, http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:      chi.URLParam(r, "orderID"),
		TargetStatus: target,
		ActorID:      identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}
