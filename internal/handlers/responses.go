package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/platform/requestctx"
	"github.com/storefront/api/internal/services"
)

type orderItemPayload struct {
	ID          string `json:"id"`
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
	Price       string `json:"price"`
	Subtotal    string `json:"subtotal"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	OrderNumber     string             `json:"orderNumber"`
	UserID          string             `json:"userId"`
	CartID          string             `json:"cartId,omitempty"`
	Items           []orderItemPayload `json:"items"`
	TotalPrice      string             `json:"totalPrice"`
	Status          string             `json:"status"`
	PaymentStatus   string             `json:"paymentStatus"`
	PaymentIntentID string             `json:"paymentIntentId,omitempty"`
	Notes           string             `json:"notes,omitempty"`
	PaidAt          string             `json:"paidAt,omitempty"`
	CanceledAt      string             `json:"canceledAt,omitempty"`
	CreatedAt       string             `json:"createdAt"`
	UpdatedAt       string             `json:"updatedAt"`
}

type paymentOutcomePayload struct {
	State           string `json:"state"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	ClientSecret    string `json:"clientSecret,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

type placedOrderPayload struct {
	orderPayload
	Payment paymentOutcomePayload `json:"payment"`
}

type orderPagePayload struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			Price:       money(item.Price),
			Subtotal:    money(item.Subtotal()),
		})
	}
	return orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		CartID:          order.CartID,
		Items:           items,
		TotalPrice:      money(order.TotalPrice),
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentIntentID: order.PaymentIntentID,
		Notes:           order.Notes,
		PaidAt:          formatOptionalTime(order.PaidAt),
		CanceledAt:      formatOptionalTime(order.CanceledAt),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}
}

func money(amount decimal.Decimal) string {
	return domain.FormatMoney(amount)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

// decodeOptionalJSON decodes the body into dst, treating an empty body as an empty object.
func decodeOptionalJSON(r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(r, dst); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		return err
	}
	return nil
}

func writeBadRequest(ctx context.Context, w http.ResponseWriter, message string) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_input", message, http.StatusBadRequest))
}

type errorMapping struct {
	target error
	code   string
	status int
}

var serviceErrorMappings = []errorMapping{
	{services.ErrOrderInvalidInput, "invalid_input", http.StatusBadRequest},
	{services.ErrOrderEmptyCart, "empty_cart", http.StatusBadRequest},
	{services.ErrOrderInsufficientStock, "insufficient_stock", http.StatusBadRequest},
	{services.ErrOrderProductUnavailable, "product_unavailable", http.StatusBadRequest},
	{services.ErrOrderInvalidTransition, "invalid_transition", http.StatusBadRequest},
	{services.ErrOrderNotCancellable, "not_cancellable", http.StatusBadRequest},
	{services.ErrOrderNotOwner, "not_owner", http.StatusBadRequest},
	{services.ErrOrderCartNotFound, "cart_not_found", http.StatusNotFound},
	{services.ErrOrderNotFound, "order_not_found", http.StatusNotFound},
	{services.ErrOrderConflict, "conflict", http.StatusConflict},
	{services.ErrOrderUnavailable, "unavailable", http.StatusServiceUnavailable},

	{services.ErrStockInvalidInput, "invalid_input", http.StatusBadRequest},
	{services.ErrStockInsufficient, "insufficient_stock", http.StatusConflict},
	{services.ErrStockProductNotFound, "stock_conflict", http.StatusConflict},

	{services.ErrPaymentInvalidInput, "invalid_input", http.StatusBadRequest},
	{services.ErrPaymentInvalidState, "invalid_state", http.StatusBadRequest},
	{services.ErrPaymentOrderNotFound, "order_not_found", http.StatusNotFound},
	{services.ErrPaymentConflict, "conflict", http.StatusConflict},
	{services.ErrPaymentGateway, "gateway_error", http.StatusBadGateway},
	{services.ErrPaymentNotConfigured, "not_configured", http.StatusServiceUnavailable},
	{services.ErrPaymentUnavailable, "unavailable", http.StatusServiceUnavailable},

	{services.ErrWebhookInvalidSignature, "invalid_signature", http.StatusBadRequest},
	{services.ErrWebhookInvalidPayload, "invalid_payload", http.StatusBadRequest},
	{services.ErrWebhookMissingOrder, "missing_order_metadata", http.StatusBadRequest},
	{services.ErrWebhookNotConfigured, "not_configured", http.StatusServiceUnavailable},
}

// writeServiceError translates service sentinels into the JSON error envelope. Unmapped errors are
// logged and reported as 500 without leaking their text.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	for _, m := range serviceErrorMappings {
		if errors.Is(err, m.target) {
			httpx.WriteError(ctx, w, httpx.NewError(m.code, err.Error(), m.status))
			return
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
		return
	}
	requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("internal", "internal server error", http.StatusInternalServerError))
}
