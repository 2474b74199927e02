package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/platform/requestctx"
	"github.com/storefront/api/internal/services"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	maxWebhookBodyBytes   = 512 << 10
)

type createIntentRequest struct {
	OrderID string `json:"orderId"`
}

type intentPayload struct {
	PaymentIntentID string `json:"paymentIntentId"`
	ClientSecret    string `json:"clientSecret"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
	OrderID         string `json:"orderId"`
}

type refundPayload struct {
	RefundID string `json:"refundId"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
}

// StripeHandlers serves payment intent management and the Stripe webhook.
type StripeHandlers struct {
	authn      *auth.Authenticator
	payments   services.PaymentService
	reconciler services.WebhookReconciler
}

// NewStripeHandlers constructs StripeHandlers.
func NewStripeHandlers(authn *auth.Authenticator, payments services.PaymentService, reconciler services.WebhookReconciler) *StripeHandlers {
	return &StripeHandlers{authn: authn, payments: payments, reconciler: reconciler}
}

// Routes registers the /stripe endpoints. The webhook is public and authenticated by its signature.
func (h *StripeHandlers) Routes(r chi.Router) {
	r.Post("/webhook", h.webhook)
	r.Group(func(user chi.Router) {
		user.Use(h.authn.RequireUser())
		user.Post("/create-payment-intent", h.createPaymentIntent)
		user.Post("/cancel-payment/{paymentIntentID}", h.cancelPayment)
	})
	r.Group(func(admin chi.Router) {
		admin.Use(h.authn.RequireAdmin())
		admin.Post("/refund/{orderID}", h.refundOrder)
	})
}

func (h *StripeHandlers) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createIntentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}

	result, err := h.payments.CreateIntent(ctx, services.CreatePaymentIntentCommand{
		OrderID: strings.TrimSpace(req.OrderID),
		ActorID: identity.UID,
		IsAdmin: identity.IsAdmin(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, intentPayload{
		PaymentIntentID: result.PaymentIntentID,
		ClientSecret:    result.ClientSecret,
		Amount:          domain.MinorUnits(result.Amount),
		Status:          result.Status,
		OrderID:         result.OrderID,
	})
}

func (h *StripeHandlers) cancelPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	intentID := chi.URLParam(r, "paymentIntentID")
	if err := h.payments.CancelIntent(ctx, services.CancelPaymentIntentCommand{
		IntentID: intentID,
		ActorID:  identity.UID,
		IsAdmin:  identity.IsAdmin(),
	}); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "payment intent " + intentID + " canceled"})
}

func (h *StripeHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
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

	refund, err := h.payments.RefundOrder(ctx, services.RefundOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, refundPayload{
		RefundID: refund.ID,
		Status:   refund.Status,
		Amount:   domain.MinorUnits(refund.Amount),
	})
}

// webhook hands the raw body to the reconciler untouched; the signature covers the exact bytes.
func (h *StripeHandlers) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload too large", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "unable to read webhook payload", http.StatusBadRequest))
		return
	}

	result, err := h.reconciler.Handle(ctx, payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	requestctx.Logger(ctx).Debug("stripe webhook handled",
		zap.String("eventId", result.EventID),
		zap.String("eventType", result.EventType),
		zap.String("outcome", string(result.Outcome)),
	)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"outcome":  string(result.Outcome),
	})
}
