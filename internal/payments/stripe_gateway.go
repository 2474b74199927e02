package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/textutil"
)

const (
	defaultCurrency         = "usd"
	defaultWebhookTolerance = 5 * time.Minute
	metadataOrderID         = "orderId"
	metadataOrderNumber     = "orderNumber"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeClients allows tests to replace the Stripe API resources.
type StripeClients struct {
	Intents stripePaymentIntentAPI
	Refunds stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey                 string
	WebhookSecret          string
	AccountID              string
	Currency               string
	WebhookTolerance       time.Duration
	IgnoreAPIVersionErrors bool
	Backends               *stripe.Backends
	Logger                 StripeLogger
	Clients                *StripeClients
}

// StripeGateway implements Gateway with Stripe Payment Intents.
type StripeGateway struct {
	intents       stripePaymentIntentAPI
	refunds       stripeRefundAPI
	account       string
	currency      string
	webhookSecret string
	webhookOpts   webhook.ConstructEventOptions
	logger        StripeLogger
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway constructs the Stripe gateway from configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	var clients StripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = StripeClients{Intents: sc.PaymentIntents, Refunds: sc.Refunds}
	}
	if clients.Intents == nil || clients.Refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		intents:       clients.Intents,
		refunds:       clients.Refunds,
		account:       strings.TrimSpace(cfg.AccountID),
		currency:      currency,
		webhookSecret: secret,
		webhookOpts: webhook.ConstructEventOptions{
			Tolerance:                tolerance,
			IgnoreAPIVersionMismatch: cfg.IgnoreAPIVersionErrors,
		},
		logger: logger,
	}, nil
}

// Enabled reports true; a constructed Stripe gateway always has credentials.
func (g *StripeGateway) Enabled() bool { return true }

// CreatePaymentIntent creates an intent for the order total expressed in minor units.
func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	amount := domain.MinorUnits(req.Amount)
	if amount <= 0 {
		return Intent{}, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = g.currency
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	g.prepare(ctx, &params.Params, req.IdempotencyKey)
	if req.OrderNumber != "" {
		params.Description = stripe.String("Order " + req.OrderNumber)
		params.AddMetadata(metadataOrderNumber, req.OrderNumber)
	}
	for k, v := range textutil.NormalizeMetadata(req.Metadata) {
		params.AddMetadata(k, v)
	}
	params.AddMetadata(metadataOrderID, req.OrderID)

	intent, err := g.intents.New(params)
	if err != nil {
		return Intent{}, classifyStripeError("create payment intent", err)
	}
	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.OrderID,
		"amount":        amount,
		"currency":      currency,
	})
	return stripeIntent(intent), nil
}

// RetrievePaymentIntent loads an intent, including its client secret.
func (g *StripeGateway) RetrievePaymentIntent(ctx context.Context, intentID string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	g.prepare(ctx, &params.Params, "")
	intent, err := g.intents.Get(intentID, params)
	if err != nil {
		return Intent{}, classifyStripeError("retrieve payment intent", err)
	}
	return stripeIntent(intent), nil
}

// CancelPaymentIntent cancels an intent that has not been captured.
func (g *StripeGateway) CancelPaymentIntent(ctx context.Context, intentID string) (Intent, error) {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	g.prepare(ctx, &params.Params, "cancel:"+intentID)
	intent, err := g.intents.Cancel(intentID, params)
	if err != nil {
		return Intent{}, classifyStripeError("cancel payment intent", err)
	}
	g.logger(ctx, "payments.stripe.intent.canceled", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return stripeIntent(intent), nil
}

// CreateRefund refunds a succeeded intent.
func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.IntentID)}
	g.prepare(ctx, &params.Params, req.IdempotencyKey)
	if req.Amount != nil {
		params.Amount = stripe.Int64(domain.MinorUnits(*req.Amount))
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	refund, err := g.refunds.New(params)
	if err != nil {
		return Refund{}, classifyStripeError("create refund", err)
	}
	g.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"paymentIntent": req.IntentID,
		"refund":        refund.ID,
		"amount":        refund.Amount,
	})
	return Refund{
		ID:       refund.ID,
		IntentID: req.IntentID,
		Amount:   domain.FromMinorUnits(refund.Amount),
		Status:   string(refund.Status),
	}, nil
}

// ConstructEvent verifies the Stripe-Signature header against the raw body and decodes the object
// the reconciler needs. Unknown event types are returned with only ID and Type populated.
func (g *StripeGateway) ConstructEvent(payload []byte, signature string) (Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, g.webhookOpts)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	event := Event{
		ID:      evt.ID,
		Type:    EventType(evt.Type),
		Created: time.Unix(evt.Created, 0).UTC(),
	}
	if evt.Data == nil {
		return event, nil
	}

	switch event.Type {
	case EventPaymentSucceeded, EventPaymentFailed, EventPaymentCanceled:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
			return Event{}, fmt.Errorf("stripe: decode payment intent for event %s: %w", evt.ID, err)
		}
		event.IntentID = intent.ID
		event.OrderID = intent.Metadata[metadataOrderID]
		if intent.LastPaymentError != nil {
			event.FailureMessage = intent.LastPaymentError.Msg
		}
	case EventChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &charge); err != nil {
			return Event{}, fmt.Errorf("stripe: decode charge for event %s: %w", evt.ID, err)
		}
		if charge.PaymentIntent != nil {
			event.IntentID = charge.PaymentIntent.ID
		}
		event.OrderID = charge.Metadata[metadataOrderID]
		event.RefundedAmount = domain.FromMinorUnits(charge.AmountRefunded)
		event.FullyRefunded = charge.Refunded || (charge.Amount > 0 && charge.AmountRefunded >= charge.Amount)
	}
	return event, nil
}

func (g *StripeGateway) prepare(ctx context.Context, params *stripe.Params, idempotencyKey string) {
	params.Context = ctx
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
}

func stripeIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}
	return Intent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       string(intent.Status),
		Amount:       domain.FromMinorUnits(intent.Amount),
		Currency:     string(intent.Currency),
		OrderID:      intent.Metadata[metadataOrderID],
	}
}

func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeResourceMissing:
			return fmt.Errorf("stripe: %s: %w: %v", op, ErrIntentNotFound, err)
		case stripeErr.Type == stripe.ErrorTypeInvalidRequest:
			return fmt.Errorf("stripe: %s: %w: %v", op, ErrInvalidRequest, err)
		}
	}
	return fmt.Errorf("stripe: %s: %w", op, err)
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
