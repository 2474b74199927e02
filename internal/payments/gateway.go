package payments

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderStripe names the only gateway currently wired.
const ProviderStripe = "stripe"

var (
	// ErrDisabled is returned by every call when no gateway credentials are configured.
	ErrDisabled = errors.New("payments: gateway disabled")
	// ErrInvalidSignature indicates a webhook payload failed signature verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrIntentNotFound indicates the gateway does not know the requested payment intent.
	ErrIntentNotFound = errors.New("payments: payment intent not found")
	// ErrInvalidRequest indicates the gateway rejected the request parameters.
	ErrInvalidRequest = errors.New("payments: invalid request")
)

// EventType enumerates the gateway events the reconciler reacts to.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment_intent.succeeded"
	EventPaymentFailed    EventType = "payment_intent.payment_failed"
	EventPaymentCanceled  EventType = "payment_intent.canceled"
	EventChargeRefunded   EventType = "charge.refunded"
)

// IntentRequest describes a payment intent for an order.
type IntentRequest struct {
	OrderID        string
	OrderNumber    string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the gateway-neutral view of a payment intent.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	Amount       decimal.Decimal
	Currency     string
	OrderID      string
}

// RefundRequest refunds a payment intent, fully when Amount is nil.
type RefundRequest struct {
	IntentID       string
	Amount         *decimal.Decimal
	Reason         string
	IdempotencyKey string
}

// Refund reports the refund created by the gateway.
type Refund struct {
	ID       string
	IntentID string
	Amount   decimal.Decimal
	Status   string
}

// Event is a verified webhook notification reduced to the fields reconciliation needs.
type Event struct {
	ID             string
	Type           EventType
	IntentID       string
	OrderID        string
	FailureMessage string
	RefundedAmount decimal.Decimal
	FullyRefunded  bool
	Created        time.Time
}

// Handled reports whether the reconciler acts on the event type.
func (e Event) Handled() bool {
	switch e.Type {
	case EventPaymentSucceeded, EventPaymentFailed, EventPaymentCanceled, EventChargeRefunded:
		return true
	default:
		return false
	}
}

// Gateway abstracts the payment service provider.
type Gateway interface {
	Enabled() bool
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error)
	RetrievePaymentIntent(ctx context.Context, intentID string) (Intent, error)
	CancelPaymentIntent(ctx context.Context, intentID string) (Intent, error)
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
	ConstructEvent(payload []byte, signature string) (Event, error)
}

// DisabledGateway stands in when the gateway is not configured. Order placement keeps working and
// reports the payment step as disabled.
type DisabledGateway struct{}

var _ Gateway = DisabledGateway{}

func (DisabledGateway) Enabled() bool { return false }

func (DisabledGateway) CreatePaymentIntent(context.Context, IntentRequest) (Intent, error) {
	return Intent{}, ErrDisabled
}

func (DisabledGateway) RetrievePaymentIntent(context.Context, string) (Intent, error) {
	return Intent{}, ErrDisabled
}

func (DisabledGateway) CancelPaymentIntent(context.Context, string) (Intent, error) {
	return Intent{}, ErrDisabled
}

func (DisabledGateway) CreateRefund(context.Context, RefundRequest) (Refund, error) {
	return Refund{}, ErrDisabled
}

func (DisabledGateway) ConstructEvent([]byte, string) (Event, error) {
	return Event{}, ErrDisabled
}
