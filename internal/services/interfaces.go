package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination      = domain.Pagination
	Order           = domain.Order
	OrderItem       = domain.OrderItem
	OrderStatus     = domain.OrderStatus
	PaymentStatus   = domain.PaymentStatus
	StockAdjustment = domain.StockAdjustment
	StockLevel      = domain.StockLevel
)

// StockLedger is the single entry point for stock mutations.
type StockLedger interface {
	Reserve(ctx context.Context, adjustments []StockAdjustment) ([]StockLevel, error)
	Release(ctx context.Context, adjustments []StockAdjustment) ([]StockLevel, error)
}

// OrderService covers order placement, reads, status transitions and cancellation.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (PlacedOrder, error)
	GetOrder(ctx context.Context, query GetOrderQuery) (Order, error)
	ListUserOrders(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Order], error)
	// ListOrders pages over all orders; callers enforce admin access.
	ListOrders(ctx context.Context, pager Pagination) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// PaymentService manages gateway payment intents and refunds for orders.
type PaymentService interface {
	Enabled() bool
	CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntentResult, error)
	CancelIntent(ctx context.Context, cmd CancelPaymentIntentCommand) error
	RefundOrder(ctx context.Context, cmd RefundOrderCommand) (payments.Refund, error)
	RetryDeferred(ctx context.Context, cmd RetryDeferredCommand) (RetryDeferredResult, error)
}

// WebhookReconciler applies verified gateway events to order state.
type WebhookReconciler interface {
	Handle(ctx context.Context, payload []byte, signature string) (ReconcileResult, error)
}

// OrderEventPublisher publishes order and payment events for downstream consumers such as notifications.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	UserID         string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// EventCache is an optional fast-path record of webhook events that were applied and committed.
type EventCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Remember(ctx context.Context, eventID string) (bool, error)
}

// Metrics receives counters for the order engine. Implementations must be safe for concurrent use.
type Metrics interface {
	StockAdjusted(op, outcome string)
	OrderPlaced(outcome string)
	PaymentIntentRequested(outcome string)
	WebhookHandled(eventType, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) StockAdjusted(string, string)  {}
func (noopMetrics) OrderPlaced(string)            {}
func (noopMetrics) PaymentIntentRequested(string) {}
func (noopMetrics) WebhookHandled(string, string) {}

// PlaceOrderCommand converts a cart into an order. An empty CartID selects the user's default cart.
type PlaceOrderCommand struct {
	UserID string
	CartID string
	Notes  string
}

// PlacedOrder pairs the persisted order with the outcome of the best-effort payment intent request.
type PlacedOrder struct {
	Order   Order
	Payment PaymentIntentOutcome
}

// PaymentIntentState reports what happened to the payment intent requested at order time.
type PaymentIntentState string

const (
	// PaymentIntentCreated means an intent exists and the client secret is available.
	PaymentIntentCreated PaymentIntentState = "created"
	// PaymentIntentDeferred means the gateway call failed; the order stays PENDING and can be retried.
	PaymentIntentDeferred PaymentIntentState = "deferred"
	// PaymentIntentDisabled means no gateway is configured.
	PaymentIntentDisabled PaymentIntentState = "disabled"
)

// PaymentIntentOutcome is the typed result of the best-effort intent creation after order placement.
type PaymentIntentOutcome struct {
	State        PaymentIntentState
	IntentID     string
	ClientSecret string
	Reason       string
}

// GetOrderQuery loads an order on behalf of an actor. Non-admin actors only see their own orders.
type GetOrderQuery struct {
	OrderID string
	ActorID string
	IsAdmin bool
}

// OrderStatusTransitionCommand is the admin status change request.
type OrderStatusTransitionCommand struct {
	OrderID      string
	TargetStatus OrderStatus
	ActorID      string
}

// CancelOrderCommand cancels an order and returns its stock.
type CancelOrderCommand struct {
	OrderID string
	ActorID string
	IsAdmin bool
	Reason  string
}

// CreatePaymentIntentCommand opens or returns the payment intent for an order.
type CreatePaymentIntentCommand struct {
	OrderID string
	ActorID string
	IsAdmin bool
}

// PaymentIntentResult is the client-facing view of a payment intent.
type PaymentIntentResult struct {
	PaymentIntentID string
	ClientSecret    string
	Amount          decimal.Decimal
	Status          string
	OrderID         string
}

// CancelPaymentIntentCommand cancels a gateway intent on behalf of its order owner.
type CancelPaymentIntentCommand struct {
	IntentID string
	ActorID  string
	IsAdmin  bool
}

// RefundOrderCommand requests a full refund of a paid order.
type RefundOrderCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

// RetryDeferredCommand selects stale orders that never received a payment intent.
type RetryDeferredCommand struct {
	OlderThan time.Duration
	Limit     int
}

// RetryDeferredResult summarises a deferred intent sweep.
type RetryDeferredResult struct {
	Attempted int
	Created   int
	Failed    int
}

// ReconcileOutcome classifies how a webhook delivery was handled.
type ReconcileOutcome string

const (
	ReconcileApplied   ReconcileOutcome = "applied"
	ReconcileDuplicate ReconcileOutcome = "duplicate"
	ReconcileStale     ReconcileOutcome = "stale"
	ReconcileIgnored   ReconcileOutcome = "ignored"
)

// ReconcileResult reports the event handled and its outcome.
type ReconcileResult struct {
	EventID   string
	EventType string
	OrderID   string
	Outcome   ReconcileOutcome
}
