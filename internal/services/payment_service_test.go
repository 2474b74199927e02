package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/repositories"
)

func TestNewPaymentServiceRequiresOrders(t *testing.T) {
	if _, err := NewPaymentService(PaymentServiceDeps{}); err == nil {
		t.Fatalf("expected error without order repository")
	}
	svc, err := NewPaymentService(PaymentServiceDeps{Orders: newFixture(t).store.Orders()})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	if svc.Enabled() {
		t.Fatalf("nil gateway must behave as disabled")
	}
	if _, err := svc.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: "ord_1"}); !errors.Is(err, ErrPaymentNotConfigured) {
		t.Fatalf("expected ErrPaymentNotConfigured, got %v", err)
	}
}

func TestCreateIntentReturnsExistingIntent(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(1)
	order := f.placeOrder(t, "user-1", "")

	var retrieved string
	f.gateway.retrieveFn = func(_ context.Context, intentID string) (payments.Intent, error) {
		retrieved = intentID
		return payments.Intent{ID: intentID, ClientSecret: "cs_existing", Status: "requires_payment_method"}, nil
	}

	result, err := f.payments.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: order.ID, ActorID: "user-1"})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if retrieved != "pi_"+order.ID || result.ClientSecret != "cs_existing" || result.OrderID != order.ID {
		t.Fatalf("expected existing intent to be returned, got %+v", result)
	}
	if got := len(f.gateway.intentRequests()); got != 1 {
		t.Fatalf("expected no second create call, got %d", got)
	}
}

func TestCreateIntentSendsIdempotencyKeyAndAmount(t *testing.T) {
	f := newFixture(t, func(deps *OrderServiceDeps) { deps.Payments = nil })
	f.seedScenario(1)
	order := f.placeOrder(t, "user-1", "")

	result, err := f.payments.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: order.ID, ActorID: "user-1"})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	requests := f.gateway.intentRequests()
	if len(requests) != 1 {
		t.Fatalf("expected one create call, got %d", len(requests))
	}
	req := requests[0]
	if req.IdempotencyKey != "order:"+order.ID+":intent" || req.OrderNumber != order.OrderNumber {
		t.Fatalf("unexpected intent request %+v", req)
	}
	if domain.MinorUnits(req.Amount) != 4500 {
		t.Fatalf("expected 4500 minor units, got %d", domain.MinorUnits(req.Amount))
	}
	if f.mustOrder(t, order.ID).PaymentIntentID != result.PaymentIntentID {
		t.Fatalf("intent must be attached to the order")
	}
}

func TestCreateIntentGuards(t *testing.T) {
	f := newFixture(t, func(deps *OrderServiceDeps) { deps.Payments = nil })
	f.seedScenario(1)
	order := f.placeOrder(t, "user-1", "")
	ctx := context.Background()

	if _, err := f.payments.CreateIntent(ctx, CreatePaymentIntentCommand{OrderID: order.ID, ActorID: "user-2"}); !errors.Is(err, ErrPaymentOrderNotFound) {
		t.Fatalf("expected ErrPaymentOrderNotFound for stranger, got %v", err)
	}
	if _, err := f.payments.CreateIntent(ctx, CreatePaymentIntentCommand{OrderID: "ord_missing", ActorID: "user-1"}); !errors.Is(err, ErrPaymentOrderNotFound) {
		t.Fatalf("expected ErrPaymentOrderNotFound, got %v", err)
	}
	if _, err := f.payments.CreateIntent(ctx, CreatePaymentIntentCommand{ActorID: "user-1"}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput, got %v", err)
	}

	f.gateway.createFn = func(context.Context, payments.IntentRequest) (payments.Intent, error) {
		return payments.Intent{}, payments.ErrInvalidRequest
	}
	if _, err := f.payments.CreateIntent(ctx, CreatePaymentIntentCommand{OrderID: order.ID, ActorID: "user-1"}); !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("expected ErrPaymentInvalidState for rejected request, got %v", err)
	}
	f.gateway.createFn = func(context.Context, payments.IntentRequest) (payments.Intent, error) {
		return payments.Intent{}, errors.New("stripe: 502")
	}
	if _, err := f.payments.CreateIntent(ctx, CreatePaymentIntentCommand{OrderID: order.ID, ActorID: "user-1"}); !errors.Is(err, ErrPaymentGateway) {
		t.Fatalf("expected ErrPaymentGateway, got %v", err)
	}
	f.gateway.createFn = nil

	if _, err := f.orders.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, ActorID: "user-1"}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := f.payments.CreateIntent(ctx, CreatePaymentIntentCommand{OrderID: order.ID, ActorID: "user-1"}); !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("expected ErrPaymentInvalidState for cancelled order, got %v", err)
	}
}

func TestCancelIntentMarksPaymentCanceled(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(1)
	order := f.placeOrder(t, "user-1", "")
	intentID := "pi_" + order.ID
	ctx := context.Background()

	if err := f.payments.CancelIntent(ctx, CancelPaymentIntentCommand{IntentID: intentID, ActorID: "user-2"}); !errors.Is(err, ErrPaymentOrderNotFound) {
		t.Fatalf("expected ErrPaymentOrderNotFound for stranger, got %v", err)
	}
	if err := f.payments.CancelIntent(ctx, CancelPaymentIntentCommand{IntentID: intentID, ActorID: "user-1"}); err != nil {
		t.Fatalf("CancelIntent: %v", err)
	}
	stored := f.mustOrder(t, order.ID)
	if stored.PaymentStatus != domain.PaymentStatusCanceled {
		t.Fatalf("expected CANCELED payment, got %s", stored.PaymentStatus)
	}
	if stored.Status != domain.OrderStatusPending {
		t.Fatalf("cancelling the intent must not cancel the order, got %s", stored.Status)
	}
	types := f.events.types()
	if types[len(types)-1] != paymentEventCanceled {
		t.Fatalf("expected payment.canceled event, got %v", types)
	}

	if err := f.payments.CancelIntent(ctx, CancelPaymentIntentCommand{IntentID: "pi_unknown", ActorID: "user-1"}); !errors.Is(err, ErrPaymentOrderNotFound) {
		t.Fatalf("unknown intent must be hidden from users, got %v", err)
	}
	if err := f.payments.CancelIntent(ctx, CancelPaymentIntentCommand{IntentID: "pi_unknown", ActorID: "admin-1", IsAdmin: true}); err != nil {
		t.Fatalf("admin may cancel unknown intent: %v", err)
	}

	f.gateway.cancelFn = func(context.Context, string) (payments.Intent, error) {
		return payments.Intent{}, payments.ErrIntentNotFound
	}
	if err := f.payments.CancelIntent(ctx, CancelPaymentIntentCommand{IntentID: "pi_gone", IsAdmin: true}); !errors.Is(err, ErrPaymentOrderNotFound) {
		t.Fatalf("expected ErrPaymentOrderNotFound from gateway, got %v", err)
	}
}

func TestRefundOrderRequiresSucceededPayment(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(1)
	order := f.placeOrder(t, "user-1", "")
	ctx := context.Background()

	if _, err := f.payments.RefundOrder(ctx, RefundOrderCommand{OrderID: order.ID, ActorID: "admin-1"}); !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("expected ErrPaymentInvalidState before payment, got %v", err)
	}

	paidAt := f.now
	if _, err := f.store.Orders().UpdatePaymentStatus(ctx, repositories.PaymentStatusUpdate{
		OrderID:   order.ID,
		From:      []PaymentStatus{domain.PaymentStatusPending},
		To:        domain.PaymentStatusSucceeded,
		PaidAt:    &paidAt,
		UpdatedAt: paidAt,
	}); err != nil {
		t.Fatalf("UpdatePaymentStatus: %v", err)
	}

	var got payments.RefundRequest
	f.gateway.refundFn = func(_ context.Context, req payments.RefundRequest) (payments.Refund, error) {
		got = req
		return payments.Refund{ID: "re_1", IntentID: req.IntentID, Status: "pending"}, nil
	}
	refund, err := f.payments.RefundOrder(ctx, RefundOrderCommand{OrderID: order.ID, ActorID: "admin-1", Reason: "requested_by_customer"})
	if err != nil {
		t.Fatalf("RefundOrder: %v", err)
	}
	if refund.ID != "re_1" || got.IntentID != "pi_"+order.ID || got.IdempotencyKey != "order:"+order.ID+":refund" || got.Amount != nil {
		t.Fatalf("unexpected refund request %+v", got)
	}
	// The webhook records the refund; the request alone changes nothing.
	if f.mustOrder(t, order.ID).PaymentStatus != domain.PaymentStatusSucceeded {
		t.Fatalf("payment status must wait for the webhook")
	}
}

func TestRetryDeferredCreatesMissingIntents(t *testing.T) {
	f := newFixture(t)
	f.seedProduct("P1", "10.00", 10)
	f.seedCart("cart-1", "user-1", cartItem("P1", 1))
	f.seedCart("cart-2", "user-2", cartItem("P1", 2))
	f.gateway.createFn = func(context.Context, payments.IntentRequest) (payments.Intent, error) {
		return payments.Intent{}, errors.New("stripe: unavailable")
	}
	first := f.placeOrder(t, "user-1", "cart-1")
	second := f.placeOrder(t, "user-2", "cart-2")
	ctx := context.Background()

	result, err := f.payments.RetryDeferred(ctx, RetryDeferredCommand{})
	if err != nil {
		t.Fatalf("RetryDeferred: %v", err)
	}
	if result.Attempted != 0 {
		t.Fatalf("orders inside the grace period must be skipped, got %+v", result)
	}

	f.now = f.now.Add(5 * time.Minute)
	result, err = f.payments.RetryDeferred(ctx, RetryDeferredCommand{})
	if err != nil {
		t.Fatalf("RetryDeferred: %v", err)
	}
	if result.Attempted != 2 || result.Failed != 2 || result.Created != 0 {
		t.Fatalf("expected two failed attempts, got %+v", result)
	}

	f.gateway.createFn = nil
	result, err = f.payments.RetryDeferred(ctx, RetryDeferredCommand{Limit: 10})
	if err != nil {
		t.Fatalf("RetryDeferred: %v", err)
	}
	if result.Attempted != 2 || result.Created != 2 {
		t.Fatalf("expected two created intents, got %+v", result)
	}
	for _, id := range []string{first.ID, second.ID} {
		if f.mustOrder(t, id).PaymentIntentID == "" {
			t.Fatalf("order %s still lacks an intent", id)
		}
	}

	result, err = f.payments.RetryDeferred(ctx, RetryDeferredCommand{})
	if err != nil || result.Attempted != 0 {
		t.Fatalf("nothing left to retry, got %+v, %v", result, err)
	}
}

func TestRetryDeferredSkipsSettledPayments(t *testing.T) {
	f := newFixture(t)
	f.seedProduct("P1", "10.00", 10)
	f.seedCart("cart-1", "user-1", cartItem("P1", 1))
	f.seedCart("cart-2", "user-2", cartItem("P1", 1))
	f.gateway.createFn = func(context.Context, payments.IntentRequest) (payments.Intent, error) {
		return payments.Intent{}, errors.New("stripe: unavailable")
	}
	unpaid := f.placeOrder(t, "user-1", "cart-1")
	failed := f.placeOrder(t, "user-2", "cart-2")
	ctx := context.Background()

	if _, err := f.store.Orders().UpdatePaymentStatus(ctx, repositories.PaymentStatusUpdate{
		OrderID:   failed.ID,
		From:      []domain.PaymentStatus{domain.PaymentStatusPending},
		To:        domain.PaymentStatusFailed,
		UpdatedAt: f.now,
	}); err != nil {
		t.Fatalf("UpdatePaymentStatus: %v", err)
	}

	f.gateway.createFn = nil
	f.now = f.now.Add(5 * time.Minute)
	result, err := f.payments.RetryDeferred(ctx, RetryDeferredCommand{})
	if err != nil {
		t.Fatalf("RetryDeferred: %v", err)
	}
	if result.Attempted != 1 || result.Created != 1 {
		t.Fatalf("only the unpaid order should be retried, got %+v", result)
	}
	if f.mustOrder(t, unpaid.ID).PaymentIntentID == "" {
		t.Fatalf("pending order must receive an intent")
	}
	if f.mustOrder(t, failed.ID).PaymentIntentID != "" {
		t.Fatalf("failed order must not receive a new intent")
	}
}
