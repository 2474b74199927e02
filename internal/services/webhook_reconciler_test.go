package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
)

const testSignature = "t=1,v1=valid"

type memoryEventCache struct {
	mu      sync.Mutex
	seen    map[string]bool
	seenErr error
}

func (c *memoryEventCache) Seen(_ context.Context, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seenErr != nil {
		return false, c.seenErr
	}
	return c.seen[eventID], nil
}

func (c *memoryEventCache) Remember(_ context.Context, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = map[string]bool{}
	}
	fresh := !c.seen[eventID]
	c.seen[eventID] = true
	return fresh, nil
}

type webhookFixture struct {
	*fixture
	reconciler WebhookReconciler
	deliveries map[string]payments.Event
	published  *captureOrderEvents
}

func newWebhookFixture(t *testing.T, cache EventCache) *webhookFixture {
	t.Helper()
	wf := &webhookFixture{
		fixture:    newFixture(t),
		deliveries: map[string]payments.Event{},
		published:  &captureOrderEvents{},
	}
	wf.gateway.constructFn = func(payload []byte, signature string) (payments.Event, error) {
		if signature != testSignature {
			return payments.Event{}, fmt.Errorf("%w: signature mismatch", payments.ErrInvalidSignature)
		}
		event, ok := wf.deliveries[string(payload)]
		if !ok {
			return payments.Event{}, errors.New("unexpected payload")
		}
		return event, nil
	}
	reconciler, err := NewWebhookReconciler(WebhookReconcilerDeps{
		Gateway:    wf.gateway,
		Orders:     wf.store.Orders(),
		Events:     wf.store.WebhookEvents(),
		UnitOfWork: wf.store,
		Cache:      cache,
		Publisher:  wf.published,
		Metrics:    wf.metrics,
		Clock:      func() time.Time { return wf.now },
	})
	if err != nil {
		t.Fatalf("NewWebhookReconciler: %v", err)
	}
	wf.reconciler = reconciler
	return wf
}

// deliver registers event under its id and runs it through the reconciler with a valid signature.
func (wf *webhookFixture) deliver(t *testing.T, event payments.Event) (ReconcileResult, error) {
	t.Helper()
	wf.deliveries[event.ID] = event
	return wf.reconciler.Handle(context.Background(), []byte(event.ID), testSignature)
}

func (wf *webhookFixture) processed(t *testing.T, eventID string) bool {
	t.Helper()
	seen, err := wf.store.WebhookEvents().Seen(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	return seen
}

func succeeded(eventID string, order Order) payments.Event {
	return payments.Event{
		ID:       eventID,
		Type:     payments.EventPaymentSucceeded,
		IntentID: order.PaymentIntentID,
		OrderID:  order.ID,
	}
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	wf := newWebhookFixture(t, nil)
	wf.seedScenario(1)
	order := wf.placeOrder(t, "user-1", "")
	wf.deliveries["evt_1"] = succeeded("evt_1", order)

	_, err := wf.reconciler.Handle(context.Background(), []byte("evt_1"), "t=1,v1=forged")
	if !errors.Is(err, ErrWebhookInvalidSignature) {
		t.Fatalf("expected ErrWebhookInvalidSignature, got %v", err)
	}
	if wf.processed(t, "evt_1") {
		t.Fatalf("rejected event must not be recorded")
	}
	if got := wf.mustOrder(t, order.ID); got.PaymentStatus != domain.PaymentStatusPending || got.PaidAt != nil {
		t.Fatalf("order must be untouched, got %+v", got)
	}
	if wf.metrics.get("webhook:unknown:invalid_signature") != 1 {
		t.Fatalf("expected invalid signature metric")
	}
}

func TestWebhookSucceededConfirmsOrderOnce(t *testing.T) {
	wf := newWebhookFixture(t, nil)
	wf.seedScenario(1)
	order := wf.placeOrder(t, "user-1", "")
	order = wf.mustOrder(t, order.ID)

	result, err := wf.deliver(t, succeeded("evt_1", order))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Outcome != ReconcileApplied || result.OrderID != order.ID {
		t.Fatalf("unexpected result %+v", result)
	}
	paid := wf.mustOrder(t, order.ID)
	if paid.PaymentStatus != domain.PaymentStatusSucceeded || paid.Status != domain.OrderStatusConfirmed || paid.PaidAt == nil {
		t.Fatalf("expected paid and confirmed order, got %+v", paid)
	}
	firstPaidAt := *paid.PaidAt
	if !wf.processed(t, "evt_1") {
		t.Fatalf("event must be recorded as processed")
	}
	if got := wf.published.types(); len(got) != 2 || got[0] != paymentEventSucceeded || got[1] != orderEventStatusChanged {
		t.Fatalf("unexpected published events %v", got)
	}

	wf.now = wf.now.Add(time.Hour)
	result, err = wf.deliver(t, succeeded("evt_1", order))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Outcome != ReconcileDuplicate {
		t.Fatalf("expected duplicate, got %s", result.Outcome)
	}
	if got := wf.mustOrder(t, order.ID).PaidAt; got == nil || !got.Equal(firstPaidAt) {
		t.Fatalf("replay must not move paidAt, got %v", got)
	}

	// A distinct event for the same payment is stale rather than duplicate.
	result, err = wf.deliver(t, succeeded("evt_2", order))
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if result.Outcome != ReconcileStale {
		t.Fatalf("expected stale, got %s", result.Outcome)
	}
	if got := wf.mustOrder(t, order.ID).PaidAt; !got.Equal(firstPaidAt) {
		t.Fatalf("stale event must not move paidAt, got %v", got)
	}
	if len(wf.published.types()) != 2 {
		t.Fatalf("replays must not publish, got %v", wf.published.types())
	}
}

func TestWebhookRefundBeforeSuccessStaysRefunded(t *testing.T) {
	wf := newWebhookFixture(t, nil)
	wf.seedScenario(1)
	order := wf.mustOrder(t, wf.placeOrder(t, "user-1", "").ID)

	result, err := wf.deliver(t, payments.Event{
		ID:             "evt_refund",
		Type:           payments.EventChargeRefunded,
		IntentID:       order.PaymentIntentID,
		RefundedAmount: decimal.RequireFromString("45.00"),
		FullyRefunded:  true,
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.Outcome != ReconcileApplied || result.OrderID != order.ID {
		t.Fatalf("unexpected refund result %+v", result)
	}

	result, err = wf.deliver(t, succeeded("evt_late_success", order))
	if err != nil {
		t.Fatalf("late success: %v", err)
	}
	if result.Outcome != ReconcileStale {
		t.Fatalf("expected stale success after refund, got %s", result.Outcome)
	}
	got := wf.mustOrder(t, order.ID)
	if got.PaymentStatus != domain.PaymentStatusRefunded || got.Status != domain.OrderStatusPending || got.PaidAt != nil {
		t.Fatalf("refund must win over a late success, got %+v", got)
	}
}

func TestWebhookSucceededWithoutOrderMetadata(t *testing.T) {
	wf := newWebhookFixture(t, nil)

	_, err := wf.deliver(t, payments.Event{ID: "evt_1", Type: payments.EventPaymentSucceeded, IntentID: "pi_1"})
	if !errors.Is(err, ErrWebhookMissingOrder) {
		t.Fatalf("expected ErrWebhookMissingOrder, got %v", err)
	}
	if wf.processed(t, "evt_1") {
		t.Fatalf("event without order must not be recorded")
	}
}

func TestWebhookSucceededForUnknownOrderIsStale(t *testing.T) {
	wf := newWebhookFixture(t, nil)

	result, err := wf.deliver(t, payments.Event{ID: "evt_1", Type: payments.EventPaymentSucceeded, IntentID: "pi_1", OrderID: "ord_gone"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Outcome != ReconcileStale || !wf.processed(t, "evt_1") {
		t.Fatalf("expected recorded stale event, got %+v", result)
	}
}

func TestWebhookIgnoresEventsItCannotMatch(t *testing.T) {
	wf := newWebhookFixture(t, nil)
	wf.seedScenario(1)
	order := wf.mustOrder(t, wf.placeOrder(t, "user-1", "").ID)

	cases := map[string]payments.Event{
		"unhandled type":         {ID: "evt_a", Type: payments.EventType("customer.created")},
		"failed without order":   {ID: "evt_b", Type: payments.EventPaymentFailed, IntentID: order.PaymentIntentID},
		"canceled without order": {ID: "evt_c", Type: payments.EventPaymentCanceled, IntentID: order.PaymentIntentID},
		"refund unknown intent":  {ID: "evt_d", Type: payments.EventChargeRefunded, IntentID: "pi_unknown"},
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			result, err := wf.deliver(t, event)
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if result.Outcome != ReconcileIgnored {
				t.Fatalf("expected ignored, got %s", result.Outcome)
			}
		})
	}
	if got := wf.mustOrder(t, order.ID); got.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("order must be untouched, got %s", got.PaymentStatus)
	}
	if len(wf.published.types()) != 0 {
		t.Fatalf("ignored events must not publish, got %v", wf.published.types())
	}
}

func TestWebhookFailedThenSucceeded(t *testing.T) {
	wf := newWebhookFixture(t, nil)
	wf.seedScenario(1)
	order := wf.mustOrder(t, wf.placeOrder(t, "user-1", "").ID)

	result, err := wf.deliver(t, payments.Event{
		ID:             "evt_fail",
		Type:           payments.EventPaymentFailed,
		IntentID:       order.PaymentIntentID,
		OrderID:        order.ID,
		FailureMessage: "card_declined",
	})
	if err != nil || result.Outcome != ReconcileApplied {
		t.Fatalf("failed event: %+v, %v", result, err)
	}
	if got := wf.mustOrder(t, order.ID); got.PaymentStatus != domain.PaymentStatusFailed || got.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected order after failure %+v", got)
	}

	result, err = wf.deliver(t, succeeded("evt_retry_ok", order))
	if err != nil || result.Outcome != ReconcileApplied {
		t.Fatalf("retry success: %+v, %v", result, err)
	}
	if got := wf.mustOrder(t, order.ID); got.PaymentStatus != domain.PaymentStatusSucceeded || got.Status != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected order after retry %+v", got)
	}
}

func TestWebhookIntentMismatchIsStale(t *testing.T) {
	wf := newWebhookFixture(t, nil)
	wf.seedScenario(1)
	order := wf.mustOrder(t, wf.placeOrder(t, "user-1", "").ID)

	event := succeeded("evt_1", order)
	event.IntentID = "pi_someone_else"
	result, err := wf.deliver(t, event)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Outcome != ReconcileStale {
		t.Fatalf("expected stale, got %s", result.Outcome)
	}
	if got := wf.mustOrder(t, order.ID); got.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("mismatched intent must not pay the order, got %s", got.PaymentStatus)
	}
}

func TestWebhookAttachesIntentWhenAttachLostTheRace(t *testing.T) {
	wf := newWebhookFixture(t, nil)
	wf.gateway.createFn = func(context.Context, payments.IntentRequest) (payments.Intent, error) {
		return payments.Intent{}, errors.New("stripe: timeout")
	}
	wf.seedScenario(1)
	order := wf.placeOrder(t, "user-1", "")

	result, err := wf.deliver(t, payments.Event{ID: "evt_1", Type: payments.EventPaymentSucceeded, IntentID: "pi_late", OrderID: order.ID})
	if err != nil || result.Outcome != ReconcileApplied {
		t.Fatalf("Handle: %+v, %v", result, err)
	}
	if got := wf.mustOrder(t, order.ID); got.PaymentIntentID != "pi_late" || got.PaymentStatus != domain.PaymentStatusSucceeded {
		t.Fatalf("expected intent attached and paid, got %+v", got)
	}
}

func TestWebhookPaymentAfterCancelKeepsOrderCancelled(t *testing.T) {
	wf := newWebhookFixture(t, nil)
	wf.seedScenario(1)
	order := wf.mustOrder(t, wf.placeOrder(t, "user-1", "").ID)
	wf.gateway.cancelFn = func(context.Context, string) (payments.Intent, error) {
		return payments.Intent{}, errors.New("stripe: intent already succeeded")
	}
	if _, err := wf.orders.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "user-1"}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	result, err := wf.deliver(t, succeeded("evt_1", order))
	if err != nil || result.Outcome != ReconcileApplied {
		t.Fatalf("Handle: %+v, %v", result, err)
	}
	got := wf.mustOrder(t, order.ID)
	if got.Status != domain.OrderStatusCancelled || got.PaymentStatus != domain.PaymentStatusSucceeded {
		t.Fatalf("expected cancelled order with recorded payment, got %s/%s", got.Status, got.PaymentStatus)
	}
}

func TestWebhookCacheShortCircuitsReplays(t *testing.T) {
	cache := &memoryEventCache{}
	wf := newWebhookFixture(t, cache)
	wf.seedScenario(1)
	order := wf.mustOrder(t, wf.placeOrder(t, "user-1", "").ID)

	if _, err := wf.deliver(t, succeeded("evt_1", order)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if seen, _ := cache.Seen(context.Background(), "evt_1"); !seen {
		t.Fatalf("applied event must be remembered in the cache")
	}

	result, err := wf.deliver(t, succeeded("evt_1", order))
	if err != nil || result.Outcome != ReconcileDuplicate {
		t.Fatalf("expected cached duplicate, got %+v, %v", result, err)
	}

	// A failing cache falls back to the durable ledger.
	cache.seenErr = errors.New("redis: connection refused")
	result, err = wf.deliver(t, succeeded("evt_1", order))
	if err != nil || result.Outcome != ReconcileDuplicate {
		t.Fatalf("expected ledger duplicate, got %+v, %v", result, err)
	}
	if wf.metrics.get("webhook:"+string(payments.EventPaymentSucceeded)+":duplicate") != 2 {
		t.Fatalf("expected two duplicate metrics, got %v", wf.metrics.counts)
	}
}

func TestWebhookWithoutGatewayIsNotConfigured(t *testing.T) {
	f := newFixture(t)
	reconciler, err := NewWebhookReconciler(WebhookReconcilerDeps{
		Orders:     f.store.Orders(),
		Events:     f.store.WebhookEvents(),
		UnitOfWork: f.store,
	})
	if err != nil {
		t.Fatalf("NewWebhookReconciler: %v", err)
	}
	if _, err := reconciler.Handle(context.Background(), []byte("{}"), testSignature); !errors.Is(err, ErrWebhookNotConfigured) {
		t.Fatalf("expected ErrWebhookNotConfigured, got %v", err)
	}
}
