package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/repositories/memory"
)

type stubGateway struct {
	disabled    bool
	createFn    func(context.Context, payments.IntentRequest) (payments.Intent, error)
	retrieveFn  func(context.Context, string) (payments.Intent, error)
	cancelFn    func(context.Context, string) (payments.Intent, error)
	refundFn    func(context.Context, payments.RefundRequest) (payments.Refund, error)
	constructFn func([]byte, string) (payments.Event, error)

	mu       sync.Mutex
	requests []payments.IntentRequest
}

func (s *stubGateway) Enabled() bool { return !s.disabled }

func (s *stubGateway) CreatePaymentIntent(ctx context.Context, req payments.IntentRequest) (payments.Intent, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return payments.Intent{
		ID:           "pi_" + req.OrderID,
		ClientSecret: "pi_" + req.OrderID + "_secret",
		Status:       "requires_payment_method",
		Amount:       req.Amount,
		Currency:     "usd",
		OrderID:      req.OrderID,
	}, nil
}

func (s *stubGateway) RetrievePaymentIntent(ctx context.Context, intentID string) (payments.Intent, error) {
	if s.retrieveFn != nil {
		return s.retrieveFn(ctx, intentID)
	}
	return payments.Intent{ID: intentID, ClientSecret: intentID + "_secret", Status: "requires_payment_method"}, nil
}

func (s *stubGateway) CancelPaymentIntent(ctx context.Context, intentID string) (payments.Intent, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, intentID)
	}
	return payments.Intent{ID: intentID, Status: "canceled"}, nil
}

func (s *stubGateway) CreateRefund(ctx context.Context, req payments.RefundRequest) (payments.Refund, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, req)
	}
	return payments.Refund{ID: "re_1", IntentID: req.IntentID, Status: "succeeded"}, nil
}

func (s *stubGateway) ConstructEvent(payload []byte, signature string) (payments.Event, error) {
	if s.constructFn != nil {
		return s.constructFn(payload, signature)
	}
	return payments.Event{}, errors.New("not implemented")
}

func (s *stubGateway) intentRequests() []payments.IntentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]payments.IntentRequest(nil), s.requests...)
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.events))
	for _, event := range c.events {
		types = append(types, event.Type)
	}
	return types
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[key]++
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *countingMetrics) StockAdjusted(op, outcome string) { m.inc("stock:" + op + ":" + outcome) }
func (m *countingMetrics) OrderPlaced(outcome string)       { m.inc("order:" + outcome) }
func (m *countingMetrics) PaymentIntentRequested(o string)  { m.inc("intent:" + o) }
func (m *countingMetrics) WebhookHandled(t, outcome string) { m.inc("webhook:" + t + ":" + outcome) }

type fixture struct {
	store    *memory.Store
	gateway  *stubGateway
	events   *captureOrderEvents
	metrics  *countingMetrics
	ledger   StockLedger
	payments PaymentService
	orders   OrderService
	now      time.Time
}

type fixtureOption func(*OrderServiceDeps)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.NewStore(),
		gateway: &stubGateway{},
		events:  &captureOrderEvents{},
		metrics: &countingMetrics{},
		now:     time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	ledger, err := NewStockLedger(StockLedgerDeps{Stock: f.store.Stock(), Metrics: f.metrics})
	if err != nil {
		t.Fatalf("NewStockLedger: %v", err)
	}
	f.ledger = ledger

	paymentSvc, err := NewPaymentService(PaymentServiceDeps{
		Orders:  f.store.Orders(),
		Gateway: f.gateway,
		Events:  f.events,
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	f.payments = paymentSvc

	deps := OrderServiceDeps{
		Orders:     f.store.Orders(),
		Products:   f.store.Products(),
		Carts:      f.store.Carts(),
		Stock:      ledger,
		UnitOfWork: f.store,
		Payments:   paymentSvc,
		Events:     f.events,
		Metrics:    f.metrics,
		Clock:      clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	orderSvc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	f.orders = orderSvc
	return f
}

func (f *fixture) seedProduct(id, price string, stock int) {
	f.store.PutProduct(domain.Product{
		ID:       id,
		Name:     "Product " + id,
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
		IsActive: true,
	})
}

func (f *fixture) seedCart(id, userID string, items ...domain.CartItem) {
	f.store.PutCart(domain.Cart{ID: id, UserID: userID, Items: items})
}

func cartItem(productID string, quantity int) domain.CartItem {
	return domain.CartItem{ID: "ci_" + productID, ProductID: productID, Quantity: quantity}
}

// seedScenario stocks P1 (10.00 x5) and P2 (25.00 x p2Stock) with a cart of 2xP1 and 1xP2.
func (f *fixture) seedScenario(p2Stock int) {
	f.seedProduct("P1", "10.00", 5)
	f.seedProduct("P2", "25.00", p2Stock)
	f.seedCart("cart-1", "user-1", cartItem("P1", 2), cartItem("P2", 1))
}

func (f *fixture) placeOrder(t *testing.T, userID, cartID string) Order {
	t.Helper()
	placed, err := f.orders.PlaceOrder(context.Background(), PlaceOrderCommand{UserID: userID, CartID: cartID})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	return placed.Order
}

func (f *fixture) mustOrder(t *testing.T, orderID string) Order {
	t.Helper()
	order, err := f.store.Orders().FindByID(context.Background(), orderID)
	if err != nil {
		t.Fatalf("FindByID(%s): %v", orderID, err)
	}
	return order
}

func (f *fixture) forceStatus(t *testing.T, orderID string, path ...OrderStatus) {
	t.Helper()
	for _, next := range path {
		if _, err := f.orders.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
			OrderID:      orderID,
			TargetStatus: next,
			ActorID:      "admin-1",
		}); err != nil {
			t.Fatalf("TransitionStatus(%s): %v", next, err)
		}
	}
}
