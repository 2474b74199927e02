package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/services"
)

// tokenVerifier accepts "user:<uid>" and "admin:<uid>" bearer tokens.
type tokenVerifier struct{}

func (tokenVerifier) VerifyIDToken(_ context.Context, token string) (*firebaseauth.Token, error) {
	kind, uid, ok := strings.Cut(token, ":")
	if !ok || uid == "" {
		return nil, errors.New("malformed token")
	}
	claims := map[string]any{}
	if kind == "admin" {
		claims["admin"] = true
	}
	return &firebaseauth.Token{UID: uid, Claims: claims}, nil
}

type stubOrderService struct {
	placeFn      func(context.Context, services.PlaceOrderCommand) (services.PlacedOrder, error)
	getFn        func(context.Context, services.GetOrderQuery) (services.Order, error)
	listFn       func(context.Context, string, domain.Pagination) (domain.CursorPage[services.Order], error)
	listAllFn    func(context.Context, domain.Pagination) (domain.CursorPage[services.Order], error)
	transitionFn func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
	cancelFn     func(context.Context, services.CancelOrderCommand) (services.Order, error)
}

func (s *stubOrderService) PlaceOrder(ctx context.Context, cmd services.PlaceOrderCommand) (services.PlacedOrder, error) {
	return s.placeFn(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, q services.GetOrderQuery) (services.Order, error) {
	return s.getFn(ctx, q)
}

func (s *stubOrderService) ListUserOrders(ctx context.Context, userID string, p domain.Pagination) (domain.CursorPage[services.Order], error) {
	return s.listFn(ctx, userID, p)
}

func (s *stubOrderService) ListOrders(ctx context.Context, p domain.Pagination) (domain.CursorPage[services.Order], error) {
	return s.listAllFn(ctx, p)
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	return s.transitionFn(ctx, cmd)
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	return s.cancelFn(ctx, cmd)
}

type stubPaymentService struct {
	createFn func(context.Context, services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error)
	cancelFn func(context.Context, services.CancelPaymentIntentCommand) error
	refundFn func(context.Context, services.RefundOrderCommand) (payments.Refund, error)
	retryFn  func(context.Context, services.RetryDeferredCommand) (services.RetryDeferredResult, error)
}

func (s *stubPaymentService) Enabled() bool { return true }

func (s *stubPaymentService) CreateIntent(ctx context.Context, cmd services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error) {
	return s.createFn(ctx, cmd)
}

func (s *stubPaymentService) CancelIntent(ctx context.Context, cmd services.CancelPaymentIntentCommand) error {
	return s.cancelFn(ctx, cmd)
}

func (s *stubPaymentService) RefundOrder(ctx context.Context, cmd services.RefundOrderCommand) (payments.Refund, error) {
	return s.refundFn(ctx, cmd)
}

func (s *stubPaymentService) RetryDeferred(ctx context.Context, cmd services.RetryDeferredCommand) (services.RetryDeferredResult, error) {
	return s.retryFn(ctx, cmd)
}

type stubReconciler struct {
	payload   []byte
	signature string
	result    services.ReconcileResult
	err       error
}

func (s *stubReconciler) Handle(_ context.Context, payload []byte, signature string) (services.ReconcileResult, error) {
	s.payload = payload
	s.signature = signature
	return s.result, s.err
}

type testAPI struct {
	orders     *stubOrderService
	payments   *stubPaymentService
	reconciler *stubReconciler
	handler    http.Handler
}

func newTestAPI(t *testing.T, extra ...Option) *testAPI {
	t.Helper()
	api := &testAPI{
		orders:     &stubOrderService{},
		payments:   &stubPaymentService{},
		reconciler: &stubReconciler{},
	}
	authn := newTestAuthenticator()
	opts := []Option{
		WithOrderRoutes(NewOrderHandlers(authn, api.orders).Routes),
		WithStripeRoutes(NewStripeHandlers(authn, api.payments, api.reconciler).Routes),
		WithInternalRoutes(NewInternalHandlers(api.payments, 2*time.Minute, 25).Routes),
	}
	api.handler = NewRouter(append(opts, extra...)...)
	return api
}

func newTestAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(tokenVerifier{})
}

func newRequest(method, path, token, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func serveRequest(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func (a *testAPI) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	return serveRequest(a.handler, newRequest(method, path, token, body))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d (%s)", status, rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["error"] != code {
		t.Fatalf("expected error %q, got %v", code, body["error"])
	}
	if int(body["status"].(float64)) != status {
		t.Fatalf("expected envelope status %d, got %v", status, body["status"])
	}
}

var testCreatedAt = time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

func sampleOrder() services.Order {
	return services.Order{
		ID:            "ord_01HXAMPLE",
		OrderNumber:   "20240501120000-AB12",
		UserID:        "user-1",
		CartID:        "cart-1",
		TotalPrice:    decimal.RequireFromString("45"),
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		Items: []services.OrderItem{
			{ID: "oi_1", ProductID: "P1", ProductName: "Mug", Quantity: 2, Price: decimal.RequireFromString("10")},
			{ID: "oi_2", ProductID: "P2", ProductName: "Tee", Quantity: 1, Price: decimal.RequireFromString("25.00")},
		},
		CreatedAt: testCreatedAt,
		UpdatedAt: testCreatedAt,
	}
}
