package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/storefront/api/internal/platform/metrics"
	"github.com/storefront/api/internal/services"
)

func TestRouter_UnknownRoute(t *testing.T) {
	api := newTestAPI(t)
	expectError(t, api.do(t, http.MethodGet, "/api/v1/carts", "", ""), http.StatusNotFound, "route_not_found")
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	expectError(t, api.do(t, http.MethodGet, "/api/v1/stripe/webhook", "", ""), http.StatusMethodNotAllowed, "method_not_allowed")
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	recorder := metrics.NewRecorder()
	recorder.OrderPlaced("placed")
	api := newTestAPI(t, WithMetricsHandler(recorder.Handler()))

	rr := api.do(t, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "orders_created_total") {
		t.Fatalf("expected orders_created_total in scrape output")
	}
}

func TestRouter_CustomBasePath(t *testing.T) {
	api := newTestAPI(t, WithBasePath("/v2"))
	expectError(t, api.do(t, http.MethodGet, "/v2/orders/me", "", ""), http.StatusUnauthorized, "unauthenticated")
	expectError(t, api.do(t, http.MethodGet, "/api/v1/orders/me", "", ""), http.StatusNotFound, "route_not_found")

	api.orders.placeFn = func(context.Context, services.PlaceOrderCommand) (services.PlacedOrder, error) {
		return services.PlacedOrder{Order: sampleOrder()}, nil
	}
	rr := api.do(t, http.MethodPost, "/v2/orders", "user:user-1", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/v2/orders/ord_01HXAMPLE" {
		t.Fatalf("expected location under custom base path, got %q", loc)
	}
}
