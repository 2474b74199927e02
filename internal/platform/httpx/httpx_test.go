package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/storefront/api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "abc123"})
	rec := httptest.NewRecorder()

	WriteError(ctx, rec, NewError("insufficient_stock", "not enough\nstock", http.StatusBadRequest).
		WithDetails(map[string]any{"productId": "P2", "status": "ignored"}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "insufficient_stock" || body["message"] != "not enough stock" || body["status"] != float64(400) {
		t.Fatalf("unexpected envelope %v", body)
	}
	if body["productId"] != "P2" || body["trace_id"] != "abc123" {
		t.Fatalf("expected details and trace id, got %v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		CartID string `json:"cartId"`
	}
	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"cartId":"c1"}`},
		{name: "unknown field", body: `{"cartId":"c1","total":"1.00"}`, wantErr: true},
		{name: "trailing data", body: `{"cartId":"c1"}{}`, wantErr: true},
		{name: "malformed", body: `{"cartId":`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dst payload
			err := DecodeJSON(req, &dst)
			if (err != nil) != tc.wantErr {
				t.Fatalf("DecodeJSON error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	if err := DecodeJSON(req, &payload{}); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}
}
