package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/services"
)

type retryDeferredPayload struct {
	Attempted int `json:"attempted"`
	Created   int `json:"created"`
	Failed    int `json:"failed"`
}

// InternalHandlers serves scheduler-driven maintenance endpoints under /internal.
type InternalHandlers struct {
	payments services.PaymentService
	grace    time.Duration
	batch    int
}

// NewInternalHandlers constructs InternalHandlers. grace and batch bound the deferred intent sweep.
func NewInternalHandlers(payments services.PaymentService, grace time.Duration, batch int) *InternalHandlers {
	return &InternalHandlers{payments: payments, grace: grace, batch: batch}
}

// Routes registers the internal endpoints. Authentication is applied by the router group.
func (h *InternalHandlers) Routes(r chi.Router) {
	r.Post("/payments/retry-deferred", h.retryDeferred)
}

func (h *InternalHandlers) retryDeferred(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result, err := h.payments.RetryDeferred(ctx, services.RetryDeferredCommand{
		OlderThan: h.grace,
		Limit:     h.batch,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, retryDeferredPayload{
		Attempted: result.Attempted,
		Created:   result.Created,
		Failed:    result.Failed,
	})
}
