package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/repositories"
)

const (
	paymentEventSucceeded = "payment.succeeded"
	paymentEventFailed    = "payment.failed"
	paymentEventRefunded  = "payment.refunded"
	paymentEventCanceled  = "payment.canceled"
)

var (
	// ErrWebhookNotConfigured indicates webhooks arrive while no gateway is configured.
	ErrWebhookNotConfigured = errors.New("webhook: gateway not configured")
	// ErrWebhookInvalidSignature indicates the payload failed signature verification.
	ErrWebhookInvalidSignature = errors.New("webhook: invalid signature")
	// ErrWebhookInvalidPayload indicates a verified payload could not be decoded.
	ErrWebhookInvalidPayload = errors.New("webhook: invalid payload")
	// ErrWebhookMissingOrder indicates a succeeded payment carries no order id metadata.
	ErrWebhookMissingOrder = errors.New("webhook: missing order metadata")
)

// WebhookReconcilerDeps bundles collaborators required to construct the webhook reconciler.
type WebhookReconcilerDeps struct {
	Gateway    payments.Gateway
	Orders     repositories.OrderRepository
	Events     repositories.WebhookEventRepository
	UnitOfWork repositories.UnitOfWork
	Cache      EventCache
	Publisher  OrderEventPublisher
	Metrics    Metrics
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type webhookReconciler struct {
	gateway    payments.Gateway
	orders     repositories.OrderRepository
	events     repositories.WebhookEventRepository
	unitOfWork repositories.UnitOfWork
	cache      EventCache
	publisher  OrderEventPublisher
	metrics    Metrics
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewWebhookReconciler wires the gateway, order store and processed-event ledger.
func NewWebhookReconciler(deps WebhookReconcilerDeps) (WebhookReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("webhook reconciler: order repository is required")
	}
	if deps.Events == nil {
		return nil, errors.New("webhook reconciler: webhook event repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("webhook reconciler: unit of work is required")
	}
	gateway := deps.Gateway
	if gateway == nil {
		gateway = payments.DisabledGateway{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &webhookReconciler{
		gateway:    gateway,
		orders:     deps.Orders,
		events:     deps.Events,
		unitOfWork: deps.UnitOfWork,
		cache:      deps.Cache,
		publisher:  deps.Publisher,
		metrics:    metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Handle verifies the payload before anything is read or written, then applies the event and records
// it as processed in one transaction so replays and concurrent duplicates become no-ops.
func (r *webhookReconciler) Handle(ctx context.Context, payload []byte, signature string) (ReconcileResult, error) {
	event, err := r.gateway.ConstructEvent(payload, signature)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrDisabled):
			return ReconcileResult{}, ErrWebhookNotConfigured
		case errors.Is(err, payments.ErrInvalidSignature):
			r.metrics.WebhookHandled("unknown", "invalid_signature")
			r.logger(ctx, "webhook.signature_invalid", map[string]any{
				"payloadBytes": len(payload),
				"hasSignature": strings.TrimSpace(signature) != "",
				"error":        err.Error(),
			})
			return ReconcileResult{}, fmt.Errorf("%w: %v", ErrWebhookInvalidSignature, err)
		default:
			r.metrics.WebhookHandled("unknown", "invalid_payload")
			return ReconcileResult{}, fmt.Errorf("%w: %v", ErrWebhookInvalidPayload, err)
		}
	}

	result := ReconcileResult{EventID: event.ID, EventType: string(event.Type), OrderID: event.OrderID}
	r.logger(ctx, "webhook.received", map[string]any{
		"eventId":       event.ID,
		"eventType":     string(event.Type),
		"paymentIntent": event.IntentID,
	})

	if !event.Handled() {
		result.Outcome = ReconcileIgnored
		r.metrics.WebhookHandled(string(event.Type), string(result.Outcome))
		return result, nil
	}
	if event.Type == payments.EventPaymentSucceeded && strings.TrimSpace(event.OrderID) == "" {
		r.metrics.WebhookHandled(string(event.Type), "missing_order")
		return result, fmt.Errorf("%w: event %s", ErrWebhookMissingOrder, event.ID)
	}

	if r.cachedDuplicate(ctx, event.ID) {
		result.Outcome = ReconcileDuplicate
		r.metrics.WebhookHandled(string(event.Type), string(result.Outcome))
		return result, nil
	}

	var pending []OrderEvent
	err = r.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		pending = nil
		seen, err := r.events.Seen(txCtx, event.ID)
		if err != nil {
			return err
		}
		if seen {
			result.Outcome = ReconcileDuplicate
			return nil
		}
		outcome, orderID, emitted, err := r.apply(txCtx, event)
		if err != nil {
			return err
		}
		result.Outcome = outcome
		result.OrderID = orderID
		pending = emitted
		return r.events.MarkProcessed(txCtx, domain.WebhookEvent{
			ID:          event.ID,
			Type:        string(event.Type),
			Provider:    payments.ProviderStripe,
			OrderID:     orderID,
			ProcessedAt: r.clock(),
		})
	})
	if err != nil {
		if isRepositoryConflict(err) {
			// A concurrent delivery of the same event may have committed first.
			if seen, seenErr := r.events.Seen(ctx, event.ID); seenErr == nil && seen {
				result.Outcome = ReconcileDuplicate
				r.metrics.WebhookHandled(string(event.Type), string(result.Outcome))
				return result, nil
			}
		}
		r.metrics.WebhookHandled(string(event.Type), "error")
		r.logger(ctx, "webhook.apply_failed", map[string]any{
			"eventId":   event.ID,
			"eventType": string(event.Type),
			"error":     err.Error(),
		})
		return result, fmt.Errorf("webhook: apply %s: %w", event.ID, err)
	}

	r.remember(ctx, event.ID)
	for _, evt := range pending {
		r.publish(ctx, evt)
	}
	r.metrics.WebhookHandled(string(event.Type), string(result.Outcome))
	r.logger(ctx, "webhook.reconciled", map[string]any{
		"eventId":   event.ID,
		"eventType": string(event.Type),
		"orderId":   result.OrderID,
		"outcome":   string(result.Outcome),
	})
	return result, nil
}

func (r *webhookReconciler) apply(ctx context.Context, event payments.Event) (ReconcileOutcome, string, []OrderEvent, error) {
	switch event.Type {
	case payments.EventPaymentSucceeded:
		return r.applySucceeded(ctx, event)
	case payments.EventPaymentFailed:
		if strings.TrimSpace(event.OrderID) == "" {
			return ReconcileIgnored, "", nil, nil
		}
		return r.applyPaymentStatus(ctx, event, event.OrderID, domain.PaymentStatusFailed, paymentEventFailed)
	case payments.EventPaymentCanceled:
		if strings.TrimSpace(event.OrderID) == "" {
			return ReconcileIgnored, "", nil, nil
		}
		return r.applyPaymentStatus(ctx, event, event.OrderID, domain.PaymentStatusCanceled, paymentEventCanceled)
	case payments.EventChargeRefunded:
		if strings.TrimSpace(event.IntentID) == "" {
			return ReconcileIgnored, "", nil, nil
		}
		// Refunds are matched by payment intent, never by metadata.
		order, err := r.orders.FindByPaymentIntent(ctx, event.IntentID)
		if err != nil {
			if isRepositoryNotFound(err) {
				return ReconcileIgnored, "", nil, nil
			}
			return "", "", nil, err
		}
		return r.applyPaymentStatus(ctx, event, order.ID, domain.PaymentStatusRefunded, paymentEventRefunded)
	}
	return ReconcileIgnored, "", nil, nil
}

func (r *webhookReconciler) applySucceeded(ctx context.Context, event payments.Event) (ReconcileOutcome, string, []OrderEvent, error) {
	orderID := strings.TrimSpace(event.OrderID)
	order, err := r.orders.FindByID(ctx, orderID)
	if err != nil {
		if isRepositoryNotFound(err) {
			r.logger(ctx, "webhook.order_missing", map[string]any{"eventId": event.ID, "orderId": orderID})
			return ReconcileStale, orderID, nil, nil
		}
		return "", "", nil, err
	}
	if order.PaymentIntentID != "" && event.IntentID != "" && order.PaymentIntentID != event.IntentID {
		r.logger(ctx, "webhook.intent_mismatch", map[string]any{
			"eventId":     event.ID,
			"orderId":     order.ID,
			"orderIntent": order.PaymentIntentID,
			"eventIntent": event.IntentID,
		})
		return ReconcileStale, order.ID, nil, nil
	}
	if order.PaymentIntentID == "" && event.IntentID != "" {
		// The webhook can beat the attach that follows intent creation.
		if _, err := r.orders.AttachPaymentIntent(ctx, order.ID, event.IntentID, r.clock()); err != nil {
			return "", "", nil, err
		}
	}

	outcome, _, emitted, err := r.applyPaymentStatus(ctx, event, order.ID, domain.PaymentStatusSucceeded, paymentEventSucceeded)
	if err != nil || outcome != ReconcileApplied {
		return outcome, order.ID, emitted, err
	}

	switch order.Status {
	case domain.OrderStatusPending:
		if err := ValidateTransition(order.Status, domain.OrderStatusConfirmed); err != nil {
			return outcome, order.ID, emitted, nil
		}
		now := r.clock()
		_, err := r.orders.UpdateStatus(ctx, repositories.OrderStatusUpdate{
			OrderID:   order.ID,
			Expected:  domain.OrderStatusPending,
			Next:      domain.OrderStatusConfirmed,
			UpdatedAt: now,
		})
		switch {
		case err == nil:
			emitted = append(emitted, OrderEvent{
				Type:           orderEventStatusChanged,
				OrderID:        order.ID,
				OrderNumber:    order.OrderNumber,
				UserID:         order.UserID,
				PreviousStatus: string(domain.OrderStatusPending),
				CurrentStatus:  string(domain.OrderStatusConfirmed),
				OccurredAt:     now,
			})
		case isRepositoryConflict(err):
			// A concurrent transition already moved the order; payment status is still recorded.
		default:
			return "", "", nil, err
		}
	case domain.OrderStatusCancelled:
		r.logger(ctx, "webhook.paid_after_cancel", map[string]any{
			"eventId":       event.ID,
			"orderId":       order.ID,
			"paymentIntent": event.IntentID,
		})
	}
	return outcome, order.ID, emitted, nil
}

func (r *webhookReconciler) applyPaymentStatus(ctx context.Context, event payments.Event, orderID string, target PaymentStatus, eventType string) (ReconcileOutcome, string, []OrderEvent, error) {
	now := r.clock()
	update := repositories.PaymentStatusUpdate{
		OrderID:   orderID,
		From:      paymentSourcesFor(target),
		To:        target,
		UpdatedAt: now,
	}
	if target == domain.PaymentStatusSucceeded {
		update.PaidAt = &now
	}
	result, err := r.orders.UpdatePaymentStatus(ctx, update)
	if err != nil {
		if isRepositoryNotFound(err) {
			return ReconcileStale, orderID, nil, nil
		}
		return "", "", nil, err
	}
	fields := map[string]any{
		"eventId":       event.ID,
		"orderId":       orderID,
		"paymentIntent": event.IntentID,
		"paymentStatus": string(result.Order.PaymentStatus),
		"target":        string(target),
	}
	if event.FailureMessage != "" {
		fields["failure"] = event.FailureMessage
	}
	if event.Type == payments.EventChargeRefunded {
		fields["refunded"] = domain.FormatMoney(event.RefundedAmount)
		fields["fullRefund"] = event.FullyRefunded
	}
	if !result.Applied {
		r.logger(ctx, "webhook.stale", fields)
		return ReconcileStale, orderID, nil, nil
	}
	r.logger(ctx, "webhook.payment_status_changed", fields)

	metadata := map[string]any{"eventId": event.ID, "paymentIntent": event.IntentID}
	if event.Type == payments.EventChargeRefunded {
		metadata["refundedAmount"] = domain.FormatMoney(event.RefundedAmount)
	}
	return ReconcileApplied, orderID, []OrderEvent{{
		Type:          eventType,
		OrderID:       orderID,
		OrderNumber:   result.Order.OrderNumber,
		UserID:        result.Order.UserID,
		CurrentStatus: string(target),
		OccurredAt:    now,
		Metadata:      metadata,
	}}, nil
}

func (r *webhookReconciler) cachedDuplicate(ctx context.Context, eventID string) bool {
	if r.cache == nil {
		return false
	}
	seen, err := r.cache.Seen(ctx, eventID)
	if err != nil {
		r.logger(ctx, "webhook.cache_unavailable", map[string]any{"eventId": eventID, "error": err.Error()})
		return false
	}
	return seen
}

func (r *webhookReconciler) remember(ctx context.Context, eventID string) {
	if r.cache == nil {
		return
	}
	if _, err := r.cache.Remember(ctx, eventID); err != nil {
		r.logger(ctx, "webhook.cache_unavailable", map[string]any{"eventId": eventID, "error": err.Error()})
	}
}

func (r *webhookReconciler) publish(ctx context.Context, event OrderEvent) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishOrderEvent(ctx, event); err != nil {
		r.logger(ctx, "webhook.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}
