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
	paymentEventIntentCreated   = "payment.intent.created"
	paymentEventIntentCanceled  = "payment.intent.canceled"
	paymentEventRefundRequested = "payment.refund.requested"

	defaultDeferredGrace = 2 * time.Minute
	defaultDeferredBatch = 50
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotConfigured indicates no payment gateway credentials are configured.
	ErrPaymentNotConfigured = errors.New("payment: gateway not configured")
	// ErrPaymentOrderNotFound indicates the order does not exist or is not visible to the caller.
	ErrPaymentOrderNotFound = errors.New("payment: order not found")
	// ErrPaymentInvalidState indicates the order's status does not allow the payment operation.
	ErrPaymentInvalidState = errors.New("payment: invalid order state")
	// ErrPaymentGateway indicates the gateway call failed.
	ErrPaymentGateway = errors.New("payment: gateway error")
	// ErrPaymentConflict indicates the order was bound to a different intent concurrently.
	ErrPaymentConflict = errors.New("payment: conflict")
	// ErrPaymentUnavailable indicates the backing store is unavailable.
	ErrPaymentUnavailable = errors.New("payment: repository unavailable")
)

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders   repositories.OrderRepository
	Gateway  payments.Gateway
	Events   OrderEventPublisher
	Currency string
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders   repositories.OrderRepository
	gateway  payments.Gateway
	events   OrderEventPublisher
	currency string
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewPaymentService wires the gateway and order repository. A nil gateway behaves as not configured.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	gateway := deps.Gateway
	if gateway == nil {
		gateway = payments.DisabledGateway{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentService{
		orders:   deps.Orders,
		gateway:  gateway,
		events:   deps.Events,
		currency: strings.ToLower(strings.TrimSpace(deps.Currency)),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *paymentService) Enabled() bool {
	return s.gateway.Enabled()
}

// CreateIntent returns the order's existing intent when one is attached, which makes the call safe to
// repeat and doubles as the retry path for intents deferred at placement time.
func (s *paymentService) CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntentResult, error) {
	if !s.gateway.Enabled() {
		return PaymentIntentResult{}, ErrPaymentNotConfigured
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentIntentResult{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentIntentResult{}, s.mapRepositoryError(err)
	}
	if !cmd.IsAdmin && order.UserID != strings.TrimSpace(cmd.ActorID) {
		return PaymentIntentResult{}, fmt.Errorf("%w: %s", ErrPaymentOrderNotFound, orderID)
	}
	if order.Status == domain.OrderStatusCancelled || order.Status == domain.OrderStatusRefunded {
		return PaymentIntentResult{}, fmt.Errorf("%w: order %s is %s", ErrPaymentInvalidState, orderID, order.Status)
	}

	if order.PaymentIntentID != "" {
		intent, err := s.gateway.RetrievePaymentIntent(ctx, order.PaymentIntentID)
		if err != nil {
			return PaymentIntentResult{}, s.mapGatewayError(err)
		}
		return intentResult(intent, order.ID), nil
	}

	if order.PaymentStatus != domain.PaymentStatusPending {
		return PaymentIntentResult{}, fmt.Errorf("%w: payment is %s", ErrPaymentInvalidState, order.PaymentStatus)
	}
	if !order.TotalPrice.IsPositive() {
		return PaymentIntentResult{}, fmt.Errorf("%w: order total must be positive", ErrPaymentInvalidState)
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, payments.IntentRequest{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Amount:         order.TotalPrice,
		Currency:       s.currency,
		IdempotencyKey: "order:" + order.ID + ":intent",
		Metadata:       map[string]string{"userId": order.UserID, "notes": order.Notes},
	})
	if err != nil {
		return PaymentIntentResult{}, s.mapGatewayError(err)
	}

	if _, err := s.orders.AttachPaymentIntent(ctx, order.ID, intent.ID, s.clock()); err != nil {
		return PaymentIntentResult{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, paymentEventIntentCreated, map[string]any{
		"orderId":       order.ID,
		"paymentIntent": intent.ID,
		"amount":        domain.FormatMoney(order.TotalPrice),
		"minorUnits":    domain.MinorUnits(order.TotalPrice),
	})
	return intentResult(intent, order.ID), nil
}

func (s *paymentService) CancelIntent(ctx context.Context, cmd CancelPaymentIntentCommand) error {
	if !s.gateway.Enabled() {
		return ErrPaymentNotConfigured
	}
	intentID := strings.TrimSpace(cmd.IntentID)
	if intentID == "" {
		return fmt.Errorf("%w: payment intent id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByPaymentIntent(ctx, intentID)
	switch {
	case err == nil:
		if !cmd.IsAdmin && order.UserID != strings.TrimSpace(cmd.ActorID) {
			return fmt.Errorf("%w: payment intent %s", ErrPaymentOrderNotFound, intentID)
		}
	case isRepositoryNotFound(err):
		// Intents without a local order can only be cancelled by an admin.
		if !cmd.IsAdmin {
			return fmt.Errorf("%w: payment intent %s", ErrPaymentOrderNotFound, intentID)
		}
	default:
		return s.mapRepositoryError(err)
	}

	if _, err := s.gateway.CancelPaymentIntent(ctx, intentID); err != nil {
		return s.mapGatewayError(err)
	}
	if order.ID == "" {
		return nil
	}

	now := s.clock()
	result, err := s.orders.UpdatePaymentStatus(ctx, repositories.PaymentStatusUpdate{
		OrderID:   order.ID,
		From:      paymentSourcesFor(domain.PaymentStatusCanceled),
		To:        domain.PaymentStatusCanceled,
		UpdatedAt: now,
	})
	if err != nil {
		return s.mapRepositoryError(err)
	}
	s.logger(ctx, paymentEventIntentCanceled, map[string]any{
		"orderId":       order.ID,
		"paymentIntent": intentID,
		"applied":       result.Applied,
		"paymentStatus": string(result.Order.PaymentStatus),
	})
	if result.Applied {
		s.publish(ctx, OrderEvent{
			Type:           paymentEventCanceled,
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			UserID:         order.UserID,
			PreviousStatus: string(order.PaymentStatus),
			CurrentStatus:  string(domain.PaymentStatusCanceled),
			ActorID:        cmd.ActorID,
			OccurredAt:     now,
		})
	}
	return nil
}

// RefundOrder asks the gateway for a full refund. The charge.refunded webhook records the outcome.
func (s *paymentService) RefundOrder(ctx context.Context, cmd RefundOrderCommand) (payments.Refund, error) {
	if !s.gateway.Enabled() {
		return payments.Refund{}, ErrPaymentNotConfigured
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return payments.Refund{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return payments.Refund{}, s.mapRepositoryError(err)
	}
	if order.PaymentStatus != domain.PaymentStatusSucceeded || order.PaymentIntentID == "" {
		return payments.Refund{}, fmt.Errorf("%w: payment is %s", ErrPaymentInvalidState, order.PaymentStatus)
	}

	refund, err := s.gateway.CreateRefund(ctx, payments.RefundRequest{
		IntentID:       order.PaymentIntentID,
		Reason:         cmd.Reason,
		IdempotencyKey: "order:" + order.ID + ":refund",
	})
	if err != nil {
		return payments.Refund{}, s.mapGatewayError(err)
	}
	s.logger(ctx, paymentEventRefundRequested, map[string]any{
		"orderId":       order.ID,
		"paymentIntent": order.PaymentIntentID,
		"refund":        refund.ID,
		"amount":        domain.FormatMoney(refund.Amount),
		"actorId":       cmd.ActorID,
	})
	return refund, nil
}

// RetryDeferred creates intents for pending orders that never received one. Failures are counted and
// left for the next sweep.
func (s *paymentService) RetryDeferred(ctx context.Context, cmd RetryDeferredCommand) (RetryDeferredResult, error) {
	if !s.gateway.Enabled() {
		return RetryDeferredResult{}, ErrPaymentNotConfigured
	}
	grace := cmd.OlderThan
	if grace <= 0 {
		grace = defaultDeferredGrace
	}
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultDeferredBatch
	}

	orders, err := s.orders.ListAwaitingPaymentIntent(ctx, s.clock().Add(-grace), limit)
	if err != nil {
		return RetryDeferredResult{}, s.mapRepositoryError(err)
	}

	var result RetryDeferredResult
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempted++
		if _, err := s.CreateIntent(ctx, CreatePaymentIntentCommand{OrderID: order.ID, IsAdmin: true}); err != nil {
			result.Failed++
			s.logger(ctx, "payment.intent.retry_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			continue
		}
		result.Created++
	}
	s.logger(ctx, "payment.intent.retry_sweep", map[string]any{
		"attempted": result.Attempted,
		"created":   result.Created,
		"failed":    result.Failed,
	})
	return result, nil
}

func (s *paymentService) publish(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "payment.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

func (s *paymentService) mapGatewayError(err error) error {
	switch {
	case errors.Is(err, payments.ErrDisabled):
		return ErrPaymentNotConfigured
	case errors.Is(err, payments.ErrIntentNotFound):
		return fmt.Errorf("%w: %v", ErrPaymentOrderNotFound, err)
	case errors.Is(err, payments.ErrInvalidRequest):
		return fmt.Errorf("%w: %v", ErrPaymentInvalidState, err)
	}
	return fmt.Errorf("%w: %v", ErrPaymentGateway, err)
}

func (s *paymentService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPaymentOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrPaymentConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}
	}
	return err
}

func intentResult(intent payments.Intent, orderID string) PaymentIntentResult {
	return PaymentIntentResult{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          intent.Amount,
		Status:          intent.Status,
		OrderID:         orderID,
	}
}
