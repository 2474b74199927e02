package services

import (
	"fmt"
	"slices"

	domain "github.com/storefront/api/internal/domain"
)

var orderStateTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:  {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:  {domain.OrderStatusRefunded},
	domain.OrderStatusCancelled:  {domain.OrderStatusRefunded},
	domain.OrderStatusRefunded:   {},
}

// Cancellation is checked separately from the transition table.
var nonCancellableStatuses = []OrderStatus{
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
	domain.OrderStatusRefunded,
	domain.OrderStatusCancelled,
}

// Payment status only moves forward; anything else is a stale or duplicate delivery.
var paymentStatusTransitions = map[PaymentStatus][]PaymentStatus{
	domain.PaymentStatusPending: {
		domain.PaymentStatusSucceeded,
		domain.PaymentStatusFailed,
		domain.PaymentStatusCanceled,
		domain.PaymentStatusRefunded,
	},
	domain.PaymentStatusFailed: {
		domain.PaymentStatusSucceeded,
		domain.PaymentStatusCanceled,
		domain.PaymentStatusRefunded,
	},
	domain.PaymentStatusSucceeded: {domain.PaymentStatusRefunded},
}

// ValidateTransition reports ErrOrderInvalidTransition unless target is allowed from current.
func ValidateTransition(current, target OrderStatus) error {
	if !target.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, target)
	}
	if !slices.Contains(orderStateTransitions[current], target) {
		return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, current, target)
	}
	return nil
}

// Cancellable reports whether an order in status may be cancelled.
func Cancellable(status OrderStatus) bool {
	return status.Valid() && !slices.Contains(nonCancellableStatuses, status)
}

// paymentSourcesFor lists the payment statuses that may move to target.
func paymentSourcesFor(target PaymentStatus) []PaymentStatus {
	var sources []PaymentStatus
	for _, from := range []PaymentStatus{
		domain.PaymentStatusPending,
		domain.PaymentStatusFailed,
		domain.PaymentStatusSucceeded,
	} {
		if slices.Contains(paymentStatusTransitions[from], target) {
			sources = append(sources, from)
		}
	}
	return sources
}
