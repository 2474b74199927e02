package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Product is the catalog view consumed by order placement. Stock is owned by the stock ledger.
type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Stock     int
	IsActive  bool
	UpdatedAt time.Time
}

// Cart is the checkout source for an order.
type Cart struct {
	ID        string
	UserID    string
	Items     []CartItem
	UpdatedAt time.Time
}

// CartItem references a product and requested quantity within a cart.
type CartItem struct {
	ID        string
	ProductID string
	Quantity  int
	AddedAt   time.Time
}

// OrderStatus enumerates the fulfilment lifecycle of an order.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and awaits confirmation.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusConfirmed indicates the order was confirmed, usually after payment.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled indicates the order was cancelled and its stock released.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRefunded indicates the order was refunded.
	OrderStatusRefunded OrderStatus = "REFUNDED"
)

// OrderStatuses lists every known order status.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	for _, candidate := range OrderStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// PaymentStatus tracks the payment outcome reported by the gateway.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusSucceeded PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCanceled  PaymentStatus = "CANCELED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

// Order is the persisted order header together with its immutable line items.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	CartID          string
	TotalPrice      decimal.Decimal
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentIntentID string
	Notes           string
	Items           []OrderItem
	PaidAt          *time.Time
	CanceledAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem snapshots product name and unit price at order time.
type OrderItem struct {
	ID          string
	OrderID     string
	ProductID   string
	ProductName string
	Quantity    int
	Price       decimal.Decimal
}

// Subtotal returns price multiplied by quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ItemsTotal sums the subtotals of the order's line items.
func (o Order) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// StockAdjustments returns one adjustment per line item.
func (o Order) StockAdjustments() []StockAdjustment {
	adjustments := make([]StockAdjustment, 0, len(o.Items))
	for _, item := range o.Items {
		adjustments = append(adjustments, StockAdjustment{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return adjustments
}

// StockAdjustment describes a quantity to take from or return to a product's stock.
type StockAdjustment struct {
	ProductID string
	Quantity  int
}

// MergeAdjustments folds adjustments for the same product together and orders them by product id so
// that every backend touches rows in the same order.
func MergeAdjustments(adjustments []StockAdjustment) []StockAdjustment {
	totals := make(map[string]int, len(adjustments))
	for _, adj := range adjustments {
		totals[adj.ProductID] += adj.Quantity
	}
	merged := make([]StockAdjustment, 0, len(totals))
	for productID, quantity := range totals {
		merged = append(merged, StockAdjustment{ProductID: productID, Quantity: quantity})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged
}

// StockLevel reports a product's stock after an adjustment.
type StockLevel struct {
	ProductID string
	Stock     int
}

// WebhookEvent records a gateway event that has been applied.
type WebhookEvent struct {
	ID          string
	Type        string
	Provider    string
	OrderID     string
	ProcessedAt time.Time
}
