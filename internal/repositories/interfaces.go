package repositories

import (
	"context"
	"time"

	domain "github.com/storefront/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Stock() StockLedgerRepository
	Carts() CartRepository
	Orders() OrderRepository
	WebhookEvents() WebhookEventRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repositories called with the
// context passed to fn join the transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository reads catalog products. Catalog writes live outside this service.
type ProductRepository interface {
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
}

// StockLedgerRepository is the only writer of product stock. Decrement is all-or-nothing across the
// batch and must be implemented with an atomic conditional update, never read-then-write in the caller.
type StockLedgerRepository interface {
	Decrement(ctx context.Context, adjustments []domain.StockAdjustment) ([]domain.StockLevel, error)
	Increment(ctx context.Context, adjustments []domain.StockAdjustment) ([]domain.StockLevel, error)
}

// CartRepository reads carts and clears them after checkout.
type CartRepository interface {
	FindByID(ctx context.Context, cartID string) (domain.Cart, error)
	FindByUser(ctx context.Context, userID string) (domain.Cart, error)
	ClearItems(ctx context.Context, cartID string) error
}

// OrderRepository persists order headers with their line items.
type OrderRepository interface {
	// Insert stores the order and its items. A duplicate order number yields a conflict error.
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error)
	ListByUser(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// ListAll pages over every order, newest first.
	ListAll(ctx context.Context, pager domain.Pagination) (domain.CursorPage[domain.Order], error)
	// ListAwaitingPaymentIntent returns pending, unpaid orders without an attached payment intent created
	// before the cutoff.
	ListAwaitingPaymentIntent(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error)
	// UpdateStatus applies a compare-and-set on the order status and returns a conflict error when the
	// stored status differs from Expected.
	UpdateStatus(ctx context.Context, update OrderStatusUpdate) (domain.Order, error)
	// AttachPaymentIntent records the intent id only when the order has none yet.
	AttachPaymentIntent(ctx context.Context, orderID, intentID string, updatedAt time.Time) (domain.Order, error)
	// UpdatePaymentStatus moves the payment status when the current value is one of From. Applied is false
	// when the guard did not match.
	UpdatePaymentStatus(ctx context.Context, update PaymentStatusUpdate) (PaymentStatusResult, error)
}

// OrderListFilter narrows order listings to a single user.
type OrderListFilter struct {
	UserID     string
	Pagination domain.Pagination
}

// OrderStatusUpdate describes a guarded status transition.
type OrderStatusUpdate struct {
	OrderID    string
	Expected   domain.OrderStatus
	Next       domain.OrderStatus
	UpdatedAt  time.Time
	CanceledAt *time.Time
}

// PaymentStatusUpdate describes a guarded payment status change. PaidAt is only written when non-nil.
type PaymentStatusUpdate struct {
	OrderID   string
	From      []domain.PaymentStatus
	To        domain.PaymentStatus
	PaidAt    *time.Time
	UpdatedAt time.Time
}

// PaymentStatusResult reports the order after the update attempt and whether the guard matched.
type PaymentStatusResult struct {
	Order   domain.Order
	Applied bool
}

// WebhookEventRepository tracks gateway events that have already been applied.
type WebhookEventRepository interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, event domain.WebhookEvent) error
}
