package firestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/platform/pagination"
	"github.com/storefront/api/internal/repositories"
)

// OrderRepository stores orders with embedded line items and reserves order numbers in a side collection.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	numbers  *pfirestore.Collection[orderNumberDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection, nil),
		numbers:  pfirestore.NewCollection[orderNumberDocument](provider, orderNumbersCollection, nil),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	orderRef, err := r.orders.Ref(ctx, order.ID)
	if err != nil {
		return err
	}
	numberRef, err := r.numbers.Ref(ctx, order.OrderNumber)
	if err != nil {
		return err
	}
	doc := newOrderDocument(order)
	number := orderNumberDocument{OrderID: order.ID, CreatedAt: order.CreatedAt.UTC()}

	err = r.provider.RunInScope(ctx, func(_ context.Context, scope *pfirestore.Scope) error {
		scope.Stage(func(tx *firestore.Transaction) error {
			return tx.Create(numberRef, number)
		})
		scope.Stage(func(tx *firestore.Transaction) error {
			return tx.Create(orderRef, doc)
		})
		return nil
	})
	return pfirestore.WrapError("orders.insert", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(id)
}

func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error) {
	docs, ids, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentIntentId", "==", strings.TrimSpace(intentID)).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NotFound("orders.find_by_payment_intent", "no order for payment intent %s", intentID)
	}
	return docs[0].toDomain(ids[0])
}

func (r *OrderRepository) ListByUser(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	userID := strings.TrimSpace(filter.UserID)
	return r.page(ctx, filter.Pagination, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", userID)
	})
}

func (r *OrderRepository) ListAll(ctx context.Context, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	return r.page(ctx, pager, func(q firestore.Query) firestore.Query { return q })
}

func (r *OrderRepository) page(ctx context.Context, pager domain.Pagination, scope func(firestore.Query) firestore.Query) (domain.CursorPage[domain.Order], error) {
	pageSize := pagination.Normalize(pager.PageSize)
	cursor, err := pagination.DecodeToken(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, ids, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = scope(q).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(docs), pageSize))}
	for i, doc := range docs {
		if i == pageSize {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		order, err := doc.toDomain(ids[i])
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

func (r *OrderRepository) ListAwaitingPaymentIntent(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	docs, ids, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.OrderStatusPending)).
			Where("paymentStatus", "==", string(domain.PaymentStatusPending)).
			Where("paymentIntentId", "==", "").
			Where("createdAt", "<", createdBefore.UTC()).
			OrderBy("createdAt", firestore.Asc).
			Limit(pagination.Normalize(limit))
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for i, doc := range docs {
		order, err := doc.toDomain(ids[i])
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	var updated domain.Order
	err := r.mutate(ctx, "orders.update_status", update.OrderID, func(order *domain.Order) ([]firestore.Update, error) {
		if order.Status != update.Expected {
			return nil, pfirestore.Conflict("orders.update_status", "order %s status is %s, expected %s", order.ID, order.Status, update.Expected)
		}
		order.Status = update.Next
		order.UpdatedAt = update.UpdatedAt.UTC()
		updates := []firestore.Update{
			{Path: "status", Value: string(update.Next)},
			{Path: "updatedAt", Value: order.UpdatedAt},
		}
		if update.CanceledAt != nil {
			order.CanceledAt = utcPtr(update.CanceledAt)
			updates = append(updates, firestore.Update{Path: "canceledAt", Value: *order.CanceledAt})
		}
		updated = *order
		return updates, nil
	})
	return updated, err
}

func (r *OrderRepository) AttachPaymentIntent(ctx context.Context, orderID, intentID string, updatedAt time.Time) (domain.Order, error) {
	var updated domain.Order
	err := r.mutate(ctx, "orders.attach_payment_intent", orderID, func(order *domain.Order) ([]firestore.Update, error) {
		switch order.PaymentIntentID {
		case intentID:
			updated = *order
			return nil, nil
		case "":
		default:
			return nil, pfirestore.Conflict("orders.attach_payment_intent", "order %s already has payment intent %s", order.ID, order.PaymentIntentID)
		}
		order.PaymentIntentID = intentID
		order.UpdatedAt = updatedAt.UTC()
		updated = *order
		return []firestore.Update{
			{Path: "paymentIntentId", Value: intentID},
			{Path: "updatedAt", Value: order.UpdatedAt},
		}, nil
	})
	return updated, err
}

func (r *OrderRepository) UpdatePaymentStatus(ctx context.Context, update repositories.PaymentStatusUpdate) (repositories.PaymentStatusResult, error) {
	var result repositories.PaymentStatusResult
	err := r.mutate(ctx, "orders.update_payment_status", update.OrderID, func(order *domain.Order) ([]firestore.Update, error) {
		if !slices.Contains(update.From, order.PaymentStatus) {
			result = repositories.PaymentStatusResult{Order: *order}
			return nil, nil
		}
		order.PaymentStatus = update.To
		order.UpdatedAt = update.UpdatedAt.UTC()
		updates := []firestore.Update{
			{Path: "paymentStatus", Value: string(update.To)},
			{Path: "updatedAt", Value: order.UpdatedAt},
		}
		if update.PaidAt != nil {
			order.PaidAt = utcPtr(update.PaidAt)
			updates = append(updates, firestore.Update{Path: "paidAt", Value: *order.PaidAt})
		}
		result = repositories.PaymentStatusResult{Order: *order, Applied: true}
		return updates, nil
	})
	return result, err
}

// mutate reads the order through the active transaction, lets apply decide the field updates and
// stages them. apply returning no updates leaves the document untouched.
func (r *OrderRepository) mutate(ctx context.Context, op, orderID string, apply func(order *domain.Order) ([]firestore.Update, error)) error {
	id := strings.TrimSpace(orderID)
	err := r.provider.RunInScope(ctx, func(ctx context.Context, scope *pfirestore.Scope) error {
		doc, err := r.orders.Get(ctx, id)
		if err != nil {
			return err
		}
		order, err := doc.toDomain(id)
		if err != nil {
			return err
		}
		updates, err := apply(&order)
		if err != nil || len(updates) == 0 {
			return err
		}
		ref, err := r.orders.Ref(ctx, id)
		if err != nil {
			return err
		}
		scope.Stage(func(tx *firestore.Transaction) error {
			return tx.Update(ref, updates)
		})
		return nil
	})
	if err != nil {
		return pfirestore.WrapError(op, fmt.Errorf("order %s: %w", id, err))
	}
	return nil
}
