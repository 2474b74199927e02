package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/pagination"
	"github.com/storefront/api/internal/repositories"
)

type productRepo struct{ s *Store }

func (r productRepo) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	err := r.s.locked(ctx, func() error {
		for _, id := range productIDs {
			if product, ok := r.s.products[id]; ok {
				result[id] = product
			}
		}
		return nil
	})
	return result, err
}

func (r productRepo) Decrement(ctx context.Context, adjustments []domain.StockAdjustment) ([]domain.StockLevel, error) {
	return r.adjust(ctx, "stock.decrement", adjustments, -1)
}

func (r productRepo) Increment(ctx context.Context, adjustments []domain.StockAdjustment) ([]domain.StockLevel, error) {
	return r.adjust(ctx, "stock.increment", adjustments, 1)
}

func (r productRepo) adjust(ctx context.Context, op string, adjustments []domain.StockAdjustment, sign int) ([]domain.StockLevel, error) {
	merged := domain.MergeAdjustments(adjustments)
	var levels []domain.StockLevel
	err := r.s.locked(ctx, func() error {
		levels = make([]domain.StockLevel, 0, len(merged))
		for _, adj := range merged {
			product, ok := r.s.products[adj.ProductID]
			if !ok {
				return repositories.NewStockError(op, repositories.StockErrorProductNotFound, adj.ProductID, adj.Quantity, 0)
			}
			next := product.Stock + sign*adj.Quantity
			if next < 0 {
				return repositories.NewStockError(op, repositories.StockErrorInsufficient, adj.ProductID, adj.Quantity, product.Stock)
			}
			levels = append(levels, domain.StockLevel{ProductID: adj.ProductID, Stock: next})
		}
		now := r.s.now().UTC()
		for _, level := range levels {
			product := r.s.products[level.ProductID]
			product.Stock = level.Stock
			product.UpdatedAt = now
			r.s.products[level.ProductID] = product
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return levels, nil
}

type cartRepo struct{ s *Store }

func (r cartRepo) FindByID(ctx context.Context, cartID string) (domain.Cart, error) {
	var cart domain.Cart
	err := r.s.locked(ctx, func() error {
		found, ok := r.s.carts[cartID]
		if !ok {
			return notFound("cart %s not found", cartID)
		}
		cart = found
		cart.Items = slices.Clone(found.Items)
		return nil
	})
	return cart, err
}

func (r cartRepo) FindByUser(ctx context.Context, userID string) (domain.Cart, error) {
	var cart domain.Cart
	err := r.s.locked(ctx, func() error {
		for _, candidate := range r.s.carts {
			if candidate.UserID == userID {
				cart = candidate
				cart.Items = slices.Clone(candidate.Items)
				return nil
			}
		}
		return notFound("cart for user %s not found", userID)
	})
	return cart, err
}

func (r cartRepo) ClearItems(ctx context.Context, cartID string) error {
	return r.s.locked(ctx, func() error {
		cart, ok := r.s.carts[cartID]
		if !ok {
			return notFound("cart %s not found", cartID)
		}
		cart.Items = nil
		cart.UpdatedAt = r.s.now().UTC()
		r.s.carts[cartID] = cart
		return nil
	})
}

type orderRepo struct{ s *Store }

func (r orderRepo) Insert(ctx context.Context, order domain.Order) error {
	return r.s.locked(ctx, func() error {
		if _, exists := r.s.orders[order.ID]; exists {
			return conflict("order %s already exists", order.ID)
		}
		if _, taken := r.s.numbers[order.OrderNumber]; taken {
			return conflict("order number %s already exists", order.OrderNumber)
		}
		stored := cloneOrder(order)
		for i := range stored.Items {
			stored.Items[i].OrderID = order.ID
		}
		r.s.orders[order.ID] = stored
		r.s.numbers[order.OrderNumber] = order.ID
		return nil
	})
}

func (r orderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	var order domain.Order
	err := r.s.locked(ctx, func() error {
		found, ok := r.s.orders[orderID]
		if !ok {
			return notFound("order %s not found", orderID)
		}
		order = cloneOrder(found)
		return nil
	})
	return order, err
}

func (r orderRepo) FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error) {
	var order domain.Order
	err := r.s.locked(ctx, func() error {
		for _, candidate := range r.s.orders {
			if intentID != "" && candidate.PaymentIntentID == intentID {
				order = cloneOrder(candidate)
				return nil
			}
		}
		return notFound("no order for payment intent %s", intentID)
	})
	return order, err
}

func (r orderRepo) ListByUser(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	return r.list(ctx, filter.Pagination, func(order domain.Order) bool { return order.UserID == filter.UserID })
}

func (r orderRepo) ListAll(ctx context.Context, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	return r.list(ctx, pager, func(domain.Order) bool { return true })
}

// list pages newest first over the orders accepted by match.
func (r orderRepo) list(ctx context.Context, pager domain.Pagination, match func(domain.Order) bool) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := pagination.Normalize(pager.PageSize)

	var page domain.CursorPage[domain.Order]
	err = r.s.locked(ctx, func() error {
		var matches []domain.Order
		for _, order := range r.s.orders {
			if match(order) && cursor.After(order.CreatedAt, order.ID) {
				matches = append(matches, order)
			}
		}
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
				return matches[i].ID > matches[j].ID
			}
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		})
		if len(matches) > pageSize {
			last := matches[pageSize-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			if err != nil {
				return err
			}
			page.NextPageToken = token
			matches = matches[:pageSize]
		}
		page.Items = make([]domain.Order, 0, len(matches))
		for _, order := range matches {
			page.Items = append(page.Items, cloneOrder(order))
		}
		return nil
	})
	return page, err
}

func (r orderRepo) ListAwaitingPaymentIntent(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	var orders []domain.Order
	err := r.s.locked(ctx, func() error {
		for _, order := range r.s.orders {
			if order.Status == domain.OrderStatusPending && order.PaymentStatus == domain.PaymentStatusPending &&
				order.PaymentIntentID == "" && order.CreatedAt.Before(createdBefore) {
				orders = append(orders, cloneOrder(order))
			}
		}
		return nil
	})
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	if limit = pagination.Normalize(limit); len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, err
}

func (r orderRepo) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	var updated domain.Order
	err := r.mutate(ctx, update.OrderID, func(order *domain.Order) error {
		if order.Status != update.Expected {
			return conflict("order %s status is %s, expected %s", order.ID, order.Status, update.Expected)
		}
		order.Status = update.Next
		order.UpdatedAt = update.UpdatedAt.UTC()
		if update.CanceledAt != nil {
			canceledAt := update.CanceledAt.UTC()
			order.CanceledAt = &canceledAt
		}
		updated = cloneOrder(*order)
		return nil
	})
	return updated, err
}

func (r orderRepo) AttachPaymentIntent(ctx context.Context, orderID, intentID string, updatedAt time.Time) (domain.Order, error) {
	var updated domain.Order
	err := r.mutate(ctx, orderID, func(order *domain.Order) error {
		if order.PaymentIntentID != "" && order.PaymentIntentID != intentID {
			return conflict("order %s already has payment intent %s", order.ID, order.PaymentIntentID)
		}
		if order.PaymentIntentID == "" {
			order.PaymentIntentID = intentID
			order.UpdatedAt = updatedAt.UTC()
		}
		updated = cloneOrder(*order)
		return nil
	})
	return updated, err
}

func (r orderRepo) UpdatePaymentStatus(ctx context.Context, update repositories.PaymentStatusUpdate) (repositories.PaymentStatusResult, error) {
	var result repositories.PaymentStatusResult
	err := r.mutate(ctx, update.OrderID, func(order *domain.Order) error {
		if !slices.Contains(update.From, order.PaymentStatus) {
			result = repositories.PaymentStatusResult{Order: cloneOrder(*order)}
			return nil
		}
		order.PaymentStatus = update.To
		order.UpdatedAt = update.UpdatedAt.UTC()
		if update.PaidAt != nil {
			paidAt := update.PaidAt.UTC()
			order.PaidAt = &paidAt
		}
		result = repositories.PaymentStatusResult{Order: cloneOrder(*order), Applied: true}
		return nil
	})
	return result, err
}

func (r orderRepo) mutate(ctx context.Context, orderID string, apply func(order *domain.Order) error) error {
	return r.s.locked(ctx, func() error {
		order, ok := r.s.orders[orderID]
		if !ok {
			return notFound("order %s not found", orderID)
		}
		order = cloneOrder(order)
		if err := apply(&order); err != nil {
			return err
		}
		r.s.orders[orderID] = order
		return nil
	})
}

type eventRepo struct{ s *Store }

func (r eventRepo) Seen(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	err := r.s.locked(ctx, func() error {
		_, seen = r.s.events[eventID]
		return nil
	})
	return seen, err
}

func (r eventRepo) MarkProcessed(ctx context.Context, event domain.WebhookEvent) error {
	return r.s.locked(ctx, func() error {
		if _, exists := r.s.events[event.ID]; exists {
			return conflict("webhook event %s already processed", event.ID)
		}
		r.s.events[strings.TrimSpace(event.ID)] = event
		return nil
	})
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	return order
}
