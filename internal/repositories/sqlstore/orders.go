package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/pagination"
	"github.com/storefront/api/internal/platform/sqldb"
	"github.com/storefront/api/internal/repositories"
)

const orderColumns = `id, order_number, user_id, cart_id, total_price, status, payment_status,
	payment_intent_id, notes, paid_at, canceled_at, created_at, updated_at`

type orderRepo struct{ s *Store }

func (r orderRepo) Insert(ctx context.Context, order domain.Order) error {
	return r.s.RunInTx(ctx, func(ctx context.Context) error {
		_, err := r.s.exec(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID, order.OrderNumber, order.UserID, order.CartID, order.TotalPrice,
			string(order.Status), string(order.PaymentStatus), order.PaymentIntentID, order.Notes,
			nullTime(order.PaidAt), nullTime(order.CanceledAt), order.CreatedAt.UTC(), order.UpdatedAt.UTC(),
		)
		if err != nil {
			return wrapError("orders.insert", err)
		}
		for _, item := range order.Items {
			_, err := r.s.exec(ctx, `
				INSERT INTO order_items (id, order_id, product_id, product_name, quantity, price)
				VALUES (?, ?, ?, ?, ?, ?)`,
				item.ID, order.ID, item.ProductID, item.ProductName, item.Quantity, item.Price,
			)
			if err != nil {
				return wrapError("orders.insert_item", err)
			}
		}
		return nil
	})
}

func (r orderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_id", `SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
}

func (r orderRepo) FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error) {
	if strings.TrimSpace(intentID) == "" {
		return domain.Order{}, notFound("orders.find_by_payment_intent", "payment intent id is empty")
	}
	return r.findOne(ctx, "orders.find_by_payment_intent", `SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = ?`, intentID)
}

func (r orderRepo) ListByUser(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	return r.page(ctx, "orders.list_by_user", filter.Pagination, []string{"user_id = ?"}, filter.UserID)
}

func (r orderRepo) ListAll(ctx context.Context, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	return r.page(ctx, "orders.list_all", pager, nil)
}

// page runs a keyset-paginated listing, newest first, under the given WHERE predicates.
func (r orderRepo) page(ctx context.Context, op string, pager domain.Pagination, where []string, args ...any) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := pagination.Normalize(pager.PageSize)

	if !cursor.IsZero() {
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursor.CreatedAt.UTC(), cursor.CreatedAt.UTC(), cursor.ID)
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, pageSize+1)

	orders, err := r.list(ctx, op, query, args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > pageSize {
		page.Items = orders[:pageSize]
		last := page.Items[pageSize-1]
		page.NextPageToken, err = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
	}
	return page, nil
}

func (r orderRepo) ListAwaitingPaymentIntent(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	return r.list(ctx, "orders.list_awaiting_intent", `
		SELECT `+orderColumns+` FROM orders
		WHERE status = ? AND payment_status = ? AND payment_intent_id = '' AND created_at < ?
		ORDER BY created_at ASC LIMIT ?`,
		string(domain.OrderStatusPending), string(domain.PaymentStatusPending), createdBefore.UTC(), pagination.Normalize(limit))
}

func (r orderRepo) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	const op = "orders.update_status"
	var updated domain.Order
	err := r.s.RunInTx(ctx, func(ctx context.Context) error {
		res, err := r.s.exec(ctx, `
			UPDATE orders SET status = ?, updated_at = ?, canceled_at = COALESCE(?, canceled_at)
			WHERE id = ? AND status = ?`,
			string(update.Next), update.UpdatedAt.UTC(), nullTime(update.CanceledAt), update.OrderID, string(update.Expected))
		if err != nil {
			return wrapError(op, err)
		}
		current, err := r.FindByID(ctx, update.OrderID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conflict(op, "order %s status is %s, expected %s", current.ID, current.Status, update.Expected)
		}
		updated = current
		return nil
	})
	return updated, err
}

func (r orderRepo) AttachPaymentIntent(ctx context.Context, orderID, intentID string, updatedAt time.Time) (domain.Order, error) {
	const op = "orders.attach_payment_intent"
	var updated domain.Order
	err := r.s.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := r.s.exec(ctx, `
			UPDATE orders SET payment_intent_id = ?, updated_at = ?
			WHERE id = ? AND payment_intent_id = ''`,
			intentID, updatedAt.UTC(), orderID); err != nil {
			return wrapError(op, err)
		}
		current, err := r.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if current.PaymentIntentID != intentID {
			return conflict(op, "order %s already has payment intent %s", orderID, current.PaymentIntentID)
		}
		updated = current
		return nil
	})
	return updated, err
}

func (r orderRepo) UpdatePaymentStatus(ctx context.Context, update repositories.PaymentStatusUpdate) (repositories.PaymentStatusResult, error) {
	const op = "orders.update_payment_status"
	var result repositories.PaymentStatusResult
	err := r.s.RunInTx(ctx, func(ctx context.Context) error {
		var affected int64
		if len(update.From) > 0 {
			args := []any{string(update.To), nullTime(update.PaidAt), update.UpdatedAt.UTC(), update.OrderID}
			for _, from := range update.From {
				args = append(args, string(from))
			}
			res, err := r.s.exec(ctx, `
				UPDATE orders SET payment_status = ?, paid_at = COALESCE(?, paid_at), updated_at = ?
				WHERE id = ? AND payment_status IN (`+sqldb.Placeholders(len(update.From))+`)`, args...)
			if err != nil {
				return wrapError(op, err)
			}
			affected, _ = res.RowsAffected()
		}
		current, err := r.FindByID(ctx, update.OrderID)
		if err != nil {
			return err
		}
		result = repositories.PaymentStatusResult{Order: current, Applied: affected > 0}
		return nil
	})
	return result, err
}

func (r orderRepo) findOne(ctx context.Context, op, query string, args ...any) (domain.Order, error) {
	order, err := scanOrder(r.s.queryRow(ctx, query, args...))
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	if err := r.loadItems(ctx, op, []*domain.Order{&order}); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r orderRepo) list(ctx context.Context, op, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.s.query(ctx, query, args...)
	if err != nil {
		return nil, wrapError(op, err)
	}
	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, wrapError(op, err)
		}
		orders = append(orders, order)
	}
	if err := rows.Close(); err != nil {
		return nil, wrapError(op, err)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(op, err)
	}

	refs := make([]*domain.Order, len(orders))
	for i := range orders {
		refs[i] = &orders[i]
	}
	if err := r.loadItems(ctx, op, refs); err != nil {
		return nil, err
	}
	return orders, nil
}

// loadItems fills line items for the given orders with a single query.
func (r orderRepo) loadItems(ctx context.Context, op string, orders []*domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	byID := make(map[string]*domain.Order, len(orders))
	args := make([]any, 0, len(orders))
	for _, order := range orders {
		byID[order.ID] = order
		args = append(args, order.ID)
	}
	rows, err := r.s.query(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, price
		FROM order_items WHERE order_id IN (`+sqldb.Placeholders(len(args))+`) ORDER BY id`, args...)
	if err != nil {
		return wrapError(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.Price); err != nil {
			return wrapError(op, err)
		}
		if order, ok := byID[item.OrderID]; ok {
			order.Items = append(order.Items, item)
		}
	}
	return wrapError(op, rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                 domain.Order
		status, paymentStatus string
		paidAt, canceledAt    sql.NullTime
	)
	err := row.Scan(&order.ID, &order.OrderNumber, &order.UserID, &order.CartID, &order.TotalPrice,
		&status, &paymentStatus, &order.PaymentIntentID, &order.Notes,
		&paidAt, &canceledAt, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	order.PaidAt = timePtr(paidAt)
	order.CanceledAt = timePtr(canceledAt)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}
