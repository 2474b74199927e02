package sqlstore

import (
	"context"

	domain "github.com/storefront/api/internal/domain"
)

type cartRepo struct{ s *Store }

func (r cartRepo) FindByID(ctx context.Context, cartID string) (domain.Cart, error) {
	return r.find(ctx, "carts.find_by_id", `SELECT id, user_id, updated_at FROM carts WHERE id = ?`, cartID)
}

func (r cartRepo) FindByUser(ctx context.Context, userID string) (domain.Cart, error) {
	return r.find(ctx, "carts.find_by_user", `SELECT id, user_id, updated_at FROM carts WHERE user_id = ? ORDER BY updated_at DESC LIMIT 1`, userID)
}

func (r cartRepo) find(ctx context.Context, op, query, arg string) (domain.Cart, error) {
	var cart domain.Cart
	if err := r.s.queryRow(ctx, query, arg).Scan(&cart.ID, &cart.UserID, &cart.UpdatedAt); err != nil {
		return domain.Cart{}, wrapError(op, err)
	}
	cart.UpdatedAt = cart.UpdatedAt.UTC()

	rows, err := r.s.query(ctx, `
		SELECT id, product_id, quantity, added_at
		FROM cart_items WHERE cart_id = ? ORDER BY added_at, id`, cart.ID)
	if err != nil {
		return domain.Cart{}, wrapError(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Quantity, &item.AddedAt); err != nil {
			return domain.Cart{}, wrapError(op, err)
		}
		item.AddedAt = item.AddedAt.UTC()
		cart.Items = append(cart.Items, item)
	}
	return cart, wrapError(op, rows.Err())
}

func (r cartRepo) ClearItems(ctx context.Context, cartID string) error {
	return r.s.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := r.s.exec(ctx, `DELETE FROM cart_items WHERE cart_id = ?`, cartID); err != nil {
			return wrapError("carts.clear", err)
		}
		_, err := r.s.exec(ctx, `UPDATE carts SET updated_at = ? WHERE id = ?`, r.s.now().UTC(), cartID)
		return wrapError("carts.clear", err)
	})
}
