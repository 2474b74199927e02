package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/sqldb"
	"github.com/storefront/api/internal/repositories"
)

type productRepo struct{ s *Store }

func (r productRepo) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}
	args := make([]any, 0, len(productIDs))
	for _, id := range productIDs {
		args = append(args, id)
	}
	rows, err := r.s.query(ctx, `
		SELECT id, name, price, stock, is_active, updated_at
		FROM products WHERE id IN (`+sqldb.Placeholders(len(args))+`)`, args...)
	if err != nil {
		return nil, wrapError("products.find_by_ids", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.IsActive, &p.UpdatedAt); err != nil {
			return nil, wrapError("products.find_by_ids", err)
		}
		p.UpdatedAt = p.UpdatedAt.UTC()
		result[p.ID] = p
	}
	return result, wrapError("products.find_by_ids", rows.Err())
}

// Decrement applies one conditional UPDATE per product inside a transaction. A row that fails the
// stock guard aborts the transaction, so earlier decrements roll back with it.
func (r productRepo) Decrement(ctx context.Context, adjustments []domain.StockAdjustment) ([]domain.StockLevel, error) {
	return r.adjust(ctx, "stock.decrement", adjustments, `
		UPDATE products SET stock = stock - ?, updated_at = ?
		WHERE id = ? AND stock >= ?`, true)
}

func (r productRepo) Increment(ctx context.Context, adjustments []domain.StockAdjustment) ([]domain.StockLevel, error) {
	return r.adjust(ctx, "stock.increment", adjustments, `
		UPDATE products SET stock = stock + ?, updated_at = ?
		WHERE id = ?`, false)
}

func (r productRepo) adjust(ctx context.Context, op string, adjustments []domain.StockAdjustment, stmt string, guarded bool) ([]domain.StockLevel, error) {
	merged := domain.MergeAdjustments(adjustments)
	if len(merged) == 0 {
		return nil, nil
	}
	var levels []domain.StockLevel
	err := r.s.RunInTx(ctx, func(ctx context.Context) error {
		levels = make([]domain.StockLevel, 0, len(merged))
		now := r.s.now().UTC()
		for _, adj := range merged {
			args := []any{adj.Quantity, now, adj.ProductID}
			if guarded {
				args = append(args, adj.Quantity)
			}
			res, err := r.s.exec(ctx, stmt, args...)
			if err != nil {
				return wrapError(op, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return wrapError(op, err)
			}
			var stock int
			err = r.s.queryRow(ctx, `SELECT stock FROM products WHERE id = ?`, adj.ProductID).Scan(&stock)
			if errors.Is(err, sql.ErrNoRows) {
				return repositories.NewStockError(op, repositories.StockErrorProductNotFound, adj.ProductID, adj.Quantity, 0)
			}
			if err != nil {
				return wrapError(op, err)
			}
			if affected == 0 {
				return repositories.NewStockError(op, repositories.StockErrorInsufficient, adj.ProductID, adj.Quantity, stock)
			}
			levels = append(levels, domain.StockLevel{ProductID: adj.ProductID, Stock: stock})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return levels, nil
}
