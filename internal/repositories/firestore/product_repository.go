package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

// ProductRepository reads products and owns the stock counter stored on each product document.
type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.Collection[productDocument]
	now      func() time.Time
}

var (
	_ repositories.ProductRepository     = (*ProductRepository)(nil)
	_ repositories.StockLedgerRepository = (*ProductRepository)(nil)
)

// NewProductRepository constructs a Firestore-backed product and stock repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		provider: provider,
		products: pfirestore.NewCollection[productDocument](provider, productsCollection, nil),
		now:      time.Now,
	}, nil
}

// FindByIDs returns the products that exist among productIDs keyed by id.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if len(productIDs) == 0 {
		return map[string]domain.Product{}, nil
	}
	docs, _, err := r.products.GetAll(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	result := make(map[string]domain.Product, len(docs))
	for id, doc := range docs {
		product, err := doc.toDomain(id)
		if err != nil {
			return nil, err
		}
		result[id] = product
	}
	return result, nil
}

// Decrement takes stock from every product in one transaction. Nothing is written unless every
// product has enough stock.
func (r *ProductRepository) Decrement(ctx context.Context, adjustments []domain.StockAdjustment) ([]domain.StockLevel, error) {
	return r.adjust(ctx, "stock.decrement", adjustments, -1)
}

// Increment returns stock to every product in one transaction.
func (r *ProductRepository) Increment(ctx context.Context, adjustments []domain.StockAdjustment) ([]domain.StockLevel, error) {
	return r.adjust(ctx, "stock.increment", adjustments, 1)
}

func (r *ProductRepository) adjust(ctx context.Context, op string, adjustments []domain.StockAdjustment, sign int) ([]domain.StockLevel, error) {
	merged := domain.MergeAdjustments(adjustments)
	if len(merged) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(merged))
	for _, adj := range merged {
		ids = append(ids, adj.ProductID)
	}

	var levels []domain.StockLevel
	err := r.provider.RunInScope(ctx, func(ctx context.Context, scope *pfirestore.Scope) error {
		docs, missing, err := r.products.GetAll(ctx, ids)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return repositories.NewStockError(op, repositories.StockErrorProductNotFound, missing[0], 0, 0)
		}

		levels = make([]domain.StockLevel, 0, len(merged))
		for _, adj := range merged {
			doc := docs[adj.ProductID]
			next := doc.Stock + sign*adj.Quantity
			if next < 0 {
				return repositories.NewStockError(op, repositories.StockErrorInsufficient, adj.ProductID, adj.Quantity, doc.Stock)
			}
			levels = append(levels, domain.StockLevel{ProductID: adj.ProductID, Stock: next})
		}

		now := r.now().UTC()
		for _, level := range levels {
			ref, err := r.products.Ref(ctx, level.ProductID)
			if err != nil {
				return err
			}
			stock := level.Stock
			scope.Stage(func(tx *firestore.Transaction) error {
				return tx.Update(ref, []firestore.Update{
					{Path: "stock", Value: stock},
					{Path: "updatedAt", Value: now},
				})
			})
		}
		return nil
	})
	if err != nil {
		return nil, wrapStockError(op, err)
	}
	return levels, nil
}

func wrapStockError(op string, err error) error {
	if stockErr, ok := repositories.AsStockError(err); ok {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}
