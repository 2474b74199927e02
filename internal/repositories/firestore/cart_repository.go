package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

// CartRepository reads carts and clears them once they have been checked out.
type CartRepository struct {
	provider *pfirestore.Provider
	carts    *pfirestore.Collection[cartDocument]
	now      func() time.Time
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		provider: provider,
		carts:    pfirestore.NewCollection[cartDocument](provider, cartsCollection, nil),
		now:      time.Now,
	}, nil
}

func (r *CartRepository) FindByID(ctx context.Context, cartID string) (domain.Cart, error) {
	doc, err := r.carts.Get(ctx, strings.TrimSpace(cartID))
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.toDomain(cartID), nil
}

func (r *CartRepository) FindByUser(ctx context.Context, userID string) (domain.Cart, error) {
	docs, ids, err := r.carts.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", strings.TrimSpace(userID)).Limit(1)
	})
	if err != nil {
		return domain.Cart{}, err
	}
	if len(docs) == 0 {
		return domain.Cart{}, pfirestore.NotFound("carts.find_by_user", "no cart for user %s", userID)
	}
	return docs[0].toDomain(ids[0]), nil
}

// ClearItems empties the cart inside the caller's transaction when one is active.
func (r *CartRepository) ClearItems(ctx context.Context, cartID string) error {
	ref, err := r.carts.Ref(ctx, strings.TrimSpace(cartID))
	if err != nil {
		return err
	}
	now := r.now().UTC()
	return r.provider.RunInScope(ctx, func(_ context.Context, scope *pfirestore.Scope) error {
		scope.Stage(func(tx *firestore.Transaction) error {
			return tx.Update(ref, []firestore.Update{
				{Path: "items", Value: []cartItemDocument{}},
				{Path: "updatedAt", Value: now},
			})
		})
		return nil
	})
}
