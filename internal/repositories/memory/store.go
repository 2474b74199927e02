// Package memory keeps every repository in process memory. It backs local development and the
// service tests; production configuration rejects it.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

type txKey struct{}

// Store holds all state behind a single mutex. A unit of work holds the mutex for its whole duration
// and restores a snapshot when it fails.
type Store struct {
	mu       sync.Mutex
	products map[string]domain.Product
	carts    map[string]domain.Cart
	orders   map[string]domain.Order
	numbers  map[string]string
	events   map[string]domain.WebhookEvent
	now      func() time.Time
}

var _ repositories.Registry = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		products: make(map[string]domain.Product),
		carts:    make(map[string]domain.Cart),
		orders:   make(map[string]domain.Order),
		numbers:  make(map[string]string),
		events:   make(map[string]domain.WebhookEvent),
		now:      time.Now,
	}
}

// PutProduct inserts or replaces a product.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

// DeleteProduct removes a product, as a catalog purge would.
func (s *Store) DeleteProduct(productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.products, productID)
}

// PutCart inserts or replaces a cart.
func (s *Store) PutCart(cart domain.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart.Items = slices.Clone(cart.Items)
	s.carts[cart.ID] = cart
}

// StockOf returns the current stock for productID.
func (s *Store) StockOf(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[productID].Stock
}

func (s *Store) Products() repositories.ProductRepository           { return productRepo{s} }
func (s *Store) Stock() repositories.StockLedgerRepository          { return productRepo{s} }
func (s *Store) Carts() repositories.CartRepository                 { return cartRepo{s} }
func (s *Store) Orders() repositories.OrderRepository               { return orderRepo{s} }
func (s *Store) WebhookEvents() repositories.WebhookEventRepository { return eventRepo{s} }

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

// RunInTx serialises fn against every other store access and rolls back all changes if fn fails.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// locked runs fn with the store mutex held, reusing the lock owned by an enclosing unit of work.
func (s *Store) locked(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if inTx(ctx) {
		return fn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

type snapshot struct {
	products map[string]domain.Product
	carts    map[string]domain.Cart
	orders   map[string]domain.Order
	numbers  map[string]string
	events   map[string]domain.WebhookEvent
}

// Values are replaced wholesale on update, so shallow map copies are enough.
func (s *Store) snapshot() snapshot {
	return snapshot{
		products: maps.Clone(s.products),
		carts:    maps.Clone(s.carts),
		orders:   maps.Clone(s.orders),
		numbers:  maps.Clone(s.numbers),
		events:   maps.Clone(s.events),
	}
}

func (s *Store) restore(snap snapshot) {
	s.products = snap.products
	s.carts = snap.carts
	s.orders = snap.orders
	s.numbers = snap.numbers
	s.events = snap.events
}

// Error implements repositories.RepositoryError.
type Error struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *Error) Error() string       { return e.msg }
func (e *Error) IsNotFound() bool    { return e.notFound }
func (e *Error) IsConflict() bool    { return e.conflict }
func (e *Error) IsUnavailable() bool { return e.unavailable }

func notFound(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...), notFound: true}
}

func conflict(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...), conflict: true}
}
