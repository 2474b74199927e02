package firestore

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
)

const (
	productsCollection      = "products"
	cartsCollection         = "carts"
	ordersCollection        = "orders"
	orderNumbersCollection  = "orderNumbers"
	webhookEventsCollection = "webhookEvents"
)

type productDocument struct {
	Name      string    `firestore:"name"`
	Price     string    `firestore:"price"`
	Stock     int       `firestore:"stock"`
	IsActive  bool      `firestore:"isActive"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) (domain.Product, error) {
	price, err := decimal.NewFromString(d.Price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("product %s price: %w", id, err)
	}
	return domain.Product{
		ID:        id,
		Name:      d.Name,
		Price:     price,
		Stock:     d.Stock,
		IsActive:  d.IsActive,
		UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}

type cartDocument struct {
	UserID    string             `firestore:"userId"`
	Items     []cartItemDocument `firestore:"items"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ID        string    `firestore:"id"`
	ProductID string    `firestore:"productId"`
	Quantity  int       `firestore:"quantity"`
	AddedAt   time.Time `firestore:"addedAt"`
}

func (d cartDocument) toDomain(id string) domain.Cart {
	items := make([]domain.CartItem, 0, len(d.Items))
	for _, item := range d.Items {
		items = append(items, domain.CartItem{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			AddedAt:   item.AddedAt.UTC(),
		})
	}
	return domain.Cart{ID: id, UserID: d.UserID, Items: items, UpdatedAt: d.UpdatedAt.UTC()}
}

type orderDocument struct {
	OrderNumber     string              `firestore:"orderNumber"`
	UserID          string              `firestore:"userId"`
	CartID          string              `firestore:"cartId,omitempty"`
	TotalPrice      string              `firestore:"totalPrice"`
	Status          string              `firestore:"status"`
	PaymentStatus   string              `firestore:"paymentStatus"`
	PaymentIntentID string              `firestore:"paymentIntentId"`
	Notes           string              `firestore:"notes,omitempty"`
	Items           []orderItemDocument `firestore:"items"`
	PaidAt          *time.Time          `firestore:"paidAt,omitempty"`
	CanceledAt      *time.Time          `firestore:"canceledAt,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ID          string `firestore:"id"`
	ProductID   string `firestore:"productId"`
	ProductName string `firestore:"productName"`
	Quantity    int    `firestore:"quantity"`
	Price       string `firestore:"price"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			Price:       item.Price.String(),
		})
	}
	return orderDocument{
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		CartID:          order.CartID,
		TotalPrice:      order.TotalPrice.String(),
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentIntentID: order.PaymentIntentID,
		Notes:           order.Notes,
		Items:           items,
		PaidAt:          utcPtr(order.PaidAt),
		CanceledAt:      utcPtr(order.CanceledAt),
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	total, err := decimal.NewFromString(d.TotalPrice)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s total: %w", id, err)
	}
	items := make([]domain.OrderItem, 0, len(d.Items))
	for _, item := range d.Items {
		price, err := decimal.NewFromString(item.Price)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s item %s price: %w", id, item.ID, err)
		}
		items = append(items, domain.OrderItem{
			ID:          item.ID,
			OrderID:     id,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			Price:       price,
		})
	}
	return domain.Order{
		ID:              id,
		OrderNumber:     d.OrderNumber,
		UserID:          d.UserID,
		CartID:          d.CartID,
		TotalPrice:      total,
		Status:          domain.OrderStatus(d.Status),
		PaymentStatus:   domain.PaymentStatus(d.PaymentStatus),
		PaymentIntentID: d.PaymentIntentID,
		Notes:           d.Notes,
		Items:           items,
		PaidAt:          utcPtr(d.PaidAt),
		CanceledAt:      utcPtr(d.CanceledAt),
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
	}, nil
}

type orderNumberDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type webhookEventDocument struct {
	Type        string    `firestore:"type"`
	Provider    string    `firestore:"provider"`
	OrderID     string    `firestore:"orderId,omitempty"`
	ProcessedAt time.Time `firestore:"processedAt"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
