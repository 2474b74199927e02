package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/pagination"
	"github.com/storefront/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventCancelled     = "order.cancelled"

	orderIDPrefix = "ord_"

	orderNumberLayout       = "20060102150405"
	orderNumberSuffixLength = 4
	orderNumberAlphabet     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	maxOrderNumberAttempts  = 3

	defaultNotesMaxLength = 500
	defaultIntentTimeout  = 10 * time.Second
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located or is not visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderCartNotFound indicates an explicitly requested cart does not exist for the user.
	ErrOrderCartNotFound = errors.New("order: cart not found")
	// ErrOrderEmptyCart indicates the cart has no items to order.
	ErrOrderEmptyCart = errors.New("order: cart is empty")
	// ErrOrderProductUnavailable indicates a cart item references a missing or inactive product.
	ErrOrderProductUnavailable = errors.New("order: product unavailable")
	// ErrOrderInsufficientStock indicates a cart item exceeds the product's available stock.
	ErrOrderInsufficientStock = errors.New("order: insufficient stock")
	// ErrOrderInvalidTransition indicates the target status is not reachable from the current one.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderNotCancellable indicates the order has progressed past the point of cancellation.
	ErrOrderNotCancellable = errors.New("order: not cancellable")
	// ErrOrderNotOwner indicates the caller does not own the order.
	ErrOrderNotOwner = errors.New("order: caller does not own order")
	// ErrOrderConflict indicates a concurrent update moved the order first.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the backing store is unavailable.
	ErrOrderUnavailable = errors.New("order: repository unavailable")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	Products        repositories.ProductRepository
	Carts           repositories.CartRepository
	Stock           StockLedger
	UnitOfWork      repositories.UnitOfWork
	Payments        PaymentService
	Events          OrderEventPublisher
	Metrics         Metrics
	Clock           func() time.Time
	IDGenerator     func() string
	ItemIDGenerator func() string
	NumberSuffix    func() string
	NotesMaxLength  int
	IntentTimeout   time.Duration
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	products      repositories.ProductRepository
	carts         repositories.CartRepository
	stock         StockLedger
	unitOfWork    repositories.UnitOfWork
	payments      PaymentService
	events        OrderEventPublisher
	metrics       Metrics
	clock         func() time.Time
	newID         func() string
	newItemID     func() string
	numberSuffix  func() string
	notesPolicy   *bluemonday.Policy
	notesMax      int
	intentTimeout time.Duration
	logger        func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock ledger is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("order service: unit of work is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	itemIDGen := deps.ItemIDGenerator
	if itemIDGen == nil {
		itemIDGen = uuid.NewString
	}
	suffix := deps.NumberSuffix
	if suffix == nil {
		suffix = randomOrderNumberSuffix
	}
	notesMax := deps.NotesMaxLength
	if notesMax <= 0 {
		notesMax = defaultNotesMaxLength
	}
	intentTimeout := deps.IntentTimeout
	if intentTimeout <= 0 {
		intentTimeout = defaultIntentTimeout
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		products:   deps.Products,
		carts:      deps.Carts,
		stock:      deps.Stock,
		unitOfWork: deps.UnitOfWork,
		payments:   deps.Payments,
		events:     deps.Events,
		metrics:    metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:         idGen,
		newItemID:     itemIDGen,
		numberSuffix:  suffix,
		notesPolicy:   bluemonday.StrictPolicy(),
		notesMax:      notesMax,
		intentTimeout: intentTimeout,
		logger:        logger,
	}, nil
}

func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (PlacedOrder, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return PlacedOrder{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	notes, err := s.sanitiseNotes(cmd.Notes)
	if err != nil {
		return PlacedOrder{}, err
	}

	cart, err := s.loadCart(ctx, userID, strings.TrimSpace(cmd.CartID))
	if err != nil {
		return PlacedOrder{}, err
	}
	if len(cart.Items) == 0 {
		return PlacedOrder{}, fmt.Errorf("%w: cart %s has no items", ErrOrderEmptyCart, cart.ID)
	}

	items, err := s.snapshotItems(ctx, cart)
	if err != nil {
		s.metrics.OrderPlaced("rejected")
		return PlacedOrder{}, err
	}

	now := s.now()
	order := Order{
		ID:            orderIDPrefix + s.newID(),
		UserID:        userID,
		CartID:        cart.ID,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		Notes:         notes,
		Items:         items,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	order.TotalPrice = order.ItemsTotal()

	for attempt := 1; ; attempt++ {
		order.OrderNumber = now.Format(orderNumberLayout) + "-" + s.numberSuffix()
		err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
			if _, err := s.stock.Reserve(txCtx, order.StockAdjustments()); err != nil {
				return err
			}
			return s.orders.Insert(txCtx, order)
		})
		if err == nil || !isRepositoryConflict(err) || attempt >= maxOrderNumberAttempts {
			break
		}
		s.logger(ctx, "order.number_collision", map[string]any{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
			"attempt":     attempt,
		})
	}
	if err != nil {
		mapped := s.mapPlacementError(err)
		if errors.Is(mapped, ErrOrderInsufficientStock) || errors.Is(mapped, ErrOrderProductUnavailable) {
			s.metrics.OrderPlaced("rejected")
		} else {
			s.metrics.OrderPlaced("error")
		}
		return PlacedOrder{}, mapped
	}

	s.metrics.OrderPlaced("created")
	s.logger(ctx, orderEventCreated, map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"userId":      userID,
		"total":       domain.FormatMoney(order.TotalPrice),
		"items":       len(order.Items),
	})

	// The cart is cleared outside the transaction; a failure leaves a stale cart, not a broken order.
	if err := s.carts.ClearItems(ctx, cart.ID); err != nil {
		s.logger(ctx, "order.cart_clear_failed", map[string]any{
			"orderId": order.ID,
			"cartId":  cart.ID,
			"error":   err.Error(),
		})
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		ActorID:       userID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"totalPrice": domain.FormatMoney(order.TotalPrice),
			"itemCount":  len(order.Items),
		},
	})

	outcome := s.requestPaymentIntent(ctx, order)
	if outcome.IntentID != "" {
		order.PaymentIntentID = outcome.IntentID
	}
	return PlacedOrder{Order: order, Payment: outcome}, nil
}

func (s *orderService) GetOrder(ctx context.Context, query GetOrderQuery) (Order, error) {
	orderID := strings.TrimSpace(query.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !query.IsAdmin && order.UserID != strings.TrimSpace(query.ActorID) {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *orderService) ListUserOrders(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Order], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	page, err := s.orders.ListByUser(ctx, repositories.OrderListFilter{UserID: userID, Pagination: pager})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapListError(err)
	}
	return page, nil
}

func (s *orderService) ListOrders(ctx context.Context, pager Pagination) (domain.CursorPage[Order], error) {
	page, err := s.orders.ListAll(ctx, pager)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapListError(err)
	}
	return page, nil
}

func (s *orderService) mapListError(err error) error {
	if errors.Is(err, pagination.ErrInvalidPageToken) {
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	return s.mapRepositoryError(err)
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := OrderStatus(strings.ToUpper(strings.TrimSpace(string(cmd.TargetStatus))))
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}
	if target == domain.OrderStatusCancelled {
		return s.Cancel(ctx, CancelOrderCommand{OrderID: orderID, ActorID: cmd.ActorID, IsAdmin: true})
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := ValidateTransition(order.Status, target); err != nil {
		return Order{}, err
	}

	now := s.now()
	updated, err := s.orders.UpdateStatus(ctx, repositories.OrderStatusUpdate{
		OrderID:   order.ID,
		Expected:  order.Status,
		Next:      target,
		UpdatedAt: now,
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, orderEventStatusChanged, map[string]any{
		"orderId": order.ID,
		"from":    string(order.Status),
		"to":      string(target),
		"actorId": cmd.ActorID,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		UserID:         updated.UserID,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(updated.Status),
		ActorID:        cmd.ActorID,
		OccurredAt:     now,
	})
	return updated, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	actorID := strings.TrimSpace(cmd.ActorID)

	var (
		previous OrderStatus
		updated  Order
	)
	now := s.now()
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if !cmd.IsAdmin && order.UserID != actorID {
			return fmt.Errorf("%w: order %s", ErrOrderNotOwner, orderID)
		}
		if !Cancellable(order.Status) {
			return fmt.Errorf("%w: order %s is %s", ErrOrderNotCancellable, orderID, order.Status)
		}
		previous = order.Status

		updated, err = s.orders.UpdateStatus(txCtx, repositories.OrderStatusUpdate{
			OrderID:    order.ID,
			Expected:   order.Status,
			Next:       domain.OrderStatusCancelled,
			UpdatedAt:  now,
			CanceledAt: &now,
		})
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if len(order.Items) > 0 {
			if _, err := s.stock.Release(txCtx, order.StockAdjustments()); err != nil {
				return s.mapReleaseError(order.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, orderEventCancelled, map[string]any{
		"orderId": updated.ID,
		"from":    string(previous),
		"actorId": actorID,
		"reason":  strings.TrimSpace(cmd.Reason),
	})

	if s.shouldCancelIntent(updated) {
		cancelCtx, cancel := context.WithTimeout(ctx, s.intentTimeout)
		err := s.payments.CancelIntent(cancelCtx, CancelPaymentIntentCommand{IntentID: updated.PaymentIntentID, IsAdmin: true})
		cancel()
		if err != nil {
			s.logger(ctx, "order.payment_intent_cancel_failed", map[string]any{
				"orderId":       updated.ID,
				"paymentIntent": updated.PaymentIntentID,
				"error":         err.Error(),
			})
		} else if refreshed, findErr := s.orders.FindByID(ctx, updated.ID); findErr == nil {
			updated = refreshed
		}
	}

	metadata := map[string]any{}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		metadata["reason"] = reason
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		UserID:         updated.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(updated.Status),
		ActorID:        actorID,
		OccurredAt:     now,
		Metadata:       metadata,
	})
	return updated, nil
}

func (s *orderService) shouldCancelIntent(order Order) bool {
	if order.PaymentIntentID == "" || s.payments == nil || !s.payments.Enabled() {
		return false
	}
	return order.PaymentStatus == domain.PaymentStatusPending || order.PaymentStatus == domain.PaymentStatusFailed
}

func (s *orderService) loadCart(ctx context.Context, userID, cartID string) (domain.Cart, error) {
	if cartID == "" {
		cart, err := s.carts.FindByUser(ctx, userID)
		if err != nil {
			if isRepositoryNotFound(err) {
				return domain.Cart{}, fmt.Errorf("%w: user %s has no cart", ErrOrderEmptyCart, userID)
			}
			return domain.Cart{}, s.mapRepositoryError(err)
		}
		return cart, nil
	}
	cart, err := s.carts.FindByID(ctx, cartID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return domain.Cart{}, fmt.Errorf("%w: %s", ErrOrderCartNotFound, cartID)
		}
		return domain.Cart{}, s.mapRepositoryError(err)
	}
	if cart.UserID != userID {
		return domain.Cart{}, fmt.Errorf("%w: %s", ErrOrderCartNotFound, cartID)
	}
	return cart, nil
}

// snapshotItems validates the cart against current product state before anything is written and
// captures each product's current name and price.
func (s *orderService) snapshotItems(ctx context.Context, cart domain.Cart) ([]OrderItem, error) {
	requested := make(map[string]int, len(cart.Items))
	productIDs := make([]string, 0, len(cart.Items))
	for i, item := range cart.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: cart item %d has no product", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: cart item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		if _, seen := requested[productID]; !seen {
			productIDs = append(productIDs, productID)
		}
		requested[productID] += item.Quantity
	}

	products, err := s.products.FindByIDs(ctx, productIDs)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	for _, productID := range productIDs {
		product, ok := products[productID]
		if !ok || !product.IsActive {
			return nil, fmt.Errorf("%w: %s", ErrOrderProductUnavailable, productID)
		}
		if product.Stock < requested[productID] {
			return nil, fmt.Errorf("%w: product %s has %d available, %d requested",
				ErrOrderInsufficientStock, productID, product.Stock, requested[productID])
		}
	}

	items := make([]OrderItem, 0, len(cart.Items))
	for _, item := range cart.Items {
		product := products[strings.TrimSpace(item.ProductID)]
		items = append(items, OrderItem{
			ID:          s.newItemID(),
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    item.Quantity,
			Price:       product.Price,
		})
	}
	return items, nil
}

// requestPaymentIntent never fails the placement. Gateway problems surface as a deferred outcome
// that the create-payment-intent endpoint or the internal sweep can retry.
func (s *orderService) requestPaymentIntent(ctx context.Context, order Order) PaymentIntentOutcome {
	if s.payments == nil || !s.payments.Enabled() {
		s.metrics.PaymentIntentRequested(string(PaymentIntentDisabled))
		return PaymentIntentOutcome{State: PaymentIntentDisabled}
	}
	intentCtx, cancel := context.WithTimeout(ctx, s.intentTimeout)
	defer cancel()

	result, err := s.payments.CreateIntent(intentCtx, CreatePaymentIntentCommand{OrderID: order.ID, ActorID: order.UserID})
	if err != nil {
		s.metrics.PaymentIntentRequested(string(PaymentIntentDeferred))
		s.logger(ctx, "order.payment_intent_deferred", map[string]any{
			"orderId": order.ID,
			"amount":  domain.FormatMoney(order.TotalPrice),
			"error":   err.Error(),
		})
		return PaymentIntentOutcome{State: PaymentIntentDeferred, Reason: err.Error()}
	}
	s.metrics.PaymentIntentRequested(string(PaymentIntentCreated))
	return PaymentIntentOutcome{
		State:        PaymentIntentCreated,
		IntentID:     result.PaymentIntentID,
		ClientSecret: result.ClientSecret,
	}
}

func (s *orderService) sanitiseNotes(raw string) (string, error) {
	notes := strings.TrimSpace(s.notesPolicy.Sanitize(raw))
	if utf8.RuneCountInString(notes) > s.notesMax {
		return "", fmt.Errorf("%w: notes must be at most %d characters", ErrOrderInvalidInput, s.notesMax)
	}
	return notes, nil
}

func (s *orderService) mapPlacementError(err error) error {
	switch {
	case errors.Is(err, ErrStockInsufficient):
		return fmt.Errorf("%w: %v", ErrOrderInsufficientStock, err)
	case errors.Is(err, ErrStockProductNotFound):
		return fmt.Errorf("%w: %v", ErrOrderProductUnavailable, err)
	}
	return s.mapRepositoryError(err)
}

// mapReleaseError reports stock that cannot be returned as a conflict; the cancellation rolls back.
func (s *orderService) mapReleaseError(orderID string, err error) error {
	if errors.Is(err, ErrStockProductNotFound) || errors.Is(err, ErrStockInvalidInput) {
		return fmt.Errorf("%w: stock for order %s cannot be restored: %v", ErrOrderConflict, orderID, err)
	}
	return s.mapRepositoryError(err)
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func randomOrderNumberSuffix() string {
	buf := make([]byte, orderNumberSuffixLength)
	if _, err := rand.Read(buf); err != nil {
		return strings.ToUpper(ulid.Make().String()[ulid.EncodedSize-orderNumberSuffixLength:])
	}
	for i, b := range buf {
		buf[i] = orderNumberAlphabet[int(b)%len(orderNumberAlphabet)]
	}
	return string(buf)
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepositoryConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
