package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

const (
	eventStockReserved     = "stock.reserved"
	eventStockReleased     = "stock.released"
	eventStockInsufficient = "stock.insufficient"
)

var (
	// ErrStockInvalidInput signals malformed adjustments.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrStockInsufficient indicates a reservation exceeds the available quantity.
	ErrStockInsufficient = errors.New("stock: insufficient stock")
	// ErrStockProductNotFound indicates an adjustment names an unknown product.
	ErrStockProductNotFound = errors.New("stock: product not found")
)

// StockLedgerDeps bundles the collaborators required to construct the stock ledger.
type StockLedgerDeps struct {
	Stock   repositories.StockLedgerRepository
	Metrics Metrics
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type stockLedger struct {
	repo    repositories.StockLedgerRepository
	metrics Metrics
	logger  func(context.Context, string, map[string]any)
}

// NewStockLedger wires the stock repository into a StockLedger.
func NewStockLedger(deps StockLedgerDeps) (StockLedger, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock ledger: stock repository is required")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &stockLedger{repo: deps.Stock, metrics: metrics, logger: logger}, nil
}

// Reserve takes every adjustment from stock or none of them.
func (l *stockLedger) Reserve(ctx context.Context, adjustments []StockAdjustment) ([]StockLevel, error) {
	merged, err := normaliseAdjustments(adjustments)
	if err != nil {
		return nil, err
	}
	levels, err := l.repo.Decrement(ctx, merged)
	if err != nil {
		mapped := l.mapStockError(err)
		outcome := "error"
		if errors.Is(mapped, ErrStockInsufficient) {
			outcome = "insufficient"
			stockErr, _ := repositories.AsStockError(err)
			l.logger(ctx, eventStockInsufficient, map[string]any{
				"productId": stockErr.ProductID,
				"requested": stockErr.Requested,
				"available": stockErr.Available,
			})
		}
		l.metrics.StockAdjusted("reserve", outcome)
		return nil, mapped
	}
	l.metrics.StockAdjusted("reserve", "ok")
	l.logLevels(ctx, eventStockReserved, merged, levels)
	return levels, nil
}

// Release returns stock. It is not reference counted; callers release each reservation at most once.
func (l *stockLedger) Release(ctx context.Context, adjustments []StockAdjustment) ([]StockLevel, error) {
	merged, err := normaliseAdjustments(adjustments)
	if err != nil {
		return nil, err
	}
	levels, err := l.repo.Increment(ctx, merged)
	if err != nil {
		l.metrics.StockAdjusted("release", "error")
		return nil, l.mapStockError(err)
	}
	l.metrics.StockAdjusted("release", "ok")
	l.logLevels(ctx, eventStockReleased, merged, levels)
	return levels, nil
}

func (l *stockLedger) logLevels(ctx context.Context, event string, adjustments []StockAdjustment, levels []StockLevel) {
	stock := make(map[string]int, len(levels))
	for _, level := range levels {
		stock[level.ProductID] = level.Stock
	}
	for _, adj := range adjustments {
		l.logger(ctx, event, map[string]any{
			"productId": adj.ProductID,
			"quantity":  adj.Quantity,
			"stock":     stock[adj.ProductID],
		})
	}
}

func (l *stockLedger) mapStockError(err error) error {
	if stockErr, ok := repositories.AsStockError(err); ok {
		switch stockErr.Code {
		case repositories.StockErrorInsufficient:
			return fmt.Errorf("%w: %w", ErrStockInsufficient, stockErr)
		case repositories.StockErrorProductNotFound:
			return fmt.Errorf("%w: %w", ErrStockProductNotFound, stockErr)
		}
	}
	return fmt.Errorf("stock: %w", err)
}

func normaliseAdjustments(adjustments []StockAdjustment) ([]StockAdjustment, error) {
	if len(adjustments) == 0 {
		return nil, fmt.Errorf("%w: at least one adjustment is required", ErrStockInvalidInput)
	}
	cleaned := make([]StockAdjustment, 0, len(adjustments))
	for i, adj := range adjustments {
		productID := strings.TrimSpace(adj.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: adjustments[%d].productId is required", ErrStockInvalidInput, i)
		}
		if adj.Quantity <= 0 {
			return nil, fmt.Errorf("%w: adjustments[%d].quantity must be positive", ErrStockInvalidInput, i)
		}
		cleaned = append(cleaned, StockAdjustment{ProductID: productID, Quantity: adj.Quantity})
	}
	return domain.MergeAdjustments(cleaned), nil
}
