package repositories

import (
	"errors"
	"fmt"
)

// StockErrorCode enumerates repository error causes for stock ledger operations.
type StockErrorCode string

const (
	// StockErrorUnknown represents an unspecified failure.
	StockErrorUnknown StockErrorCode = "stock_unknown"
	// StockErrorInsufficient indicates the requested quantity exceeds the available stock.
	StockErrorInsufficient StockErrorCode = "stock_insufficient"
	// StockErrorProductNotFound indicates the product has no stock record.
	StockErrorProductNotFound StockErrorCode = "stock_product_not_found"
)

// StockError wraps stock ledger failures with machine readable codes and the offending product.
type StockError struct {
	Op        string
	Code      StockErrorCode
	ProductID string
	Requested int
	Available int
	Err       error
}

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	var msg string
	switch e.Code {
	case StockErrorInsufficient:
		msg = fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
	case StockErrorProductNotFound:
		msg = fmt.Sprintf("product %s not found", e.ProductID)
	default:
		msg = string(e.Code)
		if e.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		}
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStockError constructs a typed stock error for the given product.
func NewStockError(op string, code StockErrorCode, productID string, requested, available int) *StockError {
	return &StockError{
		Op:        op,
		Code:      code,
		ProductID: productID,
		Requested: requested,
		Available: available,
	}
}

// AsStockError extracts a StockError from err.
func AsStockError(err error) (*StockError, bool) {
	var stockErr *StockError
	if errors.As(err, &stockErr) && stockErr != nil {
		return stockErr, true
	}
	return nil, false
}
