package repositories

import "fmt"

// StockErrorCode enumerates repository error causes for stock mutations.
type StockErrorCode string

const (
	// StockErrorUnknown represents an unspecified failure.
	StockErrorUnknown StockErrorCode = "stock_unknown"
	// StockErrorInsufficient indicates requested quantity exceeds availability.
	StockErrorInsufficient StockErrorCode = "stock_insufficient"
	// StockErrorVariantNotFound indicates the variant has no stock record.
	StockErrorVariantNotFound StockErrorCode = "stock_variant_not_found"
	// StockErrorInvalidQuantity indicates a non-positive or otherwise unusable quantity.
	StockErrorInvalidQuantity StockErrorCode = "stock_invalid_quantity"
	// StockErrorConflict indicates the mutation lost a serialization race and may be retried.
	StockErrorConflict StockErrorCode = "stock_conflict"
)

// StockError wraps stock-ledger failures with machine readable codes. For
// insufficient stock it also names the offending variant and the requested
// versus available quantities.
type StockError struct {
	Op        string
	Code      StockErrorCode
	Message   string
	VariantID string
	Requested int64
	Available int64
	Err       error
}

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStockError constructs a typed stock error.
func NewStockError(code StockErrorCode, message string, err error) *StockError {
	if message == "" {
		message = string(code)
	}
	return &StockError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewInsufficientStockError reports a reservation that could not be satisfied.
func NewInsufficientStockError(variantID string, requested, available int64) *StockError {
	return &StockError{
		Code:      StockErrorInsufficient,
		Message:   fmt.Sprintf("variant %s has %d available, %d requested", variantID, available, requested),
		VariantID: variantID,
		Requested: requested,
		Available: available,
	}
}
