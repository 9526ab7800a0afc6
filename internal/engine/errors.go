package engine

import "errors"

// OrderError is a validation failure returned by PlaceOrder. Code is the
// stable machine-readable identifier; Message is shown to the user.
type OrderError struct {
	Code    string
	Message string
}

func (e *OrderError) Error() string { return e.Message }

var (
	// ErrInvalidShares: share quantity is not positive.
	ErrInvalidShares = &OrderError{Code: "INVALID_SHARES", Message: "Invalid shares"}

	// ErrInvalidPrice: resolved side price is outside (0, 1).
	ErrInvalidPrice = &OrderError{Code: "INVALID_PRICE", Message: "Invalid price"}

	// ErrInsufficientBalance: BUY total exceeds available cash.
	ErrInsufficientBalance = &OrderError{Code: "INSUFFICIENT_BALANCE", Message: "Insufficient balance"}

	// ErrNotEnoughShares: SELL exceeds the shares held in the OPEN position.
	ErrNotEnoughShares = &OrderError{Code: "NOT_ENOUGH_SHARES", Message: "Not enough shares"}

	// ErrInvalidOrder: action, side, order type or market id is missing or unknown.
	ErrInvalidOrder = &OrderError{Code: "INVALID_ORDER", Message: "Invalid order"}
)

var (
	ErrOrderNotFound = errors.New("engine: open order not found")
	ErrInvalidAmount = errors.New("engine: amount must be positive")
)

// Code extracts the OrderError code from err, or "" if err is not one.
func Code(err error) string {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}
