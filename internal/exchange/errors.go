package exchange

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned (wrapped in a ConnectionError) by operations on a disconnected instance
var ErrNotConnected = errors.New("exchange not connected")

// ConnectionError reports that an operation could not reach the venue
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("exchange %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError wraps err as a ConnectionError for op
func NewConnectionError(op string, err error) error {
	return &ConnectionError{Op: op, Err: err}
}

// OrderRejectionError reports that the venue refused an order
type OrderRejectionError struct {
	Symbol string
	Code   int
	Reason string
}

func (e *OrderRejectionError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("order rejected for %s (code %d): %s", e.Symbol, e.Code, e.Reason)
	}
	return fmt.Sprintf("order rejected for %s: %s", e.Symbol, e.Reason)
}

// IsConnectionError reports whether err is or wraps a ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsOrderRejection reports whether err is or wraps an OrderRejectionError
func IsOrderRejection(err error) bool {
	var re *OrderRejectionError
	return errors.As(err, &re)
}
