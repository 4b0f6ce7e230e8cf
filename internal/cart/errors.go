package cart

import (
	"errors"
	"fmt"
)

// Code classifies every error the coordinator surfaces to its callers. All of
// them are recoverable: the UI re-prompts the operator and the cart is left
// exactly as it was before the failed call.
type Code string

const (
	CodeInvalidProduct       Code = "invalid_product"
	CodeInvalidQuantity      Code = "invalid_quantity"
	CodeInsufficientStock    Code = "insufficient_stock"
	CodeOutOfStock           Code = "out_of_stock"
	CodeItemNotFound         Code = "item_not_found"
	CodeCouponInvalid        Code = "coupon_invalid"
	CodeCouponAlreadyApplied Code = "coupon_already_applied"
	CodeSessionInvalid       Code = "session_invalid"
	CodeInternal             Code = "internal"
)

// Error is the typed business error crossing the coordinator boundary.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the error code, defaulting to internal for anything that is
// not a coordinator error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
