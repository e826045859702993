package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the stable identifier of a payment failure
type ErrorCode string

const (
	CodeUserCancelled           ErrorCode = "user_cancelled"
	CodeInitFailed              ErrorCode = "init_failed"
	CodeProductNotFound         ErrorCode = "product_not_found"
	CodePurchaseFailed          ErrorCode = "purchase_failed"
	CodeReceiptValidationFailed ErrorCode = "receipt_validation_failed"
	CodeNetworkError            ErrorCode = "network_error"
	CodeDuplicatePayment        ErrorCode = "duplicate_payment"
	CodeUnknownError            ErrorCode = "unknown_error"
)

var errorMessages = map[ErrorCode]string{
	CodeUserCancelled:           "The purchase was cancelled.",
	CodeInitFailed:              "Could not connect to the store. Please try again later.",
	CodeProductNotFound:         "The donation product could not be found.",
	CodePurchaseFailed:          "The purchase failed. Please try again.",
	CodeReceiptValidationFailed: "The purchase receipt could not be validated.",
	CodeNetworkError:            "A network error occurred. Please try again.",
	CodeDuplicatePayment:        "This payment has already been processed.",
	CodeUnknownError:            "An unknown error occurred.",
}

// PaymentError is the only error type the donation flow returns
type PaymentError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// NewPaymentError builds an error with the default user-facing message for code
func NewPaymentError(code ErrorCode, cause error) *PaymentError {
	msg, ok := errorMessages[code]
	if !ok {
		code = CodeUnknownError
		msg = errorMessages[CodeUnknownError]
	}
	return &PaymentError{Code: code, Message: msg, Cause: cause}
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return string(e.Code)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Is matches another *PaymentError by code, so errors.Is(err, ErrDuplicatePayment) works
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the retry wrapper may run the flow again
func (e *PaymentError) Retryable() bool {
	switch e.Code {
	case CodeUserCancelled, CodeDuplicatePayment:
		return false
	}
	return true
}

// Feedback is what the client should show for a failure
type Feedback struct {
	Show     bool   `json:"show"`
	Message  string `json:"message"`
	CanRetry bool   `json:"can_retry"`
}

func (e *PaymentError) Feedback() Feedback {
	switch e.Code {
	case CodeUserCancelled:
		return Feedback{}
	case CodeNetworkError, CodeInitFailed, CodeProductNotFound, CodePurchaseFailed:
		return Feedback{Show: true, Message: e.Message, CanRetry: true}
	}
	return Feedback{Show: true, Message: e.Message}
}

// Sentinels for errors.Is comparisons
var (
	ErrUserCancelled    = &PaymentError{Code: CodeUserCancelled}
	ErrDuplicatePayment = &PaymentError{Code: CodeDuplicatePayment}
)

// AsPaymentError returns err as a *PaymentError, wrapping anything else as unknown_error
func AsPaymentError(err error) *PaymentError {
	if err == nil {
		return nil
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe
	}
	return NewPaymentError(CodeUnknownError, err)
}

// BillingError is the error shape billing SDKs report: a vendor code plus a message
type BillingError struct {
	Code    string
	Message string
}

func (e *BillingError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// MapBillingError maps an error raised by a billing client to the closest taxonomy code.
// Unrecognized billing failures become purchase_failed.
func MapBillingError(err error) *PaymentError {
	if err == nil {
		return nil
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return NewPaymentError(CodeUserCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewPaymentError(CodeNetworkError, err)
	}

	text := strings.ToUpper(err.Error())
	var be *BillingError
	if errors.As(err, &be) {
		text = strings.ToUpper(be.Code + " " + be.Message)
	}

	switch {
	case strings.Contains(text, "USER_CANCEL"), strings.Contains(text, "CANCELLED"), strings.Contains(text, "CANCELED"):
		return NewPaymentError(CodeUserCancelled, err)
	case strings.Contains(text, "NETWORK"), strings.Contains(text, "SERVICE_UNAVAILABLE"), strings.Contains(text, "SERVICE_DISCONNECTED"), strings.Contains(text, "TIMEOUT"):
		return NewPaymentError(CodeNetworkError, err)
	case strings.Contains(text, "ITEM_UNAVAILABLE"), strings.Contains(text, "PRODUCT_NOT_FOUND"), strings.Contains(text, "SKU_NOT_FOUND"):
		return NewPaymentError(CodeProductNotFound, err)
	case strings.Contains(text, "BILLING_UNAVAILABLE"), strings.Contains(text, "NOT_PREPARED"), strings.Contains(text, "INIT"):
		return NewPaymentError(CodeInitFailed, err)
	}
	return NewPaymentError(CodePurchaseFailed, err)
}
