// Package errors provides the error taxonomy of the settlement domain.
// Every user-visible failure carries a stable machine-readable code; the
// wrapped sentinel decides the category (and therefore the HTTP status).
package errors

import (
	"errors"
	"fmt"
)

// Error categories
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal error")
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrConfiguration marks errors no retry can fix (missing wallet, missing secret)
	ErrConfiguration = errors.New("configuration error")
)

// Stable error codes
const (
	CodeInvalidAmount                = "INVALID_AMOUNT"
	CodeInsufficientAvailableBalance = "INSUFFICIENT_AVAILABLE_BALANCE"
	CodeInsufficientLockedBalance    = "INSUFFICIENT_LOCKED_BALANCE"
	CodeInvalidAddress               = "INVALID_ADDRESS"
	CodeUnknownToken                 = "UNKNOWN_TOKEN"
	CodeLimitExceeded                = "LIMIT_EXCEEDED"
	CodeInvalidReason                = "INVALID_REASON"
	CodeWithdrawalNotFound           = "WITHDRAWAL_NOT_FOUND"
	CodeInvalidStatus                = "INVALID_STATUS"
	CodeRetryNotAllowed              = "RETRY_NOT_ALLOWED"
	CodeInvalidSignature             = "INVALID_SIGNATURE"
	CodeInvalidPayload               = "INVALID_PAYLOAD"
	CodeUnknownDepositAddress        = "UNKNOWN_DEPOSIT_ADDRESS"
	CodeWebhookSecretMissing         = "WEBHOOK_SECRET_NOT_CONFIGURED"
	CodeCollectionWalletMissing      = "COLLECTION_WALLET_NOT_CONFIGURED"
	CodeCustodyKeyMissing            = "CUSTODY_KEY_NOT_CONFIGURED"
	CodeInsufficientGlobalGas        = "INSUFFICIENT_GLOBAL_GAS"
	CodeCollectionInProgress         = "COLLECTION_IN_PROGRESS"
	CodeNothingToCollect             = "NOTHING_TO_COLLECT"
	CodeJobNotFound                  = "JOB_NOT_FOUND"
	CodeValidation                   = "VALIDATION_ERROR"
	CodeInternal                     = "INTERNAL_ERROR"
	CodeServiceUnavailable           = "SERVICE_UNAVAILABLE"
)

// DomainError is a categorized error with a stable code
type DomainError struct {
	Err       error
	Code      string
	Message   string
	Details   map[string]interface{}
	Retryable bool
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// WithDetails attaches details to the error
func (e *DomainError) WithDetails(details map[string]interface{}) *DomainError {
	e.Details = details
	return e
}

// New creates a domain error in the given category
func New(category error, code, message string) *DomainError {
	return &DomainError{Err: category, Code: code, Message: message}
}

// NotFoundError creates a not found error for a resource code such as "WITHDRAWAL"
func NotFoundError(resource string) *DomainError {
	return &DomainError{
		Err:     ErrNotFound,
		Code:    fmt.Sprintf("%s_NOT_FOUND", resource),
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// ValidationError creates a validation error with a specific code
func ValidationError(code, field, message string) *DomainError {
	return &DomainError{
		Err:     ErrInvalidInput,
		Code:    code,
		Message: message,
		Details: map[string]interface{}{"field": field},
	}
}

// ConflictError creates a conflict error with a specific code
func ConflictError(code, message string) *DomainError {
	return &DomainError{Err: ErrConflict, Code: code, Message: message}
}

// InvalidStatusError names the current state of a resource that refused a transition
func InvalidStatusError(resource, current, action string) *DomainError {
	return &DomainError{
		Err:     ErrConflict,
		Code:    CodeInvalidStatus,
		Message: fmt.Sprintf("cannot %s %s in status %s", action, resource, current),
		Details: map[string]interface{}{"current_status": current},
	}
}

// ConfigurationError creates a non-retryable configuration error
func ConfigurationError(code, message string) *DomainError {
	return &DomainError{Err: ErrConfiguration, Code: code, Message: message}
}

// ServiceUnavailableError creates a retryable upstream error
func ServiceUnavailableError(service string, err error) *DomainError {
	de := &DomainError{
		Err:       ErrServiceUnavailable,
		Code:      CodeServiceUnavailable,
		Message:   fmt.Sprintf("%s service is temporarily unavailable", service),
		Retryable: true,
	}
	if err != nil {
		de.Details = map[string]interface{}{"cause": err.Error()}
	}
	return de
}

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsInvalidInput(err error) bool  { return errors.Is(err, ErrInvalidInput) }
func IsUnauthorized(err error) bool  { return errors.Is(err, ErrUnauthorized) }
func IsConflict(err error) bool      { return errors.Is(err, ErrConflict) }
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
func IsUnavailable(err error) bool   { return errors.Is(err, ErrServiceUnavailable) }

// GetErrorCode extracts the code from a domain error
func GetErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeInternal
}

// GetErrorDetails extracts details from a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// HasCode reports whether err is a domain error with the given code
func HasCode(err error, code string) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == code
}
