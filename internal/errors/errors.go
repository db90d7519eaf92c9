package errors

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Sentinel errors of the ledger. Concrete errors are built with NewError and
// marked with one of these so callers can branch with errors.Is.
var (
	ErrValidation          = new(ErrCodeValidation, "validation error")
	ErrNotFound            = new(ErrCodeNotFound, "resource not found")
	ErrAlreadyExists       = new(ErrCodeAlreadyExists, "resource already exists")
	ErrEligibility         = new(ErrCodeEligibility, "not eligible for payout")
	ErrReservationConflict = new(ErrCodeReservationConflict, "reservation lost to a concurrent payout")
	ErrInsufficientBalance = new(ErrCodeInsufficientBalance, "insufficient balance")
	ErrGateway             = new(ErrCodeGateway, "transfer gateway error")
	ErrGatewayRejected     = new(ErrCodeGatewayRejected, "transfer rejected by gateway")
	ErrLedgerInvariant     = new(ErrCodeLedgerInvariant, "ledger invariant violation")
	ErrDatabase            = new(ErrCodeDatabase, "database error")
	ErrPermissionDenied    = new(ErrCodePermissionDenied, "permission denied")

	statusCodeMap = map[error]int{
		ErrValidation:          http.StatusBadRequest,
		ErrNotFound:            http.StatusNotFound,
		ErrAlreadyExists:       http.StatusConflict,
		ErrEligibility:         http.StatusUnprocessableEntity,
		ErrReservationConflict: http.StatusConflict,
		ErrInsufficientBalance: http.StatusConflict,
		ErrGateway:             http.StatusBadGateway,
		ErrGatewayRejected:     http.StatusBadGateway,
		ErrLedgerInvariant:     http.StatusInternalServerError,
		ErrDatabase:            http.StatusInternalServerError,
		ErrPermissionDenied:    http.StatusForbidden,
	}
)

const (
	ErrCodeValidation          = "validation_error"
	ErrCodeNotFound            = "not_found"
	ErrCodeAlreadyExists       = "already_exists"
	ErrCodeEligibility         = "eligibility_error"
	ErrCodeReservationConflict = "reservation_conflict"
	ErrCodeInsufficientBalance = "insufficient_balance"
	ErrCodeGateway             = "gateway_error"
	ErrCodeGatewayRejected     = "gateway_rejected"
	ErrCodeLedgerInvariant     = "ledger_invariant_violation"
	ErrCodeDatabase            = "database_error"
	ErrCodePermissionDenied    = "permission_denied"
)

// InternalError represents a domain error
type InternalError struct {
	Code    string
	Message string
	Err     error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.DisplayError()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *InternalError) DisplayError() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// Is implements error matching for wrapped errors
func (e *InternalError) Is(target error) bool {
	if target == nil {
		return false
	}

	t, ok := target.(*InternalError)
	if !ok {
		return errors.Is(e.Err, target)
	}

	return e.Code == t.Code
}

func new(code string, message string) *InternalError {
	return &InternalError{
		Code:    code,
		Message: message,
	}
}

func Is(err, reference error) bool {
	return errors.Is(err, reference)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

func IsInsufficientBalance(err error) bool {
	return errors.Is(err, ErrInsufficientBalance)
}

func IsGatewayRejected(err error) bool {
	return errors.Is(err, ErrGatewayRejected)
}

func IsLedgerInvariant(err error) bool {
	return errors.Is(err, ErrLedgerInvariant)
}

// Code returns the machine-readable code err is marked with, "system_error"
// for unmarked errors.
func Code(err error) string {
	for e := range statusCodeMap {
		if errors.Is(err, e) {
			return e.(*InternalError).Code
		}
	}
	return "system_error"
}

func HTTPStatusFromErr(err error) int {
	for e, status := range statusCodeMap {
		if errors.Is(err, e) {
			return status
		}
	}
	return http.StatusInternalServerError
}
