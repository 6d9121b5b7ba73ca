// Package ledger holds the pure core of the reimbursement ledger: the
// status calculator and the structured error taxonomy shared by the
// application services and the HTTP layer.
package ledger

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a ledger failure class. The set is closed; transport
// layers map codes to HTTP statuses, never the other way around.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeExpenseNotFound  Code = "EXPENSE_NOT_FOUND"
	CodeCategoryNotFound Code = "CATEGORY_NOT_FOUND"
	CodeLinkNotFound     Code = "REIMBURSEMENT_LINK_NOT_FOUND"
	CodeRuleNotFound     Code = "REIMBURSEMENT_CATEGORY_RULE_NOT_FOUND"

	CodeInvalidLinkTarget       Code = "REIMBURSEMENT_INVALID_LINK_TARGET"
	CodeNotReimbursable         Code = "REIMBURSEMENT_NOT_REIMBURSABLE"
	CodeCurrencyMismatch        Code = "REIMBURSEMENT_CURRENCY_MISMATCH"
	CodeExceedsOutstanding      Code = "REIMBURSEMENT_ALLOCATION_EXCEEDS_OUTSTANDING"
	CodeExceedsInboundAvailable Code = "REIMBURSEMENT_ALLOCATION_EXCEEDS_INBOUND_AVAILABLE"
	CodeCloseInvalid            Code = "REIMBURSEMENT_CLOSE_INVALID"
	CodeInvalidExpenseCategory  Code = "REIMBURSEMENT_CATEGORY_RULE_INVALID_EXPENSE_CATEGORY"
	CodeInvalidInboundCategory  Code = "REIMBURSEMENT_CATEGORY_RULE_INVALID_INBOUND_CATEGORY"
	CodeIdempotencyKeyConflict  Code = "REIMBURSEMENT_IDEMPOTENCY_KEY_CONFLICT"

	CodeApprovalNotFound        Code = "APPROVAL_NOT_FOUND"
	CodeApprovalActionMismatch  Code = "APPROVAL_ACTION_MISMATCH"
	CodeApprovalPayloadMismatch Code = "APPROVAL_PAYLOAD_MISMATCH"
	CodeApprovalAlreadyUsed     Code = "APPROVAL_ALREADY_USED"
	CodeApprovalExpired         Code = "APPROVAL_EXPIRED"

	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is a structured domain error. Every failing public ledger operation
// returns one; raw store errors are wrapped as CodeInternal and never leak
// their message to callers.
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails attaches key/value context surfaced to the caller.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// HTTPStatus maps the code to its transport status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeExpenseNotFound, CodeCategoryNotFound, CodeLinkNotFound, CodeRuleNotFound:
		return http.StatusNotFound
	case CodeIdempotencyKeyConflict:
		return http.StatusConflict
	case CodeApprovalNotFound, CodeApprovalActionMismatch, CodeApprovalPayloadMismatch,
		CodeApprovalAlreadyUsed, CodeApprovalExpired:
		return http.StatusForbidden
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// NewError builds a domain error with a formatted message.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure. The original error stays available
// through Unwrap for logging but is not part of the caller-facing message.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

// AsError unwraps err into a *Error, wrapping unknown errors as internal so
// callers always see the structured taxonomy.
func AsError(err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	return Internal(err)
}
