package services

import (
	"errors"
	"fmt"

	"github.com/upb/oauth-issuer/utils"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeLimit        ErrorType = "limit"
	ErrorTypeExpired      ErrorType = "expired"
	ErrorTypeInternal     ErrorType = "internal"
)

// Machine-readable error codes returned to callers
const (
	CodeInvalidCredentials       = "invalid_credentials"
	CodeClientNotFound           = "client_not_found"
	CodeClientAlreadyExists      = "client_already_exists"
	CodeMalformedSecretHash      = "malformed_secret_hash"
	CodeMaxAccountsExceeded      = "max_accounts_exceeded"
	CodeSessionConflict          = "session_conflict"
	CodeSessionExpired           = "session_expired"
	CodeAccountNotFound          = "account_not_found"
	CodeRoleNotFound             = "role_not_found"
	CodePermissionNotFound       = "permission_not_found"
	CodeRoleAlreadyAssigned      = "role_already_assigned"
	CodePermissionAlreadyGranted = "permission_already_granted"
	CodeSystemRoleImmutable      = "system_role_immutable"
	CodeRoleAlreadyExists        = "role_already_exists"
	CodePermissionAlreadyExists  = "permission_already_exists"
	CodeInvalidInput             = "invalid_input"
	CodeInternal                 = "internal_error"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Code    string
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches on Code when both errors carry one, otherwise on Type
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if e.Code != "" && t.Code != "" {
		return e.Code == t.Code
	}
	return e.Type == t.Type
}

// WithDetail returns a copy of the error carrying an extra detail
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	c := e.clone()
	c.Details[key] = value
	return c
}

// Wrap returns a copy of the error with err as its cause
func (e *DomainError) Wrap(err error) *DomainError {
	c := e.clone()
	c.Err = err
	return c
}

func (e *DomainError) clone() *DomainError {
	c := *e
	c.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	return &c
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

func newCodedError(errType ErrorType, code, message string) *DomainError {
	e := NewDomainError(errType, message, nil)
	e.Code = code
	return e
}

// Domain error variables

var (
	// Client authentication. ErrClientNotFound and ErrMalformedSecretHash never reach
	// callers; they collapse into ErrInvalidCredentials.
	ErrInvalidCredentials  = newCodedError(ErrorTypeUnauthorized, CodeInvalidCredentials, "invalid client credentials")
	ErrClientNotFound      = newCodedError(ErrorTypeNotFound, CodeClientNotFound, "client not found")
	ErrMalformedSecretHash = newCodedError(ErrorTypeInternal, CodeMalformedSecretHash, "stored secret hash is malformed")
	ErrClientAlreadyExists = newCodedError(ErrorTypeConflict, CodeClientAlreadyExists, "client already exists")

	// Sessions
	ErrMaxAccountsExceeded = newCodedError(ErrorTypeLimit, CodeMaxAccountsExceeded, "maximum number of accounts in session reached")
	ErrSessionConflict     = newCodedError(ErrorTypeConflict, CodeSessionConflict, "session was modified concurrently")
	ErrSessionExpired      = newCodedError(ErrorTypeExpired, CodeSessionExpired, "session expired or not found")
	ErrAccountNotFound     = newCodedError(ErrorTypeNotFound, CodeAccountNotFound, "account not found in session")

	// RBAC
	ErrRoleNotFound             = newCodedError(ErrorTypeNotFound, CodeRoleNotFound, "role not found")
	ErrPermissionNotFound       = newCodedError(ErrorTypeNotFound, CodePermissionNotFound, "permission not found")
	ErrRoleAlreadyAssigned      = newCodedError(ErrorTypeConflict, CodeRoleAlreadyAssigned, "role already assigned to user")
	ErrPermissionAlreadyGranted = newCodedError(ErrorTypeConflict, CodePermissionAlreadyGranted, "permission already granted to role")
	ErrSystemRoleImmutable      = newCodedError(ErrorTypeForbidden, CodeSystemRoleImmutable, "system roles cannot be modified")
	ErrRoleAlreadyExists        = newCodedError(ErrorTypeConflict, CodeRoleAlreadyExists, "role with this name already exists")
	ErrPermissionAlreadyExists  = newCodedError(ErrorTypeConflict, CodePermissionAlreadyExists, "permission with this name already exists")

	// Generic
	ErrInvalidInput = newCodedError(ErrorTypeValidation, CodeInvalidInput, "invalid input")
	ErrInternal     = newCodedError(ErrorTypeInternal, CodeInternal, "internal server error")
)

// Error type checking helper functions

func hasType(err error, errType ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == errType
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return hasType(err, ErrorTypeUnauthorized)
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return hasType(err, ErrorTypeForbidden)
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return hasType(err, ErrorTypeConflict)
}

// IsLimitError checks if an error reports an exceeded limit
func IsLimitError(err error) bool {
	return hasType(err, ErrorTypeLimit)
}

// IsExpiredError checks if an error reports an expired resource
func IsExpiredError(err error) bool {
	return hasType(err, ErrorTypeExpired)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorCode returns the machine-readable code of a domain error, or empty string
func GetErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	e := NewDomainError(ErrorTypeInternal, message, err)
	e.Code = CodeInternal
	return e
}

// InvalidInputFrom converts a struct validation failure into ErrInvalidInput,
// copying per-field messages into Details
func InvalidInputFrom(err error) *DomainError {
	invalid := ErrInvalidInput.Wrap(err)
	for field, msg := range utils.GetValidationFields(err) {
		invalid.Details[field] = msg
	}
	return invalid
}
