package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/oauth-issuer/utils"
)

func TestNewDomainError(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeNotFound, "resource not found", baseErr)

	assert.Equal(t, ErrorTypeNotFound, domainErr.Type)
	assert.Equal(t, "resource not found", domainErr.Message)
	assert.Equal(t, baseErr, domainErr.Err)
	assert.Empty(t, domainErr.Code)
	assert.NotNil(t, domainErr.Details)
}

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *DomainError
		wantMsg string
	}{
		{
			name: "error with wrapped error",
			err: &DomainError{
				Type:    ErrorTypeNotFound,
				Message: "role not found",
				Err:     errors.New("db error"),
			},
			wantMsg: "not_found: role not found (db error)",
		},
		{
			name: "error without wrapped error",
			err: &DomainError{
				Type:    ErrorTypeValidation,
				Message: "invalid input",
			},
			wantMsg: "validation: invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestDomainError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "same code",
			err:    ErrRoleNotFound.Wrap(errors.New("missing")),
			target: ErrRoleNotFound,
			want:   true,
		},
		{
			name:   "same type, different code",
			err:    ErrPermissionNotFound,
			target: ErrRoleNotFound,
			want:   false,
		},
		{
			name:   "uncoded error matches by type",
			err:    NewDomainError(ErrorTypeConflict, "conflict", nil),
			target: ErrSessionConflict,
			want:   true,
		},
		{
			name:   "wrapped with fmt",
			err:    fmt.Errorf("assign: %w", ErrRoleAlreadyAssigned),
			target: ErrRoleAlreadyAssigned,
			want:   true,
		},
		{
			name:   "not a domain error",
			err:    ErrSessionExpired,
			target: errors.New("regular error"),
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestDomainError_WithDetailCopies(t *testing.T) {
	err := ErrMaxAccountsExceeded.WithDetail("max_accounts", 3).WithDetail("session_id", "s1")

	assert.Equal(t, 3, err.Details["max_accounts"])
	assert.Equal(t, "s1", err.Details["session_id"])
	assert.Empty(t, ErrMaxAccountsExceeded.Details)
	assert.True(t, errors.Is(err, ErrMaxAccountsExceeded))
}

func TestDomainError_WrapCopies(t *testing.T) {
	cause := errors.New("write failed")
	err := ErrSessionConflict.Wrap(cause)

	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Nil(t, ErrSessionConflict.Err)
}

func TestTypeHelpers(t *testing.T) {
	tests := []struct {
		name  string
		check func(error) bool
		yes   error
		no    error
	}{
		{"not found", IsNotFoundError, ErrAccountNotFound, ErrInvalidInput},
		{"validation", IsValidationError, ErrInvalidInput, ErrRoleNotFound},
		{"unauthorized", IsUnauthorizedError, ErrInvalidCredentials, ErrSessionExpired},
		{"forbidden", IsForbiddenError, ErrSystemRoleImmutable, ErrInvalidCredentials},
		{"conflict", IsConflictError, fmt.Errorf("wrapped: %w", ErrPermissionAlreadyGranted), ErrInternal},
		{"limit", IsLimitError, ErrMaxAccountsExceeded, ErrSessionConflict},
		{"expired", IsExpiredError, ErrSessionExpired, ErrSessionConflict},
		{"internal", IsInternalError, WrapInternal("boom", errors.New("x")), ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.yes))
			assert.False(t, tt.check(tt.no))
			assert.False(t, tt.check(errors.New("regular")))
			assert.False(t, tt.check(nil))
		})
	}
}

func TestGetErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidCredentials, "invalid_credentials"},
		{ErrMaxAccountsExceeded, "max_accounts_exceeded"},
		{ErrSessionConflict, "session_conflict"},
		{ErrSessionExpired, "session_expired"},
		{ErrRoleNotFound, "role_not_found"},
		{ErrPermissionNotFound, "permission_not_found"},
		{ErrRoleAlreadyAssigned, "role_already_assigned"},
		{ErrPermissionAlreadyGranted, "permission_already_granted"},
		{ErrSystemRoleImmutable, "system_role_immutable"},
		{ErrAccountNotFound, "account_not_found"},
		{ErrClientAlreadyExists, "client_already_exists"},
		{ErrRoleAlreadyExists, "role_already_exists"},
		{ErrPermissionAlreadyExists, "permission_already_exists"},
		{errors.New("regular"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, GetErrorCode(tt.err))
		})
	}
}

func TestGetErrorTypeAndDetails(t *testing.T) {
	assert.Equal(t, ErrorTypeLimit, GetErrorType(ErrMaxAccountsExceeded))
	assert.Equal(t, ErrorType(""), GetErrorType(errors.New("regular")))

	err := ErrInvalidInput.WithDetail("field", "redirect_uris")
	details := GetErrorDetails(err)
	require.NotNil(t, details)
	assert.Equal(t, "redirect_uris", details["field"])
	assert.Nil(t, GetErrorDetails(errors.New("regular")))
}

func TestInvalidInputFrom(t *testing.T) {
	type input struct {
		Name string `validate:"required"`
	}
	verr := utils.ValidateStruct(input{})
	require.Error(t, verr)

	err := InvalidInputFrom(verr)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "Name is required", err.Details["Name"])
	assert.Empty(t, ErrInvalidInput.Details)
}
