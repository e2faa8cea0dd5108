package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/oauth-issuer/services"
	"github.com/upb/oauth-issuer/utils"
	"go.uber.org/zap"
)

// StatusForError maps a domain error to its HTTP status
func StatusForError(err error) int {
	switch {
	case services.IsNotFoundError(err):
		return http.StatusNotFound
	case services.IsValidationError(err):
		return http.StatusBadRequest
	case services.IsUnauthorizedError(err), services.IsExpiredError(err):
		return http.StatusUnauthorized
	case services.IsForbiddenError(err):
		return http.StatusForbidden
	case services.IsConflictError(err):
		return http.StatusConflict
	case services.IsLimitError(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// HandleServiceError maps domain errors to HTTP responses.
// Internal errors are logged and answered with a generic message.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		if services.GetErrorType(err) == "" {
			logger.Error("unhandled error type", zap.Error(err))
		} else {
			logger.Error("internal server error", zap.Error(err))
		}
		if err := utils.WriteInternalServerError(w, "An internal error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
		return
	}

	var domainErr *services.DomainError
	errors.As(err, &domainErr)

	var details map[string]interface{}
	if len(domainErr.Details) > 0 {
		details = domainErr.Details
	}

	if err := utils.WriteError(w, status, domainErr.Code, domainErr.Message, details); err != nil {
		logger.Error("failed to write error response", zap.Int("status", status), zap.Error(err))
	}

	logger.Debug("handled service error",
		zap.String("type", string(domainErr.Type)),
		zap.String("code", domainErr.Code),
		zap.Any("details", domainErr.Details))
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteError(w, http.StatusBadRequest, services.CodeInvalidInput, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteError(w, http.StatusBadRequest, services.CodeInvalidInput, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

// decodeAndValidate reads the request body into dst and validates it.
// It writes the error response and returns false on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) bool {
	if err := utils.DecodeJSON(w, r, dst); err != nil {
		HandleValidationError(w, err, logger)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		HandleValidationError(w, err, logger)
		return false
	}
	return true
}
