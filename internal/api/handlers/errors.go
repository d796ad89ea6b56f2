package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
)

// Error codes returned by the API.
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeInvalidID          = "INVALID_ID"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeNotRequeueable     = "NOT_REQUEUEABLE"
	ErrCodeConflict           = "CONFLICT"
	ErrCodePriceUnavailable   = "PRICE_UNAVAILABLE"
	ErrCodeUnknownPair        = "UNKNOWN_PAIR"
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

func respondError(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: getRequestID(c),
	})
}

func respondBadRequest(c *gin.Context, message string, details ...map[string]interface{}) {
	var det map[string]interface{}
	if len(details) > 0 {
		det = details[0]
	}
	respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, message, det)
}

func respondNotFound(c *gin.Context, message string) {
	respondError(c, http.StatusNotFound, ErrCodeNotFound, message, nil)
}

func respondInternalError(c *gin.Context, message string) {
	respondError(c, http.StatusInternalServerError, ErrCodeInternalError, message, nil)
}

// respondDomainError maps a domain error onto a status code. Anything it does
// not recognise is reported as an internal error without leaking the cause.
func respondDomainError(c *gin.Context, err error, fallback string) {
	switch {
	case domainerrors.IsInvalidInput(err):
		respondError(c, http.StatusBadRequest, ErrCodeValidationError, err.Error(), domainerrors.GetErrorDetails(err))
	case domainerrors.IsNotFound(err):
		respondNotFound(c, err.Error())
	case errors.Is(err, domainerrors.ErrNotRequeueable):
		respondError(c, http.StatusConflict, ErrCodeNotRequeueable, err.Error(), nil)
	case domainerrors.IsConflict(err):
		respondError(c, http.StatusConflict, ErrCodeConflict, err.Error(), nil)
	case errors.Is(err, domainerrors.ErrUnknownPair):
		respondError(c, http.StatusNotFound, ErrCodeUnknownPair, err.Error(), domainerrors.GetErrorDetails(err))
	case errors.Is(err, domainerrors.ErrConfigurationError):
		respondError(c, http.StatusInternalServerError, ErrCodeConfiguration, fallback, nil)
	case errors.Is(err, domainerrors.ErrPriceUnavailable):
		respondError(c, http.StatusServiceUnavailable, ErrCodePriceUnavailable, err.Error(), nil)
	case errors.Is(err, domainerrors.ErrLedgerUnavailable), errors.Is(err, domainerrors.ErrServiceUnavailable):
		respondError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, fallback, nil)
	default:
		respondInternalError(c, fallback)
	}
}
