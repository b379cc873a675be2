package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	capabilitydomain "github.com/formlane/creditledger/internal/capability/domain"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   "request",
					Code:    err.Error(),
					Message: "invalid value",
				},
			},
		}
	}

	var insufficient *creditdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: insufficient.Error(),
		}
	}

	var denied *capabilitydomain.CapabilityDeniedError
	if errors.As(err, &denied) {
		return http.StatusForbidden, errorPayload{
			Type:    "access_denied",
			Message: denied.Message,
		}
	}

	if isNotFoundError(err) {
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	}

	if isConflictError(err) {
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, creditdomain.ErrInvalidOrganization),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidIdempotencyKey),
		errors.Is(err, creditdomain.ErrInvalidCapability),
		errors.Is(err, capabilitydomain.ErrInvalidOrganization),
		errors.Is(err, capabilitydomain.ErrInvalidCapability):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	var notFound *creditdomain.ReservationNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func isConflictError(err error) bool {
	var duplicate *creditdomain.DuplicateRequestError
	if errors.As(err, &duplicate) {
		return true
	}
	var invalidStatus *creditdomain.InvalidReservationStatusError
	if errors.As(err, &invalidStatus) {
		return true
	}
	var settled *creditdomain.ReservationSettledError
	return errors.As(err, &settled)
}

// classifyErrorForLog returns the (type, code) pair attached to request logs
// so 4xx ledger outcomes stay distinguishable without parsing messages.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}

	if vErr := asValidationErrors(err); vErr != nil && len(vErr.Errors) > 0 {
		return "validation_error", vErr.Errors[0].Code
	}
	if isValidationError(err) {
		return "validation_error", err.Error()
	}

	var insufficient *creditdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return "insufficient_credits", "insufficient_credits"
	}

	var denied *capabilitydomain.CapabilityDeniedError
	if errors.As(err, &denied) {
		return "access_denied", string(denied.Reason)
	}

	if isNotFoundError(err) {
		return "not_found", "reservation_not_found"
	}

	var duplicate *creditdomain.DuplicateRequestError
	if errors.As(err, &duplicate) {
		return "conflict", "duplicate_request"
	}
	var invalidStatus *creditdomain.InvalidReservationStatusError
	if errors.As(err, &invalidStatus) {
		return "conflict", "invalid_reservation_status"
	}
	var settled *creditdomain.ReservationSettledError
	if errors.As(err, &settled) {
		return "conflict", "reservation_settled"
	}

	return "internal_error", "internal_error"
}
