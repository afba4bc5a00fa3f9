package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"beanbrain/internal/ledger"
	"beanbrain/internal/recurrence"
	"beanbrain/internal/services"
)

// ErrorResponse is the error body shared by all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// SuccessResponse wraps simple confirmation payloads.
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// respondError maps domain errors onto HTTP statuses. Anything the caller
// could fix is a 4xx; lock contention is 503 so clients know to retry.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	var (
		validationErr *services.ValidationError
		recurrenceErr *recurrence.ValidationError
		missingErr    *services.MissingFieldError
		parseErr      *ledger.ParseError
		lockErr       *ledger.LockError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Message: validationErr.Error(),
		})
	case errors.As(err, &recurrenceErr):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid recurrence",
			Message: recurrenceErr.Error(),
		})
	case errors.As(err, &missingErr):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Missing field",
			Message: missingErr.Error(),
		})
	case errors.As(err, &parseErr):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "Transaction rejected",
			Message: parseErr.Error(),
		})
	case errors.As(err, &lockErr):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "Ledger busy",
			Message: lockErr.Error(),
		})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Not found",
			Message: err.Error(),
		})
	default:
		logger.Errorf("Unhandled error: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Internal error",
			Message: err.Error(),
		})
	}
}
