package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apierrors "github.com/custodix/remitter/internal/api/shared/errors"
	"github.com/custodix/remitter/internal/domain"
	"github.com/custodix/remitter/internal/logger"
)

// respondBadRequest responds with a bad request error
func respondBadRequest(c *gin.Context, message string, details ...string) {
	c.JSON(http.StatusBadRequest, apierrors.NewBadRequestError(message, details...))
}

// respondNotFound responds with a not found error
func respondNotFound(c *gin.Context, message string, details ...string) {
	c.JSON(http.StatusNotFound, apierrors.NewNotFoundError(message, details...))
}

// respondValidationError responds with a validation error
func respondValidationError(c *gin.Context, message string) {
	c.JSON(http.StatusUnprocessableEntity, apierrors.NewValidationError(message))
}

// respondInternalError responds with an internal server error and logs it
func respondInternalError(c *gin.Context, err error, message string) {
	logger.Error(err, zap.String("path", c.Request.URL.Path))
	c.JSON(http.StatusInternalServerError, apierrors.NewInternalError(message))
}

// respondDomainError maps domain errors onto HTTP statuses and stable error
// codes. Conflicts that resolve with a retry get 409, business blocks that
// need remediation get 422, integrity failures are never softened below 500.
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrPeriodNotFound):
		c.JSON(http.StatusNotFound, apierrors.NewNotFoundError("Period not found"))
	case errors.Is(err, domain.ErrDestinationNotFound):
		c.JSON(http.StatusNotFound, apierrors.NewNotFoundError("Destination not registered for rail"))
	case errors.Is(err, domain.ErrKeyNotFound):
		c.JSON(http.StatusNotFound, apierrors.NewNotFoundError("Signing key not found"))

	case errors.Is(err, domain.ErrInvalidState):
		c.JSON(http.StatusConflict, apierrors.New(apierrors.ErrCodeInvalidState, "Operation not allowed in current period state", err.Error()))
	case errors.Is(err, domain.ErrIdempotencyInProgress):
		c.JSON(http.StatusConflict, apierrors.New(apierrors.ErrCodeIdempotencyInProgress, "Another request with this idempotency key is in progress"))
	case errors.Is(err, domain.ErrReplayDetected):
		c.JSON(http.StatusConflict, apierrors.New(apierrors.ErrCodeReplayDetected, "RPT nonce already presented"))
	case errors.Is(err, domain.ErrTokenConsumed):
		c.JSON(http.StatusConflict, apierrors.New(apierrors.ErrCodeTokenConsumed, "RPT already consumed"))
	case errors.Is(err, domain.ErrDuplicateKey):
		c.JSON(http.StatusConflict, apierrors.New(apierrors.ErrCodeInvalidState, "Duplicate record", err.Error()))

	case errors.Is(err, domain.ErrBlockedAnomaly):
		c.JSON(http.StatusUnprocessableEntity, apierrors.New(apierrors.ErrCodeBlockedAnomaly, "Close blocked: anomaly thresholds exceeded"))
	case errors.Is(err, domain.ErrBlockedDiscrepancy):
		c.JSON(http.StatusUnprocessableEntity, apierrors.New(apierrors.ErrCodeBlockedDiscrepancy, "Close blocked: credited funds disagree with declared liability"))
	case errors.Is(err, domain.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, apierrors.New(apierrors.ErrCodeInsufficientFunds, "Release would overdraw the custodial balance"))

	case errors.Is(err, domain.ErrTokenExpired),
		errors.Is(err, domain.ErrTokenRevoked),
		errors.Is(err, domain.ErrSignatureInvalid),
		errors.Is(err, domain.ErrKeyRevoked),
		errors.Is(err, domain.ErrClaimsMismatch):
		c.JSON(http.StatusUnprocessableEntity, apierrors.New(apierrors.ErrCodeTokenInvalid, "RPT rejected", err.Error()))

	case errors.Is(err, domain.ErrDestinationInvalid),
		errors.Is(err, domain.ErrDestinationNotAllowed):
		c.JSON(http.StatusUnprocessableEntity, apierrors.New(apierrors.ErrCodeDestinationRejected, "Destination rejected", err.Error()))

	case errors.Is(err, domain.ErrChainIntegrity):
		logger.Error(err, zap.String("path", c.Request.URL.Path))
		c.JSON(http.StatusInternalServerError, apierrors.New(apierrors.ErrCodeIntegrityFailure, "Ledger integrity check failed"))

	default:
		respondInternalError(c, err, "Internal server error")
	}
}
