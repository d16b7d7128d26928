package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/paysync/internal/authorization"
	feedomain "github.com/smallbiznis/paysync/internal/fees/domain"
	idempotencydomain "github.com/smallbiznis/paysync/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/paysync/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/paysync/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/paysync/internal/subscription/domain"
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

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

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

// bindError converts a gin binding failure into field level validation errors.
func bindError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return invalidRequestError()
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: bindErrorMessage(fe),
		})
	}
	return &ValidationErrors{Errors: out}
}

func bindErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "gt", "gte", "min":
		return fe.Field() + " must be at least " + fe.Param()
	case "lte", "max":
		return fe.Field() + " must be at most " + fe.Param()
	case "len":
		return fe.Field() + " must have length " + fe.Param()
	case "oneof":
		return fe.Field() + " must be one of " + fe.Param()
	default:
		return "invalid value"
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
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case isForbiddenError(err):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, paymentdomain.ErrProviderUnavailable),
		errors.Is(err, feedomain.ErrFeeNotConfigured):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog reports the response type and code for request logs.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationSentinels = []error{
	ErrInvalidRequest,
	paymentdomain.ErrInvalidUser,
	paymentdomain.ErrInvalidAmount,
	paymentdomain.ErrInvalidCurrency,
	paymentdomain.ErrInvalidPriceRef,
	paymentdomain.ErrInvalidPaymentRef,
	paymentdomain.ErrUnknownPackage,
	paymentdomain.ErrInvalidPayload,
	paymentdomain.ErrInvalidSignature,
	paymentdomain.ErrInvalidProvider,
	ledgerdomain.ErrInvalidUser,
	ledgerdomain.ErrInvalidAmount,
	ledgerdomain.ErrInvalidTransactionType,
	idempotencydomain.ErrInvalidUser,
	idempotencydomain.ErrInvalidOperation,
	idempotencydomain.ErrInvalidAmount,
	idempotencydomain.ErrInvalidKey,
	idempotencydomain.ErrInvalidMaxAge,
	feedomain.ErrInvalidPayer,
	feedomain.ErrInvalidSubject,
	feedomain.ErrInvalidFeeType,
	subscriptiondomain.ErrInvalidSubscriptionID,
	subscriptiondomain.ErrInvalidUser,
	subscriptiondomain.ErrInvalidStatus,
	subscriptiondomain.ErrInvalidAmount,
}

func matchValidationSentinel(err error) error {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

func isValidationError(err error) bool {
	return matchValidationSentinel(err) != nil
}

func isForbiddenError(err error) bool {
	switch {
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, idempotencydomain.ErrForbidden),
		errors.Is(err, paymentdomain.ErrPaymentUserMismatch):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, idempotencydomain.ErrIdempotencyKeyConflict),
		errors.Is(err, idempotencydomain.ErrRecordCompleted),
		errors.Is(err, paymentdomain.ErrPaymentRefMismatch),
		errors.Is(err, paymentdomain.ErrPurchaseCompleted):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, idempotencydomain.ErrIdempotencyKeyConflict):
		return "idempotency key reused with different parameters"
	case errors.Is(err, paymentdomain.ErrPaymentRefMismatch):
		return "payment reference does not match the original request"
	case errors.Is(err, paymentdomain.ErrPurchaseCompleted),
		errors.Is(err, idempotencydomain.ErrRecordCompleted):
		return "purchase already completed"
	default:
		return "conflict"
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, idempotencydomain.ErrRecordNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if sentinel := matchValidationSentinel(err); sentinel != nil {
		return sentinel.Error()
	}
	return "invalid_request"
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "unknown_package":
		return "package_id"
	case "invalid_idempotency_key":
		return "idempotency_key"
	case "invalid_max_age":
		return "maxAgeHours"
	case "invalid_payment_ref":
		return "external_payment_ref"
	case "invalid_payer", "invalid_user":
		return "user_id"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "invalid_max_age":
		return "maxAgeHours must be between 1 and 168"
	case "unknown_package":
		return "unknown credit package"
	case "invalid_signature":
		return "webhook signature verification failed"
	default:
		return "invalid value"
	}
}
