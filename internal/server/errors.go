package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	ownerdomain "github.com/smallbiznis/allotment/internal/owner/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	poolmanagerdomain "github.com/smallbiznis/allotment/internal/poolmanager/domain"
	productdomain "github.com/smallbiznis/allotment/internal/product/domain"
	"github.com/smallbiznis/allotment/internal/rules/bindrules"
	"github.com/smallbiznis/allotment/internal/upstream"
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
	// Reasons lists the rule codes behind a refused bind.
	Reasons []string `json:"reasons,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
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

	var refusal *bindrules.RefusalError
	if errors.As(err, &refusal) {
		codes := refusal.Codes()
		reasons := make([]string, 0, len(codes))
		for _, code := range codes {
			reasons = append(reasons, string(code))
		}
		return http.StatusForbidden, errorPayload{
			Type:    "bind_refused",
			Message: "entitlement refused",
			Reasons: reasons,
		}
	}

	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, ownerdomain.ErrDuplicate),
		errors.Is(err, poolmanagerdomain.ErrRefreshInProgress):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, pooldomain.ErrIllegalState):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "illegal_state",
			Message: err.Error(),
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, upstream.ErrUnavailable),
		errors.Is(err, upstream.ErrBadResponse):
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

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ownerdomain.ErrInvalidKey),
		errors.Is(err, consumerdomain.ErrInvalidName),
		errors.Is(err, consumerdomain.ErrInvalidType),
		errors.Is(err, consumerdomain.ErrOwnerMismatch),
		errors.Is(err, entdomain.ErrInvalidQuantity),
		errors.Is(err, poolmanagerdomain.ErrEmptyBind):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ownerdomain.ErrNotFound),
		errors.Is(err, consumerdomain.ErrNotFound),
		errors.Is(err, pooldomain.ErrNotFound),
		errors.Is(err, entdomain.ErrNotFound),
		errors.Is(err, productdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ownerdomain.ErrInvalidKey):
		return ownerdomain.ErrInvalidKey.Error()
	case errors.Is(err, consumerdomain.ErrInvalidName):
		return consumerdomain.ErrInvalidName.Error()
	case errors.Is(err, consumerdomain.ErrInvalidType):
		return consumerdomain.ErrInvalidType.Error()
	case errors.Is(err, consumerdomain.ErrOwnerMismatch):
		return consumerdomain.ErrOwnerMismatch.Error()
	case errors.Is(err, entdomain.ErrInvalidQuantity):
		return entdomain.ErrInvalidQuantity.Error()
	case errors.Is(err, poolmanagerdomain.ErrEmptyBind):
		return poolmanagerdomain.ErrEmptyBind.Error()
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request", poolmanagerdomain.ErrEmptyBind.Error():
		return "request"
	case ownerdomain.ErrInvalidKey.Error():
		return "key"
	case consumerdomain.ErrInvalidName.Error():
		return "name"
	case consumerdomain.ErrInvalidType.Error():
		return "type"
	case consumerdomain.ErrOwnerMismatch.Error():
		return "host"
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
	case poolmanagerdomain.ErrEmptyBind.Error():
		return "at least one pool is required"
	default:
		return "invalid value"
	}
}
