package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	costdomain "github.com/smallbiznis/chatledger/internal/cost/domain"
	interactiondomain "github.com/smallbiznis/chatledger/internal/interaction/domain"
	kvdomain "github.com/smallbiznis/chatledger/internal/kvstore/domain"
	quotadomain "github.com/smallbiznis/chatledger/internal/quota/domain"
	sessiondomain "github.com/smallbiznis/chatledger/internal/session/domain"
	usagedomain "github.com/smallbiznis/chatledger/internal/usage/domain"
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
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Errors    []ValidationError `json:"errors,omitempty"`
	Dimension string            `json:"dimension,omitempty"`
	Usage     *int64            `json:"usage,omitempty"`
	Limit     *int64            `json:"limit,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
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

	var exceeded *quotadomain.ExceededError
	if errors.As(err, &exceeded) {
		usage, limit := exceeded.Usage, exceeded.Limit
		return http.StatusTooManyRequests, errorPayload{
			Type:      "quota_exceeded",
			Message:   "usage limit reached for this subscription tier",
			Dimension: exceeded.Dimension,
			Usage:     &usage,
			Limit:     &limit,
		}
	}

	if code, ok := validationErrorCode(err); ok {
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
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, quotadomain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "usage limit reached for this subscription tier",
		}
	case errors.Is(err, interactiondomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "resource already exists",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, interactiondomain.ErrAgentFailed):
		return http.StatusBadGateway, errorPayload{
			Type:    "agent_failed",
			Message: "agent call failed",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, kvdomain.ErrStoreUnavailable):
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

// classifyErrorForLog returns the error type and code attached to request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if status >= http.StatusInternalServerError {
		return "server_error", code
	}
	return "client_error", code
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
	sessiondomain.ErrInvalidTenant,
	sessiondomain.ErrInvalidUser,
	sessiondomain.ErrInvalidSessionID,
	sessiondomain.ErrInvalidRole,
	sessiondomain.ErrEmptyContent,
	sessiondomain.ErrImmutableField,
	sessiondomain.ErrInvalidStatus,
	sessiondomain.ErrSerialization,
	quotadomain.ErrInvalidTenant,
	quotadomain.ErrUnknownTier,
	usagedomain.ErrInvalidTenant,
	usagedomain.ErrInvalidUser,
	usagedomain.ErrInvalidSession,
	usagedomain.ErrInvalidTokens,
	usagedomain.ErrInvalidCost,
	usagedomain.ErrInvalidMetricType,
	usagedomain.ErrInvalidRange,
	costdomain.ErrInvalidPeriod,
	interactiondomain.ErrMissingSession,
	kvdomain.ErrInvalidKey,
}

func validationErrorCode(err error) (string, bool) {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error(), true
		}
	}
	return "", false
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, sessiondomain.ErrSessionExists),
		errors.Is(err, sessiondomain.ErrMessageIDTaken),
		errors.Is(err, kvdomain.ErrAlreadyExists):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, sessiondomain.ErrSessionNotFound),
		errors.Is(err, quotadomain.ErrCounterNotFound),
		errors.Is(err, kvdomain.ErrNotFound):
		return true
	default:
		return false
	}
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "unknown_tier":
		return "tier"
	case "empty_content":
		return "content"
	case "missing_session":
		return "session_id"
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
	case "unknown_tier":
		return "unknown subscription tier"
	default:
		return "invalid value"
	}
}
