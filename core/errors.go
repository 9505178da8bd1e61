package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	SessionErrorConnectivity      = "SESSION_CONNECTIVITY"
	SessionErrorServer            = "SESSION_SERVER_ERROR"
	SessionErrorCredentialExpired = "SESSION_CREDENTIAL_EXPIRED"
	SessionErrorRefreshFailed     = "SESSION_REFRESH_FAILED"
	SessionErrorRateLimited       = "SESSION_RATE_LIMITED"
	SessionErrorValidation        = "SESSION_VALIDATION"
	SessionErrorBadInput          = "SESSION_BAD_INPUT"
	SessionErrorNotFound          = "SESSION_NOT_FOUND"
	SessionErrorRefreshInProgress = "SESSION_REFRESH_IN_PROGRESS"
	SessionErrorOperationInFlight = "SESSION_OPERATION_IN_FLIGHT"
	SessionErrorInternal          = "SESSION_INTERNAL_ERROR"
)

const (
	MetadataStatusCode       = "status_code"
	MetadataRetryable        = "retryable"
	MetadataRetryAfterMS     = "retry_after_ms"
	MetadataOperationKey     = "operation_key"
	MetadataReason           = "reason"
	MetadataRenewalAttempted = "renewal_attempted"
)

// ErrorKind is the coarse failure class callers branch on.
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindConnectivity      ErrorKind = "connectivity"
	ErrorKindServer            ErrorKind = "server"
	ErrorKindCredentialExpired ErrorKind = "credential_expired"
	ErrorKindRefreshFailed     ErrorKind = "refresh_failed"
	ErrorKindRateLimited       ErrorKind = "rate_limited"
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindRefreshInProgress ErrorKind = "refresh_in_progress"
	ErrorKindOperationInFlight ErrorKind = "operation_in_flight"
	ErrorKindCanceled          ErrorKind = "canceled"
	ErrorKindInternal          ErrorKind = "internal"
)

func NewConnectivityError(source error, message string) *goerrors.Error {
	if strings.TrimSpace(message) == "" {
		message = "core: backend unreachable"
	}
	return sessionError(source, message, goerrors.CategoryExternal, http.StatusServiceUnavailable, SessionErrorConnectivity).
		WithMetadata(map[string]any{MetadataRetryable: true})
}

func NewServerError(statusCode int, message string) *goerrors.Error {
	if statusCode < http.StatusInternalServerError {
		statusCode = http.StatusInternalServerError
	}
	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("core: backend responded with status %d", statusCode)
	}
	return sessionError(nil, message, goerrors.CategoryExternal, statusCode, SessionErrorServer).
		WithMetadata(map[string]any{
			MetadataStatusCode: statusCode,
			MetadataRetryable:  true,
		})
}

func NewCredentialExpiredError(message string) *goerrors.Error {
	if strings.TrimSpace(message) == "" {
		message = "core: credential expired"
	}
	return sessionError(nil, message, goerrors.CategoryAuth, http.StatusUnauthorized, SessionErrorCredentialExpired).
		WithMetadata(map[string]any{
			MetadataStatusCode: http.StatusUnauthorized,
			MetadataRetryable:  true,
		})
}

// MarkRenewalAttempted returns an expired-credential failure whose renewal has
// already been tried. Retry predicates no longer accept the returned error.
func MarkRenewalAttempted(err error) error {
	if KindOf(err) != ErrorKindCredentialExpired || RenewalAttempted(err) {
		return err
	}
	rich := richError(err)
	marked := NewCredentialExpiredError(rich.Message).
		WithMetadata(map[string]any{
			MetadataRetryable:        false,
			MetadataRenewalAttempted: true,
		})
	marked.Source = rich.Source
	marked.RequestID = rich.RequestID
	return marked
}

// RenewalAttempted reports whether err was returned after a failed renewal.
func RenewalAttempted(err error) bool {
	rich := richError(err)
	if rich == nil || rich.Metadata == nil {
		return false
	}
	attempted, _ := rich.Metadata[MetadataRenewalAttempted].(bool)
	return attempted
}

func NewRefreshFailedError(source error, reason string) *goerrors.Error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "credential refresh failed"
	}
	return sessionError(source, "core: "+reason, goerrors.CategoryAuth, http.StatusUnauthorized, SessionErrorRefreshFailed).
		WithMetadata(map[string]any{
			MetadataRetryable: false,
			MetadataReason:    reason,
		})
}

func NewRateLimitedError(retryAfter time.Duration, message string) *goerrors.Error {
	if strings.TrimSpace(message) == "" {
		message = "core: rate limited"
	}
	metadata := map[string]any{
		MetadataStatusCode: http.StatusTooManyRequests,
		MetadataRetryable:  true,
	}
	if retryAfter > 0 {
		metadata[MetadataRetryAfterMS] = retryAfter.Milliseconds()
	}
	return sessionError(nil, message, goerrors.CategoryRateLimit, http.StatusTooManyRequests, SessionErrorRateLimited).
		WithMetadata(metadata)
}

// NewValidationError keeps the backend message verbatim so it can be shown as-is.
func NewValidationError(statusCode int, message string) *goerrors.Error {
	if statusCode < http.StatusBadRequest || statusCode >= http.StatusInternalServerError {
		statusCode = http.StatusBadRequest
	}
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(statusCode)
	}
	return sessionError(nil, message, goerrors.CategoryValidation, statusCode, SessionErrorValidation).
		WithMetadata(map[string]any{
			MetadataStatusCode: statusCode,
			MetadataRetryable:  false,
		})
}

func newRefreshInProgressError() *goerrors.Error {
	return sessionError(nil, "core: credential refresh already in progress", goerrors.CategoryConflict, http.StatusConflict, SessionErrorRefreshInProgress).
		WithMetadata(map[string]any{MetadataOperationKey: RefreshOperationKey})
}

func newOperationInFlightError(key string) *goerrors.Error {
	return sessionError(nil, fmt.Sprintf("core: operation %q already in flight", key), goerrors.CategoryConflict, http.StatusConflict, SessionErrorOperationInFlight).
		WithMetadata(map[string]any{MetadataOperationKey: key})
}

func newBadInputError(message string) *goerrors.Error {
	return sessionError(nil, message, goerrors.CategoryBadInput, http.StatusBadRequest, SessionErrorBadInput)
}

func newInternalError(message string) *goerrors.Error {
	return sessionError(nil, message, goerrors.CategoryInternal, http.StatusInternalServerError, SessionErrorInternal)
}

func sessionError(source error, message string, category goerrors.Category, code int, textCode string) *goerrors.Error {
	if source != nil {
		// Wrap clones a rich source, so the category is reset explicitly
		err := goerrors.Wrap(source, category, message).
			WithCode(code).
			WithTextCode(textCode)
		err.Category = category
		return err
	}
	return goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
}

// KindOf classifies any error returned by the session layer.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if rich := richError(err); rich == nil || strings.TrimSpace(rich.TextCode) == "" {
			return ErrorKindCanceled
		}
	}
	rich := richError(err)
	if rich == nil {
		return ErrorKindInternal
	}
	switch strings.ToUpper(strings.TrimSpace(rich.TextCode)) {
	case SessionErrorConnectivity:
		return ErrorKindConnectivity
	case SessionErrorServer:
		return ErrorKindServer
	case SessionErrorCredentialExpired:
		return ErrorKindCredentialExpired
	case SessionErrorRefreshFailed:
		return ErrorKindRefreshFailed
	case SessionErrorRateLimited:
		return ErrorKindRateLimited
	case SessionErrorValidation, SessionErrorBadInput:
		return ErrorKindValidation
	case SessionErrorRefreshInProgress:
		return ErrorKindRefreshInProgress
	case SessionErrorOperationInFlight:
		return ErrorKindOperationInFlight
	}
	switch rich.Category {
	case goerrors.CategoryExternal:
		if rich.Code >= http.StatusInternalServerError && rich.Code != http.StatusServiceUnavailable {
			return ErrorKindServer
		}
		return ErrorKindConnectivity
	case goerrors.CategoryRateLimit:
		return ErrorKindRateLimited
	case goerrors.CategoryAuth:
		return ErrorKindCredentialExpired
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return ErrorKindValidation
	default:
		return ErrorKindInternal
	}
}

// IsRetryable reports whether the default retry predicates accept err.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrorKindCredentialExpired:
		return !RenewalAttempted(err)
	case ErrorKindConnectivity, ErrorKindServer, ErrorKindRateLimited:
		return true
	default:
		return false
	}
}

// RetryAfterHint returns the server supplied wait carried by a rate limited error.
func RetryAfterHint(err error) (time.Duration, bool) {
	rich := richError(err)
	if rich == nil || rich.Metadata == nil {
		return 0, false
	}
	switch value := rich.Metadata[MetadataRetryAfterMS].(type) {
	case int64:
		return time.Duration(value) * time.Millisecond, value > 0
	case int:
		return time.Duration(value) * time.Millisecond, value > 0
	case float64:
		return time.Duration(value) * time.Millisecond, value > 0
	}
	return 0, false
}

// StatusCodeOf returns the HTTP status recorded on err, or zero.
func StatusCodeOf(err error) int {
	rich := richError(err)
	if rich == nil {
		return 0
	}
	if rich.Metadata != nil {
		if code, ok := rich.Metadata[MetadataStatusCode].(int); ok {
			return code
		}
	}
	switch KindOf(err) {
	case ErrorKindConnectivity:
		return 0
	}
	return rich.Code
}

func richError(err error) *goerrors.Error {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich
	}
	return nil
}

func sessionErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	if rich := richError(err); rich != nil {
		return ensureSessionErrorEnvelope(rich)
	}
	if errors.Is(err, ErrCredentialNotFound) {
		return ensureSessionErrorEnvelope(goerrors.Wrap(err, goerrors.CategoryNotFound, err.Error()))
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "already in flight"):
		return newOperationInFlightError("")
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return NewRateLimitedError(0, err.Error())
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newBadInputError(err.Error())
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureSessionErrorEnvelope(mapped)
}

func ensureSessionErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = sessionHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultSessionTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultSessionTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput:
		return SessionErrorBadInput
	case goerrors.CategoryValidation:
		return SessionErrorValidation
	case goerrors.CategoryNotFound:
		return SessionErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return SessionErrorCredentialExpired
	case goerrors.CategoryConflict:
		return SessionErrorOperationInFlight
	case goerrors.CategoryRateLimit:
		return SessionErrorRateLimited
	case goerrors.CategoryExternal:
		return SessionErrorConnectivity
	default:
		return SessionErrorInternal
	}
}

func sessionHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
