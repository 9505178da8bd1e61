package query

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-session/core"
)

const (
	StatusClassNetwork     = "network"
	StatusClassClient      = "4xx"
	StatusClassServer      = "5xx"
	StatusClassAuth        = "auth"
	StatusClassRateLimited = "rate_limited"
	StatusClassCanceled    = "canceled"
	StatusClassUnknown     = "unknown"
)

func queryDependencyError(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.SessionErrorInternal)
}

func queryValidationError(field string, message string) error {
	return goerrors.NewValidation("query: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.SessionErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

// NewQueryError maps a propagated failure to a user-facing summary. Only
// validation messages from the backend are shown verbatim.
func NewQueryError(err error) *QueryError {
	if err == nil {
		return nil
	}
	var existing *QueryError
	if errors.As(err, &existing) && existing != nil {
		copied := *existing
		return &copied
	}

	out := &QueryError{
		Code:      textCode(err),
		Retryable: core.IsRetryable(err),
	}
	switch core.KindOf(err) {
	case core.ErrorKindConnectivity:
		out.Message = "Unable to reach the server. Check your connection and try again."
		out.StatusClass = StatusClassNetwork
	case core.ErrorKindServer:
		out.Message = "The server ran into a problem. Please try again later."
		out.StatusClass = StatusClassServer
	case core.ErrorKindRateLimited:
		out.Message = "Too many requests. Please wait a moment and try again."
		out.StatusClass = StatusClassRateLimited
	case core.ErrorKindCredentialExpired, core.ErrorKindRefreshFailed:
		out.Message = "Your session has expired. Please sign in again."
		out.StatusClass = StatusClassAuth
		out.Retryable = false
	case core.ErrorKindValidation:
		out.Message = validationMessage(err)
		out.StatusClass = StatusClassClient
	case core.ErrorKindCanceled:
		out.Message = "The request was canceled."
		out.StatusClass = StatusClassCanceled
	default:
		out.Message = "Something went wrong. Please try again."
		out.StatusClass = StatusClassUnknown
	}
	return out
}

func textCode(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && strings.TrimSpace(rich.TextCode) != "" {
		return rich.TextCode
	}
	if core.KindOf(err) == core.ErrorKindCanceled {
		return "CANCELED"
	}
	return core.SessionErrorInternal
}

func validationMessage(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		if message := strings.TrimSpace(rich.Message); message != "" {
			return message
		}
	}
	return "The request could not be completed."
}
