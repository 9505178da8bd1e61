package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-session/core"
	"github.com/goliatone/go-session/ratelimit"
)

const maxValidationMessageLength = 512

// ClassifyResponse maps a response status to the session error taxonomy.
// 2xx yields nil.
func ClassifyResponse(res Response, now time.Time) error {
	status := res.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return core.NewCredentialExpiredError("transport: credential rejected by server")
	case status == http.StatusTooManyRequests:
		retryAfter, _ := ratelimit.RetryAfter(core.ResponseMeta{StatusCode: status, Headers: res.Headers}, now)
		return core.NewRateLimitedError(retryAfter, "transport: rate limited by server")
	case status >= 500:
		return core.NewServerError(status, fmt.Sprintf("transport: server error %d", status))
	default:
		return core.NewValidationError(status, ValidationMessage(res.Body, status))
	}
}

// ValidationMessage extracts the user-facing message from a 4xx body.
// Structured bodies are searched for the usual detail keys before the raw
// text is used.
func ValidationMessage(body []byte, status int) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return http.StatusText(status)
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err == nil {
		if message := messageFromPayload(payload); message != "" {
			return truncate(message)
		}
	}
	return truncate(trimmed)
}

func messageFromPayload(payload any) string {
	switch value := payload.(type) {
	case string:
		return strings.TrimSpace(value)
	case []any:
		parts := make([]string, 0, len(value))
		for _, item := range value {
			if message := messageFromPayload(item); message != "" {
				parts = append(parts, message)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		for _, key := range []string{"detail", "message", "error", "non_field_errors"} {
			if nested, ok := value[key]; ok {
				if message := messageFromPayload(nested); message != "" {
					return message
				}
			}
		}
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			if message := messageFromPayload(value[key]); message != "" {
				parts = append(parts, key+": "+message)
			}
		}
		return strings.Join(parts, "; ")
	default:
		return ""
	}
}

func truncate(message string) string {
	if len(message) <= maxValidationMessageLength {
		return message
	}
	return message[:maxValidationMessageLength]
}
