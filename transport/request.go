package transport

import (
	"context"
	"strings"
	"time"
)

// Request is one call against the backend. Path is resolved against the
// executor base URL unless it is already absolute.
type Request struct {
	Method               string
	Path                 string
	Headers              map[string]string
	Query                map[string]string
	Body                 []byte
	Timeout              time.Duration
	MaxResponseBodyBytes int64
	Metadata             map[string]any
}

type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

// Header returns the first header value matching key case-insensitively.
func (r Response) Header(key string) string {
	for existing, value := range r.Headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// Executor sends a request without any credential handling. Every non-2xx
// status is returned as a classified error next to the raw response.
type Executor interface {
	Do(ctx context.Context, req Request) (Response, error)
}

func (r Request) clone() Request {
	out := r
	out.Headers = cloneStrings(r.Headers)
	out.Query = cloneStrings(r.Query)
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for key, value := range r.Metadata {
			out.Metadata[key] = value
		}
	}
	return out
}

func cloneStrings(input map[string]string) map[string]string {
	if input == nil {
		return nil
	}
	out := make(map[string]string, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
