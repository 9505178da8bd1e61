package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-session/core"
)

func TestRESTAdapter_ClassifiesResponseStatus(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		kind    core.ErrorKind
		message string
	}{
		{name: "ok", status: http.StatusOK, body: `{"count":0}`, kind: core.ErrorKindNone},
		{name: "unauthorized", status: http.StatusUnauthorized, kind: core.ErrorKindCredentialExpired},
		{name: "rate limited", status: http.StatusTooManyRequests, kind: core.ErrorKindRateLimited},
		{name: "server", status: http.StatusBadGateway, kind: core.ErrorKindServer},
		{name: "validation detail", status: http.StatusBadRequest, body: `{"detail":"Page size too large."}`, kind: core.ErrorKindValidation, message: "Page size too large."},
		{name: "validation fields", status: http.StatusUnprocessableEntity, body: `{"name":["This field is required."]}`, kind: core.ErrorKindValidation, message: "name: This field is required."},
		{name: "validation text", status: http.StatusNotFound, body: "no such resource", kind: core.ErrorKindValidation, message: "no such resource"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			res, err := NewRESTAdapter(server.Client(), server.URL).Do(context.Background(), Request{Path: "/resource"})
			if got := core.KindOf(err); got != tc.kind {
				t.Fatalf("expected kind %q, got %q (%v)", tc.kind, got, err)
			}
			if res.StatusCode != tc.status {
				t.Fatalf("expected raw status %d alongside the error, got %d", tc.status, res.StatusCode)
			}
			if tc.message != "" {
				var rich *goerrors.Error
				if !goerrors.As(err, &rich) {
					t.Fatalf("expected go-errors envelope, got %T", err)
				}
				if rich.Message != tc.message {
					t.Fatalf("expected verbatim message %q, got %q", tc.message, rich.Message)
				}
				if got := core.StatusCodeOf(err); got != tc.status {
					t.Fatalf("expected status code %d on error, got %d", tc.status, got)
				}
			}
		})
	}
}

func TestClassifyResponse_RateLimitedCarriesRetryAfter(t *testing.T) {
	err := ClassifyResponse(Response{
		StatusCode: http.StatusTooManyRequests,
		Headers:    map[string]string{"Retry-After": "7"},
	}, time.Now())
	hint, ok := core.RetryAfterHint(err)
	if !ok || hint != 7*time.Second {
		t.Fatalf("expected 7s retry-after hint, got %v (ok=%t)", hint, ok)
	}
	if !core.IsRetryable(err) {
		t.Fatalf("expected rate limited error to be retryable")
	}
}

func TestValidationMessage_FallsBackToStatusText(t *testing.T) {
	if got := ValidationMessage(nil, http.StatusForbidden); got != http.StatusText(http.StatusForbidden) {
		t.Fatalf("expected status text fallback, got %q", got)
	}
}
