package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-session/core"
	"github.com/goliatone/go-session/transport"
)

type ClientOption func(*Client)

func WithLogger(logger core.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetricsRecorder(metrics core.MetricsRecorder) ClientOption {
	return func(c *Client) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// Client talks to the login and refresh endpoints. It sends through a plain
// executor, never through the credential pipeline, so a rejected refresh can
// not trigger another refresh.
type Client struct {
	executor    transport.Executor
	loginPath   string
	refreshPath string
	logger      core.Logger
	metrics     core.MetricsRecorder
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshPayload struct {
	Refresh string `json:"refresh"`
}

type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func NewClient(executor transport.Executor, endpoints core.EndpointsConfig, opts ...ClientOption) (*Client, error) {
	if executor == nil {
		return nil, authError("auth: client requires an executor", goerrors.CategoryInternal, http.StatusInternalServerError, core.SessionErrorInternal)
	}
	client := &Client{
		executor:    executor,
		loginPath:   firstNonEmpty(endpoints.Login, core.DefaultLoginEndpoint),
		refreshPath: firstNonEmpty(endpoints.Refresh, core.DefaultRefreshEndpoint),
		metrics:     core.NopMetricsRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Login exchanges username and password for a credential pair. Rejected
// credentials surface the backend message as a validation error.
func (c *Client) Login(ctx context.Context, username, password string) (core.Credential, error) {
	if c == nil {
		return core.Credential{}, authError("auth: client is nil", goerrors.CategoryInternal, http.StatusInternalServerError, core.SessionErrorInternal)
	}
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return core.Credential{}, goerrors.NewValidation("auth: username and password are required",
			goerrors.FieldError{Field: "username", Message: "required"},
			goerrors.FieldError{Field: "password", Message: "required"},
		).WithCode(http.StatusBadRequest).WithTextCode(core.SessionErrorBadInput)
	}
	startedAt := time.Now()
	credential, res, err := c.exchange(ctx, c.loginPath, loginPayload{Username: username, Password: password})
	if err != nil && core.KindOf(err) == core.ErrorKindCredentialExpired {
		err = core.NewValidationError(http.StatusUnauthorized, transport.ValidationMessage(res.Body, http.StatusUnauthorized))
	}
	c.observe(ctx, "login", startedAt, err)
	return credential, err
}

// RefreshToken exchanges a refresh token for a new pair. A 400, 401 or 403
// means the refresh token itself is unusable and is reported as a terminal
// refresh failure; connectivity and server errors stay retryable.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (core.Credential, error) {
	if c == nil {
		return core.Credential{}, authError("auth: client is nil", goerrors.CategoryInternal, http.StatusInternalServerError, core.SessionErrorInternal)
	}
	if strings.TrimSpace(refreshToken) == "" {
		return core.Credential{}, core.NewRefreshFailedError(nil, "no refresh token available")
	}
	startedAt := time.Now()
	credential, _, err := c.exchange(ctx, c.refreshPath, refreshPayload{Refresh: refreshToken})
	if err != nil {
		switch core.StatusCodeOf(err) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			err = core.NewRefreshFailedError(err, "refresh token rejected")
		}
	}
	c.observe(ctx, "refresh", startedAt, err)
	return credential, err
}

// exchange posts payload to path. The response is returned on failure too so
// callers can read the backend message.
func (c *Client) exchange(ctx context.Context, path string, payload any) (core.Credential, transport.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return core.Credential{}, transport.Response{}, goerrors.Wrap(err, goerrors.CategoryInternal, "auth: encode request").
			WithCode(http.StatusInternalServerError).
			WithTextCode(core.SessionErrorInternal)
	}
	res, err := c.executor.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   body,
	})
	if err != nil {
		return core.Credential{}, res, err
	}
	var decoded tokenResponse
	if err := json.Unmarshal(res.Body, &decoded); err != nil {
		return core.Credential{}, res, core.NewServerError(http.StatusBadGateway, "auth: malformed token response")
	}
	credential := core.Credential{
		AccessToken:  strings.TrimSpace(decoded.Access),
		RefreshToken: strings.TrimSpace(decoded.Refresh),
	}
	if credential.AccessToken == "" {
		return core.Credential{}, res, core.NewServerError(http.StatusBadGateway, "auth: token response missing access token")
	}
	return credential, res, nil
}

func (c *Client) observe(ctx context.Context, operation string, startedAt time.Time, err error) {
	core.RecordOutcome(ctx, c.metrics, core.MetricAuthPrefix+operation, startedAt, core.OutcomeTags(err))
	if c.logger == nil {
		return
	}
	if err != nil {
		c.logger.WithContext(ctx).Warn("auth "+operation+" failed", "error", err.Error(), "error_kind", string(core.KindOf(err)))
		return
	}
	c.logger.WithContext(ctx).Debug("auth "+operation+" succeeded", "duration_ms", time.Since(startedAt).Milliseconds())
}

func authError(message string, category goerrors.Category, code int, textCode string) error {
	return goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var _ core.TokenRefresher = (*Client)(nil)
