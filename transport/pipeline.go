package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-session/core"
	"github.com/goliatone/go-session/ratelimit"
	"github.com/google/uuid"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderRequestID     = "X-Request-ID"
)

// EventBus is the slice of the session bus the pipeline needs.
type EventBus interface {
	core.EventPublisher
	core.EventSubscriber
}

type PipelineDeps struct {
	Executor  Executor
	Store     core.CredentialStore
	Refresher core.Refresher
	Events    EventBus
	RateLimit core.RateLimitPolicy
	Logger    core.Logger
	Metrics   core.MetricsRecorder
}

type PipelineOption func(*Pipeline)

// WithAuthEndpoints marks paths that never carry a bearer token and are never
// replayed after a 401.
func WithAuthEndpoints(paths ...string) PipelineOption {
	return func(p *Pipeline) {
		for _, path := range paths {
			if normalized := normalizePath(path); normalized != "" {
				p.authEndpoints[normalized] = struct{}{}
			}
		}
	}
}

func WithRefreshWaitTimeout(timeout time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if timeout > 0 {
			p.waitTimeout = timeout
		}
	}
}

// WithProactiveRefresh renews JWT access tokens whose expiry falls inside lead.
func WithProactiveRefresh(lead time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.proactive = true
		if lead > 0 {
			p.leadWindow = lead
		}
	}
}

// WithRefreshScheduler hands proactive renewals to schedule instead of
// renewing inline. The request still goes out with the current token.
func WithRefreshScheduler(schedule func(ctx context.Context, staleAccessToken string) error) PipelineOption {
	return func(p *Pipeline) {
		p.schedule = schedule
	}
}

func WithRequestIDGenerator(fn func() string) PipelineOption {
	return func(p *Pipeline) {
		if fn != nil {
			p.requestID = fn
		}
	}
}

func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline attaches the stored credential to outgoing calls and recovers
// from an expired credential by renewing once and replaying the call.
type Pipeline struct {
	executor      Executor
	store         core.CredentialStore
	refresher     core.Refresher
	events        EventBus
	rateLimit     core.RateLimitPolicy
	logger        core.Logger
	metrics       core.MetricsRecorder
	authEndpoints map[string]struct{}
	waitTimeout   time.Duration
	proactive     bool
	leadWindow    time.Duration
	schedule      func(ctx context.Context, staleAccessToken string) error
	requestID     func() string
	now           func() time.Time
}

// pendingRequest tracks the single replay allowed per call.
type pendingRequest struct {
	request Request
	retried bool
}

func NewPipeline(deps PipelineDeps, opts ...PipelineOption) (*Pipeline, error) {
	if deps.Executor == nil {
		return nil, pipelineError("transport: pipeline requires an executor")
	}
	if deps.Store == nil {
		return nil, pipelineError("transport: pipeline requires a credential store")
	}
	if deps.Metrics == nil {
		deps.Metrics = core.NopMetricsRecorder{}
	}
	p := &Pipeline{
		executor:      deps.Executor,
		store:         deps.Store,
		refresher:     deps.Refresher,
		events:        deps.Events,
		rateLimit:     deps.RateLimit,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		authEndpoints: map[string]struct{}{},
		waitTimeout:   core.DefaultRefreshWaitTimeout,
		leadWindow:    core.DefaultCredentialRefreshLeadWindow,
		requestID:     uuid.NewString,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func (p *Pipeline) Do(ctx context.Context, req Request) (Response, error) {
	if p == nil {
		return Response{}, pipelineError("transport: pipeline is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	startedAt := time.Now()
	pending := &pendingRequest{request: req.clone()}
	if pending.request.Headers == nil {
		pending.request.Headers = map[string]string{}
	}
	if headerValue(pending.request.Headers, HeaderRequestID) == "" {
		pending.request.Headers[HeaderRequestID] = p.requestID()
	}

	res, err := p.do(ctx, pending)
	p.observe(ctx, startedAt, pending, res, err)
	return res, err
}

func (p *Pipeline) do(ctx context.Context, pending *pendingRequest) (Response, error) {
	key := ratelimit.KeyForPath(pending.request.Path)
	if p.rateLimit != nil {
		if err := p.rateLimit.BeforeCall(ctx, key); err != nil {
			var throttled ratelimit.ThrottledError
			if errors.As(err, &throttled) {
				return Response{}, throttled.ToSessionError()
			}
			return Response{}, err
		}
	}

	exempt := p.isAuthEndpoint(pending.request.Path)
	if !exempt && p.proactive {
		if err := p.refreshAhead(ctx); err != nil {
			return Response{}, err
		}
	}

	res, sent, err := p.send(ctx, key, pending.request, exempt, "")
	if err == nil || exempt || pending.retried || core.KindOf(err) != core.ErrorKindCredentialExpired {
		return res, err
	}

	pending.retried = true
	token, renewErr := p.renew(ctx, sent)
	if renewErr != nil {
		p.logWarn(ctx, "credential renewal failed, request not replayed", pending, renewErr)
		if p.events != nil {
			p.events.Emit(ctx, core.AuthErrorEvent(renewErr))
		}
		return res, core.MarkRenewalAttempted(err)
	}
	replayed, _, replayErr := p.send(ctx, key, pending.request, false, token)
	return replayed, core.MarkRenewalAttempted(replayErr)
}

func (p *Pipeline) send(ctx context.Context, key core.RateLimitKey, req Request, exempt bool, token string) (Response, string, error) {
	out := req.clone()
	if !exempt && token == "" {
		credential, found, err := core.LoadCredential(ctx, p.store)
		if err != nil {
			return Response{}, "", err
		}
		if found {
			token = strings.TrimSpace(credential.AccessToken)
		}
	}
	if !exempt && token != "" {
		out.Headers[HeaderAuthorization] = "Bearer " + token
	}

	res, err := p.executor.Do(ctx, out)
	if p.rateLimit != nil && res.StatusCode != 0 {
		meta := core.ResponseMeta{StatusCode: res.StatusCode, Headers: res.Headers}
		if hint, ok := core.RetryAfterHint(err); ok {
			meta.RetryAfter = &hint
		}
		if afterErr := p.rateLimit.AfterCall(ctx, key, meta); afterErr != nil {
			p.logWarn(ctx, "rate limit state update failed", &pendingRequest{request: req}, afterErr)
		}
	}
	return res, token, err
}

// renew obtains an access token newer than stale. Callers that lose the race
// for the refresh key wait for the leader's outcome on the event bus.
func (p *Pipeline) renew(ctx context.Context, stale string) (string, error) {
	waiter := core.NewEventWaiter(p.events, core.EventTokenRefreshed, core.EventForceLogout)
	defer waiter.Close()

	current, found, err := core.LoadCredential(ctx, p.store)
	if err != nil {
		return "", err
	}
	if !found {
		return "", core.NewRefreshFailedError(nil, "no credential stored")
	}
	if current.AccessToken != "" && current.AccessToken != stale {
		return current.AccessToken, nil
	}
	if p.refresher == nil {
		return "", core.NewRefreshFailedError(nil, "token refresher is not configured")
	}

	credential, err := p.refresher.RefreshIfStale(ctx, stale)
	if err == nil {
		return credential.AccessToken, nil
	}
	if core.KindOf(err) != core.ErrorKindRefreshInProgress || p.events == nil {
		return "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.waitTimeout)
	defer cancel()
	event, err := waiter.Wait(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", core.NewConnectivityError(err, "transport: timed out waiting for credential refresh")
	}
	if event.Type == core.EventTokenRefreshed && event.Credential.AccessToken != "" {
		return event.Credential.AccessToken, nil
	}
	reason := strings.TrimSpace(event.Reason)
	if reason == "" {
		reason = "refresh failed"
	}
	return "", core.NewRefreshFailedError(nil, reason)
}

// refreshAhead renews a JWT access token that is about to expire. Only a
// terminal refresh failure stops the call; anything else lets the request go
// out and the 401 path take over.
func (p *Pipeline) refreshAhead(ctx context.Context) error {
	credential, found, err := core.LoadCredential(ctx, p.store)
	if err != nil || !found {
		return nil
	}
	now := p.now()
	state := core.ResolveCredentialTokenState(now, credential, core.DefaultCredentialExpiringSoonWindow)
	if !core.ShouldRefreshCredential(now, state, p.leadWindow) {
		return nil
	}
	if p.schedule != nil {
		if err := p.schedule(ctx, credential.AccessToken); err != nil {
			p.logWarn(ctx, "scheduling proactive credential refresh failed", nil, err)
		}
		return nil
	}
	if _, err := p.renew(ctx, credential.AccessToken); err != nil {
		if core.KindOf(err) == core.ErrorKindRefreshFailed {
			return err
		}
		p.logWarn(ctx, "proactive credential refresh skipped", nil, err)
	}
	return nil
}

func (p *Pipeline) isAuthEndpoint(path string) bool {
	_, ok := p.authEndpoints[normalizePath(path)]
	return ok
}

func (p *Pipeline) observe(ctx context.Context, startedAt time.Time, pending *pendingRequest, res Response, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	tags := map[string]string{
		"status":   status,
		"method":   strings.ToUpper(strings.TrimSpace(pending.request.Method)),
		"endpoint": normalizePath(pending.request.Path),
	}
	if err != nil {
		tags["error_kind"] = string(core.KindOf(err))
	}
	if pending.retried {
		tags["replayed"] = "true"
	}
	core.RecordOutcome(ctx, p.metrics, core.MetricRequest, startedAt, tags)
	if p.logger == nil {
		return
	}
	fields := []any{
		"method", tags["method"],
		"endpoint", tags["endpoint"],
		"status_code", res.StatusCode,
		"request_id", pending.request.Headers[HeaderRequestID],
		"replayed", pending.retried,
		"duration_ms", time.Since(startedAt).Milliseconds(),
	}
	if err != nil {
		p.logger.WithContext(ctx).Debug("request failed", append(fields, "error", err.Error())...)
		return
	}
	p.logger.WithContext(ctx).Debug("request completed", fields...)
}

func (p *Pipeline) logWarn(ctx context.Context, message string, pending *pendingRequest, err error) {
	if p.logger == nil {
		return
	}
	fields := []any{"error", err.Error()}
	if pending != nil {
		fields = append(fields, "endpoint", normalizePath(pending.request.Path))
	}
	p.logger.WithContext(ctx).Warn(message, fields...)
}

func pipelineError(message string) error {
	return transportError(message, goerrors.CategoryInternal, http.StatusInternalServerError, map[string]any{"component": "pipeline"})
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if index := strings.Index(path, "://"); index >= 0 {
		rest := path[index+3:]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			path = rest[slash:]
		} else {
			path = "/"
		}
	}
	if index := strings.IndexAny(path, "?#"); index >= 0 {
		path = path[:index]
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.ToLower(path)
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

var _ Executor = (*Pipeline)(nil)
