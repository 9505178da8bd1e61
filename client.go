package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-session/adapters/gojob"
	"github.com/goliatone/go-session/auth"
	"github.com/goliatone/go-session/core"
	"github.com/goliatone/go-session/query"
	"github.com/goliatone/go-session/ratelimit"
	"github.com/goliatone/go-session/transport"
)

type ClientOption func(*clientOptions)

type clientOptions struct {
	runtimeOpts    []core.Option
	httpClient     transport.HTTPDoer
	executor       transport.Executor
	rateLimitStore ratelimit.StateStore
	pipelineOpts   []transport.PipelineOption
	refreshQueue   queue.Enqueuer
}

// WithRuntimeOptions forwards options to the shared runtime.
func WithRuntimeOptions(opts ...core.Option) ClientOption {
	return func(o *clientOptions) {
		o.runtimeOpts = append(o.runtimeOpts, opts...)
	}
}

func WithHTTPClient(client transport.HTTPDoer) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// WithExecutor replaces the REST adapter used for every outgoing call.
func WithExecutor(executor transport.Executor) ClientOption {
	return func(o *clientOptions) {
		o.executor = executor
	}
}

// WithRateLimitStore enables throttle memory per endpoint bucket.
func WithRateLimitStore(store ratelimit.StateStore) ClientOption {
	return func(o *clientOptions) {
		o.rateLimitStore = store
	}
}

// WithRefreshQueue moves proactive renewals onto a go-job queue. Workers
// settle them with the handler from Client.RefreshJobHandler.
func WithRefreshQueue(enqueuer queue.Enqueuer) ClientOption {
	return func(o *clientOptions) {
		o.refreshQueue = enqueuer
	}
}

func WithPipelineOptions(opts ...transport.PipelineOption) ClientOption {
	return func(o *clientOptions) {
		o.pipelineOpts = append(o.pipelineOpts, opts...)
	}
}

// Client is the assembled session core: one runtime, one refresh
// coordinator, one event bus and the request pipeline built on them.
type Client struct {
	runtime  *core.Runtime
	auth     *auth.Client
	executor transport.Executor
	pipeline *transport.Pipeline

	facadeOnce sync.Once
	facade     *Facade
}

// tokenRefresherProxy lets the runtime be built before the auth client,
// whose executor needs the resolved base URL.
type tokenRefresherProxy struct {
	target core.TokenRefresher
}

func (p *tokenRefresherProxy) RefreshToken(ctx context.Context, refreshToken string) (core.Credential, error) {
	if p.target == nil {
		return core.Credential{}, core.NewRefreshFailedError(nil, "token refresher is not configured")
	}
	return p.target.RefreshToken(ctx, refreshToken)
}

func New(cfg Config, opts ...ClientOption) (*Client, error) {
	options := clientOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	proxy := &tokenRefresherProxy{}
	runtimeOpts := append([]core.Option{core.WithTokenRefresher(proxy)}, options.runtimeOpts...)
	runtime, err := core.NewRuntime(cfg, runtimeOpts...)
	if err != nil {
		return nil, err
	}
	resolved := runtime.Config()

	executor := options.executor
	if executor == nil {
		httpClient := options.httpClient
		if httpClient == nil {
			httpClient = transport.NewHTTPClient(resolved.RequestTimeout)
		}
		rest := transport.NewRESTAdapter(httpClient, resolved.BaseURL)
		if resolved.RequestTimeout > 0 {
			rest.Timeout = resolved.RequestTimeout
		}
		executor = rest
	}

	authClient, err := auth.NewClient(executor, resolved.Endpoints,
		auth.WithLogger(runtime.NamedLogger("auth")),
		auth.WithMetricsRecorder(runtime.MetricsRecorder()),
	)
	if err != nil {
		return nil, err
	}
	proxy.target = authClient

	deps := transport.PipelineDeps{
		Executor:  executor,
		Store:     runtime.CredentialStore(),
		Refresher: runtime,
		Events:    runtime.Events(),
		Logger:    runtime.NamedLogger("pipeline"),
		Metrics:   runtime.MetricsRecorder(),
	}
	if options.rateLimitStore != nil {
		deps.RateLimit = ratelimit.NewAdaptivePolicy(options.rateLimitStore)
	}
	pipelineOpts := []transport.PipelineOption{
		transport.WithAuthEndpoints(resolved.AuthEndpoints()...),
		transport.WithRefreshWaitTimeout(resolved.Refresh.WaitTimeout),
	}
	if resolved.Refresh.Proactive {
		pipelineOpts = append(pipelineOpts, transport.WithProactiveRefresh(resolved.Refresh.LeadWindow))
	}
	if options.refreshQueue != nil {
		enqueuer := gojob.NewEnqueuerAdapter(options.refreshQueue)
		pipelineOpts = append(pipelineOpts, transport.WithRefreshScheduler(func(ctx context.Context, stale string) error {
			return enqueuer.Enqueue(ctx, gojob.NewRefreshMessage(stale))
		}))
	}
	pipeline, err := transport.NewPipeline(deps, append(pipelineOpts, options.pipelineOpts...)...)
	if err != nil {
		return nil, err
	}

	return &Client{
		runtime:  runtime,
		auth:     authClient,
		executor: executor,
		pipeline: pipeline,
	}, nil
}

func (c *Client) Runtime() *core.Runtime {
	if c == nil {
		return nil
	}
	return c.runtime
}

func (c *Client) Config() Config {
	return c.Runtime().Config()
}

// Pipeline exposes the credentialed executor for callers building their own
// fetchers.
func (c *Client) Pipeline() *transport.Pipeline {
	if c == nil {
		return nil
	}
	return c.pipeline
}

// Login exchanges username and password for a pair and stores it.
func (c *Client) Login(ctx context.Context, username, password string) (core.Credential, error) {
	if c == nil {
		return core.Credential{}, fmt.Errorf("session: client is nil")
	}
	credential, err := c.auth.Login(ctx, username, password)
	if err != nil {
		return core.Credential{}, err
	}
	if err := c.runtime.StoreCredential(ctx, credential); err != nil {
		return core.Credential{}, err
	}
	return credential, nil
}

// Logout clears the stored pair. A voluntary logout emits no event.
func (c *Client) Logout(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("session: client is nil")
	}
	return c.runtime.Logout(ctx)
}

func (c *Client) Refresh(ctx context.Context) (core.Credential, error) {
	if c == nil {
		return core.Credential{}, fmt.Errorf("session: client is nil")
	}
	return c.runtime.Refresh(ctx)
}

func (c *Client) RefreshIfStale(ctx context.Context, stale string) (core.Credential, error) {
	if c == nil {
		return core.Credential{}, fmt.Errorf("session: client is nil")
	}
	return c.runtime.RefreshIfStale(ctx, stale)
}

// Do sends req with the stored credential, renewing once on expiry.
func (c *Client) Do(ctx context.Context, req transport.Request) (transport.Response, error) {
	if c == nil {
		return transport.Response{}, fmt.Errorf("session: client is nil")
	}
	return c.pipeline.Do(ctx, req)
}

func (c *Client) Subscribe(eventType EventType, handler EventHandler) func() {
	if c == nil {
		return func() {}
	}
	return c.runtime.Subscribe(eventType, handler)
}

// Authenticated reports whether a credential pair is currently stored.
func (c *Client) Authenticated(ctx context.Context) (bool, error) {
	if c == nil {
		return false, fmt.Errorf("session: client is nil")
	}
	_, found, err := core.LoadCredential(ctx, c.runtime.CredentialStore())
	return found, err
}

// RefreshJobHandler builds a worker-side handler that renews through this
// client's refresh coordinator.
func (c *Client) RefreshJobHandler(policy gojob.RetryPolicy) (*gojob.RefreshJobHandler, error) {
	if c == nil {
		return nil, fmt.Errorf("session: client is nil")
	}
	return gojob.NewRefreshJobHandler(c.runtime, policy,
		gojob.WithJobLogger(c.runtime.NamedLogger("jobs")),
		gojob.WithJobMetrics(c.runtime.MetricsRecorder()),
		gojob.WithJobBackoff(core.RetryPolicyFromConfig(c.runtime.Config().Retry)),
	)
}

// Facade returns the command and query handlers bound to this client.
func (c *Client) Facade() *Facade {
	if c == nil {
		return nil
	}
	c.facadeOnce.Do(func() {
		c.facade = newFacade(c)
	})
	return c.facade
}

// NewResourceFetcher builds a fetcher for the configured resource endpoint
// that sends through the credential pipeline.
func NewResourceFetcher[T any](c *Client, opts ...query.RemoteFetcherOption) (*query.RemoteFetcher[T], error) {
	if c == nil {
		return nil, fmt.Errorf("session: client is nil")
	}
	base := []query.RemoteFetcherOption{
		query.WithResourcePath(c.Config().Endpoints.Resource),
		query.WithRetryManager(c.runtime.RetryManager()),
	}
	return query.NewRemoteFetcher[T](c.pipeline, append(base, opts...)...)
}

// NewResourceQuery builds a list orchestrator over the resource endpoint
// with the configured debounce window.
func NewResourceQuery[T any](c *Client, opts ...query.Option) (*query.Orchestrator[T], error) {
	fetcher, err := NewResourceFetcher[T](c)
	if err != nil {
		return nil, err
	}
	base := []query.Option{
		query.WithDebounceWindow(c.Config().Query.DebounceWindow),
		query.WithLogger(c.runtime.NamedLogger("query")),
		query.WithMetricsRecorder(c.runtime.MetricsRecorder()),
	}
	return query.NewOrchestrator[T](fetcher, append(base, opts...)...)
}

// Shutdown waits for an in-flight refresh to settle so the rotated pair is
// persisted before the process exits.
func (c *Client) Shutdown(ctx context.Context) error {
	if c == nil || c.runtime == nil {
		return nil
	}
	return c.runtime.Coordinator().WaitIdle(ctx)
}
