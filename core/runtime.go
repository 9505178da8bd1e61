package core

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

// Runtime owns the shared session collaborators. It is built once and passed
// by reference to every component that needs retry, refresh or event state.
type Runtime struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	credentialStore CredentialStore
	eventBus        *EventBus
	retryManager    *RetryManager
	tokenRefresher  TokenRefresher
	coordinator     *RefreshCoordinator
}

type RuntimeDependencies struct {
	Logger          Logger
	LoggerProvider  LoggerProvider
	MetricsRecorder MetricsRecorder
	ErrorMapper     ErrorMapper
	ConfigProvider  ConfigProvider
	OptionsResolver OptionsResolver
	CredentialStore CredentialStore
	EventBus        *EventBus
	RetryManager    *RetryManager
	TokenRefresher  TokenRefresher
	Coordinator     *RefreshCoordinator
}

func NewRuntime(cfg Config, opts ...Option) (*Runtime, error) {
	builder := defaultRuntimeBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve(DefaultServiceName, builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger(DefaultServiceName); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.credentialStore == nil {
		builder.credentialStore = NewMemoryCredentialStore()
	}
	if builder.eventBus == nil {
		builder.eventBus = NewEventBus(logger)
	}
	if builder.retryManager == nil {
		retryOpts := []RetryManagerOption{
			WithRetryLogger(logger),
			WithRetryMetrics(builder.metricsRecorder),
		}
		if builder.retrySleeper != nil {
			retryOpts = append(retryOpts, WithRetrySleeper(builder.retrySleeper))
		}
		builder.retryManager = NewRetryManager(RetryPolicyFromConfig(finalConfig.Retry), retryOpts...)
	}

	runtime := &Runtime{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorMapper:     builder.errorMapper,
		configProvider:  builder.configProvider,
		optionsResolver: builder.optionsResolver,
		credentialStore: builder.credentialStore,
		eventBus:        builder.eventBus,
		retryManager:    builder.retryManager,
		tokenRefresher:  builder.tokenRefresher,
	}
	if builder.tokenRefresher != nil {
		coordinator, err := NewRefreshCoordinator(RefreshCoordinatorDeps{
			Store:     runtime.credentialStore,
			Retry:     runtime.retryManager,
			Events:    runtime.eventBus,
			Refresher: builder.tokenRefresher,
			Logger:    logger,
			Metrics:   runtime.metricsRecorder,
		})
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
		runtime.coordinator = coordinator
	}
	return runtime, nil
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	if mapped := mapper(err); mapped != nil {
		return mapped
	}
	return err
}

func (r *Runtime) Config() Config {
	if r == nil {
		return DefaultConfig()
	}
	return r.config
}

func (r *Runtime) Logger() Logger {
	if r == nil || r.logger == nil {
		return glog.Nop()
	}
	return r.logger
}

// NamedLogger resolves a child logger through the configured provider.
func (r *Runtime) NamedLogger(name string) Logger {
	if r == nil {
		return glog.Nop()
	}
	if r.loggerProvider != nil {
		if named := r.loggerProvider.GetLogger(name); named != nil {
			return glog.Ensure(named)
		}
	}
	return r.Logger()
}

func (r *Runtime) MetricsRecorder() MetricsRecorder {
	if r == nil || r.metricsRecorder == nil {
		return NopMetricsRecorder{}
	}
	return r.metricsRecorder
}

func (r *Runtime) CredentialStore() CredentialStore {
	if r == nil {
		return nil
	}
	return r.credentialStore
}

func (r *Runtime) Events() *EventBus {
	if r == nil {
		return nil
	}
	return r.eventBus
}

func (r *Runtime) RetryManager() *RetryManager {
	if r == nil {
		return nil
	}
	return r.retryManager
}

func (r *Runtime) Coordinator() *RefreshCoordinator {
	if r == nil {
		return nil
	}
	return r.coordinator
}

func (r *Runtime) Subscribe(eventType EventType, handler EventHandler) func() {
	if r == nil || r.eventBus == nil {
		return func() {}
	}
	return r.eventBus.Subscribe(eventType, handler)
}

// Refresh renews the credential pair through the single-flight coordinator.
func (r *Runtime) Refresh(ctx context.Context) (Credential, error) {
	if r == nil {
		return Credential{}, fmt.Errorf("core: runtime is nil")
	}
	if r.coordinator == nil {
		return Credential{}, r.mapError(newInternalError("core: token refresher is not configured"))
	}
	startedAt := time.Now()
	credential, err := r.coordinator.Refresh(ctx)
	r.observeOperation(ctx, startedAt, "refresh", err, nil)
	if err != nil {
		return Credential{}, r.mapError(err)
	}
	return credential, nil
}

// RefreshIfStale renews unless the stored access token already differs from stale.
func (r *Runtime) RefreshIfStale(ctx context.Context, stale string) (Credential, error) {
	if r == nil {
		return Credential{}, fmt.Errorf("core: runtime is nil")
	}
	if r.coordinator == nil {
		return Credential{}, r.mapError(newInternalError("core: token refresher is not configured"))
	}
	startedAt := time.Now()
	credential, err := r.coordinator.RefreshIfStale(ctx, stale)
	r.observeOperation(ctx, startedAt, "refresh", err, nil)
	if err != nil {
		return Credential{}, r.mapError(err)
	}
	return credential, nil
}

// StoreCredential persists a freshly issued pair, as done after login.
func (r *Runtime) StoreCredential(ctx context.Context, credential Credential) error {
	if r == nil {
		return fmt.Errorf("core: runtime is nil")
	}
	startedAt := time.Now()
	err := credential.Validate()
	if err == nil && credential.IsZero() {
		err = newBadInputError("core: credential is required")
	}
	if err == nil {
		err = r.credentialStore.Set(ctx, credential)
	}
	r.observeOperation(ctx, startedAt, "store_credential", err, nil)
	return r.mapError(err)
}

// Logout clears the stored pair. It does not emit a forced logout.
func (r *Runtime) Logout(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("core: runtime is nil")
	}
	startedAt := time.Now()
	err := r.credentialStore.Delete(ctx)
	r.observeOperation(ctx, startedAt, "logout", err, nil)
	return r.mapError(err)
}

func (r *Runtime) Dependencies() RuntimeDependencies {
	if r == nil {
		return RuntimeDependencies{}
	}
	return RuntimeDependencies{
		Logger:          r.logger,
		LoggerProvider:  r.loggerProvider,
		MetricsRecorder: r.metricsRecorder,
		ErrorMapper:     r.errorMapper,
		ConfigProvider:  r.configProvider,
		OptionsResolver: r.optionsResolver,
		CredentialStore: r.credentialStore,
		EventBus:        r.eventBus,
		RetryManager:    r.retryManager,
		TokenRefresher:  r.tokenRefresher,
		Coordinator:     r.coordinator,
	}
}

func (r *Runtime) mapError(err error) error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return err
	}
	if r == nil || r.errorMapper == nil {
		return err
	}
	if mapped := r.errorMapper(err); mapped != nil {
		return mapped
	}
	return err
}

// MapError normalizes err into a go-errors envelope.
func (r *Runtime) MapError(err error) error {
	return r.mapError(err)
}
