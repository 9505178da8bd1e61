package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
	"github.com/joho/godotenv"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type runtimeBuilder struct {
	runtimeConfig   Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	credentialStore CredentialStore
	eventBus        *EventBus
	retryManager    *RetryManager
	retrySleeper    Sleeper
	tokenRefresher  TokenRefresher
}

type Option func(*runtimeBuilder)

func WithLogger(logger Logger) Option {
	return func(b *runtimeBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *runtimeBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *runtimeBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *runtimeBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *runtimeBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *runtimeBuilder) {
		b.optionsResolver = resolver
	}
}

func WithCredentialStore(store CredentialStore) Option {
	return func(b *runtimeBuilder) {
		b.credentialStore = store
	}
}

func WithEventBus(bus *EventBus) Option {
	return func(b *runtimeBuilder) {
		b.eventBus = bus
	}
}

func WithRetryManager(manager *RetryManager) Option {
	return func(b *runtimeBuilder) {
		b.retryManager = manager
	}
}

// WithSleeper replaces backoff waits, mainly for tests driving virtual time.
func WithSleeper(sleeper Sleeper) Option {
	return func(b *runtimeBuilder) {
		b.retrySleeper = sleeper
	}
}

func WithTokenRefresher(refresher TokenRefresher) Option {
	return func(b *runtimeBuilder) {
		b.tokenRefresher = refresher
	}
}

func defaultRuntimeBuilder(runtime Config) runtimeBuilder {
	loggerProvider, logger := glog.Resolve(DefaultServiceName, nil, nil)
	return runtimeBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return sessionErrorMapper(err)
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envBinding struct {
	path []string
	kind string
}

var envBindings = map[string]envBinding{
	"SERVICE_NAME":          {path: []string{"service_name"}, kind: "string"},
	"BASE_URL":              {path: []string{"base_url"}, kind: "string"},
	"REQUEST_TIMEOUT":       {path: []string{"request_timeout"}, kind: "duration"},
	"RETRY_MAX_ATTEMPTS":    {path: []string{"retry", "max_attempts"}, kind: "int"},
	"RETRY_BASE_DELAY":      {path: []string{"retry", "base_delay"}, kind: "duration"},
	"RETRY_MAX_DELAY":       {path: []string{"retry", "max_delay"}, kind: "duration"},
	"RETRY_BACKOFF_FACTOR":  {path: []string{"retry", "backoff_factor"}, kind: "float"},
	"REFRESH_WAIT_TIMEOUT":  {path: []string{"refresh", "wait_timeout"}, kind: "duration"},
	"REFRESH_LEAD_WINDOW":   {path: []string{"refresh", "lead_window"}, kind: "duration"},
	"REFRESH_PROACTIVE":     {path: []string{"refresh", "proactive"}, kind: "bool"},
	"QUERY_DEBOUNCE_WINDOW": {path: []string{"query", "debounce_window"}, kind: "duration"},
	"ENDPOINT_LOGIN":        {path: []string{"endpoints", "login"}, kind: "string"},
	"ENDPOINT_REFRESH":      {path: []string{"endpoints", "refresh"}, kind: "string"},
	"ENDPOINT_RESOURCE":     {path: []string{"endpoints", "resource"}, kind: "string"},
}

// EnvFileConfigLoader reads prefixed keys from dotenv files, with process
// environment values taking precedence.
type EnvFileConfigLoader struct {
	Prefix string
	Files  []string
	Lookup func(key string) (string, bool)
}

func NewEnvFileConfigLoader(prefix string, files ...string) *EnvFileConfigLoader {
	return &EnvFileConfigLoader{
		Prefix: prefix,
		Files:  append([]string(nil), files...),
		Lookup: os.LookupEnv,
	}
}

func (l *EnvFileConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	out := map[string]any{}
	if l == nil {
		return out, nil
	}
	prefix := strings.ToUpper(strings.TrimSpace(l.Prefix))
	if prefix == "" {
		prefix = "SESSION_"
	}

	fileValues := map[string]string{}
	for _, file := range l.Files {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		if _, statErr := os.Stat(file); statErr != nil {
			continue
		}
		values, err := godotenv.Read(file)
		if err != nil {
			return nil, fmt.Errorf("core: read env file %q failed: %w", file, err)
		}
		for key, value := range values {
			fileValues[key] = value
		}
	}

	for suffix, binding := range envBindings {
		key := prefix + suffix
		raw, ok := fileValues[key]
		if l.Lookup != nil {
			if value, found := l.Lookup(key); found {
				raw, ok = value, true
			}
		}
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		value, err := parseEnvValue(binding.kind, strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("core: env %s invalid: %w", key, err)
		}
		setNested(out, binding.path, value)
	}
	return out, nil
}

func parseEnvValue(kind string, raw string) (any, error) {
	switch kind {
	case "duration":
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		return time.ParseDuration(raw)
	case "int":
		return strconv.Atoi(raw)
	case "float":
		return strconv.ParseFloat(raw, 64)
	case "bool":
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

func setNested(target map[string]any, path []string, value any) {
	current := target
	for i, segment := range path {
		if i == len(path)-1 {
			current[segment] = value
			return
		}
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	putString := func(target map[string]any, key, value string) {
		if includeZero || strings.TrimSpace(value) != "" {
			target[key] = strings.TrimSpace(value)
		}
	}
	putDuration := func(target map[string]any, key string, value time.Duration) {
		if includeZero || value != 0 {
			target[key] = value
		}
	}

	putString(layer, "service_name", cfg.ServiceName)
	putString(layer, "base_url", cfg.BaseURL)
	putDuration(layer, "request_timeout", cfg.RequestTimeout)

	retry := map[string]any{}
	if includeZero || cfg.Retry.MaxAttempts != 0 {
		retry["max_attempts"] = cfg.Retry.MaxAttempts
	}
	putDuration(retry, "base_delay", cfg.Retry.BaseDelay)
	putDuration(retry, "max_delay", cfg.Retry.MaxDelay)
	if includeZero || cfg.Retry.BackoffFactor != 0 {
		retry["backoff_factor"] = cfg.Retry.BackoffFactor
	}
	if len(retry) > 0 {
		layer["retry"] = retry
	}

	refresh := map[string]any{}
	putDuration(refresh, "wait_timeout", cfg.Refresh.WaitTimeout)
	putDuration(refresh, "lead_window", cfg.Refresh.LeadWindow)
	if includeZero || cfg.Refresh.Proactive {
		refresh["proactive"] = cfg.Refresh.Proactive
	}
	if len(refresh) > 0 {
		layer["refresh"] = refresh
	}

	query := map[string]any{}
	putDuration(query, "debounce_window", cfg.Query.DebounceWindow)
	if len(query) > 0 {
		layer["query"] = query
	}

	endpoints := map[string]any{}
	putString(endpoints, "login", cfg.Endpoints.Login)
	putString(endpoints, "refresh", cfg.Endpoints.Refresh)
	putString(endpoints, "resource", cfg.Endpoints.Resource)
	if len(endpoints) > 0 {
		layer["endpoints"] = endpoints
	}
	return layer
}
