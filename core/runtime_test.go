package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type fixedConfigProvider struct {
	cfg Config
}

func (p *fixedConfigProvider) Load(context.Context, Config) (Config, error) {
	return p.cfg, nil
}

type fixedOptionsResolver struct {
	cfg Config
}

func (r *fixedOptionsResolver) Resolve(Config, Config, Config) (Config, error) {
	return r.cfg, nil
}

func TestNewRuntime_DefaultDependencies(t *testing.T) {
	runtime, err := NewRuntime(Config{})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	deps := runtime.Dependencies()
	if deps.Logger == nil {
		t.Fatalf("expected default logger")
	}
	if deps.LoggerProvider == nil {
		t.Fatalf("expected default logger provider")
	}
	if deps.ErrorMapper == nil {
		t.Fatalf("expected default error mapper")
	}
	if deps.CredentialStore == nil {
		t.Fatalf("expected default credential store")
	}
	if deps.EventBus == nil || deps.RetryManager == nil {
		t.Fatalf("expected default event bus and retry manager")
	}
	if deps.Coordinator != nil {
		t.Fatalf("expected no coordinator without a token refresher")
	}
	cfg := runtime.Config()
	if cfg.ServiceName != DefaultServiceName {
		t.Fatalf("expected default service_name, got %q", cfg.ServiceName)
	}
	if cfg.Query.DebounceWindow != DefaultQueryDebounceWindow {
		t.Fatalf("expected default debounce window, got %v", cfg.Query.DebounceWindow)
	}
	if cfg.Endpoints.Refresh != DefaultRefreshEndpoint {
		t.Fatalf("expected default refresh endpoint, got %q", cfg.Endpoints.Refresh)
	}
}

func TestNewRuntime_WithOverrides(t *testing.T) {
	customLogger := stubLogger{}
	customProvider := stubLoggerProvider{logger: customLogger}
	sentinel := errors.New("sentinel")
	customMapper := func(error) *goerrors.Error {
		return goerrors.Wrap(sentinel, goerrors.CategoryOperation, "mapped")
	}
	configProvider := &fixedConfigProvider{cfg: Config{ServiceName: "from-provider"}}
	optionsResolver := &fixedOptionsResolver{cfg: Config{ServiceName: "resolved"}}
	store := NewMemoryCredentialStore()
	bus := NewEventBus(customLogger)

	runtime, err := NewRuntime(Config{ServiceName: "runtime"},
		WithLogger(customLogger),
		WithLoggerProvider(customProvider),
		WithErrorMapper(customMapper),
		WithConfigProvider(configProvider),
		WithOptionsResolver(optionsResolver),
		WithCredentialStore(store),
		WithEventBus(bus),
		WithTokenRefresher(&scriptedRefresher{}),
	)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	deps := runtime.Dependencies()
	if deps.Logger != customLogger {
		t.Fatalf("expected custom logger override")
	}
	if resolved := deps.LoggerProvider.GetLogger("session.override"); resolved != customLogger {
		t.Fatalf("expected logger provider to resolve custom logger")
	}
	if deps.ConfigProvider != configProvider {
		t.Fatalf("expected custom config provider override")
	}
	if deps.OptionsResolver != optionsResolver {
		t.Fatalf("expected custom options resolver override")
	}
	if deps.CredentialStore != store || deps.EventBus != bus {
		t.Fatalf("expected custom store and bus")
	}
	if deps.Coordinator == nil {
		t.Fatalf("expected coordinator when a token refresher is configured")
	}
	if got := runtime.Config().ServiceName; got != "resolved" {
		t.Fatalf("expected options resolver output config, got %q", got)
	}
}

func TestNewRuntime_ConfigLayeringPrecedence(t *testing.T) {
	provider := NewCfgxConfigProvider(mapRawLoader{values: map[string]any{
		"service_name": "from-config",
		"base_url":     "https://api.example.com",
		"retry": map[string]any{
			"max_attempts": 5,
		},
	}})

	runtime, err := NewRuntime(Config{
		ServiceName:    "from-runtime",
		RequestTimeout: 2 * time.Second,
	}, WithConfigProvider(provider))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	cfg := runtime.Config()
	if cfg.ServiceName != "from-runtime" {
		t.Fatalf("expected runtime layer to win, got %q", cfg.ServiceName)
	}
	if cfg.BaseURL != "https://api.example.com" {
		t.Fatalf("expected config layer base_url, got %q", cfg.BaseURL)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("expected config layer max_attempts=5, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.RequestTimeout != 2*time.Second {
		t.Fatalf("expected runtime request timeout, got %v", cfg.RequestTimeout)
	}
	if cfg.Retry.MaxDelay != DefaultRetryMaxDelay {
		t.Fatalf("expected default max delay, got %v", cfg.Retry.MaxDelay)
	}
	if got := runtime.RetryManager().Policy().MaxAttempts; got != 5 {
		t.Fatalf("expected retry manager built from resolved config, got %d", got)
	}
}

func TestNewRuntime_InvalidConfigIsMapped(t *testing.T) {
	_, err := NewRuntime(Config{BaseURL: "not a url"})
	if err == nil {
		t.Fatalf("expected invalid base_url error")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
}

func TestEnvFileConfigLoader_ReadsDotenvAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "SESSION_BASE_URL=https://file.example.com\nSESSION_REQUEST_TIMEOUT=5s\nSESSION_RETRY_MAX_ATTEMPTS=4\nSESSION_QUERY_DEBOUNCE_WINDOW=250\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	loader := NewEnvFileConfigLoader("SESSION_", path, filepath.Join(dir, "missing.env"))
	loader.Lookup = func(key string) (string, bool) {
		if key == "SESSION_BASE_URL" {
			return "https://env.example.com", true
		}
		return "", false
	}

	raw, err := loader.LoadRaw(context.Background())
	if err != nil {
		t.Fatalf("load raw: %v", err)
	}
	if raw["base_url"] != "https://env.example.com" {
		t.Fatalf("expected environment to override file, got %v", raw["base_url"])
	}
	if raw["request_timeout"] != 5*time.Second {
		t.Fatalf("expected parsed timeout, got %v", raw["request_timeout"])
	}
	retry, _ := raw["retry"].(map[string]any)
	if retry["max_attempts"] != 4 {
		t.Fatalf("expected nested retry.max_attempts, got %v", retry["max_attempts"])
	}
	query, _ := raw["query"].(map[string]any)
	if query["debounce_window"] != 250*time.Millisecond {
		t.Fatalf("expected millisecond debounce window, got %v", query["debounce_window"])
	}
}

func TestRuntime_LogoutClearsStoreWithoutForcedLogout(t *testing.T) {
	runtime, err := NewRuntime(Config{})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	events := &recordedEvents{}
	runtime.Subscribe(EventForceLogout, events.handler)
	ctx := context.Background()
	if err := runtime.StoreCredential(ctx, Credential{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatalf("store credential: %v", err)
	}
	if err := runtime.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, found, _ := LoadCredential(ctx, runtime.CredentialStore()); found {
		t.Fatalf("expected store to be empty after logout")
	}
	if len(events.byType(EventForceLogout)) != 0 {
		t.Fatalf("expected voluntary logout not to emit FORCE_LOGOUT")
	}
}

func TestRuntime_StoreCredentialRejectsHalfPair(t *testing.T) {
	runtime, _ := NewRuntime(Config{})
	err := runtime.StoreCredential(context.Background(), Credential{AccessToken: "only-access"})
	if KindOf(err) != ErrorKindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRuntime_RefreshWithoutRefresherFails(t *testing.T) {
	runtime, _ := NewRuntime(Config{})
	if _, err := runtime.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error without token refresher")
	}
}
