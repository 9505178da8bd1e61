package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultServiceName         = "session"
	DefaultRequestTimeout      = 15 * time.Second
	DefaultRefreshWaitTimeout  = 30 * time.Second
	DefaultQueryDebounceWindow = 400 * time.Millisecond
	DefaultLoginEndpoint       = "/auth/token"
	DefaultRefreshEndpoint     = "/auth/token/refresh"
	DefaultResourceEndpoint    = "/resource"
)

type RetryConfig struct {
	MaxAttempts   int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay     time.Duration `koanf:"base_delay" mapstructure:"base_delay"`
	MaxDelay      time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
	BackoffFactor float64       `koanf:"backoff_factor" mapstructure:"backoff_factor"`
}

type RefreshConfig struct {
	WaitTimeout time.Duration `koanf:"wait_timeout" mapstructure:"wait_timeout"`
	LeadWindow  time.Duration `koanf:"lead_window" mapstructure:"lead_window"`
	Proactive   bool          `koanf:"proactive" mapstructure:"proactive"`
}

type QueryConfig struct {
	DebounceWindow time.Duration `koanf:"debounce_window" mapstructure:"debounce_window"`
}

type EndpointsConfig struct {
	Login    string `koanf:"login" mapstructure:"login"`
	Refresh  string `koanf:"refresh" mapstructure:"refresh"`
	Resource string `koanf:"resource" mapstructure:"resource"`
}

type Config struct {
	ServiceName    string          `koanf:"service_name" mapstructure:"service_name"`
	BaseURL        string          `koanf:"base_url" mapstructure:"base_url"`
	RequestTimeout time.Duration   `koanf:"request_timeout" mapstructure:"request_timeout"`
	Retry          RetryConfig     `koanf:"retry" mapstructure:"retry"`
	Refresh        RefreshConfig   `koanf:"refresh" mapstructure:"refresh"`
	Query          QueryConfig     `koanf:"query" mapstructure:"query"`
	Endpoints      EndpointsConfig `koanf:"endpoints" mapstructure:"endpoints"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:    DefaultServiceName,
		RequestTimeout: DefaultRequestTimeout,
		Retry: RetryConfig{
			MaxAttempts:   DefaultRetryMaxAttempts,
			BaseDelay:     DefaultRetryBaseDelay,
			MaxDelay:      DefaultRetryMaxDelay,
			BackoffFactor: DefaultRetryBackoffFactor,
		},
		Refresh: RefreshConfig{
			WaitTimeout: DefaultRefreshWaitTimeout,
			LeadWindow:  DefaultCredentialRefreshLeadWindow,
		},
		Query: QueryConfig{
			DebounceWindow: DefaultQueryDebounceWindow,
		},
		Endpoints: EndpointsConfig{
			Login:    DefaultLoginEndpoint,
			Refresh:  DefaultRefreshEndpoint,
			Resource: DefaultResourceEndpoint,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if base := strings.TrimSpace(c.BaseURL); base != "" {
		parsed, err := url.Parse(base)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("core: base_url %q is invalid", base)
		}
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("core: request_timeout must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("core: retry.max_attempts must not be negative")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("core: retry delays must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("core: retry.base_delay must not exceed retry.max_delay")
	}
	if c.Retry.BackoffFactor != 0 && c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("core: retry.backoff_factor must be at least 1")
	}
	if c.Query.DebounceWindow < 0 {
		return fmt.Errorf("core: query.debounce_window must not be negative")
	}
	for name, path := range map[string]string{
		"login":    c.Endpoints.Login,
		"refresh":  c.Endpoints.Refresh,
		"resource": c.Endpoints.Resource,
	} {
		if path = strings.TrimSpace(path); path != "" && !strings.HasPrefix(path, "/") {
			return fmt.Errorf("core: endpoints.%s must start with /", name)
		}
	}
	return nil
}

// AuthEndpoints lists paths whose 401 responses must not trigger a refresh.
func (c Config) AuthEndpoints() []string {
	out := make([]string, 0, 2)
	for _, path := range []string{c.Endpoints.Login, c.Endpoints.Refresh} {
		if path = strings.TrimSpace(path); path != "" {
			out = append(out, path)
		}
	}
	return out
}
