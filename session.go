package session

import "github.com/goliatone/go-session/core"

type Config = core.Config

type Option = core.Option

type Runtime = core.Runtime

type Credential = core.Credential
type CredentialStore = core.CredentialStore
type Event = core.Event
type EventType = core.EventType
type EventHandler = core.EventHandler
type ErrorKind = core.ErrorKind

const (
	EventForceLogout    = core.EventForceLogout
	EventTokenRefreshed = core.EventTokenRefreshed
	EventAuthError      = core.EventAuthError
)

var (
	WithLogger          = core.WithLogger
	WithLoggerProvider  = core.WithLoggerProvider
	WithMetricsRecorder = core.WithMetricsRecorder
	WithErrorMapper     = core.WithErrorMapper
	WithConfigProvider  = core.WithConfigProvider
	WithOptionsResolver = core.WithOptionsResolver
	WithCredentialStore = core.WithCredentialStore
	WithEventBus        = core.WithEventBus
	WithRetryManager    = core.WithRetryManager
	WithSleeper         = core.WithSleeper
)

var (
	KindOf      = core.KindOf
	IsRetryable = core.IsRetryable
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewRuntime(cfg Config, opts ...Option) (*Runtime, error) {
	return core.NewRuntime(cfg, opts...)
}
