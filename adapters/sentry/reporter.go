// Package sentry reports session failures to Sentry. It listens for
// AUTH_ERROR and FORCE_LOGOUT on the session event bus.
package sentry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/goliatone/go-session/core"
)

const DefaultFlushTimeout = 2 * time.Second

type Option func(*Reporter)

func WithLogger(logger core.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTags adds static tags to every reported event.
func WithTags(tags map[string]string) Option {
	return func(r *Reporter) {
		for key, value := range tags {
			if key = strings.TrimSpace(key); key != "" {
				r.tags[key] = value
			}
		}
	}
}

// Reporter forwards session failures to a Sentry hub. Tokens never leave the
// process: only the event type, the error kind and the reason are attached.
type Reporter struct {
	hub    *sentry.Hub
	logger core.Logger
	tags   map[string]string

	mu          sync.Mutex
	unsubscribe []func()
}

// NewHub builds an isolated hub for dsn. An empty dsn yields a hub whose
// events are dropped, which keeps reporting optional.
func NewHub(dsn, environment string) (*sentry.Hub, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              strings.TrimSpace(dsn),
		Environment:      strings.TrimSpace(environment),
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry: client init failed: %w", err)
	}
	return sentry.NewHub(client, sentry.NewScope()), nil
}

func NewReporter(hub *sentry.Hub, opts ...Option) (*Reporter, error) {
	if hub == nil {
		return nil, fmt.Errorf("sentry: hub is required")
	}
	r := &Reporter{hub: hub, tags: map[string]string{}}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Attach subscribes the reporter to the bus. The returned func detaches it.
func (r *Reporter) Attach(bus core.EventSubscriber) func() {
	if r == nil || bus == nil {
		return func() {}
	}
	handler := func(ctx context.Context, event core.Event) { r.Report(ctx, event) }
	subs := []func(){
		bus.Subscribe(core.EventAuthError, handler),
		bus.Subscribe(core.EventForceLogout, handler),
	}
	r.mu.Lock()
	r.unsubscribe = append(r.unsubscribe, subs...)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, unsubscribe := range subs {
				unsubscribe()
			}
		})
	}
}

// Report captures a single session event. Other event types are ignored.
func (r *Reporter) Report(ctx context.Context, event core.Event) {
	if r == nil || r.hub == nil {
		return
	}
	switch event.Type {
	case core.EventAuthError, core.EventForceLogout:
	default:
		return
	}

	hub := r.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		for key, value := range r.tags {
			scope.SetTag(key, value)
		}
		scope.SetTag("session.event", string(event.Type))
		if !event.OccurredAt.IsZero() {
			scope.SetExtra("occurred_at", event.OccurredAt.UTC().Format(time.RFC3339Nano))
		}
	})

	var eventID *sentry.EventID
	switch event.Type {
	case core.EventAuthError:
		err := event.Err
		if err == nil {
			err = fmt.Errorf("session: authentication error")
		}
		hub.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTag("session.error_kind", string(core.KindOf(err)))
			if status := core.StatusCodeOf(err); status > 0 {
				scope.SetTag("session.status_code", fmt.Sprint(status))
			}
		})
		eventID = hub.CaptureException(err)
	case core.EventForceLogout:
		reason := strings.TrimSpace(event.Reason)
		if reason == "" {
			reason = "unspecified"
		}
		hub.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetExtra("reason", reason)
		})
		eventID = hub.CaptureMessage("session forced logout: " + reason)
	}

	if r.logger != nil {
		fields := []any{"event_type", string(event.Type)}
		if eventID != nil {
			fields = append(fields, "sentry_event_id", string(*eventID))
		}
		logger := r.logger
		if ctx != nil {
			logger = logger.WithContext(ctx)
		}
		logger.Debug("session event reported", fields...)
	}
}

// Close detaches every subscription and flushes pending events.
func (r *Reporter) Close(timeout time.Duration) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	subs := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	for _, unsubscribe := range subs {
		unsubscribe()
	}
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}
	return r.hub.Flush(timeout)
}
