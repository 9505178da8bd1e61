package core

import (
	"context"
	"strings"
	"sync"
	"time"
)

// RefreshOperationKey is the retry key shared by every renewal attempt.
const RefreshOperationKey = "session.token_refresh"

// RefreshCoordinator renews the credential pair with single-flight semantics.
// While a renewal is running, further callers are rejected with a
// refresh-in-progress error instead of being queued.
type RefreshCoordinator struct {
	store     CredentialStore
	retry     *RetryManager
	events    EventPublisher
	refresher TokenRefresher
	logger    Logger
	metrics   MetricsRecorder

	idleMu sync.Mutex
	active int
	idle   chan struct{}
}

type RefreshCoordinatorDeps struct {
	Store     CredentialStore
	Retry     *RetryManager
	Events    EventPublisher
	Refresher TokenRefresher
	Logger    Logger
	Metrics   MetricsRecorder
}

func NewRefreshCoordinator(deps RefreshCoordinatorDeps) (*RefreshCoordinator, error) {
	if deps.Store == nil {
		return nil, newBadInputError("core: refresh coordinator requires a credential store")
	}
	if deps.Retry == nil {
		return nil, newBadInputError("core: refresh coordinator requires a retry manager")
	}
	if deps.Refresher == nil {
		return nil, newBadInputError("core: refresh coordinator requires a token refresher")
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetricsRecorder{}
	}
	return &RefreshCoordinator{
		store:     deps.Store,
		retry:     deps.Retry,
		events:    deps.Events,
		refresher: deps.Refresher,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}, nil
}

// InProgress reports whether a renewal currently owns the refresh key.
func (c *RefreshCoordinator) InProgress() bool {
	if c == nil {
		return false
	}
	return c.retry.InFlight(RefreshOperationKey)
}

// WaitIdle blocks until every running Refresh or RefreshIfStale call has
// returned, including the store write and the outcome event.
func (c *RefreshCoordinator) WaitIdle(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.idleMu.Lock()
	idle := c.idle
	c.idleMu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *RefreshCoordinator) enter() {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	if c.active == 0 {
		c.idle = make(chan struct{})
	}
	c.active++
}

func (c *RefreshCoordinator) leave() {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	c.active--
	if c.active == 0 {
		close(c.idle)
		c.idle = nil
	}
}

func (c *RefreshCoordinator) Refresh(ctx context.Context) (Credential, error) {
	return c.refresh(ctx, "")
}

// RefreshIfStale renews only while the stored access token still equals
// stale. When another caller already rotated the pair, the stored pair is
// returned without a network call.
func (c *RefreshCoordinator) RefreshIfStale(ctx context.Context, stale string) (Credential, error) {
	return c.refresh(ctx, strings.TrimSpace(stale))
}

func (c *RefreshCoordinator) refresh(ctx context.Context, stale string) (Credential, error) {
	if c == nil {
		return Credential{}, newInternalError("core: refresh coordinator is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.enter()
	defer c.leave()
	startedAt := time.Now()

	renewed := false
	next, err := ExecuteWithResult(ctx, c.retry, RefreshOperationKey, func(ctx context.Context) (Credential, error) {
		current, found, loadErr := LoadCredential(ctx, c.store)
		if loadErr != nil {
			return Credential{}, newInternalError("core: load credential failed: " + loadErr.Error())
		}
		if !found || strings.TrimSpace(current.RefreshToken) == "" {
			return Credential{}, NewRefreshFailedError(nil, "no refresh token available")
		}
		if stale != "" && current.AccessToken != stale {
			return current, nil
		}

		issued, refreshErr := c.refresher.RefreshToken(ctx, current.RefreshToken)
		if refreshErr != nil {
			return Credential{}, refreshErr
		}
		if strings.TrimSpace(issued.AccessToken) == "" {
			return Credential{}, NewRefreshFailedError(nil, "refresh response missing access token")
		}
		if strings.TrimSpace(issued.RefreshToken) == "" {
			issued.RefreshToken = current.RefreshToken
		}
		// persisted while the refresh key is still held
		if setErr := c.store.Set(ctx, issued); setErr != nil {
			return Credential{}, NewRefreshFailedError(setErr, "persisting refreshed credential failed")
		}
		renewed = true
		return issued, nil
	})
	if err != nil {
		if KindOf(err) == ErrorKindOperationInFlight {
			return Credential{}, newRefreshInProgressError()
		}
		if ctx.Err() != nil || KindOf(err) == ErrorKindCanceled {
			c.observe(ctx, startedAt, err)
			return Credential{}, err
		}
		failure := err
		if KindOf(err) != ErrorKindRefreshFailed {
			failure = NewRefreshFailedError(err, "credential refresh failed: "+strings.TrimSpace(err.Error()))
		}
		c.terminate(ctx, failure)
		c.observe(ctx, startedAt, failure)
		return Credential{}, failure
	}

	if renewed {
		c.retry.Reset(RefreshOperationKey)
		if c.events != nil {
			c.events.Emit(ctx, TokenRefreshedEvent(next))
		}
	}
	c.observe(ctx, startedAt, nil)
	return next, nil
}

// terminate clears the stored pair and emits the single forced logout.
func (c *RefreshCoordinator) terminate(ctx context.Context, failure error) {
	if err := c.store.Delete(ctx); err != nil && c.logger != nil {
		c.logger.WithContext(ctx).Error("clearing credential after refresh failure failed", "error", err.Error())
	}
	if c.events == nil {
		return
	}
	reason := "refresh failed"
	if rich := richError(failure); rich != nil {
		if value, ok := rich.Metadata[MetadataReason].(string); ok && strings.TrimSpace(value) != "" {
			reason = value
		}
	}
	c.events.Emit(ctx, ForceLogoutEvent(reason))
}

func (c *RefreshCoordinator) observe(ctx context.Context, startedAt time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	RecordOutcome(ctx, c.metrics, MetricRefresh, startedAt, map[string]string{"status": status})
	if c.logger == nil {
		return
	}
	logger := c.logger.WithContext(ctx)
	if err != nil {
		logger.Error("credential refresh failed", "error", err.Error(), "duration_ms", time.Since(startedAt).Milliseconds())
		return
	}
	logger.Info("credential refresh succeeded", "duration_ms", time.Since(startedAt).Milliseconds())
}

var _ Refresher = (*RefreshCoordinator)(nil)
