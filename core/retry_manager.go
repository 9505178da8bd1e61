package core

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

const (
	DefaultRetryMaxAttempts   = 3
	DefaultRetryBaseDelay     = 1 * time.Second
	DefaultRetryMaxDelay      = 10 * time.Second
	DefaultRetryBackoffFactor = 2.0
)

// RetryPredicate reports whether a failed attempt may be retried.
type RetryPredicate func(err error) bool

func RetryOnConnectivity(err error) bool { return KindOf(err) == ErrorKindConnectivity }

func RetryOnServerError(err error) bool { return KindOf(err) == ErrorKindServer }

// RetryOnCredentialExpired accepts a 401 only while no renewal was attempted
// for it.
func RetryOnCredentialExpired(err error) bool {
	return KindOf(err) == ErrorKindCredentialExpired && !RenewalAttempted(err)
}

func RetryOnRateLimited(err error) bool { return KindOf(err) == ErrorKindRateLimited }

func DefaultRetryPredicates() []RetryPredicate {
	return []RetryPredicate{
		RetryOnConnectivity,
		RetryOnServerError,
		RetryOnCredentialExpired,
		RetryOnRateLimited,
	}
}

type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Retryable     []RetryPredicate
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   DefaultRetryMaxAttempts,
		BaseDelay:     DefaultRetryBaseDelay,
		MaxDelay:      DefaultRetryMaxDelay,
		BackoffFactor: DefaultRetryBackoffFactor,
		Retryable:     DefaultRetryPredicates(),
	}
}

func RetryPolicyFromConfig(cfg RetryConfig) RetryPolicy {
	policy := DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	policy.BaseDelay = cfg.BaseDelay
	policy.MaxDelay = cfg.MaxDelay
	policy.BackoffFactor = cfg.BackoffFactor
	return policy.normalized()
}

func (p RetryPolicy) normalized() RetryPolicy {
	out := p
	if out.MaxAttempts < 1 {
		out.MaxAttempts = DefaultRetryMaxAttempts
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = DefaultRetryBaseDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = DefaultRetryMaxDelay
	}
	if out.MaxDelay < out.BaseDelay {
		out.MaxDelay = out.BaseDelay
	}
	if out.BackoffFactor < 1 {
		out.BackoffFactor = DefaultRetryBackoffFactor
	}
	if out.Retryable == nil {
		out.Retryable = DefaultRetryPredicates()
	}
	return out
}

// DelayFor returns the wait after the given failed attempt (1-based):
// min(BaseDelay * BackoffFactor^(attempt-1), MaxDelay).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	policy := p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	scaled := float64(policy.BaseDelay) * math.Pow(policy.BackoffFactor, float64(attempt-1))
	if math.IsInf(scaled, 0) || math.IsNaN(scaled) || scaled >= float64(policy.MaxDelay) {
		return policy.MaxDelay
	}
	return time.Duration(scaled)
}

// Schedule lists the first n backoff delays.
func (p RetryPolicy) Schedule(n int) []time.Duration {
	if n < 1 {
		return nil
	}
	out := make([]time.Duration, 0, n)
	for attempt := 1; attempt <= n; attempt++ {
		out = append(out, p.DelayFor(attempt))
	}
	return out
}

func (p RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	for _, predicate := range p.normalized().Retryable {
		if predicate != nil && predicate(err) {
			return true
		}
	}
	return false
}

// RetryState tracks one operation key between its first attempt and its
// terminal outcome.
type RetryState struct {
	Key          string
	AttemptCount int
	InFlight     bool
	StartedAt    time.Time
}

type Sleeper func(ctx context.Context, delay time.Duration) error

type RetryManagerOption func(*RetryManager)

func WithRetrySleeper(sleeper Sleeper) RetryManagerOption {
	return func(m *RetryManager) {
		if sleeper != nil {
			m.sleep = sleeper
		}
	}
}

func WithRetryLogger(logger Logger) RetryManagerOption {
	return func(m *RetryManager) {
		m.logger = logger
	}
}

func WithRetryMetrics(recorder MetricsRecorder) RetryManagerOption {
	return func(m *RetryManager) {
		if recorder != nil {
			m.metrics = recorder
		}
	}
}

// RetryManager runs operations keyed by an identifier with bounded
// exponential backoff. A key admits a single execution at a time.
type RetryManager struct {
	mu      sync.Mutex
	policy  RetryPolicy
	states  map[string]*RetryState
	sleep   Sleeper
	logger  Logger
	metrics MetricsRecorder
	nowFn   func() time.Time
}

func NewRetryManager(policy RetryPolicy, opts ...RetryManagerOption) *RetryManager {
	manager := &RetryManager{
		policy:  policy.normalized(),
		states:  make(map[string]*RetryState),
		sleep:   waitWithContext,
		metrics: NopMetricsRecorder{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	return manager
}

func (m *RetryManager) Policy() RetryPolicy {
	if m == nil {
		return DefaultRetryPolicy()
	}
	return m.policy
}

func (m *RetryManager) Execute(ctx context.Context, key string, op func(ctx context.Context) error) error {
	_, err := ExecuteWithResult(ctx, m, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// ExecuteWithResult runs op under key, retrying failures accepted by the
// manager policy. A concurrent call under the same key is rejected at once.
func ExecuteWithResult[T any](ctx context.Context, m *RetryManager, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if m == nil {
		return zero, newInternalError("core: retry manager is nil")
	}
	if op == nil {
		return zero, newBadInputError("core: retry operation is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return zero, newBadInputError("core: retry operation key is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := m.begin(key); err != nil {
		return zero, err
	}
	defer m.finish(key)

	policy := m.policy
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		m.recordAttempt(key, attempt)

		result, err := op(ctx)
		if err == nil {
			m.recordOutcome(ctx, key, attempt, nil)
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil || !policy.ShouldRetry(err) || attempt == policy.MaxAttempts {
			break
		}

		delay := policy.DelayFor(attempt)
		if hint, ok := RetryAfterHint(err); ok && hint > delay {
			delay = hint
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}
		m.logRetry(ctx, key, attempt, delay, err)
		if waitErr := m.sleep(ctx, delay); waitErr != nil {
			lastErr = waitErr
			break
		}
	}

	m.recordOutcome(ctx, key, m.attempts(key), lastErr)
	return zero, lastErr
}

func (m *RetryManager) begin(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[key]; ok && state.InFlight {
		return newOperationInFlightError(key)
	}
	m.states[key] = &RetryState{
		Key:       key,
		InFlight:  true,
		StartedAt: m.nowFn(),
	}
	return nil
}

func (m *RetryManager) finish(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
}

func (m *RetryManager) recordAttempt(key string, attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[key]; ok {
		state.AttemptCount = attempt
	}
}

func (m *RetryManager) attempts(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[key]; ok {
		return state.AttemptCount
	}
	return 0
}

// State returns a copy of the live state for key.
func (m *RetryManager) State(key string) (RetryState, bool) {
	if m == nil {
		return RetryState{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[strings.TrimSpace(key)]
	if !ok {
		return RetryState{}, false
	}
	return *state, true
}

func (m *RetryManager) InFlight(key string) bool {
	state, ok := m.State(key)
	return ok && state.InFlight
}

// Reset drops counters for key unless an execution currently owns it.
func (m *RetryManager) Reset(key string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key = strings.TrimSpace(key)
	if state, ok := m.states[key]; ok && state.InFlight {
		state.AttemptCount = 0
		return
	}
	delete(m.states, key)
}

func (m *RetryManager) logRetry(ctx context.Context, key string, attempt int, delay time.Duration, err error) {
	m.metrics.IncCounter(ctx, MetricRetryScheduled, 1, map[string]string{
		"kind": string(KindOf(err)),
	})
	if m.logger == nil {
		return
	}
	m.logger.WithContext(ctx).Warn("retrying operation",
		"operation_key", key,
		"attempt", attempt,
		"delay_ms", delay.Milliseconds(),
		"error_kind", string(KindOf(err)),
		"error", err.Error(),
	)
}

func (m *RetryManager) recordOutcome(ctx context.Context, key string, attempts int, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	tags := map[string]string{"status": status}
	m.metrics.IncCounter(ctx, MetricRetryExecutions, 1, tags)
	m.metrics.ObserveHistogram(ctx, MetricRetryAttempts, float64(attempts), tags)
	if err == nil || m.logger == nil {
		return
	}
	m.logger.WithContext(ctx).Debug("operation exhausted retry policy",
		"operation_key", key,
		"attempts", attempts,
		"error", err.Error(),
	)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
