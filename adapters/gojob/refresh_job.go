package gojob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-session/core"
)

const (
	ParamStaleAccessToken = "stale_access_token"
	ParamAttempt          = "attempt"

	refreshDedupPolicy = "drop"
)

type RefreshJobOption func(*RefreshJobHandler)

func WithJobLogger(logger core.Logger) RefreshJobOption {
	return func(h *RefreshJobHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithJobMetrics(metrics core.MetricsRecorder) RefreshJobOption {
	return func(h *RefreshJobHandler) {
		if metrics != nil {
			h.metrics = metrics
		}
	}
}

// WithJobBackoff sets the requeue delay schedule for retryable failures.
func WithJobBackoff(policy core.RetryPolicy) RefreshJobOption {
	return func(h *RefreshJobHandler) {
		h.backoff = policy
	}
}

// RefreshJobHandler renews the session credential from a queued job. The
// renewal goes through the same single-flight refresher as request replays,
// so a job that overlaps an in-flight refresh is settled without a second
// network call.
type RefreshJobHandler struct {
	refresher core.Refresher
	policy    RetryPolicy
	backoff   core.RetryPolicy
	logger    core.Logger
	metrics   core.MetricsRecorder
}

func NewRefreshJobHandler(refresher core.Refresher, policy RetryPolicy, opts ...RefreshJobOption) (*RefreshJobHandler, error) {
	if refresher == nil {
		return nil, fmt.Errorf("gojob: refresh job requires a refresher")
	}
	h := &RefreshJobHandler{
		refresher: refresher,
		policy:    policy,
		backoff:   core.DefaultRetryPolicy(),
		metrics:   core.NopMetricsRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// NewRefreshMessage builds a refresh job. A non-empty stale token makes the
// job a no-op once the stored credential has already moved past it.
func NewRefreshMessage(staleAccessToken string) *core.JobExecutionMessage {
	staleAccessToken = strings.TrimSpace(staleAccessToken)
	msg := &core.JobExecutionMessage{
		JobID:       JobIDRefresh,
		ScriptPath:  JobIDRefresh,
		Parameters:  map[string]any{},
		DedupPolicy: refreshDedupPolicy,
	}
	if staleAccessToken == "" {
		msg.IdempotencyKey = JobIDRefresh
		return msg
	}
	msg.JobID = JobIDProactiveRefresh
	msg.ScriptPath = JobIDProactiveRefresh
	msg.Parameters[ParamStaleAccessToken] = staleAccessToken
	sum := sha256.Sum256([]byte(staleAccessToken))
	msg.IdempotencyKey = JobIDProactiveRefresh + ":" + hex.EncodeToString(sum[:8])
	return msg
}

// Enqueue schedules a refresh job on the given queue.
func (h *RefreshJobHandler) Enqueue(ctx context.Context, enqueuer core.JobEnqueuer, staleAccessToken string) error {
	if enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	return enqueuer.Enqueue(ctx, NewRefreshMessage(staleAccessToken))
}

// ProcessNext dequeues one job and settles it.
func (h *RefreshJobHandler) ProcessNext(ctx context.Context, dequeuer core.JobDequeuer) error {
	if dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	attempt := 1
	if msg := delivery.Message(); msg != nil {
		attempt = readAttempt(msg.Parameters)
	}
	return h.Handle(ctx, delivery, attempt)
}

// Handle runs one refresh job and acks or nacks the delivery. Retryable
// failures are requeued with backoff until the retry policy's attempt bound,
// a terminal failure is dead-lettered since the session is already logged out.
func (h *RefreshJobHandler) Handle(ctx context.Context, delivery core.JobDelivery, attempt int) error {
	if h == nil || h.refresher == nil {
		return fmt.Errorf("gojob: refresh job handler is not configured")
	}
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if attempt < 1 {
		attempt = 1
	}
	startedAt := time.Now()

	msg := delivery.Message()
	if msg == nil || !isRefreshJob(msg.JobID) {
		jobID := ""
		if msg != nil {
			jobID = msg.JobID
		}
		h.record(ctx, startedAt, jobID, "rejected")
		return delivery.Nack(ctx, h.policy.NormalizeAttempt(core.JobNackOptions{
			DeadLetter: true,
			Reason:     fmt.Sprintf("unsupported job %q", jobID),
		}, attempt))
	}

	stale := ""
	if value, ok := msg.Parameters[ParamStaleAccessToken].(string); ok {
		stale = strings.TrimSpace(value)
	}
	var err error
	if stale != "" {
		_, err = h.refresher.RefreshIfStale(ctx, stale)
	} else {
		_, err = h.refresher.Refresh(ctx)
	}

	switch {
	case err == nil:
		h.record(ctx, startedAt, msg.JobID, "acked")
		return delivery.Ack(ctx)
	case core.KindOf(err) == core.ErrorKindRefreshInProgress:
		h.record(ctx, startedAt, msg.JobID, "coalesced")
		return delivery.Ack(ctx)
	case core.IsRetryable(err) || core.KindOf(err) == core.ErrorKindCanceled:
		delay := h.backoff.DelayFor(attempt)
		if hint, ok := core.RetryAfterHint(err); ok && hint > delay {
			delay = hint
		}
		opts := h.policy.NormalizeAttempt(core.JobNackOptions{
			Delay:   delay,
			Requeue: true,
			Reason:  err.Error(),
		}, attempt)
		h.logFailure(ctx, msg.JobID, attempt, opts, err)
		h.record(ctx, startedAt, msg.JobID, nackOutcome(opts))
		return delivery.Nack(ctx, opts)
	default:
		opts := h.policy.NormalizeAttempt(core.JobNackOptions{
			DeadLetter: true,
			Reason:     err.Error(),
		}, attempt)
		h.logFailure(ctx, msg.JobID, attempt, opts, err)
		h.record(ctx, startedAt, msg.JobID, "dead_lettered")
		return delivery.Nack(ctx, opts)
	}
}

func (h *RefreshJobHandler) record(ctx context.Context, startedAt time.Time, jobID, outcome string) {
	tags := map[string]string{"job_id": jobID, "outcome": outcome}
	core.RecordOutcome(ctx, h.metrics, core.MetricRefreshJob, startedAt, tags)
}

func (h *RefreshJobHandler) logFailure(ctx context.Context, jobID string, attempt int, opts core.JobNackOptions, err error) {
	if h.logger == nil {
		return
	}
	h.logger.WithContext(ctx).Warn("refresh job failed",
		"job_id", jobID,
		"attempt", attempt,
		"requeue", opts.Requeue,
		"dead_letter", opts.DeadLetter,
		"delay_ms", opts.Delay.Milliseconds(),
		"error_kind", string(core.KindOf(err)),
	)
}

func (h *RefreshJobHandler) OnStart(ctx context.Context, event core.JobWorkerEvent) {
	h.observeWorker(ctx, "start", event)
}

func (h *RefreshJobHandler) OnSuccess(ctx context.Context, event core.JobWorkerEvent) {
	h.observeWorker(ctx, "success", event)
}

func (h *RefreshJobHandler) OnFailure(ctx context.Context, event core.JobWorkerEvent) {
	h.observeWorker(ctx, "failure", event)
}

func (h *RefreshJobHandler) OnRetry(ctx context.Context, event core.JobWorkerEvent) {
	h.observeWorker(ctx, "retry", event)
}

// observeWorker ignores jobs that are not session refreshes.
func (h *RefreshJobHandler) observeWorker(ctx context.Context, stage string, event core.JobWorkerEvent) {
	if h == nil || event.Message == nil || !isRefreshJob(event.Message.JobID) {
		return
	}
	h.metrics.IncCounter(ctx, core.MetricRefreshJobWorker, 1, map[string]string{
		"job_id": event.Message.JobID,
		"stage":  stage,
	})
	if h.logger == nil || event.Err == nil {
		return
	}
	h.logger.WithContext(ctx).Warn("refresh job worker "+stage,
		"job_id", event.Message.JobID,
		"attempt", event.Attempt,
		"delay_ms", event.Delay.Milliseconds(),
		"error", event.Err.Error(),
	)
}

func nackOutcome(opts core.JobNackOptions) string {
	switch {
	case opts.DeadLetter:
		return "dead_lettered"
	case opts.Requeue:
		return "requeued"
	default:
		return "dropped"
	}
}

func isRefreshJob(jobID string) bool {
	switch strings.TrimSpace(jobID) {
	case JobIDRefresh, JobIDProactiveRefresh:
		return true
	default:
		return false
	}
}

func readAttempt(params map[string]any) int {
	switch value := params[ParamAttempt].(type) {
	case int:
		if value > 0 {
			return value
		}
	case int64:
		if value > 0 {
			return int(value)
		}
	case float64:
		if value > 0 {
			return int(value)
		}
	}
	return 1
}

var _ core.JobWorkerHook = (*RefreshJobHandler)(nil)
