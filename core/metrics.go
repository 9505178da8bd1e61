package core

import (
	"context"
	"time"
)

// Metric families emitted by the session core. Counters carry a ".total"
// suffix and latency histograms a ".duration_ms" suffix.
const (
	MetricRefresh          = "session.refresh"
	MetricRequest          = "session.request"
	MetricRefreshJob       = "session.refresh_job"
	MetricRefreshJobWorker = "session.refresh_job.worker.total"
	MetricAuthPrefix       = "session.auth."
	MetricRetryScheduled   = "session.retry.scheduled.total"
	MetricRetryExecutions  = "session.retry.executions.total"
	MetricRetryAttempts    = "session.retry.attempts"
	MetricQueryDiscarded   = "session.query.discarded.total"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// OutcomeTags returns the status tag for err and, on failure, its error kind.
func OutcomeTags(err error) map[string]string {
	if err == nil {
		return map[string]string{"status": "success"}
	}
	return map[string]string{"status": "failure", "error_kind": string(KindOf(err))}
}

// RecordOutcome counts one finished operation of family and observes its
// duration since startedAt under the same tags.
func RecordOutcome(ctx context.Context, recorder MetricsRecorder, family string, startedAt time.Time, tags map[string]string) {
	if recorder == nil {
		return
	}
	recorder.IncCounter(ctx, family+".total", 1, tags)
	recorder.ObserveHistogram(ctx, family+".duration_ms", float64(time.Since(startedAt).Milliseconds()), tags)
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
