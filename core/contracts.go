package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// CredentialStore is the persistence boundary for the active credential pair.
// Get returns ErrCredentialNotFound when no pair is stored.
type CredentialStore interface {
	Get(ctx context.Context) (Credential, error)
	Set(ctx context.Context, credential Credential) error
	Delete(ctx context.Context) error
}

// TokenRefresher exchanges a refresh token for a new credential pair.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (Credential, error)
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type EventHandler func(ctx context.Context, event Event)

type EventPublisher interface {
	Emit(ctx context.Context, event Event)
}

type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) (unsubscribe func())
}

type Refresher interface {
	Refresh(ctx context.Context) (Credential, error)
	RefreshIfStale(ctx context.Context, staleAccessToken string) (Credential, error)
}

type RateLimitKey struct {
	Endpoint  string
	BucketKey string
}

type ResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

type RateLimitPolicy interface {
	BeforeCall(ctx context.Context, key RateLimitKey) error
	AfterCall(ctx context.Context, key RateLimitKey, res ResponseMeta) error
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
