package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRetryPolicy_DelayScheduleCapsAtMaxDelay(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:   10,
		BaseDelay:     1000 * time.Millisecond,
		MaxDelay:      10000 * time.Millisecond,
		BackoffFactor: 2,
	}
	expected := []time.Duration{1000, 2000, 4000, 8000, 10000, 10000, 10000}
	got := policy.Schedule(len(expected))
	for i := range expected {
		if got[i] != expected[i]*time.Millisecond {
			t.Fatalf("expected delay %d to be %dms, got %v", i+1, expected[i], got[i])
		}
	}
}

func TestRetryPolicy_NormalizesInvalidValues(t *testing.T) {
	policy := RetryPolicy{}.normalized()
	if policy.MaxAttempts != DefaultRetryMaxAttempts {
		t.Fatalf("expected default max attempts, got %d", policy.MaxAttempts)
	}
	if policy.BackoffFactor != DefaultRetryBackoffFactor {
		t.Fatalf("expected default factor, got %v", policy.BackoffFactor)
	}
	if got := policy.DelayFor(0); got != DefaultRetryBaseDelay {
		t.Fatalf("expected attempt zero to clamp to base delay, got %v", got)
	}
}

func TestRetryManager_RetriesTransientFailuresWithBackoff(t *testing.T) {
	sleeper := &recordingSleeper{}
	manager := NewRetryManager(RetryPolicy{
		MaxAttempts:   4,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}, WithRetrySleeper(sleeper.Sleep))

	calls := 0
	result, err := ExecuteWithResult(context.Background(), manager, "fetch", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewServerError(503, "")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok result, got %q", result)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	delays := sleeper.Delays()
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("expected [1s 2s] delays, got %v", delays)
	}
	if _, ok := manager.State("fetch"); ok {
		t.Fatalf("expected state to be dropped after terminal success")
	}
}

func TestRetryManager_DoesNotRetryValidationErrors(t *testing.T) {
	sleeper := &recordingSleeper{}
	manager := NewRetryManager(DefaultRetryPolicy(), WithRetrySleeper(sleeper.Sleep))

	calls := 0
	err := manager.Execute(context.Background(), "submit", func(context.Context) error {
		calls++
		return NewValidationError(422, "name is required")
	})
	if KindOf(err) != ErrorKindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if len(sleeper.Delays()) != 0 {
		t.Fatalf("expected no backoff waits")
	}
}

func TestRetryManager_DoesNotRetryExpiredCredentialAfterRenewal(t *testing.T) {
	sleeper := &recordingSleeper{}
	manager := NewRetryManager(DefaultRetryPolicy(), WithRetrySleeper(sleeper.Sleep))

	calls := 0
	err := manager.Execute(context.Background(), "fetch", func(context.Context) error {
		calls++
		return MarkRenewalAttempted(NewCredentialExpiredError("token rejected"))
	})
	if KindOf(err) != ErrorKindCredentialExpired {
		t.Fatalf("expected expired credential kind to survive, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if len(sleeper.Delays()) != 0 {
		t.Fatalf("expected no backoff waits")
	}
}

func TestRetryManager_PropagatesLastErrorWhenAttemptsExhausted(t *testing.T) {
	sleeper := &recordingSleeper{}
	manager := NewRetryManager(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2},
		WithRetrySleeper(sleeper.Sleep))

	calls := 0
	err := manager.Execute(context.Background(), "fetch", func(context.Context) error {
		calls++
		return NewConnectivityError(errors.New("dial tcp: refused"), "")
	})
	if KindOf(err) != ErrorKindConnectivity {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected attempts to stop at max, got %d", calls)
	}
	if len(sleeper.Delays()) != 2 {
		t.Fatalf("expected waits only between attempts, got %v", sleeper.Delays())
	}
}

func TestRetryManager_RejectsConcurrentExecutionForSameKey(t *testing.T) {
	manager := NewRetryManager(DefaultRetryPolicy())
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = manager.Execute(context.Background(), "refresh", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	secondCalled := false
	err := manager.Execute(context.Background(), "refresh", func(context.Context) error {
		secondCalled = true
		return nil
	})
	if KindOf(err) != ErrorKindOperationInFlight {
		t.Fatalf("expected in-flight rejection, got %v", err)
	}
	if secondCalled {
		t.Fatalf("expected rejected operation not to run")
	}
	state, ok := manager.State("refresh")
	if !ok || !state.InFlight || state.AttemptCount != 1 {
		t.Fatalf("expected in-flight state with one attempt, got %+v (found=%t)", state, ok)
	}

	if err := manager.Execute(context.Background(), "other", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected other keys to run independently, got %v", err)
	}

	close(release)
	wg.Wait()
	if manager.InFlight("refresh") {
		t.Fatalf("expected key to be released after completion")
	}
}

func TestRetryManager_RetryAfterHintRaisesDelayUpToMax(t *testing.T) {
	sleeper := &recordingSleeper{}
	manager := NewRetryManager(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2},
		WithRetrySleeper(sleeper.Sleep))

	calls := 0
	_ = manager.Execute(context.Background(), "list", func(context.Context) error {
		calls++
		if calls == 1 {
			return NewRateLimitedError(3*time.Second, "")
		}
		if calls == 2 {
			return NewRateLimitedError(time.Minute, "")
		}
		return nil
	})
	delays := sleeper.Delays()
	if len(delays) != 2 {
		t.Fatalf("expected two waits, got %v", delays)
	}
	if delays[0] != 3*time.Second {
		t.Fatalf("expected retry-after hint to win, got %v", delays[0])
	}
	if delays[1] != 5*time.Second {
		t.Fatalf("expected hint capped at max delay, got %v", delays[1])
	}
}

func TestRetryManager_StopsOnContextCancellation(t *testing.T) {
	manager := NewRetryManager(DefaultRetryPolicy())
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := manager.Execute(ctx, "fetch", func(context.Context) error {
		calls++
		cancel()
		return NewServerError(500, "")
	})
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected no retries after cancellation, got %d", calls)
	}
}

func TestRetryManager_RejectsMissingKey(t *testing.T) {
	manager := NewRetryManager(DefaultRetryPolicy())
	err := manager.Execute(context.Background(), " ", func(context.Context) error { return nil })
	if KindOf(err) != ErrorKindValidation {
		t.Fatalf("expected bad input error, got %v", err)
	}
}
