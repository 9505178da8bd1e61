package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-session/core"
	"github.com/goliatone/go-session/ratelimit"
	"github.com/golang-jwt/jwt/v5"
)

type stubRefresher struct {
	mu     sync.Mutex
	calls  int
	gate   <-chan struct{}
	result core.Credential
	err    error
}

func (s *stubRefresher) RefreshToken(ctx context.Context, _ string) (core.Credential, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return core.Credential{}, ctx.Err()
		}
	}
	return s.result, s.err
}

func (s *stubRefresher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type eventLog struct {
	mu     sync.Mutex
	events []core.Event
}

func (l *eventLog) handler(_ context.Context, event core.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) count(eventType core.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, event := range l.events {
		if event.Type == eventType {
			total++
		}
	}
	return total
}

func newTestPipeline(t *testing.T, baseURL string, refresher core.TokenRefresher, seed core.Credential, opts ...PipelineOption) (*Pipeline, *core.Runtime, *eventLog) {
	t.Helper()
	runtime, err := core.NewRuntime(core.Config{}, core.WithTokenRefresher(refresher))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if !seed.IsZero() {
		if err := runtime.StoreCredential(context.Background(), seed); err != nil {
			t.Fatalf("seed credential: %v", err)
		}
	}
	events := &eventLog{}
	runtime.Subscribe(core.EventForceLogout, events.handler)
	runtime.Subscribe(core.EventTokenRefreshed, events.handler)
	runtime.Subscribe(core.EventAuthError, events.handler)

	opts = append([]PipelineOption{WithAuthEndpoints(core.DefaultLoginEndpoint, core.DefaultRefreshEndpoint)}, opts...)
	pipeline, err := NewPipeline(PipelineDeps{
		Executor:  NewRESTAdapter(http.DefaultClient, baseURL),
		Store:     runtime.CredentialStore(),
		Refresher: runtime,
		Events:    runtime.Events(),
	}, opts...)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return pipeline, runtime, events
}

func bearerServer(t *testing.T, valid string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Given token not valid for any token type"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"count":1,"next":null,"previous":null,"results":[{"id":1}]}`))
	}))
}

func TestPipeline_ExpiredTokenRefreshesAndReplaysOnce(t *testing.T) {
	var hits atomic.Int32
	server := bearerServer(t, "access-new", &hits)
	defer server.Close()

	refresher := &stubRefresher{result: core.Credential{AccessToken: "access-new", RefreshToken: "refresh-new"}}
	pipeline, runtime, events := newTestPipeline(t, server.URL, refresher,
		core.Credential{AccessToken: "access-old", RefreshToken: "refresh-old"})

	res, err := pipeline.Do(context.Background(), Request{Method: http.MethodGet, Path: "/resource"})
	if err != nil {
		t.Fatalf("expected replayed request to succeed, got %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after replay, got %d", res.StatusCode)
	}
	if refresher.Calls() != 1 {
		t.Fatalf("expected one refresh call, got %d", refresher.Calls())
	}
	if hits.Load() != 2 {
		t.Fatalf("expected original call plus one replay, got %d hits", hits.Load())
	}
	stored, _, _ := core.LoadCredential(context.Background(), runtime.CredentialStore())
	if stored.RefreshToken != "refresh-new" {
		t.Fatalf("expected rotated refresh token to be stored, got %+v", stored)
	}
	if events.count(core.EventTokenRefreshed) != 1 || events.count(core.EventAuthError) != 0 {
		t.Fatalf("expected one TOKEN_REFRESHED and no AUTH_ERROR")
	}
}

func TestPipeline_ConcurrentExpiredRequestsShareOneRefresh(t *testing.T) {
	const callers = 5
	var rejected atomic.Int32
	allRejected := make(chan struct{})
	var once sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-new" {
			if rejected.Add(1) == callers {
				once.Do(func() { close(allRejected) })
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer server.Close()

	refresher := &stubRefresher{
		gate:   allRejected,
		result: core.Credential{AccessToken: "access-new", RefreshToken: "refresh-new"},
	}
	pipeline, _, events := newTestPipeline(t, server.URL, refresher,
		core.Credential{AccessToken: "access-old", RefreshToken: "refresh-old"},
		WithRefreshWaitTimeout(5*time.Second))

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, errs[index] = pipeline.Do(context.Background(), Request{Method: http.MethodGet, Path: "/resource"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: expected success after shared refresh, got %v", i, err)
		}
	}
	if refresher.Calls() != 1 {
		t.Fatalf("expected exactly one refresh network call, got %d", refresher.Calls())
	}
	if rejected.Load() != callers {
		t.Fatalf("expected each caller to be rejected exactly once, got %d rejections", rejected.Load())
	}
	if events.count(core.EventForceLogout) != 0 {
		t.Fatalf("expected no forced logout")
	}
}

func TestPipeline_RefreshFailurePropagatesOriginalError(t *testing.T) {
	var hits atomic.Int32
	server := bearerServer(t, "never", &hits)
	defer server.Close()

	refresher := &stubRefresher{err: core.NewRefreshFailedError(nil, "refresh token expired")}
	pipeline, runtime, events := newTestPipeline(t, server.URL, refresher,
		core.Credential{AccessToken: "access-old", RefreshToken: "refresh-old"})

	_, err := pipeline.Do(context.Background(), Request{Method: http.MethodGet, Path: "/resource"})
	if core.KindOf(err) != core.ErrorKindCredentialExpired {
		t.Fatalf("expected original credential expired error, got %v", err)
	}
	if !core.RenewalAttempted(err) || core.IsRetryable(err) {
		t.Fatalf("expected error after failed renewal to be terminal, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected no replay after refresh failure, got %d hits", hits.Load())
	}
	if events.count(core.EventForceLogout) != 1 {
		t.Fatalf("expected exactly one FORCE_LOGOUT, got %d", events.count(core.EventForceLogout))
	}
	if events.count(core.EventAuthError) != 1 {
		t.Fatalf("expected one AUTH_ERROR, got %d", events.count(core.EventAuthError))
	}
	if _, found, _ := core.LoadCredential(context.Background(), runtime.CredentialStore()); found {
		t.Fatalf("expected credential store to be cleared")
	}
}

func TestPipeline_ReplayedRequestIsNotRetriedAgain(t *testing.T) {
	var hits atomic.Int32
	server := bearerServer(t, "never", &hits)
	defer server.Close()

	refresher := &stubRefresher{result: core.Credential{AccessToken: "access-new", RefreshToken: "refresh-new"}}
	pipeline, _, _ := newTestPipeline(t, server.URL, refresher,
		core.Credential{AccessToken: "access-old", RefreshToken: "refresh-old"})

	_, err := pipeline.Do(context.Background(), Request{Method: http.MethodGet, Path: "/resource"})
	if core.KindOf(err) != core.ErrorKindCredentialExpired {
		t.Fatalf("expected credential expired after the single replay, got %v", err)
	}
	if core.IsRetryable(err) {
		t.Fatalf("expected replayed 401 to be terminal for retry predicates")
	}
	if hits.Load() != 2 {
		t.Fatalf("expected exactly one replay, got %d hits", hits.Load())
	}
	if refresher.Calls() != 1 {
		t.Fatalf("expected one refresh call, got %d", refresher.Calls())
	}
}

func TestPipeline_AuthEndpointsAreNeverRefreshed(t *testing.T) {
	var sawAuthorization atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			sawAuthorization.Store(true)
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	refresher := &stubRefresher{result: core.Credential{AccessToken: "a", RefreshToken: "r"}}
	pipeline, _, events := newTestPipeline(t, server.URL, refresher,
		core.Credential{AccessToken: "access-old", RefreshToken: "refresh-old"})

	_, err := pipeline.Do(context.Background(), Request{Method: http.MethodPost, Path: "/auth/token/refresh/"})
	if core.KindOf(err) != core.ErrorKindCredentialExpired {
		t.Fatalf("expected raw 401 classification, got %v", err)
	}
	if refresher.Calls() != 0 {
		t.Fatalf("expected no refresh for auth endpoint, got %d", refresher.Calls())
	}
	if sawAuthorization.Load() {
		t.Fatalf("expected auth endpoint call without bearer token")
	}
	if events.count(core.EventAuthError) != 0 {
		t.Fatalf("expected no AUTH_ERROR for auth endpoint")
	}
}

func TestPipeline_AttachesRequestID(t *testing.T) {
	var seen atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get(HeaderRequestID))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	pipeline, _, _ := newTestPipeline(t, server.URL, &stubRefresher{}, core.Credential{},
		WithRequestIDGenerator(func() string { return "req-1" }))
	if _, err := pipeline.Do(context.Background(), Request{Path: "/resource"}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if got, _ := seen.Load().(string); got != "req-1" {
		t.Fatalf("expected request id header, got %q", got)
	}
}

func TestPipeline_ThrottledBucketFailsFast(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	runtime, err := core.NewRuntime(core.Config{})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	pipeline, err := NewPipeline(PipelineDeps{
		Executor:  NewRESTAdapter(http.DefaultClient, server.URL),
		Store:     runtime.CredentialStore(),
		Events:    runtime.Events(),
		RateLimit: ratelimit.NewAdaptivePolicy(ratelimit.NewMemoryStateStore()),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	if _, err := pipeline.Do(context.Background(), Request{Path: "/resource"}); core.KindOf(err) != core.ErrorKindRateLimited {
		t.Fatalf("expected server rate limit, got %v", err)
	}
	_, err = pipeline.Do(context.Background(), Request{Path: "/resource?page=2"})
	if core.KindOf(err) != core.ErrorKindRateLimited {
		t.Fatalf("expected local throttle, got %v", err)
	}
	if hint, ok := core.RetryAfterHint(err); !ok || hint <= 0 || hint > 30*time.Second {
		t.Fatalf("expected remaining cooldown hint, got %v (ok=%t)", hint, ok)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected throttled call to skip the network, got %d hits", hits.Load())
	}
}

func TestPipeline_ProactiveRefreshRenewsExpiringToken(t *testing.T) {
	var hits atomic.Int32
	server := bearerServer(t, "access-new", &hits)
	defer server.Close()

	expiring, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Second)),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	refresher := &stubRefresher{result: core.Credential{AccessToken: "access-new", RefreshToken: "refresh-new"}}
	pipeline, _, _ := newTestPipeline(t, server.URL, refresher,
		core.Credential{AccessToken: expiring, RefreshToken: "refresh-old"},
		WithProactiveRefresh(time.Minute))

	if _, err := pipeline.Do(context.Background(), Request{Path: "/resource"}); err != nil {
		t.Fatalf("expected proactive refresh to avoid the 401, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single request with the renewed token, got %d hits", hits.Load())
	}
	if refresher.Calls() != 1 {
		t.Fatalf("expected one proactive refresh, got %d", refresher.Calls())
	}
}

func TestPipeline_RefreshSchedulerDefersProactiveRenewal(t *testing.T) {
	expiring, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Second)),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	var hits atomic.Int32
	server := bearerServer(t, expiring, &hits)
	defer server.Close()

	var scheduled []string
	refresher := &stubRefresher{result: core.Credential{AccessToken: "access-new", RefreshToken: "refresh-new"}}
	pipeline, _, _ := newTestPipeline(t, server.URL, refresher,
		core.Credential{AccessToken: expiring, RefreshToken: "refresh-old"},
		WithProactiveRefresh(time.Minute),
		WithRefreshScheduler(func(_ context.Context, stale string) error {
			scheduled = append(scheduled, stale)
			return nil
		}))

	if _, err := pipeline.Do(context.Background(), Request{Path: "/resource"}); err != nil {
		t.Fatalf("expected request to go out with the current token, got %v", err)
	}
	if refresher.Calls() != 0 {
		t.Fatalf("expected no inline refresh, got %d", refresher.Calls())
	}
	if len(scheduled) != 1 || scheduled[0] != expiring {
		t.Fatalf("expected one scheduled renewal for the expiring token, got %v", scheduled)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single request, got %d hits", hits.Load())
	}
}
