package query

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-session/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	clock   *fakeClock
	fireAt  time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock fires timers only when Advance moves past their deadline.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, fireAt: c.now + d, fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	due := make([]*fakeTimer, 0)
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired && timer.fireAt <= c.now {
			timer.fired = true
			due = append(due, timer)
		}
	}
	c.mu.Unlock()
	for _, timer := range due {
		timer.fn()
	}
}

type recordingFetcher struct {
	mu       sync.Mutex
	requests []FetchRequest
	respond  func(req FetchRequest) (Page[string], error)
}

func (f *recordingFetcher) Fetch(_ context.Context, req FetchRequest) (Page[string], error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	return respond(req)
}

func (f *recordingFetcher) Requests() []FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FetchRequest(nil), f.requests...)
}

func pageOf(req FetchRequest, size int, hasMore bool) Page[string] {
	items := make([]string, 0, size)
	for i := 0; i < size; i++ {
		items = append(items, fmt.Sprintf("%s-p%d-%d", req.FreeText, req.Page, i))
	}
	return Page[string]{Items: items, TotalCount: 100, HasMore: hasMore}
}

func newTestOrchestrator(t *testing.T, fetcher Fetcher[string], clock Clock) *Orchestrator[string] {
	t.Helper()
	orchestrator, err := NewOrchestrator[string](fetcher, WithClock(clock), WithDebounceWindow(400*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(orchestrator.Close)
	return orchestrator
}

func TestOrchestrator_DebounceFiresOnlyLastInput(t *testing.T) {
	clock := &fakeClock{}
	fetcher := &recordingFetcher{respond: func(req FetchRequest) (Page[string], error) {
		return pageOf(req, 2, false), nil
	}}
	orchestrator := newTestOrchestrator(t, fetcher, clock)

	orchestrator.SetFreeText("a")
	clock.Advance(100 * time.Millisecond)
	orchestrator.SetFreeText("ab")
	clock.Advance(100 * time.Millisecond)
	orchestrator.SetFreeText("abc")
	clock.Advance(399 * time.Millisecond)
	assert.Empty(t, fetcher.Requests(), "no search before the window elapses")

	clock.Advance(time.Millisecond)
	requests := fetcher.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "abc", requests[0].FreeText)
	assert.Equal(t, 1, requests[0].Page)

	state := orchestrator.State()
	assert.Equal(t, PhaseReady, state.Phase)
	assert.Equal(t, []string{"abc-p1-0", "abc-p1-1"}, state.Items)
}

func TestOrchestrator_FilterChangeResetsPagination(t *testing.T) {
	clock := &fakeClock{}
	fetcher := &recordingFetcher{respond: func(req FetchRequest) (Page[string], error) {
		return pageOf(req, 1, true), nil
	}}
	orchestrator := newTestOrchestrator(t, fetcher, clock)
	ctx := context.Background()

	require.NoError(t, orchestrator.Search(ctx))
	require.NoError(t, orchestrator.LoadMore(ctx))
	require.NoError(t, orchestrator.LoadMore(ctx))
	assert.Equal(t, 3, orchestrator.State().Filter.Page)

	orchestrator.SetFreeText("new")
	assert.Equal(t, 1, orchestrator.State().Filter.Page)
	clock.Advance(400 * time.Millisecond)

	require.NoError(t, orchestrator.LoadMore(ctx))
	require.NoError(t, orchestrator.SetSortOrder(ctx, "-name"))

	requests := fetcher.Requests()
	last := requests[len(requests)-1]
	assert.Equal(t, FetchRequest{FreeText: "new", SortOrder: "-name", Page: 1}, last)
	state := orchestrator.State()
	assert.Equal(t, 1, state.Filter.Page)
	assert.Equal(t, []string{"new-p1-0"}, state.Items)
}

func TestOrchestrator_LoadMoreIsNoOpWhileSearchIsDebounced(t *testing.T) {
	clock := &fakeClock{}
	fetcher := &recordingFetcher{respond: func(req FetchRequest) (Page[string], error) {
		return pageOf(req, 1, true), nil
	}}
	orchestrator := newTestOrchestrator(t, fetcher, clock)
	ctx := context.Background()

	require.NoError(t, orchestrator.Search(ctx))
	orchestrator.SetFreeText("new")
	clock.Advance(100 * time.Millisecond)

	require.NoError(t, orchestrator.LoadMore(ctx))
	require.Len(t, fetcher.Requests(), 1, "no page 2 fetch for the pending filter")
	state := orchestrator.State()
	assert.Equal(t, []string{"-p1-0"}, state.Items)
	assert.Equal(t, 1, state.Filter.Page)
	assert.False(t, state.LoadingMore)

	clock.Advance(300 * time.Millisecond)
	requests := fetcher.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, FetchRequest{FreeText: "new", Page: 1}, requests[1])
	assert.Equal(t, []string{"new-p1-0"}, orchestrator.State().Items)

	require.NoError(t, orchestrator.LoadMore(ctx))
	requests = fetcher.Requests()
	require.Len(t, requests, 3)
	assert.Equal(t, FetchRequest{FreeText: "new", Page: 2}, requests[2])
	assert.Equal(t, []string{"new-p1-0", "new-p2-0"}, orchestrator.State().Items)
}

func TestOrchestrator_SortOrderCancelsPendingDebounce(t *testing.T) {
	clock := &fakeClock{}
	fetcher := &recordingFetcher{respond: func(req FetchRequest) (Page[string], error) {
		return pageOf(req, 1, false), nil
	}}
	orchestrator := newTestOrchestrator(t, fetcher, clock)

	orchestrator.SetFreeText("pending")
	require.NoError(t, orchestrator.SetSortOrder(context.Background(), "name"))
	clock.Advance(time.Second)

	requests := fetcher.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "pending", requests[0].FreeText)
	assert.Equal(t, "name", requests[0].SortOrder)
}

func TestOrchestrator_LoadMoreAppendsInOrder(t *testing.T) {
	fetcher := &recordingFetcher{respond: func(req FetchRequest) (Page[string], error) {
		return pageOf(req, 2, req.Page < 2), nil
	}}
	orchestrator := newTestOrchestrator(t, fetcher, &fakeClock{})
	ctx := context.Background()

	require.NoError(t, orchestrator.Search(ctx))
	require.NoError(t, orchestrator.LoadMore(ctx))
	require.NoError(t, orchestrator.LoadMore(ctx))

	state := orchestrator.State()
	assert.Equal(t, []string{"-p1-0", "-p1-1", "-p2-0", "-p2-1"}, state.Items)
	assert.False(t, state.HasMore)
	assert.Len(t, fetcher.Requests(), 2, "load more is a no-op once has_more is false")
}

func TestOrchestrator_LoadMoreGuardAllowsOneInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	fetcher := &recordingFetcher{respond: func(req FetchRequest) (Page[string], error) {
		if req.Page > 1 {
			started <- struct{}{}
			<-release
		}
		return pageOf(req, 1, true), nil
	}}
	orchestrator := newTestOrchestrator(t, fetcher, &fakeClock{})
	ctx := context.Background()
	require.NoError(t, orchestrator.Search(ctx))

	done := make(chan error, 1)
	go func() { done <- orchestrator.LoadMore(ctx) }()
	<-started

	assert.True(t, orchestrator.State().LoadingMore)
	assert.Equal(t, PhaseLoadingMore, orchestrator.State().Phase)
	for i := 0; i < 3; i++ {
		require.NoError(t, orchestrator.LoadMore(ctx))
	}
	close(release)
	require.NoError(t, <-done)

	pages := 0
	for _, req := range fetcher.Requests() {
		if req.Page == 2 {
			pages++
		}
	}
	assert.Equal(t, 1, pages, "exactly one page 2 fetch")
	assert.Equal(t, []string{"-p1-0", "-p2-0"}, orchestrator.State().Items)
}

func TestOrchestrator_StaleResponseIsDiscarded(t *testing.T) {
	clock := &fakeClock{}
	slow := make(chan struct{})
	slowStarted := make(chan struct{})
	fetcher := &recordingFetcher{respond: func(req FetchRequest) (Page[string], error) {
		if req.FreeText == "old" {
			close(slowStarted)
			<-slow
		}
		return pageOf(req, 1, false), nil
	}}
	orchestrator := newTestOrchestrator(t, fetcher, clock)
	ctx := context.Background()

	orchestrator.SetFreeText("old")
	oldDone := make(chan error, 1)
	go func() {
		oldDone <- orchestrator.Search(ctx)
	}()
	<-slowStarted

	orchestrator.SetFreeText("new")
	clock.Advance(400 * time.Millisecond)
	assert.Equal(t, []string{"new-p1-0"}, orchestrator.State().Items)

	close(slow)
	require.NoError(t, <-oldDone)

	state := orchestrator.State()
	assert.Equal(t, "new", state.Filter.FreeText)
	assert.Equal(t, []string{"new-p1-0"}, state.Items, "late response for the old filter must not be applied")
	assert.Equal(t, PhaseReady, state.Phase)
}

func TestOrchestrator_ReplaceInvalidatesInFlightLoadMore(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	fetcher := &recordingFetcher{respond: func(req FetchRequest) (Page[string], error) {
		if req.Page == 2 {
			close(started)
			<-release
		}
		return pageOf(req, 1, true), nil
	}}
	orchestrator := newTestOrchestrator(t, fetcher, &fakeClock{})
	ctx := context.Background()
	require.NoError(t, orchestrator.Search(ctx))

	done := make(chan error, 1)
	go func() { done <- orchestrator.LoadMore(ctx) }()
	<-started

	require.NoError(t, orchestrator.Refresh(ctx))
	close(release)
	require.NoError(t, <-done)

	state := orchestrator.State()
	assert.Equal(t, []string{"-p1-0"}, state.Items)
	assert.Equal(t, 1, state.Filter.Page)
	assert.False(t, state.LoadingMore)
}

func TestOrchestrator_FirstFetchFailureShowsEmptyView(t *testing.T) {
	fetcher := &recordingFetcher{respond: func(FetchRequest) (Page[string], error) {
		return Page[string]{}, core.NewConnectivityError(nil, "dial tcp: connection refused")
	}}
	orchestrator := newTestOrchestrator(t, fetcher, &fakeClock{})

	err := orchestrator.Search(context.Background())
	require.Error(t, err)

	state := orchestrator.State()
	assert.Equal(t, PhaseError, state.Phase)
	assert.Empty(t, state.Items)
	require.NotNil(t, state.Error)
	assert.Equal(t, StatusClassNetwork, state.Error.StatusClass)
	assert.True(t, state.Error.Retryable)
	assert.NotContains(t, state.Error.Message, "dial tcp")
}

func TestOrchestrator_FailurePreservesShownItems(t *testing.T) {
	fail := false
	var mu sync.Mutex
	fetcher := &recordingFetcher{respond: func(req FetchRequest) (Page[string], error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return Page[string]{}, core.NewValidationError(http.StatusBadRequest, "Invalid page.")
		}
		return pageOf(req, 2, true), nil
	}}
	orchestrator := newTestOrchestrator(t, fetcher, &fakeClock{})
	ctx := context.Background()
	require.NoError(t, orchestrator.Search(ctx))

	mu.Lock()
	fail = true
	mu.Unlock()
	require.Error(t, orchestrator.LoadMore(ctx))

	state := orchestrator.State()
	assert.Equal(t, PhaseError, state.Phase)
	assert.Equal(t, []string{"-p1-0", "-p1-1"}, state.Items)
	assert.False(t, state.LoadingMore)
	require.NotNil(t, state.Error)
	assert.Equal(t, "Invalid page.", state.Error.Message)
	assert.Equal(t, StatusClassClient, state.Error.StatusClass)
	assert.False(t, state.Error.Retryable)
}

func TestOrchestrator_RefreshReplacesResults(t *testing.T) {
	var mu sync.Mutex
	round := 0
	fetcher := &recordingFetcher{respond: func(req FetchRequest) (Page[string], error) {
		mu.Lock()
		defer mu.Unlock()
		round++
		return Page[string]{Items: []string{fmt.Sprintf("r%d-p%d", round, req.Page)}, TotalCount: 10, HasMore: true}, nil
	}}
	orchestrator := newTestOrchestrator(t, fetcher, &fakeClock{})
	ctx := context.Background()

	var phases []Phase
	var phaseMu sync.Mutex
	unsubscribe := orchestrator.Subscribe(func(state ViewState[string]) {
		phaseMu.Lock()
		phases = append(phases, state.Phase)
		phaseMu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, orchestrator.Search(ctx))
	require.NoError(t, orchestrator.LoadMore(ctx))
	require.NoError(t, orchestrator.Refresh(ctx))

	state := orchestrator.State()
	assert.Equal(t, []string{"r3-p1"}, state.Items)
	assert.Equal(t, 1, state.Filter.Page)
	assert.False(t, state.LoadedAt.IsZero())

	phaseMu.Lock()
	defer phaseMu.Unlock()
	assert.Equal(t, []Phase{
		PhaseLoading, PhaseReady,
		PhaseLoadingMore, PhaseReady,
		PhaseRefreshing, PhaseReady,
	}, phases)
}

func TestOrchestrator_CloseCancelsPendingDebounce(t *testing.T) {
	clock := &fakeClock{}
	fetcher := &recordingFetcher{respond: func(req FetchRequest) (Page[string], error) {
		return pageOf(req, 1, false), nil
	}}
	orchestrator := newTestOrchestrator(t, fetcher, clock)

	orchestrator.SetFreeText("bye")
	orchestrator.Close()
	clock.Advance(time.Second)

	assert.Empty(t, fetcher.Requests())
	assert.NoError(t, orchestrator.Search(context.Background()))
	assert.Empty(t, fetcher.Requests(), "closed orchestrator ignores further calls")
}

func TestNewOrchestrator_RequiresFetcher(t *testing.T) {
	_, err := NewOrchestrator[string](nil)
	require.Error(t, err)
}
