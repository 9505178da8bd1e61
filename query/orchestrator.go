package query

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-session/core"
)

type fetchKind string

const (
	fetchSearch   fetchKind = "search"
	fetchLoadMore fetchKind = "load_more"
	fetchRefresh  fetchKind = "refresh"
)

// ticket is the snapshot a fetch carries. A response is applied only while
// the ticket is still the newest of its kind, the filter generation has not
// moved and no replace fetch was issued after it.
type ticket struct {
	kind         fetchKind
	filter       FilterState
	filterGen    uint64
	seq          uint64
	replaceEpoch uint64
}

type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	debounce time.Duration
	clock    Clock
	logger   core.Logger
	metrics  core.MetricsRecorder
	filter   FilterState
}

func WithDebounceWindow(window time.Duration) Option {
	return func(o *orchestratorOptions) {
		if window > 0 {
			o.debounce = window
		}
	}
}

func WithClock(clock Clock) Option {
	return func(o *orchestratorOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(o *orchestratorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetricsRecorder(metrics core.MetricsRecorder) Option {
	return func(o *orchestratorOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithInitialFilter seeds the filter without triggering a fetch.
func WithInitialFilter(filter FilterState) Option {
	return func(o *orchestratorOptions) {
		o.filter = FilterState{FreeText: filter.FreeText, SortOrder: filter.SortOrder, Page: 1}
	}
}

// Orchestrator holds filter and pagination state for one list view. Free
// text input is debounced, results are merged page by page and responses
// that no longer match the current state are dropped.
type Orchestrator[T any] struct {
	fetcher  Fetcher[T]
	debounce time.Duration
	clock    Clock
	logger   core.Logger
	metrics  core.MetricsRecorder

	baseCtx context.Context
	cancel  context.CancelFunc

	mu           sync.Mutex
	state        ViewState[T]
	loaded       bool
	filterGen    uint64
	replaceEpoch uint64
	seq          map[fetchKind]uint64
	timer        Timer
	timerID      uint64
	closed       bool

	listenerMu sync.RWMutex
	listeners  map[uint64]Listener[T]
	listenerID uint64
}

func NewOrchestrator[T any](fetcher Fetcher[T], opts ...Option) (*Orchestrator[T], error) {
	if fetcher == nil {
		return nil, queryDependencyError("query: orchestrator requires a fetcher")
	}
	options := orchestratorOptions{
		debounce: core.DefaultQueryDebounceWindow,
		clock:    realClock{},
		metrics:  core.NopMetricsRecorder{},
		filter:   FilterState{Page: 1},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator[T]{
		fetcher:  fetcher,
		debounce: options.debounce,
		clock:    options.clock,
		logger:   options.logger,
		metrics:  options.metrics,
		baseCtx:  ctx,
		cancel:   cancel,
		state: ViewState[T]{
			Phase:  PhaseIdle,
			Filter: options.filter,
		},
		seq:       map[fetchKind]uint64{},
		listeners: map[uint64]Listener[T]{},
	}, nil
}

// State returns a copy of the current view state.
func (o *Orchestrator[T]) State() ViewState[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Subscribe registers a listener called after every visible state change.
func (o *Orchestrator[T]) Subscribe(listener Listener[T]) func() {
	if listener == nil {
		return func() {}
	}
	o.listenerMu.Lock()
	o.listenerID++
	id := o.listenerID
	o.listeners[id] = listener
	o.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.listenerMu.Lock()
			delete(o.listeners, id)
			o.listenerMu.Unlock()
		})
	}
}

// SetFreeText updates the text filter, resets pagination and reschedules the
// debounced search. Only the last call inside the window fires.
func (o *Orchestrator[T]) SetFreeText(text string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.state.Filter.FreeText = text
	o.state.Filter.Page = 1
	o.filterGen++
	o.stopTimerLocked()
	o.timerID++
	id := o.timerID
	o.timer = o.clock.AfterFunc(o.debounce, func() { o.fireDebounced(id) })
	state := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(state)
}

// SetSortOrder updates the ordering, resets pagination, drops any pending
// debounced search and searches immediately.
func (o *Orchestrator[T]) SetSortOrder(ctx context.Context, order string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.state.Filter.SortOrder = order
	o.state.Filter.Page = 1
	o.filterGen++
	o.stopTimerLocked()
	o.mu.Unlock()
	return o.Search(ctx)
}

// Search fetches page 1 for the current filter and replaces the results.
func (o *Orchestrator[T]) Search(ctx context.Context) error {
	return o.replace(ctx, fetchSearch)
}

// Refresh re-fetches page 1 and replaces the result set.
func (o *Orchestrator[T]) Refresh(ctx context.Context) error {
	return o.replace(ctx, fetchRefresh)
}

// LoadMore fetches the next page and appends it. It is a no-op when there are
// no more pages, a load-more is already running, or a replace fetch is running
// or scheduled by the debounce timer.
func (o *Orchestrator[T]) LoadMore(ctx context.Context) error {
	o.mu.Lock()
	if o.closed || !o.state.HasMore || o.state.LoadingMore || o.replacing() || o.searchPending() {
		o.mu.Unlock()
		return nil
	}
	t := o.issueLocked(fetchLoadMore)
	t.filter.Page = o.state.Filter.Page + 1
	o.state.LoadingMore = true
	o.state.Phase = PhaseLoadingMore
	state := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(state)

	return o.execute(ctx, t)
}

// Close cancels the pending debounce timer. In-flight fetches are left to
// finish and are discarded.
func (o *Orchestrator[T]) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stopTimerLocked()
	o.timerID++
	o.mu.Unlock()
	o.cancel()
}

func (o *Orchestrator[T]) replace(ctx context.Context, kind fetchKind) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	if kind == fetchSearch {
		o.stopTimerLocked()
		o.timerID++
	}
	t := o.issueLocked(kind)
	t.filter.Page = 1
	o.state.LoadingMore = false
	if kind == fetchRefresh && o.loaded {
		o.state.Phase = PhaseRefreshing
	} else {
		o.state.Phase = PhaseLoading
	}
	state := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(state)

	return o.execute(ctx, t)
}

func (o *Orchestrator[T]) replacing() bool {
	return o.state.Phase == PhaseLoading || o.state.Phase == PhaseRefreshing
}

// searchPending reports whether a debounced search is scheduled. The shown
// items belong to the previous filter until it fires.
func (o *Orchestrator[T]) searchPending() bool {
	return o.timer != nil
}

func (o *Orchestrator[T]) fireDebounced(id uint64) {
	o.mu.Lock()
	if o.closed || id != o.timerID {
		o.mu.Unlock()
		return
	}
	o.timer = nil
	o.mu.Unlock()
	if err := o.replace(o.baseCtx, fetchSearch); err != nil && o.logger != nil {
		o.logger.Debug("debounced search failed", "error", err.Error())
	}
}

func (o *Orchestrator[T]) issueLocked(kind fetchKind) ticket {
	o.seq[kind]++
	if kind != fetchLoadMore {
		o.replaceEpoch++
	}
	return ticket{
		kind:         kind,
		filter:       o.state.Filter,
		filterGen:    o.filterGen,
		seq:          o.seq[kind],
		replaceEpoch: o.replaceEpoch,
	}
}

func (o *Orchestrator[T]) execute(ctx context.Context, t ticket) error {
	if ctx == nil {
		ctx = context.Background()
	}
	page, err := o.fetcher.Fetch(ctx, FetchRequest{
		FreeText:  t.filter.FreeText,
		SortOrder: t.filter.SortOrder,
		Page:      t.filter.Page,
	})

	o.mu.Lock()
	if !o.currentLocked(t) {
		o.mu.Unlock()
		o.discarded(ctx, t)
		return nil
	}
	if err != nil {
		o.failLocked(t, err)
	} else {
		o.applyLocked(t, page)
	}
	state := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(state)
	return err
}

func (o *Orchestrator[T]) currentLocked(t ticket) bool {
	return !o.closed &&
		t.filterGen == o.filterGen &&
		t.seq == o.seq[t.kind] &&
		t.replaceEpoch == o.replaceEpoch
}

func (o *Orchestrator[T]) applyLocked(t ticket, page Page[T]) {
	if t.kind == fetchLoadMore {
		merged := make([]T, 0, len(o.state.Items)+len(page.Items))
		merged = append(merged, o.state.Items...)
		o.state.Items = append(merged, page.Items...)
		o.state.LoadingMore = false
	} else {
		o.state.Items = append([]T(nil), page.Items...)
	}
	o.state.Filter.Page = t.filter.Page
	o.state.TotalCount = page.TotalCount
	o.state.HasMore = page.HasMore
	o.state.Error = nil
	o.state.Phase = PhaseReady
	o.state.LoadedAt = time.Now().UTC()
	o.loaded = true
}

func (o *Orchestrator[T]) failLocked(t ticket, err error) {
	if t.kind == fetchLoadMore {
		o.state.LoadingMore = false
	}
	if !o.loaded {
		o.state.Items = nil
		o.state.TotalCount = 0
		o.state.HasMore = false
	}
	o.state.Error = NewQueryError(err)
	o.state.Phase = PhaseError
}

func (o *Orchestrator[T]) discarded(ctx context.Context, t ticket) {
	o.metrics.IncCounter(ctx, core.MetricQueryDiscarded, 1, map[string]string{"kind": string(t.kind)})
	if o.logger != nil {
		o.logger.Debug("stale query response discarded", "kind", string(t.kind), "page", t.filter.Page)
	}
}

func (o *Orchestrator[T]) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Orchestrator[T]) snapshotLocked() ViewState[T] {
	out := o.state
	out.Items = append([]T(nil), o.state.Items...)
	if o.state.Error != nil {
		copied := *o.state.Error
		out.Error = &copied
	}
	return out
}

func (o *Orchestrator[T]) notify(state ViewState[T]) {
	o.listenerMu.RLock()
	listeners := make([]Listener[T], 0, len(o.listeners))
	for _, listener := range o.listeners {
		listeners = append(listeners, listener)
	}
	o.listenerMu.RUnlock()
	for _, listener := range listeners {
		listener(state)
	}
}
