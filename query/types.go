package query

import (
	"context"
	"time"
)

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseLoading     Phase = "loading"
	PhaseLoadingMore Phase = "loading_more"
	PhaseRefreshing  Phase = "refreshing"
	PhaseReady       Phase = "ready"
	PhaseError       Phase = "error"
)

// FilterState is the user-controlled query input. Page is the last page
// applied to the view; any FreeText or SortOrder change resets it to 1.
type FilterState struct {
	FreeText  string
	SortOrder string
	Page      int
}

// FetchRequest is what a Fetcher receives for one page read.
type FetchRequest struct {
	FreeText  string
	SortOrder string
	Page      int
}

type Page[T any] struct {
	Items      []T
	TotalCount int
	HasMore    bool
}

type Fetcher[T any] interface {
	Fetch(ctx context.Context, req FetchRequest) (Page[T], error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc[T any] func(ctx context.Context, req FetchRequest) (Page[T], error)

func (f FetcherFunc[T]) Fetch(ctx context.Context, req FetchRequest) (Page[T], error) {
	return f(ctx, req)
}

// QueryError is the user-facing summary of a failed fetch.
type QueryError struct {
	Message     string
	Code        string
	StatusClass string
	Retryable   bool
}

func (e *QueryError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// ViewState is a copy of the orchestrator state for rendering.
type ViewState[T any] struct {
	Phase       Phase
	Filter      FilterState
	Items       []T
	TotalCount  int
	HasMore     bool
	Error       *QueryError
	LoadedAt    time.Time
	LoadingMore bool
}

type Listener[T any] func(state ViewState[T])

// Clock schedules the debounce timer.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
