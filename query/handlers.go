package query

import "context"

// ListResourcesQuery is a one-shot page read outside any orchestrator state.
type ListResourcesQuery[T any] struct {
	fetcher Fetcher[T]
}

func NewListResourcesQuery[T any](fetcher Fetcher[T]) *ListResourcesQuery[T] {
	return &ListResourcesQuery[T]{fetcher: fetcher}
}

func (q *ListResourcesQuery[T]) Query(ctx context.Context, msg ListResourcesMessage) (Page[T], error) {
	if q == nil || q.fetcher == nil {
		return Page[T]{}, queryDependencyError("query: resource fetcher is required")
	}
	if err := msg.Validate(); err != nil {
		return Page[T]{}, err
	}
	page := msg.Page
	if page == 0 {
		page = 1
	}
	return q.fetcher.Fetch(ctx, FetchRequest{
		FreeText:  msg.FreeText,
		SortOrder: msg.SortOrder,
		Page:      page,
	})
}
