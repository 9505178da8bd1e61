package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/goliatone/go-session/core"
	"github.com/goliatone/go-session/transport"
)

// ResourceEnvelope is the paginated list payload returned by the backend.
type ResourceEnvelope[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

type RemoteFetcherOption func(*remoteFetcherOptions)

type remoteFetcherOptions struct {
	path  string
	retry *core.RetryManager
}

func WithResourcePath(path string) RemoteFetcherOption {
	return func(o *remoteFetcherOptions) {
		if strings.TrimSpace(path) != "" {
			o.path = strings.TrimSpace(path)
		}
	}
}

// WithRetryManager absorbs transient fetch failures under a per-fetch key.
func WithRetryManager(retry *core.RetryManager) RemoteFetcherOption {
	return func(o *remoteFetcherOptions) {
		o.retry = retry
	}
}

// RemoteFetcher reads result pages through the authenticated pipeline.
type RemoteFetcher[T any] struct {
	executor transport.Executor
	path     string
	retry    *core.RetryManager
	counter  atomic.Uint64
}

func NewRemoteFetcher[T any](executor transport.Executor, opts ...RemoteFetcherOption) (*RemoteFetcher[T], error) {
	if executor == nil {
		return nil, queryDependencyError("query: remote fetcher requires an executor")
	}
	options := remoteFetcherOptions{path: core.DefaultResourceEndpoint}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return &RemoteFetcher[T]{
		executor: executor,
		path:     options.path,
		retry:    options.retry,
	}, nil
}

func (f *RemoteFetcher[T]) Fetch(ctx context.Context, req FetchRequest) (Page[T], error) {
	if f == nil {
		return Page[T]{}, queryDependencyError("query: remote fetcher is nil")
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if f.retry == nil {
		return f.fetchOnce(ctx, req)
	}
	key := fmt.Sprintf("query.fetch:%s:%d", f.path, f.counter.Add(1))
	return core.ExecuteWithResult(ctx, f.retry, key, func(ctx context.Context) (Page[T], error) {
		return f.fetchOnce(ctx, req)
	})
}

func (f *RemoteFetcher[T]) fetchOnce(ctx context.Context, req FetchRequest) (Page[T], error) {
	query := map[string]string{"page": strconv.Itoa(req.Page)}
	if text := strings.TrimSpace(req.FreeText); text != "" {
		query["search"] = text
	}
	if order := strings.TrimSpace(req.SortOrder); order != "" {
		query["ordering"] = order
	}
	res, err := f.executor.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   f.path,
		Query:  query,
	})
	if err != nil {
		return Page[T]{}, err
	}
	var envelope ResourceEnvelope[T]
	if err := json.Unmarshal(res.Body, &envelope); err != nil {
		return Page[T]{}, core.NewServerError(http.StatusBadGateway, "query: malformed resource page")
	}
	return Page[T]{
		Items:      envelope.Results,
		TotalCount: envelope.Count,
		HasMore:    envelope.Next != nil && strings.TrimSpace(*envelope.Next) != "",
	}, nil
}
