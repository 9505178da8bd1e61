package query

import (
	"encoding/json"

	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Querier[ListResourcesMessage, Page[json.RawMessage]] = (*ListResourcesQuery[json.RawMessage])(nil)
	_ Fetcher[json.RawMessage]                                   = (*RemoteFetcher[json.RawMessage])(nil)
	_ Fetcher[json.RawMessage]                                   = FetcherFunc[json.RawMessage](nil)
)
