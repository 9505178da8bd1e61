package session

import (
	"encoding/json"

	sessioncommand "github.com/goliatone/go-session/command"
	sessionquery "github.com/goliatone/go-session/query"
)

type Commands struct {
	Login   *sessioncommand.LoginCommand
	Logout  *sessioncommand.LogoutCommand
	Refresh *sessioncommand.RefreshCommand
}

type Queries struct {
	ListResources *sessionquery.ListResourcesQuery[json.RawMessage]
}

// Facade groups the go-command handlers so they can be registered with a
// dispatcher in one place.
type Facade struct {
	commands Commands
	queries  Queries
}

func newFacade(client *Client) *Facade {
	facade := &Facade{
		commands: Commands{
			Login:   sessioncommand.NewLoginCommand(client),
			Logout:  sessioncommand.NewLogoutCommand(client),
			Refresh: sessioncommand.NewRefreshCommand(client),
		},
	}
	// a nil fetcher surfaces as a dependency error on Query
	if fetcher, err := NewResourceFetcher[json.RawMessage](client); err == nil {
		facade.queries.ListResources = sessionquery.NewListResourcesQuery[json.RawMessage](fetcher)
	} else {
		facade.queries.ListResources = sessionquery.NewListResourcesQuery[json.RawMessage](nil)
	}
	return facade
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

var (
	_ sessioncommand.SessionService = (*Client)(nil)
)
